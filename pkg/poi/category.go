package poi

// Category names returned to consumers.
const (
	CategoryHospital   = "hospital"
	CategoryClinic     = "clinic"
	CategoryBank       = "bank"
	CategoryATM        = "atm"
	CategoryRestaurant = "restaurant"
	CategoryHotel      = "hotel"
	CategoryStation    = "railway_station"
	CategoryBusStop    = "bus_stop"
	CategoryUnknown    = "unknown"
)

type tagRule struct {
	key, value string
	category   string
}

// rules is evaluated in order; the first matching tag wins.
var rules = []tagRule{
	{"amenity", "hospital", CategoryHospital},
	{"amenity", "clinic", CategoryClinic},
	{"amenity", "bank", CategoryBank},
	{"amenity", "atm", CategoryATM},
	{"amenity", "restaurant", CategoryRestaurant},
	{"amenity", "cafe", CategoryRestaurant},
	{"amenity", "fast_food", CategoryRestaurant},
	{"tourism", "hotel", CategoryHotel},
	{"railway", "station", CategoryStation},
	{"highway", "bus_stop", CategoryBusStop},
}

// Categorize derives the consumer category from OSM tags.
func Categorize(tags map[string]string) string {
	for _, r := range rules {
		if tags[r.key] == r.value {
			return r.category
		}
	}
	return CategoryUnknown
}

// Categories lists every known category (excluding unknown).
func Categories() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range rules {
		if !seen[r.category] {
			seen[r.category] = true
			out = append(out, r.category)
		}
	}
	return out
}

// Selectors returns the OSM key=value pairs that map to any of the given
// categories. An empty input selects every known category.
func Selectors(categories []string) [][2]string {
	want := make(map[string]bool, len(categories))
	for _, c := range categories {
		want[c] = true
	}
	var out [][2]string
	for _, r := range rules {
		if len(want) == 0 || want[r.category] {
			out = append(out, [2]string{r.key, r.value})
		}
	}
	return out
}
