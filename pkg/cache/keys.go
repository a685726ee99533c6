package cache

import (
	"fmt"
	"strconv"

	"offlinenav/pkg/geo"
)

// POIKey derives the nearby-search key. Coordinates are rounded to 5 decimals
// (about 1 m) so near-identical requests share a slot.
func POIKey(lat, lon float64, radiusMeters int) string {
	return fmt.Sprintf("poi:%.5f,%.5f:%d", round5(lat), round5(lon), radiusMeters)
}

// RouteKey derives the route key from the ordered origin/destination pair at
// full precision. A to B and B to A are distinct keys.
func RouteKey(from, to geo.Point) string {
	return "route:" + ff(from.Lat) + "," + ff(from.Lon) + ";" + ff(to.Lat) + "," + ff(to.Lon)
}

func round5(v float64) float64 {
	r := geo.Round(v, 5)
	if r == 0 {
		return 0 // drop the sign of -0
	}
	return r
}

func ff(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
