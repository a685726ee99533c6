package geo

import (
	"math"

	"github.com/paulmach/orb"

	"offlinenav/pkg/model"
)

const earthRadius = 6371000 // meters

// Point represents a geographic coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate lies within WGS84 bounds.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180 &&
		!math.IsNaN(p.Lat) && !math.IsNaN(p.Lon)
}

// Distance calculates the Haversine distance between two points in meters.
func Distance(p1, p2 Point) float64 {
	dLat := (p2.Lat - p1.Lat) * (math.Pi / 180.0)
	dLon := (p2.Lon - p1.Lon) * (math.Pi / 180.0)
	lat1 := p1.Lat * (math.Pi / 180.0)
	lat2 := p2.Lat * (math.Pi / 180.0)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Sin(dLon/2)*math.Sin(dLon/2)*math.Cos(lat1)*math.Cos(lat2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadius * c
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// BoundAround returns the box enclosing a circle of radiusMeters around center.
func BoundAround(center Point, radiusMeters float64) model.BBox {
	latDelta := radiusMeters / 111320.0
	lonDelta := radiusMeters / (111320.0 * math.Cos(center.Lat*math.Pi/180))

	return model.BBox{
		MinLon: math.Max(center.Lon-lonDelta, -180),
		MinLat: math.Max(center.Lat-latDelta, -90),
		MaxLon: math.Min(center.Lon+lonDelta, 180),
		MaxLat: math.Min(center.Lat+latDelta, 90),
	}
}

// BoundOf returns the tightest box enclosing all points, or a zero box when empty.
func BoundOf(points []Point) model.BBox {
	if len(points) == 0 {
		return model.BBox{}
	}
	mp := make(orb.MultiPoint, 0, len(points))
	for _, p := range points {
		mp = append(mp, orb.Point{p.Lon, p.Lat})
	}
	return FromBound(mp.Bound())
}

// ToBound converts a box to an orb.Bound.
func ToBound(b model.BBox) orb.Bound {
	return orb.Bound{Min: orb.Point{b.MinLon, b.MinLat}, Max: orb.Point{b.MaxLon, b.MaxLat}}
}

// FromBound converts an orb.Bound to a box.
func FromBound(b orb.Bound) model.BBox {
	return model.BBox{MinLon: b.Min.Lon(), MinLat: b.Min.Lat(), MaxLon: b.Max.Lon(), MaxLat: b.Max.Lat()}
}

// Covers reports whether a pack's coverage area includes the point: inside the
// bbox, and within RadiusMeters of the center when a radius is recorded.
func Covers(m *model.PackManifest, p Point) bool {
	if !m.BBox.IsZero() && !ToBound(m.BBox).Contains(orb.Point{p.Lon, p.Lat}) {
		return false
	}
	if m.RadiusMeters > 0 {
		c := Point{Lat: m.Center.Lat, Lon: m.Center.Lon}
		if Distance(c, p) > m.RadiusMeters {
			return false
		}
	}
	return !m.BBox.IsZero() || m.RadiusMeters > 0
}
