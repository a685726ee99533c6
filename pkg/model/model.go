package model

import (
	"time"
)

// Encoding is the content encoding of a pack blob.
type Encoding string

const (
	EncodingIdentity Encoding = "identity"
	EncodingGzip     Encoding = "gzip"
)

// LonLat is a coordinate in GeoJSON order.
type LonLat struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// BBox is a min/max longitude-latitude rectangle.
type BBox struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// Contains reports whether the point lies inside the box (edges inclusive).
func (b BBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// IsZero reports whether the box was never set.
func (b BBox) IsZero() bool {
	return b == BBox{}
}

// PackManifest describes a durably stored pack without its payload.
type PackManifest struct {
	ID              string    `json:"id"`
	BBox            BBox      `json:"bbox"`
	Center          LonLat    `json:"center"`
	RadiusMeters    float64   `json:"radius_meters"`
	Categories      []string  `json:"categories"`
	CreatedAt       time.Time `json:"created_at"`
	SizeBytes       int64     `json:"size_bytes"` // Uncompressed, as reported by the creator
	ItemCount       int       `json:"item_count"`
	CompressedBytes *int64    `json:"compressed_bytes,omitempty"`
	ContentEncoding Encoding  `json:"content_encoding,omitempty"`
}

// Encoding returns the effective content encoding (identity when unset).
func (m *PackManifest) Encoding() Encoding {
	if m.ContentEncoding == "" {
		return EncodingIdentity
	}
	return m.ContentEncoding
}

// POI is a point of interest returned by a nearby search or stored in a pack.
type POI struct {
	ID       int64             `json:"id"`
	Lat      float64           `json:"lat"`
	Lon      float64           `json:"lon"`
	Name     string            `json:"name,omitempty"`
	Category string            `json:"category"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// DisplayName returns the best available name for the POI.
func (p *POI) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Category
}

// RouteStep is a single maneuver along a route.
type RouteStep struct {
	Distance float64 `json:"distance"` // meters
	Duration float64 `json:"duration"` // seconds
	Name     string  `json:"name"`     // road name
	Maneuver string  `json:"maneuver"` // e.g. "turn left"
}

// RouteResult is an immutable point-to-point route.
type RouteResult struct {
	Geometry [][2]float64 `json:"geometry"` // [lat, lon] pairs
	Distance float64      `json:"distance"` // meters
	Duration float64      `json:"duration"` // seconds
	Steps    []RouteStep  `json:"steps"`
}

// Location is a position enriched with best-effort address fields.
type Location struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy,omitempty"` // meters
	City      string    `json:"city"`
	Country   string    `json:"country,omitempty"`
	State     string    `json:"state,omitempty"`
	District  string    `json:"district,omitempty"`
	Address   string    `json:"address"`
	Timestamp time.Time `json:"timestamp"`
}

// Position is a raw fix from a positioning source.
type Position struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
