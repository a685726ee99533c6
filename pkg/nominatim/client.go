// Package nominatim reverse-geocodes coordinates through Nominatim.
package nominatim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"offlinenav/pkg/model"
	"offlinenav/pkg/request"
)

// DefaultEndpoint is the public OpenStreetMap Nominatim instance.
const DefaultEndpoint = "https://nominatim.openstreetmap.org"

// PlaceholderCity is used when no address could be resolved.
const PlaceholderCity = "Current Location"

// Client handles Nominatim reverse lookups.
type Client struct {
	request  *request.Client
	Endpoint string
	Language string
	now      func() time.Time
}

// NewClient creates a new Nominatim client.
func NewClient(r *request.Client, endpoint string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{request: r, Endpoint: strings.TrimRight(endpoint, "/"), Language: "en", now: time.Now}
}

type response struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
	Address     struct {
		City         string `json:"city"`
		Town         string `json:"town"`
		Village      string `json:"village"`
		Municipality string `json:"municipality"`
		Country      string `json:"country"`
		State        string `json:"state"`
		Province     string `json:"province"`
		District     string `json:"city_district"`
		County       string `json:"county"`
	} `json:"address"`
}

// Reverse resolves the address at lat/lon. It never fails: any transport,
// decode or empty-result problem yields a placeholder location that still
// carries valid coordinates.
func (c *Client) Reverse(ctx context.Context, lat, lon float64) model.Location {
	loc := Placeholder(lat, lon, c.now())

	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", fmt.Sprintf("%.6f", lat))
	q.Set("lon", fmt.Sprintf("%.6f", lon))
	q.Set("zoom", "18")
	q.Set("addressdetails", "1")
	headers := map[string]string{"Accept-Language": c.Language}

	body, err := c.request.Get(ctx, c.Endpoint+"/reverse?"+q.Encode(), headers)
	if err != nil {
		slog.Debug("Nominatim: reverse geocode failed, using placeholder", "error", err)
		return loc
	}
	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		slog.Debug("Nominatim: malformed response, using placeholder", "error", err)
		return loc
	}
	if resp.Error != "" {
		return loc
	}

	a := resp.Address
	if city := firstNonEmpty(a.City, a.Town, a.Village, a.Municipality); city != "" {
		loc.City = city
	}
	loc.Country = a.Country
	loc.State = firstNonEmpty(a.State, a.Province)
	loc.District = firstNonEmpty(a.District, a.County)
	if resp.DisplayName != "" {
		loc.Address = resp.DisplayName
	}
	return loc
}

// Placeholder builds the degraded location used when no address is known.
func Placeholder(lat, lon float64, at time.Time) model.Location {
	return model.Location{
		Lat:       lat,
		Lon:       lon,
		City:      PlaceholderCity,
		Address:   fmt.Sprintf("%.6f, %.6f", lat, lon),
		Timestamp: at,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
