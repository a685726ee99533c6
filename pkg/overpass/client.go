// Package overpass searches OpenStreetMap POIs through the Overpass API.
package overpass

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"offlinenav/pkg/errs"
	"offlinenav/pkg/model"
	"offlinenav/pkg/poi"
	"offlinenav/pkg/request"
)

// DefaultEndpoint is the public Overpass interpreter.
const DefaultEndpoint = "https://overpass-api.de/api/interpreter"

// Client handles Overpass API interactions.
type Client struct {
	request  *request.Client
	Endpoint string
	// Timeout is the server-side query timeout in seconds.
	Timeout int
}

// NewClient creates a new Overpass client. An empty endpoint selects the
// public instance.
func NewClient(r *request.Client, endpoint string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{request: r, Endpoint: endpoint, Timeout: 25}
}

type response struct {
	Elements []element `json:"elements"`
}

type element struct {
	Type   string            `json:"type"`
	ID     int64             `json:"id"`
	Lat    float64           `json:"lat"`
	Lon    float64           `json:"lon"`
	Center *struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"center"`
	Tags map[string]string `json:"tags"`
}

// SearchPOIs returns POIs within radiusMeters of the center. Categories
// restricts the query; none means every known category.
func (c *Client) SearchPOIs(ctx context.Context, lat, lon, radiusMeters float64, categories ...string) ([]model.POI, error) {
	q := BuildQuery(lat, lon, radiusMeters, c.Timeout, categories)

	form := url.Values{}
	form.Set("data", q)
	headers := map[string]string{"Content-Type": "application/x-www-form-urlencoded"}

	body, err := c.request.Post(ctx, c.Endpoint, []byte(form.Encode()), headers)
	if err != nil {
		return nil, fmt.Errorf("overpass search: %w", err)
	}

	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: overpass response: %v", errs.ErrDecode, err)
	}

	pois := make([]model.POI, 0, len(resp.Elements))
	for _, el := range resp.Elements {
		lat, lon := el.Lat, el.Lon
		if el.Center != nil {
			lat, lon = el.Center.Lat, el.Center.Lon
		}
		if lat == 0 && lon == 0 {
			continue
		}
		pois = append(pois, model.POI{
			ID:       el.ID,
			Lat:      lat,
			Lon:      lon,
			Name:     el.Tags["name"],
			Category: poi.Categorize(el.Tags),
			Tags:     el.Tags,
		})
	}
	return pois, nil
}

// BuildQuery renders the Overpass QL around-query for the given categories.
func BuildQuery(lat, lon, radiusMeters float64, timeout int, categories []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[out:json][timeout:%d];\n(\n", timeout)
	around := fmt.Sprintf("(around:%.0f,%.6f,%.6f)", radiusMeters, lat, lon)
	for _, sel := range poi.Selectors(categories) {
		for _, kind := range []string{"node", "way"} {
			fmt.Fprintf(&b, "  %s[%q=%q]%s;\n", kind, sel[0], sel[1], around)
		}
	}
	b.WriteString(");\nout center tags;\n")
	return b.String()
}
