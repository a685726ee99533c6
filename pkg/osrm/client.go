// Package osrm fetches driving routes from an OSRM server.
package osrm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"offlinenav/pkg/errs"
	"offlinenav/pkg/geo"
	"offlinenav/pkg/model"
	"offlinenav/pkg/request"
)

// DefaultEndpoint is the public OSRM demo server.
const DefaultEndpoint = "https://router.project-osrm.org"

// Client handles OSRM route requests.
type Client struct {
	request  *request.Client
	Endpoint string
	Profile  string
}

// NewClient creates a new OSRM client.
func NewClient(r *request.Client, endpoint string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{request: r, Endpoint: strings.TrimRight(endpoint, "/"), Profile: "driving"}
}

type response struct {
	Code   string  `json:"code"`
	Routes []route `json:"routes"`
}

type route struct {
	Distance float64 `json:"distance"`
	Duration float64 `json:"duration"`
	Geometry struct {
		Coordinates [][2]float64 `json:"coordinates"` // [lon, lat]
	} `json:"geometry"`
	Legs []struct {
		Steps []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
			Name     string  `json:"name"`
			Maneuver struct {
				Type     string `json:"type"`
				Modifier string `json:"modifier"`
			} `json:"maneuver"`
		} `json:"steps"`
	} `json:"legs"`
}

// Route fetches the fastest route from one point to another.
func (c *Client) Route(ctx context.Context, from, to geo.Point) (*model.RouteResult, error) {
	u := fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=geojson&steps=true",
		c.Endpoint, c.Profile, from.Lon, from.Lat, to.Lon, to.Lat)

	body, err := c.request.Get(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("osrm route: %w", err)
	}

	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: osrm response: %v", errs.ErrDecode, err)
	}
	if len(resp.Routes) == 0 {
		return nil, fmt.Errorf("%w: no route (code %s)", errs.ErrNoResult, resp.Code)
	}

	r := resp.Routes[0]
	out := &model.RouteResult{
		Geometry: make([][2]float64, 0, len(r.Geometry.Coordinates)),
		Distance: r.Distance,
		Duration: r.Duration,
		Steps:    []model.RouteStep{},
	}
	for _, pt := range r.Geometry.Coordinates {
		out.Geometry = append(out.Geometry, [2]float64{pt[1], pt[0]})
	}
	for _, leg := range r.Legs {
		for _, s := range leg.Steps {
			out.Steps = append(out.Steps, model.RouteStep{
				Distance: s.Distance,
				Duration: s.Duration,
				Name:     s.Name,
				Maneuver: strings.TrimSpace(s.Maneuver.Type + " " + s.Maneuver.Modifier),
			})
		}
	}
	return out, nil
}
