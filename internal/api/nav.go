package api

import (
	"context"
	"log/slog"
	"net/http"

	"offlinenav/pkg/geo"
	"offlinenav/pkg/nav"
)

// NavService is the read path behind the nearby and route endpoints.
type NavService interface {
	NearbyPOIs(ctx context.Context, lat, lon float64, radiusMeters int) (*nav.NearbyResult, error)
	LatestNearby(ctx context.Context, lat, lon float64, radiusMeters int) (*nav.NearbyResult, error)
	NearbyHere(ctx context.Context, radiusMeters int) (*nav.NearbyResult, error)
	Route(ctx context.Context, from, to geo.Point) (*nav.RouteResponse, error)
	LatestRoute(ctx context.Context, from, to geo.Point) (*nav.RouteResponse, error)
}

// NavHandler serves nearby searches and routes.
type NavHandler struct {
	svc           NavService
	defaultRadius int
}

// NewNavHandler creates a new nav handler.
func NewNavHandler(svc NavService, defaultRadius int) *NavHandler {
	if defaultRadius <= 0 {
		defaultRadius = 1000
	}
	return &NavHandler{svc: svc, defaultRadius: defaultRadius}
}

// HandleNearby handles GET /api/nearby?lat=&lon=&radius=.
// Without lat/lon the current device location is used. latest=true marks the
// request as the map view's only live search.
func (h *NavHandler) HandleNearby(w http.ResponseWriter, r *http.Request) {
	radius, err := intParam(r, "radius", h.defaultRadius)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var res *nav.NearbyResult
	q := r.URL.Query()
	if q.Get("lat") == "" && q.Get("lon") == "" {
		res, err = h.svc.NearbyHere(r.Context(), radius)
	} else {
		var lat, lon float64
		if lat, err = floatParam(r, "lat"); err != nil {
			writeError(w, r, err)
			return
		}
		if lon, err = floatParam(r, "lon"); err != nil {
			writeError(w, r, err)
			return
		}
		if boolParam(r, "latest") {
			res, err = h.svc.LatestNearby(r.Context(), lat, lon, radius)
		} else {
			res, err = h.svc.NearbyPOIs(r.Context(), lat, lon, radius)
		}
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("X-Offlinenav-Source", res.Source)
	if q.Get("format") == "geojson" {
		body, err := geo.POIFeatures(res.POIs).MarshalJSON()
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		if _, err := w.Write(body); err != nil {
			slog.Error("Failed to write nearby geojson", "error", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleRoute handles GET /api/route?from_lat=&from_lon=&to_lat=&to_lon=.
func (h *NavHandler) HandleRoute(w http.ResponseWriter, r *http.Request) {
	var vals [4]float64
	for i, name := range []string{"from_lat", "from_lon", "to_lat", "to_lon"} {
		v, err := floatParam(r, name)
		if err != nil {
			writeError(w, r, err)
			return
		}
		vals[i] = v
	}
	from := geo.Point{Lat: vals[0], Lon: vals[1]}
	to := geo.Point{Lat: vals[2], Lon: vals[3]}

	get := h.svc.Route
	if boolParam(r, "latest") {
		get = h.svc.LatestRoute
	}
	res, err := get(r.Context(), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("X-Offlinenav-Source", res.Source)
	if r.URL.Query().Get("format") == "geojson" {
		body, err := geo.RouteFeature(res.Route).MarshalJSON()
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		if _, err := w.Write(body); err != nil {
			slog.Error("Failed to write route geojson", "error", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}
