// Package nav is the consumer-facing read path: nearby POIs, routes and
// offline pack downloads, served from cache, network or disk.
package nav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"offlinenav/pkg/cache"
	"offlinenav/pkg/errs"
	"offlinenav/pkg/geo"
	"offlinenav/pkg/model"
	"offlinenav/pkg/pack"
	"offlinenav/pkg/tracker"
)

// Source values reported with results.
const (
	SourceFresh   = "fresh"
	SourceFetched = "fetched"
	SourceStale   = "stale"
	SourcePack    = "pack"
)

// MaxRadiusMeters bounds nearby searches and pack downloads.
const MaxRadiusMeters = 50000

// POISearcher finds POIs around a point.
type POISearcher interface {
	SearchPOIs(ctx context.Context, lat, lon, radiusMeters float64, categories ...string) ([]model.POI, error)
}

// Router computes a route between two points.
type Router interface {
	Route(ctx context.Context, from, to geo.Point) (*model.RouteResult, error)
}

// Locator provides the current device location.
type Locator interface {
	Current(ctx context.Context) (model.Location, error)
}

// Config tunes the caches behind the service.
type Config struct {
	NearbyTTL      time.Duration
	NearbyCapacity int
	RouteCapacity  int
	FetchTimeout   time.Duration
	// Persist mirrors nearby results to durable storage.
	Persist cache.Persister
	Tracker *tracker.Tracker
	Logger  *slog.Logger
	Now     func() time.Time
}

// NearbyResult is a nearby-POI answer and where it came from.
type NearbyResult struct {
	POIs   []model.POI `json:"pois"`
	Source string      `json:"source"`
	PackID string      `json:"pack_id,omitempty"`
}

// RouteResponse is a route answer and where it came from.
type RouteResponse struct {
	Route  *model.RouteResult `json:"route"`
	Source string             `json:"source"`
}

// Service wires the keyed caches to the fetchers and the pack manager.
type Service struct {
	pois    POISearcher
	router  Router
	packs   *pack.Manager
	locator Locator
	logger  *slog.Logger

	nearby     *cache.Keyed[[]model.POI]
	routes     *cache.Keyed[*model.RouteResult]
	nearbySlot *cache.Slot[[]model.POI]
	routeSlot  *cache.Slot[*model.RouteResult]
}

// NewService creates the facade. packs and locator may be nil.
func NewService(pois POISearcher, router Router, packs *pack.Manager, locator Locator, cfg Config) (*Service, error) {
	if cfg.NearbyTTL <= 0 {
		cfg.NearbyTTL = 15 * time.Minute
	}
	if cfg.NearbyCapacity <= 0 {
		cfg.NearbyCapacity = 512
	}
	if cfg.RouteCapacity <= 0 {
		cfg.RouteCapacity = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	nearby, err := cache.New[[]model.POI](cache.Config{
		Name:         "nearby",
		TTL:          cfg.NearbyTTL,
		Capacity:     cfg.NearbyCapacity,
		FetchTimeout: cfg.FetchTimeout,
		Persist:      cfg.Persist,
		Namespace:    "nearby:",
		Tracker:      cfg.Tracker,
		Logger:       logger,
		Now:          cfg.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("nearby cache: %w", err)
	}
	routes, err := cache.New[*model.RouteResult](cache.Config{
		Name:         "route",
		Capacity:     cfg.RouteCapacity,
		FetchTimeout: cfg.FetchTimeout,
		Tracker:      cfg.Tracker,
		Logger:       logger,
		Now:          cfg.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("route cache: %w", err)
	}

	return &Service{
		pois:       pois,
		router:     router,
		packs:      packs,
		locator:    locator,
		logger:     logger.With("component", "nav"),
		nearby:     nearby,
		routes:     routes,
		nearbySlot: cache.NewSlot(nearby),
		routeSlot:  cache.NewSlot(routes),
	}, nil
}

// NearbyPOIs returns POIs within radius of the point.
func (s *Service) NearbyPOIs(ctx context.Context, lat, lon float64, radiusMeters int) (*NearbyResult, error) {
	return s.nearbyVia(ctx, s.nearby.Get, lat, lon, radiusMeters)
}

// LatestNearby is NearbyPOIs for a single UI view: a request for a different
// area cancels the previous one, whose caller gets cache.ErrSuperseded.
func (s *Service) LatestNearby(ctx context.Context, lat, lon float64, radiusMeters int) (*NearbyResult, error) {
	return s.nearbyVia(ctx, s.nearbySlot.Get, lat, lon, radiusMeters)
}

// CurrentLocation returns the device location from the location service.
func (s *Service) CurrentLocation(ctx context.Context) (model.Location, error) {
	if s.locator == nil {
		return model.Location{}, fmt.Errorf("%w: no location service", errs.ErrUnsupported)
	}
	return s.locator.Current(ctx)
}

// NearbyHere searches around the current device location.
func (s *Service) NearbyHere(ctx context.Context, radiusMeters int) (*NearbyResult, error) {
	loc, err := s.CurrentLocation(ctx)
	if err != nil {
		return nil, err
	}
	return s.LatestNearby(ctx, loc.Lat, loc.Lon, radiusMeters)
}

type getter[T any] func(ctx context.Context, key string, fetch cache.FetchFunc[T]) (T, cache.Status, error)

func (s *Service) nearbyVia(ctx context.Context, get getter[[]model.POI], lat, lon float64, radiusMeters int) (*NearbyResult, error) {
	center := geo.Point{Lat: lat, Lon: lon}
	if !center.Valid() {
		return nil, fmt.Errorf("%w: coordinates out of range", errs.ErrInvalid)
	}
	if radiusMeters <= 0 || radiusMeters > MaxRadiusMeters {
		return nil, fmt.Errorf("%w: radius must be between 1 and %d meters", errs.ErrInvalid, MaxRadiusMeters)
	}

	key := cache.POIKey(lat, lon, radiusMeters)
	pois, st, err := get(ctx, key, func(fctx context.Context) ([]model.POI, error) {
		return s.pois.SearchPOIs(fctx, lat, lon, float64(radiusMeters))
	})
	if err == nil {
		// The cache hands out its own slice.
		return &NearbyResult{POIs: slices.Clone(pois), Source: sourceOf(st)}, nil
	}
	if errors.Is(err, cache.ErrSuperseded) || ctx.Err() != nil {
		return nil, err
	}

	if res, ok := s.fromPacks(ctx, center, float64(radiusMeters)); ok {
		s.logger.Info("Nearby search served from offline pack", "key", key, "pack", res.PackID, "error", err)
		return res, nil
	}
	return nil, err
}

// fromPacks answers a nearby search from the first covering offline pack.
func (s *Service) fromPacks(ctx context.Context, center geo.Point, radius float64) (*NearbyResult, bool) {
	if s.packs == nil {
		return nil, false
	}
	covering, err := s.packs.FindCovering(ctx, center.Lat, center.Lon)
	if err != nil || len(covering) == 0 {
		return nil, false
	}
	for _, mf := range covering {
		all, err := s.packs.PackPOIs(ctx, mf.ID)
		if err != nil {
			s.logger.Warn("Unreadable offline pack", "pack", mf.ID, "error", err)
			continue
		}
		return &NearbyResult{
			POIs:   withinRadius(all, center, radius),
			Source: SourcePack,
			PackID: mf.ID,
		}, true
	}
	return nil, false
}

// Route returns the route between two points. Routes are cached for the
// lifetime of the process per exact ordered pair.
func (s *Service) Route(ctx context.Context, from, to geo.Point) (*RouteResponse, error) {
	return s.routeVia(ctx, s.routes.Get, from, to)
}

// LatestRoute is Route for a single UI panel; a newer request for another
// pair cancels the previous one.
func (s *Service) LatestRoute(ctx context.Context, from, to geo.Point) (*RouteResponse, error) {
	return s.routeVia(ctx, s.routeSlot.Get, from, to)
}

func (s *Service) routeVia(ctx context.Context, get getter[*model.RouteResult], from, to geo.Point) (*RouteResponse, error) {
	if !from.Valid() || !to.Valid() {
		return nil, fmt.Errorf("%w: coordinates out of range", errs.ErrInvalid)
	}
	r, st, err := get(ctx, cache.RouteKey(from, to), func(fctx context.Context) (*model.RouteResult, error) {
		return s.router.Route(fctx, from, to)
	})
	if err != nil {
		return nil, err
	}
	return &RouteResponse{Route: r, Source: sourceOf(st)}, nil
}

func sourceOf(st cache.Status) string {
	switch st {
	case cache.StatusFresh:
		return SourceFresh
	case cache.StatusStale:
		return SourceStale
	}
	return SourceFetched
}
