// Package location acquires the device position, enriches it with a reverse
// geocoded address and fans updates out to watchers.
package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"offlinenav/pkg/cache"
	"offlinenav/pkg/errs"
	"offlinenav/pkg/model"
	"offlinenav/pkg/nominatim"
	"offlinenav/pkg/tracker"
)

const (
	currentKey  = "current"
	geocodeTTL  = time.Hour
	geocodeSize = 128
)

var errNoAddress = errors.New("no address resolved")

func isPlaceholder(loc model.Location) bool {
	return loc.City == nominatim.PlaceholderCity && loc.Country == ""
}

// Positioner yields position fixes.
type Positioner interface {
	Position(ctx context.Context) (model.Position, error)
}

// Geocoder resolves an address for a coordinate. It must not fail; degraded
// results are expected instead.
type Geocoder interface {
	Reverse(ctx context.Context, lat, lon float64) model.Location
}

// Config tunes a Service.
type Config struct {
	// MaxAge is how long an acquired location is served without a new fix.
	MaxAge time.Duration
	// Persist stores the last location across restarts.
	Persist cache.Persister
	Tracker *tracker.Tracker
	Logger  *slog.Logger
	Now     func() time.Time
}

// Service owns the last known location and the active watches.
type Service struct {
	pos      Positioner
	geocoder Geocoder
	logger   *slog.Logger

	current  *cache.Keyed[model.Location]
	geocoded *cache.Keyed[model.Location]
	now      func() time.Time

	mu       sync.Mutex
	watchers map[uint64]*Subscription
	nextID   uint64
}

// NewService creates a location service. pos may be nil when the platform
// has no positioning; Current then returns errs.ErrUnsupported.
func NewService(pos Positioner, geocoder Geocoder, cfg Config) (*Service, error) {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 15 * time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "location")

	current, err := cache.New[model.Location](cache.Config{
		Name:      "location",
		TTL:       cfg.MaxAge,
		Capacity:  1,
		Persist:   cfg.Persist,
		Namespace: "location:",
		Tracker:   cfg.Tracker,
		Logger:    logger,
		Now:       cfg.Now,
	})
	if err != nil {
		return nil, err
	}
	geocoded, err := cache.New[model.Location](cache.Config{
		Name:     "geocode",
		TTL:      geocodeTTL,
		Capacity: geocodeSize,
		Tracker:  cfg.Tracker,
		Logger:   logger,
		Now:      cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	return &Service{
		pos:      pos,
		geocoder: geocoder,
		logger:   logger,
		current:  current,
		geocoded: geocoded,
		now:      now,
		watchers: make(map[uint64]*Subscription),
	}, nil
}

// Current returns the current location, acquiring a new fix when the last one
// is older than MaxAge. If acquisition fails the last known location is
// returned instead.
func (s *Service) Current(ctx context.Context) (model.Location, error) {
	if s.pos == nil {
		return model.Location{}, fmt.Errorf("%w: no positioning available", errs.ErrUnsupported)
	}
	loc, st, err := s.current.Get(ctx, currentKey, s.acquire)
	if err != nil {
		return model.Location{}, err
	}
	if st == cache.StatusFetched {
		s.notify(loc)
	}
	return loc, nil
}

// Last returns the last known location without acquiring.
func (s *Service) Last() (model.Location, bool) {
	if e, ok := s.current.Peek(currentKey); ok {
		return e.Payload, true
	}
	return model.Location{}, false
}

// Update records a position fix pushed by the client, geocodes it and
// notifies watchers.
func (s *Service) Update(ctx context.Context, fix model.Position) (model.Location, error) {
	if fix.Lat < -90 || fix.Lat > 90 || fix.Lon < -180 || fix.Lon > 180 {
		return model.Location{}, fmt.Errorf("%w: coordinates out of range", errs.ErrInvalid)
	}
	if p, ok := s.pos.(interface{ Push(model.Position) }); ok {
		p.Push(fix)
	}
	loc := s.enrich(ctx, fix)
	s.current.Set(ctx, currentKey, loc)
	s.notify(loc)
	return loc, nil
}

func (s *Service) acquire(ctx context.Context) (model.Location, error) {
	fix, err := s.pos.Position(ctx)
	if err != nil {
		return model.Location{}, fmt.Errorf("acquire position: %w", err)
	}
	return s.enrich(ctx, fix), nil
}

// enrich attaches address fields. Nearby fixes (about 10 m) share one lookup.
// Placeholder answers are not cached so the next fix retries the geocoder.
func (s *Service) enrich(ctx context.Context, fix model.Position) model.Location {
	key := fmt.Sprintf("%.4f,%.4f", fix.Lat, fix.Lon)
	loc, _, err := s.geocoded.Get(ctx, key, func(fctx context.Context) (model.Location, error) {
		loc := s.geocoder.Reverse(fctx, fix.Lat, fix.Lon)
		if isPlaceholder(loc) {
			return model.Location{}, errNoAddress
		}
		return loc, nil
	})
	if err != nil {
		if !errors.Is(err, errNoAddress) {
			s.logger.Debug("Geocode skipped", "error", err)
		}
		loc = nominatim.Placeholder(fix.Lat, fix.Lon, s.now())
	}
	loc.Lat, loc.Lon = fix.Lat, fix.Lon
	loc.Accuracy = fix.Accuracy
	if !fix.Timestamp.IsZero() {
		loc.Timestamp = fix.Timestamp
	}
	return loc
}
