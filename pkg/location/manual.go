package location

import (
	"context"
	"fmt"
	"sync"

	"offlinenav/pkg/errs"
	"offlinenav/pkg/model"
)

// ManualPositioner serves the latest fix pushed by the client (the browser
// reports its own geolocation to the backend).
type ManualPositioner struct {
	mu  sync.RWMutex
	fix *model.Position
}

// Push records a new fix.
func (m *ManualPositioner) Push(p model.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fix = &p
}

// Position returns the latest pushed fix.
func (m *ManualPositioner) Position(ctx context.Context) (model.Position, error) {
	if err := ctx.Err(); err != nil {
		return model.Position{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fix == nil {
		return model.Position{}, fmt.Errorf("%w: no position fix received yet", errs.ErrNoResult)
	}
	return *m.fix, nil
}
