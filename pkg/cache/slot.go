package cache

import (
	"context"
	"errors"
	"sync"
)

// ErrSuperseded is returned to a Slot caller whose request was replaced by a
// newer one for a different key.
var ErrSuperseded = errors.New("request superseded")

// Slot tracks the latest requested key for one logical consumer (a map view,
// a route panel). Requesting a different key releases the pending requests
// for the previous key: they return ErrSuperseded at once, and the shared
// fetch is cancelled unless a caller outside the slot still waits on it.
type Slot[T any] struct {
	c *Keyed[T]

	mu      sync.Mutex
	current string
	pending map[*pendingRequest]struct{}
}

type pendingRequest struct {
	cancel context.CancelCauseFunc
}

// NewSlot creates a slot over c.
func NewSlot[T any](c *Keyed[T]) *Slot[T] {
	return &Slot[T]{c: c, pending: make(map[*pendingRequest]struct{})}
}

// Get requests key through the underlying cache on behalf of this slot.
func (s *Slot[T]) Get(ctx context.Context, key string, fetch FetchFunc[T]) (T, Status, error) {
	var zero T

	rctx, cancel := context.WithCancelCause(ctx)
	req := &pendingRequest{cancel: cancel}
	defer cancel(nil)

	s.mu.Lock()
	if s.current != key {
		for p := range s.pending {
			p.cancel(ErrSuperseded)
			delete(s.pending, p)
		}
		s.current = key
	}
	s.pending[req] = struct{}{}
	s.mu.Unlock()

	v, st, err := s.c.get(rctx, key, fetch, true)

	s.mu.Lock()
	delete(s.pending, req)
	superseded := s.current != key
	s.mu.Unlock()
	if superseded || errors.Is(err, ErrSuperseded) {
		return zero, st, ErrSuperseded
	}
	return v, st, err
}

// Current returns the most recently requested key.
func (s *Slot[T]) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}
