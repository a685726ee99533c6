package location

import (
	"sync"

	"offlinenav/pkg/model"
)

// Subscription is an active location watch.
type Subscription struct {
	s  *Service
	id uint64
	fn func(model.Location)

	mu      sync.Mutex
	stopped bool
}

// Watch registers fn for every new location. Callbacks run on the goroutine
// that produced the update. fn must not call Stop on its own subscription.
func (s *Service) Watch(fn func(model.Location)) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	sub := &Subscription{s: s, id: s.nextID, fn: fn}
	s.watchers[sub.id] = sub
	return sub
}

// Stop cancels the watch. It is idempotent and waits for an in-flight
// callback, so no callback runs after Stop returns.
func (sub *Subscription) Stop() {
	sub.mu.Lock()
	sub.stopped = true
	sub.mu.Unlock()

	sub.s.mu.Lock()
	delete(sub.s.watchers, sub.id)
	sub.s.mu.Unlock()
}

func (sub *Subscription) deliver(loc model.Location) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.stopped {
		return
	}
	sub.fn(loc)
}

// Watchers returns the number of active watches.
func (s *Service) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

func (s *Service) notify(loc model.Location) {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.watchers))
	for _, sub := range s.watchers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(loc)
	}
}
