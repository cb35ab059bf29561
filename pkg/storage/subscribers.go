package storage

import (
	"log/slog"
	"sync"
)

// subscriberSet fans storage change events out to registered subscribers.
// Both backends embed it so subscription behaves identically everywhere.
type subscriberSet struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(ChangeEvent)
}

func (s *subscriberSet) Subscribe(fn func(ChangeEvent)) Unsubscribe {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]func(ChangeEvent))
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// emit delivers ev to every subscriber. A panicking subscriber is logged and
// must not prevent delivery to the rest.
func (s *subscriberSet) emit(ev ChangeEvent) {
	s.mu.Lock()
	fns := make([]func(ChangeEvent), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Storage subscriber panicked", "panic", r, "event_type", ev.Type)
				}
			}()
			fn(ev)
		}()
	}
}
