package testutil

import (
	"context"
	"sync"

	"github.com/duolab/duologue/internal/broadcast"
)

// CaptureSink records every published event for later inspection.
type CaptureSink struct {
	mu     sync.Mutex
	events []broadcast.Event

	// Err makes every Publish fail.
	Err error
}

func (s *CaptureSink) Publish(_ context.Context, event broadcast.Event, _ []byte) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of the captured events.
func (s *CaptureSink) Events() []broadcast.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]broadcast.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Named returns the captured events with the given name.
func (s *CaptureSink) Named(name string) []broadcast.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []broadcast.Event
	for _, ev := range s.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}
