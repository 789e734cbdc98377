// Package events delivers committed marketplace events to observers.
package events

import (
	"context"
	"errors"
	"sync"

	"nftmarket/internal/market"
)

// Recorder keeps every event it receives, in order.
type Recorder struct {
	mu     sync.Mutex
	events []market.Event
}

func (r *Recorder) Emit(_ context.Context, ev market.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of what has been recorded so far.
func (r *Recorder) Events() []market.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]market.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds lists recorded event kinds in order.
func (r *Recorder) Kinds() []market.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]market.EventKind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

// Fanout delivers each event to every sink. All sinks are tried; their
// errors are joined.
type Fanout []market.EventSink

func (f Fanout) Emit(ctx context.Context, ev market.Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
