package statehistory

import (
	"context"
	"fmt"
)

// Event is one element of the event stream that drives a state history.
type Event interface {
	Timestamp() int64
}

// ReplayRequest selects the events a source replays: every event with
// After < Timestamp() <= Until. FromRank is the number of events known to
// precede After; sources that can seek by position may skip that many.
type ReplayRequest struct {
	After    int64
	Until    int64
	FromRank int64
}

// Contains reports whether an event at ts belongs to the request.
func (r ReplayRequest) Contains(ts int64) bool {
	return r.After < ts && ts <= r.Until
}

// EventSource produces the events of a trace in non-decreasing timestamp
// order. Replay must be safe to call concurrently with itself.
type EventSource interface {
	// StartTime returns the timestamp of the beginning of the trace.
	StartTime() int64

	// Replay calls fn for every event selected by req, in order, until fn
	// returns an error or ctx is done.
	Replay(ctx context.Context, req ReplayRequest, fn func(Event) error) error
}

// StateWriter is the part of a state system a StateProvider writes into.
type StateWriter interface {
	QuarkAbsoluteAndAdd(path ...string) Quark
	QuarkRelativeAndAdd(parent Quark, path ...string) (Quark, error)
	ModifyAttribute(t int64, v Value, q Quark) error
	PushAttribute(t int64, v Value, q Quark) error
	PopAttribute(t int64, q Quark) (Value, error)
	RemoveAttribute(t int64, q Quark) error
	OngoingValue(q Quark) (Value, error)
}

// StateProvider turns events into attribute changes.
type StateProvider interface {
	// HandleEvent applies the state changes caused by ev.
	HandleEvent(w StateWriter, ev Event) error

	// Clone returns an independent provider in its initial state, used to
	// replay a range of events into a scratch state system.
	Clone() StateProvider

	// Version identifies the provider logic. Histories written by another
	// version are rebuilt.
	Version() int
}

// MaxTime selects every event up to the end of a trace in a ReplayRequest.
const MaxTime int64 = 1<<63 - 1

// Build replays every event of source through provider into ss and closes
// the history at the last event timestamp. It honors ctx between events.
func Build(ctx context.Context, ss *StateSystem, source EventSource, provider StateProvider) error {
	last := ss.StartTime()
	req := ReplayRequest{After: source.StartTime() - 1, Until: MaxTime}
	err := source.Replay(ctx, req, func(ev Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		ts := ev.Timestamp()
		if ts < last {
			return newTimeRangeError("event", ts, last, MaxTime)
		}
		ss.advance(ts - 1)
		if err := provider.HandleEvent(ss, ev); err != nil {
			return fmt.Errorf("handle event at %d: %w", ts, err)
		}
		last = ts
		return nil
	})
	if err != nil {
		ss.logger.Error("state history build failed", "history", ss.name, "at", last, "err", err)
		ss.fail(err)
		return err
	}
	return ss.CloseHistory(last)
}
