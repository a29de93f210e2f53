package statehistory

import (
	"sync"
)

// transientState holds the ongoing value of every attribute and the time it
// was set. A change of value emits the previous interval to the backend.
type transientState struct {
	backend Backend
	start   int64
	relaxed bool

	mu     sync.RWMutex
	values []Value
	starts []int64
	latest int64
	active bool
}

func newTransientState(backend Backend, start int64) *transientState {
	return &transientState{backend: backend, start: start, latest: start, active: true}
}

// ensureLocked grows the state to cover quarks below n. New attributes are
// null since the start of the history.
func (ts *transientState) ensureLocked(n int) {
	for len(ts.values) < n {
		ts.values = append(ts.values, NullValue())
		ts.starts = append(ts.starts, ts.start)
	}
}

func (ts *transientState) isActive() bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.active
}

func (ts *transientState) latestTime() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.latest
}

// ongoing returns the current value of q and the time it was set.
func (ts *transientState) ongoing(q Quark) (Value, int64) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if int(q) >= len(ts.values) {
		return NullValue(), ts.start
	}
	return ts.values[q], ts.starts[q]
}

// setOngoing overwrites the ongoing value of q without emitting anything.
func (ts *transientState) setOngoing(q Quark, v Value, start int64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.ensureLocked(int(q) + 1)
	ts.values[q] = v
	ts.starts[q] = start
}

// change sets q to v at t. The interval of the previous value, ending at
// t-1, is handed to the backend before the ongoing state moves on.
func (ts *transientState) change(t int64, v Value, q Quark) error {
	ts.mu.RLock()
	if !ts.active {
		ts.mu.RUnlock()
		return ErrAlreadyClosed
	}
	var prev Value
	prevStart := ts.start
	if int(q) < len(ts.values) {
		prev, prevStart = ts.values[q], ts.starts[q]
	}
	ts.mu.RUnlock()

	if prev.Equal(v) {
		return nil
	}
	if t < prevStart {
		if !ts.relaxed {
			return newTimeRangeError("modify", t, prevStart, ts.latestTime())
		}
	} else if prevStart < t {
		if err := ts.backend.InsertPastState(prevStart, t-1, q, prev); err != nil {
			return err
		}
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.ensureLocked(int(q) + 1)
	ts.values[q] = v
	ts.starts[q] = t
	if t > ts.latest {
		ts.latest = t
	}
	return nil
}

// snapshot stores, for every attribute whose ongoing value started at or
// before t, an interval from that start to max(t, latest time).
func (ts *transientState) snapshot(t int64, out []*Interval) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if !ts.active {
		return
	}
	end := max(t, ts.latest)
	for q := 0; q < len(out); q++ {
		v, start := NullValue(), ts.start
		if q < len(ts.values) {
			v, start = ts.values[q], ts.starts[q]
		}
		if start <= t {
			out[q] = &Interval{Start: start, End: end, Quark: Quark(q), Value: v}
		}
	}
}

// close emits the ongoing interval of every attribute below n up to end and
// deactivates the state.
func (ts *transientState) close(end int64, n int) error {
	ts.mu.Lock()
	if !ts.active {
		ts.mu.Unlock()
		return ErrAlreadyClosed
	}
	ts.ensureLocked(n)
	values := append([]Value(nil), ts.values...)
	starts := append([]int64(nil), ts.starts...)
	ts.mu.Unlock()

	for q := range values {
		if starts[q] > end {
			continue
		}
		if err := ts.backend.InsertPastState(starts[q], end, Quark(q), values[q]); err != nil {
			return err
		}
	}

	ts.mu.Lock()
	ts.active = false
	if end > ts.latest {
		ts.latest = end
	}
	ts.mu.Unlock()
	return nil
}
