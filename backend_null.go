package statehistory

import (
	"context"
	"sync/atomic"
)

// NullBackend discards every interval. A state system on a NullBackend only
// answers from its ongoing state, which is what event replays need.
type NullBackend struct {
	start int64
	end   atomic.Int64
}

// NewNullBackend creates a null backend starting at start.
func NewNullBackend(start int64) *NullBackend {
	b := &NullBackend{start: start}
	b.end.Store(start)
	return b
}

// StartTime implements Backend.
func (b *NullBackend) StartTime() int64 { return b.start }

// EndTime implements Backend.
func (b *NullBackend) EndTime() int64 { return b.end.Load() }

// InsertPastState implements Backend.
func (b *NullBackend) InsertPastState(start, end int64, q Quark, v Value) error {
	if end > b.end.Load() {
		b.end.Store(end)
	}
	return nil
}

// FinishedBuilding implements Backend.
func (b *NullBackend) FinishedBuilding(end int64) error {
	if end > b.end.Load() {
		b.end.Store(end)
	}
	return nil
}

// Query implements Backend.
func (b *NullBackend) Query(ctx context.Context, t int64, out []*Interval) error { return nil }

// QuerySingle implements Backend.
func (b *NullBackend) QuerySingle(ctx context.Context, t int64, q Quark) (*Interval, error) {
	return nil, nil
}

// Dispose implements Backend.
func (b *NullBackend) Dispose() error { return nil }
