package statehistory

import (
	"context"
	"sort"
	"sync"
)

// InMemoryBackend keeps every interval in a slice ordered by end time. It
// suits small histories and tests.
type InMemoryBackend struct {
	mu        sync.RWMutex
	start     int64
	end       int64
	intervals []*Interval
	finished  bool
	disposed  bool
}

// NewInMemoryBackend creates an empty in-memory backend starting at start.
func NewInMemoryBackend(start int64) *InMemoryBackend {
	return &InMemoryBackend{start: start, end: start}
}

// StartTime implements Backend.
func (b *InMemoryBackend) StartTime() int64 { return b.start }

// EndTime implements Backend.
func (b *InMemoryBackend) EndTime() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.end
}

// InsertPastState implements Backend.
func (b *InMemoryBackend) InsertPastState(start, end int64, q Quark, v Value) error {
	iv, err := NewInterval(start, end, q, v)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return ErrDisposed
	}
	if b.finished {
		return ErrAlreadyClosed
	}
	if start < b.start {
		return newTimeRangeError("insert", start, b.start, b.end)
	}
	i := sort.Search(len(b.intervals), func(i int) bool { return b.intervals[i].End > end })
	b.intervals = append(b.intervals, nil)
	copy(b.intervals[i+1:], b.intervals[i:])
	b.intervals[i] = iv
	if end > b.end {
		b.end = end
	}
	return nil
}

// FinishedBuilding implements Backend.
func (b *InMemoryBackend) FinishedBuilding(end int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return ErrDisposed
	}
	if b.finished {
		return ErrAlreadyClosed
	}
	if end > b.end {
		b.end = end
	}
	b.finished = true
	return nil
}

// scan calls fn for every interval containing t. The caller holds mu.
func (b *InMemoryBackend) scan(t int64, fn func(iv *Interval) bool) {
	i := sort.Search(len(b.intervals), func(i int) bool { return b.intervals[i].End >= t })
	for _, iv := range b.intervals[i:] {
		if iv.Start <= t && !fn(iv) {
			return
		}
	}
}

// Query implements Backend.
func (b *InMemoryBackend) Query(ctx context.Context, t int64, out []*Interval) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.disposed {
		return ErrDisposed
	}
	b.scan(t, func(iv *Interval) bool {
		if int(iv.Quark) < len(out) {
			out[iv.Quark] = iv
		}
		return true
	})
	return nil
}

// QuerySingle implements Backend.
func (b *InMemoryBackend) QuerySingle(ctx context.Context, t int64, q Quark) (*Interval, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.disposed {
		return nil, ErrDisposed
	}
	var found *Interval
	b.scan(t, func(iv *Interval) bool {
		if iv.Quark == q {
			found = iv
			return false
		}
		return true
	})
	return found, nil
}

// Len returns the number of stored intervals.
func (b *InMemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.intervals)
}

// Dispose implements Backend.
func (b *InMemoryBackend) Dispose() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disposed = true
	b.intervals = nil
	return nil
}
