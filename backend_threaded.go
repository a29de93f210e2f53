package statehistory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chronicle-db/statehistory/internal/bufqueue"
)

// ThreadedHistoryTreeBackend hands intervals to a single writer goroutine
// through a bounded queue. Intervals still in the queue are visible to
// queries.
type ThreadedHistoryTreeBackend struct {
	*HistoryTreeBackend

	queue *bufqueue.Queue[*Interval]
	done  chan struct{}

	mu        sync.Mutex
	writeErr  error
	finished  atomic.Bool
	pushedEnd atomic.Int64
}

// NewThreadedHistoryTreeBackend creates the history file cfg.Path and starts
// its writer goroutine.
func NewThreadedHistoryTreeBackend(cfg Config, start int64) (*ThreadedHistoryTreeBackend, error) {
	cfg.normalize()
	return newThreadedHistoryTreeBackend(cfg, start, newMetrics(cfg.Registerer, cfg.Name))
}

func newThreadedHistoryTreeBackend(cfg Config, start int64, m *metrics) (*ThreadedHistoryTreeBackend, error) {
	inner, err := newHistoryTreeBackend(cfg, start, m)
	if err != nil {
		return nil, err
	}
	b := &ThreadedHistoryTreeBackend{
		HistoryTreeBackend: inner,
		queue:              bufqueue.New[*Interval](cfg.Queue.QueueSize, cfg.Queue.ChunkSize),
		done:               make(chan struct{}),
	}
	b.pushedEnd.Store(start)
	go b.run()
	return b, nil
}

func (b *ThreadedHistoryTreeBackend) run() {
	defer close(b.done)
	for {
		iv, ok := b.queue.Take()
		if !ok {
			return
		}
		if err := b.tree.insert(iv); err != nil {
			b.setErr(err)
		} else {
			b.metrics.intervalsInserted.Inc()
		}
		b.queue.Release()
		b.metrics.queueDepth.Set(float64(b.queue.Len()))
	}
}

func (b *ThreadedHistoryTreeBackend) setErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr == nil {
		b.writeErr = err
		b.logger.Error("history tree writer failed", "path", b.tree.file.path, "err", err)
	}
}

func (b *ThreadedHistoryTreeBackend) err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeErr
}

// EndTime implements Backend. Intervals still queued count.
func (b *ThreadedHistoryTreeBackend) EndTime() int64 {
	return max(b.tree.endTime(), b.pushedEnd.Load())
}

// InsertPastState implements Backend. It blocks while the queue is full.
func (b *ThreadedHistoryTreeBackend) InsertPastState(start, end int64, q Quark, v Value) error {
	if b.disposed.Load() {
		return ErrDisposed
	}
	if b.finished.Load() {
		return ErrAlreadyClosed
	}
	if err := b.err(); err != nil {
		return err
	}
	iv, err := NewInterval(start, end, q, v)
	if err != nil {
		return err
	}
	if iv.Start < b.tree.startTime() {
		return newTimeRangeError("insert", iv.Start, b.tree.startTime(), b.EndTime())
	}
	if iv.EncodedSize() > b.tree.maxIntervalSize() {
		return fmt.Errorf("interval of %d bytes exceeds node capacity %d: %w",
			iv.EncodedSize(), b.tree.maxIntervalSize(), ErrValueTooLarge)
	}
	b.queue.Push(iv)
	if iv.End > b.pushedEnd.Load() {
		b.pushedEnd.Store(iv.End)
	}
	return nil
}

// FinishedBuilding implements Backend. It waits for the writer to drain the
// queue before closing the tree.
func (b *ThreadedHistoryTreeBackend) FinishedBuilding(end int64) error {
	if b.disposed.Load() {
		return ErrDisposed
	}
	if b.finished.Swap(true) {
		return ErrAlreadyClosed
	}
	b.queue.Close()
	<-b.done
	b.metrics.queueDepth.Set(0)
	if err := b.err(); err != nil {
		return err
	}
	return b.HistoryTreeBackend.FinishedBuilding(end)
}

// Query implements Backend. Queued intervals are read before the tree so an
// interval moving from one to the other is never missed.
func (b *ThreadedHistoryTreeBackend) Query(ctx context.Context, t int64, out []*Interval) error {
	if b.disposed.Load() {
		return ErrDisposed
	}
	b.queue.Range(func(iv *Interval) bool {
		if iv.Contains(t) && int(iv.Quark) < len(out) {
			out[iv.Quark] = iv
		}
		return true
	})
	stored := make([]*Interval, len(out))
	if err := b.tree.query(t, stored); err != nil {
		return err
	}
	for q, iv := range stored {
		if iv != nil && out[q] == nil {
			out[q] = iv
		}
	}
	return nil
}

// QuerySingle implements Backend.
func (b *ThreadedHistoryTreeBackend) QuerySingle(ctx context.Context, t int64, q Quark) (*Interval, error) {
	if b.disposed.Load() {
		return nil, ErrDisposed
	}
	var found *Interval
	b.queue.Range(func(iv *Interval) bool {
		if iv.Quark == q && iv.Contains(t) {
			found = iv
			return false
		}
		return true
	})
	if found != nil {
		return found, nil
	}
	return b.tree.querySingle(t, q)
}

// Dispose implements Backend. The writer goroutine is stopped first.
func (b *ThreadedHistoryTreeBackend) Dispose() error {
	if b.disposed.Swap(true) {
		return nil
	}
	b.queue.Close()
	<-b.done
	return b.tree.close()
}
