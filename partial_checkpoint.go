package statehistory

import (
	"sort"
	"sync"
)

// checkpointAttribute is the attribute whose value changes mark checkpoints.
const checkpointAttribute = "#checkpoint"

// Checkpoint is a point of a partial history from which the exact state can
// be rebuilt by replaying the events that follow it. EventCount is the number
// of events with a timestamp at or before Time.
type Checkpoint struct {
	Time       int64
	EventCount int64
}

// checkpointList is the ordered set of checkpoints of a partial history.
// Checkpoints are appended in increasing time order.
type checkpointList struct {
	mu     sync.RWMutex
	points []Checkpoint
}

// add appends c unless it does not come after the last checkpoint.
func (l *checkpointList) add(c Checkpoint) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.points); n > 0 && c.Time <= l.points[n-1].Time {
		return false
	}
	l.points = append(l.points, c)
	return true
}

// floor returns the latest checkpoint at or before t.
func (l *checkpointList) floor(t int64) (Checkpoint, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := sort.Search(len(l.points), func(i int) bool { return l.points[i].Time > t })
	if i == 0 {
		return Checkpoint{}, false
	}
	return l.points[i-1], true
}

// ceiling returns the earliest checkpoint at or after t.
func (l *checkpointList) ceiling(t int64) (Checkpoint, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := sort.Search(len(l.points), func(i int) bool { return l.points[i].Time >= t })
	if i == len(l.points) {
		return Checkpoint{}, false
	}
	return l.points[i], true
}

func (l *checkpointList) all() []Checkpoint {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Checkpoint(nil), l.points...)
}

// checkpointProvider wraps the producer of a partial history. Once
// granularity events have been handled since the last checkpoint, the first
// event of a new timestamp T first sets the checkpoint attribute at T, which
// makes T-1 a checkpoint: every event before T has then been handled and
// none at T has.
type checkpointProvider struct {
	inner       StateProvider
	backend     *PartialBackend
	granularity int64

	count   int64
	before  int64
	lastTs  int64
	started bool
	due     bool
}

func newCheckpointProvider(inner StateProvider, backend *PartialBackend, granularity int64) *checkpointProvider {
	return &checkpointProvider{inner: inner, backend: backend, granularity: granularity}
}

// HandleEvent implements StateProvider.
func (p *checkpointProvider) HandleEvent(w StateWriter, ev Event) error {
	ts := ev.Timestamp()
	newTs := !p.started || ts > p.lastTs
	if newTs {
		p.before = p.count
		p.lastTs = ts
		p.started = true
	}
	if p.due && newTs {
		p.backend.pendingRank.Store(p.before)
		if err := w.ModifyAttribute(ts, LongValue(p.before), p.backend.checkpointQuark()); err != nil {
			return err
		}
		p.due = false
	}
	p.count++
	if p.granularity > 0 && p.count%p.granularity == 0 {
		p.due = true
	}
	return p.inner.HandleEvent(w, ev)
}

// Clone implements StateProvider.
func (p *checkpointProvider) Clone() StateProvider {
	return newCheckpointProvider(p.inner.Clone(), p.backend, p.granularity)
}

// Version implements StateProvider.
func (p *checkpointProvider) Version() int { return p.inner.Version() }
