package statehistory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bitset"
	lru "github.com/hashicorp/golang-lru/v2"
)

type partialState int

const (
	partialUninitialized partialState = iota
	partialBuilding
	partialBuilt
)

// lookup is the outcome of one strategy of a single-attribute query.
type lookup struct {
	interval *Interval
	hit      bool
}

var miss = lookup{}

func hit(iv *Interval) lookup { return lookup{interval: iv, hit: true} }

type cacheKey struct {
	t int64
	q Quark
}

// PartialBackend stores only the first interval of every attribute after
// each checkpoint, and answers queries by replaying the events between the
// closest checkpoint and the queried time into a scratch state system.
type PartialBackend struct {
	inner      Backend
	source     EventSource
	provider   StateProvider
	ckProvider *checkpointProvider
	logger     *slog.Logger
	metrics    *metrics

	ss      *StateSystem
	ckQuark Quark

	mu          sync.Mutex
	state       partialState
	seen        *bitset.BitSet
	closing     bool
	pendingRank atomic.Int64

	checkpoints checkpointList
	queryMu     sync.Mutex
	cache       *lru.Cache[cacheKey, *Interval]
}

// NewPartialBackend wraps inner, which stores the retained intervals.
// source and provider are the event stream and producer of the history;
// the history must be built with the provider returned by Provider.
func NewPartialBackend(inner Backend, source EventSource, provider StateProvider, cfg Config) (*PartialBackend, error) {
	cfg.normalize()
	return newPartialBackend(inner, source, provider, cfg, newMetrics(cfg.Registerer, cfg.Name))
}

func newPartialBackend(inner Backend, source EventSource, provider StateProvider, cfg Config, m *metrics) (*PartialBackend, error) {
	cache, err := lru.New[cacheKey, *Interval](max(cfg.Partial.CacheSize, 1))
	if err != nil {
		return nil, err
	}
	pb := &PartialBackend{
		inner:    inner,
		source:   source,
		provider: provider,
		logger:   cfg.Logger,
		metrics:  m,
		ckQuark:  RootQuark,
		seen:     bitset.New(64),
		cache:    cache,
	}
	pb.ckProvider = newCheckpointProvider(provider, pb, cfg.Partial.Granularity)
	return pb, nil
}

// Provider returns the producer to build the history with. It inserts the
// checkpoints around the events of the wrapped provider.
func (pb *PartialBackend) Provider() StateProvider { return pb.ckProvider }

// Checkpoints returns the checkpoints recorded so far.
func (pb *PartialBackend) Checkpoints() []Checkpoint { return pb.checkpoints.all() }

func (pb *PartialBackend) checkpointQuark() Quark { return pb.ckQuark }

func (pb *PartialBackend) bind(ss *StateSystem) error {
	pb.ss = ss
	if b, ok := pb.inner.(stateSystemBinder); ok {
		if err := b.bind(ss); err != nil {
			return err
		}
	}
	pb.ckQuark = ss.QuarkAbsoluteAndAdd(checkpointAttribute)
	if ss.IsBuilt() {
		return pb.loadCheckpoints()
	}
	return nil
}

func (pb *PartialBackend) loadedAttributes() *AttributeTree {
	if al, ok := pb.inner.(attributeLoader); ok {
		return al.loadedAttributes()
	}
	return nil
}

// loadCheckpoints rebuilds the checkpoints of a finished history from the
// intervals of the checkpoint attribute. Every interval but the last one
// ends at a checkpoint whose event count is the value of the next interval.
func (pb *PartialBackend) loadCheckpoints() error {
	ctx := context.Background()
	start, end := pb.inner.StartTime(), pb.inner.EndTime()
	pb.checkpoints.add(Checkpoint{Time: start})

	var prev *Interval
	for t := start; t <= end; {
		iv, err := pb.inner.QuerySingle(ctx, t, pb.ckQuark)
		if err != nil {
			return fmt.Errorf("load checkpoints: %w", err)
		}
		if iv == nil {
			break
		}
		if prev != nil {
			rank, err := iv.Value.Long()
			if err != nil {
				return newStorageError(StorageErrorTypeCorruption,
					fmt.Sprintf("checkpoint at %d", prev.End), "", err)
			}
			pb.checkpoints.add(Checkpoint{Time: prev.End, EventCount: rank})
		}
		prev = iv
		if iv.End == MaxTime {
			break
		}
		t = iv.End + 1
	}

	pb.mu.Lock()
	pb.state = partialBuilt
	pb.mu.Unlock()
	pb.logger.Debug("loaded checkpoints", "count", len(pb.checkpoints.all()))
	return nil
}

// StartTime implements Backend.
func (pb *PartialBackend) StartTime() int64 { return pb.inner.StartTime() }

// EndTime implements Backend.
func (pb *PartialBackend) EndTime() int64 { return pb.inner.EndTime() }

// InsertPastState implements Backend. Intervals of the checkpoint attribute
// are always stored and each one ends at a new checkpoint, except the one
// emitted when the history is closed. Any other interval is stored only if it
// is the first of its attribute since the last checkpoint.
func (pb *PartialBackend) InsertPastState(start, end int64, q Quark, v Value) error {
	pb.mu.Lock()
	switch pb.state {
	case partialUninitialized:
		pb.checkpoints.add(Checkpoint{Time: pb.inner.StartTime()})
		pb.state = partialBuilding
	case partialBuilt:
		pb.mu.Unlock()
		return ErrAlreadyClosed
	}

	if q == pb.ckQuark {
		closing := pb.closing
		pb.mu.Unlock()
		if err := pb.inner.InsertPastState(start, end, q, v); err != nil {
			return err
		}
		if closing {
			return nil
		}
		pb.mu.Lock()
		pb.seen.ClearAll()
		pb.mu.Unlock()
		if pb.checkpoints.add(Checkpoint{Time: end, EventCount: pb.pendingRank.Load()}) {
			pb.metrics.checkpoints.Inc()
		}
		return nil
	}

	if q >= 0 && pb.seen.Test(uint(q)) {
		pb.mu.Unlock()
		pb.metrics.intervalsDiscarded.Inc()
		return nil
	}
	pb.seen.Set(uint(q))
	pb.mu.Unlock()
	return pb.inner.InsertPastState(start, end, q, v)
}

func (pb *PartialBackend) beginClose(end int64) {
	pb.mu.Lock()
	pb.closing = true
	pb.mu.Unlock()
}

// FinishedBuilding implements Backend.
func (pb *PartialBackend) FinishedBuilding(end int64) error {
	pb.mu.Lock()
	if pb.state == partialBuilt {
		pb.mu.Unlock()
		return ErrAlreadyClosed
	}
	if pb.state == partialUninitialized {
		pb.checkpoints.add(Checkpoint{Time: pb.inner.StartTime()})
	}
	pb.state = partialBuilt
	pb.mu.Unlock()
	pb.logger.Info("partial history finished", "end", end, "checkpoints", len(pb.checkpoints.all()))
	return pb.inner.FinishedBuilding(end)
}

// Query implements Backend.
func (pb *PartialBackend) Query(ctx context.Context, t int64, out []*Interval) error {
	state, err := pb.replayQuery(ctx, t)
	if err != nil {
		return err
	}
	for q := 0; q < len(out) && q < len(state); q++ {
		out[q] = state[q]
	}
	return nil
}

// QuerySingle implements Backend. It tries, in order, the stored interval at
// the checkpoint before t, the stored interval at the checkpoint after t and
// the result cache, and replays events only if all of them miss.
func (pb *PartialBackend) QuerySingle(ctx context.Context, t int64, q Quark) (*Interval, error) {
	strategies := []struct {
		name string
		fn   func(context.Context, int64, Quark) (lookup, error)
	}{
		{"floor", pb.floorLookup},
		{"ceiling", pb.ceilingLookup},
		{"cache", pb.cacheLookup},
	}
	for _, s := range strategies {
		res, err := s.fn(ctx, t, q)
		if err != nil {
			return nil, err
		}
		if res.hit {
			pb.metrics.lookups.WithLabelValues(s.name).Inc()
			return res.interval, nil
		}
	}

	pb.metrics.lookups.WithLabelValues("replay").Inc()
	state, err := pb.replayQuery(ctx, t)
	if err != nil {
		return nil, err
	}
	for i, iv := range state {
		pb.cache.Add(cacheKey{t: t, q: Quark(i)}, iv)
	}
	if int(q) >= len(state) {
		return nil, nil
	}
	return state[q], nil
}

// storedAt looks up the interval of q stored at a checkpoint. Unknown
// attributes are a miss.
func (pb *PartialBackend) storedAt(ctx context.Context, c Checkpoint, q Quark) (*Interval, error) {
	iv, err := pb.inner.QuerySingle(ctx, c.Time, q)
	if errors.Is(err, ErrAttributeNotFound) {
		return nil, nil
	}
	return iv, err
}

func (pb *PartialBackend) floorLookup(ctx context.Context, t int64, q Quark) (lookup, error) {
	c, ok := pb.checkpoints.floor(t)
	if !ok {
		return miss, nil
	}
	iv, err := pb.storedAt(ctx, c, q)
	if err != nil || iv == nil || iv.End < t {
		return miss, err
	}
	return hit(iv), nil
}

func (pb *PartialBackend) ceilingLookup(ctx context.Context, t int64, q Quark) (lookup, error) {
	c, ok := pb.checkpoints.ceiling(t)
	if !ok {
		return miss, nil
	}
	iv, err := pb.storedAt(ctx, c, q)
	if err != nil || iv == nil || iv.Start > t {
		return miss, err
	}
	return hit(iv), nil
}

func (pb *PartialBackend) cacheLookup(_ context.Context, t int64, q Quark) (lookup, error) {
	if iv, ok := pb.cache.Get(cacheKey{t: t, q: q}); ok {
		return hit(iv), nil
	}
	return miss, nil
}

// replayQuery rebuilds the full state at t: the state at the checkpoint
// before t is read back, then the events after the checkpoint and up to t
// are replayed on top of it. Replays are serialized.
func (pb *PartialBackend) replayQuery(ctx context.Context, t int64) ([]*Interval, error) {
	if pb.ss == nil {
		return nil, errors.New("partial backend is not bound to a state system")
	}
	pb.queryMu.Lock()
	defer pb.queryMu.Unlock()

	c, ok := pb.checkpoints.floor(t)
	if !ok {
		c = Checkpoint{Time: pb.inner.StartTime()}
	}
	attrs := pb.ss.attributes
	n := attrs.Len()

	// Ongoing values are read before the stored ones, since an interval
	// leaves the ongoing state only after it has been stored.
	base := make([]*Interval, n)
	pb.ss.transient.snapshot(c.Time, base)
	stored := make([]*Interval, n)
	if err := pb.inner.Query(ctx, c.Time, stored); err != nil {
		return nil, err
	}

	scratch := newScratchStateSystem(attrs, pb.inner.StartTime(), pb.logger, pb.metrics)
	for q := 0; q < n; q++ {
		iv := base[q]
		if iv == nil {
			iv = stored[q]
		}
		if iv == nil {
			scratch.transient.setOngoing(Quark(q), NullValue(), t)
			continue
		}
		scratch.transient.setOngoing(Quark(q), iv.Value, iv.Start)
	}

	provider := pb.provider.Clone()
	req := ReplayRequest{After: c.Time, Until: t, FromRank: c.EventCount}
	began := time.Now()
	pb.metrics.replays.Inc()
	err := pb.source.Replay(ctx, req, func(ev Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !req.Contains(ev.Timestamp()) {
			return nil
		}
		return provider.HandleEvent(scratch, ev)
	})
	pb.metrics.replayDuration.Observe(time.Since(began).Seconds())
	if err != nil {
		return nil, fmt.Errorf("replay (%d, %d]: %w", c.Time, t, err)
	}

	out := make([]*Interval, attrs.Len())
	for q := range out {
		v, start := scratch.transient.ongoing(Quark(q))
		out[q] = &Interval{Start: min(start, t), End: t, Quark: Quark(q), Value: v}
	}
	return out, nil
}

// Dispose implements Backend.
func (pb *PartialBackend) Dispose() error {
	pb.cache.Purge()
	return pb.inner.Dispose()
}
