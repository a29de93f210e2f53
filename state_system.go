package statehistory

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
)

// StateSystem is the entry point of a state history: a producer writes
// attribute changes into it while it is built, and callers query the state
// of any attribute at any time of the history, during or after building.
type StateSystem struct {
	name       string
	attributes *AttributeTree
	transient  *transientState
	backend    Backend
	logger     *slog.Logger
	metrics    *metrics

	mu         sync.Mutex
	builtUntil int64
	built      bool
	buildErr   error
	wake       chan struct{}
	closed     bool

	disposed atomic.Bool
}

// NewStateSystem creates a state system writing into backend. If backend was
// reopened from a finished history, the state system is read-only.
func NewStateSystem(backend Backend, cfg Config) (*StateSystem, error) {
	cfg.normalize()
	return newStateSystem(backend, cfg.Name, cfg.Logger, newMetrics(cfg.Registerer, cfg.Name))
}

func newStateSystem(backend Backend, name string, logger *slog.Logger, m *metrics) (*StateSystem, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ss := &StateSystem{
		name:       name,
		attributes: NewAttributeTree(),
		backend:    backend,
		logger:     logger,
		metrics:    m,
		builtUntil: backend.StartTime(),
	}
	ss.transient = newTransientState(backend, backend.StartTime())
	if al, ok := backend.(attributeLoader); ok {
		if attrs := al.loadedAttributes(); attrs != nil {
			ss.attributes = attrs
			ss.transient.active = false
			ss.built = true
			ss.closed = true
			ss.builtUntil = backend.EndTime()
		}
	}
	if b, ok := backend.(stateSystemBinder); ok {
		if err := b.bind(ss); err != nil {
			return nil, fmt.Errorf("bind backend: %w", err)
		}
	}
	return ss, nil
}

// newScratchStateSystem creates a throwaway state system sharing attrs and
// writing nowhere. Its ongoing state accepts changes older than the value
// they replace, since it is seeded from a snapshot rather than built.
func newScratchStateSystem(attrs *AttributeTree, start int64, logger *slog.Logger, m *metrics) *StateSystem {
	backend := NewNullBackend(start)
	ss := &StateSystem{
		name:       "scratch",
		attributes: attrs,
		backend:    backend,
		logger:     logger,
		metrics:    m,
		builtUntil: start,
	}
	ss.transient = newTransientState(backend, start)
	ss.transient.relaxed = true
	return ss
}

// Name returns the history name.
func (ss *StateSystem) Name() string { return ss.name }

// Backend returns the backend the state system writes into.
func (ss *StateSystem) Backend() Backend { return ss.backend }

// StartTime returns the first timestamp of the history.
func (ss *StateSystem) StartTime() int64 { return ss.backend.StartTime() }

// CurrentEndTime returns the end of the history, or while building, the
// latest timestamp reached so far.
func (ss *StateSystem) CurrentEndTime() int64 {
	ss.mu.Lock()
	built, until := ss.built, ss.builtUntil
	ss.mu.Unlock()
	if built {
		return ss.backend.EndTime()
	}
	return max(until, ss.transient.latestTime(), ss.backend.EndTime())
}

// IsBuilt reports whether the history has been closed.
func (ss *StateSystem) IsBuilt() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.built
}

// RootQuark returns the quark of the attribute tree root.
func (ss *StateSystem) RootQuark() Quark { return RootQuark }

// NumAttributes returns the number of attributes.
func (ss *StateSystem) NumAttributes() int { return ss.attributes.Len() }

// Attributes returns the attribute tree.
func (ss *StateSystem) Attributes() *AttributeTree { return ss.attributes }

// QuarkAbsoluteAndAdd returns the quark of an absolute path, creating it.
func (ss *StateSystem) QuarkAbsoluteAndAdd(path ...string) Quark {
	q, _ := ss.attributes.QuarkAndAdd(RootQuark, path...)
	return q
}

// QuarkRelativeAndAdd returns the quark of a path relative to parent,
// creating it.
func (ss *StateSystem) QuarkRelativeAndAdd(parent Quark, path ...string) (Quark, error) {
	return ss.attributes.QuarkAndAdd(parent, path...)
}

// QuarkAbsolute returns the quark of an existing absolute path.
func (ss *StateSystem) QuarkAbsolute(path ...string) (Quark, error) {
	return ss.attributes.Quark(RootQuark, path...)
}

// QuarkRelative returns the quark of an existing path relative to parent.
func (ss *StateSystem) QuarkRelative(parent Quark, path ...string) (Quark, error) {
	return ss.attributes.Quark(parent, path...)
}

// AttributeName returns the last path component of q.
func (ss *StateSystem) AttributeName(q Quark) (string, error) {
	return ss.attributes.Name(q)
}

// FullAttributePath returns the path components of q.
func (ss *StateSystem) FullAttributePath(q Quark) ([]string, error) {
	return ss.attributes.FullPath(q)
}

// FullAttributeName returns the encoded path of q.
func (ss *StateSystem) FullAttributeName(q Quark) (string, error) {
	return ss.attributes.FullName(q)
}

// SubAttributes returns the children of q, or all its descendants.
func (ss *StateSystem) SubAttributes(q Quark, recursive bool) ([]Quark, error) {
	return ss.attributes.SubAttributes(q, recursive)
}

func (ss *StateSystem) checkQuark(q Quark) error {
	if q < 0 || int(q) >= ss.attributes.Len() {
		return &AttributeNotFoundError{Quark: q}
	}
	return nil
}

// ModifyAttribute sets q to v from t on.
func (ss *StateSystem) ModifyAttribute(t int64, v Value, q Quark) error {
	if ss.disposed.Load() {
		return ErrDisposed
	}
	if err := ss.checkQuark(q); err != nil {
		return err
	}
	return ss.transient.change(t, v, q)
}

// OngoingValue returns the current value of q while the history is built.
func (ss *StateSystem) OngoingValue(q Quark) (Value, error) {
	if err := ss.checkQuark(q); err != nil {
		return Value{}, err
	}
	v, _ := ss.transient.ongoing(q)
	return v, nil
}

// OngoingStartTime returns the time the current value of q was set.
func (ss *StateSystem) OngoingStartTime(q Quark) (int64, error) {
	if err := ss.checkQuark(q); err != nil {
		return 0, err
	}
	_, start := ss.transient.ongoing(q)
	return start, nil
}

func (ss *StateSystem) stackDepth(q Quark) (int32, error) {
	v, err := ss.OngoingValue(q)
	if err != nil {
		return 0, err
	}
	if v.IsNull() {
		return 0, nil
	}
	return v.Int()
}

// PushAttribute pushes v on the stack attribute q. The stack depth is the
// int value of q and element i is the sub-attribute named i.
func (ss *StateSystem) PushAttribute(t int64, v Value, q Quark) error {
	depth, err := ss.stackDepth(q)
	if err != nil {
		return err
	}
	depth++
	elem, err := ss.attributes.QuarkAndAdd(q, strconv.Itoa(int(depth)))
	if err != nil {
		return err
	}
	if err := ss.ModifyAttribute(t, IntValue(depth), q); err != nil {
		return err
	}
	return ss.ModifyAttribute(t, v, elem)
}

// PopAttribute pops the top of the stack attribute q and returns it.
func (ss *StateSystem) PopAttribute(t int64, q Quark) (Value, error) {
	depth, err := ss.stackDepth(q)
	if err != nil {
		return Value{}, err
	}
	if depth <= 0 {
		return Value{}, fmt.Errorf("pop quark %d at %d: %w", q, t, ErrStackEmpty)
	}
	elem, err := ss.attributes.Quark(q, strconv.Itoa(int(depth)))
	if err != nil {
		return Value{}, err
	}
	top, _ := ss.transient.ongoing(elem)
	if err := ss.ModifyAttribute(t, NullValue(), elem); err != nil {
		return Value{}, err
	}
	next := NullValue()
	if depth > 1 {
		next = IntValue(depth - 1)
	}
	if err := ss.ModifyAttribute(t, next, q); err != nil {
		return Value{}, err
	}
	return top, nil
}

// RemoveAttribute sets q and every attribute below it to null at t.
func (ss *StateSystem) RemoveAttribute(t int64, q Quark) error {
	subs, err := ss.attributes.SubAttributes(q, true)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if err := ss.ModifyAttribute(t, NullValue(), sub); err != nil {
			return err
		}
	}
	return ss.ModifyAttribute(t, NullValue(), q)
}

// advance records that every state change at or before t is known.
func (ss *StateSystem) advance(t int64) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if t > ss.builtUntil {
		ss.builtUntil = t
		ss.wakeLocked()
	}
}

func (ss *StateSystem) wakeLocked() {
	if ss.wake != nil {
		close(ss.wake)
		ss.wake = nil
	}
}

// fail ends building with err, releasing every waiter.
func (ss *StateSystem) fail(err error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.buildErr == nil {
		ss.buildErr = err
	}
	ss.wakeLocked()
}

// CloseHistory emits the ongoing value of every attribute up to end and
// finishes the backend. It must be called exactly once.
func (ss *StateSystem) CloseHistory(end int64) error {
	if ss.disposed.Load() {
		return ErrDisposed
	}
	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return ErrAlreadyClosed
	}
	ss.closed = true
	ss.mu.Unlock()

	end = max(end, ss.transient.latestTime(), ss.StartTime())
	if cn, ok := ss.backend.(closeNotifier); ok {
		cn.beginClose(end)
	}
	if err := ss.transient.close(end, ss.attributes.Len()); err != nil {
		ss.fail(err)
		return err
	}
	if err := ss.backend.FinishedBuilding(end); err != nil {
		ss.fail(err)
		return err
	}

	ss.mu.Lock()
	ss.built = true
	ss.builtUntil = end
	ss.wakeLocked()
	ss.mu.Unlock()
	ss.logger.Info("state history built", "history", ss.name, "end", end, "attributes", ss.attributes.Len())
	return nil
}

// waitUntil blocks until the history is built up to t, building stops or
// ctx is done.
func (ss *StateSystem) waitUntil(ctx context.Context, t int64) error {
	for {
		ss.mu.Lock()
		if ss.buildErr != nil {
			err := ss.buildErr
			ss.mu.Unlock()
			return err
		}
		if ss.built || ss.builtUntil >= t {
			ss.mu.Unlock()
			return nil
		}
		if ss.wake == nil {
			ss.wake = make(chan struct{})
		}
		wake := ss.wake
		ss.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// WaitUntilBuilt blocks until the history is closed.
func (ss *StateSystem) WaitUntilBuilt(ctx context.Context) error {
	return ss.waitUntil(ctx, MaxTime)
}

// checkQueryTime fails for times outside the history and waits for the
// history to reach t while it is built.
func (ss *StateSystem) checkQueryTime(ctx context.Context, t int64) (built bool, err error) {
	if ss.disposed.Load() {
		return false, ErrDisposed
	}
	start := ss.StartTime()
	if t < start {
		return false, newTimeRangeError("query", t, start, ss.CurrentEndTime())
	}
	if ss.IsBuilt() {
		if end := ss.backend.EndTime(); t > end {
			return false, newTimeRangeError("query", t, start, end)
		}
		return true, nil
	}
	if err := ss.waitUntil(ctx, t); err != nil {
		return false, err
	}
	if ss.disposed.Load() {
		return false, ErrDisposed
	}
	if !ss.IsBuilt() {
		return false, nil
	}
	if end := ss.backend.EndTime(); t > end {
		return false, newTimeRangeError("query", t, start, end)
	}
	return true, nil
}

// QueryFull returns the state of every attribute at t, indexed by quark.
// While the history is built, it blocks until the history reaches t.
func (ss *StateSystem) QueryFull(ctx context.Context, t int64) ([]*Interval, error) {
	built, err := ss.checkQueryTime(ctx, t)
	if err != nil {
		return nil, err
	}
	ss.metrics.queries.WithLabelValues("full").Inc()

	n := ss.attributes.Len()
	out := make([]*Interval, n)
	if !built {
		ss.transient.snapshot(t, out)
	}
	stored := make([]*Interval, n)
	if err := ss.backend.Query(ctx, t, stored); err != nil {
		return nil, err
	}
	for q, iv := range stored {
		if out[q] == nil {
			out[q] = iv
		}
	}
	return out, nil
}

// QuerySingle returns the interval of q containing t.
func (ss *StateSystem) QuerySingle(ctx context.Context, t int64, q Quark) (*Interval, error) {
	if err := ss.checkQuark(q); err != nil {
		return nil, err
	}
	built, err := ss.checkQueryTime(ctx, t)
	if err != nil {
		return nil, err
	}
	ss.metrics.queries.WithLabelValues("single").Inc()

	if !built && ss.transient.isActive() {
		if v, start := ss.transient.ongoing(q); start <= t {
			return &Interval{Start: start, End: max(t, ss.transient.latestTime()), Quark: q, Value: v}, nil
		}
	}
	iv, err := ss.backend.QuerySingle(ctx, t, q)
	if err != nil {
		return nil, err
	}
	if iv == nil {
		return nil, &AttributeNotFoundError{Quark: q}
	}
	return iv, nil
}

// Dispose releases the backend. Blocked queries return ErrDisposed and any
// later call fails with ErrDisposed.
func (ss *StateSystem) Dispose() error {
	if ss.disposed.Swap(true) {
		return nil
	}
	ss.fail(ErrDisposed)
	return ss.backend.Dispose()
}
