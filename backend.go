package statehistory

import "context"

// Backend stores the intervals produced while a state history is built and
// answers point queries over them.
type Backend interface {
	// StartTime returns the first timestamp of the history.
	StartTime() int64

	// EndTime returns the latest timestamp stored so far, or the final end
	// time once building has finished.
	EndTime() int64

	// InsertPastState stores the interval [start, end] of quark q.
	InsertPastState(start, end int64, q Quark, v Value) error

	// FinishedBuilding marks the history complete at end.
	FinishedBuilding(end int64) error

	// Query fills out, indexed by quark, with the interval of every attribute
	// that contains t. Attributes with no stored interval are left nil.
	Query(ctx context.Context, t int64, out []*Interval) error

	// QuerySingle returns the interval of q that contains t, or nil.
	QuerySingle(ctx context.Context, t int64, q Quark) (*Interval, error)

	// Dispose releases the backend resources.
	Dispose() error
}

// stateSystemBinder is implemented by backends that need the state system
// writing into them, for its attribute tree or its ongoing state.
type stateSystemBinder interface {
	bind(ss *StateSystem) error
}

// closeNotifier is implemented by backends that must know the intervals
// that follow are the final ones emitted when the history is closed.
type closeNotifier interface {
	beginClose(end int64)
}

// attributeLoader is implemented by backends reopened from a file that
// carries its attribute tree.
type attributeLoader interface {
	loadedAttributes() *AttributeTree
}

var (
	_ Backend = (*HistoryTreeBackend)(nil)
	_ Backend = (*ThreadedHistoryTreeBackend)(nil)
	_ Backend = (*InMemoryBackend)(nil)
	_ Backend = (*NullBackend)(nil)
	_ Backend = (*PartialBackend)(nil)
)
