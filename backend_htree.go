package statehistory

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// HistoryTreeBackend writes every interval into a history tree file from the
// producer goroutine.
type HistoryTreeBackend struct {
	tree    *historyTree
	attrs   *AttributeTree
	loaded  bool
	logger  *slog.Logger
	metrics *metrics

	disposed atomic.Bool
}

// NewHistoryTreeBackend creates the history file cfg.Path for a history
// starting at start.
func NewHistoryTreeBackend(cfg Config, start int64) (*HistoryTreeBackend, error) {
	cfg.normalize()
	return newHistoryTreeBackend(cfg, start, newMetrics(cfg.Registerer, cfg.Name))
}

func newHistoryTreeBackend(cfg Config, start int64, m *metrics) (*HistoryTreeBackend, error) {
	tree, err := newHistoryTree(cfg.Path, cfg.nodeConfig(), int32(cfg.HistoryTree.ProviderVersion),
		start, cfg.NodeCacheSize, m)
	if err != nil {
		return nil, err
	}
	return &HistoryTreeBackend{tree: tree, logger: cfg.Logger, metrics: m}, nil
}

// OpenHistoryTreeBackend opens the finished history file cfg.Path. The file
// must have been written with cfg.HistoryTree.ProviderVersion.
func OpenHistoryTreeBackend(cfg Config) (*HistoryTreeBackend, error) {
	cfg.normalize()
	return openHistoryTreeBackend(cfg, newMetrics(cfg.Registerer, cfg.Name))
}

func openHistoryTreeBackend(cfg Config, m *metrics) (*HistoryTreeBackend, error) {
	tree, attrs, err := openHistoryTree(cfg.Path, int32(cfg.HistoryTree.ProviderVersion), cfg.NodeCacheSize, m)
	if err != nil {
		return nil, err
	}
	cfg.Logger.Debug("opened history tree", "path", cfg.Path, "nodes", tree.size(),
		"depth", tree.depth(), "attributes", attrs.Len())
	return &HistoryTreeBackend{tree: tree, attrs: attrs, loaded: true, logger: cfg.Logger, metrics: m}, nil
}

func (b *HistoryTreeBackend) bind(ss *StateSystem) error {
	if !b.loaded {
		b.attrs = ss.attributes
	}
	return nil
}

func (b *HistoryTreeBackend) loadedAttributes() *AttributeTree {
	if b.loaded {
		return b.attrs
	}
	return nil
}

// StartTime implements Backend.
func (b *HistoryTreeBackend) StartTime() int64 { return b.tree.startTime() }

// EndTime implements Backend.
func (b *HistoryTreeBackend) EndTime() int64 { return b.tree.endTime() }

// InsertPastState implements Backend.
func (b *HistoryTreeBackend) InsertPastState(start, end int64, q Quark, v Value) error {
	if b.disposed.Load() {
		return ErrDisposed
	}
	iv, err := NewInterval(start, end, q, v)
	if err != nil {
		return err
	}
	if err := b.tree.insert(iv); err != nil {
		return err
	}
	b.metrics.intervalsInserted.Inc()
	return nil
}

// FinishedBuilding implements Backend.
func (b *HistoryTreeBackend) FinishedBuilding(end int64) error {
	if b.disposed.Load() {
		return ErrDisposed
	}
	if err := b.tree.finish(end, b.attrs); err != nil {
		return err
	}
	b.logger.Info("history tree finished", "path", b.tree.file.path, "end", b.tree.endTime(),
		"nodes", b.tree.size(), "depth", b.tree.depth())
	return nil
}

// Query implements Backend.
func (b *HistoryTreeBackend) Query(ctx context.Context, t int64, out []*Interval) error {
	if b.disposed.Load() {
		return ErrDisposed
	}
	return b.tree.query(t, out)
}

// QuerySingle implements Backend.
func (b *HistoryTreeBackend) QuerySingle(ctx context.Context, t int64, q Quark) (*Interval, error) {
	if b.disposed.Load() {
		return nil, ErrDisposed
	}
	return b.tree.querySingle(t, q)
}

// Path returns the history file path.
func (b *HistoryTreeBackend) Path() string { return b.tree.file.path }

// Dispose implements Backend.
func (b *HistoryTreeBackend) Dispose() error {
	if b.disposed.Swap(true) {
		return nil
	}
	return b.tree.close()
}
