package statehistory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/google/uuid"
)

// History ties a state system to the event stream and provider that build
// it, and to the optional catalog and archive that track it.
type History struct {
	id       string
	cfg      Config
	ss       *StateSystem
	source   EventSource
	provider StateProvider
	catalog  *Catalog
	archiver *Archiver
	logger   *slog.Logger
	reused   bool
}

// NewHistory creates an empty history with the backend selected by
// cfg.Backend. The history starts at source.StartTime() and is filled by
// Build.
func NewHistory(cfg Config, source EventSource, provider StateProvider) (*History, error) {
	if source == nil || provider == nil {
		return nil, errors.New("event source and state provider are required")
	}
	cfg = prepareConfig(cfg, provider)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	h, err := newHistoryShell(cfg, source, provider)
	if err != nil {
		return nil, err
	}

	m := newMetrics(cfg.Registerer, cfg.Name)
	start := source.StartTime()
	backend, err := h.newBackend(cfg.Backend, start, m)
	if err != nil {
		h.closeServices()
		return nil, err
	}
	if pb, ok := backend.(*PartialBackend); ok {
		h.provider = pb.Provider()
	}
	if h.ss, err = newStateSystem(backend, cfg.Name, cfg.Logger, m); err != nil {
		_ = backend.Dispose()
		h.closeServices()
		return nil, err
	}

	if h.catalog != nil {
		e, err := h.catalog.Register(context.Background(), CatalogEntry{
			ID:              h.id,
			Trace:           cfg.Name,
			Path:            cfg.Path,
			Kind:            cfg.Backend,
			ProviderVersion: cfg.HistoryTree.ProviderVersion,
			BlockSize:       cfg.HistoryTree.BlockSize,
			StartTime:       start,
			EndTime:         start,
		})
		if err != nil {
			_ = h.Close()
			return nil, err
		}
		h.id = e.ID
	}
	return h, nil
}

// NewFullHistory creates a history written synchronously into the file cfg.Path.
func NewFullHistory(cfg Config, source EventSource, provider StateProvider) (*History, error) {
	cfg.Backend = BackendFull
	return NewHistory(cfg, source, provider)
}

// NewThreadedHistory creates a history written into the file cfg.Path by a
// dedicated goroutine.
func NewThreadedHistory(cfg Config, source EventSource, provider StateProvider) (*History, error) {
	cfg.Backend = BackendThreaded
	return NewHistory(cfg, source, provider)
}

// NewPartialHistory creates a history that stores checkpoints in cfg.Path and
// replays source to answer queries.
func NewPartialHistory(cfg Config, source EventSource, provider StateProvider) (*History, error) {
	cfg.Backend = BackendPartial
	return NewHistory(cfg, source, provider)
}

// NewInMemoryHistory creates a history kept entirely in memory.
func NewInMemoryHistory(cfg Config, source EventSource, provider StateProvider) (*History, error) {
	cfg.Backend = BackendInMemory
	return NewHistory(cfg, source, provider)
}

// OpenFullHistory opens the finished history file cfg.Path read-only. No
// event source is needed to query it, and the provider version stored in the
// file is not checked.
func OpenFullHistory(cfg Config) (*History, error) {
	cfg.Backend = BackendFull
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.HistoryTree.ProviderVersion = -1
	return openHistory(cfg, nil, nil, "")
}

// OpenOrBuild reuses the history file cfg.Path when it is complete and was
// written by the same provider version, and creates a new history otherwise.
// With a catalog configured, the catalog decides whether the file is
// complete and a missing file is restored from the archive. A reused history
// is already built; Build on it is a no-op.
func OpenOrBuild(ctx context.Context, cfg Config, source EventSource, provider StateProvider) (*History, error) {
	if source == nil || provider == nil {
		return nil, errors.New("event source and state provider are required")
	}
	cfg = prepareConfig(cfg, provider)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Backend == BackendInMemory || cfg.Backend == BackendNull ||
		(cfg.Backend == BackendPartial && cfg.Partial.Inner == BackendInMemory) {
		return NewHistory(cfg, source, provider)
	}

	id, err := reusableHistory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if id != "" || cfg.Catalog == nil {
		h, err := openHistory(cfg, source, provider, id)
		if err == nil {
			cfg.Logger.Info("reusing state history", "history", cfg.Name, "path", cfg.Path, "id", h.id)
			return h, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			cfg.Logger.Warn("state history not reusable, rebuilding", "history", cfg.Name, "path", cfg.Path, "err", err)
		}
	}
	return NewHistory(cfg, source, provider)
}

// reusableHistory returns the catalog ID of a complete history matching cfg,
// restoring its file from the archive when it is missing locally. It returns
// "" when no catalog is configured or nothing matches.
func reusableHistory(ctx context.Context, cfg Config) (string, error) {
	if cfg.Catalog == nil {
		return "", nil
	}
	catalog, err := OpenCatalog(*cfg.Catalog)
	if err != nil {
		return "", err
	}
	defer catalog.Close()

	e, err := catalog.Lookup(ctx, cfg.Name, cfg.Backend)
	if errors.Is(err, ErrHistoryNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !e.Complete || e.ProviderVersion != cfg.HistoryTree.ProviderVersion || e.Path != cfg.Path {
		return "", nil
	}
	if _, err := os.Stat(cfg.Path); errors.Is(err, fs.ErrNotExist) {
		if cfg.Archive == nil {
			return "", nil
		}
		archiver, err := OpenArchiver(*cfg.Archive, cfg.Logger)
		if err != nil {
			return "", err
		}
		defer archiver.Close()
		if _, err := archiver.Restore(ctx, e.ID, cfg.Path); err != nil {
			cfg.Logger.Warn("failed to restore archived history", "id", e.ID, "err", err)
			return "", nil
		}
	}
	return e.ID, nil
}

func prepareConfig(cfg Config, provider StateProvider) Config {
	if provider != nil {
		cfg.HistoryTree.ProviderVersion = provider.Version()
	}
	cfg.normalize()
	return cfg
}

func newHistoryShell(cfg Config, source EventSource, provider StateProvider) (*History, error) {
	h := &History{
		id:       uuid.NewString(),
		cfg:      cfg,
		source:   source,
		provider: provider,
		logger:   cfg.Logger,
	}
	if cfg.Catalog != nil {
		c, err := OpenCatalog(*cfg.Catalog)
		if err != nil {
			return nil, err
		}
		h.catalog = c
	}
	if cfg.Archive != nil {
		a, err := OpenArchiver(*cfg.Archive, cfg.Logger)
		if err != nil {
			h.closeServices()
			return nil, err
		}
		h.archiver = a
	}
	return h, nil
}

// openHistory opens the finished file cfg.Path. A partial history needs its
// source and provider to answer queries.
func openHistory(cfg Config, source EventSource, provider StateProvider, id string) (*History, error) {
	h, err := newHistoryShell(cfg, source, provider)
	if err != nil {
		return nil, err
	}
	if id != "" {
		h.id = id
	}
	h.reused = true

	m := newMetrics(cfg.Registerer, cfg.Name)
	tree, err := openHistoryTreeBackend(cfg, m)
	if err != nil {
		h.closeServices()
		return nil, err
	}
	var backend Backend = tree
	if cfg.Backend == BackendPartial {
		pb, err := newPartialBackend(tree, source, provider, cfg, m)
		if err != nil {
			_ = tree.Dispose()
			h.closeServices()
			return nil, err
		}
		h.provider = pb.Provider()
		backend = pb
	}
	if h.ss, err = newStateSystem(backend, cfg.Name, cfg.Logger, m); err != nil {
		_ = backend.Dispose()
		h.closeServices()
		return nil, err
	}
	return h, nil
}

func (h *History) newBackend(kind BackendKind, start int64, m *metrics) (Backend, error) {
	switch kind {
	case BackendFull:
		return newHistoryTreeBackend(h.cfg, start, m)
	case BackendThreaded:
		return newThreadedHistoryTreeBackend(h.cfg, start, m)
	case BackendInMemory:
		return NewInMemoryBackend(start), nil
	case BackendNull:
		return NewNullBackend(start), nil
	case BackendPartial:
		inner, err := h.newBackend(h.cfg.Partial.Inner, start, m)
		if err != nil {
			return nil, err
		}
		pb, err := newPartialBackend(inner, h.source, h.provider, h.cfg, m)
		if err != nil {
			_ = inner.Dispose()
			return nil, err
		}
		return pb, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}

// ID returns the history identifier, as recorded in the catalog.
func (h *History) ID() string { return h.id }

// StateSystem returns the state system to query.
func (h *History) StateSystem() *StateSystem { return h.ss }

// Provider returns the producer the history is built with.
func (h *History) Provider() StateProvider { return h.provider }

// Reused reports whether the history was opened from an existing file.
func (h *History) Reused() bool { return h.reused }

// Build replays the event source into the history and closes it. A finished
// history is marked complete in the catalog and archived when an archive is
// configured.
func (h *History) Build(ctx context.Context) error {
	if h.ss.IsBuilt() {
		return nil
	}
	if err := Build(ctx, h.ss, h.source, h.provider); err != nil {
		return err
	}
	end := h.ss.CurrentEndTime()
	if h.catalog != nil {
		if err := h.catalog.MarkComplete(ctx, h.id, end); err != nil {
			return err
		}
	}
	if h.archiver != nil && h.hasFile() {
		if _, err := h.archiver.Archive(ctx, h.id, h.cfg.Path); err != nil {
			return fmt.Errorf("archive history: %w", err)
		}
	}
	return nil
}

// BuildAsync runs Build in a new goroutine. Queries may be issued while it
// runs; the returned channel receives its result.
func (h *History) BuildAsync(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- h.Build(ctx)
	}()
	return done
}

func (h *History) hasFile() bool {
	switch h.cfg.Backend {
	case BackendFull, BackendThreaded:
		return true
	case BackendPartial:
		return h.cfg.Partial.Inner != BackendInMemory
	}
	return false
}

func (h *History) closeServices() {
	if h.catalog != nil {
		_ = h.catalog.Close()
	}
	if h.archiver != nil {
		_ = h.archiver.Close()
	}
}

// Close disposes of the state system and releases the catalog and archive.
func (h *History) Close() error {
	var errs []error
	if h.ss != nil {
		errs = append(errs, h.ss.Dispose())
	}
	if h.catalog != nil {
		errs = append(errs, h.catalog.Close())
	}
	if h.archiver != nil {
		errs = append(errs, h.archiver.Close())
	}
	return errors.Join(errs...)
}
