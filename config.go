package statehistory

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

// BackendKind selects how a state history stores its intervals.
type BackendKind string

const (
	// BackendFull writes every interval into a history tree file synchronously.
	BackendFull BackendKind = "full"
	// BackendThreaded writes into a history tree file from a dedicated goroutine.
	BackendThreaded BackendKind = "threaded"
	// BackendPartial keeps checkpoints and replays events to answer queries.
	BackendPartial BackendKind = "partial"
	// BackendInMemory keeps every interval in memory.
	BackendInMemory BackendKind = "memory"
	// BackendNull discards every interval.
	BackendNull BackendKind = "null"
)

// Config defines state history configuration.
type Config struct {
	// Name identifies the history in metrics, logs and the catalog.
	// Default: the base name of Path.
	Name string `yaml:"name"`

	// Path is the history tree file. Required for file based backends.
	Path string `yaml:"path"`

	// Backend selects the storage backend.
	// Default: full.
	Backend BackendKind `yaml:"backend"`

	// HistoryTree configures the on-disk history tree.
	HistoryTree HistoryTreeConfig `yaml:"history_tree"`

	// Queue configures the threaded backend interval queue.
	Queue QueueConfig `yaml:"queue"`

	// Partial configures the checkpoint backend.
	Partial PartialConfig `yaml:"partial"`

	// NodeCacheSize is the number of closed history tree nodes kept in memory.
	// Default: 256.
	NodeCacheSize int `yaml:"node_cache_size"`

	// Archive configures where finished histories are archived.
	// If nil, archiving is disabled.
	Archive *ArchiveConfig `yaml:"archive"`

	// Catalog configures the SQLite history catalog.
	// If nil, no catalog is kept.
	Catalog *CatalogConfig `yaml:"catalog"`

	// Logger receives structured logs. Default: slog.Default().
	Logger *slog.Logger `yaml:"-"`

	// Registerer receives the history metrics. If nil, metrics are collected
	// but not registered.
	Registerer prometheus.Registerer `yaml:"-"`
}

// HistoryTreeConfig groups history tree file settings.
type HistoryTreeConfig struct {
	// BlockSize is the size of every node block in bytes.
	// Default: 64 KiB.
	BlockSize int `yaml:"block_size"`

	// MaxChildren is the fan-out of core nodes.
	// Default: 50.
	MaxChildren int `yaml:"max_children"`

	// ProviderVersion is stored in the file header. Reopening a file written
	// by another provider version fails.
	ProviderVersion int `yaml:"provider_version"`
}

// QueueConfig groups threaded backend queue settings.
type QueueConfig struct {
	// ChunkSize is the number of intervals batched before they become visible
	// to the writer goroutine.
	// Default: 127.
	ChunkSize int `yaml:"chunk_size"`

	// QueueSize is the number of chunks buffered before producers block.
	// Default: 10,000.
	QueueSize int `yaml:"queue_size"`
}

// PartialConfig groups checkpoint backend settings.
type PartialConfig struct {
	// Granularity is the number of events between two checkpoints.
	// Default: 50,000.
	Granularity int64 `yaml:"granularity"`

	// CacheSize is the number of single query results kept.
	// Default: 1024.
	CacheSize int `yaml:"cache_size"`

	// Inner selects the backend that stores checkpoint-crossing intervals:
	// full, threaded or memory.
	// Default: full.
	Inner BackendKind `yaml:"inner"`
}

// ArchiveConfig selects the object store used for archived histories.
// Exactly one of Dir and S3 must be set.
type ArchiveConfig struct {
	// Dir archives into a local directory.
	Dir string `yaml:"dir"`

	// S3 archives into an S3 or S3-compatible bucket.
	S3 *S3BackendConfig `yaml:"s3"`
}

// CatalogConfig configures the history catalog.
type CatalogConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

const (
	minBlockSize = 4096
	minChildren  = 2
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path:    path,
		Backend: BackendFull,
		HistoryTree: HistoryTreeConfig{
			BlockSize:   64 * 1024,
			MaxChildren: 50,
		},
		Queue: QueueConfig{
			ChunkSize: 127,
			QueueSize: 10_000,
		},
		Partial: PartialConfig{
			Granularity: 50_000,
			CacheSize:   1024,
			Inner:       BackendFull,
		},
		NodeCacheSize: 256,
	}
}

// normalize fills unset fields with defaults.
func (c *Config) normalize() {
	def := DefaultConfig(c.Path)
	if c.Backend == "" {
		c.Backend = def.Backend
	}
	if c.HistoryTree.BlockSize == 0 {
		c.HistoryTree.BlockSize = def.HistoryTree.BlockSize
	}
	if c.HistoryTree.MaxChildren == 0 {
		c.HistoryTree.MaxChildren = def.HistoryTree.MaxChildren
	}
	if c.Queue.ChunkSize == 0 {
		c.Queue.ChunkSize = def.Queue.ChunkSize
	}
	if c.Queue.QueueSize == 0 {
		c.Queue.QueueSize = def.Queue.QueueSize
	}
	if c.Partial.Granularity == 0 {
		c.Partial.Granularity = def.Partial.Granularity
	}
	if c.Partial.CacheSize == 0 {
		c.Partial.CacheSize = def.Partial.CacheSize
	}
	if c.Partial.Inner == "" {
		c.Partial.Inner = def.Partial.Inner
	}
	if c.NodeCacheSize == 0 {
		c.NodeCacheSize = def.NodeCacheSize
	}
	if c.Name == "" && c.Path != "" {
		base := c.Path
		if i := strings.LastIndexAny(base, `/\`); i >= 0 {
			base = base[i+1:]
		}
		c.Name = strings.TrimSuffix(base, ".ht")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// NormalizedCopy returns a copy of the configuration with defaults applied.
func (c Config) NormalizedCopy() Config {
	c.normalize()
	return c
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	c.normalize()
	var errs []error
	switch c.Backend {
	case BackendFull, BackendThreaded:
		if c.Path == "" {
			errs = append(errs, fmt.Errorf("path is required for the %s backend", c.Backend))
		}
	case BackendPartial:
		if c.Path == "" && c.Partial.Inner != BackendInMemory {
			errs = append(errs, fmt.Errorf("path is required for the %s backend", c.Backend))
		}
	case BackendInMemory, BackendNull:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.Backend == BackendPartial {
		switch c.Partial.Inner {
		case BackendFull, BackendThreaded, BackendInMemory:
		default:
			errs = append(errs, fmt.Errorf("partial.inner: unsupported backend %q", c.Partial.Inner))
		}
		if c.Partial.Granularity < 0 {
			errs = append(errs, errors.New("partial.granularity must be positive"))
		}
		if c.Partial.CacheSize < 0 {
			errs = append(errs, errors.New("partial.cache_size must be positive"))
		}
	}
	if c.HistoryTree.BlockSize < minBlockSize {
		errs = append(errs, fmt.Errorf("history_tree.block_size must be at least %d", minBlockSize))
	}
	if c.HistoryTree.MaxChildren < minChildren {
		errs = append(errs, fmt.Errorf("history_tree.max_children must be at least %d", minChildren))
	}
	nc := nodeConfig{blockSize: c.HistoryTree.BlockSize, maxChildren: c.HistoryTree.MaxChildren}
	if c.HistoryTree.BlockSize >= minBlockSize && nc.headerSize(coreNode) >= c.HistoryTree.BlockSize/2 {
		errs = append(errs, fmt.Errorf("history_tree.max_children %d leaves no room for intervals in %d byte blocks",
			c.HistoryTree.MaxChildren, c.HistoryTree.BlockSize))
	}
	if c.Queue.ChunkSize < 0 || c.Queue.QueueSize < 0 {
		errs = append(errs, errors.New("queue sizes must be positive"))
	}
	if c.NodeCacheSize < 0 {
		errs = append(errs, errors.New("node_cache_size must be positive"))
	}
	if c.Archive != nil && (c.Archive.Dir == "") == (c.Archive.S3 == nil) {
		errs = append(errs, errors.New("archive: exactly one of dir and s3 must be set"))
	}
	if c.Catalog != nil && c.Catalog.Path == "" {
		errs = append(errs, errors.New("catalog.path is required"))
	}
	return errors.Join(errs...)
}

func (c Config) nodeConfig() nodeConfig {
	return nodeConfig{blockSize: c.HistoryTree.BlockSize, maxChildren: c.HistoryTree.MaxChildren}
}

// ParseConfig parses a YAML configuration. Unset fields take their defaults.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid YAML: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}
