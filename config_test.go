package statehistory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := DefaultConfig("/data/traces/kernel.ht")
	cfg.normalize()

	if cfg.Name != "kernel" {
		t.Errorf("expected name kernel, got %s", cfg.Name)
	}
	if cfg.Backend != BackendFull {
		t.Errorf("expected full backend, got %s", cfg.Backend)
	}
	if cfg.HistoryTree.BlockSize != 64*1024 {
		t.Error("default BlockSize should be 64KiB")
	}
	if cfg.HistoryTree.MaxChildren != 50 {
		t.Error("default MaxChildren should be 50")
	}
	if cfg.Queue.ChunkSize != 127 || cfg.Queue.QueueSize != 10_000 {
		t.Errorf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Partial.Granularity != 50_000 || cfg.Partial.Inner != BackendFull {
		t.Errorf("unexpected partial defaults: %+v", cfg.Partial)
	}
	if cfg.Logger == nil {
		t.Error("default Logger should be set")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfig_NormalizeZeroValue(t *testing.T) {
	cfg := Config{Path: `C:\traces\boot.ht`}.NormalizedCopy()
	if cfg.Name != "boot" {
		t.Errorf("expected name boot, got %s", cfg.Name)
	}
	if cfg.NodeCacheSize != 256 {
		t.Errorf("expected node cache 256, got %d", cfg.NodeCacheSize)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing path", func(c *Config) { c.Path = "" }, "path is required"},
		{"memory without path", func(c *Config) { c.Path = ""; c.Backend = BackendInMemory }, ""},
		{"partial in memory without path", func(c *Config) {
			c.Path = ""
			c.Backend = BackendPartial
			c.Partial.Inner = BackendInMemory
		}, ""},
		{"unknown backend", func(c *Config) { c.Backend = "tape" }, "unknown backend"},
		{"partial inner", func(c *Config) {
			c.Backend = BackendPartial
			c.Partial.Inner = BackendNull
		}, "partial.inner"},
		{"small block", func(c *Config) { c.HistoryTree.BlockSize = 1024 }, "block_size"},
		{"one child", func(c *Config) { c.HistoryTree.MaxChildren = 1 }, "max_children"},
		{"too many children", func(c *Config) {
			c.HistoryTree.BlockSize = 4096
			c.HistoryTree.MaxChildren = 200
		}, "leaves no room"},
		{"archive both", func(c *Config) {
			c.Archive = &ArchiveConfig{Dir: "/tmp/a", S3: &S3BackendConfig{Bucket: "b"}}
		}, "archive"},
		{"archive none", func(c *Config) { c.Archive = &ArchiveConfig{} }, "archive"},
		{"catalog path", func(c *Config) { c.Catalog = &CatalogConfig{} }, "catalog.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("/tmp/h.ht")
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseConfig(t *testing.T) {
	data := []byte(`
name: boot-trace
path: /var/lib/histories/boot.ht
backend: partial
history_tree:
  block_size: 8192
  max_children: 10
partial:
  granularity: 1000
  inner: threaded
queue:
  chunk_size: 64
archive:
  s3:
    bucket: histories
    region: eu-west-1
    prefix: traces/
    use_path_style: true
catalog:
  path: /var/lib/histories/catalog.db
`)
	cfg, err := ParseConfig(data)
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	if cfg.Name != "boot-trace" || cfg.Backend != BackendPartial {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.HistoryTree.BlockSize != 8192 || cfg.HistoryTree.MaxChildren != 10 {
		t.Errorf("unexpected history tree config: %+v", cfg.HistoryTree)
	}
	if cfg.Partial.Granularity != 1000 || cfg.Partial.Inner != BackendThreaded || cfg.Partial.CacheSize != 1024 {
		t.Errorf("unexpected partial config: %+v", cfg.Partial)
	}
	if cfg.Queue.ChunkSize != 64 || cfg.Queue.QueueSize != 10_000 {
		t.Errorf("unexpected queue config: %+v", cfg.Queue)
	}
	if cfg.Archive == nil || cfg.Archive.S3 == nil || cfg.Archive.S3.Bucket != "histories" || !cfg.Archive.S3.UsePathStyle {
		t.Errorf("unexpected archive config: %+v", cfg.Archive)
	}
	if cfg.Catalog == nil || cfg.Catalog.Path != "/var/lib/histories/catalog.db" {
		t.Errorf("unexpected catalog config: %+v", cfg.Catalog)
	}
}

func TestParseConfig_Invalid(t *testing.T) {
	if _, err := ParseConfig([]byte("backend: [")); err == nil {
		t.Error("expected YAML error")
	}
	if _, err := ParseConfig([]byte("backend: full\n")); err == nil {
		t.Error("expected validation error for missing path")
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.yaml")
	if err := os.WriteFile(path, []byte("path: /tmp/x.ht\nbackend: threaded\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Backend != BackendThreaded || cfg.Name != "x" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
