package statehistory

import (
	"context"
	"errors"
	"os"
	"testing"
)

func exerciseStorageBackend(t *testing.T, backend StorageBackend) {
	t.Helper()
	ctx := context.Background()

	if err := backend.Write(ctx, "h1/history.ht.sz", []byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := backend.Write(ctx, "h1/manifest.json", []byte("{}")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := backend.Write(ctx, "h2/manifest.json", []byte("{}")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	data, err := backend.Read(ctx, "h1/history.ht.sz")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("expected 'hello', got '%s'", data)
	}

	exists, err := backend.Exists(ctx, "h1/manifest.json")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected key to exist")
	}

	keys, err := backend.List(ctx, "h1/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "h1/history.ht.sz" || keys[1] != "h1/manifest.json" {
		t.Errorf("unexpected keys: %v", keys)
	}

	if err := backend.Delete(ctx, "h1/history.ht.sz"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	exists, _ = backend.Exists(ctx, "h1/history.ht.sz")
	if exists {
		t.Error("expected key to be deleted")
	}
	if _, err := backend.Read(ctx, "h1/history.ht.sz"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestFileBackend(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	exerciseStorageBackend(t, backend)
}

func TestMemoryBackend(t *testing.T) {
	backend := NewMemoryBackend()
	exerciseStorageBackend(t, backend)
	if backend.Size() != 2 {
		t.Errorf("expected 2 objects, got %d", backend.Size())
	}
}

func TestMemoryBackend_CopiesObjects(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	data := []byte("manifest")
	if err := backend.Write(ctx, "h/manifest.json", data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	data[0] = 'X'

	got, err := backend.Read(ctx, "h/manifest.json")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != "manifest" {
		t.Errorf("stored object changed with the caller's buffer: %q", got)
	}
	got[0] = 'Y'
	if again, _ := backend.Read(ctx, "h/manifest.json"); string(again) != "manifest" {
		t.Errorf("stored object changed with a read buffer: %q", again)
	}

	if err := backend.Delete(ctx, "h/missing"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
	if keys, _ := backend.List(ctx, "none/"); len(keys) != 0 {
		t.Errorf("List = %v, want none", keys)
	}
}

func TestFileBackend_PathTraversal(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	ctx := context.Background()
	for _, key := range []string{"../escape", "a/../../escape"} {
		if err := backend.Write(ctx, key, []byte("x")); err == nil {
			t.Errorf("Write(%q) should fail", key)
		}
		if _, err := backend.Read(ctx, key); err == nil {
			t.Errorf("Read(%q) should fail", key)
		}
	}
}

func TestNewStorageBackend(t *testing.T) {
	dir := t.TempDir()
	b, err := NewStorageBackend(ArchiveConfig{Dir: dir})
	if err != nil {
		t.Fatalf("NewStorageBackend failed: %v", err)
	}
	if _, ok := b.(*FileBackend); !ok {
		t.Errorf("expected *FileBackend, got %T", b)
	}

	if _, err := NewStorageBackend(ArchiveConfig{}); err == nil {
		t.Error("expected error for empty archive config")
	}
	if _, err := NewStorageBackend(ArchiveConfig{Dir: dir, S3: &S3BackendConfig{Bucket: "b"}}); err == nil {
		t.Error("expected error when both dir and s3 are set")
	}
	if _, err := NewS3Backend(S3BackendConfig{}); err == nil {
		t.Error("expected error for missing bucket")
	}
}
