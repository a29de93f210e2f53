package statehistory

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/golang/snappy"
	"golang.org/x/crypto/blake2b"
)

const (
	archiveHistoryObject  = "history.ht.sz"
	archiveManifestObject = "manifest.json"
)

// ArchiveManifest describes one archived history file.
type ArchiveManifest struct {
	ID              string    `json:"id"`
	Size            int64     `json:"size"`
	CompressedSize  int64     `json:"compressed_size"`
	Digest          string    `json:"blake2b_256"`
	ProviderVersion int32     `json:"provider_version"`
	StartTime       int64     `json:"start_time"`
	EndTime         int64     `json:"end_time"`
	ArchivedAt      time.Time `json:"archived_at"`
}

// Archiver copies finished history files to and from a StorageBackend. Each
// history is stored under its ID as a snappy stream plus a JSON manifest
// carrying the BLAKE2b-256 digest of the uncompressed file.
type Archiver struct {
	store  StorageBackend
	logger *slog.Logger
}

// NewArchiver returns an archiver over store. A nil logger uses slog.Default().
func NewArchiver(store StorageBackend, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{store: store, logger: logger}
}

// OpenArchiver opens the object store selected by cfg.
func OpenArchiver(cfg ArchiveConfig, logger *slog.Logger) (*Archiver, error) {
	store, err := NewStorageBackend(cfg)
	if err != nil {
		return nil, err
	}
	return NewArchiver(store, logger), nil
}

// Store returns the underlying object store.
func (a *Archiver) Store() StorageBackend { return a.store }

func archiveKey(id, object string) string { return id + "/" + object }

// Archive uploads the finished history file at historyPath under id.
func (a *Archiver) Archive(ctx context.Context, id, historyPath string) (ArchiveManifest, error) {
	if id == "" || strings.Contains(id, "/") {
		return ArchiveManifest{}, fmt.Errorf("invalid archive id %q", id)
	}
	f, err := os.Open(historyPath)
	if err != nil {
		return ArchiveManifest{}, fmt.Errorf("failed to open history: %w", err)
	}
	defer f.Close()

	hbuf := make([]byte, treeHeaderSize)
	if _, err := io.ReadFull(f, hbuf); err != nil {
		return ArchiveManifest{}, newStorageError(StorageErrorTypeCorruption, "history header truncated", historyPath, err)
	}
	h, err := unmarshalTreeHeader(hbuf, historyPath)
	if err != nil {
		return ArchiveManifest{}, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return ArchiveManifest{}, err
	}

	hasher, err := blake2b.New256(nil)
	if err != nil {
		return ArchiveManifest{}, err
	}
	var compressed bytes.Buffer
	zw := snappy.NewBufferedWriter(&compressed)
	size, err := io.Copy(io.MultiWriter(zw, hasher), f)
	if err != nil {
		return ArchiveManifest{}, fmt.Errorf("failed to compress history: %w", err)
	}
	if err := zw.Close(); err != nil {
		return ArchiveManifest{}, fmt.Errorf("failed to compress history: %w", err)
	}

	m := ArchiveManifest{
		ID:              id,
		Size:            size,
		CompressedSize:  int64(compressed.Len()),
		Digest:          hex.EncodeToString(hasher.Sum(nil)),
		ProviderVersion: h.providerVersion,
		StartTime:       h.treeStart,
		EndTime:         h.treeEnd,
		ArchivedAt:      time.Now().UTC(),
	}
	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return ArchiveManifest{}, err
	}

	if err := a.store.Write(ctx, archiveKey(id, archiveHistoryObject), compressed.Bytes()); err != nil {
		return ArchiveManifest{}, fmt.Errorf("failed to upload history: %w", err)
	}
	// The manifest goes last: an archive without one is incomplete.
	if err := a.store.Write(ctx, archiveKey(id, archiveManifestObject), manifest); err != nil {
		return ArchiveManifest{}, fmt.Errorf("failed to upload manifest: %w", err)
	}

	a.logger.Info("history archived", "id", id, "size", m.Size, "compressed", m.CompressedSize)
	return m, nil
}

// Manifest returns the manifest of the archived history id.
func (a *Archiver) Manifest(ctx context.Context, id string) (ArchiveManifest, error) {
	data, err := a.store.Read(ctx, archiveKey(id, archiveManifestObject))
	if errors.Is(err, os.ErrNotExist) {
		return ArchiveManifest{}, fmt.Errorf("archive %s: %w", id, ErrHistoryNotFound)
	}
	if err != nil {
		return ArchiveManifest{}, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m ArchiveManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return ArchiveManifest{}, newStorageError(StorageErrorTypeCorruption, "invalid archive manifest", id, err)
	}
	return m, nil
}

// Restore downloads the archived history id into dest. The file is written
// next to dest and renamed into place once its size and digest match the
// manifest.
func (a *Archiver) Restore(ctx context.Context, id, dest string) (ArchiveManifest, error) {
	m, err := a.Manifest(ctx, id)
	if err != nil {
		return ArchiveManifest{}, err
	}
	data, err := a.store.Read(ctx, archiveKey(id, archiveHistoryObject))
	if errors.Is(err, os.ErrNotExist) {
		return ArchiveManifest{}, fmt.Errorf("archive %s: %w", id, ErrHistoryNotFound)
	}
	if err != nil {
		return ArchiveManifest{}, fmt.Errorf("failed to download history: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return ArchiveManifest{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".restore-*")
	if err != nil {
		return ArchiveManifest{}, err
	}
	defer os.Remove(tmp.Name())

	hasher, err := blake2b.New256(nil)
	if err != nil {
		tmp.Close()
		return ArchiveManifest{}, err
	}
	size, err := io.Copy(io.MultiWriter(tmp, hasher), snappy.NewReader(bytes.NewReader(data)))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return ArchiveManifest{}, newStorageError(StorageErrorTypeCorruption, "failed to decompress archived history", id, err)
	}
	if size != m.Size || hex.EncodeToString(hasher.Sum(nil)) != m.Digest {
		return ArchiveManifest{}, newStorageError(StorageErrorTypeCorruption, "archived history digest mismatch", id, nil)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return ArchiveManifest{}, err
	}

	a.logger.Info("history restored", "id", id, "path", dest)
	return m, nil
}

// List returns the IDs of archived histories that have a manifest.
func (a *Archiver) List(ctx context.Context) ([]string, error) {
	keys, err := a.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, k := range keys {
		if id, ok := strings.CutSuffix(k, "/"+archiveManifestObject); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes the archived history id.
func (a *Archiver) Delete(ctx context.Context, id string) error {
	var errs []error
	for _, object := range []string{archiveManifestObject, archiveHistoryObject} {
		if err := a.store.Delete(ctx, archiveKey(id, object)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes the underlying object store.
func (a *Archiver) Close() error {
	return a.store.Close()
}
