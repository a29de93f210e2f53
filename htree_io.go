package statehistory

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	treeHeaderSize            = 4096
	historyTreeMagic   uint32 = 0x05FFA900
	historyFileVersion int32  = 1
)

// treeHeader is the first block of a history tree file.
type treeHeader struct {
	providerVersion     int32
	blockSize           int32
	maxChildren         int32
	nodeCount           int32
	rootSeq             int32
	treeStart           int64
	treeEnd             int64
	attributeTreeOffset int64
}

func (h treeHeader) marshal() []byte {
	buf := make([]byte, treeHeaderSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], historyTreeMagic)
	le.PutUint32(buf[4:], uint32(historyFileVersion))
	le.PutUint32(buf[8:], uint32(h.providerVersion))
	le.PutUint32(buf[12:], uint32(h.blockSize))
	le.PutUint32(buf[16:], uint32(h.maxChildren))
	le.PutUint32(buf[20:], uint32(h.nodeCount))
	le.PutUint32(buf[24:], uint32(h.rootSeq))
	le.PutUint64(buf[28:], uint64(h.treeStart))
	le.PutUint64(buf[36:], uint64(h.treeEnd))
	le.PutUint64(buf[44:], uint64(h.attributeTreeOffset))
	return buf
}

func unmarshalTreeHeader(buf []byte, path string) (treeHeader, error) {
	le := binary.LittleEndian
	if len(buf) < 52 || le.Uint32(buf[0:]) != historyTreeMagic {
		return treeHeader{}, newStorageError(StorageErrorTypeCorruption, "invalid history tree magic", path, nil)
	}
	if v := int32(le.Uint32(buf[4:])); v != historyFileVersion {
		return treeHeader{}, newStorageError(StorageErrorTypeCorruption,
			fmt.Sprintf("unsupported history file version %d", v), path, nil)
	}
	h := treeHeader{
		providerVersion:     int32(le.Uint32(buf[8:])),
		blockSize:           int32(le.Uint32(buf[12:])),
		maxChildren:         int32(le.Uint32(buf[16:])),
		nodeCount:           int32(le.Uint32(buf[20:])),
		rootSeq:             int32(le.Uint32(buf[24:])),
		treeStart:           int64(le.Uint64(buf[28:])),
		treeEnd:             int64(le.Uint64(buf[36:])),
		attributeTreeOffset: int64(le.Uint64(buf[44:])),
	}
	if h.blockSize < minBlockSize || h.maxChildren < minChildren || h.nodeCount <= 0 ||
		h.rootSeq < 0 || h.rootSeq >= h.nodeCount || h.treeEnd < h.treeStart {
		return treeHeader{}, newStorageError(StorageErrorTypeCorruption, "invalid history tree header", path, nil)
	}
	return h, nil
}

// treeFile reads and writes the blocks of one history tree file. Closed nodes
// read back from disk are kept in an LRU cache.
type treeFile struct {
	path    string
	file    *os.File
	cfg     nodeConfig
	cache   *lru.Cache[int32, *htNode]
	metrics *metrics
}

func newNodeCache(size int) (*lru.Cache[int32, *htNode], error) {
	if size <= 0 {
		size = DefaultConfig("").NodeCacheSize
	}
	return lru.New[int32, *htNode](size)
}

// createTreeFile creates or truncates path and reserves the header block.
func createTreeFile(path string, cfg nodeConfig, cacheSize int, m *metrics) (*treeFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeWrite, "create history file", path, err)
	}
	if _, err := f.WriteAt(make([]byte, treeHeaderSize), 0); err != nil {
		_ = f.Close()
		return nil, newStorageError(StorageErrorTypeWrite, "reserve header", path, err)
	}
	cache, err := newNodeCache(cacheSize)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &treeFile{path: path, file: f, cfg: cfg, cache: cache, metrics: m}, nil
}

// openTreeFile opens an existing history tree file read-only.
func openTreeFile(path string, cacheSize int, m *metrics) (*treeFile, treeHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, treeHeader{}, newStorageError(StorageErrorTypeRead, "open history file", path, err)
	}
	buf := make([]byte, treeHeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		_ = f.Close()
		return nil, treeHeader{}, newStorageError(StorageErrorTypeRead, "read header", path, err)
	}
	h, err := unmarshalTreeHeader(buf, path)
	if err != nil {
		_ = f.Close()
		return nil, treeHeader{}, err
	}
	cache, err := newNodeCache(cacheSize)
	if err != nil {
		_ = f.Close()
		return nil, treeHeader{}, err
	}
	cfg := nodeConfig{blockSize: int(h.blockSize), maxChildren: int(h.maxChildren)}
	return &treeFile{path: path, file: f, cfg: cfg, cache: cache, metrics: m}, h, nil
}

func (tf *treeFile) nodeOffset(seq int32) int64 {
	return treeHeaderSize + int64(seq)*int64(tf.cfg.blockSize)
}

// writeNode writes a closed node to its block.
func (tf *treeFile) writeNode(n *htNode) error {
	buf := make([]byte, tf.cfg.blockSize)
	if err := n.writeTo(buf); err != nil {
		return newStorageError(StorageErrorTypeWrite, "encode node", tf.path, err)
	}
	if _, err := tf.file.WriteAt(buf, tf.nodeOffset(n.seq)); err != nil {
		return newStorageError(StorageErrorTypeWrite, fmt.Sprintf("write node %d", n.seq), tf.path, err)
	}
	tf.cache.Add(n.seq, n)
	tf.metrics.nodesWritten.Inc()
	return nil
}

// readNode returns the node stored at seq.
func (tf *treeFile) readNode(seq int32) (*htNode, error) {
	if n, ok := tf.cache.Get(seq); ok {
		tf.metrics.nodeCacheHits.Inc()
		return n, nil
	}
	tf.metrics.nodeCacheMisses.Inc()
	buf := make([]byte, tf.cfg.blockSize)
	if _, err := tf.file.ReadAt(buf, tf.nodeOffset(seq)); err != nil {
		return nil, newStorageError(StorageErrorTypeRead, fmt.Sprintf("read node %d", seq), tf.path, err)
	}
	n, err := readNode(buf, tf.cfg)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeCorruption, fmt.Sprintf("decode node %d", seq), tf.path, err)
	}
	if n.seq != seq {
		return nil, newStorageError(StorageErrorTypeCorruption,
			fmt.Sprintf("block %d holds node %d", seq, n.seq), tf.path, nil)
	}
	tf.cache.Add(seq, n)
	return n, nil
}

func (tf *treeFile) writeHeader(h treeHeader) error {
	if _, err := tf.file.WriteAt(h.marshal(), 0); err != nil {
		return newStorageError(StorageErrorTypeWrite, "write header", tf.path, err)
	}
	return nil
}

func (tf *treeFile) writeAttributeTree(attrs *AttributeTree, offset int64) error {
	if _, err := attrs.WriteTo(io.NewOffsetWriter(tf.file, offset)); err != nil {
		return newStorageError(StorageErrorTypeWrite, "write attribute tree", tf.path, err)
	}
	return nil
}

func (tf *treeFile) readAttributeTree(offset int64) (*AttributeTree, error) {
	info, err := tf.file.Stat()
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "stat history file", tf.path, err)
	}
	if offset <= 0 || offset > info.Size() {
		return nil, newStorageError(StorageErrorTypeCorruption, "attribute tree offset out of file", tf.path, nil)
	}
	attrs, err := ReadAttributeTree(io.NewSectionReader(tf.file, offset, info.Size()-offset))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tf.path, err)
	}
	return attrs, nil
}

func (tf *treeFile) sync() error {
	if err := tf.file.Sync(); err != nil {
		return newStorageError(StorageErrorTypeWrite, "sync history file", tf.path, err)
	}
	return nil
}

func (tf *treeFile) close() error {
	tf.cache.Purge()
	return tf.file.Close()
}
