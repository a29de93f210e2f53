package statehistory

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"

	"github.com/chronicle-db/statehistory/internal/pathcodec"
)

// Quark is the dense integer identifier of an attribute.
type Quark int32

// RootQuark denotes the root of the attribute tree, which is not itself an
// attribute.
const RootQuark Quark = -1

const (
	attributeTreeMagic   uint32 = 0x06EC3671
	attributeTreeVersion uint32 = 1

	maxSnappyExpansion = 32
)

type attribute struct {
	name     string
	parent   Quark
	children map[string]Quark
	order    []Quark
}

func newAttribute(name string, parent Quark) *attribute {
	return &attribute{name: name, parent: parent}
}

func (a *attribute) child(name string) (Quark, bool) {
	q, ok := a.children[name]
	return q, ok
}

func (a *attribute) addChild(name string, q Quark) {
	if a.children == nil {
		a.children = make(map[string]Quark)
	}
	a.children[name] = q
	a.order = append(a.order, q)
}

// AttributeTree maps hierarchical attribute paths to quarks. Quarks are
// assigned in insertion order starting at zero and are never reused. It is
// safe for concurrent use.
type AttributeTree struct {
	mu    sync.RWMutex
	root  *attribute
	attrs []*attribute
}

// NewAttributeTree creates an empty attribute tree.
func NewAttributeTree() *AttributeTree {
	return &AttributeTree{root: newAttribute("", RootQuark)}
}

// Len returns the number of attributes in the tree.
func (t *AttributeTree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.attrs)
}

func (t *AttributeTree) node(q Quark) (*attribute, bool) {
	if q == RootQuark {
		return t.root, true
	}
	if q < 0 || int(q) >= len(t.attrs) {
		return nil, false
	}
	return t.attrs[q], true
}

// QuarkAndAdd returns the quark of path relative to parent, creating every
// missing component along the way.
func (t *AttributeTree) QuarkAndAdd(parent Quark, path ...string) (Quark, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.node(parent)
	if !ok {
		return RootQuark, &AttributeNotFoundError{Quark: parent}
	}
	q := parent
	for _, name := range path {
		next, ok := cur.child(name)
		if !ok {
			next = Quark(len(t.attrs))
			t.attrs = append(t.attrs, newAttribute(name, q))
			cur.addChild(name, next)
		}
		q = next
		cur = t.attrs[q]
	}
	return q, nil
}

// Quark returns the quark of path relative to parent without creating
// anything.
func (t *AttributeTree) Quark(parent Quark, path ...string) (Quark, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cur, ok := t.node(parent)
	if !ok {
		return RootQuark, &AttributeNotFoundError{Quark: parent}
	}
	q := parent
	for _, name := range path {
		next, ok := cur.child(name)
		if !ok {
			return RootQuark, &AttributeNotFoundError{Quark: parent, Path: path}
		}
		q = next
		cur = t.attrs[q]
	}
	return q, nil
}

// Name returns the last path component of q.
func (t *AttributeTree) Name(q Quark) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.node(q)
	if !ok || q == RootQuark {
		return "", &AttributeNotFoundError{Quark: q}
	}
	return a.name, nil
}

// Parent returns the parent quark of q, RootQuark for top-level attributes.
func (t *AttributeTree) Parent(q Quark) (Quark, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.node(q)
	if !ok || q == RootQuark {
		return RootQuark, &AttributeNotFoundError{Quark: q}
	}
	return a.parent, nil
}

// FullPath returns the components of the path from the root to q.
func (t *AttributeTree) FullPath(q Quark) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fullPathLocked(q)
}

func (t *AttributeTree) fullPathLocked(q Quark) ([]string, error) {
	if _, ok := t.node(q); !ok || q == RootQuark {
		return nil, &AttributeNotFoundError{Quark: q}
	}
	var path []string
	for cur := q; cur != RootQuark; cur = t.attrs[cur].parent {
		path = append(path, t.attrs[cur].name)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// FullName returns the encoded full path of q.
func (t *AttributeTree) FullName(q Quark) (string, error) {
	path, err := t.FullPath(q)
	if err != nil {
		return "", err
	}
	return pathcodec.Encode(path), nil
}

// SubAttributes returns the children of q in creation order, or every
// descendant depth-first when recursive is set.
func (t *AttributeTree) SubAttributes(q Quark, recursive bool) ([]Quark, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.node(q)
	if !ok {
		return nil, &AttributeNotFoundError{Quark: q}
	}
	var out []Quark
	var walk func(a *attribute)
	walk = func(a *attribute) {
		for _, c := range a.order {
			out = append(out, c)
			if recursive {
				walk(t.attrs[c])
			}
		}
	}
	walk(a)
	return out, nil
}

// WriteTo writes the tree section: magic, version, the compressed payload
// length, then the snappy-compressed list of encoded full paths in quark
// order.
func (t *AttributeTree) WriteTo(w io.Writer) (int64, error) {
	t.mu.RLock()
	var payload bytes.Buffer
	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], uint32(len(t.attrs)))
	payload.Write(scratch[:])
	for q := range t.attrs {
		path, err := t.fullPathLocked(Quark(q))
		if err != nil {
			t.mu.RUnlock()
			return 0, err
		}
		name := pathcodec.Encode(path)
		binary.LittleEndian.PutUint32(scratch[:], uint32(len(name)))
		payload.Write(scratch[:])
		payload.WriteString(name)
	}
	t.mu.RUnlock()

	compressed := snappy.Encode(nil, payload.Bytes())
	header := make([]byte, 12)
	binary.LittleEndian.PutUint32(header[0:], attributeTreeMagic)
	binary.LittleEndian.PutUint32(header[4:], attributeTreeVersion)
	binary.LittleEndian.PutUint32(header[8:], uint32(len(compressed)))

	n, err := w.Write(header)
	if err != nil {
		return int64(n), fmt.Errorf("write attribute tree header: %w", err)
	}
	m, err := w.Write(compressed)
	if err != nil {
		return int64(n + m), fmt.Errorf("write attribute tree: %w", err)
	}
	return int64(n + m), nil
}

// ReadAttributeTree rebuilds a tree written by WriteTo. Paths are re-added in
// quark order so every attribute keeps its quark.
func ReadAttributeTree(r io.Reader) (*AttributeTree, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "read attribute tree header", "", err)
	}
	if binary.LittleEndian.Uint32(header[0:]) != attributeTreeMagic {
		return nil, newStorageError(StorageErrorTypeCorruption, "invalid attribute tree magic", "", nil)
	}
	if v := binary.LittleEndian.Uint32(header[4:]); v != attributeTreeVersion {
		return nil, newStorageError(StorageErrorTypeCorruption,
			fmt.Sprintf("unsupported attribute tree version %d", v), "", nil)
	}
	size := int64(binary.LittleEndian.Uint32(header[8:]))
	compressed, err := io.ReadAll(io.LimitReader(r, size))
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "read attribute tree", "", err)
	}
	if int64(len(compressed)) != size {
		return nil, newStorageError(StorageErrorTypeCorruption,
			fmt.Sprintf("attribute tree of %d bytes, section holds %d", size, len(compressed)), "", nil)
	}
	// A snappy copy element expands at most 64 bytes out of 3.
	if n, err := snappy.DecodedLen(compressed); err != nil || n > maxSnappyExpansion*len(compressed) {
		return nil, newStorageError(StorageErrorTypeCorruption, "invalid attribute tree length", "", err)
	}
	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeCorruption, "decompress attribute tree", "", err)
	}

	corrupt := func(msg string) error {
		return newStorageError(StorageErrorTypeCorruption, msg, "", nil)
	}
	if len(payload) < 4 {
		return nil, corrupt("truncated attribute tree")
	}
	count := int(binary.LittleEndian.Uint32(payload))
	pos := 4
	tree := NewAttributeTree()
	for i := 0; i < count; i++ {
		if pos+4 > len(payload) {
			return nil, corrupt("truncated attribute tree entry")
		}
		n := int(binary.LittleEndian.Uint32(payload[pos:]))
		pos += 4
		if pos+n > len(payload) {
			return nil, corrupt("truncated attribute path")
		}
		path := pathcodec.Decode(string(payload[pos : pos+n]))
		pos += n
		q, err := tree.QuarkAndAdd(RootQuark, path...)
		if err != nil {
			return nil, err
		}
		if q != Quark(i) {
			return nil, corrupt(fmt.Sprintf("attribute %d reloaded as quark %d", i, q))
		}
	}
	return tree, nil
}
