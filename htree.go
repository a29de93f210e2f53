package statehistory

import (
	"fmt"
	"sync"
)

// historyTree is the append-only node graph of a history file. One writer
// inserts intervals into the latest branch, the path from the root to the
// most recent leaf; every node off that branch is closed and on disk.
// Queries may run concurrently with the writer.
type historyTree struct {
	cfg             nodeConfig
	providerVersion int32
	file            *treeFile

	mu           sync.RWMutex
	treeStart    int64
	treeEnd      int64
	nodeCount    int32
	latestBranch []*htNode
	finished     bool
}

// newHistoryTree creates a history tree file at path starting at start.
func newHistoryTree(path string, cfg nodeConfig, providerVersion int32, start int64, cacheSize int, m *metrics) (*historyTree, error) {
	tf, err := createTreeFile(path, cfg, cacheSize, m)
	if err != nil {
		return nil, err
	}
	t := &historyTree{
		cfg:             cfg,
		providerVersion: providerVersion,
		file:            tf,
		treeStart:       start,
		treeEnd:         start,
	}
	t.latestBranch = []*htNode{t.newNode(leafNode, -1, start)}
	return t, nil
}

// openHistoryTree opens a finished history tree file and its attribute tree.
func openHistoryTree(path string, providerVersion int32, cacheSize int, m *metrics) (*historyTree, *AttributeTree, error) {
	tf, h, err := openTreeFile(path, cacheSize, m)
	if err != nil {
		return nil, nil, err
	}
	if providerVersion >= 0 && h.providerVersion != providerVersion {
		_ = tf.close()
		return nil, nil, newStorageError(StorageErrorTypeCorruption,
			fmt.Sprintf("provider version %d, expected %d", h.providerVersion, providerVersion), path, nil)
	}
	t := &historyTree{
		cfg:             tf.cfg,
		providerVersion: h.providerVersion,
		file:            tf,
		treeStart:       h.treeStart,
		treeEnd:         h.treeEnd,
		nodeCount:       h.nodeCount,
		finished:        true,
	}

	node, err := tf.readNode(h.rootSeq)
	if err != nil {
		_ = tf.close()
		return nil, nil, err
	}
	t.latestBranch = append(t.latestBranch, node)
	for node.typ == coreNode && node.childCount() > 0 {
		if node, err = tf.readNode(node.latestChild()); err != nil {
			_ = tf.close()
			return nil, nil, err
		}
		t.latestBranch = append(t.latestBranch, node)
	}

	attrs, err := tf.readAttributeTree(h.attributeTreeOffset)
	if err != nil {
		_ = tf.close()
		return nil, nil, err
	}
	return t, attrs, nil
}

func (t *historyTree) newNode(typ nodeType, parentSeq int32, start int64) *htNode {
	n := newNode(t.cfg, typ, t.nodeCount, parentSeq, start)
	t.nodeCount++
	return n
}

// maxIntervalSize is the largest encoded interval an empty core node holds.
func (t *historyTree) maxIntervalSize() int {
	return t.cfg.blockSize - t.cfg.headerSize(coreNode)
}

func (t *historyTree) startTime() int64 { return t.treeStart }

func (t *historyTree) endTime() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.treeEnd
}

func (t *historyTree) depth() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.latestBranch)
}

func (t *historyTree) size() int32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodeCount
}

// insert adds iv to the deepest node of the latest branch that starts no
// later than iv, growing the tree when that node is full.
func (t *historyTree) insert(iv *Interval) error {
	if iv.EncodedSize() > t.maxIntervalSize() {
		return fmt.Errorf("interval of %d bytes exceeds node capacity %d: %w",
			iv.EncodedSize(), t.maxIntervalSize(), ErrValueTooLarge)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return ErrAlreadyClosed
	}
	if iv.Start < t.treeStart {
		return newTimeRangeError("insert", iv.Start, t.treeStart, t.treeEnd)
	}

	index := len(t.latestBranch) - 1
	for {
		node := t.latestBranch[index]
		if iv.Start < node.start && index > 0 {
			index--
			continue
		}
		if iv.EncodedSize() > node.freeSpace() {
			if err := t.addSiblingNode(index); err != nil {
				return err
			}
			index = len(t.latestBranch) - 1
			continue
		}
		node.addInterval(iv)
		if iv.End > t.treeEnd {
			t.treeEnd = iv.End
		}
		return nil
	}
}

// closeBranch closes and writes every latest branch node from index down.
func (t *historyTree) closeBranch(index int, end int64) error {
	for _, n := range t.latestBranch[index:] {
		n.close(max(end, n.start))
		if err := t.file.writeNode(n); err != nil {
			return err
		}
	}
	return nil
}

// addSiblingNode replaces the latest branch from index down with fresh nodes
// starting right after the current tree end.
func (t *historyTree) addSiblingNode(index int) error {
	if index == 0 {
		return t.addNewRootNode()
	}
	parent := t.latestBranch[index-1]
	if parent.isFull() {
		return t.addSiblingNode(index - 1)
	}

	splitTime := t.treeEnd
	if err := t.closeBranch(index, splitTime); err != nil {
		return err
	}
	depth := len(t.latestBranch)
	t.latestBranch = t.latestBranch[:index]
	for i := index; i < depth; i++ {
		typ := coreNode
		if i == depth-1 {
			typ = leafNode
		}
		prev := t.latestBranch[i-1]
		n := t.newNode(typ, prev.seq, splitTime+1)
		prev.addChild(n)
		t.latestBranch = append(t.latestBranch, n)
	}
	return nil
}

// addNewRootNode closes the whole latest branch under a new root, growing the
// tree by one level.
func (t *historyTree) addNewRootNode() error {
	splitTime := t.treeEnd
	oldRoot := t.latestBranch[0]
	root := t.newNode(coreNode, -1, t.treeStart)
	oldRoot.parentSeq = root.seq

	if err := t.closeBranch(0, splitTime); err != nil {
		return err
	}
	root.addChild(oldRoot)

	depth := len(t.latestBranch)
	t.latestBranch = []*htNode{root}
	for i := 1; i <= depth; i++ {
		typ := coreNode
		if i == depth {
			typ = leafNode
		}
		prev := t.latestBranch[i-1]
		n := t.newNode(typ, prev.seq, splitTime+1)
		prev.addChild(n)
		t.latestBranch = append(t.latestBranch, n)
	}
	return nil
}

// finish closes the latest branch at end and writes the header and the
// attribute tree. The tree is read-only afterwards.
func (t *historyTree) finish(end int64, attrs *AttributeTree) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return ErrAlreadyClosed
	}
	if end > t.treeEnd {
		t.treeEnd = end
	}
	if err := t.closeBranch(0, t.treeEnd); err != nil {
		return err
	}
	t.finished = true

	offset := t.file.nodeOffset(t.nodeCount)
	if attrs == nil {
		attrs = NewAttributeTree()
	}
	if err := t.file.writeAttributeTree(attrs, offset); err != nil {
		return err
	}
	h := treeHeader{
		providerVersion:     t.providerVersion,
		blockSize:           int32(t.cfg.blockSize),
		maxChildren:         int32(t.cfg.maxChildren),
		nodeCount:           t.nodeCount,
		rootSeq:             t.latestBranch[0].seq,
		treeStart:           t.treeStart,
		treeEnd:             t.treeEnd,
		attributeTreeOffset: offset,
	}
	if err := t.file.writeHeader(h); err != nil {
		return err
	}
	return t.file.sync()
}

// node returns the node with the given sequence number, from the latest
// branch when it is there and from the file otherwise. The caller holds mu.
func (t *historyTree) node(seq int32) (*htNode, error) {
	for _, n := range t.latestBranch {
		if n.seq == seq {
			return n, nil
		}
	}
	return t.file.readNode(seq)
}

// walk visits the nodes whose range contains ts, from the root down, until
// visit returns false.
func (t *historyTree) walk(ts int64, visit func(n *htNode) bool) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	node := t.latestBranch[0]
	for {
		if !visit(node) || node.typ != coreNode {
			return nil
		}
		seq, ok := node.childAt(ts)
		if !ok {
			return nil
		}
		next, err := t.node(seq)
		if err != nil {
			return err
		}
		node = next
	}
}

// query fills out, indexed by quark, with every interval containing ts.
func (t *historyTree) query(ts int64, out []*Interval) error {
	return t.walk(ts, func(n *htNode) bool {
		n.fillSnapshot(out, ts)
		return true
	})
}

// querySingle returns the interval of q containing ts, or nil.
func (t *historyTree) querySingle(ts int64, q Quark) (*Interval, error) {
	var found *Interval
	err := t.walk(ts, func(n *htNode) bool {
		found = n.queryPoint(q, ts)
		return found == nil
	})
	return found, err
}

func (t *historyTree) close() error {
	return t.file.close()
}
