package statehistory

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

type nodeType uint8

const (
	coreNode nodeType = 1
	leafNode nodeType = 2
)

func (t nodeType) String() string {
	switch t {
	case coreNode:
		return "core"
	case leafNode:
		return "leaf"
	default:
		return fmt.Sprintf("nodeType(%d)", uint8(t))
	}
}

// commonHeaderSize is type(1) + start(8) + end(8) + seq(4) + parentSeq(4) +
// intervalCount(4) + stringSectionOffset(4) + reserved(1).
const commonHeaderSize = 34

// nodeConfig is the block geometry shared by every node of a tree.
type nodeConfig struct {
	blockSize   int
	maxChildren int
}

func (c nodeConfig) headerSize(t nodeType) int {
	if t == coreNode {
		return commonHeaderSize + 4 + c.maxChildren*4 + c.maxChildren*8
	}
	return commonHeaderSize
}

// htNode is one fixed-size block of the history tree. A node is filled by the
// single writer until it is closed and is immutable afterwards.
type htNode struct {
	cfg nodeConfig
	typ nodeType

	mu                    sync.RWMutex
	seq                   int32
	parentSeq             int32
	start                 int64
	end                   int64
	intervals             []*Interval
	sizeOfIntervalSection int
	stringSectionOffset   int
	closed                bool

	children   []int32
	childStart []int64
}

func newNode(cfg nodeConfig, typ nodeType, seq, parentSeq int32, start int64) *htNode {
	n := &htNode{
		cfg:                 cfg,
		typ:                 typ,
		seq:                 seq,
		parentSeq:           parentSeq,
		start:               start,
		end:                 start,
		stringSectionOffset: cfg.blockSize,
	}
	if typ == coreNode {
		n.children = make([]int32, 0, cfg.maxChildren)
		n.childStart = make([]int64, 0, cfg.maxChildren)
	}
	return n
}

func (n *htNode) headerSize() int {
	return n.cfg.headerSize(n.typ)
}

// freeSpace returns the bytes left between the interval section and the
// string section.
func (n *htNode) freeSpace() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.freeSpaceLocked()
}

func (n *htNode) freeSpaceLocked() int {
	return n.stringSectionOffset - (n.headerSize() + n.sizeOfIntervalSection)
}

// addInterval appends iv. The caller must have checked that iv fits.
func (n *htNode) addInterval(iv *Interval) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		panic(fmt.Sprintf("statehistory: add interval to closed node %d", n.seq))
	}
	if iv.EncodedSize() > n.freeSpaceLocked() {
		panic(fmt.Sprintf("statehistory: interval of %d bytes does not fit node %d (%d free)",
			iv.EncodedSize(), n.seq, n.freeSpaceLocked()))
	}
	n.intervals = append(n.intervals, iv)
	n.sizeOfIntervalSection += iv.recordSize()
	n.stringSectionOffset -= iv.Value.stringSize()
}

// close fixes the node end time and freezes the node.
func (n *htNode) close(end int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		panic(fmt.Sprintf("statehistory: node %d closed twice", n.seq))
	}
	if end < n.start {
		panic(fmt.Sprintf("statehistory: node %d closed at %d before its start %d", n.seq, end, n.start))
	}
	sort.SliceStable(n.intervals, func(i, j int) bool {
		return n.intervals[i].End < n.intervals[j].End
	})
	n.end = end
	n.closed = true
}

func (n *htNode) isClosed() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.closed
}

func (n *htNode) endTime() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.end
}

func (n *htNode) intervalCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.intervals)
}

// addChild links child as the latest child of a core node.
func (n *htNode) addChild(child *htNode) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.typ != coreNode {
		panic(fmt.Sprintf("statehistory: add child to leaf node %d", n.seq))
	}
	if len(n.children) >= n.cfg.maxChildren {
		panic(fmt.Sprintf("statehistory: core node %d is full", n.seq))
	}
	n.children = append(n.children, child.seq)
	n.childStart = append(n.childStart, child.start)
}

func (n *htNode) childCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.children)
}

func (n *htNode) isFull() bool {
	return n.childCount() >= n.cfg.maxChildren
}

func (n *htNode) latestChild() int32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.children[len(n.children)-1]
}

// childAt returns the child with the greatest start time not after t.
func (n *htNode) childAt(t int64) (int32, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	i := sort.Search(len(n.childStart), func(i int) bool { return n.childStart[i] > t })
	if i == 0 {
		return 0, false
	}
	return n.children[i-1], true
}

// queryPoint returns the interval of quark q containing t, or nil.
func (n *htNode) queryPoint(q Quark, t int64) *Interval {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, iv := range n.intervals {
		if iv.Quark == q && iv.Contains(t) {
			return iv
		}
	}
	return nil
}

// fillSnapshot stores every interval containing t into out, indexed by quark.
func (n *htNode) fillSnapshot(out []*Interval, t int64) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, iv := range n.intervals {
		if iv.Contains(t) && int(iv.Quark) < len(out) && iv.Quark >= 0 {
			out[iv.Quark] = iv
		}
	}
}

// writeTo serializes the node into buf, which must be one block long.
func (n *htNode) writeTo(buf []byte) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if len(buf) != n.cfg.blockSize {
		return fmt.Errorf("node %d: buffer of %d bytes for block size %d", n.seq, len(buf), n.cfg.blockSize)
	}
	clear(buf)

	le := binary.LittleEndian
	buf[0] = byte(n.typ)
	le.PutUint64(buf[1:], uint64(n.start))
	le.PutUint64(buf[9:], uint64(n.end))
	le.PutUint32(buf[17:], uint32(n.seq))
	le.PutUint32(buf[21:], uint32(n.parentSeq))
	le.PutUint32(buf[25:], uint32(len(n.intervals)))
	le.PutUint32(buf[29:], uint32(n.stringSectionOffset))
	buf[33] = 1

	if n.typ == coreNode {
		p := commonHeaderSize
		le.PutUint32(buf[p:], uint32(len(n.children)))
		p += 4
		for i, c := range n.children {
			le.PutUint32(buf[p+i*4:], uint32(c))
		}
		p += n.cfg.maxChildren * 4
		for i, s := range n.childStart {
			le.PutUint64(buf[p+i*8:], uint64(s))
		}
	}

	pos, stringEnd := n.headerSize(), n.cfg.blockSize
	for _, iv := range n.intervals {
		stringEnd = iv.encode(buf, pos, stringEnd)
		pos += iv.recordSize()
	}
	if stringEnd != n.stringSectionOffset {
		return fmt.Errorf("node %d: string section at %d, expected %d", n.seq, stringEnd, n.stringSectionOffset)
	}
	return nil
}

// readNode parses a block written by writeTo. The node comes back closed.
func readNode(buf []byte, cfg nodeConfig) (*htNode, error) {
	if len(buf) != cfg.blockSize || len(buf) < commonHeaderSize {
		return nil, fmt.Errorf("block of %d bytes for block size %d: %w", len(buf), cfg.blockSize, ErrCorruptHistory)
	}
	le := binary.LittleEndian
	typ := nodeType(buf[0])
	if typ != coreNode && typ != leafNode {
		return nil, fmt.Errorf("unknown node type %d: %w", buf[0], ErrCorruptHistory)
	}
	n := newNode(cfg, typ, int32(le.Uint32(buf[17:])), int32(le.Uint32(buf[21:])), int64(le.Uint64(buf[1:])))
	n.end = int64(le.Uint64(buf[9:]))
	count := int(int32(le.Uint32(buf[25:])))
	n.stringSectionOffset = int(int32(le.Uint32(buf[29:])))
	if count < 0 || n.stringSectionOffset > cfg.blockSize || n.stringSectionOffset < n.headerSize() {
		return nil, fmt.Errorf("node %d: invalid header: %w", n.seq, ErrCorruptHistory)
	}
	if maxCount := (n.stringSectionOffset - n.headerSize()) / intervalFixedSize; count > maxCount {
		return nil, fmt.Errorf("node %d: %d intervals, at most %d fit: %w", n.seq, count, maxCount, ErrCorruptHistory)
	}

	if typ == coreNode {
		p := commonHeaderSize
		childCount := int(int32(le.Uint32(buf[p:])))
		if childCount < 0 || childCount > cfg.maxChildren {
			return nil, fmt.Errorf("node %d: %d children: %w", n.seq, childCount, ErrCorruptHistory)
		}
		p += 4
		for i := 0; i < childCount; i++ {
			n.children = append(n.children, int32(le.Uint32(buf[p+i*4:])))
		}
		p += cfg.maxChildren * 4
		for i := 0; i < childCount; i++ {
			n.childStart = append(n.childStart, int64(le.Uint64(buf[p+i*8:])))
		}
	}

	pos := n.headerSize()
	n.intervals = make([]*Interval, 0, count)
	for i := 0; i < count; i++ {
		if pos >= n.stringSectionOffset {
			return nil, fmt.Errorf("node %d: interval section overruns strings: %w", n.seq, ErrCorruptHistory)
		}
		iv, size, err := decodeInterval(buf, pos)
		if err != nil {
			return nil, fmt.Errorf("node %d interval %d: %w", n.seq, i, err)
		}
		n.intervals = append(n.intervals, iv)
		n.sizeOfIntervalSection += size
		pos += size
	}
	n.closed = true
	return n, nil
}
