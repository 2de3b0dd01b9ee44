package horizondb

import (
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xiashuijun/horizondb/internal/encoding"
)

// The partition catalogue is an on-disk copy-on-write B+tree mapping
// PartitionID to PartitionMetaData. Inserts never touch a published page:
// every modified node is written to a fresh page and the new root becomes
// visible only when a manifest trailer lands in the manifest file. Readers
// capture the root offset once and descend immutable pages, so they never
// block on writers.
const (
	btreePageSize = 4096

	pageTagLeaf     = 1
	pageTagInternal = 2
	pageTagOverflow = 3
	pageTagFreeList = 4

	// Values above this size move into an overflow chain so nodes keep a
	// useful fanout.
	inlineValueLimit = 1024

	manifestTrailerLen = 28

	// nilOffset marks "no page": an empty tree root or the end of a chain.
	nilOffset = int64(-1)
)

// valueRef locates a leaf value: inline bytes, or the head of an overflow
// chain plus the total value length.
type valueRef struct {
	inline   []byte
	overflow int64
	length   int32
}

type leafEntry struct {
	key PartitionID
	ref valueRef
}

// treeNode is the in-memory form of a leaf or internal page.
type treeNode struct {
	leaf     bool
	entries  []leafEntry   // leaf only
	keys     []PartitionID // internal only: separator keys
	children []int64       // internal only: len(keys)+1 child offsets
}

type bTree struct {
	// mu serialises writers; readers go straight to the page file.
	mu sync.Mutex

	f        *os.File
	manifest *os.File
	logger   *zap.Logger

	rootOffset int64
	generation int64
	nextOffset int64
	// freePages are reusable now; pendingFree pages were orphaned by the
	// newest publish and stay quarantined for one generation, so a reader
	// that captured the previous root can still finish its descent.
	freePages     []int64
	pendingFree   []int64
	freeListPages []int64
	manifestSize  int64
}

// openBTree opens (or creates) the catalogue files and recovers the last
// published root by scanning the manifest backwards for a valid trailer.
func openBTree(treePath, manifestPath string, logger *zap.Logger) (*bTree, error) {
	f, err := os.OpenFile(treePath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", treePath, err)
	}
	manifest, err := os.OpenFile(manifestPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open %s: %w", manifestPath, err)
	}
	t := &bTree{
		f:          f,
		manifest:   manifest,
		logger:     logger,
		rootOffset: nilOffset,
	}
	if err := t.recover(); err != nil {
		f.Close()
		manifest.Close()
		return nil, err
	}
	return t, nil
}

func (t *bTree) Close() error {
	return multierr.Append(t.f.Close(), t.manifest.Close())
}

// recover locates the newest valid manifest trailer and loads the free
// list it references.
func (t *bTree) recover() error {
	info, err := t.f.Stat()
	if err != nil {
		return err
	}
	t.nextOffset = (info.Size() + btreePageSize - 1) / btreePageSize * btreePageSize

	mInfo, err := t.manifest.Stat()
	if err != nil {
		return err
	}
	t.manifestSize = mInfo.Size()

	freeListOffset := nilOffset
	for off := mInfo.Size() - manifestTrailerLen; off >= 0; off-- {
		buf := make([]byte, manifestTrailerLen)
		if _, err := t.manifest.ReadAt(buf, off); err != nil {
			continue
		}
		if encoding.UnmarshalUint32(buf[24:]) != crc32.ChecksumIEEE(buf[:24]) {
			continue
		}
		t.rootOffset = encoding.UnmarshalInt64(buf)
		freeListOffset = encoding.UnmarshalInt64(buf[8:])
		t.generation = encoding.UnmarshalInt64(buf[16:])
		break
	}

	for off := freeListOffset; off != nilOffset; {
		page, err := t.readPage(off)
		if err != nil {
			return fmt.Errorf("failed to read free list page: %w", err)
		}
		if page[0] != pageTagFreeList {
			return fmt.Errorf("%w: page at %d is not a free list page", ErrChecksumMismatch, off)
		}
		count := int(encoding.UnmarshalUint16(page[1:]))
		next := encoding.UnmarshalInt64(page[3:])
		for i := 0; i < count; i++ {
			t.freePages = append(t.freePages, encoding.UnmarshalInt64(page[11+8*i:]))
		}
		t.freeListPages = append(t.freeListPages, off)
		off = next
	}
	return nil
}

func (t *bTree) readPage(offset int64) ([]byte, error) {
	buf := make([]byte, btreePageSize)
	if _, err := t.f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("failed to read page at %d: %w", offset, err)
	}
	return buf, nil
}

func (t *bTree) writePage(offset int64, buf []byte) error {
	if len(buf) > btreePageSize {
		return fmt.Errorf("page overflow: %d bytes", len(buf))
	}
	page := make([]byte, btreePageSize)
	copy(page, buf)
	if _, err := t.f.WriteAt(page, offset); err != nil {
		return fmt.Errorf("failed to write page at %d: %w", offset, err)
	}
	return nil
}

// allocPage reuses a free page when one exists, otherwise extends the file.
func (t *bTree) allocPage() int64 {
	if n := len(t.freePages); n > 0 {
		off := t.freePages[n-1]
		t.freePages = t.freePages[:n-1]
		return off
	}
	off := t.nextOffset
	t.nextOffset += btreePageSize
	return off
}

// node (de)serialisation

func marshalNode(n *treeNode) []byte {
	buf := make([]byte, 0, btreePageSize)
	if n.leaf {
		buf = append(buf, pageTagLeaf)
		buf = encoding.MarshalUint16(buf, uint16(len(n.entries)))
		for _, e := range n.entries {
			buf = e.key.marshal(buf)
			if e.ref.overflow != nilOffset {
				buf = append(buf, 1)
				buf = encoding.MarshalInt64(buf, e.ref.overflow)
				buf = encoding.MarshalUint32(buf, uint32(e.ref.length))
			} else {
				buf = append(buf, 0)
				buf = encoding.MarshalBytes(buf, e.ref.inline)
			}
		}
		return buf
	}
	buf = append(buf, pageTagInternal)
	buf = encoding.MarshalUint16(buf, uint16(len(n.keys)))
	buf = encoding.MarshalInt64(buf, n.children[0])
	for i, k := range n.keys {
		buf = k.marshal(buf)
		buf = encoding.MarshalInt64(buf, n.children[i+1])
	}
	return buf
}

func unmarshalNode(page []byte) (*treeNode, error) {
	switch page[0] {
	case pageTagLeaf:
		count := int(encoding.UnmarshalUint16(page[1:]))
		pos := 3
		n := &treeNode{leaf: true, entries: make([]leafEntry, 0, count)}
		for i := 0; i < count; i++ {
			key, used, err := unmarshalPartitionID(page[pos:])
			if err != nil {
				return nil, err
			}
			pos += used
			ref := valueRef{overflow: nilOffset}
			switch page[pos] {
			case 1:
				pos++
				ref.overflow = encoding.UnmarshalInt64(page[pos:])
				ref.length = int32(encoding.UnmarshalUint32(page[pos+8:]))
				pos += 12
			default:
				pos++
				val, used, err := encoding.UnmarshalBytes(page[pos:])
				if err != nil {
					return nil, err
				}
				ref.inline = val
				pos += used
			}
			n.entries = append(n.entries, leafEntry{key: key, ref: ref})
		}
		return n, nil
	case pageTagInternal:
		count := int(encoding.UnmarshalUint16(page[1:]))
		n := &treeNode{
			keys:     make([]PartitionID, 0, count),
			children: make([]int64, 0, count+1),
		}
		n.children = append(n.children, encoding.UnmarshalInt64(page[3:]))
		pos := 11
		for i := 0; i < count; i++ {
			key, used, err := unmarshalPartitionID(page[pos:])
			if err != nil {
				return nil, err
			}
			pos += used
			n.keys = append(n.keys, key)
			n.children = append(n.children, encoding.UnmarshalInt64(page[pos:]))
			pos += 8
		}
		return n, nil
	default:
		return nil, fmt.Errorf("%w: unexpected page tag %d", ErrChecksumMismatch, page[0])
	}
}

func (t *bTree) readNode(offset int64) (*treeNode, error) {
	page, err := t.readPage(offset)
	if err != nil {
		return nil, err
	}
	return unmarshalNode(page)
}

// overflow chains

// writeOverflow stores val as a chain of overflow pages, back to front, and
// returns the head offset.
func (t *bTree) writeOverflow(val []byte) (int64, error) {
	const chunk = btreePageSize - 11 // tag(1) + next(8) + len(2)
	next := nilOffset
	for start := (len(val) - 1) / chunk * chunk; start >= 0; start -= chunk {
		part := val[start:]
		if len(part) > chunk {
			part = part[:chunk]
		}
		buf := make([]byte, 0, 11+len(part))
		buf = append(buf, pageTagOverflow)
		buf = encoding.MarshalInt64(buf, next)
		buf = encoding.MarshalUint16(buf, uint16(len(part)))
		buf = append(buf, part...)
		off := t.allocPage()
		if err := t.writePage(off, buf); err != nil {
			return nilOffset, err
		}
		next = off
	}
	return next, nil
}

func (t *bTree) readOverflow(head int64, length int32) ([]byte, error) {
	out := make([]byte, 0, length)
	for off := head; off != nilOffset; {
		page, err := t.readPage(off)
		if err != nil {
			return nil, err
		}
		if page[0] != pageTagOverflow {
			return nil, fmt.Errorf("%w: page at %d is not an overflow page", ErrChecksumMismatch, off)
		}
		next := encoding.UnmarshalInt64(page[1:])
		n := int(encoding.UnmarshalUint16(page[9:]))
		out = append(out, page[11:11+n]...)
		off = next
	}
	if int32(len(out)) != length {
		return nil, fmt.Errorf("%w: overflow chain length %d, want %d", ErrChecksumMismatch, len(out), length)
	}
	return out, nil
}

// overflowChainPages lists the page offsets of a chain, for freeing.
func (t *bTree) overflowChainPages(head int64) ([]int64, error) {
	var pages []int64
	for off := head; off != nilOffset; {
		page, err := t.readPage(off)
		if err != nil {
			return nil, err
		}
		pages = append(pages, off)
		off = encoding.UnmarshalInt64(page[1:])
	}
	return pages, nil
}

func (t *bTree) resolveValue(ref valueRef) (PartitionMetaData, error) {
	raw := ref.inline
	if ref.overflow != nilOffset {
		var err error
		raw, err = t.readOverflow(ref.overflow, ref.length)
		if err != nil {
			return PartitionMetaData{}, err
		}
	}
	var md PartitionMetaData
	if err := msgpack.Unmarshal(raw, &md); err != nil {
		return PartitionMetaData{}, fmt.Errorf("failed to decode partition metadata: %w", err)
	}
	return md, nil
}

// Get returns the metadata stored for the given id.
func (t *bTree) Get(id PartitionID) (PartitionMetaData, bool, error) {
	offset := t.snapshotRoot()
	for offset != nilOffset {
		n, err := t.readNode(offset)
		if err != nil {
			return PartitionMetaData{}, false, err
		}
		if !n.leaf {
			offset = n.children[childIndex(n.keys, id)]
			continue
		}
		for _, e := range n.entries {
			if c := e.key.Compare(id); c == 0 {
				md, err := t.resolveValue(e.ref)
				return md, err == nil, err
			} else if c > 0 {
				break
			}
		}
		return PartitionMetaData{}, false, nil
	}
	return PartitionMetaData{}, false, nil
}

func (t *bTree) snapshotRoot() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootOffset
}

// childIndex returns the child slot to descend into for the given key.
// Keys in children[i] are < keys[i]; keys[i] itself lives to the right.
func childIndex(keys []PartitionID, id PartitionID) int {
	i := 0
	for i < len(keys) && id.Compare(keys[i]) >= 0 {
		i++
	}
	return i
}

// Insert adds or replaces the metadata for the given id and atomically
// publishes the new root.
func (t *bTree) Insert(id PartitionID, md PartitionMetaData) error {
	raw, err := msgpack.Marshal(md)
	if err != nil {
		return fmt.Errorf("failed to encode partition metadata: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var orphans []int64
	ref := valueRef{inline: raw, overflow: nilOffset}
	if len(raw) > inlineValueLimit {
		head, err := t.writeOverflow(raw)
		if err != nil {
			return err
		}
		ref = valueRef{overflow: head, length: int32(len(raw))}
	}

	var newRoot int64
	if t.rootOffset == nilOffset {
		leaf := &treeNode{leaf: true, entries: []leafEntry{{key: id, ref: ref}}}
		newRoot, err = t.writeNode(leaf)
		if err != nil {
			return err
		}
	} else {
		splits, err := t.insertAt(t.rootOffset, id, ref, &orphans)
		if err != nil {
			return err
		}
		if len(splits) == 1 {
			newRoot = splits[0].offset
		} else {
			// Root split: grow the tree by one level.
			root := &treeNode{
				keys:     []PartitionID{splits[1].firstKey},
				children: []int64{splits[0].offset, splits[1].offset},
			}
			newRoot, err = t.writeNode(root)
			if err != nil {
				return err
			}
		}
	}

	if err := t.publish(newRoot, orphans); err != nil {
		return err
	}
	return nil
}

// splitResult names one node produced by a copy-on-write insert: its new
// page offset and the lowest key reachable under it.
type splitResult struct {
	firstKey PartitionID
	offset   int64
}

// insertAt performs the copy-on-write descent. It returns one or two nodes
// replacing the node at offset; two means the node split. Replaced pages
// are appended to orphans.
func (t *bTree) insertAt(offset int64, id PartitionID, ref valueRef, orphans *[]int64) ([]splitResult, error) {
	n, err := t.readNode(offset)
	if err != nil {
		return nil, err
	}
	*orphans = append(*orphans, offset)

	if n.leaf {
		i := 0
		for i < len(n.entries) && n.entries[i].key.Compare(id) < 0 {
			i++
		}
		if i < len(n.entries) && n.entries[i].key.Compare(id) == 0 {
			// Replacing a value frees its old overflow chain.
			if old := n.entries[i].ref; old.overflow != nilOffset {
				chain, err := t.overflowChainPages(old.overflow)
				if err != nil {
					return nil, err
				}
				*orphans = append(*orphans, chain...)
			}
			n.entries[i].ref = ref
		} else {
			n.entries = append(n.entries, leafEntry{})
			copy(n.entries[i+1:], n.entries[i:])
			n.entries[i] = leafEntry{key: id, ref: ref}
		}
		return t.writeSplit(n, orphans)
	}

	ci := childIndex(n.keys, id)
	childSplits, err := t.insertAt(n.children[ci], id, ref, orphans)
	if err != nil {
		return nil, err
	}
	n.children[ci] = childSplits[0].offset
	if len(childSplits) == 2 {
		n.keys = append(n.keys, PartitionID{})
		copy(n.keys[ci+1:], n.keys[ci:])
		n.keys[ci] = childSplits[1].firstKey
		n.children = append(n.children, 0)
		copy(n.children[ci+2:], n.children[ci+1:])
		n.children[ci+1] = childSplits[1].offset
	}
	return t.writeSplit(n, orphans)
}

// writeSplit writes n to fresh pages, splitting it in half first when its
// serialised form exceeds one page.
func (t *bTree) writeSplit(n *treeNode, orphans *[]int64) ([]splitResult, error) {
	if len(marshalNode(n)) <= btreePageSize {
		off, err := t.writeNode(n)
		if err != nil {
			return nil, err
		}
		return []splitResult{{firstKey: n.firstKey(), offset: off}}, nil
	}

	var left, right *treeNode
	if n.leaf {
		mid := len(n.entries) / 2
		left = &treeNode{leaf: true, entries: n.entries[:mid]}
		right = &treeNode{leaf: true, entries: n.entries[mid:]}
	} else {
		mid := len(n.keys) / 2
		// The middle key moves up: right's subtree lower bound is implied
		// by its first reachable key.
		left = &treeNode{keys: n.keys[:mid], children: n.children[:mid+1]}
		right = &treeNode{keys: n.keys[mid+1:], children: n.children[mid+1:]}
	}
	leftOff, err := t.writeNode(left)
	if err != nil {
		return nil, err
	}
	rightOff, err := t.writeNode(right)
	if err != nil {
		return nil, err
	}
	var rightFirst PartitionID
	if n.leaf {
		rightFirst = right.entries[0].key
	} else {
		rightFirst = n.keys[len(left.keys)]
	}
	return []splitResult{
		{firstKey: n.firstKey(), offset: leftOff},
		{firstKey: rightFirst, offset: rightOff},
	}, nil
}

func (n *treeNode) firstKey() PartitionID {
	if n.leaf {
		return n.entries[0].key
	}
	return n.keys[0]
}

func (t *bTree) writeNode(n *treeNode) (int64, error) {
	off := t.allocPage()
	if err := t.writePage(off, marshalNode(n)); err != nil {
		return nilOffset, err
	}
	return off, nil
}

// publish makes the new root durable: sync pages, persist the free list,
// append a manifest trailer, sync the manifest. Pages orphaned by the
// previous publish mature into the reusable set; this publish's orphans
// (including the old free-list chain) enter quarantine.
func (t *bTree) publish(newRoot int64, orphans []int64) error {
	matured := append(append([]int64(nil), t.freePages...), t.pendingFree...)
	pending := append(append([]int64(nil), orphans...), t.freeListPages...)
	free := append(append([]int64(nil), matured...), pending...)

	freeListOffset, chain, err := t.writeFreeList(free)
	if err != nil {
		return err
	}
	if err := t.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync catalogue pages: %w", err)
	}

	trailer := make([]byte, 0, manifestTrailerLen)
	trailer = encoding.MarshalInt64(trailer, newRoot)
	trailer = encoding.MarshalInt64(trailer, freeListOffset)
	trailer = encoding.MarshalInt64(trailer, t.generation+1)
	trailer = encoding.MarshalUint32(trailer, crc32.ChecksumIEEE(trailer))
	if _, err := t.manifest.WriteAt(trailer, t.manifestSize); err != nil {
		return fmt.Errorf("failed to append manifest trailer: %w", err)
	}
	if err := t.manifest.Sync(); err != nil {
		return fmt.Errorf("failed to sync manifest: %w", err)
	}

	t.manifestSize += manifestTrailerLen
	t.rootOffset = newRoot
	t.generation++
	t.freePages = matured
	t.pendingFree = pending
	t.freeListPages = chain
	return nil
}

// writeFreeList persists the free set as a chain of pages. The pages
// holding the chain are taken from the tail of the set and excluded from
// its serialised content.
func (t *bTree) writeFreeList(free []int64) (int64, []int64, error) {
	if len(free) == 0 {
		return nilOffset, nil, nil
	}
	const perPage = (btreePageSize - 11) / 8
	var chain []int64
	head := nilOffset
	for start := 0; start < len(free); start += perPage {
		end := start + perPage
		if end > len(free) {
			end = len(free)
		}
		buf := make([]byte, 0, btreePageSize)
		buf = append(buf, pageTagFreeList)
		buf = encoding.MarshalUint16(buf, uint16(end-start))
		buf = encoding.MarshalInt64(buf, head)
		for _, off := range free[start:end] {
			buf = encoding.MarshalInt64(buf, off)
		}
		off := t.nextOffset
		t.nextOffset += btreePageSize
		if err := t.writePage(off, buf); err != nil {
			return nilOffset, nil, err
		}
		chain = append(chain, off)
		head = off
	}
	return head, chain, nil
}

// RangeIterator yields the entries with from <= key <= to in ascending key
// order. The iterator captures the root at construction, so it keeps its
// position across concurrent inserts.
func (t *bTree) RangeIterator(from, to PartitionID) *bTreeIterator {
	it := &bTreeIterator{t: t, to: to}
	root := t.snapshotRoot()
	if root == nilOffset {
		return it
	}
	it.pushPath(root, from)
	return it
}

type iterFrame struct {
	node *treeNode
	idx  int
}

type bTreeIterator struct {
	t     *bTree
	to    PartitionID
	stack []iterFrame
	key   PartitionID
	value PartitionMetaData
	err   error
	done  bool
}

// pushPath descends towards the first key >= from, leaving every frame
// positioned at the child or entry to visit next.
func (it *bTreeIterator) pushPath(offset int64, from PartitionID) {
	for {
		n, err := it.t.readNode(offset)
		if err != nil {
			it.err = err
			return
		}
		if n.leaf {
			idx := 0
			for idx < len(n.entries) && n.entries[idx].key.Compare(from) < 0 {
				idx++
			}
			it.stack = append(it.stack, iterFrame{node: n, idx: idx})
			return
		}
		ci := childIndex(n.keys, from)
		it.stack = append(it.stack, iterFrame{node: n, idx: ci})
		offset = n.children[ci]
	}
}

func (it *bTreeIterator) Next() bool {
	if it.err != nil || it.done {
		return false
	}
	for len(it.stack) > 0 {
		top := &it.stack[len(it.stack)-1]
		if top.node.leaf {
			if top.idx < len(top.node.entries) {
				e := top.node.entries[top.idx]
				top.idx++
				if e.key.Compare(it.to) > 0 {
					it.done = true
					return false
				}
				md, err := it.t.resolveValue(e.ref)
				if err != nil {
					it.err = err
					return false
				}
				it.key, it.value = e.key, md
				return true
			}
			it.stack = it.stack[:len(it.stack)-1]
			continue
		}
		// Internal frame: idx is the child we last descended into;
		// advance to the next child, if any.
		top.idx++
		if top.idx >= len(top.node.children) {
			it.stack = it.stack[:len(it.stack)-1]
			continue
		}
		it.descendLeftmost(top.node.children[top.idx])
		if it.err != nil {
			return false
		}
	}
	it.done = true
	return false
}

func (it *bTreeIterator) descendLeftmost(offset int64) {
	for {
		n, err := it.t.readNode(offset)
		if err != nil {
			it.err = err
			return
		}
		if n.leaf {
			it.stack = append(it.stack, iterFrame{node: n, idx: 0})
			return
		}
		it.stack = append(it.stack, iterFrame{node: n, idx: 0})
		offset = n.children[0]
	}
}

func (it *bTreeIterator) Key() PartitionID         { return it.key }
func (it *bTreeIterator) Value() PartitionMetaData { return it.value }
func (it *bTreeIterator) Err() error               { return it.err }
