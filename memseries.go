package horizondb

import "fmt"

// openBlock is the block currently being appended to. Its region is a
// contiguous slice of the slab; appends extend used, so an older snapshot
// holding a smaller used still sees exactly the bytes it sealed over.
type openBlock struct {
	region []byte
	used   int
	count  int
	min    int64
	max    int64
}

func (o *openBlock) seal() Block {
	return sealBlock(o.region[:o.used:o.used], o.count, o.min, o.max)
}

// memTimeSeries is one immutable snapshot of the in-memory record buffer of
// a partition. A write never mutates a snapshot: it produces a new one that
// shares the sealed blocks and the slab regions of its predecessor.
type memTimeSeries struct {
	def    TimeSeriesDefinition
	sealed []Block
	open   *openBlock
	// enc carries the running last-record-per-type vector of the open
	// block. It is cloned on write so older snapshots stay untouched.
	enc *blockEncoder
	// first and last commit-log futures of the records held. Both are
	// resolved by the time a snapshot is published.
	first *logFuture
	last  *logFuture
	full  bool
	size  int
}

func newMemTimeSeries(def TimeSeriesDefinition) *memTimeSeries {
	return &memTimeSeries{def: def, enc: newBlockEncoder(def)}
}

func (m *memTimeSeries) clone() *memTimeSeries {
	n := *m
	n.sealed = m.sealed[:len(m.sealed):len(m.sealed)]
	if m.open != nil {
		o := *m.open
		n.open = &o
	}
	n.enc = &blockEncoder{def: m.def, last: append([]Record(nil), m.enc.last...)}
	return &n
}

func (m *memTimeSeries) empty() bool {
	return len(m.sealed) == 0 && m.open == nil
}

// blockCap is the number of blocks after which the mem-series is full.
func (m *memTimeSeries) blockCap() int {
	c := m.def.MemSeriesSize / m.def.BlockSize
	if c < 1 {
		c = 1
	}
	return c
}

func (m *memTimeSeries) blockCount() int {
	n := len(m.sealed)
	if m.open != nil {
		n++
	}
	return n
}

// isFull reports whether the mem-series should be flushed and no longer
// written to.
func (m *memTimeSeries) isFull() bool {
	return m.full || m.blockCount() >= m.blockCap()
}

// write appends as many of the records (already validated and in canonical
// order) as the slab can hold and returns the successor snapshot plus the
// records that did not fit. A non-empty remainder means the snapshot is
// sealed full; the caller rotates to a fresh mem-series on a fresh slab and
// writes the rest there.
func (m *memTimeSeries) write(alloc *slabAllocator, records []Record, future *logFuture) (*memTimeSeries, []Record, error) {
	n := m.clone()
	for i, r := range records {
		buf := n.enc.append(nil, r)
		if n.open != nil && n.open.used+len(buf) > len(n.open.region) {
			n.sealed = append(n.sealed, n.open.seal())
			n.open = nil
			n.enc.reset()
			buf = n.enc.append(nil, r)
		}
		if n.open == nil {
			need := n.def.BlockSize
			if len(buf) > need {
				need = len(buf)
			}
			region, err := alloc.allocate(need)
			if err != nil {
				if !n.empty() {
					n.full = true
					n.finish(future, i > 0)
					return n, records[i:], nil
				}
				// A brand-new mem-series gets a fresh slab rather
				// than reporting itself full before holding a byte.
				alloc.addSlab(need)
				region, err = alloc.allocate(need)
				if err != nil {
					return nil, nil, err
				}
			}
			n.open = &openBlock{region: region, min: r.Timestamp()}
		}
		copy(n.open.region[n.open.used:], buf)
		n.open.used += len(buf)
		n.open.count++
		n.open.max = r.Timestamp()
		n.size += len(buf)
	}
	n.finish(future, len(records) > 0)
	if n.blockCount() >= n.blockCap() {
		n.full = true
	}
	return n, nil, nil
}

func (m *memTimeSeries) finish(future *logFuture, appended bool) {
	if !appended {
		return
	}
	m.last = future
	if m.first == nil {
		m.first = future
	}
}

// sealFull marks the snapshot as full so no further write lands on it.
func (m *memTimeSeries) sealFull() *memTimeSeries {
	n := m.clone()
	n.full = true
	return n
}

// blocks returns every block of the snapshot in order, the open one sealed
// on the fly.
func (m *memTimeSeries) blocks() []Block {
	out := make([]Block, 0, m.blockCount())
	out = append(out, m.sealed...)
	if m.open != nil {
		out = append(out, m.open.seal())
	}
	return out
}

// overlappingBlocks returns the blocks whose closed range intersects the
// given set, in timestamp order.
func (m *memTimeSeries) overlappingBlocks(rangeSet RangeSet) []Block {
	out := make([]Block, 0, m.blockCount())
	for _, b := range m.blocks() {
		if rangeSet.OverlapsClosed(b.MinTimestamp, b.MaxTimestamp) {
			out = append(out, b)
		}
	}
	return out
}

// appendTo marshals every block compressed under codec, appending to dst.
// base is the file offset where dst[0] lands, so the returned positions are
// absolute file offsets.
func (m *memTimeSeries) appendTo(dst []byte, codec CompressionType, base int64) ([]byte, []BlockPosition, error) {
	positions := make([]BlockPosition, 0, m.blockCount())
	for _, b := range m.blocks() {
		compressed, err := b.compress(codec)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to compress block: %w", err)
		}
		start := base + int64(len(dst))
		dst = compressed.marshal(dst)
		positions = append(positions, BlockPosition{
			Range:  TimeRange{Lower: b.MinTimestamp, Upper: b.MaxTimestamp},
			Offset: start,
			Length: base + int64(len(dst)) - start,
		})
	}
	return dst, positions, nil
}

// minTimestamp returns the lowest timestamp held, or false when empty.
func (m *memTimeSeries) minTimestamp() (int64, bool) {
	if len(m.sealed) > 0 {
		return m.sealed[0].MinTimestamp, true
	}
	if m.open != nil {
		return m.open.min, true
	}
	return 0, false
}

// maxTimestamp returns the highest timestamp held, or false when empty.
func (m *memTimeSeries) maxTimestamp() (int64, bool) {
	if m.open != nil {
		return m.open.max, true
	}
	if len(m.sealed) > 0 {
		return m.sealed[len(m.sealed)-1].MaxTimestamp, true
	}
	return 0, false
}

// firstSegment returns the id of the first commit-log segment holding data
// of this snapshot, or false when the snapshot is empty.
func (m *memTimeSeries) firstSegment() (int64, bool) {
	if m.first == nil {
		return 0, false
	}
	pos, err := m.first.peek()
	if err != nil {
		return 0, false
	}
	return pos.Segment, true
}

// replayPosition returns the position of the last record held.
func (m *memTimeSeries) replayPosition() (ReplayPosition, bool) {
	if m.last == nil {
		return ReplayPosition{}, false
	}
	pos, err := m.last.peek()
	if err != nil {
		return ReplayPosition{}, false
	}
	return pos, true
}
