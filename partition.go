package horizondb

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// timeSeriesPartition owns one time range of one series: a data file plus
// the mem-series not yet flushed into it. It is the only writer-serialising
// component; reads are lock-free against the atomically swapped elements
// cell.
type timeSeriesPartition struct {
	id     PartitionID
	def    TimeSeriesDefinition
	log    *commitLog
	logger *zap.Logger

	// Channels owned by the manager. The partition never holds a manager
	// back-pointer: it emits flush requests and state-change signals and
	// the manager drains them.
	memoryDeltaCh chan<- int
	segmentCh     chan<- struct{}
	flushCh       chan<- *timeSeriesPartition

	// mu serialises writers and flushes. The slab allocator is only
	// touched while holding it.
	mu    sync.Mutex
	alloc *slabAllocator

	elements atomic.Pointer[timeSeriesElements]
}

func newTimeSeriesPartition(id PartitionID, def TimeSeriesDefinition, dataDir string,
	meta PartitionMetaData, log *commitLog, logger *zap.Logger,
	memoryDeltaCh chan<- int, segmentCh chan<- struct{}, flushCh chan<- *timeSeriesPartition) (*timeSeriesPartition, error) {

	file, err := openTimeSeriesFile(dataFilePath(dataDir, id, def.Unit), def, id, meta)
	if err != nil {
		return nil, err
	}
	p := &timeSeriesPartition{
		id:            id,
		def:           def,
		log:           log,
		logger:        logger,
		memoryDeltaCh: memoryDeltaCh,
		segmentCh:     segmentCh,
		flushCh:       flushCh,
		alloc:         newSlabAllocator(def.MemSeriesSize),
	}
	p.elements.Store(newTimeSeriesElements(def, file))
	return p, nil
}

// write appends the records, which must be sorted, schema-valid and inside
// the partition range. Validation runs before the commit-log append so a
// rejected batch never leaves a frame behind; the append itself happens
// under the partition mutex, so log positions and publish order agree, and
// the write publishes only after the log acknowledges durability.
func (p *timeSeriesPartition) write(records []Record, logPayload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.elements.Load()
	if err := checkAppendOrder(old, records); err != nil {
		return err
	}
	return p.apply(old, records, p.log.Append(logPayload))
}

// replayWrite re-applies a record batch read back from the commit log.
// A position at or before the newest position already held is ignored,
// which is what makes replay idempotent.
func (p *timeSeriesPartition) replayWrite(records []Record, pos ReplayPosition) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.elements.Load()
	if last, ok := old.lastReplayPosition(); ok && pos.Compare(last) <= 0 {
		return nil
	}
	if err := checkAppendOrder(old, records); err != nil {
		return err
	}
	return p.apply(old, records, resolvedFuture(pos))
}

// checkAppendOrder enforces append-time timestamp monotonicity within the
// partition: a batch must not start before the newest record already held.
func checkAppendOrder(e *timeSeriesElements, records []Record) error {
	if max, ok := e.maxTimestamp(); ok && records[0].Timestamp() < max {
		return fmt.Errorf("%w: timestamp %d is older than the partition's newest record %d",
			ErrInvalidRecord, records[0].Timestamp(), max)
	}
	return nil
}

func (p *timeSeriesPartition) apply(old *timeSeriesElements, records []Record, future *logFuture) error {
	newElements, err := old.write(p.alloc, records, future)
	if err != nil {
		return err
	}

	// Publish only after the records are durable in the log. With group
	// commit the wait is usually a no-op: a batched fsync already covered
	// this future.
	if _, err := future.wait(); err != nil {
		return fmt.Errorf("commit log append failed: %w", err)
	}

	p.elements.Store(newElements)
	p.notifyChanges(old, newElements)

	if mems := newElements.mems; len(mems) > 0 && mems[len(mems)-1].isFull() {
		p.logger.Debug("mem-series is full, requesting flush", zap.Stringer("partition", p.id))
		p.requestFlush()
	}
	return nil
}

func (p *timeSeriesPartition) notifyChanges(old, cur *timeSeriesElements) {
	if delta := cur.memoryUsage() - old.memoryUsage(); delta != 0 {
		p.memoryDeltaCh <- delta
	}
	oldSeg, oldOK := old.firstSegmentContainingNonPersistedData()
	newSeg, newOK := cur.firstSegmentContainingNonPersistedData()
	if oldOK != newOK || oldSeg != newSeg {
		select {
		case p.segmentCh <- struct{}{}:
		default:
		}
	}
}

// requestFlush enqueues the partition for flushing; duplicates collapse on
// the manager side.
func (p *timeSeriesPartition) requestFlush() {
	select {
	case p.flushCh <- p:
	default:
		// The queue is saturated and the request is dropped. The
		// partition asks again when a later write leaves its last
		// mem-series full; over the soft cap, the memory monitor also
		// flushes the largest partition.
	}
}

// read returns a lazy iterator over the records in the given ranges, file
// blocks first, then mem-series in order. It never blocks writers: the
// elements cell is loaded once, and the snapshot stays valid even if the
// partition is evicted or flushed concurrently.
func (p *timeSeriesPartition) read(rangeSet RangeSet, typeFilter RecordTypeFilter, filter RecordFilter) (RecordIterator, error) {
	if rangeSet.IsEmpty() || !rangeSet.Overlaps(p.id.Range) {
		return emptyIterator{}, nil
	}
	e := p.elements.Load()
	fileIn, err := e.file.newInput(rangeSet)
	if err != nil {
		return nil, err
	}
	var memBlocks []Block
	for _, m := range e.mems {
		memBlocks = append(memBlocks, m.overlappingBlocks(rangeSet)...)
	}
	return &partitionIterator{
		def:        p.def,
		rangeSet:   rangeSet,
		typeFilter: typeFilter,
		filter:     filter,
		fileIn:     fileIn,
		memBlocks:  memBlocks,
	}, nil
}

// flush folds the full mem-series into the file; forceFlush also seals and
// folds the open one and releases the slab afterwards. The new metadata is
// saved through the provided callback before the swap is published.
func (p *timeSeriesPartition) flush(force bool, save func(PartitionID, PartitionMetaData) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.elements.Load()
	var (
		newElements *timeSeriesElements
		err         error
	)
	if force {
		newElements, err = old.forceFlush()
	} else {
		newElements, err = old.flush()
	}
	if err != nil {
		return err
	}
	if newElements == old {
		p.logger.Debug("nothing to flush", zap.Stringer("partition", p.id))
		return nil
	}

	if err := save(p.id, newElements.file.metaData()); err != nil {
		return fmt.Errorf("failed to save metadata for %s: %w", p.id, err)
	}

	p.elements.Store(newElements)
	if force {
		p.alloc.release()
	}
	p.notifyChanges(old, newElements)
	p.logger.Debug("flushed partition",
		zap.Stringer("partition", p.id),
		zap.Int64("fileSize", newElements.file.size))
	return nil
}

// firstNonFlushedSegment returns the oldest commit-log segment holding data
// of this partition that is not yet on disk.
func (p *timeSeriesPartition) firstNonFlushedSegment() (int64, bool) {
	return p.elements.Load().firstSegmentContainingNonPersistedData()
}

func (p *timeSeriesPartition) memoryUsage() int {
	return p.elements.Load().memoryUsage()
}

// partitionIterator walks blocks (file first, then mems in order), decodes
// them on the fly and applies the range, type and record filters. A corrupt
// block poisons the remainder of the stream: delta decoding is stateful
// within a block, so nothing after the bad bytes can be trusted.
type partitionIterator struct {
	def        TimeSeriesDefinition
	rangeSet   RangeSet
	typeFilter RecordTypeFilter
	filter     RecordFilter

	fileIn    *fileInput
	memBlocks []Block
	cur       *blockIterator
	rec       Record
	err       error
	closed    bool
}

func (it *partitionIterator) Next() bool {
	if it.err != nil || it.closed {
		return false
	}
	for {
		if it.cur != nil {
			for it.cur.Next() {
				r := it.cur.Record()
				if !it.rangeSet.Contains(r.Timestamp()) {
					continue
				}
				if it.typeFilter != nil && !it.typeFilter(r.Type) {
					continue
				}
				if it.filter != nil && !it.filter(r) {
					continue
				}
				it.rec = r
				return true
			}
			if err := it.cur.Err(); err != nil {
				it.err = err
				return false
			}
			it.cur = nil
		}
		b, ok, err := it.nextBlock()
		if err != nil {
			it.err = err
			return false
		}
		if !ok {
			return false
		}
		it.cur = newBlockIterator(it.def, b)
	}
}

func (it *partitionIterator) nextBlock() (Block, bool, error) {
	if it.fileIn != nil {
		b, ok, err := it.fileIn.next()
		if err != nil || ok {
			return b, ok, err
		}
		it.fileIn.close()
		it.fileIn = nil
	}
	if len(it.memBlocks) > 0 {
		b := it.memBlocks[0]
		it.memBlocks = it.memBlocks[1:]
		return b, true, nil
	}
	return Block{}, false, nil
}

func (it *partitionIterator) Record() Record { return it.rec }
func (it *partitionIterator) Err() error     { return it.err }

func (it *partitionIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	if it.fileIn != nil {
		return it.fileIn.close()
	}
	return nil
}
