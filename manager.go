package horizondb

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type managerConfig struct {
	dataDir             string
	maxCachedPartitions int
	flushWorkers        int
	memorySoftCap       int
	memoryHardCap       int
	// maxLogSegments bounds the commit-log ring: beyond it, the
	// partitions pinning the oldest segments are force-flushed so their
	// segments become deletable.
	maxLogSegments int
	logger         *zap.Logger
}

type flushJob struct {
	partition *timeSeriesPartition
	force     bool
	done      chan error
}

// partitionManager owns the cache of live partitions, the flush worker
// pool, the global memory accounting and the commit-log retention
// watermark. Partitions talk to it only through channels.
type partitionManager struct {
	cfg     managerConfig
	catalog *bTree
	log     *commitLog
	logger  *zap.Logger

	memoryDeltaCh chan int
	segmentCh     chan struct{}
	flushCh       chan *timeSeriesPartition
	jobCh         chan flushJob
	closeCh       chan struct{}
	wg            sync.WaitGroup

	// mu guards the cache, the LRU order and flush dedup.
	mu       sync.Mutex
	cache    map[PartitionID]*list.Element
	lru      *list.List
	inflight map[PartitionID]bool

	// memMu guards the global gauge; writers over the hard cap wait on
	// memCond until flushes bring usage back under the soft cap.
	memMu    sync.Mutex
	memCond  *sync.Cond
	memUsage int
}

func newPartitionManager(cfg managerConfig, catalog *bTree, log *commitLog) *partitionManager {
	m := &partitionManager{
		cfg:           cfg,
		catalog:       catalog,
		log:           log,
		logger:        cfg.logger,
		memoryDeltaCh: make(chan int, 1024),
		segmentCh:     make(chan struct{}, 1),
		flushCh:       make(chan *timeSeriesPartition, 256),
		jobCh:         make(chan flushJob, 256),
		closeCh:       make(chan struct{}),
		cache:         make(map[PartitionID]*list.Element),
		lru:           list.New(),
		inflight:      make(map[PartitionID]bool),
	}
	m.memCond = sync.NewCond(&m.memMu)

	m.wg.Add(1)
	go m.monitor()
	for i := 0; i < cfg.flushWorkers; i++ {
		m.wg.Add(1)
		go m.flushWorker()
	}
	return m
}

func (m *partitionManager) close() {
	close(m.closeCh)
	m.wg.Wait()
	m.memCond.Broadcast()
}

// partition returns the live partition for the given id, constructing and
// caching it on a miss. With create set, an id the catalogue has never
// seen is registered with empty metadata, which is how partitions come to
// exist on first write.
func (m *partitionManager) partition(id PartitionID, def TimeSeriesDefinition, create bool) (*timeSeriesPartition, error) {
	m.mu.Lock()
	if el, ok := m.cache[id]; ok {
		m.lru.MoveToFront(el)
		p := el.Value.(*timeSeriesPartition)
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()

	meta, found, err := m.catalog.Get(id)
	if err != nil {
		return nil, err
	}
	if !found {
		if !create {
			return nil, fmt.Errorf("partition %s not found", id)
		}
		meta = PartitionMetaData{Range: id.Range}
		if err := m.catalog.Insert(id, meta); err != nil {
			return nil, fmt.Errorf("failed to register partition %s: %w", id, err)
		}
	}

	p, err := newTimeSeriesPartition(id, def, m.cfg.dataDir, meta, m.log, m.logger,
		m.memoryDeltaCh, m.segmentCh, m.flushCh)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.cache[id]; ok {
		// Lost the race; use the winner.
		m.lru.MoveToFront(el)
		return el.Value.(*timeSeriesPartition), nil
	}
	m.cache[id] = m.lru.PushFront(p)
	m.evictLocked()
	return p, nil
}

// evictLocked drops least-recently-used partitions over the cache cap.
// A partition still holding non-flushed data is never evicted.
func (m *partitionManager) evictLocked() {
	for el := m.lru.Back(); el != nil && m.lru.Len() > m.cfg.maxCachedPartitions; {
		prev := el.Prev()
		p := el.Value.(*timeSeriesPartition)
		if _, pinned := p.firstNonFlushedSegment(); !pinned {
			m.lru.Remove(el)
			delete(m.cache, p.id)
			m.logger.Debug("evicted partition", zap.Stringer("partition", p.id))
		}
		el = prev
	}
}

// cachedPartitions snapshots the live partitions.
func (m *partitionManager) cachedPartitions() []*timeSeriesPartition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*timeSeriesPartition, 0, m.lru.Len())
	for el := m.lru.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*timeSeriesPartition))
	}
	return out
}

// save persists partition metadata into the catalogue. The B+tree
// serialises manifest publication internally; besides this path, only
// partition writes to the catalogue, when it registers a new partition.
func (m *partitionManager) save(id PartitionID, md PartitionMetaData) error {
	return m.catalog.Insert(id, md)
}

// waitForMemory applies backpressure: writers block while the global gauge
// sits at or above the hard cap.
func (m *partitionManager) waitForMemory() {
	m.memMu.Lock()
	defer m.memMu.Unlock()
	for m.memUsage >= m.cfg.memoryHardCap {
		select {
		case <-m.closeCh:
			return
		default:
		}
		m.memCond.Wait()
	}
}

// monitor drains the partition channels: it maintains the memory gauge,
// reacts to pressure, recomputes the retention watermark and dispatches
// flush requests.
func (m *partitionManager) monitor() {
	defer m.wg.Done()
	for {
		select {
		case d := <-m.memoryDeltaCh:
			m.applyMemoryDelta(d)
		case <-m.segmentCh:
			m.updateRetention()
		case p := <-m.flushCh:
			m.enqueueFlush(p, false, nil)
		case <-m.closeCh:
			return
		}
	}
}

func (m *partitionManager) applyMemoryDelta(d int) {
	m.memMu.Lock()
	m.memUsage += d
	usage := m.memUsage
	if usage < m.cfg.memorySoftCap {
		m.memCond.Broadcast()
	}
	m.memMu.Unlock()

	if usage <= m.cfg.memorySoftCap {
		return
	}
	// Over the soft cap: flush the partition with the largest footprint.
	var largest *timeSeriesPartition
	for _, p := range m.cachedPartitions() {
		if largest == nil || p.memoryUsage() > largest.memoryUsage() {
			largest = p
		}
	}
	if largest != nil && largest.memoryUsage() > 0 {
		m.logger.Debug("memory over soft cap, flushing largest partition",
			zap.Int("usage", usage), zap.Stringer("partition", largest.id))
		m.enqueueFlush(largest, true, nil)
	}
}

// updateRetention deletes commit-log segments no live partition references
// and, when the segment ring is over its cap, force-flushes the partitions
// pinning the tail so the next pass can reclaim it.
func (m *partitionManager) updateRetention() {
	watermark := m.log.currentSegment.Load()
	for _, p := range m.cachedPartitions() {
		if seg, ok := p.firstNonFlushedSegment(); ok && seg < watermark {
			watermark = seg
		}
	}
	if err := m.log.deleteSegmentsBelow(watermark); err != nil {
		m.logger.Warn("failed to delete commit log segments", zap.Error(err))
	}

	if m.cfg.maxLogSegments > 0 {
		excess := m.log.currentSegment.Load() - watermark - int64(m.cfg.maxLogSegments)
		if excess > 0 {
			// Off the monitor goroutine: forceFlush waits on partition
			// mutexes.
			target := watermark + excess
			go func() {
				if err := m.forceFlush(target); err != nil {
					m.logger.Warn("failed to force flush for log retention",
						zap.Int64("segment", target), zap.Error(err))
				}
			}()
		}
	}
}

// enqueueFlush schedules a flush; duplicate requests for a partition
// already queued collapse unless a completion is awaited or the flush is
// forced.
func (m *partitionManager) enqueueFlush(p *timeSeriesPartition, force bool, done chan error) {
	m.mu.Lock()
	if m.inflight[p.id] && done == nil && !force {
		m.mu.Unlock()
		return
	}
	m.inflight[p.id] = true
	m.mu.Unlock()

	job := flushJob{partition: p, force: force, done: done}
	select {
	case m.jobCh <- job:
	default:
		if done == nil {
			// Queue is full and nobody is waiting: drop it. The
			// partition requests again when a later write leaves its
			// last mem-series full.
			m.mu.Lock()
			delete(m.inflight, p.id)
			m.mu.Unlock()
			return
		}
		// Never run the flush on the monitor goroutine: it must stay
		// free of partition mutexes.
		go m.runFlush(job)
	}
}

func (m *partitionManager) flushWorker() {
	defer m.wg.Done()
	for {
		select {
		case job := <-m.jobCh:
			m.runFlush(job)
		case <-m.closeCh:
			return
		}
	}
}

// runFlush executes one flush with bounded exponential backoff around
// transient I/O failures.
func (m *partitionManager) runFlush(job flushJob) {
	var err error
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 4
		}
		if err = job.partition.flush(job.force, m.save); err == nil {
			break
		}
		m.logger.Warn("flush attempt failed",
			zap.Stringer("partition", job.partition.id),
			zap.Int("attempt", attempt+1), zap.Error(err))
	}

	m.mu.Lock()
	delete(m.inflight, job.partition.id)
	m.mu.Unlock()

	if job.done != nil {
		job.done <- err
	} else if err != nil {
		m.logger.Error("giving up on flush", zap.Stringer("partition", job.partition.id), zap.Error(err))
	}
}

// forceFlush flushes every partition whose first non-flushed segment is at
// or below the given id and waits for completion. It gates commit-log
// segment deletion.
func (m *partitionManager) forceFlush(segmentID int64) error {
	var targets []*timeSeriesPartition
	for _, p := range m.cachedPartitions() {
		if seg, ok := p.firstNonFlushedSegment(); ok && seg <= segmentID {
			targets = append(targets, p)
		}
	}
	return m.awaitFlushes(targets)
}

// flushAll force-flushes every live partition, used on shutdown.
func (m *partitionManager) flushAll() error {
	return m.awaitFlushes(m.cachedPartitions())
}

func (m *partitionManager) awaitFlushes(targets []*timeSeriesPartition) error {
	var g errgroup.Group
	for _, p := range targets {
		p := p
		g.Go(func() error {
			done := make(chan error, 1)
			m.enqueueFlush(p, true, done)
			return <-done
		})
	}
	return g.Wait()
}

// partitionsFor locates, in range order, every partition of the series
// overlapping the given set, scanning the catalogue B+tree.
func (m *partitionManager) partitionsFor(db string, def TimeSeriesDefinition, rangeSet RangeSet) ([]*timeSeriesPartition, error) {
	bounds, ok := rangeSet.Bounds()
	if !ok {
		return nil, nil
	}
	from := PartitionID{Database: db, Series: def.Name, Range: def.partitionRange(bounds.Lower)}
	to := PartitionID{Database: db, Series: def.Name, Range: TimeRange{Lower: bounds.Upper}}

	var out []*timeSeriesPartition
	it := m.catalog.RangeIterator(from, to)
	for it.Next() {
		id := it.Key()
		if !rangeSet.Overlaps(id.Range) {
			continue
		}
		p, err := m.partition(id, def, false)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
