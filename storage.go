package horizondb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xiashuijun/horizondb/internal/encoding"
	"github.com/xiashuijun/horizondb/internal/timerpool"
)

const (
	defaultSegmentSize     = 8 << 20
	defaultSyncInterval    = 10 * time.Millisecond
	defaultBatchBytes      = 256 << 10
	defaultFlushWorkers    = 2
	defaultMaxPartitions   = 64
	defaultMemorySoftCap   = 32 << 20
	defaultMemoryHardCap   = 64 << 20
	defaultWriteTimeout    = 30 * time.Second
	defaultWriteConcurrent = 64
	defaultMaxLogSegments  = 16

	commitLogDirName    = "commitlog"
	catalogTreeFileName = "catalog.btree"
	catalogManifestName = "catalog.manifest"
	schemaCatalogName   = "catalog.defs"
)

// DB is the storage engine: durable, partitioned time-series storage with
// range-filtered reads.
type DB struct {
	dataDir string
	logger  *zap.Logger
	clock   clock.Clock

	segmentSize   int64
	syncInterval  time.Duration
	batchBytes    int
	truncateTail  bool
	flushWorkers  int
	maxPartitions int
	memorySoftCap int
	memoryHardCap int
	writeTimeout  time.Duration

	schema  *schemaCatalog
	catalog *bTree
	log     *commitLog
	manager *partitionManager

	// wg tracks in-flight writes so Close can drain them; the limit
	// channel bounds concurrent writers.
	wg             sync.WaitGroup
	workersLimitCh chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the structured logger; the default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(db *DB) { db.logger = logger }
}

// WithClock swaps the wall clock, letting tests drive the commit-log
// group-commit timer.
func WithClock(c clock.Clock) Option {
	return func(db *DB) { db.clock = c }
}

// WithSegmentSize sets the commit-log segment size in bytes.
func WithSegmentSize(n int64) Option {
	return func(db *DB) { db.segmentSize = n }
}

// WithSyncInterval sets the upper bound on how long an append waits for a
// group-commit fsync.
func WithSyncInterval(d time.Duration) Option {
	return func(db *DB) { db.syncInterval = d }
}

// WithMemoryCaps sets the soft and hard caps on in-memory data. Crossing
// the soft cap triggers flushes; at the hard cap writers block until
// flushes bring usage back down.
func WithMemoryCaps(soft, hard int) Option {
	return func(db *DB) {
		db.memorySoftCap = soft
		db.memoryHardCap = hard
	}
}

// WithFlushWorkers sets the size of the flush worker pool.
func WithFlushWorkers(n int) Option {
	return func(db *DB) { db.flushWorkers = n }
}

// WithMaxCachedPartitions bounds the partition cache.
func WithMaxCachedPartitions(n int) Option {
	return func(db *DB) { db.maxPartitions = n }
}

// WithTruncateCorruptTail makes startup discard a corrupt commit-log tail
// with a warning instead of failing.
func WithTruncateCorruptTail() Option {
	return func(db *DB) { db.truncateTail = true }
}

// WithWriteTimeout bounds how long a write waits for a free writer slot.
func WithWriteTimeout(d time.Duration) Option {
	return func(db *DB) { db.writeTimeout = d }
}

// Open opens the database rooted at dataPath, creating it when absent and
// replaying the commit log to recover any state the data files miss.
func Open(dataPath string, opts ...Option) (*DB, error) {
	if dataPath == "" {
		return nil, fmt.Errorf("data path is required")
	}
	db := &DB{
		dataDir:        dataPath,
		logger:         zap.NewNop(),
		clock:          clock.New(),
		segmentSize:    defaultSegmentSize,
		syncInterval:   defaultSyncInterval,
		batchBytes:     defaultBatchBytes,
		flushWorkers:   defaultFlushWorkers,
		maxPartitions:  defaultMaxPartitions,
		memorySoftCap:  defaultMemorySoftCap,
		memoryHardCap:  defaultMemoryHardCap,
		writeTimeout:   defaultWriteTimeout,
		workersLimitCh: make(chan struct{}, defaultWriteConcurrent),
		closed:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(db)
	}

	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to make data directory %s: %w", dataPath, err)
	}

	schema, err := openSchemaCatalog(filepath.Join(dataPath, schemaCatalogName))
	if err != nil {
		return nil, err
	}
	db.schema = schema

	catalog, err := openBTree(
		filepath.Join(dataPath, catalogTreeFileName),
		filepath.Join(dataPath, catalogManifestName),
		db.logger)
	if err != nil {
		return nil, err
	}
	db.catalog = catalog

	log, err := openCommitLog(commitLogConfig{
		dir:          filepath.Join(dataPath, commitLogDirName),
		segmentSize:  db.segmentSize,
		syncInterval: db.syncInterval,
		batchBytes:   db.batchBytes,
		truncateTail: db.truncateTail,
		clock:        db.clock,
		logger:       db.logger,
	})
	if err != nil {
		catalog.Close()
		return nil, err
	}
	db.log = log

	db.manager = newPartitionManager(managerConfig{
		dataDir:             dataPath,
		maxCachedPartitions: db.maxPartitions,
		flushWorkers:        db.flushWorkers,
		memorySoftCap:       db.memorySoftCap,
		memoryHardCap:       db.memoryHardCap,
		maxLogSegments:      defaultMaxLogSegments,
		logger:              db.logger,
	}, catalog, log)

	if err := db.replay(); err != nil {
		db.manager.close()
		log.Close()
		catalog.Close()
		return nil, err
	}
	return db, nil
}

// replay re-applies commit-log frames written before the current writer
// segment. Partitions ignore positions they already persisted, so replay
// over already-flushed data changes nothing.
func (db *DB) replay() error {
	below := db.log.currentSegment.Load()
	return replayCommitLog(filepath.Join(db.dataDir, commitLogDirName), ReplayPosition{}, below,
		db.truncateTail, db.logger,
		func(pos ReplayPosition, payload []byte) error {
			database, series, lower, records, err := unmarshalLogRecords(payload, db.schema.timeSeries)
			if err != nil {
				if errors.Is(err, ErrUnknownDatabase) || errors.Is(err, ErrUnknownTimeSeries) {
					// The definition is gone; nothing to route the
					// records to.
					db.logger.Warn("skipping commit log frame for unknown series", zap.Error(err))
					return nil
				}
				return err
			}
			def, err := db.schema.timeSeries(database, series)
			if err != nil {
				return err
			}
			id := PartitionID{Database: database, Series: series, Range: def.partitionRange(lower)}
			p, err := db.manager.partition(id, def, true)
			if err != nil {
				if errors.Is(err, ErrChecksumMismatch) {
					// A corrupt data file fails its own reads; it must
					// not keep the rest of the database from starting.
					db.logger.Warn("skipping replay into corrupt partition",
						zap.Stringer("partition", id), zap.Error(err))
					return nil
				}
				return err
			}
			if err := p.replayWrite(records, pos); err != nil {
				if errors.Is(err, ErrInvalidRecord) {
					// A frame whose batch never published (the write
					// failed after its log append) can be out of order
					// relative to later successful writes. Replay is
					// best effort for such frames.
					db.logger.Warn("skipping unappliable commit log frame",
						zap.Stringer("partition", id), zap.Error(err))
					return nil
				}
				return err
			}
			return nil
		})
}

// CreateDatabase registers a new database.
func (db *DB) CreateDatabase(def DatabaseDefinition) error {
	return db.schema.createDatabase(def)
}

// CreateTimeSeries registers a new time series within a database.
func (db *DB) CreateTimeSeries(database string, def TimeSeriesDefinition) error {
	return db.schema.createTimeSeries(database, def)
}

// Write appends records to a series. Records may span several partition
// ranges; they are split, logged and applied per partition. The call
// returns once every record is durable in the commit log.
func (db *DB) Write(database, series string, records []Record) error {
	if len(records) == 0 {
		return fmt.Errorf("%w: no records given", ErrInvalidRecord)
	}
	select {
	case <-db.closed:
		return fmt.Errorf("database closed")
	default:
	}
	db.wg.Add(1)
	defer db.wg.Done()

	// Bound concurrent writers so an ingest burst degrades into queueing
	// rather than memory exhaustion.
	select {
	case db.workersLimitCh <- struct{}{}:
	default:
		t := timerpool.Get(db.writeTimeout)
		select {
		case db.workersLimitCh <- struct{}{}:
			timerpool.Put(t)
		case <-t.C:
			timerpool.Put(t)
			return fmt.Errorf("failed to write records in %s: too many concurrent writers", db.writeTimeout)
		}
	}
	defer func() { <-db.workersLimitCh }()

	def, err := db.schema.timeSeries(database, series)
	if err != nil {
		return err
	}
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sortRecords(sorted)
	for _, r := range sorted {
		if err := def.validateRecord(r); err != nil {
			return err
		}
	}

	db.manager.waitForMemory()

	for start := 0; start < len(sorted); {
		rng := def.partitionRange(sorted[start].Timestamp())
		end := start + 1
		for end < len(sorted) && rng.Contains(sorted[end].Timestamp()) {
			end++
		}
		group := sorted[start:end]
		id := PartitionID{Database: database, Series: series, Range: rng}
		p, err := db.manager.partition(id, def, true)
		if err != nil {
			return err
		}
		payload := marshalLogRecords(def, database, series, rng.Lower, group)
		if err := p.write(group, payload); err != nil {
			return err
		}
		start = end
	}
	return nil
}

// Select returns a lazy iterator over the records of a series within the
// given ranges, in non-decreasing timestamp order. Both filters may be
// nil. The caller must Close the iterator.
func (db *DB) Select(database, series string, rangeSet RangeSet, typeFilter RecordTypeFilter, filter RecordFilter) (RecordIterator, error) {
	def, err := db.schema.timeSeries(database, series)
	if err != nil {
		return nil, err
	}
	if rangeSet.IsEmpty() {
		return emptyIterator{}, nil
	}
	partitions, err := db.manager.partitionsFor(database, def, rangeSet)
	if err != nil {
		return nil, err
	}
	return &multiPartitionIterator{
		partitions: partitions,
		rangeSet:   rangeSet,
		typeFilter: typeFilter,
		filter:     filter,
	}, nil
}

// Flush persists every live partition, including open mem-series.
func (db *DB) Flush() error {
	return db.manager.flushAll()
}

// Close drains writers, flushes everything and shuts the engine down.
func (db *DB) Close() error {
	var err error
	db.closeOnce.Do(func() {
		close(db.closed)
		db.wg.Wait()
		err = multierr.Append(err, db.manager.flushAll())
		db.manager.close()
		err = multierr.Append(err, db.log.Close())
		err = multierr.Append(err, db.catalog.Close())
	})
	return err
}

// multiPartitionIterator concatenates per-partition iterators in range
// order. Partition ranges never overlap, so concatenation preserves the
// global timestamp order.
type multiPartitionIterator struct {
	partitions []*timeSeriesPartition
	rangeSet   RangeSet
	typeFilter RecordTypeFilter
	filter     RecordFilter

	cur    RecordIterator
	rec    Record
	err    error
	closed bool
}

func (it *multiPartitionIterator) Next() bool {
	if it.err != nil || it.closed {
		return false
	}
	for {
		if it.cur != nil {
			if it.cur.Next() {
				it.rec = it.cur.Record()
				return true
			}
			if err := it.cur.Err(); err != nil {
				it.err = err
				return false
			}
			it.cur.Close()
			it.cur = nil
		}
		if len(it.partitions) == 0 {
			return false
		}
		p := it.partitions[0]
		it.partitions = it.partitions[1:]
		cur, err := p.read(it.rangeSet, it.typeFilter, it.filter)
		if err != nil {
			it.err = err
			return false
		}
		it.cur = cur
	}
}

func (it *multiPartitionIterator) Record() Record { return it.rec }
func (it *multiPartitionIterator) Err() error     { return it.err }

func (it *multiPartitionIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	if it.cur != nil {
		return it.cur.Close()
	}
	return nil
}

// Commit-log frame payload: a routing header followed by the record batch,
// self-contained for replay.
func marshalLogRecords(def TimeSeriesDefinition, database, series string, partitionLower int64, records []Record) []byte {
	buf := encoding.MarshalBytes(nil, []byte(database))
	buf = encoding.MarshalBytes(buf, []byte(series))
	buf = encoding.MarshalInt64(buf, partitionLower)
	buf = encoding.MarshalVarint(buf, uint64(len(records)))
	enc := newBlockEncoder(def)
	for _, r := range records {
		buf = enc.append(buf, r)
	}
	return buf
}

func unmarshalLogRecords(payload []byte, resolve func(database, series string) (TimeSeriesDefinition, error)) (string, string, int64, []Record, error) {
	database, n, err := encoding.UnmarshalBytes(payload)
	if err != nil {
		return "", "", 0, nil, fmt.Errorf("log record database: %w", err)
	}
	pos := n
	series, n, err := encoding.UnmarshalBytes(payload[pos:])
	if err != nil {
		return "", "", 0, nil, fmt.Errorf("log record series: %w", err)
	}
	pos += n
	if len(payload[pos:]) < 8 {
		return "", "", 0, nil, fmt.Errorf("log record: short buffer")
	}
	lower := encoding.UnmarshalInt64(payload[pos:])
	pos += 8
	count, n, err := encoding.UnmarshalVarint(payload[pos:])
	if err != nil {
		return "", "", 0, nil, fmt.Errorf("log record count: %w", err)
	}
	pos += n

	def, err := resolve(string(database), string(series))
	if err != nil {
		return "", "", 0, nil, err
	}
	last := def.newRecordVector()
	records := make([]Record, 0, count)
	for i := uint64(0); i < count; i++ {
		t, n, err := encoding.UnmarshalVarint(payload[pos:])
		if err != nil {
			return "", "", 0, nil, fmt.Errorf("log record type: %w", err)
		}
		if t >= uint64(len(last)) {
			return "", "", 0, nil, fmt.Errorf("%w: record type %d out of range", ErrInvalidRecord, t)
		}
		pos += n
		prev := last[t]
		fields := make([]Field, len(prev.Fields))
		for j := range prev.Fields {
			f, used, err := decodeFieldDelta(payload[pos:], prev.Fields[j].Kind, prev.Fields[j])
			if err != nil {
				return "", "", 0, nil, fmt.Errorf("log record field %d: %w", j, err)
			}
			fields[j] = f
			pos += used
		}
		rec := Record{Type: int(t), Fields: fields}
		last[t] = rec
		records = append(records, rec)
	}
	return string(database), string(series), lower, records, nil
}
