package horizondb

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testPartition struct {
	p    *timeSeriesPartition
	log  *commitLog
	meta map[PartitionID]PartitionMetaData
}

func newTestPartition(t *testing.T) *testPartition {
	t.Helper()
	dir := t.TempDir()
	l, err := openCommitLog(commitLogConfig{
		dir:          dir + "/commitlog",
		segmentSize:  1 << 20,
		syncInterval: time.Millisecond,
		batchBytes:   1,
		clock:        clock.New(),
		logger:       zap.NewNop(),
	})
	require.NoError(t, err)

	stop := make(chan struct{})
	memCh, segCh, flushCh := drainPartitionChannels(stop)
	id := testPartitionID()
	p, err := newTimeSeriesPartition(id, testDef(), dir, PartitionMetaData{Range: id.Range},
		l, zap.NewNop(), memCh, segCh, flushCh)
	require.NoError(t, err)

	tp := &testPartition{p: p, log: l, meta: make(map[PartitionID]PartitionMetaData)}
	t.Cleanup(func() {
		close(stop)
		l.Close()
	})
	return tp
}

func (tp *testPartition) save(id PartitionID, md PartitionMetaData) error {
	tp.meta[id] = md
	return nil
}

func (tp *testPartition) write(t *testing.T, records ...Record) {
	t.Helper()
	payload := marshalLogRecords(testDef(), "hdb", "trades", testPartitionID().Range.Lower, records)
	require.NoError(t, tp.p.write(records, payload))
}

func selectAll(t *testing.T, p *timeSeriesPartition) []Record {
	t.Helper()
	it, err := p.read(AllTime(), nil, nil)
	require.NoError(t, err)
	return collectRecords(t, it)
}

func TestPartitionWriteRead(t *testing.T) {
	tp := newTestPartition(t)
	records := []Record{
		tradeRecord(1000, 15000, 10),
		quoteRecord(1500, 14990, 15010),
		tradeRecord(2000, 15010, 12),
	}
	tp.write(t, records...)
	assert.Equal(t, records, selectAll(t, tp.p))
}

func TestPartitionRejectsOutOfOrderWrite(t *testing.T) {
	tp := newTestPartition(t)
	tp.write(t, tradeRecord(2000, 15000, 10))

	payload := marshalLogRecords(testDef(), "hdb", "trades", 0, []Record{tradeRecord(1000, 1, 1)})
	err := tp.p.write([]Record{tradeRecord(1000, 1, 1)}, payload)
	assert.ErrorIs(t, err, ErrInvalidRecord)
	assert.Len(t, selectAll(t, tp.p), 1, "a failed write leaves the partition unchanged")
}

func TestPartitionSnapshotIsolation(t *testing.T) {
	tp := newTestPartition(t)
	tp.write(t, tradeRecord(1000, 15000, 10))

	it, err := tp.p.read(AllTime(), nil, nil)
	require.NoError(t, err)

	tp.write(t, tradeRecord(2000, 15010, 11))

	// The iterator was constructed before the second write completed.
	assert.Len(t, collectRecords(t, it), 1)
	assert.Len(t, selectAll(t, tp.p), 2)
}

func TestPartitionFilters(t *testing.T) {
	tp := newTestPartition(t)
	tp.write(t,
		tradeRecord(1000, 15000, 10),
		quoteRecord(1001, 14990, 15010),
		tradeRecord(1002, 15010, 500),
	)

	it, err := tp.p.read(AllTime(),
		func(recordType int) bool { return recordType == 0 },
		func(r Record) bool { return r.Fields[2].Int >= 100 })
	require.NoError(t, err)
	got := collectRecords(t, it)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1002), got[0].Timestamp())
}

func TestPartitionRangeRead(t *testing.T) {
	tp := newTestPartition(t)
	tp.write(t,
		tradeRecord(1000, 15000, 10),
		tradeRecord(2000, 15001, 11),
		tradeRecord(3000, 15002, 12),
	)

	it, err := tp.p.read(NewRangeSet(TimeRange{Lower: 1500, Upper: 2500}), nil, nil)
	require.NoError(t, err)
	got := collectRecords(t, it)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2000), got[0].Timestamp())
}

func TestPartitionFlush(t *testing.T) {
	tp := newTestPartition(t)
	records := []Record{tradeRecord(1000, 15000, 10), tradeRecord(2000, 15010, 11)}
	tp.write(t, records...)

	require.NoError(t, tp.p.flush(true, tp.save))

	e := tp.p.elements.Load()
	assert.Empty(t, e.mems, "force flush folds every mem-series into the file")
	assert.Greater(t, e.file.size, int64(0))
	assert.Equal(t, 0, tp.p.memoryUsage())

	_, pinned := tp.p.firstNonFlushedSegment()
	assert.False(t, pinned)

	md, ok := tp.meta[tp.p.id]
	require.True(t, ok, "flush must save metadata")
	assert.Equal(t, e.file.size, md.FileSize)
	assert.NotEmpty(t, md.BlockPositions)

	// Data remains readable from the file.
	assert.Equal(t, records, selectAll(t, tp.p))

	// Writes keep working after the slab was released.
	tp.write(t, tradeRecord(3000, 15020, 12))
	assert.Len(t, selectAll(t, tp.p), 3)
}

func TestPartitionReplayIdempotence(t *testing.T) {
	tp := newTestPartition(t)
	records := []Record{tradeRecord(1000, 15000, 10)}
	tp.write(t, records...)

	last, ok := tp.p.elements.Load().lastReplayPosition()
	require.True(t, ok)

	// Replaying at or before the persisted position is ignored.
	require.NoError(t, tp.p.replayWrite(records, last))
	assert.Len(t, selectAll(t, tp.p), 1)

	// A later position applies.
	later := ReplayPosition{Segment: last.Segment, Offset: last.Offset + 1000}
	require.NoError(t, tp.p.replayWrite([]Record{tradeRecord(2000, 15001, 11)}, later))
	assert.Len(t, selectAll(t, tp.p), 2)
}

func TestPartitionFirstNonFlushedSegment(t *testing.T) {
	tp := newTestPartition(t)
	_, ok := tp.p.firstNonFlushedSegment()
	assert.False(t, ok, "an empty partition pins nothing")

	tp.write(t, tradeRecord(1000, 15000, 10))
	seg, ok := tp.p.firstNonFlushedSegment()
	require.True(t, ok)
	assert.Equal(t, tp.log.currentSegment.Load(), seg)
}
