package horizondb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPartitionID() PartitionID {
	return PartitionID{
		Database: "hdb",
		Series:   "trades",
		Range:    TimeRange{Lower: 0, Upper: 3_600_000},
	}
}

func TestFileMetaDataRoundTrip(t *testing.T) {
	m := fileMetaData{database: "hdb", series: "trades", rng: TimeRange{Lower: 10, Upper: 20}}
	buf := m.marshal(nil)
	got, n, err := parseFileMetaData(buf)
	require.NoError(t, err)
	assert.Equal(t, m, got)
	assert.Equal(t, len(buf), n)
}

func TestFileMetaDataChecksum(t *testing.T) {
	m := fileMetaData{database: "hdb", series: "trades", rng: TimeRange{Lower: 10, Upper: 20}}
	buf := m.marshal(nil)
	for i := range buf {
		corrupted := append([]byte(nil), buf...)
		corrupted[i] ^= 0x01
		_, _, err := parseFileMetaData(corrupted)
		assert.Error(t, err, "tampering with byte %d must not parse", i)
	}
}

func newFlushedFile(t *testing.T, dir string, records []Record) (*timeSeriesFile, TimeSeriesDefinition) {
	t.Helper()
	def := testDef()
	id := testPartitionID()
	path := dataFilePath(dir, id, def.Unit)

	f, err := openTimeSeriesFile(path, def, id, PartitionMetaData{Range: id.Range})
	require.NoError(t, err)

	alloc := newSlabAllocator(def.MemSeriesSize)
	m, _, err := newMemTimeSeries(def).write(alloc, records, resolvedFuture(ReplayPosition{Segment: 1, Offset: 42}))
	require.NoError(t, err)

	next, err := f.append([]*memTimeSeries{m})
	require.NoError(t, err)
	return next, def
}

func TestTimeSeriesFileAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	records := []Record{
		tradeRecord(1000, 15000, 10),
		quoteRecord(1500, 14990, 15010),
		tradeRecord(2000, 15010, 12),
	}
	f, def := newFlushedFile(t, dir, records)

	assert.Greater(t, f.size, int64(0))
	require.NotEmpty(t, f.blockPositions)
	assert.True(t, f.hasReplayPos)
	assert.Equal(t, ReplayPosition{Segment: 1, Offset: 42}, f.replayPos)

	in, err := f.newInput(AllTime())
	require.NoError(t, err)
	var got []Record
	for {
		b, ok, err := in.next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, collectRecords(t, newBlockIterator(def, b))...)
	}
	require.NoError(t, in.close())
	assert.Equal(t, records, got)
}

func TestTimeSeriesFileSeeksPastUnmatchedBlocks(t *testing.T) {
	dir := t.TempDir()
	f, _ := newFlushedFile(t, dir, []Record{tradeRecord(1000, 15000, 10)})

	in, err := f.newInput(NewRangeSet(TimeRange{Lower: 5000, Upper: 6000}))
	require.NoError(t, err)
	_, ok, err := in.next()
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, in.close())
}

func TestTimeSeriesFileReopen(t *testing.T) {
	dir := t.TempDir()
	f, def := newFlushedFile(t, dir, []Record{tradeRecord(1000, 15000, 10)})
	meta := f.metaData()

	reopened, err := openTimeSeriesFile(f.path, def, testPartitionID(), meta)
	require.NoError(t, err)
	assert.Equal(t, f.size, reopened.size)
	assert.Equal(t, f.blockPositions, reopened.blockPositions)
}

func TestTimeSeriesFileHeaderCorruption(t *testing.T) {
	dir := t.TempDir()
	f, def := newFlushedFile(t, dir, []Record{tradeRecord(1000, 15000, 10)})
	meta := f.metaData()

	// Flip a byte inside the header's trailing CRC.
	raw, err := os.ReadFile(f.path)
	require.NoError(t, err)
	_, headerLen, err := parseFileMetaData(raw)
	require.NoError(t, err)
	raw[headerLen-1] ^= 0xFF
	require.NoError(t, os.WriteFile(f.path, raw, 0o644))

	_, err = openTimeSeriesFile(f.path, def, testPartitionID(), meta)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestTimeSeriesFileTruncatesTornAppend(t *testing.T) {
	dir := t.TempDir()
	f, def := newFlushedFile(t, dir, []Record{tradeRecord(1000, 15000, 10)})
	meta := f.metaData()

	// Simulate a torn flush: bytes on disk past the committed size.
	raw, err := os.ReadFile(f.path)
	require.NoError(t, err)
	raw = append(raw, []byte("torn garbage")...)
	require.NoError(t, os.WriteFile(f.path, raw, 0o644))

	reopened, err := openTimeSeriesFile(f.path, def, testPartitionID(), meta)
	require.NoError(t, err)
	assert.Equal(t, meta.FileSize, reopened.size)

	info, err := os.Stat(f.path)
	require.NoError(t, err)
	assert.Equal(t, meta.FileSize, info.Size())
}

func TestDataFilePath(t *testing.T) {
	id := testPartitionID()
	id.Range = TimeRange{Lower: 1_385_424_000_000, Upper: 1_385_510_400_000}
	path := dataFilePath("/data", id, Millisecond)
	assert.Equal(t, filepath.Join("/data", "hdb", "trades-1385424000000.ts"), path)
}
