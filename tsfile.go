package horizondb

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/xiashuijun/horizondb/internal/encoding"
)

const (
	dataFileMagic   = "HRZN"
	dataFileVersion = 1
)

// fileMetaData is the header of a time-series data file. The trailing CRC
// covers every preceding header byte, so any tampering with the header is
// caught before a single block is read.
type fileMetaData struct {
	database string
	series   string
	rng      TimeRange
}

func (m fileMetaData) marshal(dst []byte) []byte {
	start := len(dst)
	dst = append(dst, dataFileMagic...)
	dst = encoding.MarshalUint16(dst, dataFileVersion)
	dst = encoding.MarshalBytes(dst, []byte(m.database))
	dst = encoding.MarshalBytes(dst, []byte(m.series))
	dst = encoding.MarshalInt64(dst, m.rng.Lower)
	dst = encoding.MarshalInt64(dst, m.rng.Upper)
	return encoding.MarshalUint32(dst, crc32.ChecksumIEEE(dst[start:]))
}

// parseFileMetaData reads the header from the head of buf, returning it and
// the header length.
func parseFileMetaData(buf []byte) (fileMetaData, int, error) {
	var m fileMetaData
	if len(buf) < len(dataFileMagic)+2 {
		return m, 0, fmt.Errorf("file header: short buffer")
	}
	if string(buf[:len(dataFileMagic)]) != dataFileMagic {
		return m, 0, fmt.Errorf("file header: bad magic %q", buf[:len(dataFileMagic)])
	}
	pos := len(dataFileMagic)
	if v := encoding.UnmarshalUint16(buf[pos:]); v != dataFileVersion {
		return m, 0, fmt.Errorf("file header: unsupported version %d", v)
	}
	pos += 2
	db, n, err := encoding.UnmarshalBytes(buf[pos:])
	if err != nil {
		return m, 0, fmt.Errorf("file header database: %w", err)
	}
	pos += n
	series, n, err := encoding.UnmarshalBytes(buf[pos:])
	if err != nil {
		return m, 0, fmt.Errorf("file header series: %w", err)
	}
	pos += n
	if len(buf[pos:]) < 16+4 {
		return m, 0, fmt.Errorf("file header: short buffer")
	}
	m.database = string(db)
	m.series = string(series)
	m.rng.Lower = encoding.UnmarshalInt64(buf[pos:])
	m.rng.Upper = encoding.UnmarshalInt64(buf[pos+8:])
	pos += 16
	if got, want := encoding.UnmarshalUint32(buf[pos:]), crc32.ChecksumIEEE(buf[:pos]); got != want {
		return m, 0, fmt.Errorf("%w: file header: got crc %08x, want %08x", ErrChecksumMismatch, want, got)
	}
	return m, pos + 4, nil
}

// dataFilePath builds <data>/<database>/<series>-<rangeLowerMillis>.ts.
func dataFilePath(dataDir string, id PartitionID, unit TimestampUnit) string {
	name := fmt.Sprintf("%s-%d.ts", id.Series, unit.Millis(id.Range.Lower))
	return filepath.Join(dataDir, id.Database, name)
}

// timeSeriesFile is an immutable view over the committed bytes of a
// partition's append-only data file. An append produces a new view; readers
// holding the old one keep reading only the bytes it committed.
type timeSeriesFile struct {
	path string
	def  TimeSeriesDefinition
	meta fileMetaData
	// size is the committed length: bytes past it are a torn flush and are
	// truncated away at open.
	size           int64
	blockPositions []BlockPosition
	replayPos      ReplayPosition
	hasReplayPos   bool
}

// openTimeSeriesFile opens (or lazily creates) the data file of a
// partition. A non-empty file must carry a valid header matching the id;
// bytes past the catalogued size are truncated.
func openTimeSeriesFile(path string, def TimeSeriesDefinition, id PartitionID, meta PartitionMetaData) (*timeSeriesFile, error) {
	t := &timeSeriesFile{
		path: path,
		def:  def,
		meta: fileMetaData{database: id.Database, series: id.Series, rng: id.Range},
		size: meta.FileSize,
		blockPositions: append([]BlockPosition(nil), meta.BlockPositions...),
		replayPos:      meta.ReplayPosition,
		hasReplayPos:   meta.FileSize > 0,
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return t, nil
	}
	if meta.FileSize == 0 {
		// The first flush died before its metadata save; whatever made
		// it to disk, header included, was never committed.
		if err := os.Truncate(path, 0); err != nil {
			return nil, fmt.Errorf("failed to truncate %s: %w", path, err)
		}
		return t, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	head := make([]byte, min64(info.Size(), 64<<10))
	if _, err := io.ReadFull(f, head); err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	parsed, _, err := parseFileMetaData(head)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if parsed.database != id.Database || parsed.series != id.Series || parsed.rng != id.Range {
		return nil, fmt.Errorf("%s: header identifies %s.%s[%d, %d), want %s",
			path, parsed.database, parsed.series, parsed.rng.Lower, parsed.rng.Upper, id)
	}

	if info.Size() > meta.FileSize {
		// Bytes past the catalogued size never had their metadata saved.
		if err := os.Truncate(path, meta.FileSize); err != nil {
			return nil, fmt.Errorf("failed to truncate %s to %d: %w", path, meta.FileSize, err)
		}
	}
	return t, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// append folds the given mem-series into the file in order and returns the
// new view. The write is durably synced before the new view is returned.
func (t *timeSeriesFile) append(mems []*memTimeSeries) (*timeSeriesFile, error) {
	if len(mems) == 0 {
		return t, nil
	}
	buf := make([]byte, 0, t.def.MemSeriesSize)
	if t.size == 0 {
		buf = t.meta.marshal(buf)
	}
	positions := append([]BlockPosition(nil), t.blockPositions...)
	for _, m := range mems {
		var (
			memPositions []BlockPosition
			err          error
		)
		buf, memPositions, err = m.appendTo(buf, t.def.Compression, t.size)
		if err != nil {
			return nil, err
		}
		positions = append(positions, memPositions...)
	}

	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to make series directory: %w", err)
	}
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s for append: %w", t.path, err)
	}
	if _, err := f.WriteAt(buf, t.size); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to append to %s: %w", t.path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to sync %s: %w", t.path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close %s: %w", t.path, err)
	}

	next := &timeSeriesFile{
		path:           t.path,
		def:            t.def,
		meta:           t.meta,
		size:           t.size + int64(len(buf)),
		blockPositions: positions,
	}
	if pos, ok := mems[len(mems)-1].replayPosition(); ok {
		next.replayPos = pos
		next.hasReplayPos = true
	} else {
		next.replayPos = t.replayPos
		next.hasReplayPos = t.hasReplayPos
	}
	return next, nil
}

// metaData returns the durable state this view represents.
func (t *timeSeriesFile) metaData() PartitionMetaData {
	return PartitionMetaData{
		Range:          t.meta.rng,
		FileSize:       t.size,
		BlockPositions: append([]BlockPosition(nil), t.blockPositions...),
		ReplayPosition: t.replayPos,
	}
}

// newInput opens a seekable reader over the blocks whose range overlaps the
// given set, using the block index to seek straight to each one.
func (t *timeSeriesFile) newInput(rangeSet RangeSet) (*fileInput, error) {
	matched := make([]BlockPosition, 0, len(t.blockPositions))
	for _, p := range t.blockPositions {
		if rangeSet.OverlapsClosed(p.Range.Lower, p.Range.Upper) {
			matched = append(matched, p)
		}
	}
	if len(matched) == 0 {
		return &fileInput{}, nil
	}
	f, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s for read: %w", t.path, err)
	}
	return &fileInput{f: f, positions: matched}, nil
}

// fileInput streams the selected blocks of a data file.
type fileInput struct {
	f         *os.File
	positions []BlockPosition
	i         int
}

// next returns the next block, or false when exhausted.
func (in *fileInput) next() (Block, bool, error) {
	if in.i >= len(in.positions) {
		return Block{}, false, nil
	}
	p := in.positions[in.i]
	in.i++
	buf := make([]byte, p.Length)
	if _, err := in.f.ReadAt(buf, p.Offset); err != nil {
		return Block{}, false, fmt.Errorf("failed to read block at %d: %w", p.Offset, err)
	}
	b, _, err := unmarshalBlock(buf)
	if err != nil {
		return Block{}, false, err
	}
	return b, true, nil
}

func (in *fileInput) close() error {
	if in.f == nil {
		return nil
	}
	return in.f.Close()
}
