package horizondb

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/xiashuijun/horizondb/internal/encoding"
)

const (
	segmentMagic     = "HZLG"
	segmentVersion   = 1
	segmentHeaderLen = 6
)

var (
	errLogClosed       = errors.New("commit log closed")
	errFutureCancelled = errors.New("commit log append cancelled")

	segmentFileRegex = regexp.MustCompile(`^(\d{6})\.log$`)
)

// logFuture is the single-fire completion handle returned by a commit-log
// append. It resolves to the replay position of the appended frame once the
// frame is durably on disk.
type logFuture struct {
	mu        sync.Mutex
	done      chan struct{}
	pos       ReplayPosition
	err       error
	batched   bool
	cancelled bool
}

func newLogFuture() *logFuture {
	return &logFuture{done: make(chan struct{})}
}

// resolvedFuture returns an already-completed future, used when replaying
// records whose position is known.
func resolvedFuture(pos ReplayPosition) *logFuture {
	f := newLogFuture()
	f.complete(pos, nil)
	return f
}

func (f *logFuture) complete(pos ReplayPosition, err error) {
	f.pos = pos
	f.err = err
	close(f.done)
}

// markBatched claims the future for the writer. It returns false when the
// future was cancelled before the batch started.
func (f *logFuture) markBatched() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled {
		return false
	}
	f.batched = true
	return true
}

// Cancel withdraws the append if its batch has not started yet. Once
// batched the append always completes.
func (f *logFuture) Cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batched || f.cancelled {
		return false
	}
	f.cancelled = true
	f.complete(ReplayPosition{}, errFutureCancelled)
	return true
}

// wait blocks until the future resolves.
func (f *logFuture) wait() (ReplayPosition, error) {
	<-f.done
	return f.pos, f.err
}

// peek returns the result without blocking; it errors if the future is
// still pending.
func (f *logFuture) peek() (ReplayPosition, error) {
	select {
	case <-f.done:
		return f.pos, f.err
	default:
		return ReplayPosition{}, fmt.Errorf("replay position not resolved yet")
	}
}

type appendRequest struct {
	payload []byte
	future  *logFuture
}

type commitLogConfig struct {
	dir          string
	segmentSize  int64
	syncInterval time.Duration
	batchBytes   int
	truncateTail bool
	clock        clock.Clock
	logger       *zap.Logger
}

// commitLog is a segmented write-ahead log. A single writer goroutine
// batches appends, writes them as CRC-protected frames and fsyncs once per
// batch; every future in the batch then resolves to its own position.
type commitLog struct {
	cfg commitLogConfig

	appendCh chan appendRequest
	syncCh   chan *logFuture
	closedCh chan struct{}
	doneCh   chan struct{}
	closeOne sync.Once

	// currentSegment is read by the retention path while the writer
	// advances it.
	currentSegment atomic.Int64

	// deleteMu serialises segment deletion against segment listing.
	deleteMu sync.Mutex
}

func segmentFilePath(dir string, id int64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.log", id))
}

// listSegments returns the existing segment ids in ascending order.
func listSegments(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read commit log directory: %w", err)
	}
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		m := segmentFileRegex.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// openCommitLog prepares the log for appending. Replay, if needed, must
// happen first via replayCommitLog; the writer always starts a fresh
// segment so it never appends to a possibly-truncated one.
func openCommitLog(cfg commitLogConfig) (*commitLog, error) {
	if err := os.MkdirAll(cfg.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to make commit log directory: %w", err)
	}
	ids, err := listSegments(cfg.dir)
	if err != nil {
		return nil, err
	}
	next := int64(0)
	if len(ids) > 0 {
		next = ids[len(ids)-1] + 1
	}

	l := &commitLog{
		cfg:      cfg,
		appendCh: make(chan appendRequest, 256),
		syncCh:   make(chan *logFuture),
		closedCh: make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	l.currentSegment.Store(next)
	go l.writeLoop(next)
	return l, nil
}

// Append schedules the payload for a durable write and returns its future.
func (l *commitLog) Append(payload []byte) *logFuture {
	f := newLogFuture()
	select {
	case <-l.closedCh:
		f.complete(ReplayPosition{}, errLogClosed)
	case l.appendCh <- appendRequest{payload: payload, future: f}:
	}
	return f
}

// Sync flushes any pending batch to disk and waits for the fsync.
func (l *commitLog) Sync() error {
	f := newLogFuture()
	select {
	case <-l.closedCh:
		return errLogClosed
	case l.syncCh <- f:
	}
	_, err := f.wait()
	return err
}

// Close stops the writer after draining pending appends.
func (l *commitLog) Close() error {
	l.closeOne.Do(func() { close(l.closedCh) })
	<-l.doneCh
	return nil
}

// segmentWriter is the writer goroutine's view of the open segment file.
type segmentWriter struct {
	f      *os.File
	id     int64
	offset int64
}

func (l *commitLog) openSegment(id int64) (*segmentWriter, error) {
	f, err := os.OpenFile(segmentFilePath(l.cfg.dir, id), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment %06d: %w", id, err)
	}
	header := append([]byte(segmentMagic), byte(segmentVersion>>8), byte(segmentVersion))
	if _, err := f.Write(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write segment header: %w", err)
	}
	l.currentSegment.Store(id)
	return &segmentWriter{f: f, id: id, offset: segmentHeaderLen}, nil
}

// marshalFrame appends one length-prefixed, CRC-trailed frame.
func marshalFrame(dst, payload []byte) []byte {
	dst = encoding.MarshalVarint(dst, uint64(len(payload)))
	dst = append(dst, payload...)
	return encoding.MarshalUint32(dst, crc32.ChecksumIEEE(payload))
}

func frameSize(payload []byte) int64 {
	return int64(len(encoding.MarshalVarint(nil, uint64(len(payload))))) + int64(len(payload)) + 4
}

func (l *commitLog) writeLoop(firstSegment int64) {
	defer close(l.doneCh)

	seg, err := l.openSegment(firstSegment)
	if err != nil {
		l.cfg.logger.Error("commit log writer failed to open segment", zap.Error(err))
		l.failLoop(err)
		return
	}
	defer func() { seg.f.Close() }()

	var (
		pending   []appendRequest
		syncReqs  []*logFuture
		batchSize int
	)

	flush := func() {
		if len(pending) == 0 && len(syncReqs) == 0 {
			return
		}
		seg = l.writeBatch(seg, pending, syncReqs)
		pending = pending[:0]
		syncReqs = syncReqs[:0]
		batchSize = 0
	}

	timer := l.cfg.clock.Timer(l.cfg.syncInterval)
	defer timer.Stop()

	for {
		select {
		case req := <-l.appendCh:
			if !req.future.markBatched() {
				continue
			}
			pending = append(pending, req)
			batchSize += len(req.payload)
			if batchSize >= l.cfg.batchBytes {
				flush()
			}
		case f := <-l.syncCh:
			// Take everything already queued into the batch so the sync
			// covers appends that happened before it.
			for {
				select {
				case req := <-l.appendCh:
					if req.future.markBatched() {
						pending = append(pending, req)
						batchSize += len(req.payload)
					}
					continue
				default:
				}
				break
			}
			syncReqs = append(syncReqs, f)
			flush()
		case <-timer.C:
			flush()
			timer.Reset(l.cfg.syncInterval)
		case <-l.closedCh:
			// Drain whatever was already queued, then stop.
			for {
				select {
				case req := <-l.appendCh:
					if req.future.markBatched() {
						pending = append(pending, req)
					}
					continue
				default:
				}
				break
			}
			flush()
			return
		}
	}
}

// writeBatch writes the pending frames, rotating segments as they fill,
// fsyncs and resolves every future. It returns the (possibly new) open
// segment.
func (l *commitLog) writeBatch(seg *segmentWriter, pending []appendRequest, syncReqs []*logFuture) *segmentWriter {
	fail := func(err error) {
		for _, req := range pending {
			req.future.complete(ReplayPosition{}, err)
		}
		for _, f := range syncReqs {
			f.complete(ReplayPosition{}, err)
		}
	}

	type resolved struct {
		future *logFuture
		pos    ReplayPosition
	}
	var (
		buf     []byte
		results []resolved
	)
	writeBuf := func(s *segmentWriter, b []byte) error {
		if len(b) == 0 {
			return nil
		}
		_, err := s.f.WriteAt(b, s.offset)
		if err == nil {
			s.offset += int64(len(b))
		}
		return err
	}

	for _, req := range pending {
		if seg.offset+frameSize(req.payload) > l.cfg.segmentSize && seg.offset > segmentHeaderLen {
			// Rotate: flush buffered frames into the full segment first.
			if err := writeBuf(seg, buf); err != nil {
				fail(fmt.Errorf("failed to write segment %06d: %w", seg.id, err))
				return seg
			}
			buf = buf[:0]
			if err := seg.f.Sync(); err != nil {
				fail(fmt.Errorf("failed to sync segment %06d: %w", seg.id, err))
				return seg
			}
			next, err := l.openSegment(seg.id + 1)
			if err != nil {
				fail(err)
				return seg
			}
			seg.f.Close()
			seg = next
		}
		pos := ReplayPosition{Segment: seg.id, Offset: seg.offset + int64(len(buf))}
		buf = marshalFrame(buf, req.payload)
		results = append(results, resolved{future: req.future, pos: pos})
	}

	if err := writeBuf(seg, buf); err != nil {
		fail(fmt.Errorf("failed to write segment %06d: %w", seg.id, err))
		return seg
	}
	if err := seg.f.Sync(); err != nil {
		fail(fmt.Errorf("failed to sync segment %06d: %w", seg.id, err))
		return seg
	}

	for _, r := range results {
		r.future.complete(r.pos, nil)
	}
	for _, f := range syncReqs {
		f.complete(ReplayPosition{Segment: seg.id, Offset: seg.offset}, nil)
	}
	return seg
}

// failLoop rejects every request until the log is closed.
func (l *commitLog) failLoop(err error) {
	for {
		select {
		case req := <-l.appendCh:
			req.future.complete(ReplayPosition{}, err)
		case f := <-l.syncCh:
			f.complete(ReplayPosition{}, err)
		case <-l.closedCh:
			return
		}
	}
}

// deleteSegmentsBelow removes every segment older than the given id. The
// open segment is never removed.
func (l *commitLog) deleteSegmentsBelow(id int64) error {
	l.deleteMu.Lock()
	defer l.deleteMu.Unlock()
	if cur := l.currentSegment.Load(); id > cur {
		id = cur
	}
	ids, err := listSegments(l.cfg.dir)
	if err != nil {
		return err
	}
	for _, segID := range ids {
		if segID >= id {
			break
		}
		if err := os.Remove(segmentFilePath(l.cfg.dir, segID)); err != nil {
			return fmt.Errorf("failed to delete segment %06d: %w", segID, err)
		}
		l.cfg.logger.Info("deleted commit log segment", zap.Int64("segment", segID))
	}
	return nil
}

// replayCommitLog streams every frame at or after from, in position order,
// to the handler. Segments at or past below are skipped: that is where the
// already-running writer appends. With truncateTail set, a corrupt frame
// discards the log tail with a warning; otherwise it fails the whole
// replay.
func replayCommitLog(dir string, from ReplayPosition, below int64, truncateTail bool, logger *zap.Logger,
	handler func(pos ReplayPosition, payload []byte) error) error {

	all, err := listSegments(dir)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(all))
	for _, id := range all {
		if id < below {
			ids = append(ids, id)
		}
	}
	for i, id := range ids {
		if id < from.Segment {
			continue
		}
		badOffset, err := replaySegment(dir, id, from, handler)
		if err == nil {
			continue
		}
		if badOffset < 0 || !errors.Is(err, ErrChecksumMismatch) {
			return err
		}
		if !truncateTail {
			return err
		}
		// Discard the tail: the bad frame and everything after it.
		logger.Warn("truncating corrupt commit log tail",
			zap.Int64("segment", id), zap.Int64("offset", badOffset), zap.Error(err))
		if err := os.Truncate(segmentFilePath(dir, id), badOffset); err != nil {
			return fmt.Errorf("failed to truncate segment %06d: %w", id, err)
		}
		for _, later := range ids[i+1:] {
			if err := os.Remove(segmentFilePath(dir, later)); err != nil {
				return fmt.Errorf("failed to drop segment %06d past corruption: %w", later, err)
			}
		}
		return nil
	}
	return nil
}

// replaySegment replays one segment. For a corrupt frame it returns the
// frame's offset along with an ErrChecksumMismatch-wrapped error, leaving
// the file untouched; badOffset is -1 for every other error.
func replaySegment(dir string, id int64, from ReplayPosition,
	handler func(pos ReplayPosition, payload []byte) error) (int64, error) {

	path := segmentFilePath(dir, id)
	data, err := os.ReadFile(path)
	if err != nil {
		return -1, fmt.Errorf("failed to read segment %06d: %w", id, err)
	}
	if len(data) < segmentHeaderLen || string(data[:4]) != segmentMagic {
		return -1, fmt.Errorf("%w: segment %06d: bad header", ErrChecksumMismatch, id)
	}
	if v := encoding.UnmarshalUint16(data[4:]); v != segmentVersion {
		return -1, fmt.Errorf("segment %06d: unsupported version %d", id, v)
	}

	offset := int64(segmentHeaderLen)
	for offset < int64(len(data)) {
		length, n, err := encoding.UnmarshalVarint(data[offset:])
		if err != nil || int64(n)+int64(length)+4 > int64(len(data))-offset {
			return offset, fmt.Errorf("%w: segment %06d: torn frame at offset %d", ErrChecksumMismatch, id, offset)
		}
		payload := data[offset+int64(n) : offset+int64(n)+int64(length)]
		crc := encoding.UnmarshalUint32(data[offset+int64(n)+int64(length):])
		if crc32.ChecksumIEEE(payload) != crc {
			return offset, fmt.Errorf("%w: segment %06d: frame at offset %d", ErrChecksumMismatch, id, offset)
		}
		pos := ReplayPosition{Segment: id, Offset: offset}
		offset += int64(n) + int64(length) + 4
		if pos.Compare(from) < 0 {
			continue
		}
		if err := handler(pos, payload); err != nil {
			return -1, err
		}
	}
	return -1, nil
}
