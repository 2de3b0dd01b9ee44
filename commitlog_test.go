package horizondb

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCommitLog(t *testing.T, dir string, segmentSize int64) *commitLog {
	t.Helper()
	l, err := openCommitLog(commitLogConfig{
		dir:          dir,
		segmentSize:  segmentSize,
		syncInterval: time.Millisecond,
		batchBytes:   1, // flush every append immediately
		clock:        clock.New(),
		logger:       zap.NewNop(),
	})
	require.NoError(t, err)
	return l
}

func replayPayloads(t *testing.T, dir string, truncateTail bool) ([]ReplayPosition, [][]byte, error) {
	t.Helper()
	var (
		positions []ReplayPosition
		payloads  [][]byte
	)
	err := replayCommitLog(dir, ReplayPosition{}, 1<<62, truncateTail, zap.NewNop(),
		func(pos ReplayPosition, payload []byte) error {
			positions = append(positions, pos)
			payloads = append(payloads, append([]byte(nil), payload...))
			return nil
		})
	return positions, payloads, err
}

func TestCommitLogAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	l := newTestCommitLog(t, dir, 1<<20)

	want := make([][]byte, 0, 10)
	for i := 0; i < 10; i++ {
		payload := []byte(fmt.Sprintf("record-%02d", i))
		want = append(want, payload)
		pos, err := l.Append(payload).wait()
		require.NoError(t, err)
		assert.Equal(t, int64(0), pos.Segment)
	}
	require.NoError(t, l.Close())

	positions, payloads, err := replayPayloads(t, dir, false)
	require.NoError(t, err)
	assert.Equal(t, want, payloads)
	for i := 1; i < len(positions); i++ {
		assert.Negative(t, positions[i-1].Compare(positions[i]), "positions must be strictly ascending")
	}
}

func TestCommitLogGroupCommit(t *testing.T) {
	dir := t.TempDir()
	l, err := openCommitLog(commitLogConfig{
		dir:          dir,
		segmentSize:  1 << 20,
		syncInterval: time.Millisecond,
		batchBytes:   1 << 20, // rely on the timer, not the size threshold
		clock:        clock.New(),
		logger:       zap.NewNop(),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	futures := make([]*logFuture, 20)
	for i := range futures {
		futures[i] = l.Append([]byte(fmt.Sprintf("batched-%02d", i)))
	}
	for _, f := range futures {
		f := f
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.wait()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.NoError(t, l.Close())

	_, payloads, err := replayPayloads(t, dir, false)
	require.NoError(t, err)
	assert.Len(t, payloads, 20)
}

func TestCommitLogRotation(t *testing.T) {
	dir := t.TempDir()
	l := newTestCommitLog(t, dir, 64)

	for i := 0; i < 20; i++ {
		_, err := l.Append([]byte(fmt.Sprintf("rotating-payload-%02d", i))).wait()
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	ids, err := listSegments(dir)
	require.NoError(t, err)
	assert.Greater(t, len(ids), 1, "small segments must rotate")

	_, payloads, err := replayPayloads(t, dir, false)
	require.NoError(t, err)
	assert.Len(t, payloads, 20)
}

func TestCommitLogReplayFrom(t *testing.T) {
	dir := t.TempDir()
	l := newTestCommitLog(t, dir, 1<<20)

	var positions []ReplayPosition
	for i := 0; i < 5; i++ {
		pos, err := l.Append([]byte(fmt.Sprintf("record-%d", i))).wait()
		require.NoError(t, err)
		positions = append(positions, pos)
	}
	require.NoError(t, l.Close())

	var replayed [][]byte
	err := replayCommitLog(dir, positions[3], 1<<62, false, zap.NewNop(),
		func(_ ReplayPosition, payload []byte) error {
			replayed = append(replayed, append([]byte(nil), payload...))
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("record-3"), []byte("record-4")}, replayed)
}

func TestCommitLogCorruptFrame(t *testing.T) {
	dir := t.TempDir()
	l := newTestCommitLog(t, dir, 1<<20)
	for i := 0; i < 3; i++ {
		_, err := l.Append([]byte(fmt.Sprintf("record-%d", i))).wait()
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	// Flip one payload byte in the middle frame.
	path := segmentFilePath(dir, 0)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-20] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, _, err = replayPayloads(t, dir, false)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	// With the truncate-tail policy, the good prefix replays and the file
	// shrinks past the bad frame.
	before, err := os.Stat(path)
	require.NoError(t, err)
	_, payloads, err := replayPayloads(t, dir, true)
	require.NoError(t, err)
	assert.NotEmpty(t, payloads)
	assert.Less(t, len(payloads), 3)
	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, after.Size(), before.Size())
}

func TestCommitLogSegmentDeletion(t *testing.T) {
	dir := t.TempDir()
	l := newTestCommitLog(t, dir, 64)
	for i := 0; i < 20; i++ {
		_, err := l.Append([]byte(fmt.Sprintf("rotating-payload-%02d", i))).wait()
		require.NoError(t, err)
	}

	ids, err := listSegments(dir)
	require.NoError(t, err)
	require.Greater(t, len(ids), 2)

	require.NoError(t, l.deleteSegmentsBelow(ids[1]))
	remaining, err := listSegments(dir)
	require.NoError(t, err)
	assert.Equal(t, ids[1:], remaining)

	// The open segment is never deleted, whatever watermark is passed.
	require.NoError(t, l.deleteSegmentsBelow(1<<62))
	remaining, err = listSegments(dir)
	require.NoError(t, err)
	assert.Equal(t, []int64{l.currentSegment.Load()}, remaining)
	require.NoError(t, l.Close())
}

func TestCommitLogCancel(t *testing.T) {
	f := newLogFuture()
	assert.True(t, f.Cancel())
	_, err := f.wait()
	assert.ErrorIs(t, err, errFutureCancelled)

	// Once batched, a future can no longer be cancelled.
	g := newLogFuture()
	require.True(t, g.markBatched())
	assert.False(t, g.Cancel())
	g.complete(ReplayPosition{Segment: 1, Offset: 6}, nil)
	pos, err := g.wait()
	require.NoError(t, err)
	assert.Equal(t, ReplayPosition{Segment: 1, Offset: 6}, pos)
}

func TestCommitLogSync(t *testing.T) {
	dir := t.TempDir()
	l, err := openCommitLog(commitLogConfig{
		dir:          dir,
		segmentSize:  1 << 20,
		syncInterval: time.Hour, // the timer never fires during the test
		batchBytes:   1 << 20,
		clock:        clock.New(),
		logger:       zap.NewNop(),
	})
	require.NoError(t, err)

	f := l.Append([]byte("pending"))
	require.NoError(t, l.Sync())
	pos, err := f.peek()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos.Segment)
	require.NoError(t, l.Close())
}
