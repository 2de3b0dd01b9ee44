package horizondb

import "fmt"

// timeSeriesElements is the full state of a partition at one instant: the
// data file plus the mem-series that have not been flushed yet, oldest
// first. The struct is immutable; every mutation returns a successor and
// the partition publishes it through a single atomic cell.
//
// Invariants: timestamps in the file precede those in mems[0], which
// precede those in mems[1], and so on; only the last mem-series accepts
// writes; replay positions are non-decreasing across file and mems.
type timeSeriesElements struct {
	def  TimeSeriesDefinition
	file *timeSeriesFile
	mems []*memTimeSeries
}

func newTimeSeriesElements(def TimeSeriesDefinition, file *timeSeriesFile) *timeSeriesElements {
	return &timeSeriesElements{def: def, file: file}
}

// write appends the records to the last mem-series, rotating to fresh
// mem-series on fresh slabs as they fill. A batch larger than one slab
// spreads over several mem-series, all sharing the batch's future.
func (e *timeSeriesElements) write(alloc *slabAllocator, records []Record, future *logFuture) (*timeSeriesElements, error) {
	mems := e.mems[:len(e.mems):len(e.mems)]

	target := newMemTimeSeries(e.def)
	fresh := true
	if n := len(mems); n > 0 && !mems[n-1].isFull() {
		target = mems[n-1]
		fresh = false
	}

	rest := records
	for {
		written, remaining, err := target.write(alloc, rest, future)
		if err != nil {
			return nil, err
		}
		if fresh {
			mems = append(mems, written)
		} else {
			mems = append(mems[:len(mems)-1:len(mems)-1], written)
		}
		if len(remaining) == 0 {
			break
		}
		alloc.addSlab(0)
		target = newMemTimeSeries(e.def)
		fresh = true
		rest = remaining
	}
	return &timeSeriesElements{def: e.def, file: e.file, mems: mems}, nil
}

// flushableMems returns the leading run of full mem-series.
func (e *timeSeriesElements) flushableMems() []*memTimeSeries {
	n := 0
	for _, m := range e.mems {
		if !m.isFull() {
			break
		}
		n++
	}
	return e.mems[:n]
}

// flush folds the full mem-series into the file. It returns the receiver
// unchanged when there is nothing to flush.
func (e *timeSeriesElements) flush() (*timeSeriesElements, error) {
	return e.flushMems(e.flushableMems())
}

// forceFlush folds every mem-series into the file, sealing the open one.
func (e *timeSeriesElements) forceFlush() (*timeSeriesElements, error) {
	if len(e.mems) == 0 {
		return e, nil
	}
	mems := e.mems[:len(e.mems):len(e.mems)]
	if last := mems[len(mems)-1]; !last.isFull() {
		if last.empty() {
			mems = mems[:len(mems)-1]
		} else {
			mems = append(mems[:len(mems)-1:len(mems)-1], last.sealFull())
		}
	}
	e = &timeSeriesElements{def: e.def, file: e.file, mems: mems}
	return e.flushMems(mems)
}

func (e *timeSeriesElements) flushMems(flushable []*memTimeSeries) (*timeSeriesElements, error) {
	if len(flushable) == 0 {
		return e, nil
	}
	newFile, err := e.file.append(flushable)
	if err != nil {
		return nil, fmt.Errorf("failed to append mem-series to %s: %w", e.file.path, err)
	}
	remaining := e.mems[len(flushable):]
	return &timeSeriesElements{def: e.def, file: newFile, mems: remaining}, nil
}

// memoryUsage is the number of in-memory payload bytes held.
func (e *timeSeriesElements) memoryUsage() int {
	total := 0
	for _, m := range e.mems {
		total += m.size
	}
	return total
}

// firstSegmentContainingNonPersistedData returns the oldest commit-log
// segment holding data that is not yet in the file, or false when
// everything is persisted.
func (e *timeSeriesElements) firstSegmentContainingNonPersistedData() (int64, bool) {
	for _, m := range e.mems {
		if seg, ok := m.firstSegment(); ok {
			return seg, true
		}
	}
	return 0, false
}

// lastReplayPosition is the log position of the newest record held
// anywhere in the partition.
func (e *timeSeriesElements) lastReplayPosition() (ReplayPosition, bool) {
	for i := len(e.mems) - 1; i >= 0; i-- {
		if pos, ok := e.mems[i].replayPosition(); ok {
			return pos, true
		}
	}
	if e.file.hasReplayPos {
		return e.file.replayPos, true
	}
	return ReplayPosition{}, false
}

// maxTimestamp is the newest timestamp held, used to police append order.
func (e *timeSeriesElements) maxTimestamp() (int64, bool) {
	for i := len(e.mems) - 1; i >= 0; i-- {
		if ts, ok := e.mems[i].maxTimestamp(); ok {
			return ts, true
		}
	}
	if n := len(e.file.blockPositions); n > 0 {
		return e.file.blockPositions[n-1].Range.Upper, true
	}
	return 0, false
}
