package horizondb

// slabAllocator hands out byte regions by bumping an offset within a
// pre-sized slab. It exists to keep the many small buffers of a mem-series
// inside a few regions sharing one lifetime.
//
// Exhausting the current slab surfaces as errSlabFull, which the mem-series
// treats as "full": it seals itself and hands back the records that did not
// fit, and the partition's elements start a fresh slab with addSlab for the
// next mem-series right away. release drops everything after a force flush,
// once no snapshot can reach the slabs.
//
// The allocator is only touched under the owning partition's write mutex,
// so it carries no synchronisation of its own.
type slabAllocator struct {
	slabSize int
	current  []byte
	offset   int
	total    int
}

func newSlabAllocator(slabSize int) *slabAllocator {
	return &slabAllocator{
		slabSize: slabSize,
		current:  make([]byte, slabSize),
		total:    slabSize,
	}
}

// allocate returns the next n bytes of the current slab, or errSlabFull
// when they don't fit.
func (a *slabAllocator) allocate(n int) ([]byte, error) {
	if a.offset+n > len(a.current) {
		return nil, errSlabFull
	}
	region := a.current[a.offset : a.offset+n : a.offset+n]
	a.offset += n
	return region, nil
}

// addSlab starts a fresh slab sized to hold at least n bytes. Regions
// handed out earlier stay valid: sealed mem-series keep referencing the old
// slabs until release.
func (a *slabAllocator) addSlab(n int) {
	if n < a.slabSize {
		n = a.slabSize
	}
	a.current = make([]byte, n)
	a.offset = 0
	a.total += n
}

// allocatedBytes returns the total slab bytes held, flushed or not.
func (a *slabAllocator) allocatedBytes() int {
	return a.total
}

// release drops all slabs and starts over. It must only be called once
// every mem-series built on them has been flushed and is no longer
// reachable by readers.
func (a *slabAllocator) release() {
	a.current = make([]byte, a.slabSize)
	a.offset = 0
	a.total = a.slabSize
}
