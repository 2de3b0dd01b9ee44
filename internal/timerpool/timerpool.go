// Package timerpool provides a pool of reusable timers to reduce the
// pressure on the garbage collector on hot paths that need timeouts.
package timerpool

import (
	"sync"
	"time"
)

var pool sync.Pool

// Get returns a timer that fires after the given duration.
func Get(d time.Duration) *time.Timer {
	if v := pool.Get(); v != nil {
		t := v.(*time.Timer)
		t.Reset(d)
		return t
	}
	return time.NewTimer(d)
}

// Put stops the timer and gives it back to the pool.
// The timer must not be accessed after the call.
func Put(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	pool.Put(t)
}
