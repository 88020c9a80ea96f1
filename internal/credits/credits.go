// Package credits derives the accounting label attached to snapshots and
// events. It never influences dispatch.
package credits

import (
	"strconv"
	"sync/atomic"
	"time"
)

type Feed struct {
	origin time.Time
	now    func() time.Time
	last   atomic.Int64
}

func New(origin time.Time) *Feed {
	return &Feed{origin: origin, now: time.Now}
}

// Credits is the number of whole seconds since the origin. It is never
// negative and never goes backwards, even if the wall clock does. A nil Feed
// reports zero.
func (f *Feed) Credits() int64 {
	if f == nil {
		return 0
	}
	elapsed := int64(max(0, f.now().Sub(f.origin)) / time.Second)
	for {
		last := f.last.Load()
		if elapsed <= last {
			return last
		}
		if f.last.CompareAndSwap(last, elapsed) {
			return elapsed
		}
	}
}

func (f *Feed) Label() string {
	return strconv.FormatInt(f.Credits(), 10) + " credits"
}
