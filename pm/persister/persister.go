// Package persister supplies the flush/drain capability every persistent
// data structure in pmemkv is generic over: cache-line write-back plus a
// store fence, expressed as an interface so tests can substitute a
// recording or no-op implementation instead of touching real persistent
// memory.
package persister

import (
	"time"

	"github.com/mcas-go/pmemkv/internal/build"
	"github.com/mcas-go/pmemkv/internal/errkind"
)

// Persister is the capability a persistent data structure needs to make its
// writes durable: flush pushes dirty cache lines out of the CPU cache,
// drain issues a store fence so a flush is never observed out of order with
// respect to a later one. Persist composes the two, which is the common
// case every caller outside this package actually uses.
type Persister interface {
	// Flush writes back every cache line touched by b. It does not order
	// the write-back against any other flush; callers that need ordering
	// must follow with Drain.
	Flush(b []byte)

	// Drain issues a store fence: every Flush that happened-before this
	// call is guaranteed visible to a reader (or to a process that
	// restarts after a crash) before any Flush that happens-after it.
	Drain()

	// Persist flushes b and drains, which is what a caller wants unless it
	// is batching several flushes under one fence.
	Persist(b []byte)
}

// mmapPersister is the production Persister: it flushes by asking the
// operating system to write the touched pages back to the file backing the
// mapping. This is a coarser granularity than the cache-line clwb/clflushopt
// a real persistent-memory build would issue - Go has no portable way to
// emit those instructions without cgo or assembly - so mmapPersister
// documents the gap rather than papering over it with an unsafe.Pointer
// cache-line loop that would not actually be portable either.
type mmapPersister struct {
	sync Syncer
}

// Syncer is implemented by anything that can flush a byte range of a memory
// mapping back to its backing store - notably *pm/region.Segment.
type Syncer interface {
	SyncRange(b []byte) error
}

// flushRetries bounds how many times Flush retries a failing SyncRange
// before giving up on it as more than transient - spec.md §7's "retried a
// bounded number of times" for the Transient kind.
const flushRetries = 5

// flushRetryInterval is the delay between retries, selected once at package
// init from the build's Release the same way modules/host/consts.go picks
// its timeouts - short under Testing so a binary built for that release
// never spends real wall-clock time waiting out a retry loop.
var flushRetryInterval = build.Select(build.Var{
	Standard: 10 * time.Millisecond,
	Dev:      10 * time.Millisecond,
	Testing:  time.Millisecond,
}).(time.Duration)

// NewMMapPersister returns a Persister backed by s.
func NewMMapPersister(s Syncer) Persister {
	return &mmapPersister{sync: s}
}

func (p *mmapPersister) Flush(b []byte) {
	err := build.Retry(flushRetries, flushRetryInterval, func() error {
		return p.sync.SyncRange(b)
	})
	if err != nil {
		// The retry budget is spent: this is spec.md §7's Transient kind,
		// surfaced through build.Severe the same way every other
		// environmental failure in pmemkv is (see internal/build/critical.go) -
		// logged always, fatal only in a DEBUG build, since Flush itself has
		// no return value to hand errkind.ErrTransient back through.
		build.Severe("persister: flush failed after", flushRetries, "attempts:", errkind.ErrTransient, err)
	}
}

func (p *mmapPersister) Drain() {
	// A store fence is a no-op once every flush is already a synchronous
	// msync call: mmapPersister's Flush does not return until the write-back
	// is complete, so there is nothing left to order.
}

func (p *mmapPersister) Persist(b []byte) {
	p.Flush(b)
	p.Drain()
}
