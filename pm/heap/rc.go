package heap

import (
	"encoding/binary"
	"sync"

	"github.com/NebulousLabs/demotemutex"
	"github.com/google/btree"

	"github.com/mcas-go/pmemkv/pm/persister"
)

// rcHeaderSize is the footprint of a tracked-allocation header, persistent
// for the life of the allocation so restart can rebuild the free-list by
// walking the list it belongs to (spec.md §3.3').
const rcHeaderSize = 32

const (
	rcOffPrev  = 0
	rcOffNext  = 8
	rcOffSize  = 16
	rcOffAlign = 24
)

// RCAnchor is the fixed, always-live sentinel node spec.md §6.3 places at
// offset 0 of the pool header: a tracked-header-shaped record with
// size=0, align=0 whose prev/next close the tracked-allocation list into a
// ring, exactly like a container/list sentinel.
type RCAnchor struct {
	buf []byte
}

// NewRCAnchor wraps buf (rcHeaderSize bytes at a fixed pool-header offset)
// as an anchor, initializing it to point at itself (an empty ring) if it is
// all zero - i.e. a freshly created pool.
func NewRCAnchor(buf []byte, pst persister.Persister) *RCAnchor {
	if len(buf) < rcHeaderSize {
		panic("heap: rc anchor buffer too small")
	}
	a := &RCAnchor{buf: buf[:rcHeaderSize]}
	if a.next() == 0 && a.prev() == 0 {
		self := addrOf(a.buf)
		binary.LittleEndian.PutUint64(a.buf[rcOffPrev:], uint64(self))
		binary.LittleEndian.PutUint64(a.buf[rcOffNext:], uint64(self))
		pst.Persist(a.buf[rcOffPrev:rcOffSize])
	}
	return a
}

func (a *RCAnchor) addr() Ptr     { return addrOf(a.buf) }
func (a *RCAnchor) next() Ptr     { return Ptr(binary.LittleEndian.Uint64(a.buf[rcOffNext:])) }
func (a *RCAnchor) prev() Ptr     { return Ptr(binary.LittleEndian.Uint64(a.buf[rcOffPrev:])) }
func (a *RCAnchor) setNext(p Ptr) { binary.LittleEndian.PutUint64(a.buf[rcOffNext:], uint64(p)) }
func (a *RCAnchor) setPrev(p Ptr) { binary.LittleEndian.PutUint64(a.buf[rcOffPrev:], uint64(p)) }

func rcHeaderAt(addr Ptr) []byte { return bytesAt(addr, rcHeaderSize) }

func rcNext(b []byte) Ptr  { return Ptr(binary.LittleEndian.Uint64(b[rcOffNext:])) }
func rcPrev(b []byte) Ptr  { return Ptr(binary.LittleEndian.Uint64(b[rcOffPrev:])) }
func rcSize(b []byte) uint64 { return binary.LittleEndian.Uint64(b[rcOffSize:]) }

// RCHeap is the reconstituting heap flavor (C3-RC): free space is tracked
// purely in volatile memory; durability comes entirely from the
// tracked-allocation doubly-linked list threaded through every live
// allocation's header and rooted at the pool's RCAnchor. After a restart, a
// fresh RCHeap is built over the region's raw capacity and Reconstitute
// walks that list, carving each live allocation back out of the free space
// computed from scratch.
type RCHeap struct {
	grow demotemutex.DemoteMutex // exclusive while AddRegion registers space, shared (RLock) for alloc/free
	data sync.Mutex              // protects bySize/byAddr for the actual alloc/free bookkeeping

	pst    persister.Persister
	anchor *RCAnchor

	bySize *btree.BTreeG[sizeKey]
	byAddr *btree.BTreeG[addrKey]
}

// NewRCHeap returns an RCHeap with no free space registered yet; call
// AddRegion for each of the pool's mapped segments (in the fresh-create
// case) or Reconstitute (after Open) to populate it.
func NewRCHeap(anchor *RCAnchor, pst persister.Persister) *RCHeap {
	return &RCHeap{
		pst:    pst,
		anchor: anchor,
		bySize: btree.NewG(32, sizeLess),
		byAddr: btree.NewG(32, addrLess),
	}
}

// AddRegion implements Heap: registers size bytes at addr as free space,
// with no persistent bookkeeping of its own - the RC flavor's only
// persistent state is the tracked list walked by Reconstitute.
func (h *RCHeap) AddRegion(addr Ptr, size uint64) {
	h.grow.Lock()
	defer h.grow.Unlock()
	h.data.Lock()
	defer h.data.Unlock()
	h.insertFreeLocked(addr, size)
}

// Reconstitute rebuilds the free-space indexes after restart: it assumes
// the caller has already called AddRegion for every segment's full extent,
// then walks the persistent tracked-allocation ring from the anchor and
// calls Inject for each live node, carving it back out of free space. This
// is the "reconstituting allocator" spec.md §1 names: no metadata beyond
// the ring survives a crash, and this single pass recovers everything else.
func (h *RCHeap) Reconstitute() {
	for addr := h.anchor.next(); addr != h.anchor.addr(); {
		b := rcHeaderAt(addr)
		size := rcSize(b)
		next := rcNext(b)
		h.Inject(addr, rcHeaderSize+size)
		addr = next
	}
}

// TrackedAddrs returns the data address of every allocation currently
// linked into the ring, for LEAK_CHECK (spec.md §6.4, SPEC_FULL §4 point 6)
// to cross-reference against what the KV store and intent records actually
// reach.
func (h *RCHeap) TrackedAddrs() []Ptr {
	var out []Ptr
	for addr := h.anchor.next(); addr != h.anchor.addr(); {
		b := rcHeaderAt(addr)
		out = append(out, addr+rcHeaderSize)
		addr = rcNext(b)
	}
	return out
}

// Inject implements Heap: removes [p, p+size) from the free-space indexes,
// splitting whichever free extent contains it. Used both by Reconstitute
// and directly by callers re-declaring an out-of-band allocation as live.
func (h *RCHeap) Inject(p Ptr, size uint64) {
	h.data.Lock()
	defer h.data.Unlock()

	var container addrKey
	found := false
	h.byAddr.DescendLessOrEqual(addrKey{addr: p}, func(item addrKey) bool {
		if item.addr <= p && uint64(p-item.addr)+size <= item.size {
			container = item
			found = true
		}
		return false
	})
	if !found {
		// Nothing free covers this range: either it is already tracked (a
		// duplicate Inject, harmless) or the caller is declaring space this
		// heap never had registered, which is a programming error we treat
		// as a no-op rather than a crash, consistent with Inject's
		// "re-declare" semantics being idempotent.
		return
	}
	h.bySize.Delete(sizeKey{size: container.size, addr: container.addr})
	h.byAddr.Delete(addrKey{addr: container.addr})

	headSlack := uint64(p - container.addr)
	tailSlack := container.size - headSlack - size
	if headSlack > 0 {
		h.bySize.ReplaceOrInsert(sizeKey{size: headSlack, addr: container.addr})
		h.byAddr.ReplaceOrInsert(addrKey{addr: container.addr, size: headSlack})
	}
	if tailSlack > 0 {
		tailAddr := Ptr(uint64(p) + size)
		h.bySize.ReplaceOrInsert(sizeKey{size: tailSlack, addr: tailAddr})
		h.byAddr.ReplaceOrInsert(addrKey{addr: tailAddr, size: tailSlack})
	}
}

// insertFreeLocked adds [addr,addr+size) to the free indexes, coalescing
// with an address-adjacent neighbor. The caller must hold h.data.
func (h *RCHeap) insertFreeLocked(addr Ptr, size uint64) {
	h.byAddr.DescendLessOrEqual(addrKey{addr: addr - 1}, func(item addrKey) bool {
		if Ptr(uint64(item.addr)+item.size) == addr {
			h.bySize.Delete(sizeKey{size: item.size, addr: item.addr})
			h.byAddr.Delete(addrKey{addr: item.addr})
			addr = item.addr
			size += item.size
		}
		return false
	})
	if next, ok := h.byAddr.Get(addrKey{addr: Ptr(uint64(addr) + size)}); ok {
		h.bySize.Delete(sizeKey{size: next.size, addr: next.addr})
		h.byAddr.Delete(addrKey{addr: next.addr})
		size += next.size
	}
	h.bySize.ReplaceOrInsert(sizeKey{size: size, addr: addr})
	h.byAddr.ReplaceOrInsert(addrKey{addr: addr, size: size})
}

// AllocTracked implements Heap: carves size (rounded up per spec.md §4.3
// when smaller than align) bytes out of free space, writes a tracked
// header immediately before the returned pointer, and links the header
// into the ring after the anchor.
func (h *RCHeap) AllocTracked(size, align uint64) (Ptr, error) {
	align = normalizeAlign(align)
	if size < align {
		size = nextPow2(size)
	}
	if size == 0 {
		size = align
	}

	h.grow.RLock()
	defer h.grow.RUnlock()
	h.data.Lock()

	total := rcHeaderSize + size + align - 1
	var chosen sizeKey
	found := false
	h.bySize.AscendGreaterOrEqual(sizeKey{size: total}, func(item sizeKey) bool {
		chosen = item
		found = true
		return false
	})
	if !found {
		h.data.Unlock()
		return NullPtr, errNoSpace
	}
	h.bySize.Delete(chosen)
	h.byAddr.Delete(addrKey{addr: chosen.addr})

	headerAddr := chosen.addr
	dataAddr := alignUp(headerAddr+rcHeaderSize, align) - rcHeaderSize
	if dataAddr < headerAddr {
		dataAddr = headerAddr
	}
	headSlack := uint64(dataAddr - headerAddr)
	used := headSlack + rcHeaderSize + size
	tailSlack := chosen.size - used

	if headSlack > 0 {
		h.insertFreeLocked(chosen.addr, headSlack)
	}
	if tailSlack > 0 {
		h.insertFreeLocked(Ptr(uint64(chosen.addr)+used), tailSlack)
	}
	h.data.Unlock()

	// Link the new node in after the anchor. Only the anchor->new and
	// new->old-first links are load-bearing for Reconstitute's forward
	// walk; the reverse link is a same-process convenience store.
	b := rcHeaderAt(dataAddr)
	oldFirst := h.anchor.next()
	binary.LittleEndian.PutUint64(b[rcOffPrev:], uint64(h.anchor.addr()))
	binary.LittleEndian.PutUint64(b[rcOffNext:], uint64(oldFirst))
	binary.LittleEndian.PutUint64(b[rcOffSize:], size)
	binary.LittleEndian.PutUint64(b[rcOffAlign:], align)
	h.pst.Persist(b)

	if oldFirst != h.anchor.addr() {
		ob := rcHeaderAt(oldFirst)
		binary.LittleEndian.PutUint64(ob[rcOffPrev:], uint64(dataAddr))
	}
	h.anchor.setNext(dataAddr)
	h.pst.Persist(h.anchor.buf[rcOffNext : rcOffNext+8])

	return dataAddr + rcHeaderSize, nil
}

// Alloc implements Heap as AllocTracked: every RC allocation is tracked,
// since tracking is this flavor's only durability mechanism.
func (h *RCHeap) Alloc(size, align uint64) (Ptr, error) {
	return h.AllocTracked(size, align)
}

// Free implements Heap: unlinks the node from the ring (a single persisted
// forward-pointer write, since only the forward chain is read back by
// Reconstitute) and returns its span to free space.
func (h *RCHeap) Free(p Ptr, size, align uint64) {
	headerAddr := p - rcHeaderSize
	b := rcHeaderAt(headerAddr)
	prev := rcPrev(b)
	next := rcNext(b)
	storedSize := rcSize(b)

	if prev == h.anchor.addr() {
		h.anchor.setNext(next)
		h.pst.Persist(h.anchor.buf[rcOffNext : rcOffNext+8])
	} else {
		pb := rcHeaderAt(prev)
		binary.LittleEndian.PutUint64(pb[rcOffNext:], uint64(next))
		h.pst.Persist(pb[rcOffNext : rcOffNext+8])
	}
	if next == h.anchor.addr() {
		h.anchor.setPrev(prev)
	} else {
		nb := rcHeaderAt(next)
		binary.LittleEndian.PutUint64(nb[rcOffPrev:], uint64(prev))
	}

	h.grow.RLock()
	h.data.Lock()
	h.insertFreeLocked(headerAddr, rcHeaderSize+storedSize)
	h.data.Unlock()
	h.grow.RUnlock()
}
