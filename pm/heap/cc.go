package heap

import (
	"encoding/binary"

	"github.com/google/btree"

	"github.com/mcas-go/pmemkv/internal/syncutil"
	"github.com/mcas-go/pmemkv/pm/persister"
)

// ccExtentHeaderSize is the footprint of a free extent's header, written
// into the extent's own bytes only while it is free - once allocated, every
// byte of the extent belongs to the client and no header survives.
const ccExtentHeaderSize = 24

const (
	ccOffSize = 0
	ccOffNext = 8
	ccOffPrev = 16
)

func ccReadExtent(addr Ptr) (size uint64, next, prev Ptr) {
	b := bytesAt(addr, ccExtentHeaderSize)
	size = binary.LittleEndian.Uint64(b[ccOffSize:])
	next = Ptr(binary.LittleEndian.Uint64(b[ccOffNext:]))
	prev = Ptr(binary.LittleEndian.Uint64(b[ccOffPrev:]))
	return
}

func ccWriteExtent(addr Ptr, size uint64, next, prev Ptr, pst persister.Persister) {
	b := bytesAt(addr, ccExtentHeaderSize)
	binary.LittleEndian.PutUint64(b[ccOffSize:], size)
	binary.LittleEndian.PutUint64(b[ccOffNext:], uint64(next))
	binary.LittleEndian.PutUint64(b[ccOffPrev:], uint64(prev))
	pst.Persist(b)
}

// sizeKey orders free extents by size first, address second, so best-fit
// search is a single AscendGreaterOrEqual from the requested size.
type sizeKey struct {
	size uint64
	addr Ptr
}

func sizeLess(a, b sizeKey) bool {
	if a.size != b.size {
		return a.size < b.size
	}
	return a.addr < b.addr
}

// addrKey orders free extents by address, letting Free find an
// address-adjacent neighbor to coalesce with in O(log n).
type addrKey struct {
	addr Ptr
	size uint64
}

func addrLess(a, b addrKey) bool { return a.addr < b.addr }

// CCHeap is the crash-consistent heap flavor (C3-CC): a persistent,
// doubly-linked free-list threaded through the free bytes of the managed
// region, accelerated by two volatile indexes (rebuilt from the persistent
// list on open) - bySize for best-fit allocation, byAddr for coalescing a
// freed extent with its address-adjacent neighbors.
type CCHeap struct {
	mu  syncutil.TryRWMutex
	pst persister.Persister

	head []byte // ccOffNext-shaped: an 8-byte slot in the pool header

	bySize *btree.BTreeG[sizeKey]
	byAddr *btree.BTreeG[addrKey]
}

func (h *CCHeap) headPtr() Ptr { return Ptr(binary.LittleEndian.Uint64(h.head)) }

func (h *CCHeap) setHead(p Ptr) {
	binary.LittleEndian.PutUint64(h.head, uint64(p))
	h.pst.Persist(h.head)
}

// NewCCHeap wraps headSlot (an 8-byte window inside the pool header holding
// the address of the first free extent, or NullPtr if none) and rebuilds
// the volatile acceleration indexes by walking the persistent list once.
func NewCCHeap(headSlot []byte, pst persister.Persister) *CCHeap {
	if len(headSlot) < 8 {
		panic("heap: cc head slot too small")
	}
	h := &CCHeap{
		pst:    pst,
		head:   headSlot[:8],
		bySize: btree.NewG(32, sizeLess),
		byAddr: btree.NewG(32, addrLess),
	}
	for addr := h.headPtr(); addr.Valid(); {
		size, next, _ := ccReadExtent(addr)
		h.bySize.ReplaceOrInsert(sizeKey{size: size, addr: addr})
		h.byAddr.ReplaceOrInsert(addrKey{addr: addr, size: size})
		addr = next
	}
	return h
}

// AddRegion registers a freshly mapped segment as free space, prepending it
// to the list - used on pool creation for the segment's tail past the pool
// header, and after Grow for the new segment in its entirety.
func (h *CCHeap) AddRegion(addr Ptr, size uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.insertFree(addr, size)
}

// insertFree splices a free extent [addr, addr+size) into the list and both
// indexes, coalescing with an address-adjacent free neighbor first so the
// indexes and persistent list never carry two touching free extents (the
// "coalescing of adjacent free regions" spec.md §1 permits as bookkeeping,
// not compaction).
func (h *CCHeap) insertFree(addr Ptr, size uint64) {
	addr, size = h.coalesce(addr, size)

	cur := h.headPtr()
	ccWriteExtent(addr, size, cur, NullPtr, h.pst)
	if cur.Valid() {
		curSize, curNext, _ := ccReadExtent(cur)
		// Only the forward link is load-bearing for reconstitution; the
		// backward link is a same-process convenience and need not be
		// flushed before it is visible to later calls in this process.
		b := bytesAt(cur, ccExtentHeaderSize)
		binary.LittleEndian.PutUint64(b[ccOffPrev:], uint64(addr))
		_ = curSize
		_ = curNext
	}
	h.setHead(addr)

	h.bySize.ReplaceOrInsert(sizeKey{size: size, addr: addr})
	h.byAddr.ReplaceOrInsert(addrKey{addr: addr, size: size})
}

// coalesce merges [addr,addr+size) with any free extent immediately
// preceding or following it in address space, removing the merged neighbor
// from both indexes and unlinking it from the persistent list first.
func (h *CCHeap) coalesce(addr Ptr, size uint64) (Ptr, uint64) {
	if prev, ok := h.byAddr.Get(addrKey{addr: addr}); ok {
		_ = prev // addr itself should never already be free; defensive no-op
	}
	// Look for a free extent ending exactly at addr (address-order
	// predecessor).
	var merged bool
	h.byAddr.DescendLessOrEqual(addrKey{addr: addr - 1}, func(item addrKey) bool {
		if Ptr(uint64(item.addr)+item.size) == addr {
			h.unlinkFree(item.addr, item.size)
			addr = item.addr
			size += item.size
			merged = true
		}
		return false
	})
	_ = merged
	// Look for a free extent starting exactly at addr+size (successor).
	if next, ok := h.byAddr.Get(addrKey{addr: Ptr(uint64(addr) + size)}); ok {
		h.unlinkFree(next.addr, next.size)
		size += next.size
	}
	return addr, size
}

// unlinkFree removes the free extent at addr from the persistent list and
// both indexes. The caller must already hold h.mu.
func (h *CCHeap) unlinkFree(addr Ptr, size uint64) {
	_, next, prev := ccReadExtent(addr)
	if prev.Valid() {
		b := bytesAt(prev, ccExtentHeaderSize)
		binary.LittleEndian.PutUint64(b[ccOffNext:], uint64(next))
		h.pst.Persist(b[ccOffNext : ccOffNext+8])
	} else {
		h.setHead(next)
	}
	if next.Valid() {
		b := bytesAt(next, ccExtentHeaderSize)
		binary.LittleEndian.PutUint64(b[ccOffPrev:], uint64(prev))
	}
	h.bySize.Delete(sizeKey{size: size, addr: addr})
	h.byAddr.Delete(addrKey{addr: addr})
}

// ccBlockSize is the number of bytes Alloc carves for a request and Free
// returns for it: never less than one extent header, so a freed block can
// always hold its own header, and a multiple of pointerSize, so the extents
// left behind stay pointer-aligned. It does not depend on the alignment, so
// a Free given a different align than the Alloc still returns the same
// number of bytes.
func ccBlockSize(size uint64) uint64 {
	if size < ccExtentHeaderSize {
		size = ccExtentHeaderSize
	}
	return roundUpTo(size, pointerSize)
}

// Alloc implements Heap.
func (h *CCHeap) Alloc(size, align uint64) (Ptr, error) {
	align = normalizeAlign(align)
	if size == 0 {
		size = align
	}
	size = ccBlockSize(size)

	h.mu.Lock()
	defer h.mu.Unlock()

	// Worst case a chosen extent needs up to align-1 bytes of slack before
	// an aligned base; search for an extent at least that much larger than
	// the request so a valid split always exists.
	want := size + align - 1
	var chosen sizeKey
	found := false
	h.bySize.AscendGreaterOrEqual(sizeKey{size: want}, func(item sizeKey) bool {
		chosen = item
		found = true
		return false
	})
	if !found {
		return NullPtr, errNoSpace
	}
	h.unlinkFree(chosen.addr, chosen.size)

	base := alignUp(chosen.addr, align)
	headSlack := uint64(base - chosen.addr)
	tailSlack := chosen.size - headSlack - size

	if headSlack > 0 {
		if headSlack >= ccExtentHeaderSize {
			h.insertFree(chosen.addr, headSlack)
		}
		// Slack too small to host a header (for example 8 bytes before a
		// 16-aligned base) is not put back on the free list and stays
		// unusable.
	}
	if tailSlack >= ccExtentHeaderSize {
		h.insertFree(Ptr(uint64(base)+size), tailSlack)
	} else {
		size += tailSlack
	}

	return base, nil
}

// AllocTracked implements Heap. The CC flavor's free-list is itself
// persistent and crash-consistent, so there is nothing further to track;
// this is a plain Alloc.
func (h *CCHeap) AllocTracked(size, align uint64) (Ptr, error) {
	return h.Alloc(size, align)
}

// Free implements Heap.
func (h *CCHeap) Free(p Ptr, size, align uint64) {
	align = normalizeAlign(align)
	if size == 0 {
		size = align
	}
	size = ccBlockSize(size)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.insertFree(p, size)
}

// Inject implements Heap. The CC flavor never reconstitutes from a tracked
// list - its free-list is already crash-consistent on open - so Inject is
// unused and exists only to satisfy the Heap interface.
func (h *CCHeap) Inject(Ptr, uint64) {}
