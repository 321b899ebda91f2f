// Package heap implements the persistent heap (C3): a byte-granular
// allocator over one or more region segments, in the two flavors spec.md
// §4.3 describes. CCHeap keeps its free-list crash-consistent inside the
// managed region itself; RCHeap keeps its free-list purely volatile and
// reconstitutes it after restart by walking a persistent tracked-allocation
// list, per spec.md §3.3'.
//
// Both flavors address memory the same way: a Ptr is the absolute virtual
// address of a byte inside some open region's segment, valid only while
// that segment is mapped at the address it was created with (spec.md §3.1).
// Region segments are mapped with a fixed address via pm/region, so a Ptr
// can be dereferenced directly through an unsafe.Pointer cast - there is no
// segment table to consult, the same way the original's raw persistent
// pointers dereference directly once their region is mapped.
package heap

import (
	"unsafe"

	"github.com/mcas-go/pmemkv/internal/errkind"
)

// Ptr is an absolute virtual address of a byte inside a mapped region
// segment. The zero value, NullPtr, never denotes a valid allocation.
type Ptr uint64

// NullPtr is the address that never denotes a live allocation.
const NullPtr Ptr = 0

// Valid reports whether p could be a real allocation (non-null). It does not
// prove the address is actually live.
func (p Ptr) Valid() bool { return p != NullPtr }

// bytesAt returns a byte slice window over the n bytes starting at p. The
// caller is responsible for p actually lying within a segment currently
// mapped by this process - the same discipline pm/region's Segment.Bytes
// already requires of anyone holding a Ptr.
func bytesAt(p Ptr, n uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(p))), int(n))
}

// Bytes is bytesAt, exported for callers outside this package (pm/kv,
// pm/atomicupdate) that need to read or write an allocation's payload
// directly - the heap itself never interprets a client allocation's
// contents, only its own free-space bookkeeping.
func Bytes(p Ptr, n uint64) []byte {
	return bytesAt(p, n)
}

// addrOf returns the Ptr corresponding to the first byte of b, which must
// have been obtained from bytesAt (or a sub-slice of a region segment) so
// that its backing array address is itself a valid persistent address.
func addrOf(b []byte) Ptr {
	if len(b) == 0 {
		return NullPtr
	}
	return Ptr(uintptr(unsafe.Pointer(&b[0])))
}

// AddrOf is addrOf, exported for callers outside this package that carve a
// persistent field out of region-backed memory (pm/kv's bucket slots,
// pm/intent's records) and need its address to arm an intent or pass to a
// recovery callback.
func AddrOf(b []byte) Ptr {
	return addrOf(b)
}

// pointerSize is the minimum alignment every allocation gets, per spec.md
// §4.3's "requested alignment is raised to sizeof(pointer) minimum".
const pointerSize = 8

// normalizeAlign rounds align up to the next power of two (spec.md §8's
// boundary behavior for a non-power-of-two alignment) and then up again to
// pointerSize if still smaller.
func normalizeAlign(align uint64) uint64 {
	if align == 0 {
		align = 1
	}
	align = nextPow2(align)
	if align < pointerSize {
		align = pointerSize
	}
	return align
}

// nextPow2 returns the smallest power of two >= v (or 1 if v is 0).
func nextPow2(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	v++
	return v
}

func roundUpTo(v, mult uint64) uint64 {
	if mult == 0 {
		return v
	}
	r := v % mult
	if r == 0 {
		return v
	}
	return v + (mult - r)
}

func alignUp(addr Ptr, align uint64) Ptr {
	a := uint64(addr)
	return Ptr(roundUpTo(a, align))
}

// Heap is the common contract spec.md §4.3 describes both flavors
// implementing: a plain allocator (Alloc/Free) plus the reconstitution
// hooks (AllocTracked/Inject) the RC flavor actually needs and the CC
// flavor implements as thin passthroughs.
type Heap interface {
	// Alloc returns size bytes aligned to align, or errkind.ErrNoSpace if
	// the heap's free space cannot satisfy the request.
	Alloc(size, align uint64) (Ptr, error)

	// AllocTracked is Alloc plus linking the allocation into the
	// tracked-allocation list the RC flavor reconstitutes from on restart;
	// the CC flavor, whose free-list is itself persistent, implements it as
	// Alloc.
	AllocTracked(size, align uint64) (Ptr, error)

	// Free releases an allocation previously returned by Alloc or
	// AllocTracked. size and align must match the values originally passed
	// to Alloc/AllocTracked.
	Free(p Ptr, size, align uint64)

	// Inject re-declares [p, p+size) as live without going through Alloc,
	// used while reconstituting a heap from surviving allocation records.
	Inject(p Ptr, size uint64)

	// AddRegion registers size bytes starting at addr as heap-managed
	// space, used both when a pool is first created and after a successful
	// region grow.
	AddRegion(addr Ptr, size uint64)
}

// errNoSpace is returned uniformly by both flavors on exhaustion, resolving
// the "sometimes converts to an allocation-failure signal and sometimes
// not" open question from spec.md §9: there is exactly one exhaustion
// signal, always errkind.ErrNoSpace.
var errNoSpace = errkind.ErrNoSpace
