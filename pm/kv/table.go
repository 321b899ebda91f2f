package kv

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/NebulousLabs/fastrand"

	"github.com/mcas-go/pmemkv/internal/errkind"
	"github.com/mcas-go/pmemkv/pm/heap"
	"github.com/mcas-go/pmemkv/pm/intent"
	"github.com/mcas-go/pmemkv/pm/persister"
)

// neighborhood bounds how far from its home bucket an entry may live -
// the "bounded probe distance" spec.md §4.6 calls for. Lookup and erase
// scan at most this many slots; insert relocates entries closer to their
// home rather than growing the probe sequence unboundedly, the hopscotch
// hashing discipline.
//
// This implementation keeps the neighborhood bound (the part that actually
// matters for lookup cost) without a separate per-bucket hop bitmap: rather
// than maintaining a durable or even volatile occupancy bitmap that would
// need its own consistency story, lookup and erase simply scan the
// neighborhood directly and compare keys. The cost is a constant-factor
// slowdown (up to neighborhood comparisons instead of one bitmap test), not
// a different asymptotic bound, and it is considerably easier to see is
// correct.
const neighborhood = 32

// rootSize is the footprint of a table's root: the bucket array's base
// pointer, its bucket count (always a power of two), the number of live
// entries, and a per-table hash salt.
const rootSize = 32

const (
	rootOffBase  = 0
	rootOffCount = 8
	rootOffSize  = 16
	rootOffSalt  = 24
)

// maxLoadFactor triggers a rehash (doubling bucket count) before an insert
// that would push occupancy past it.
const maxLoadFactor = 0.75

// Table is the hopscotch hash table backing a Store. Its root lives at a
// fixed offset in the pool header; its bucket array is a single heap
// allocation, grown via the extend intent on rehash (spec.md §4.6: "Rehash
// is itself crash-consistent via extend intent").
type Table struct {
	root   []byte // rootSize bytes in the pool header
	h      heap.Heap
	intent *intent.Controller
	pst    persister.Persister
}

// NewTable creates a fresh table with room for at least expectedObjCount
// entries at maxLoadFactor, presizing to avoid early rehashes - the
// create_pool expected_obj_count hint from original_source (SPEC_FULL §4.3).
func NewTable(root []byte, h heap.Heap, ic *intent.Controller, pst persister.Persister, expectedObjCount uint64) (*Table, error) {
	if len(root) < rootSize {
		panic("kv: table root buffer too small")
	}
	t := &Table{root: root[:rootSize], h: h, intent: ic, pst: pst}

	count := uint64(16)
	for float64(expectedObjCount) > float64(count)*maxLoadFactor {
		count *= 2
	}

	salt := uint64(fastrand.Intn(1<<31)) | 1
	binary.LittleEndian.PutUint64(t.root[rootOffSalt:], salt)
	t.pst.Persist(t.root[rootOffSalt : rootOffSalt+8])

	if err := t.allocBuckets(count); err != nil {
		return nil, err
	}
	return t, nil
}

// OpenTable wraps an existing table root after a pool open. No allocation.
func OpenTable(root []byte, h heap.Heap, ic *intent.Controller, pst persister.Persister) *Table {
	if len(root) < rootSize {
		panic("kv: table root buffer too small")
	}
	return &Table{root: root[:rootSize], h: h, intent: ic, pst: pst}
}

func (t *Table) base() heap.Ptr { return heap.Ptr(binary.LittleEndian.Uint64(t.root[rootOffBase:])) }
func (t *Table) count() uint64  { return binary.LittleEndian.Uint64(t.root[rootOffCount:]) }
func (t *Table) size() uint64   { return binary.LittleEndian.Uint64(t.root[rootOffSize:]) }
func (t *Table) salt() uint64   { return binary.LittleEndian.Uint64(t.root[rootOffSalt:]) }

func (t *Table) setSize(n uint64) {
	binary.LittleEndian.PutUint64(t.root[rootOffSize:], n)
	t.pst.Persist(t.root[rootOffSize : rootOffSize+8])
}

// allocBuckets carves a fresh, zeroed bucket array of count entries and
// installs it as the table's bucket array, protected by the extend intent
// exactly as a rehash protects its replacement array - table creation is
// simply a rehash from zero buckets.
func (t *Table) allocBuckets(count uint64) error {
	size := count * slotSize
	slot := intent.Slot{Addr: uint64(heap.AddrOf(t.root[rootOffBase : rootOffBase+8])), Size: size, Align: 8}
	if err := t.intent.Extend.Arm([]intent.Slot{slot}, uint64(t.base())); err != nil {
		return err
	}
	p, err := t.h.AllocTracked(size, 8)
	if err != nil {
		t.intent.Extend.Disarm()
		return err
	}
	zero := heap.Bytes(p, size)
	for i := range zero {
		zero[i] = 0
	}
	t.pst.Persist(zero)

	if err := t.intent.Extend.RecordValue(uint64(p)); err != nil {
		return err
	}
	t.intent.Extend.Disarm()

	binary.LittleEndian.PutUint64(t.root[rootOffBase:], uint64(p))
	binary.LittleEndian.PutUint64(t.root[rootOffCount:], count)
	t.pst.Persist(t.root[rootOffBase:rootOffSize])
	return nil
}

func (t *Table) bucket(i uint64) Entry {
	buf := heap.Bytes(t.base()+heap.Ptr(i*slotSize), slotSize)
	return newEntry(buf, t.pst)
}

func hashKey(key []byte, salt uint64) uint64 {
	h := fnv.New64a()
	var saltBytes [8]byte
	binary.LittleEndian.PutUint64(saltBytes[:], salt)
	h.Write(saltBytes[:])
	h.Write(key)
	return h.Sum64()
}

func (t *Table) home(hash uint64) uint64 { return hash & (t.count() - 1) }

func (t *Table) neighborhoodEnd(home uint64) uint64 {
	end := home + neighborhood
	if c := t.count(); end > c {
		end = c
	}
	return end
}

// lookup scans key's neighborhood for a matching entry.
func (t *Table) lookup(key []byte) (Entry, bool) {
	hash := hashKey(key, t.salt())
	home := t.home(hash)
	for i := home; i < t.neighborhoodEnd(home); i++ {
		e := t.bucket(i)
		if e.Empty() {
			continue
		}
		if bytesEqual(e.Key(), key) {
			return e, true
		}
	}
	return Entry{}, false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// findFreeSlot returns the index of the nearest empty slot at or after
// start, scanning the whole array (not just one neighborhood) since a
// table that still has free capacity overall may be locally full near
// start - that is exactly the case hopscotch relocation exists to resolve.
func (t *Table) findFreeSlot(start uint64) (uint64, bool) {
	for i := start; i < t.count(); i++ {
		if t.bucket(i).Empty() {
			return i, true
		}
	}
	return 0, false
}

// bringWithinNeighborhood relocates entries backward until free lies within
// `neighborhood` of home, or reports that it got stuck (the table must be
// rehashed into a larger array and the insert retried).
func (t *Table) bringWithinNeighborhood(free, home uint64) (uint64, bool) {
	for free-home >= neighborhood {
		lo := free - neighborhood + 1
		moved := false
		for p := lo; p < free; p++ {
			e := t.bucket(p)
			if e.Empty() {
				continue
			}
			eHash := hashKey(e.Key(), t.salt())
			eHome := t.home(eHash)
			if free-eHome < neighborhood {
				dst := t.bucket(free)
				dst.copyFrom(e)
				dst.setKeyPtr(e.KeyPtr())
				e.setKeyPtr(heap.NullPtr)
				free = p
				moved = true
				break
			}
		}
		if !moved {
			return free, false
		}
	}
	return free, true
}

// insertNew allocates key/value buffers and installs a brand-new entry. It
// returns needsRehash true, with a nil error and nothing inserted, when the
// table must be rehashed before the insert is retried: when the insert
// would push occupancy past maxLoadFactor, or when no free slot can be
// brought within the key's neighborhood.
func (t *Table) insertNew(key, value []byte, align uint64, flags uint64, now uint64) (needsRehash bool, err error) {
	if float64(t.size()+1) > float64(t.count())*maxLoadFactor {
		return true, nil
	}
	hash := hashKey(key, t.salt())
	home := t.home(hash)

	free, ok := t.findFreeSlot(home)
	if !ok {
		return true, nil
	}
	free, ok = t.bringWithinNeighborhood(free, home)
	if !ok {
		return true, nil
	}

	e := t.bucket(free)

	keySlot := intent.Slot{Addr: uint64(e.Addr()) + offKeyPtr, Size: uint64(len(key)), Align: 8}
	if err := t.intent.Emplace.Arm([]intent.Slot{keySlot}, 0); err != nil {
		return false, err
	}
	keyPtr, err := t.h.Alloc(uint64(len(key)), 8)
	if err != nil {
		t.intent.Emplace.Disarm()
		return false, err
	}
	dst := heap.Bytes(keyPtr, uint64(len(key)))
	copy(dst, key)
	t.pst.Persist(dst)
	if err := t.intent.Emplace.RecordValue(uint64(keyPtr)); err != nil {
		return false, err
	}
	t.intent.Emplace.Disarm()

	length := uint64(len(value))
	valSlot := intent.Slot{Addr: uint64(e.Addr()) + offValuePtr, Size: length, Align: align}
	if err := t.intent.Emplace.Arm([]intent.Slot{valSlot}, 0); err != nil {
		t.h.Free(keyPtr, uint64(len(key)), 8)
		return false, err
	}
	valPtr, err := t.h.Alloc(length, align)
	if err != nil {
		t.intent.Emplace.Disarm()
		t.h.Free(keyPtr, uint64(len(key)), 8)
		return false, err
	}
	vdst := heap.Bytes(valPtr, length)
	copy(vdst, value)
	t.pst.Persist(vdst)
	if err := t.intent.Emplace.RecordValue(uint64(valPtr)); err != nil {
		return false, err
	}
	t.intent.Emplace.Disarm()

	e.setKeyLen(uint64(len(key)))
	e.setValue(valPtr, length, align)
	e.setFlags(flags)
	e.setTimestamps(now, now)
	// keyPtr commits the slot as occupied - the last write, after every
	// other field is already durable. A crash before this point leaves the
	// key/value bytes allocated but unreferenced by any slot: a leak,
	// diagnosable via LEAK_CHECK, never a corrupted or half-visible entry
	// (Testable Property #2).
	e.setKeyPtr(keyPtr)

	t.setSize(t.size() + 1)
	return false, nil
}

// eraseLocked removes every slot in key's neighborhood matching key. A
// hopscotch relocation that crashes between writing the destination slot's
// keyPtr and clearing the source can leave a harmless duplicate (both
// slots describe the same live entry, so either answers a lookup
// correctly); scanning to clear all matches here cleans that up as a side
// effect of normal erase traffic rather than requiring a dedicated sweep.
func (t *Table) eraseLocked(key []byte) (valPtr heap.Ptr, valLen, valAlign uint64, keyPtr heap.Ptr, keyLen uint64, found bool) {
	hash := hashKey(key, t.salt())
	home := t.home(hash)
	for i := home; i < t.neighborhoodEnd(home); i++ {
		e := t.bucket(i)
		if e.Empty() || !bytesEqual(e.Key(), key) {
			continue
		}
		if !found {
			valPtr, valLen, valAlign = e.Ptr(), e.Len(), e.Align()
			keyPtr, keyLen = e.KeyPtr(), e.KeyLen()
			found = true
		}
		e.setKeyPtr(heap.NullPtr)
	}
	if found {
		t.setSize(t.size() - 1)
	}
	return
}

// rehash doubles the bucket count, moving every live entry's slot metadata
// (not its key/value bytes, which stay where they are) into a fresh array,
// then swaps the table root to point at it and frees the old array.
func (t *Table) rehash() error {
	oldCount := t.count()
	newCount := oldCount * 2

	oldBase := t.base()
	size := newCount * slotSize
	slot := intent.Slot{Addr: uint64(heap.AddrOf(t.root[rootOffBase : rootOffBase+8])), Size: size, Align: 8}
	if err := t.intent.Extend.Arm([]intent.Slot{slot}, uint64(oldBase)); err != nil {
		return err
	}
	newArr, err := t.h.AllocTracked(size, 8)
	if err != nil {
		t.intent.Extend.Disarm()
		return err
	}
	zero := heap.Bytes(newArr, size)
	for i := range zero {
		zero[i] = 0
	}
	t.pst.Persist(zero)

	curSize := size
	for attempt := 0; ; attempt++ {
		if insertAllInto(t, oldBase, oldCount, newArr, newCount, t.pst) {
			break
		}
		// The fresh array was too small to settle every relocation within
		// its neighborhood bound - extremely unlikely at a 2x growth factor
		// but not impossible; double again and retry rather than fail the
		// whole rehash.
		newCount *= 2
		size = newCount * slotSize
		t.h.Free(newArr, curSize, 8)
		curSize = size
		newArr, err = t.h.AllocTracked(size, 8)
		if err != nil {
			t.intent.Extend.Disarm()
			return err
		}
		zero = heap.Bytes(newArr, size)
		for i := range zero {
			zero[i] = 0
		}
		t.pst.Persist(zero)
		if attempt > 8 {
			return errkind.ErrCorruption
		}
	}

	if err := t.intent.Extend.RecordValue(uint64(newArr)); err != nil {
		return err
	}
	t.intent.Extend.Disarm()

	binary.LittleEndian.PutUint64(t.root[rootOffBase:], uint64(newArr))
	binary.LittleEndian.PutUint64(t.root[rootOffCount:], newCount)
	t.pst.Persist(t.root[rootOffBase:rootOffSize])

	t.h.Free(oldBase, oldCount*slotSize, 8)
	return nil
}

// insertAllInto copies every live slot from [oldBase,oldCount) into a fresh
// array of newCount buckets (addressed directly, bypassing the table's own
// root so this can run before the root is swapped), reusing the same
// find-free/relocate logic against the new array. Returns false if any
// entry cannot be settled within its neighborhood in the new array.
func insertAllInto(t *Table, oldBase heap.Ptr, oldCount uint64, newArr heap.Ptr, newCount uint64, pst persister.Persister) bool {
	tmp := &Table{root: make([]byte, rootSize), h: t.h, intent: t.intent, pst: pst}
	binary.LittleEndian.PutUint64(tmp.root[rootOffBase:], uint64(newArr))
	binary.LittleEndian.PutUint64(tmp.root[rootOffCount:], newCount)
	binary.LittleEndian.PutUint64(tmp.root[rootOffSalt:], t.salt())

	for i := uint64(0); i < oldCount; i++ {
		buf := heap.Bytes(oldBase+heap.Ptr(i*slotSize), slotSize)
		src := newEntry(buf, pst)
		if src.Empty() {
			continue
		}
		hash := hashKey(src.Key(), t.salt())
		home := tmp.home(hash)
		free, ok := tmp.findFreeSlot(home)
		if !ok {
			return false
		}
		free, ok = tmp.bringWithinNeighborhood(free, home)
		if !ok {
			return false
		}
		dst := tmp.bucket(free)
		dst.copyFrom(src)
		dst.setKeyPtr(src.KeyPtr())
	}
	return true
}
