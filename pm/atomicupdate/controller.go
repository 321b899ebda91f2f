// Package atomicupdate implements the Atomic-Update Controller (C5):
// replace, update-vector, and swap, each sequenced so that a crash at any
// point leaves either the pre- or the post-state visible through an
// entry's value pointer, never a torn value (spec.md §4.5, §8).
//
// Every operation here follows the same shape: arm the intent that
// protects the work in flight, do the allocation/copy work the operation
// needs, disarm, and only then flip the live pointer(s) a reader actually
// observes. Closing the intent bracket before the visible commit is what
// makes spec.md §7's "a crash between arm and disarm is indistinguishable
// from a crash before arm" hold structurally: nothing a reader can observe
// has changed while a record is armed, so recovery never has to guess
// whether a visible swap happened before or after the crash it is undoing.
// A crash after disarm but before the commit (or before the old value's
// free) can leak the spare buffer - reported by LEAK_CHECK (spec.md §6.4),
// never corruption.
package atomicupdate

import (
	"github.com/mcas-go/pmemkv/pm/heap"
	"github.com/mcas-go/pmemkv/pm/intent"
	"github.com/mcas-go/pmemkv/pm/persister"
)

// Value is the narrow view of a key-value entry's value slot the
// controller needs: enough to arm an intent against it and to commit a new
// pointer, without pm/atomicupdate importing pm/kv.
type Value interface {
	// Ptr returns the entry's current value pointer.
	Ptr() heap.Ptr
	// Len returns the entry's current value length in bytes.
	Len() uint64
	// Align returns the alignment the entry's value was allocated with.
	Align() uint64
	// PtrSlotAddr returns the address of the persistent 8-byte slot
	// holding the value pointer, for intent.Arm.
	PtrSlotAddr() uint64
	// Set commits ptr/length as the entry's new value, persisting both
	// fields. This is the single visible state change a reader can
	// observe.
	Set(ptr heap.Ptr, length uint64)
}

// Op is one step of an UpdateVector: either overwrite [Offset, Offset+Length)
// with NewBytes, or zero that range when Zero is set and NewBytes is nil.
type Op struct {
	Offset uint64
	Length uint64
	Bytes  []byte
	Zero   bool
}

// Controller sequences replace/update-vector/swap over a heap and an
// intent.Controller shared with the rest of the pool.
type Controller struct {
	heap   heap.Heap
	intent *intent.Controller
	pst    persister.Persister
}

// New returns a Controller operating over h, arming intents through ic and
// persisting through pst.
func New(h heap.Heap, ic *intent.Controller, pst persister.Persister) *Controller {
	return &Controller{heap: h, intent: ic, pst: pst}
}

// Replace implements spec.md §4.5 "Replace": allocate a new value buffer,
// copy bytes into it (zero-extending to length if longer than len(bytes)),
// and atomically swap it in as v's value.
func (c *Controller) Replace(v Value, bytes []byte, align uint64, length uint64) error {
	if length < uint64(len(bytes)) {
		length = uint64(len(bytes))
	}
	oldPtr, oldLen, oldAlign := v.Ptr(), v.Len(), v.Align()

	slot := intent.Slot{Addr: v.PtrSlotAddr(), Size: length, Align: align}
	if err := c.intent.Emplace.Arm([]intent.Slot{slot}, uint64(oldPtr)); err != nil {
		return err
	}
	newPtr, err := c.heap.Alloc(length, align)
	if err != nil {
		c.intent.Emplace.Disarm()
		return err
	}
	c.writePayload(newPtr, length, bytes)

	if err := c.intent.Emplace.RecordValue(uint64(newPtr)); err != nil {
		return err
	}
	c.intent.Emplace.Disarm()

	v.Set(newPtr, length)
	if oldPtr.Valid() {
		c.heap.Free(oldPtr, oldLen, oldAlign)
	}
	return nil
}

// UpdateVector implements spec.md §4.5 "Update-vector": copy-on-write over
// the byte ranges named by ops, leaving every untouched byte of the
// original value intact in the new buffer.
func (c *Controller) UpdateVector(v Value, ops []Op, align uint64) error {
	length := v.Len()
	for _, op := range ops {
		if end := op.Offset + op.Length; end > length {
			length = end
		}
	}

	oldPtr, oldLen, oldAlign := v.Ptr(), v.Len(), v.Align()

	slot := intent.Slot{Addr: v.PtrSlotAddr(), Size: length, Align: align}
	if err := c.intent.Emplace.Arm([]intent.Slot{slot}, uint64(oldPtr)); err != nil {
		return err
	}
	newPtr, err := c.heap.Alloc(length, align)
	if err != nil {
		c.intent.Emplace.Disarm()
		return err
	}

	dst := heap.Bytes(newPtr, length)
	if oldPtr.Valid() {
		copy(dst, heap.Bytes(oldPtr, oldLen))
	}
	for _, op := range ops {
		if op.Zero {
			for i := uint64(0); i < op.Length; i++ {
				dst[op.Offset+i] = 0
			}
			continue
		}
		copy(dst[op.Offset:op.Offset+op.Length], op.Bytes)
	}
	c.pst.Persist(dst)

	if err := c.intent.Emplace.RecordValue(uint64(newPtr)); err != nil {
		return err
	}
	c.intent.Emplace.Disarm()

	v.Set(newPtr, length)
	if oldPtr.Valid() {
		c.heap.Free(oldPtr, oldLen, oldAlign)
	}
	return nil
}

// Swap implements spec.md §4.5 "Swap": exchanges a's and b's value
// pointers. It arms both sides into a single pin-data intent covering two
// slots, one per side, each carrying its own pre-swap value - spec.md's
// "saves the old pointer so recovery restores it" invariant for pin-data
// applies per slot here, since the two sides are ordinary values rather
// than a key and a value. A single Disarm after both Set calls is what
// makes the commit atomic from recovery's perspective: as long as only one
// intent record - not two independently armed and disarmed ones - brackets
// the exchange, there is no window in which a crash can find one side
// already committed and the other still pending undo. A crash at any point
// up to Disarm leaves the record Armed with both sides' original values,
// so Recover restores both; a crash after Disarm leaves nothing to undo.
func (c *Controller) Swap(a, b Value) error {
	valA, lenA := a.Ptr(), a.Len()
	valB, lenB := b.Ptr(), b.Len()

	slots := []intent.Slot{{Addr: a.PtrSlotAddr()}, {Addr: b.PtrSlotAddr()}}
	oldValues := []uint64{uint64(valA), uint64(valB)}
	if err := c.intent.PinData.ArmPinned(slots, oldValues); err != nil {
		return err
	}

	a.Set(valB, lenB)
	b.Set(valA, lenA)

	c.intent.PinData.Disarm()
	return nil
}

func (c *Controller) writePayload(p heap.Ptr, length uint64, bytes []byte) {
	dst := heap.Bytes(p, length)
	n := copy(dst, bytes)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	c.pst.Persist(dst)
}
