// Package kv implements the Key-Value Store (C6): an open-addressed hash
// table mapping variable-length keys to variable-length values, built on
// top of pm/heap for storage, pm/intent for crash-safe allocation, and
// pm/atomicupdate for the replace/update-vector/swap primitives a mutation
// needs (spec.md §4.6).
package kv

import (
	"encoding/binary"

	"github.com/mcas-go/pmemkv/pm/heap"
	"github.com/mcas-go/pmemkv/pm/persister"
)

// slotSize is the fixed footprint of one bucket: flags, key pointer/length,
// value pointer/length/align, and two TSC-derived timestamps. Bucket
// occupancy is the sentinel keyPtr != 0 - there is no separate tombstone
// bit, since a freed slot is immediately reusable (one of hopscotch
// hashing's advantages over linear probing with tombstones).
const slotSize = 72

const (
	offFlags       = 0
	offKeyPtr      = 8
	offKeyLen      = 16
	offValuePtr    = 24
	offValueLen    = 32
	offValueAlign  = 40
	offCreatedTSC  = 48
	offModifiedTSC = 56
	// bytes 64..72 reserved for future attributes, zeroed and otherwise
	// untouched by this package.
)

// Flags bits stored with an entry. DontStomp is the only one a caller sets
// directly; the rest are reserved for attribute bits get_attribute exposes
// but that have no effect on put/get/erase.
const (
	FlagDontStomp uint64 = 1 << iota
)

// Entry is a window onto one bucket slot. It implements
// atomicupdate.Value so the atomic-update controller can arm an intent
// against its value pointer field and commit a new one, without pm/kv's
// wider table logic being visible to pm/atomicupdate.
type Entry struct {
	buf []byte // slotSize bytes, carved from the bucket array
	pst persister.Persister
}

func newEntry(buf []byte, pst persister.Persister) Entry {
	return Entry{buf: buf[:slotSize], pst: pst}
}

// Addr returns the address of this slot, used as the table's per-bucket
// identity for relocation bookkeeping.
func (e Entry) Addr() heap.Ptr { return heap.AddrOf(e.buf) }

// Empty reports whether this slot holds no entry.
func (e Entry) Empty() bool { return e.keyPtrRaw() == 0 }

func (e Entry) keyPtrRaw() uint64 { return binary.LittleEndian.Uint64(e.buf[offKeyPtr:]) }

// KeyPtr, KeyLen, ValuePtr, ValueLen, ValueAlign, Flags, Created, and
// Modified expose the slot's fields to the table and store.
func (e Entry) KeyPtr() heap.Ptr    { return heap.Ptr(e.keyPtrRaw()) }
func (e Entry) KeyLen() uint64      { return binary.LittleEndian.Uint64(e.buf[offKeyLen:]) }
func (e Entry) Flags() uint64       { return binary.LittleEndian.Uint64(e.buf[offFlags:]) }
func (e Entry) CreatedTSC() uint64  { return binary.LittleEndian.Uint64(e.buf[offCreatedTSC:]) }
func (e Entry) ModifiedTSC() uint64 { return binary.LittleEndian.Uint64(e.buf[offModifiedTSC:]) }

// Ptr, Len, Align, PtrSlotAddr, and Set implement atomicupdate.Value over
// this slot's value fields.
func (e Entry) Ptr() heap.Ptr { return heap.Ptr(binary.LittleEndian.Uint64(e.buf[offValuePtr:])) }
func (e Entry) Len() uint64   { return binary.LittleEndian.Uint64(e.buf[offValueLen:]) }
func (e Entry) Align() uint64 { return binary.LittleEndian.Uint64(e.buf[offValueAlign:]) }

func (e Entry) PtrSlotAddr() uint64 {
	return uint64(heap.AddrOf(e.buf[offValuePtr : offValuePtr+8]))
}

// Set commits ptr/length as this entry's new value - the single visible
// state change atomicupdate.Controller.Replace/UpdateVector/Swap make.
func (e Entry) Set(ptr heap.Ptr, length uint64) {
	binary.LittleEndian.PutUint64(e.buf[offValuePtr:], uint64(ptr))
	binary.LittleEndian.PutUint64(e.buf[offValueLen:], length)
	e.pst.Persist(e.buf[offValuePtr : offValueLen+8])
}

// Key returns the key bytes this entry stores.
func (e Entry) Key() []byte {
	if e.Empty() {
		return nil
	}
	return heap.Bytes(e.KeyPtr(), e.KeyLen())
}

// Value returns the value bytes this entry stores.
func (e Entry) Value() []byte {
	if !e.Ptr().Valid() {
		return nil
	}
	return heap.Bytes(e.Ptr(), e.Len())
}

// setValue writes the value pointer/length/align fields directly, without
// going through atomicupdate - used while building a brand-new entry, where
// there is no "old value" to atomically replace.
func (e Entry) setValue(ptr heap.Ptr, length, align uint64) {
	binary.LittleEndian.PutUint64(e.buf[offValuePtr:], uint64(ptr))
	binary.LittleEndian.PutUint64(e.buf[offValueLen:], length)
	binary.LittleEndian.PutUint64(e.buf[offValueAlign:], align)
	e.pst.Persist(e.buf[offValuePtr : offValueAlign+8])
}

func (e Entry) setKeyLen(n uint64) {
	binary.LittleEndian.PutUint64(e.buf[offKeyLen:], n)
	e.pst.Persist(e.buf[offKeyLen : offKeyLen+8])
}

func (e Entry) setFlags(f uint64) {
	binary.LittleEndian.PutUint64(e.buf[offFlags:], f)
	e.pst.Persist(e.buf[offFlags : offFlags+8])
}

func (e Entry) setTimestamps(created, modified uint64) {
	binary.LittleEndian.PutUint64(e.buf[offCreatedTSC:], created)
	binary.LittleEndian.PutUint64(e.buf[offModifiedTSC:], modified)
	e.pst.Persist(e.buf[offCreatedTSC : offModifiedTSC+8])
}

func (e Entry) setModified(ts uint64) {
	binary.LittleEndian.PutUint64(e.buf[offModifiedTSC:], ts)
	e.pst.Persist(e.buf[offModifiedTSC : offModifiedTSC+8])
}

// setKeyPtr commits keyPtr as the last write of a fresh insert (or clears
// it, as the first write of an erase/relocate): the sentinel every other
// reader uses to decide whether this slot holds a live entry.
func (e Entry) setKeyPtr(p heap.Ptr) {
	binary.LittleEndian.PutUint64(e.buf[offKeyPtr:], uint64(p))
	e.pst.Persist(e.buf[offKeyPtr : offKeyPtr+8])
}

// copyFrom overwrites every field except keyPtr from src, used by the
// table's hopscotch relocation to move an entry into a closer slot while
// leaving the source slot looking occupied (by its own still-intact
// keyPtr) until the caller clears it.
func (e Entry) copyFrom(src Entry) {
	copy(e.buf[offFlags:offKeyPtr], src.buf[offFlags:offKeyPtr])
	copy(e.buf[offKeyLen:], src.buf[offKeyLen:])
	e.pst.Persist(e.buf[offFlags:offKeyPtr])
	e.pst.Persist(e.buf[offKeyLen:])
}
