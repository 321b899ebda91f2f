// Package intent implements the four allocation-state machines (C4):
// emplace, extend, pin-key, and pin-data. Each is a small, fixed-size
// persistent record with the disarmed -> armed -> armed-with-value ->
// disarmed lifecycle spec.md §4.4 describes; every transition is a single
// persistent store, so a restart can always determine exactly how far an
// in-flight allocation got by inspecting the record alone.
//
// A record carries, per slot, the address of the persistent pointer field
// it protects, the size and alignment that field's allocation was made
// with, and (once the allocator has returned) the realized value. Carrying
// size/align in the record itself - rather than expecting recovery to read
// them back out of whatever structure the slot lives in - is what lets
// recovery free an abandoned allocation even when the crash happened
// before any of that structure's other fields were ever written.
package intent

import (
	"encoding/binary"
	"fmt"

	"github.com/mcas-go/pmemkv/internal/errkind"
	"github.com/mcas-go/pmemkv/pm/persister"
)

// Kind identifies which of the four intent records an instance represents.
type Kind uint8

const (
	KindEmplace Kind = iota
	KindExtend
	KindPinKey
	KindPinData
)

func (k Kind) String() string {
	switch k {
	case KindEmplace:
		return "emplace"
	case KindExtend:
		return "extend"
	case KindPinKey:
		return "pin-key"
	case KindPinData:
		return "pin-data"
	default:
		return "unknown"
	}
}

// State is the three-state lifecycle of an intent record.
type State uint64

const (
	StateDisarmed State = iota
	StateArmed
	StateArmedWithValue
)

// MaxChain bounds how many linked slots an extend record can carry in a
// single arm - the "list of addresses forming a chain" spec.md §3.5
// describes for the extend kind. Emplace uses slot 0 only; pin-key and
// pin-data use slot 0 when armed through Arm and one slot per pinned
// pointer when armed through ArmPinned.
const MaxChain = 8

// fieldSize is the per-slot footprint: address, size, align, value - four
// uint64s.
const fieldSize = 8 * 4

const (
	offState    = 0
	offCount    = 8
	offOldValue = 16
	offFields   = 24
)

const (
	subAddr  = 0
	subSize  = 8
	subAlign = 16
	subValue = 24
)

// RecordSize is the number of bytes a Record occupies in its region.
const RecordSize = offFields + fieldSize*MaxChain

// Slot describes one persistent pointer field an Arm call protects: its own
// address (so recovery knows where to clear it), and the size/align the
// allocation behind it was or will be made with.
type Slot struct {
	Addr  uint64
	Size  uint64
	Align uint64
}

// Record is a persistent allocation-intent record living at a fixed offset
// inside a pool's region. Exactly one Record of each Kind exists per pool.
type Record struct {
	kind Kind
	buf  []byte // RecordSize-byte window into the mapped region
	pst  persister.Persister
}

// NewRecord wraps buf (which must be at least RecordSize bytes, carved from
// the pool's mapped region) as a Record of the given kind.
func NewRecord(kind Kind, buf []byte, pst persister.Persister) *Record {
	if len(buf) < RecordSize {
		panic(fmt.Sprintf("intent: buffer too small for a %s record: %d < %d", kind, len(buf), RecordSize))
	}
	return &Record{kind: kind, buf: buf[:RecordSize], pst: pst}
}

// Kind reports which allocation-intent kind this record tracks.
func (r *Record) Kind() Kind { return r.kind }

func (r *Record) state() State     { return State(binary.LittleEndian.Uint64(r.buf[offState:])) }
func (r *Record) setState(s State) { binary.LittleEndian.PutUint64(r.buf[offState:], uint64(s)) }
func (r *Record) count() int       { return int(binary.LittleEndian.Uint64(r.buf[offCount:])) }
func (r *Record) setCount(n int)   { binary.LittleEndian.PutUint64(r.buf[offCount:], uint64(n)) }
func (r *Record) oldValue() uint64 { return binary.LittleEndian.Uint64(r.buf[offOldValue:]) }
func (r *Record) setOldValue(v uint64) {
	binary.LittleEndian.PutUint64(r.buf[offOldValue:], v)
}

func (r *Record) field(i int) []byte {
	start := offFields + i*fieldSize
	return r.buf[start : start+fieldSize]
}

// State reports the record's current lifecycle state. Exported for the
// controller's recovery pass and for tests.
func (r *Record) State() State { return r.state() }

// Slots returns the slots armed into the record, up to its recorded count,
// including any realized value RecordValues has since filled in.
func (r *Record) Slots() []Slot {
	n := r.count()
	out := make([]Slot, n)
	for i := 0; i < n; i++ {
		f := r.field(i)
		out[i] = Slot{
			Addr:  binary.LittleEndian.Uint64(f[subAddr:]),
			Size:  binary.LittleEndian.Uint64(f[subSize:]),
			Align: binary.LittleEndian.Uint64(f[subAlign:]),
		}
	}
	return out
}

// Values returns the value recorded for each slot: the realized value once
// the record is ArmedWithValue, or, for a record armed through ArmPinned,
// each slot's saved prior value while it is Armed.
func (r *Record) Values() []uint64 {
	n := r.count()
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		out[i] = binary.LittleEndian.Uint64(r.field(i)[subValue:])
	}
	return out
}

// OldValue returns the value a pin-key/pin-data arm saved before
// overwriting the client's pointer, so recovery can restore it.
func (r *Record) OldValue() uint64 { return r.oldValue() }

// Arm transitions Disarmed -> Armed, recording the slots this operation is
// about to allocate into and, for pin-key/pin-data, the value that
// occupied the client slot before this operation began. It returns
// errkind.ErrCorruption if the record was not disarmed - per spec.md §3.5,
// at most one intent of a given kind may be armed at a time.
func (r *Record) Arm(slots []Slot, oldValue uint64) error {
	if r.state() != StateDisarmed {
		return errkind.ErrCorruption
	}
	if len(slots) == 0 || len(slots) > MaxChain {
		return fmt.Errorf("intent: %s: invalid slot count %d", r.kind, len(slots))
	}
	for i, s := range slots {
		f := r.field(i)
		binary.LittleEndian.PutUint64(f[subAddr:], s.Addr)
		binary.LittleEndian.PutUint64(f[subSize:], s.Size)
		binary.LittleEndian.PutUint64(f[subAlign:], s.Align)
		binary.LittleEndian.PutUint64(f[subValue:], 0)
	}
	r.setCount(len(slots))
	r.setOldValue(oldValue)
	r.pst.Persist(r.buf[offCount : offFields+fieldSize*len(slots)])
	r.setState(StateArmed)
	r.pst.Persist(r.buf[offState:offCount])
	return nil
}

// ArmPinned transitions Disarmed -> Armed for a pin-key/pin-data record
// protecting more than one client pointer at once, recording each slot's
// own prior value independently instead of the single value Arm shares
// across every slot in the record. This is what lets one Disarm commit
// every protected slot atomically: Arm's shared oldValue can only describe
// restoring all slots to the same value, which is wrong whenever two
// different client pointers are pinned together (see
// pm/atomicupdate.Swap).
func (r *Record) ArmPinned(slots []Slot, oldValues []uint64) error {
	if r.state() != StateDisarmed {
		return errkind.ErrCorruption
	}
	if len(slots) != len(oldValues) {
		return fmt.Errorf("intent: %s: %d slots but %d old values", r.kind, len(slots), len(oldValues))
	}
	if len(slots) == 0 || len(slots) > MaxChain {
		return fmt.Errorf("intent: %s: invalid slot count %d", r.kind, len(slots))
	}
	for i, s := range slots {
		f := r.field(i)
		binary.LittleEndian.PutUint64(f[subAddr:], s.Addr)
		binary.LittleEndian.PutUint64(f[subSize:], s.Size)
		binary.LittleEndian.PutUint64(f[subAlign:], s.Align)
		binary.LittleEndian.PutUint64(f[subValue:], oldValues[i])
	}
	r.setCount(len(slots))
	// Recover reads a single-slot record's prior value from the shared
	// old-value field, so keep it in step with slot 0.
	r.setOldValue(oldValues[0])
	r.pst.Persist(r.buf[offCount : offFields+fieldSize*len(slots)])
	r.setState(StateArmed)
	r.pst.Persist(r.buf[offState:offCount])
	return nil
}

// RecordValues transitions Armed -> ArmedWithValue: the allocator has
// returned a value for every armed slot. From this point on, a crash
// before Disarm means the client never learned of these values, so
// recovery frees them.
func (r *Record) RecordValues(values []uint64) error {
	if r.state() != StateArmed {
		return errkind.ErrCorruption
	}
	n := r.count()
	if len(values) != n {
		return fmt.Errorf("intent: %s: expected %d values, got %d", r.kind, n, len(values))
	}
	for i, v := range values {
		binary.LittleEndian.PutUint64(r.field(i)[subValue:], v)
	}
	r.pst.Persist(r.buf[offFields : offFields+fieldSize*n])
	r.setState(StateArmedWithValue)
	r.pst.Persist(r.buf[offState:offCount])
	return nil
}

// RecordValue is RecordValues for the common single-slot case.
func (r *Record) RecordValue(value uint64) error {
	return r.RecordValues([]uint64{value})
}

// Disarm transitions back to Disarmed, the single store that marks the
// operation as having completed (or been abandoned cleanly) and makes the
// record available for the next arm.
func (r *Record) Disarm() {
	r.setState(StateDisarmed)
	r.setCount(0)
	r.setOldValue(0)
	r.pst.Persist(r.buf[offState:offFields])
}
