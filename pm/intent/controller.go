package intent

import (
	"fmt"

	"github.com/mcas-go/pmemkv/pm/persister"
)

// ControllerSize is the total byte footprint of a Controller's four
// records, the layout spec.md §6.3 reserves a fixed region for.
const ControllerSize = 4 * RecordSize

// FreeFunc releases a value previously allocated at slot.Addr with the size
// and alignment recorded in slot, and clears slot.Addr's persistent field
// back to zero. Used during recovery of an emplace or extend record left
// armed-with-value, where the allocation exists but the client never
// learned of it.
type FreeFunc func(slot Slot, value uint64)

// RestoreFunc writes oldValue back into the client pointer slot addr, used
// during recovery of a pin-key or pin-data record that was interrupted.
type RestoreFunc func(addr uint64, oldValue uint64)

// Controller owns exactly one Record per Kind, enforcing that at most one
// intent of each kind is armed for a pool at any time (spec.md §3.5).
type Controller struct {
	Emplace *Record
	Extend  *Record
	PinKey  *Record
	PinData *Record
}

// NewController wraps buf (which must be at least ControllerSize bytes,
// carved from the pool header's reserved intent-record region) as a
// Controller.
func NewController(buf []byte, pst persister.Persister) *Controller {
	if len(buf) < ControllerSize {
		panic(fmt.Sprintf("intent: buffer too small for a controller: %d < %d", len(buf), ControllerSize))
	}
	return &Controller{
		Emplace: NewRecord(KindEmplace, buf[0*RecordSize:1*RecordSize], pst),
		Extend:  NewRecord(KindExtend, buf[1*RecordSize:2*RecordSize], pst),
		PinKey:  NewRecord(KindPinKey, buf[2*RecordSize:3*RecordSize], pst),
		PinData: NewRecord(KindPinData, buf[3*RecordSize:4*RecordSize], pst),
	}
}

func (c *Controller) records() []*Record {
	return []*Record{c.Emplace, c.Extend, c.PinKey, c.PinData}
}

// Recover inspects every record and applies spec.md §4.4's recovery table.
// Emplace and extend only ever reach ArmedWithValue (via RecordValues),
// since the thing they need to undo - an allocation - does not exist until
// the allocator returns; until then Armed means "nothing to free yet".
// Pin-key and pin-data never call RecordValues: the value worth restoring
// (the client's pointer before this operation began) is captured at Arm
// time already, so Armed alone is all the information recovery needs for
// them.
//
//	disarmed                          -> nothing
//	armed,            emplace/extend  -> nothing (allocator had not returned)
//	armed,            pin-key/-data   -> restore the saved old value
//	armed-with-value, emplace/extend  -> free the recorded value (the
//	                                     client never learned of it) and
//	                                     clear its slot
//
// Either way the record is left disarmed afterward, ready for reuse. Each
// slot carries its own address, size, and alignment (recorded at Arm time),
// so free and restore never need to consult anything but the record itself
// - the whole point of carrying that much state durably in the first place.
func (c *Controller) Recover(free FreeFunc, restore RestoreFunc) {
	for _, r := range c.records() {
		switch r.state() {
		case StateDisarmed:
			continue
		case StateArmed:
			switch r.kind {
			case KindPinKey, KindPinData:
				slots := r.Slots()
				if len(slots) > 1 {
					// Armed via ArmPinned: each slot carries its own prior
					// value rather than one shared across all of them.
					values := r.Values()
					for i, slot := range slots {
						restore(slot.Addr, values[i])
					}
				} else {
					old := r.oldValue()
					for _, slot := range slots {
						restore(slot.Addr, old)
					}
				}
			}
			r.Disarm()
		case StateArmedWithValue:
			values := r.Values()
			for i, slot := range r.Slots() {
				free(slot, values[i])
			}
			r.Disarm()
		}
	}
}
