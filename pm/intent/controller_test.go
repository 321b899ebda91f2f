package intent

import (
	"testing"

	"github.com/mcas-go/pmemkv/pm/persister"
)

func newTestController() *Controller {
	buf := make([]byte, ControllerSize)
	return NewController(buf, &persister.NoopPersister{})
}

// TestControllerRecoverDisarmedIsNoop confirms a fully disarmed controller
// (the common case on a clean shutdown) invokes neither callback.
func TestControllerRecoverDisarmedIsNoop(t *testing.T) {
	c := newTestController()
	called := false
	c.Recover(
		func(Slot, uint64) { called = true },
		func(uint64, uint64) { called = true },
	)
	if called {
		t.Fatal("Recover invoked a callback on an all-disarmed controller")
	}
}

// TestControllerRecoverEmplaceArmedWithValueFrees exercises the
// "allocator returned but the client never learned of it" path: recovery
// must free exactly the recorded slot/value and leave the record
// disarmed.
func TestControllerRecoverEmplaceArmedWithValueFrees(t *testing.T) {
	c := newTestController()
	slot := Slot{Addr: 0x4000, Size: 128, Align: 8}
	if err := c.Emplace.Arm([]Slot{slot}, 0); err != nil {
		t.Fatal(err)
	}
	if err := c.Emplace.RecordValue(0x8000); err != nil {
		t.Fatal(err)
	}

	var freedSlot Slot
	var freedValue uint64
	freeCalls := 0
	c.Recover(
		func(s Slot, v uint64) {
			freedSlot, freedValue = s, v
			freeCalls++
		},
		func(uint64, uint64) { t.Fatal("restore called for an emplace record") },
	)

	if freeCalls != 1 {
		t.Fatalf("free called %d times, want 1", freeCalls)
	}
	if freedSlot != slot {
		t.Fatalf("freed slot = %+v, want %+v", freedSlot, slot)
	}
	if freedValue != 0x8000 {
		t.Fatalf("freed value = %x, want 8000", freedValue)
	}
	if c.Emplace.State() != StateDisarmed {
		t.Fatalf("Emplace state after recovery = %v, want Disarmed", c.Emplace.State())
	}
}

// TestControllerRecoverExtendArmedOnlyIsNoop: the allocator had not
// returned yet when the crash happened, so there is nothing to free -
// only the record itself needs clearing.
func TestControllerRecoverExtendArmedOnlyIsNoop(t *testing.T) {
	c := newTestController()
	if err := c.Extend.Arm([]Slot{{Addr: 1, Size: 4096, Align: 4096}}, 0); err != nil {
		t.Fatal(err)
	}

	freeCalls := 0
	c.Recover(
		func(Slot, uint64) { freeCalls++ },
		func(uint64, uint64) { t.Fatal("restore called for an extend record") },
	)
	if freeCalls != 0 {
		t.Fatalf("free called %d times on an allocator-not-yet-returned record, want 0", freeCalls)
	}
	if c.Extend.State() != StateDisarmed {
		t.Fatal("Extend record not disarmed after recovery")
	}
}

// TestControllerRecoverPinKeyRestoresOldValue exercises the pin-key/
// pin-data path: Armed alone (no RecordValues) means recovery restores the
// value that was saved at Arm time.
func TestControllerRecoverPinKeyRestoresOldValue(t *testing.T) {
	c := newTestController()
	if err := c.PinKey.Arm([]Slot{{Addr: 0x100}}, 0xCAFE); err != nil {
		t.Fatal(err)
	}

	var restoredAddr, restoredValue uint64
	restoreCalls := 0
	c.Recover(
		func(Slot, uint64) { t.Fatal("free called for a pin-key record") },
		func(addr, old uint64) {
			restoredAddr, restoredValue = addr, old
			restoreCalls++
		},
	)
	if restoreCalls != 1 {
		t.Fatalf("restore called %d times, want 1", restoreCalls)
	}
	if restoredAddr != 0x100 || restoredValue != 0xCAFE {
		t.Fatalf("restore(%x, %x), want (100, CAFE)", restoredAddr, restoredValue)
	}
	if c.PinKey.State() != StateDisarmed {
		t.Fatal("PinKey record not disarmed after recovery")
	}
}

// TestControllerRecoverArmPinnedRestoresPerSlotOldValues exercises the
// multi-slot pin-data path ArmPinned arms: each slot carries its own old
// value rather than the single value Arm shares across a whole record, so
// recovery must restore each slot to its own value, not to the first
// slot's value or to a value read from the record's legacy shared field.
func TestControllerRecoverArmPinnedRestoresPerSlotOldValues(t *testing.T) {
	c := newTestController()
	slots := []Slot{{Addr: 0x100}, {Addr: 0x200}}
	oldValues := []uint64{0xCAFE, 0xBEEF}
	if err := c.PinData.ArmPinned(slots, oldValues); err != nil {
		t.Fatal(err)
	}

	type call struct{ addr, value uint64 }
	var restores []call
	c.Recover(
		func(Slot, uint64) { t.Fatal("free called for a pin-data record") },
		func(addr, old uint64) { restores = append(restores, call{addr, old}) },
	)
	if len(restores) != 2 {
		t.Fatalf("restore called %d times, want 2", len(restores))
	}
	if restores[0] != (call{0x100, 0xCAFE}) {
		t.Fatalf("restore[0] = %+v, want {100 CAFE}", restores[0])
	}
	if restores[1] != (call{0x200, 0xBEEF}) {
		t.Fatalf("restore[1] = %+v, want {200 BEEF}", restores[1])
	}
	if c.PinData.State() != StateDisarmed {
		t.Fatal("PinData record not disarmed after recovery")
	}
}

// TestControllerRecoverMultipleRecordsIndependent confirms recovery
// processes all four records independently in one pass.
func TestControllerRecoverMultipleRecordsIndependent(t *testing.T) {
	c := newTestController()
	if err := c.Emplace.Arm([]Slot{{Addr: 1, Size: 8, Align: 8}}, 0); err != nil {
		t.Fatal(err)
	}
	if err := c.Emplace.RecordValue(0x10); err != nil {
		t.Fatal(err)
	}
	if err := c.PinData.Arm([]Slot{{Addr: 2}}, 0x20); err != nil {
		t.Fatal(err)
	}

	var frees, restores int
	c.Recover(
		func(Slot, uint64) { frees++ },
		func(uint64, uint64) { restores++ },
	)
	if frees != 1 || restores != 1 {
		t.Fatalf("frees=%d restores=%d, want 1 and 1", frees, restores)
	}
	for _, r := range c.records() {
		if r.State() != StateDisarmed {
			t.Errorf("%s record not disarmed after recovery", r.Kind())
		}
	}
}
