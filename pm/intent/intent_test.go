package intent

import (
	"testing"

	"github.com/mcas-go/pmemkv/pm/persister"
)

func newTestRecord(kind Kind) *Record {
	buf := make([]byte, RecordSize)
	return NewRecord(kind, buf, &persister.NoopPersister{})
}

func TestRecordArmDisarmLifecycle(t *testing.T) {
	r := newTestRecord(KindEmplace)
	if r.State() != StateDisarmed {
		t.Fatalf("new record state = %v, want Disarmed", r.State())
	}

	slot := Slot{Addr: 0x1000, Size: 64, Align: 8}
	if err := r.Arm([]Slot{slot}, 0xDEAD); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if r.State() != StateArmed {
		t.Fatalf("state after Arm = %v, want Armed", r.State())
	}
	if got := r.OldValue(); got != 0xDEAD {
		t.Fatalf("OldValue = %x, want DEAD", got)
	}
	slots := r.Slots()
	if len(slots) != 1 || slots[0] != slot {
		t.Fatalf("Slots = %+v, want [%+v]", slots, slot)
	}

	if err := r.RecordValue(0x2000); err != nil {
		t.Fatalf("RecordValue: %v", err)
	}
	if r.State() != StateArmedWithValue {
		t.Fatalf("state after RecordValue = %v, want ArmedWithValue", r.State())
	}
	if got := r.Values(); len(got) != 1 || got[0] != 0x2000 {
		t.Fatalf("Values = %v, want [0x2000]", got)
	}

	r.Disarm()
	if r.State() != StateDisarmed {
		t.Fatalf("state after Disarm = %v, want Disarmed", r.State())
	}
	if len(r.Slots()) != 0 {
		t.Fatalf("Slots after Disarm = %v, want empty", r.Slots())
	}
}

func TestRecordArmRejectsDoubleArm(t *testing.T) {
	r := newTestRecord(KindPinKey)
	if err := r.Arm([]Slot{{Addr: 1, Size: 0, Align: 0}}, 0); err != nil {
		t.Fatalf("first Arm: %v", err)
	}
	if err := r.Arm([]Slot{{Addr: 2, Size: 0, Align: 0}}, 0); err == nil {
		t.Fatal("second Arm on an already-armed record succeeded, want error")
	}
}

func TestRecordValuesRejectsWrongState(t *testing.T) {
	r := newTestRecord(KindExtend)
	if err := r.RecordValue(1); err == nil {
		t.Fatal("RecordValue on a disarmed record succeeded, want error")
	}
}

func TestRecordValuesRejectsCountMismatch(t *testing.T) {
	r := newTestRecord(KindExtend)
	if err := r.Arm([]Slot{{Addr: 1}, {Addr: 2}}, 0); err != nil {
		t.Fatal(err)
	}
	if err := r.RecordValues([]uint64{1}); err == nil {
		t.Fatal("RecordValues with wrong slot count succeeded, want error")
	}
}

func TestRecordMultiSlotChain(t *testing.T) {
	r := newTestRecord(KindExtend)
	slots := []Slot{
		{Addr: 0x10, Size: 4096, Align: 4096},
		{Addr: 0x20, Size: 4096, Align: 4096},
		{Addr: 0x30, Size: 4096, Align: 4096},
	}
	if err := r.Arm(slots, 0); err != nil {
		t.Fatal(err)
	}
	if err := r.RecordValues([]uint64{0x100, 0x200, 0x300}); err != nil {
		t.Fatal(err)
	}
	got := r.Slots()
	if len(got) != 3 {
		t.Fatalf("Slots len = %d, want 3", len(got))
	}
	for i, s := range got {
		if s != slots[i] {
			t.Errorf("Slots[%d] = %+v, want %+v", i, s, slots[i])
		}
	}
	values := r.Values()
	for i, want := range []uint64{0x100, 0x200, 0x300} {
		if values[i] != want {
			t.Errorf("Values[%d] = %x, want %x", i, values[i], want)
		}
	}
}

func TestRecordArmPinnedCarriesPerSlotOldValues(t *testing.T) {
	r := newTestRecord(KindPinData)
	slots := []Slot{{Addr: 0x10}, {Addr: 0x20}}
	oldValues := []uint64{0xAAAA, 0xBBBB}
	if err := r.ArmPinned(slots, oldValues); err != nil {
		t.Fatalf("ArmPinned: %v", err)
	}
	if r.State() != StateArmed {
		t.Fatalf("state after ArmPinned = %v, want Armed", r.State())
	}
	got := r.Values()
	if len(got) != 2 || got[0] != oldValues[0] || got[1] != oldValues[1] {
		t.Fatalf("Values = %v, want %v", got, oldValues)
	}

	r.Disarm()
	if r.State() != StateDisarmed {
		t.Fatal("Disarm did not clear ArmPinned's state")
	}
}

func TestRecordArmPinnedRejectsSlotValueCountMismatch(t *testing.T) {
	r := newTestRecord(KindPinData)
	if err := r.ArmPinned([]Slot{{Addr: 1}, {Addr: 2}}, []uint64{1}); err == nil {
		t.Fatal("ArmPinned with mismatched slot/value counts succeeded, want error")
	}
}

func TestRecordArmPinnedRejectsDoubleArm(t *testing.T) {
	r := newTestRecord(KindPinKey)
	if err := r.ArmPinned([]Slot{{Addr: 1}}, []uint64{0}); err != nil {
		t.Fatalf("first ArmPinned: %v", err)
	}
	if err := r.ArmPinned([]Slot{{Addr: 2}}, []uint64{0}); err == nil {
		t.Fatal("ArmPinned on an already-armed record succeeded, want error")
	}
}
