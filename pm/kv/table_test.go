package kv

import (
	"fmt"
	"testing"

	"github.com/mcas-go/pmemkv/pm/heap"
	"github.com/mcas-go/pmemkv/pm/intent"
	"github.com/mcas-go/pmemkv/pm/persister"
)

func newTestTable(t *testing.T, expectedObjCount uint64) (*Table, heap.Heap, *intent.Controller) {
	t.Helper()
	pst := &persister.NoopPersister{}
	headSlot := make([]byte, 8)
	h := heap.NewCCHeap(headSlot, pst)
	region := make([]byte, 16<<20)
	h.AddRegion(heap.AddrOf(region), uint64(len(region)))

	icBuf := make([]byte, intent.ControllerSize)
	ic := intent.NewController(icBuf, pst)

	root := make([]byte, rootSize)
	tbl, err := NewTable(root, h, ic, pst, expectedObjCount)
	if err != nil {
		t.Fatal(err)
	}
	return tbl, h, ic
}

func TestTableInsertLookupErase(t *testing.T) {
	tbl, h, _ := newTestTable(t, 16)

	needsRehash, err := tbl.insertNew([]byte("k1"), []byte("v1"), 8, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if needsRehash {
		t.Fatal("unexpected rehash signal on a fresh, sparsely-loaded table")
	}

	e, ok := tbl.lookup([]byte("k1"))
	if !ok {
		t.Fatal("lookup did not find just-inserted key")
	}
	if string(e.Value()) != "v1" {
		t.Fatalf("Value() = %q, want v1", e.Value())
	}

	valPtr, valLen, valAlign, keyPtr, keyLen, found := tbl.eraseLocked([]byte("k1"))
	if !found {
		t.Fatal("eraseLocked did not find key")
	}
	h.Free(valPtr, valLen, valAlign)
	h.Free(keyPtr, keyLen, 8)

	if _, ok := tbl.lookup([]byte("k1")); ok {
		t.Fatal("lookup still finds an erased key")
	}
}

// TestTableDenseInsertKeepsEveryKeyFindable fills a 16-bucket table with 10
// keys, densely enough that several home buckets collide - every key
// inserted must still be findable afterward regardless of which slot it
// ended up in. The 32-bucket neighborhood is wider than this table, so
// bringWithinNeighborhood never has to relocate an entry here.
func TestTableDenseInsertKeepsEveryKeyFindable(t *testing.T) {
	tbl, _, _ := newTestTable(t, 8) // small table, 16 buckets to start

	const n = 10
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("k%d", i))
		v := []byte(fmt.Sprintf("v%d", i))
		needsRehash, err := tbl.insertNew(k, v, 8, 0, uint64(i))
		if err != nil {
			t.Fatalf("insertNew(%s): %v", k, err)
		}
		if needsRehash {
			if err := tbl.rehash(); err != nil {
				t.Fatalf("rehash: %v", err)
			}
			if _, err := tbl.insertNew(k, v, 8, 0, uint64(i)); err != nil {
				t.Fatalf("insertNew(%s) after rehash: %v", k, err)
			}
		}
	}

	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("k%d", i))
		want := fmt.Sprintf("v%d", i)
		e, ok := tbl.lookup(k)
		if !ok {
			t.Fatalf("lookup(%s) failed after dense inserts", k)
		}
		if string(e.Value()) != want {
			t.Fatalf("lookup(%s).Value() = %q, want %q", k, e.Value(), want)
		}
	}
}

// TestTableRehashPreservesAllEntries exercises rehash directly: every key
// present before growing the bucket array must still resolve to the same
// value afterward, and the table's size counter must be unaffected (rehash
// moves slot metadata, not logical entries).
func TestTableRehashPreservesAllEntries(t *testing.T) {
	tbl, _, _ := newTestTable(t, 4)

	keys := make([][]byte, 0, 20)
	for i := 0; i < 20; i++ {
		k := []byte(fmt.Sprintf("key%02d", i))
		v := []byte(fmt.Sprintf("val%02d", i))
		needsRehash, err := tbl.insertNew(k, v, 8, 0, uint64(i))
		if err != nil {
			t.Fatalf("insertNew: %v", err)
		}
		keys = append(keys, k)
		if needsRehash {
			if err := tbl.rehash(); err != nil {
				t.Fatalf("rehash: %v", err)
			}
			if _, err := tbl.insertNew(k, v, 8, 0, uint64(i)); err != nil {
				t.Fatal(err)
			}
		}
	}

	beforeSize := tbl.size()
	if err := tbl.rehash(); err != nil {
		t.Fatalf("explicit rehash: %v", err)
	}
	if tbl.size() != beforeSize {
		t.Fatalf("size changed across rehash: %d -> %d", beforeSize, tbl.size())
	}

	for i, k := range keys {
		want := fmt.Sprintf("val%02d", i)
		e, ok := tbl.lookup(k)
		if !ok {
			t.Fatalf("lookup(%s) failed after explicit rehash", k)
		}
		if string(e.Value()) != want {
			t.Fatalf("lookup(%s).Value() = %q, want %q", k, e.Value(), want)
		}
	}
}

// TestInsertNewCrashBeforeKeyPtrCommitLeaksNotCorrupts simulates a crash
// after the value's emplace intent is disarmed but before the slot's
// keyPtr is written (the last step of insertNew): the slot must still read
// as empty, and the emplace record must be fully disarmed (recovery has
// nothing left to do, since nothing was left armed-with-value undisarmed)
// - spec.md §8 scenario 2's "never corruption" guarantee.
func TestInsertNewCrashBeforeKeyPtrCommitLeaksNotCorrupts(t *testing.T) {
	pst := &persister.NoopPersister{}
	headSlot := make([]byte, 8)
	h := heap.NewCCHeap(headSlot, pst)
	region := make([]byte, 1<<20)
	h.AddRegion(heap.AddrOf(region), uint64(len(region)))

	icBuf := make([]byte, intent.ControllerSize)
	ic := intent.NewController(icBuf, pst)
	root := make([]byte, rootSize)
	tbl, err := NewTable(root, h, ic, pst, 16)
	if err != nil {
		t.Fatal(err)
	}

	home := tbl.home(hashKey([]byte("k"), tbl.salt()))
	slotBefore := tbl.bucket(home)
	if !slotBefore.Empty() {
		t.Fatal("test assumes an empty home slot before insert")
	}

	// Run everything insertNew does except the final setKeyPtr commit, to
	// simulate a crash landing exactly there.
	e := tbl.bucket(home)
	keySlot := intent.Slot{Addr: uint64(e.Addr()) + offKeyPtr, Size: 1, Align: 8}
	if err := ic.Emplace.Arm([]intent.Slot{keySlot}, 0); err != nil {
		t.Fatal(err)
	}
	keyPtr, err := h.Alloc(1, 8)
	if err != nil {
		t.Fatal(err)
	}
	copy(heap.Bytes(keyPtr, 1), []byte("k"))
	if err := ic.Emplace.RecordValue(uint64(keyPtr)); err != nil {
		t.Fatal(err)
	}
	ic.Emplace.Disarm()
	e.setKeyLen(1)
	// Crash simulated here: keyPtr is never written.

	if !tbl.bucket(home).Empty() {
		t.Fatal("slot reads as occupied despite keyPtr never being committed")
	}
	if ic.Emplace.State() != intent.StateDisarmed {
		t.Fatal("emplace record left armed after its own disarm")
	}
	if _, ok := tbl.lookup([]byte("k")); ok {
		t.Fatal("lookup finds a key whose slot was never committed")
	}
}
