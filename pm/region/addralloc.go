package region

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/mcas-go/pmemkv/internal/errkind"
)

// arenaSize is the size of the process-wide address range reserved for
// region segments. It is reserved but not committed (PROT_NONE), so it
// costs no physical memory - only address space, which is plentiful on a
// 64-bit system. spec.md §4.1 calls this "a process-wide pool of addresses
// reserved at startup."
const arenaSize = 1 << 37 // 128 GiB of address space

// extent is a half-open [addr, addr+size) range.
type extent struct {
	addr uintptr
	size uint64
}

// addressAllocator hands out 2 MiB-aligned, non-overlapping address ranges
// from a single reserved arena, so that two regions never collide and a
// region reopened later can ask for its previously recorded address back.
type addressAllocator struct {
	mu    sync.Mutex
	base  uintptr
	limit uintptr
	used  []extent // sorted by addr
}

func newAddressAllocator() *addressAllocator {
	a := &addressAllocator{}
	base, err := reserveArena(arenaSize)
	if err != nil {
		// Reservation failure here means the process cannot manage any
		// regions at all; there is no degraded mode to fall back to.
		panic("region: could not reserve address arena: " + err.Error())
	}
	a.base = base
	a.limit = base + arenaSize
	return a
}

// reserveArena asks the kernel for a PROT_NONE mapping of size bytes
// anywhere in the address space, which claims the range without the kernel
// choosing to hand any of it out again until it is unmapped.
func reserveArena(size uint64) (uintptr, error) {
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, err
	}
	return uintptr(unsafe.Pointer(&b[0])), nil
}

func (a *addressAllocator) reserve(size uint64) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size = roundUp(size, SegmentAlignment)
	candidate := uintptr(roundUp(uint64(a.base), SegmentAlignment))
	for _, u := range a.used {
		if candidate+uintptr(size) <= u.addr {
			break
		}
		if candidate < u.addr+uintptr(u.size) {
			candidate = uintptr(roundUp(uint64(u.addr+uintptr(u.size)), SegmentAlignment))
		}
	}
	if candidate+uintptr(size) > a.limit {
		return 0, errkind.ErrNoSpace
	}
	a.insert(candidate, size)
	return candidate, nil
}

func (a *addressAllocator) reserveAt(addr uintptr, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if addr < a.base || addr+uintptr(size) > a.limit {
		return errkind.ErrAddressConflict
	}
	for _, u := range a.used {
		if addr < u.addr+uintptr(u.size) && u.addr < addr+uintptr(size) {
			return errkind.ErrAddressConflict
		}
	}
	a.insert(addr, size)
	return nil
}

func (a *addressAllocator) insert(addr uintptr, size uint64) {
	i := 0
	for i < len(a.used) && a.used[i].addr < addr {
		i++
	}
	a.used = append(a.used, extent{})
	copy(a.used[i+1:], a.used[i:])
	a.used[i] = extent{addr: addr, size: size}
}

func (a *addressAllocator) release(addr uintptr, size uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, u := range a.used {
		if u.addr == addr && u.size == size {
			a.used = append(a.used[:i], a.used[i+1:]...)
			return
		}
	}
}
