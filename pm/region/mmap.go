package region

import (
	"os"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// mapAt maps the whole of f at absolute address addr.
func mapAt(f *os.File, addr uintptr, size uint64) (*Segment, error) {
	return mapAtOffset(f, addr, size, 0)
}

// mapAtOffset maps size bytes of f starting at file offset fileOffset into
// the process's address space at absolute address addr. mmap-go does not
// expose fixed-address mapping, so the fixed mapping itself goes through a
// raw mmap(2) call; the resulting bytes are then wrapped in an mmap.MMap so
// callers still get mmap-go's portable Flush/Unmap behavior.
func mapAtOffset(f *os.File, addr uintptr, size uint64, fileOffset int64) (*Segment, error) {
	b, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		uintptr(size),
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		f.Fd(),
		uintptr(fileOffset),
	)
	if errno != 0 {
		return nil, errno
	}
	if b != addr {
		// MAP_FIXED is documented to either honor the address or fail; if
		// the kernel silently picked somewhere else, refuse to proceed -
		// region segments must live at their recorded address.
		unix.Syscall6(unix.SYS_MUNMAP, b, uintptr(size), 0, 0, 0, 0)
		return nil, unix.EINVAL
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
	return &Segment{Addr: addr, Size: size, mm: mmap.MMap(data)}, nil
}
