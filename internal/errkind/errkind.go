// Package errkind defines the error taxonomy pmemkv's public operations
// return. Every component maps its internal failures onto one of these
// sentinels before returning to a caller, so a client can switch on
// errors.Is instead of parsing messages.
package errkind

import "github.com/NebulousLabs/errors"

var (
	// ErrNotFound is returned when a lookup for a key, pool, or region finds
	// nothing.
	ErrNotFound = errors.New("not found")

	// ErrRegionNotFound is returned by region open when the named region has
	// no side-file entry.
	ErrRegionNotFound = errors.New("region not found")

	// ErrAlreadyExists is returned when a create would collide with an
	// existing pool or, under DONT_STOMP, an existing key.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNoSpace is returned when an allocation cannot be satisfied from the
	// region's free space, including the case the original prototype called
	// out-of-memory: pmemkv always surfaces exhaustion as NoSpace.
	ErrNoSpace = errors.New("no space")

	// ErrPermissionDenied is returned when the calling authority lacks the
	// ACL permission a data or control operation requires.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrAddressConflict is returned when a region's recorded base address
	// cannot be honored because something else already occupies it.
	ErrAddressConflict = errors.New("address conflict")

	// ErrSizeMismatch is returned when a region's side-file size disagrees
	// with what is actually mapped on disk.
	ErrSizeMismatch = errors.New("size mismatch")

	// ErrInUse is returned when a pool or region delete is requested while a
	// handle to it is still open.
	ErrInUse = errors.New("in use")

	// ErrInvalidHandle is returned when an operation is given a pool handle
	// that close_pool has already torn down.
	ErrInvalidHandle = errors.New("invalid pool handle")

	// ErrWouldBlock is returned by a non-blocking lock attempt that could
	// not immediately acquire the requested key.
	ErrWouldBlock = errors.New("would block")

	// ErrTimeout is returned by a bounded lock attempt that did not acquire
	// the requested key within its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrCorruption marks an invariant violation discovered while
	// reconstituting or validating persistent state. Callers should treat
	// the pool as unsafe; components log it through build.Critical before
	// returning it.
	ErrCorruption = errors.New("corruption detected, pool is unsafe")

	// ErrTransient marks an I/O failure - typically a failed flush or
	// mmap - that is retried a bounded number of times before being
	// surfaced under this sentinel.
	ErrTransient = errors.New("transient I/O failure")
)
