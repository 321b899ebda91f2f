// Package acl implements the Access-Control Façade (C7): it wraps a
// pm/kv.Store and, for a pool created with a non-zero authority id, gates
// every operation on per-authority permission bits stored as reserved
// `acs.<namespace>.<authority_id>` keys inside the very store it wraps
// (spec.md §3.6, §4.7).
package acl

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/mcas-go/pmemkv/internal/errkind"
	"github.com/mcas-go/pmemkv/pm/atomicupdate"
	"github.com/mcas-go/pmemkv/pm/kv"
)

// Namespace distinguishes ACL-key operations (control) from ordinary
// user-key operations (data), per spec.md §3.6.
type Namespace int

const (
	NamespaceControl Namespace = iota
	NamespaceData
)

func (ns Namespace) String() string {
	if ns == NamespaceControl {
		return "control"
	}
	return "data"
}

// Permission is a bitset of the three rights an ACL entry can grant.
type Permission uint64

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermList
	PermAll = PermRead | PermWrite | PermList
)

// authCheckKey is the reserved key whose presence (with authCheckSentinel
// as its value) marks a pool as access-controlled. Its own namespace is
// control, like every other acs.* key, so modifying it itself requires
// control permission once a pool is ACL-enabled.
const authCheckKey = "acs.auth_check"

var authCheckSentinel = []byte("pmemkv-acl-v1")

const aclKeyPrefix = "acs."

func isACLKey(key []byte) bool {
	return bytes.HasPrefix(key, []byte(aclKeyPrefix))
}

func aclKey(ns Namespace, authority uint64) string {
	return fmt.Sprintf("acs.%s.%d", ns, authority)
}

// Facade wraps a kv.Store with ACL enforcement. Every method takes the
// calling authority's id as its first argument.
type Facade struct {
	store   *kv.Store
	enabled bool
}

// Create wraps store as a brand-new pool's façade. When authority is
// non-zero, it writes the auth_check sentinel and grants authority `all`
// permission on both namespaces, making this pool ACL-enabled from this
// point on (spec.md §4.7: "When creating a pool with a non-zero authority
// id, the façade writes the sentinel and grants the creator all on both
// namespaces"). authority == 0 leaves the pool in legacy (unrestricted)
// mode permanently - there is no sentinel to discover on a later Open.
func Create(store *kv.Store, authority uint64) (*Facade, error) {
	f := &Facade{store: store}
	if authority == 0 {
		return f, nil
	}
	if err := store.Put([]byte(authCheckKey), authCheckSentinel, 0, 8); err != nil {
		return nil, err
	}
	if err := f.putPermission(authority, NamespaceControl, PermAll); err != nil {
		return nil, err
	}
	if err := f.putPermission(authority, NamespaceData, PermAll); err != nil {
		return nil, err
	}
	f.enabled = true
	return f, nil
}

// Open wraps store after a pool open, detecting ACL-enablement from
// whether auth_check already carries the sentinel value. "Opening a legacy
// pool grants all permissions by default" (spec.md §4.7) falls out of
// enabled staying false: check never denies anything in that case.
func Open(store *kv.Store) *Facade {
	f := &Facade{store: store}
	if v, err := store.Get([]byte(authCheckKey)); err == nil && bytes.Equal(v, authCheckSentinel) {
		f.enabled = true
	}
	return f
}

func (f *Facade) permissionsFor(authority uint64, ns Namespace) (Permission, error) {
	v, err := f.store.Get([]byte(aclKey(ns, authority)))
	if err == errkind.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(v) < 8 {
		return 0, errkind.ErrCorruption
	}
	return Permission(binary.LittleEndian.Uint64(v)), nil
}

func (f *Facade) putPermission(authority uint64, ns Namespace, perm Permission) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(perm))
	return f.store.Put([]byte(aclKey(ns, authority)), buf[:], 0, 8)
}

// check enforces that authority holds perm over the namespace key belongs
// to: control for any acs.*-prefixed key, data otherwise. On a
// non-ACL-enabled pool, every check passes.
func (f *Facade) check(authority uint64, key []byte, perm Permission) error {
	if !f.enabled {
		return nil
	}
	ns := NamespaceData
	if isACLKey(key) {
		ns = NamespaceControl
	}
	have, err := f.permissionsFor(authority, ns)
	if err != nil {
		return err
	}
	if have&perm == 0 {
		return errkind.ErrPermissionDenied
	}
	return nil
}

// checkList enforces list permission over the data namespace, the
// namespace iteration and find actually expose (ACL keys are always
// filtered out of their results regardless, per spec.md §4.7).
func (f *Facade) checkList(authority uint64) error {
	if !f.enabled {
		return nil
	}
	have, err := f.permissionsFor(authority, NamespaceData)
	if err != nil {
		return err
	}
	if have&PermList == 0 {
		return errkind.ErrPermissionDenied
	}
	return nil
}

// Grant sets target's permission bits for ns. Touches an acs.* key, so the
// caller needs control permission (or the pool must not be ACL-enabled).
func (f *Facade) Grant(authority, target uint64, ns Namespace, perm Permission) error {
	if err := f.check(authority, []byte(aclKey(ns, target)), PermWrite); err != nil {
		return err
	}
	return f.putPermission(target, ns, perm)
}

// Revoke clears target's permission bits for ns.
func (f *Facade) Revoke(authority, target uint64, ns Namespace) error {
	return f.Grant(authority, target, ns, 0)
}

// Put creates or replaces key's value, gated on authority's write
// permission over key's namespace.
func (f *Facade) Put(authority uint64, key, value []byte, flags uint64, align uint64) error {
	if err := f.check(authority, key, PermWrite); err != nil {
		return err
	}
	return f.store.Put(key, value, flags, align)
}

// Get returns key's value, gated on read permission.
func (f *Facade) Get(authority uint64, key []byte) ([]byte, error) {
	if err := f.check(authority, key, PermRead); err != nil {
		return nil, err
	}
	return f.store.Get(key)
}

// Erase removes key, gated on write permission.
func (f *Facade) Erase(authority uint64, key []byte) error {
	if err := f.check(authority, key, PermWrite); err != nil {
		return err
	}
	return f.store.Erase(key)
}

// AtomicUpdate applies ops to key's value, gated on write permission.
func (f *Facade) AtomicUpdate(authority uint64, key []byte, ops []atomicupdate.Op, align uint64) error {
	if err := f.check(authority, key, PermWrite); err != nil {
		return err
	}
	return f.store.AtomicUpdate(key, ops, align)
}

// Swap exchanges a's and b's values, gated on write permission over both.
func (f *Facade) Swap(authority uint64, a, b []byte) error {
	if err := f.check(authority, a, PermWrite); err != nil {
		return err
	}
	if err := f.check(authority, b, PermWrite); err != nil {
		return err
	}
	return f.store.Swap(a, b)
}

// Lock acquires an advisory per-key lock, gated the same as the access it
// is meant to protect: write permission for an exclusive lock, read for a
// shared one.
func (f *Facade) Lock(authority uint64, key []byte, mode kv.LockMode, timeout time.Duration) (*kv.LockHandle, error) {
	perm := PermRead
	if mode == kv.LockExclusive {
		perm = PermWrite
	}
	if err := f.check(authority, key, perm); err != nil {
		return nil, err
	}
	return f.store.Lock(key, mode, timeout)
}

// Unlock releases a handle obtained from Lock. Unlock itself is never
// denied - the caller already proved permission when it acquired the lock.
func (f *Facade) Unlock(h *kv.LockHandle) {
	f.store.Unlock(h)
}

// GetAttribute returns one of key's diagnostic attributes, gated on read
// permission.
func (f *Facade) GetAttribute(authority uint64, key []byte, attr string) (interface{}, error) {
	if err := f.check(authority, key, PermRead); err != nil {
		return nil, err
	}
	return f.store.GetAttribute(key, attr)
}

// Map calls fn for every live, non-ACL key/value pair, gated on list
// permission. ACL keys are never surfaced to a caller (spec.md §4.7).
func (f *Facade) Map(authority uint64, fn func(key, value []byte) bool) error {
	if err := f.checkList(authority); err != nil {
		return err
	}
	f.store.Map(func(k, v []byte) bool {
		if isACLKey(k) {
			return true
		}
		return fn(k, v)
	})
	return nil
}

// MapKeys calls fn for every live, non-ACL key.
func (f *Facade) MapKeys(authority uint64, fn func(key []byte) bool) error {
	return f.Map(authority, func(k, _ []byte) bool { return fn(k) })
}

// Find searches for expr as Store.Find does, skipping over any ACL-key
// match so that iteration never surfaces one, gated on list permission.
func (f *Facade) Find(authority uint64, expr string, ftype kv.FindType, offset uint64) (key []byte, nextOffset uint64, err error) {
	if err := f.checkList(authority); err != nil {
		return nil, 0, err
	}
	for {
		k, next, ferr := f.store.Find(expr, ftype, offset)
		if ferr != nil {
			return nil, 0, ferr
		}
		if !isACLKey(k) {
			return k, next, nil
		}
		offset = next
	}
}

// PoolAttribute returns pool-wide debugging attributes. These are
// diagnostic, not keyed to any namespace, so they are available to any
// authority regardless of ACL state.
func (f *Facade) PoolAttribute(attr string) (interface{}, error) {
	return f.store.PoolAttribute(attr)
}

// Enabled reports whether this pool enforces ACL checks.
func (f *Facade) Enabled() bool { return f.enabled }
