// Package pool implements the Pool API (§6.1): it wires the region manager
// (C1), one of the two persistent heap flavors (C3), the intent controller
// (C4), the atomic-update controller (C5), the key-value store (C6), and
// the access-control façade (C7) together over a single pool header laid
// out exactly as spec.md §6.3 describes - offset 0 carries a fixed
// tracked-allocation anchor, followed by the table's root and the intent
// records.
package pool

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/NebulousLabs/threadgroup"

	"github.com/mcas-go/pmemkv/internal/build"
	"github.com/mcas-go/pmemkv/internal/config"
	"github.com/mcas-go/pmemkv/internal/errkind"
	"github.com/mcas-go/pmemkv/internal/persist"
	"github.com/mcas-go/pmemkv/pm/acl"
	"github.com/mcas-go/pmemkv/pm/atomicupdate"
	"github.com/mcas-go/pmemkv/pm/heap"
	"github.com/mcas-go/pmemkv/pm/intent"
	"github.com/mcas-go/pmemkv/pm/kv"
	"github.com/mcas-go/pmemkv/pm/persister"
	"github.com/mcas-go/pmemkv/pm/region"
)

// Flavor selects which of the two persistent heap implementations (C3) a
// pool is created with. spec.md §4.3's crash-consistent (CC) and
// reconstituting (RC) flavors are functionally interchangeable from the
// Pool API's point of view, so the choice is a create_pool-time option
// rather than a separate code path above this package.
type Flavor int

const (
	FlavorCC Flavor = iota
	FlavorRC
)

func (f Flavor) String() string {
	if f == FlavorRC {
		return "rc"
	}
	return "cc"
}

// headerAnchorSize mirrors pm/heap's unexported RC tracked-allocation
// header size. spec.md §6.3 places this fixed shape at offset 0 of every
// pool header regardless of flavor, so a CC-flavor pool reserves the same
// footprint even though it only ever uses the first 8 bytes of it as its
// free-list head pointer: the header's byte layout cannot depend on which
// flavor created it, since open_pool has to read it before it knows.
const headerAnchorSize = 32

// headerTableRootSize mirrors pm/kv's unexported rootSize.
const headerTableRootSize = 32

// HeaderSize is the total fixed-layout footprint carved out of segment 0 of
// every pool (spec.md §6.3): the tracked-allocation anchor, the table's
// root, and the four intent records.
const HeaderSize = headerAnchorSize + headerTableRootSize + intent.ControllerSize

const (
	offAnchor = 0
	offTable  = offAnchor + headerAnchorSize
	offIntent = offTable + headerTableRootSize
)

// CreateOptions configures create_pool (spec.md §6.1).
type CreateOptions struct {
	// Size is the pool's initial capacity, rounded up to region.SegmentAlignment
	// and to at least HeaderSize.
	Size     uint64
	NUMANode int
	// ExpectedObjCount presizes the hash table to avoid early rehash-driven
	// extend intents (original_source, SPEC_FULL §4 point 3).
	ExpectedObjCount uint64
	// Authority, when non-zero, enables the access-control façade and
	// grants the creator `all` permission on both namespaces (spec.md §4.7).
	Authority uint64
	Flavor    Flavor
}

// Manager creates, opens, and deletes named pools rooted under a single
// directory.
type Manager struct {
	dir       string
	log       *persist.Logger
	env       config.Env
	regionMgr *region.Manager

	mu   sync.Mutex
	open map[string]*Pool
}

// NewManager returns a Manager rooted at dir, reading USE_ODP,
// FI_MR_CACHE_MONITOR, and LEAK_CHECK from the process environment
// (spec.md §6.4).
func NewManager(dir string, log *persist.Logger) (*Manager, error) {
	rm, err := region.NewManager(dir, log, config.ProductionDependencies{})
	if err != nil {
		return nil, err
	}
	return &Manager{
		dir:       dir,
		log:       log,
		env:       config.FromEnviron(),
		regionMgr: rm,
		open:      make(map[string]*Pool),
	}, nil
}

// CreatePool implements create_pool.
func (m *Manager) CreatePool(name string, opts CreateOptions) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.open[name]; exists {
		return nil, errkind.ErrAlreadyExists
	}
	if opts.Size < HeaderSize {
		opts.Size = HeaderSize
	}

	desc, err := m.regionMgr.Create(name, opts.Size, opts.NUMANode)
	if err != nil {
		return nil, err
	}

	s := poolSettings{Flavor: opts.Flavor, ExpectedObjCount: opts.ExpectedObjCount, Authority: opts.Authority}
	if err := saveSettings(m.dir, name, s); err != nil {
		m.regionMgr.Close(desc)
		m.regionMgr.Erase(name)
		return nil, err
	}

	p, err := newPool(name, desc, s, m.env, m.log, true)
	if err != nil {
		m.regionMgr.Close(desc)
		return nil, err
	}
	m.open[name] = p
	return p, nil
}

// OpenPool implements open_pool.
func (m *Manager) OpenPool(name string) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, exists := m.open[name]; exists {
		return p, nil
	}

	s, err := loadSettings(m.dir, name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errkind.ErrNotFound
		}
		return nil, err
	}

	desc, err := m.regionMgr.Open(name)
	if err != nil {
		return nil, err
	}

	p, err := newPool(name, desc, s, m.env, m.log, false)
	if err != nil {
		m.regionMgr.Close(desc)
		return nil, err
	}
	m.open[name] = p
	return p, nil
}

// ClosePool implements close_pool: it stops p's thread group (waiting for
// any in-flight operation to finish), runs the LEAK_CHECK diagnostic if
// enabled, and unmaps its region.
func (m *Manager) ClosePool(p *Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := p.close(); err != nil {
		return err
	}
	delete(m.open, p.name)
	return m.regionMgr.Close(p.desc)
}

// DeletePool implements delete_pool. The pool must not be open.
func (m *Manager) DeletePool(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.open[name]; exists {
		return errkind.ErrInUse
	}
	if err := m.regionMgr.Erase(name); err != nil {
		return err
	}
	if err := os.Remove(settingsPath(m.dir, name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// GrowPool implements grow_pool: increment bytes (rounded up to
// region.SegmentAlignment) are mapped as a new segment and registered with
// p's heap as additional free space.
func (m *Manager) GrowPool(p *Pool, increment int64) (uint64, error) {
	return p.grow(m.regionMgr, increment)
}

// Pool is an open pool handle: the put/get/erase/lock/map/find/
// atomic_update surface of spec.md §6.1, gated through its access-control
// façade.
type Pool struct {
	name string

	desc   *region.Descriptor
	h      heap.Heap
	ic     *intent.Controller
	pst    persister.Persister
	log    *persist.Logger
	store  *kv.Store
	facade *acl.Facade
	flavor Flavor
	env    config.Env

	tg threadgroup.ThreadGroup

	mu     sync.Mutex
	closed bool
}

func newPool(name string, desc *region.Descriptor, s poolSettings, env config.Env, log *persist.Logger, fresh bool) (*Pool, error) {
	if len(desc.Segments) == 0 {
		return nil, errkind.ErrCorruption
	}
	seg0 := desc.Segments[0]
	if seg0.Size < HeaderSize {
		return nil, errkind.ErrCorruption
	}
	pst := persister.NewMMapPersister(seg0)
	header := seg0.Bytes()[:HeaderSize]

	anchorBuf := header[offAnchor : offAnchor+headerAnchorSize]
	root := header[offTable : offTable+headerTableRootSize]
	icBuf := header[offIntent : offIntent+intent.ControllerSize]

	var h heap.Heap
	switch s.Flavor {
	case FlavorRC:
		anchor := heap.NewRCAnchor(anchorBuf, pst)
		rc := heap.NewRCHeap(anchor, pst)
		addRegionSpace(rc, seg0, desc.Segments[1:])
		if !fresh {
			rc.Reconstitute()
		}
		h = rc
	default:
		cc := heap.NewCCHeap(anchorBuf[:8], pst)
		if fresh {
			addRegionSpace(cc, seg0, desc.Segments[1:])
		}
		// A reopened CC heap rebuilds its indexes by walking the
		// persistent free-list from the head pointer alone; calling
		// AddRegion again here would double-register already-free space.
		h = cc
	}

	ic := intent.NewController(icBuf, pst)

	var free func(intent.Slot, uint64)
	var restore func(uint64, uint64)
	if !fresh {
		free = func(slot intent.Slot, value uint64) {
			if value != 0 {
				h.Free(heap.Ptr(value), slot.Size, slot.Align)
			}
		}
		restore = func(addr uint64, oldValue uint64) {
			b := heap.Bytes(heap.Ptr(addr), 8)
			binary.LittleEndian.PutUint64(b, oldValue)
			pst.Persist(b)
		}
		ic.Recover(free, restore)
	}

	au := atomicupdate.New(h, ic, pst)

	var store *kv.Store
	var err error
	if fresh {
		store, err = kv.New(root, h, ic, au, pst, log, s.ExpectedObjCount)
	} else {
		store = kv.Open(root, h, ic, au, pst, log)
	}
	if err != nil {
		return nil, err
	}

	var facade *acl.Facade
	if fresh {
		facade, err = acl.Create(store, s.Authority)
		if err != nil {
			return nil, err
		}
	} else {
		facade = acl.Open(store)
	}

	return &Pool{
		name:   name,
		desc:   desc,
		h:      h,
		ic:     ic,
		pst:    pst,
		log:    log,
		store:  store,
		facade: facade,
		flavor: s.Flavor,
		env:    env,
	}, nil
}

// addRegionSpace registers seg0's tail past the pool header, plus every
// other segment in full, as heap-managed free space.
func addRegionSpace(h heap.Heap, seg0 *region.Segment, rest []*region.Segment) {
	h.AddRegion(heap.Ptr(seg0.Addr)+HeaderSize, seg0.Size-HeaderSize)
	for _, seg := range rest {
		h.AddRegion(heap.Ptr(seg.Addr), seg.Size)
	}
}

func (p *Pool) grow(rm *region.Manager, increment int64) (uint64, error) {
	if err := p.tg.Add(); err != nil {
		return 0, errkind.ErrInvalidHandle
	}
	defer p.tg.Done()

	before := len(p.desc.Segments)
	newSize, err := rm.Resize(p.desc, increment)
	if err != nil {
		return 0, err
	}
	for _, seg := range p.desc.Segments[before:] {
		p.h.AddRegion(heap.Ptr(seg.Addr), seg.Size)
	}
	return newSize, nil
}

func (p *Pool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errkind.ErrInvalidHandle
	}
	if err := p.tg.Stop(); err != nil {
		return err
	}
	if p.env.LeakCheck {
		p.runLeakCheck()
	}
	p.closed = true
	return nil
}

// runLeakCheck implements SPEC_FULL §4 point 6: for the RC flavor, walk the
// tracked-allocation list and warn (never free) about any allocation that
// is neither reachable from the KV store nor the recorded value of a
// currently armed intent record. The CC flavor has no separate tracked
// list to walk - its only durable bookkeeping is the free-list itself, so
// an allocation is reachable as live simply by not appearing there, which
// this diagnostic does not need to re-derive.
func (p *Pool) runLeakCheck() {
	rc, ok := p.h.(*heap.RCHeap)
	if !ok {
		return
	}
	reachable := make(map[heap.Ptr]bool)
	for _, addr := range p.store.LiveAllocations() {
		reachable[addr] = true
	}
	for _, r := range []*intent.Record{p.ic.Emplace, p.ic.Extend, p.ic.PinKey, p.ic.PinData} {
		if r.State() != intent.StateArmedWithValue {
			continue
		}
		for _, v := range r.Values() {
			reachable[heap.Ptr(v)] = true
		}
	}
	var leaks []error
	for _, addr := range rc.TrackedAddrs() {
		if reachable[addr] {
			continue
		}
		leaks = append(leaks, fmt.Errorf("allocation at %v is not reachable from the store or any armed intent", addr))
	}
	if report := build.JoinErrors(leaks, "; "); report != nil {
		p.log.Severe("pool: LEAK_CHECK:", report)
	}
}

// Put implements put/put_direct.
func (p *Pool) Put(authority uint64, key, value []byte, flags uint64, align uint64) error {
	if err := p.enter(); err != nil {
		return err
	}
	defer p.tg.Done()
	return p.facade.Put(authority, key, value, flags, align)
}

// Get implements get/get_direct.
func (p *Pool) Get(authority uint64, key []byte) ([]byte, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.tg.Done()
	return p.facade.Get(authority, key)
}

// Erase implements erase.
func (p *Pool) Erase(authority uint64, key []byte) error {
	if err := p.enter(); err != nil {
		return err
	}
	defer p.tg.Done()
	return p.facade.Erase(authority, key)
}

// AtomicUpdate implements atomic_update.
func (p *Pool) AtomicUpdate(authority uint64, key []byte, ops []atomicupdate.Op, align uint64) error {
	if err := p.enter(); err != nil {
		return err
	}
	defer p.tg.Done()
	return p.facade.AtomicUpdate(authority, key, ops, align)
}

// Swap exchanges a's and b's values (spec.md §4.5).
func (p *Pool) Swap(authority uint64, a, b []byte) error {
	if err := p.enter(); err != nil {
		return err
	}
	defer p.tg.Done()
	return p.facade.Swap(authority, a, b)
}

// Lock implements lock.
func (p *Pool) Lock(authority uint64, key []byte, mode kv.LockMode, timeout time.Duration) (*kv.LockHandle, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.tg.Done()
	return p.facade.Lock(authority, key, mode, timeout)
}

// Unlock implements unlock.
func (p *Pool) Unlock(h *kv.LockHandle) {
	p.facade.Unlock(h)
}

// GetAttribute returns one of key's diagnostic attributes.
func (p *Pool) GetAttribute(authority uint64, key []byte, attr string) (interface{}, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.tg.Done()
	return p.facade.GetAttribute(authority, key, attr)
}

// PoolAttribute returns pool-wide diagnostics, plus the environment knobs
// this pool was opened with (spec.md §6.4).
func (p *Pool) PoolAttribute(attr string) (interface{}, error) {
	switch attr {
	case "flavor":
		return p.flavor.String(), nil
	case "use_odp":
		return p.env.UseODP, nil
	case "fi_mr_cache_monitor_disabled":
		return p.env.DisableMRCacheMonitor, nil
	default:
		return p.facade.PoolAttribute(attr)
	}
}

// Map implements map.
func (p *Pool) Map(authority uint64, fn func(key, value []byte) bool) error {
	if err := p.enter(); err != nil {
		return err
	}
	defer p.tg.Done()
	return p.facade.Map(authority, fn)
}

// MapKeys implements map_keys.
func (p *Pool) MapKeys(authority uint64, fn func(key []byte) bool) error {
	if err := p.enter(); err != nil {
		return err
	}
	defer p.tg.Done()
	return p.facade.MapKeys(authority, fn)
}

// Find implements find.
func (p *Pool) Find(authority uint64, expr string, ftype kv.FindType, offset uint64) ([]byte, uint64, error) {
	if err := p.enter(); err != nil {
		return nil, 0, err
	}
	defer p.tg.Done()
	return p.facade.Find(authority, expr, ftype, offset)
}

// enter registers the calling goroutine with p's thread group, giving
// close_pool a way to wait out in-flight operations instead of racing a
// concurrent unmap against them. Every public Pool operation except Unlock
// and PoolAttribute funnels through this (SPEC_FULL §1.4/§2's "one
// ThreadGroup per open Pool").
func (p *Pool) enter() error {
	if err := p.tg.Add(); err != nil {
		return errkind.ErrInvalidHandle
	}
	return nil
}
