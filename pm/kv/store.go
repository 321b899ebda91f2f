package kv

import (
	"regexp"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mcas-go/pmemkv/internal/errkind"
	"github.com/mcas-go/pmemkv/internal/persist"
	"github.com/mcas-go/pmemkv/internal/syncutil"
	"github.com/mcas-go/pmemkv/pm/atomicupdate"
	"github.com/mcas-go/pmemkv/pm/heap"
	"github.com/mcas-go/pmemkv/pm/intent"
	"github.com/mcas-go/pmemkv/pm/persister"
)

// findCacheSize bounds the LRU of recently-resolved find() scans.
const findCacheSize = 256

// LockMode distinguishes a lock()'s intended use. Both modes currently map
// onto the same exclusive per-key lock - the store is single-writer per key
// by construction (spec.md §5 allows "single-writer/multi-reader" as one of
// the conforming thread-safety levels) - but the distinction is kept in the
// API so a future multi-reader implementation would not need to change call
// sites.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

// LockHandle is returned by Lock and consumed by Unlock.
type LockHandle struct {
	key string
}

// FindType selects how Find's pattern argument is interpreted.
type FindType int

const (
	FindExact FindType = iota
	FindPrefix
	FindRegex
	FindNext
)

// Store is the Key-Value Store (C6): a hopscotch hash table plus the
// per-key locking, atomic mutation, and iteration operations spec.md §4.6
// names.
type Store struct {
	table    *Table
	heap     heap.Heap
	intent   *intent.Controller
	au       *atomicupdate.Controller
	pst      persister.Persister
	log      *persist.Logger
	entryMu  *syncutil.EntryLocks
	tableMu  syncutil.TryRWMutex // guards table-structural mutation (insert/erase/rehash) vs. concurrent lookups
	findLRU  *lru.Cache[string, findResult]
}

type findResult struct {
	key        []byte
	nextOffset uint64
	ok         bool
}

// New constructs a Store over a freshly created table.
func New(root []byte, h heap.Heap, ic *intent.Controller, au *atomicupdate.Controller, pst persister.Persister, log *persist.Logger, expectedObjCount uint64) (*Store, error) {
	t, err := NewTable(root, h, ic, pst, expectedObjCount)
	if err != nil {
		return nil, err
	}
	cache, _ := lru.New[string, findResult](findCacheSize)
	return &Store{table: t, heap: h, intent: ic, au: au, pst: pst, log: log, entryMu: syncutil.NewEntryLocks(), findLRU: cache}, nil
}

// Open wraps a Store over an existing table after a pool open.
func Open(root []byte, h heap.Heap, ic *intent.Controller, au *atomicupdate.Controller, pst persister.Persister, log *persist.Logger) *Store {
	t := OpenTable(root, h, ic, pst)
	cache, _ := lru.New[string, findResult](findCacheSize)
	return &Store{table: t, heap: h, intent: ic, au: au, pst: pst, log: log, entryMu: syncutil.NewEntryLocks(), findLRU: cache}
}

func now() uint64 { return uint64(time.Now().UnixNano()) }

// Count returns the number of live entries.
func (s *Store) Count() uint64 { return s.table.size() }

// Put creates or replaces key's value. Equal keys: put replaces unless
// flags carries FlagDontStomp, which returns ErrAlreadyExists instead
// (spec.md §4.6 tie-break).
func (s *Store) Put(key, value []byte, flags uint64, align uint64) error {
	if align == 0 {
		align = 8
	}
	s.entryMu.Lock(string(key))
	defer s.entryMu.Unlock(string(key))

	s.tableMu.RLock()
	e, found := s.table.lookup(key)
	s.tableMu.RUnlock()

	if found {
		if flags&FlagDontStomp != 0 {
			return errkind.ErrAlreadyExists
		}
		if err := s.au.Replace(e, value, align, uint64(len(value))); err != nil {
			return err
		}
		e.setModified(now())
		s.invalidateFind()
		return nil
	}

	return s.putNew(key, value, flags, align)
}

func (s *Store) putNew(key, value []byte, flags, align uint64) error {
	for attempt := 0; ; attempt++ {
		s.tableMu.Lock()
		needsRehash, err := s.table.insertNew(key, value, align, flags, now())
		s.tableMu.Unlock()
		if err != nil {
			return err
		}
		if !needsRehash {
			s.invalidateFind()
			return nil
		}
		s.tableMu.Lock()
		rerr := s.table.rehash()
		s.tableMu.Unlock()
		if rerr != nil {
			return rerr
		}
		if attempt > 16 {
			s.log.Critical("kv: table would not settle after repeated rehash attempts")
			return errkind.ErrCorruption
		}
	}
}

// Get returns key's value bytes, or ErrNotFound.
func (s *Store) Get(key []byte) ([]byte, error) {
	s.tableMu.RLock()
	e, found := s.table.lookup(key)
	s.tableMu.RUnlock()
	if !found {
		return nil, errkind.ErrNotFound
	}
	out := make([]byte, e.Len())
	copy(out, e.Value())
	return out, nil
}

// Erase removes key, freeing its key and value allocations.
func (s *Store) Erase(key []byte) error {
	s.entryMu.Lock(string(key))
	defer s.entryMu.Unlock(string(key))

	s.tableMu.Lock()
	valPtr, valLen, valAlign, keyPtr, keyLen, found := s.table.eraseLocked(key)
	s.tableMu.Unlock()
	if !found {
		return errkind.ErrNotFound
	}
	if valPtr.Valid() {
		s.heap.Free(valPtr, valLen, valAlign)
	}
	s.heap.Free(keyPtr, keyLen, 8)
	s.invalidateFind()
	return nil
}

// AtomicUpdate applies ops as a single copy-on-write replacement of key's
// value (spec.md §4.5 "update-vector").
func (s *Store) AtomicUpdate(key []byte, ops []atomicupdate.Op, align uint64) error {
	if align == 0 {
		align = 8
	}
	s.entryMu.Lock(string(key))
	defer s.entryMu.Unlock(string(key))

	s.tableMu.RLock()
	e, found := s.table.lookup(key)
	s.tableMu.RUnlock()
	if !found {
		return errkind.ErrNotFound
	}
	if err := s.au.UpdateVector(e, ops, align); err != nil {
		return err
	}
	e.setModified(now())
	s.invalidateFind()
	return nil
}

// Swap exchanges the value pointers of a and b (spec.md §4.5 "swap").
// Both keys are locked for the duration, in a fixed lexical order to avoid
// deadlocking against a concurrent swap of the same pair in the opposite
// order.
func (s *Store) Swap(a, b []byte) error {
	first, second := string(a), string(b)
	if first > second {
		first, second = second, first
	}
	s.entryMu.Lock(first)
	defer s.entryMu.Unlock(first)
	if second != first {
		s.entryMu.Lock(second)
		defer s.entryMu.Unlock(second)
	}

	s.tableMu.RLock()
	ea, foundA := s.table.lookup(a)
	eb, foundB := s.table.lookup(b)
	s.tableMu.RUnlock()
	if !foundA || !foundB {
		return errkind.ErrNotFound
	}
	if err := s.au.Swap(ea, eb); err != nil {
		return err
	}
	ts := now()
	ea.setModified(ts)
	eb.setModified(ts)
	s.invalidateFind()
	return nil
}

// Lock acquires an advisory per-entry lock on key.
func (s *Store) Lock(key []byte, mode LockMode, timeout time.Duration) (*LockHandle, error) {
	if timeout <= 0 {
		s.entryMu.Lock(string(key))
		return &LockHandle{key: string(key)}, nil
	}
	if !s.entryMu.TryLockTimed(string(key), timeout) {
		return nil, errkind.ErrTimeout
	}
	return &LockHandle{key: string(key)}, nil
}

// Unlock releases a handle obtained from Lock.
func (s *Store) Unlock(h *LockHandle) {
	s.entryMu.Unlock(h.key)
}

// GetAttribute returns size, checksum, or creation/modification timestamps
// for key (original_source's get_attribute surface, SPEC_FULL §4).
func (s *Store) GetAttribute(key []byte, attr string) (interface{}, error) {
	s.tableMu.RLock()
	e, found := s.table.lookup(key)
	s.tableMu.RUnlock()
	if !found {
		return nil, errkind.ErrNotFound
	}
	switch attr {
	case "size":
		return e.Len(), nil
	case "checksum":
		return checksumValue(e.Value()), nil
	case "created":
		return e.CreatedTSC(), nil
	case "modified":
		return e.ModifiedTSC(), nil
	default:
		return nil, errkind.ErrNotFound
	}
}

// PoolAttribute returns pool-wide debugging attributes: "count" and
// "intents" (the current state of each of the four intent kinds).
func (s *Store) PoolAttribute(attr string) (interface{}, error) {
	switch attr {
	case "count":
		return s.Count(), nil
	case "intents":
		return map[string]intent.State{
			"emplace":  s.intent.Emplace.State(),
			"extend":   s.intent.Extend.State(),
			"pin-key":  s.intent.PinKey.State(),
			"pin-data": s.intent.PinData.State(),
		}, nil
	default:
		return nil, errkind.ErrNotFound
	}
}

// LiveAllocations returns the heap addresses this store currently keeps
// reachable: the bucket array itself, plus each live entry's key and value
// pointers. Diagnostic only - used by pm/pool's LEAK_CHECK to tell a
// genuinely abandoned RC-tracked allocation apart from one the store still
// owns (SPEC_FULL §4 point 6).
func (s *Store) LiveAllocations() []heap.Ptr {
	s.tableMu.RLock()
	defer s.tableMu.RUnlock()
	out := []heap.Ptr{s.table.base()}
	count := s.table.count()
	for i := uint64(0); i < count; i++ {
		e := s.table.bucket(i)
		if e.Empty() {
			continue
		}
		out = append(out, e.KeyPtr())
		if e.Ptr().Valid() {
			out = append(out, e.Ptr())
		}
	}
	return out
}

// Map calls fn for every live key/value pair. The bucket count is read once
// up front and each bucket is then read under its own short read lock, so
// the pass is not a snapshot: an entry erased before Map reaches its bucket
// is not visited, and an entry put during the pass may or may not be.
func (s *Store) Map(fn func(key, value []byte) bool) {
	s.tableMu.RLock()
	count := s.table.count()
	s.tableMu.RUnlock()
	for i := uint64(0); i < count; i++ {
		s.tableMu.RLock()
		e := s.table.bucket(i)
		empty := e.Empty()
		var k, v []byte
		if !empty {
			k, v = e.Key(), e.Value()
		}
		s.tableMu.RUnlock()
		if empty {
			continue
		}
		if !fn(k, v) {
			return
		}
	}
}

// MapKeys calls fn for every live key. Put→MapKeys observes each key
// exactly once (spec.md §8 round-trip), since insertion never moves a key
// that does not also move via hopscotch relocation - and relocation never
// changes which keys exist, only their slot.
func (s *Store) MapKeys(fn func(key []byte) bool) {
	s.Map(func(k, _ []byte) bool { return fn(k) })
}

// Find implements spec.md §4.6's prefix/regex/exact/next search, scanning
// the bucket array starting at offset (a resumable cursor into bucket
// index space) and returning the first match plus a cursor to resume from.
func (s *Store) Find(expr string, ftype FindType, offset uint64) (key []byte, nextOffset uint64, err error) {
	cacheKey := findCacheKey(expr, ftype, offset)
	if r, ok := s.findLRU.Get(cacheKey); ok {
		if !r.ok {
			return nil, 0, errkind.ErrNotFound
		}
		return r.key, r.nextOffset, nil
	}

	var matcher func(key []byte) bool
	switch ftype {
	case FindExact:
		e := []byte(expr)
		matcher = func(k []byte) bool { return bytesEqual(k, e) }
	case FindPrefix:
		p := []byte(expr)
		matcher = func(k []byte) bool { return len(k) >= len(p) && bytesEqual(k[:len(p)], p) }
	case FindRegex:
		// Full-match, anchored at both ends: the least-surprising reading of
		// an unspecified FIND_TYPE_REGEX semantics (spec.md §9 open
		// question; decision recorded in SPEC_FULL §5).
		re, rerr := regexp.Compile("^(?:" + expr + ")$")
		if rerr != nil {
			return nil, 0, rerr
		}
		matcher = func(k []byte) bool { return re.Match(k) }
	case FindNext:
		matcher = func([]byte) bool { return true }
	default:
		return nil, 0, errkind.ErrNotFound
	}

	s.tableMu.RLock()
	count := s.table.count()
	for i := offset; i < count; i++ {
		e := s.table.bucket(i)
		if e.Empty() {
			continue
		}
		if matcher(e.Key()) {
			k := append([]byte(nil), e.Key()...)
			s.tableMu.RUnlock()
			s.findLRU.Add(cacheKey, findResult{key: k, nextOffset: i + 1, ok: true})
			return k, i + 1, nil
		}
	}
	s.tableMu.RUnlock()
	s.findLRU.Add(cacheKey, findResult{ok: false})
	return nil, 0, errkind.ErrNotFound
}

func findCacheKey(expr string, ftype FindType, offset uint64) string {
	b := make([]byte, 0, len(expr)+24)
	b = append(b, byte(ftype))
	for i := 0; i < 8; i++ {
		b = append(b, byte(offset>>(8*i)))
	}
	b = append(b, expr...)
	return string(b)
}

// invalidateFind drops every cached find() result. Tracking which cached
// prefixes a given put/erase could actually affect is possible but not
// worth the complexity here: finds are a diagnostic/iteration convenience,
// not on the hot put/get/erase path, so a coarse invalidate-everything is
// the right trade.
func (s *Store) invalidateFind() {
	s.findLRU.Purge()
}
