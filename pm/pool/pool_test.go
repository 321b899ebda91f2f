package pool

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcas-go/pmemkv/internal/errkind"
	"github.com/mcas-go/pmemkv/internal/persist"
	"github.com/mcas-go/pmemkv/pm/atomicupdate"
	"github.com/mcas-go/pmemkv/pm/kv"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	log, err := persist.NewFileLogger(filepath.Join(t.TempDir(), "pmemkv.log"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	m, err := NewManager(t.TempDir(), log)
	require.NoError(t, err)
	return m
}

func TestCreateOpenCloseRoundTrip(t *testing.T) {
	for _, flavor := range []Flavor{FlavorCC, FlavorRC} {
		t.Run(flavor.String(), func(t *testing.T) {
			m := newTestManager(t)

			p, err := m.CreatePool("a", CreateOptions{Flavor: flavor, ExpectedObjCount: 16})
			require.NoError(t, err)
			require.NoError(t, p.Put(0, []byte("k"), []byte("v"), 0, 8))

			v, err := p.Get(0, []byte("k"))
			require.NoError(t, err)
			assert.Equal(t, "v", string(v))

			require.NoError(t, m.ClosePool(p))

			reopened, err := m.OpenPool("a")
			require.NoError(t, err)
			v, err = reopened.Get(0, []byte("k"))
			require.NoError(t, err)
			assert.Equal(t, "v", string(v))
			require.NoError(t, m.ClosePool(reopened))
		})
	}
}

func TestCreateAlreadyExistsWhileOpen(t *testing.T) {
	m := newTestManager(t)
	p, err := m.CreatePool("a", CreateOptions{Flavor: FlavorCC})
	require.NoError(t, err)
	t.Cleanup(func() { m.ClosePool(p) })

	_, err = m.CreatePool("a", CreateOptions{Flavor: FlavorCC})
	assert.Equal(t, errkind.ErrAlreadyExists, err)
}

func TestOpenUnknownPoolIsNotFound(t *testing.T) {
	m := newTestManager(t)
	_, err := m.OpenPool("nope")
	assert.Equal(t, errkind.ErrNotFound, err)
}

func TestDeletePoolRefusesWhileOpen(t *testing.T) {
	m := newTestManager(t)
	p, err := m.CreatePool("a", CreateOptions{Flavor: FlavorCC})
	require.NoError(t, err)
	t.Cleanup(func() { m.ClosePool(p) })

	err = m.DeletePool("a")
	assert.Equal(t, errkind.ErrInUse, err)
}

func TestDeletePoolRemovesSettingsFile(t *testing.T) {
	m := newTestManager(t)
	p, err := m.CreatePool("a", CreateOptions{Flavor: FlavorCC})
	require.NoError(t, err)
	require.NoError(t, m.ClosePool(p))

	require.NoError(t, m.DeletePool("a"))
	_, err = os.Stat(settingsPath(m.dir, "a"))
	assert.True(t, os.IsNotExist(err))

	_, err = m.OpenPool("a")
	assert.Equal(t, errkind.ErrNotFound, err)
}

func TestGrowPoolAllowsLargerValues(t *testing.T) {
	m := newTestManager(t)
	p, err := m.CreatePool("a", CreateOptions{Flavor: FlavorCC})
	require.NoError(t, err)
	t.Cleanup(func() { m.ClosePool(p) })

	before, err := m.GrowPool(p, 4<<20)
	require.NoError(t, err)
	assert.Greater(t, before, uint64(0))

	big := make([]byte, 1<<20)
	require.NoError(t, p.Put(0, []byte("big"), big, 0, 8))
	v, err := p.Get(0, []byte("big"))
	require.NoError(t, err)
	assert.Len(t, v, len(big))
}

func TestCloseAfterCloseIsInvalidHandle(t *testing.T) {
	m := newTestManager(t)
	p, err := m.CreatePool("a", CreateOptions{Flavor: FlavorCC})
	require.NoError(t, err)
	require.NoError(t, m.ClosePool(p))

	_, err = p.Get(0, []byte("k"))
	assert.Equal(t, errkind.ErrInvalidHandle, err)
}

func TestAccessControlGatesNonCreatorAuthority(t *testing.T) {
	m := newTestManager(t)
	p, err := m.CreatePool("a", CreateOptions{Flavor: FlavorCC, Authority: 7})
	require.NoError(t, err)
	t.Cleanup(func() { m.ClosePool(p) })

	require.NoError(t, p.Put(7, []byte("k"), []byte("v"), 0, 8))
	_, err = p.Get(9, []byte("k"))
	assert.Equal(t, errkind.ErrPermissionDenied, err)

	attr, err := p.PoolAttribute("flavor")
	require.NoError(t, err)
	assert.Equal(t, "cc", attr)
}

func TestAtomicUpdateAndEraseRoundTrip(t *testing.T) {
	m := newTestManager(t)
	p, err := m.CreatePool("a", CreateOptions{Flavor: FlavorRC})
	require.NoError(t, err)
	t.Cleanup(func() { m.ClosePool(p) })

	require.NoError(t, p.Put(0, []byte("k"), []byte("aaaa"), 0, 8))
	require.NoError(t, p.AtomicUpdate(0, []byte("k"), []atomicupdate.Op{
		{Offset: 1, Length: 2, Bytes: []byte("bb")},
	}, 8))
	v, err := p.Get(0, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "abba", string(v))

	require.NoError(t, p.Erase(0, []byte("k")))
	_, err = p.Get(0, []byte("k"))
	assert.Equal(t, errkind.ErrNotFound, err)
}

func TestMapAndFind(t *testing.T) {
	m := newTestManager(t)
	p, err := m.CreatePool("a", CreateOptions{Flavor: FlavorCC})
	require.NoError(t, err)
	t.Cleanup(func() { m.ClosePool(p) })

	require.NoError(t, p.Put(0, []byte("hello"), []byte("1"), 0, 8))
	require.NoError(t, p.Put(0, []byte("world"), []byte("2"), 0, 8))

	seen := map[string]bool{}
	require.NoError(t, p.Map(0, func(k, _ []byte) bool {
		seen[string(k)] = true
		return true
	}))
	assert.Len(t, seen, 2)

	k, _, err := p.Find(0, "hello", kv.FindExact, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(k))
}

func TestLockExclusiveBlocksSecondExclusive(t *testing.T) {
	m := newTestManager(t)
	p, err := m.CreatePool("a", CreateOptions{Flavor: FlavorCC})
	require.NoError(t, err)
	t.Cleanup(func() { m.ClosePool(p) })
	require.NoError(t, p.Put(0, []byte("k"), []byte("v"), 0, 8))

	h, err := p.Lock(0, []byte("k"), kv.LockExclusive, time.Millisecond)
	require.NoError(t, err)

	_, err = p.Lock(0, []byte("k"), kv.LockExclusive, time.Millisecond)
	assert.Equal(t, errkind.ErrTimeout, err)

	p.Unlock(h)
}

func TestLeakCheckLogsUnreachableTrackedAllocation(t *testing.T) {
	dir := t.TempDir()
	log, err := persist.NewFileLogger(filepath.Join(dir, "pmemkv.log"))
	require.NoError(t, err)

	t.Setenv("LEAK_CHECK", "1")
	m, err := NewManager(dir, log)
	require.NoError(t, err)

	p, err := m.CreatePool("a", CreateOptions{Flavor: FlavorRC})
	require.NoError(t, err)
	require.NoError(t, p.Put(0, []byte("k"), []byte("v"), 0, 8))

	// Close normally; nothing should be unreachable here, but the
	// diagnostic path itself (RCHeap.TrackedAddrs plus reachability from
	// the store) must run without panicking even when every tracked
	// allocation is in fact live.
	require.NoError(t, m.ClosePool(p))
	log.Close()
}
