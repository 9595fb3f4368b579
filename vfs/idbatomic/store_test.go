package idbatomic_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sqlite3vfs/idb/broadcast"
	"github.com/sqlite3vfs/idb/kvstore"
	"github.com/sqlite3vfs/idb/locks"
	"github.com/sqlite3vfs/idb/vfs"
	"github.com/sqlite3vfs/idb/vfs/idbatomic"
)

func newTestEnv(t *testing.T) (*kvstore.Store, *locks.Service, *broadcast.Hub) {
	t.Helper()
	store, err := kvstore.Open(filepath.Join(t.TempDir(), "idb.db"), []string{"blocks", "tx"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, locks.New(nil), broadcast.New()
}

func openVFS(store *kvstore.Store, svc *locks.Service, hub *broadcast.Hub, holder string) *idbatomic.VFS {
	return idbatomic.New(idbatomic.Config{
		Store:      store,
		Locks:      svc,
		Hub:        hub,
		Holder:     holder,
		BlockSize:  512,
		LockPolicy: locks.PolicyShared,
	})
}

func TestOpenWithoutCreateFailsCantOpen(t *testing.T) {
	store, svc, hub := newTestEnv(t)
	v := openVFS(store, svc, hub, "agent-a")

	_, _, err := v.Open("/missing.db", vfs.OPEN_MAIN_DB|vfs.OPEN_READWRITE)
	require.Error(t, err)
}

func TestWriteReadRoundTripsThroughCommit(t *testing.T) {
	store, svc, hub := newTestEnv(t)
	v := openVFS(store, svc, hub, "agent-a")

	f, _, err := v.Open("/a.db", vfs.OPEN_MAIN_DB|vfs.OPEN_READWRITE|vfs.OPEN_CREATE)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Lock(vfs.LOCK_SHARED))
	require.NoError(t, f.Lock(vfs.LOCK_RESERVED))

	payload := []byte("hello, paged world!")
	n, err := f.WriteAt(payload, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	require.NoError(t, f.Sync(vfs.SYNC_NORMAL))
	require.NoError(t, f.Unlock(vfs.LOCK_NONE))

	buf := make([]byte, len(payload))
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, payload, buf)
}

func TestShortReadPastEOFReturnsUnexpectedEOF(t *testing.T) {
	store, svc, hub := newTestEnv(t)
	v := openVFS(store, svc, hub, "agent-a")

	f, _, err := v.Open("/b.db", vfs.OPEN_MAIN_DB|vfs.OPEN_READWRITE|vfs.OPEN_CREATE)
	require.NoError(t, err)
	defer f.Close()

	size, err := f.Size()
	require.NoError(t, err)

	buf := make([]byte, size+64)
	n, err := f.ReadAt(buf, 0)
	require.Error(t, err)
	require.Equal(t, int(size), n)
}

func TestDeviceCharacteristicsReportsBatchAtomic(t *testing.T) {
	store, svc, hub := newTestEnv(t)
	v := openVFS(store, svc, hub, "agent-a")
	f, _, err := v.Open("/c.db", vfs.OPEN_MAIN_DB|vfs.OPEN_READWRITE|vfs.OPEN_CREATE)
	require.NoError(t, err)
	defer f.Close()

	dc := f.DeviceCharacteristics()
	require.NotZero(t, dc&vfs.IOCAP_BATCH_ATOMIC)
	require.NotZero(t, dc&vfs.IOCAP_UNDELETABLE_WHEN_OPEN)
	require.Equal(t, 512, f.SectorSize())
}

func TestCommitFromOneAgentIsVisibleToAnotherAfterReopen(t *testing.T) {
	store, svc, hub := newTestEnv(t)
	va := openVFS(store, svc, hub, "agent-a")

	fa, _, err := va.Open("/shared.db", vfs.OPEN_MAIN_DB|vfs.OPEN_READWRITE|vfs.OPEN_CREATE)
	require.NoError(t, err)

	require.NoError(t, fa.Lock(vfs.LOCK_SHARED))
	require.NoError(t, fa.Lock(vfs.LOCK_RESERVED))
	_, err = fa.WriteAt([]byte("committed by a"), 0)
	require.NoError(t, err)
	require.NoError(t, fa.Sync(vfs.SYNC_NORMAL))
	require.NoError(t, fa.Unlock(vfs.LOCK_NONE))
	require.NoError(t, fa.Close())

	vb := openVFS(store, svc, hub, "agent-b")
	fb, _, err := vb.Open("/shared.db", vfs.OPEN_MAIN_DB|vfs.OPEN_READWRITE)
	require.NoError(t, err)
	defer fb.Close()

	buf := make([]byte, len("committed by a"))
	_, err = fb.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "committed by a", string(buf))
}

func TestStaleViewReportsBusyOnReserve(t *testing.T) {
	store, svc, hub := newTestEnv(t)
	va := openVFS(store, svc, hub, "agent-a")
	vb := openVFS(store, svc, hub, "agent-b")

	fa, _, err := va.Open("/race.db", vfs.OPEN_MAIN_DB|vfs.OPEN_READWRITE|vfs.OPEN_CREATE)
	require.NoError(t, err)
	defer fa.Close()

	fb, _, err := vb.Open("/race.db", vfs.OPEN_MAIN_DB|vfs.OPEN_READWRITE)
	require.NoError(t, err)
	defer fb.Close()

	require.NoError(t, fb.Lock(vfs.LOCK_SHARED))

	require.NoError(t, fa.Lock(vfs.LOCK_SHARED))
	require.NoError(t, fa.Lock(vfs.LOCK_RESERVED))
	_, err = fa.WriteAt([]byte("agent a raced ahead"), 0)
	require.NoError(t, err)
	require.NoError(t, fa.Sync(vfs.SYNC_NORMAL))
	require.NoError(t, fa.Unlock(vfs.LOCK_NONE))

	err = fb.Lock(vfs.LOCK_RESERVED)
	require.Error(t, err)

	buf := make([]byte, len("agent a raced ahead"))
	_, err = fb.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "agent a raced ahead", string(buf))
}

func TestTruncateOnlyLowersSize(t *testing.T) {
	store, svc, hub := newTestEnv(t)
	v := openVFS(store, svc, hub, "agent-a")
	f, _, err := v.Open("/d.db", vfs.OPEN_MAIN_DB|vfs.OPEN_READWRITE|vfs.OPEN_CREATE)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Lock(vfs.LOCK_SHARED))
	require.NoError(t, f.Lock(vfs.LOCK_RESERVED))

	_, err = f.WriteAt(make([]byte, 2048), 0)
	require.NoError(t, err)

	require.NoError(t, f.Truncate(512))
	size, err := f.Size()
	require.NoError(t, err)
	require.Equal(t, int64(512), size)

	require.NoError(t, f.Truncate(4096))
	size, err = f.Size()
	require.NoError(t, err)
	require.Equal(t, int64(512), size, "truncate must never grow the file")
}

func TestSingleAgentCommitCycleDoesNotDeadlock(t *testing.T) {
	store, svc, hub := newTestEnv(t)

	done := make(chan struct{})
	go func() {
		v := openVFS(store, svc, hub, "agent-x")
		f, _, err := v.Open("/concurrent.db", vfs.OPEN_MAIN_DB|vfs.OPEN_READWRITE|vfs.OPEN_CREATE)
		if err == nil {
			f.Lock(vfs.LOCK_SHARED)
			f.Lock(vfs.LOCK_RESERVED)
			f.WriteAt([]byte("x"), 0)
			f.Sync(vfs.SYNC_NORMAL)
			f.Unlock(vfs.LOCK_NONE)
			f.Close()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("commit path deadlocked")
	}
}

func TestForkDuplicatesBlocksUnderNewPath(t *testing.T) {
	store, svc, hub := newTestEnv(t)
	v := openVFS(store, svc, hub, "agent-a")

	f, _, err := v.Open("/base.db", vfs.OPEN_MAIN_DB|vfs.OPEN_READWRITE|vfs.OPEN_CREATE)
	require.NoError(t, err)
	require.NoError(t, f.Lock(vfs.LOCK_SHARED))
	require.NoError(t, f.Lock(vfs.LOCK_RESERVED))
	page := make([]byte, 512)
	copy(page, "original")
	_, err = f.WriteAt(page, 0)
	require.NoError(t, err)
	require.NoError(t, f.Sync(vfs.SYNC_NORMAL))
	require.NoError(t, f.Unlock(vfs.LOCK_NONE))
	require.NoError(t, f.Close())

	require.NoError(t, v.Fork("/base.db", "/forked.db"))

	forked, _, err := v.Open("/forked.db", vfs.OPEN_MAIN_DB|vfs.OPEN_READWRITE)
	require.NoError(t, err)
	defer forked.Close()
	buf := make([]byte, 8)
	_, err = forked.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "original", string(buf))
}

func TestSeedNormalizesWALHeaderAndIsOpenable(t *testing.T) {
	store, svc, hub := newTestEnv(t)
	v := openVFS(store, svc, hub, "agent-a")

	data := make([]byte, 512)
	data[18], data[19] = 2, 2 // WAL-mode header

	require.NoError(t, v.Seed("/seeded.db", data))

	f, _, err := v.Open("/seeded.db", vfs.OPEN_MAIN_DB|vfs.OPEN_READWRITE)
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, 2)
	_, err = f.ReadAt(buf, 18)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 1}, buf)
}
