package idbminimal_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sqlite3vfs/idb/kvstore"
	"github.com/sqlite3vfs/idb/locks"
	"github.com/sqlite3vfs/idb/vfs"
	"github.com/sqlite3vfs/idb/vfs/idbminimal"
)

func openTestVFS(t *testing.T) *idbminimal.VFS {
	t.Helper()
	store, err := kvstore.Open(filepath.Join(t.TempDir(), "idb.db"), []string{"blocks"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return idbminimal.New(idbminimal.Config{
		Store:      store,
		Locks:      locks.New(nil),
		Holder:     "agent-a",
		LockPolicy: locks.PolicyShared,
	})
}

func TestOpenWithoutCreateFailsCantOpen(t *testing.T) {
	v := openTestVFS(t)
	_, _, err := v.Open("/missing.db", vfs.OPEN_MAIN_DB|vfs.OPEN_READWRITE)
	require.Error(t, err)
}

func TestWriteIsBufferedUntilSync(t *testing.T) {
	v := openTestVFS(t)
	f, _, err := v.Open("/a.db", vfs.OPEN_MAIN_DB|vfs.OPEN_READWRITE|vfs.OPEN_CREATE)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt([]byte("page one"), 0)
	require.NoError(t, err)

	buf := make([]byte, len("page one"))
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err, "pending writes must be readable before sync")
	require.Equal(t, "page one", string(buf))

	require.NoError(t, f.Sync(vfs.SYNC_NORMAL))

	ok, err := v.Access("/a.db", vfs.ACCESS_EXISTS)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLastBlockDeterminesFileSize(t *testing.T) {
	v := openTestVFS(t)
	f, _, err := v.Open("/b.db", vfs.OPEN_MAIN_DB|vfs.OPEN_READWRITE|vfs.OPEN_CREATE)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt(make([]byte, 100), 0)
	require.NoError(t, err)
	_, err = f.WriteAt(make([]byte, 50), 100)
	require.NoError(t, err)
	require.NoError(t, f.Sync(vfs.SYNC_NORMAL))
	require.NoError(t, f.Lock(vfs.LOCK_SHARED)) // NONE->SHARED re-derives the size from the last stored block

	size, err := f.Size()
	require.NoError(t, err)
	require.Equal(t, int64(150), size)
}

func TestValidateCallersRejectsResizedOverlappingWrite(t *testing.T) {
	store, err := kvstore.Open(filepath.Join(t.TempDir(), "idb.db"), []string{"blocks"})
	require.NoError(t, err)
	defer store.Close()
	v := idbminimal.New(idbminimal.Config{
		Store:           store,
		Locks:           locks.New(nil),
		Holder:          "agent-a",
		LockPolicy:      locks.PolicyShared,
		ValidateCallers: true,
	})

	f, _, err := v.Open("/c.db", vfs.OPEN_MAIN_DB|vfs.OPEN_READWRITE|vfs.OPEN_CREATE)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt(make([]byte, 64), 0)
	require.NoError(t, err)

	_, err = f.WriteAt(make([]byte, 32), 0)
	require.Error(t, err)
}

func TestTruncateOnlyLowersSize(t *testing.T) {
	v := openTestVFS(t)
	f, _, err := v.Open("/d.db", vfs.OPEN_MAIN_DB|vfs.OPEN_READWRITE|vfs.OPEN_CREATE)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt(make([]byte, 200), 0)
	require.NoError(t, err)

	require.NoError(t, f.Truncate(50))
	size, err := f.Size()
	require.NoError(t, err)
	require.Equal(t, int64(50), size)

	require.NoError(t, f.Truncate(1000))
	size, err = f.Size()
	require.NoError(t, err)
	require.Equal(t, int64(50), size)
}
