package router_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sqlite3vfs/idb/broadcast"
	"github.com/sqlite3vfs/idb/kvstore"
	"github.com/sqlite3vfs/idb/locks"
	"github.com/sqlite3vfs/idb/vfs"
	"github.com/sqlite3vfs/idb/vfs/idbatomic"
	"github.com/sqlite3vfs/idb/vfs/nojournal"
	"github.com/sqlite3vfs/idb/vfs/router"
	"github.com/sqlite3vfs/idb/vfs/tempvfs"
)

func newTestRouter(t *testing.T) *router.VFS {
	t.Helper()
	store, err := kvstore.Open(t.TempDir()+"/router.db", []string{"blocks", "tx"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	main := idbatomic.New(idbatomic.Config{
		Store:       store,
		Locks:       locks.New(nil),
		Hub:         broadcast.New(),
		Holder:      "test",
		BlockSize:   4096,
		LockPolicy:  locks.PolicyExclusive,
		LockTimeout: time.Second,
		Journals:    nojournal.NewRegistry(),
	})
	return router.New(router.Config{
		Main:    main,
		Journal: nojournal.New(nojournal.NewRegistry()),
		Temp:    tempvfs.New(),
	})
}

func TestRouterDispatchesMainDBToIdbatomic(t *testing.T) {
	r := newTestRouter(t)
	f, _, err := r.Open("main.db", vfs.OPEN_MAIN_DB|vfs.OPEN_READWRITE|vfs.OPEN_CREATE)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Lock(vfs.LOCK_SHARED))
	require.NoError(t, f.Lock(vfs.LOCK_EXCLUSIVE))
	_, err = f.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Sync(0))
	require.NoError(t, f.Unlock(vfs.LOCK_NONE))
}

func TestRouterDispatchesJournalToNojournal(t *testing.T) {
	r := newTestRouter(t)
	f, _, err := r.Open("main.db-journal", vfs.OPEN_MAIN_JOURNAL|vfs.OPEN_READWRITE|vfs.OPEN_CREATE)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt([]byte("rollback-frame"), 0)
	require.NoError(t, err)
}

func TestRouterDispatchesEverythingElseToTempvfs(t *testing.T) {
	r := newTestRouter(t)
	f, _, err := r.Open("sorter-spill", vfs.OPEN_TEMP_DB|vfs.OPEN_READWRITE|vfs.OPEN_CREATE)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Lock(vfs.LOCK_EXCLUSIVE))
	_, err = f.WriteAt([]byte("spilled"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Unlock(vfs.LOCK_NONE))
}
