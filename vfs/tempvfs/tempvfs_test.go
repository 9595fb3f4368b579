package tempvfs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sqlite3vfs/idb/vfs"
	"github.com/sqlite3vfs/idb/vfs/tempvfs"
)

func TestOpenWithoutCreateFailsCantOpen(t *testing.T) {
	v := tempvfs.New()
	_, _, err := v.Open("scratch", vfs.OPEN_READWRITE)
	require.Error(t, err)
}

func TestWriteReadRoundTrip(t *testing.T) {
	v := tempvfs.New()
	f, _, err := v.Open("scratch", vfs.OPEN_READWRITE|vfs.OPEN_CREATE)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Lock(vfs.LOCK_EXCLUSIVE))
	_, err = f.WriteAt([]byte("hello"), 10)
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = f.ReadAt(buf, 10)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	size, err := f.Size()
	require.NoError(t, err)
	require.Equal(t, int64(15), size)
}

func TestForkSharesSectorsUntilWritten(t *testing.T) {
	v := tempvfs.New()
	f, _, err := v.Open("base", vfs.OPEN_READWRITE|vfs.OPEN_CREATE)
	require.NoError(t, err)
	require.NoError(t, f.Lock(vfs.LOCK_EXCLUSIVE))
	_, err = f.WriteAt([]byte("original"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, v.Fork("base", "fork"))

	forked, _, err := v.Open("fork", vfs.OPEN_READWRITE)
	require.NoError(t, err)
	defer forked.Close()

	buf := make([]byte, len("original"))
	_, err = forked.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "original", string(buf))

	require.NoError(t, forked.Lock(vfs.LOCK_EXCLUSIVE))
	_, err = forked.WriteAt([]byte("mutated!"), 0)
	require.NoError(t, err)

	base, _, err := v.Open("base", vfs.OPEN_READWRITE)
	require.NoError(t, err)
	defer base.Close()
	baseBuf := make([]byte, len("original"))
	_, err = base.ReadAt(baseBuf, 0)
	require.NoError(t, err)
	require.Equal(t, "original", string(baseBuf))
}

func TestTruncateDropsTrailingSectors(t *testing.T) {
	v := tempvfs.New()
	f, _, err := v.Open("scratch", vfs.OPEN_READWRITE|vfs.OPEN_CREATE)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Lock(vfs.LOCK_EXCLUSIVE))

	_, err = f.WriteAt([]byte("data"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(0))

	size, err := f.Size()
	require.NoError(t, err)
	require.Equal(t, int64(0), size)
}

func TestExclusiveLockWaitsOutSharedReaders(t *testing.T) {
	v := tempvfs.New()
	a, _, err := v.Open("scratch", vfs.OPEN_READWRITE|vfs.OPEN_CREATE)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Lock(vfs.LOCK_SHARED))

	b, _, err := v.Open("scratch", vfs.OPEN_READWRITE)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Lock(vfs.LOCK_SHARED))
	require.NoError(t, b.Lock(vfs.LOCK_RESERVED))

	require.NoError(t, a.Unlock(vfs.LOCK_NONE))
	require.NoError(t, b.Lock(vfs.LOCK_EXCLUSIVE))
}
