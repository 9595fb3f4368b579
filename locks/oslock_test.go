package locks_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sqlite3vfs/idb/locks"
)

func TestOSFileLockExclusiveBlocksSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demo.lock")

	a, err := locks.OpenOSFileLock(path)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Lock(true))

	b, err := locks.OpenOSFileLock(path)
	require.NoError(t, err)
	defer b.Close()

	ok, err := b.TryLock(true)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, a.Unlock())
	ok, err = b.TryLock(true)
	require.NoError(t, err)
	require.True(t, ok)
}
