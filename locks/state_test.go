package locks_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sqlite3vfs/idb/clock"
	"github.com/sqlite3vfs/idb/locks"
	"github.com/sqlite3vfs/idb/vfs"
)

func TestFileLockSharedThenExclusive(t *testing.T) {
	svc := locks.New(clock.Real)
	f := locks.NewFileLock(svc, "/test.db", "agent-1", locks.PolicyShared, 50*time.Millisecond)

	require.NoError(t, f.Lock(vfs.LOCK_SHARED))
	require.Equal(t, vfs.LOCK_SHARED, f.CurrentLevel())

	require.NoError(t, f.Lock(vfs.LOCK_RESERVED))
	require.Equal(t, vfs.LOCK_RESERVED, f.CurrentLevel())

	require.NoError(t, f.Lock(vfs.LOCK_EXCLUSIVE))
	require.Equal(t, vfs.LOCK_EXCLUSIVE, f.CurrentLevel())

	require.NoError(t, f.Unlock(vfs.LOCK_NONE))
	require.Equal(t, vfs.LOCK_NONE, f.CurrentLevel())
}

func TestFileLockSameStateIdempotent(t *testing.T) {
	svc := locks.New(clock.Real)
	f := locks.NewFileLock(svc, "/test.db", "agent-1", locks.PolicyShared, 50*time.Millisecond)

	require.NoError(t, f.Lock(vfs.LOCK_SHARED))
	require.NoError(t, f.Lock(vfs.LOCK_SHARED))
	require.Equal(t, vfs.LOCK_SHARED, f.CurrentLevel())
}

func TestFileLockReservedHolderBlocksSecondWriter(t *testing.T) {
	svc := locks.New(clock.Real)
	a := locks.NewFileLock(svc, "/test.db", "agent-a", locks.PolicyShared, 10*time.Millisecond)
	b := locks.NewFileLock(svc, "/test.db", "agent-b", locks.PolicyShared, 10*time.Millisecond)

	require.NoError(t, a.Lock(vfs.LOCK_SHARED))
	require.NoError(t, b.Lock(vfs.LOCK_SHARED))

	require.NoError(t, a.Lock(vfs.LOCK_RESERVED))

	err := b.Lock(vfs.LOCK_EXCLUSIVE)
	require.Error(t, err)
	require.ErrorIs(t, err, locks.ErrBusy)
}

func TestFileLockCheckReservedLock(t *testing.T) {
	svc := locks.New(clock.Real)
	a := locks.NewFileLock(svc, "/test.db", "agent-a", locks.PolicyShared, 10*time.Millisecond)
	b := locks.NewFileLock(svc, "/test.db", "agent-b", locks.PolicyShared, 10*time.Millisecond)

	require.NoError(t, a.Lock(vfs.LOCK_SHARED))
	require.NoError(t, b.Lock(vfs.LOCK_SHARED))

	ok, err := b.CheckReservedLock()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, a.Lock(vfs.LOCK_RESERVED))

	ok, err = b.CheckReservedLock()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFileLockSharedHintAvoidsDeadlock(t *testing.T) {
	svc := locks.New(clock.Real)
	a := locks.NewFileLock(svc, "/test.db", "agent-a", locks.PolicySharedHint, 10*time.Millisecond)
	b := locks.NewFileLock(svc, "/test.db", "agent-b", locks.PolicySharedHint, 10*time.Millisecond)

	a.WriteHint()
	require.NoError(t, a.Lock(vfs.LOCK_SHARED))

	b.WriteHint()
	err := b.Lock(vfs.LOCK_SHARED)
	require.Error(t, err)
	require.ErrorIs(t, err, locks.ErrBusy)
}

func TestFileLockExclusivePolicySerializesReaders(t *testing.T) {
	svc := locks.New(clock.Real)
	a := locks.NewFileLock(svc, "/test.db", "agent-a", locks.PolicyExclusive, 10*time.Millisecond)
	b := locks.NewFileLock(svc, "/test.db", "agent-b", locks.PolicyExclusive, 10*time.Millisecond)

	require.NoError(t, a.Lock(vfs.LOCK_SHARED))

	err := b.Lock(vfs.LOCK_SHARED)
	require.Error(t, err)
	require.ErrorIs(t, err, locks.ErrBusy)

	require.NoError(t, a.Unlock(vfs.LOCK_NONE))
	require.NoError(t, b.Lock(vfs.LOCK_SHARED))
}

func TestFileLockUnexpectedTransitionRejected(t *testing.T) {
	svc := locks.New(clock.Real)
	f := locks.NewFileLock(svc, "/test.db", "agent-1", locks.PolicyShared, 10*time.Millisecond)

	err := f.Lock(vfs.LOCK_EXCLUSIVE)
	require.Error(t, err)
}
