package nojournal_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sqlite3vfs/idb/vfs"
	"github.com/sqlite3vfs/idb/vfs/nojournal"
)

type fakeCompanion struct{ flagged bool }

func (f *fakeCompanion) SetRollbackOOB() { f.flagged = true }

func TestSecondWriteIsDiscarded(t *testing.T) {
	reg := nojournal.NewRegistry()
	v := nojournal.New(reg)
	f, _, err := v.Open("/db.sqlite-journal", vfs.OPEN_MAIN_JOURNAL)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt([]byte("first record"), 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("second record, discarded"), 0)
	require.NoError(t, err)

	buf := make([]byte, len("first record"))
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "first record", string(buf))
}

func TestReadOverPageCountFieldPatchesAndFlagsCompanion(t *testing.T) {
	reg := nojournal.NewRegistry()
	companion := &fakeCompanion{}
	reg.Register("/db.sqlite", companion)

	v := nojournal.New(reg)
	f, _, err := v.Open("/db.sqlite-journal", vfs.OPEN_MAIN_JOURNAL)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt(make([]byte, 28), 0)
	require.NoError(t, err)

	buf := make([]byte, 28)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, buf[8:12])
	require.True(t, companion.flagged)
}

func TestTruncateZeroClearsRetainedData(t *testing.T) {
	reg := nojournal.NewRegistry()
	v := nojournal.New(reg)
	f, _, err := v.Open("/db.sqlite-journal", vfs.OPEN_MAIN_JOURNAL)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt([]byte("some journal bytes"), 0)
	require.NoError(t, err)

	require.NoError(t, f.Truncate(0))
	size, err := f.Size()
	require.NoError(t, err)
	require.Equal(t, int64(0), size)
}

func TestDeviceCharacteristics(t *testing.T) {
	v := nojournal.New(nojournal.NewRegistry())
	f, _, err := v.Open("/db.sqlite-journal", vfs.OPEN_MAIN_JOURNAL)
	require.NoError(t, err)
	defer f.Close()

	dc := f.DeviceCharacteristics()
	require.NotZero(t, dc&vfs.IOCAP_SAFE_APPEND)
	require.NotZero(t, dc&vfs.IOCAP_UNDELETABLE_WHEN_OPEN)
}
