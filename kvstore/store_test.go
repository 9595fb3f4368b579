package kvstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sqlite3vfs/idb/kvstore"
)

func openTestStore(t *testing.T) *kvstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := kvstore.Open(path, []string{"blocks", "tx"})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get("blocks", "missing")
	require.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestBatchIsAtomic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Batch(ctx, []kvstore.Write{
		{Store: "blocks", Key: []byte("a"), Value: []byte("1")},
		{Store: "blocks", Key: []byte("b"), Value: []byte("2")},
	})
	require.NoError(t, err)

	v, err := s.Get("blocks", "a")
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	v, err = s.Get("blocks", "b")
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)
}

func TestBatchRejectsUnknownStore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Batch(ctx, []kvstore.Write{
		{Store: "nope", Key: []byte("a"), Value: []byte("1")},
	})
	require.Error(t, err)

	_, getErr := s.Get("blocks", "a")
	require.ErrorIs(t, getErr, kvstore.ErrNotFound)
}

func TestGetRangeOrdersAndBounds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Batch(ctx, []kvstore.Write{
		{Store: "tx", Key: []byte("tx/0001"), Value: []byte("a")},
		{Store: "tx", Key: []byte("tx/0002"), Value: []byte("b")},
		{Store: "tx", Key: []byte("tx/0003"), Value: []byte("c")},
	}))

	entries, err := s.GetRange("tx", []byte("tx/0002"), nil)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, []byte("tx/0002"), entries[0].Key)
	require.Equal(t, []byte("tx/0003"), entries[1].Key)
}

func TestClearRemovesAllKeys(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Batch(ctx, []kvstore.Write{
		{Store: "blocks", Key: []byte("a"), Value: []byte("1")},
	}))
	require.NoError(t, s.Clear("blocks"))

	entries, err := s.GetAll("blocks")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestDeleteViaNilValue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Batch(ctx, []kvstore.Write{
		{Store: "blocks", Key: []byte("a"), Value: []byte("1")},
	}))
	require.NoError(t, s.Batch(ctx, []kvstore.Write{
		{Store: "blocks", Key: []byte("a"), Value: nil},
	}))

	_, err := s.Get("blocks", "a")
	require.ErrorIs(t, err, kvstore.ErrNotFound)
}
