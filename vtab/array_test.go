package vtab_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sqlite3vfs/idb/vtab"
)

func TestArrayTableRoundTrip(t *testing.T) {
	rows := [][]any{{"alice", int64(30)}, {"bob", int64(25)}}
	module := vtab.NewArrayModule([]string{"name", "age"}, &rows)

	var schema string
	tbl, err := module.Connect(nil, func(s string) error { schema = s; return nil })
	require.NoError(t, err)
	require.Contains(t, schema, "name")

	writable, ok := tbl.(vtab.WriteableVirtualTable)
	require.True(t, ok)

	rowid, err := writable.Insert([]any{"carol", int64(40)})
	require.NoError(t, err)
	require.Equal(t, int64(2), rowid)

	cur, err := tbl.Open()
	require.NoError(t, err)
	defer cur.Close()

	require.NoError(t, cur.Filter(nil))
	var names []any
	for !cur.EOF() {
		name, err := cur.Column(0)
		require.NoError(t, err)
		names = append(names, name)
		require.NoError(t, cur.Next())
	}
	require.Equal(t, []any{"alice", "bob", "carol"}, names)

	require.NoError(t, writable.Delete(1))
	cur2, err := tbl.Open()
	require.NoError(t, err)
	defer cur2.Close()
	require.NoError(t, cur2.Filter(nil))
	names = nil
	for !cur2.EOF() {
		name, _ := cur2.Column(0)
		names = append(names, name)
		require.NoError(t, cur2.Next())
	}
	require.Equal(t, []any{"alice", "carol"}, names)
}
