package vtab

import (
	"fmt"
	"sync"
)

// ArrayTable is a worked example of the module boundary: a read/write
// view over a host-owned [][]any, addressed by row index as rowid. It
// demonstrates both halves of spec.md §4.6's illustration — a module
// whose callbacks run synchronously against plain Go memory — without
// claiming to be anything more than that.
type ArrayTable struct {
	columns []string
	mu      *sync.Mutex
	rows    *[][]any
}

// NewArrayModule builds a Module that, on Connect, exposes rows (a
// pointer to a host-owned slice the caller continues to own and may
// mutate outside of SQL too) as a table with the given column names.
func NewArrayModule(columns []string, rows *[][]any) Module {
	return &arrayModule{columns: columns, rows: rows, mu: &sync.Mutex{}}
}

type arrayModule struct {
	columns []string
	rows    *[][]any
	mu      *sync.Mutex
}

func (m *arrayModule) Connect(args []string, declare func(string) error) (VirtualTable, error) {
	schema := "CREATE TABLE x("
	for i, c := range m.columns {
		if i > 0 {
			schema += ", "
		}
		schema += c
	}
	schema += ")"
	if err := declare(schema); err != nil {
		return nil, err
	}
	return &ArrayTable{columns: m.columns, rows: m.rows, mu: m.mu}, nil
}

var _ Module = (*arrayModule)(nil)
var _ WriteableVirtualTable = (*ArrayTable)(nil)

// BestIndex never claims to use any constraint itself: every query is a
// full scan over the backing slice, cost proportional to its length.
func (t *ArrayTable) BestIndex(in *IndexInfoInput) (*IndexInfoOutput, error) {
	t.mu.Lock()
	n := len(*t.rows)
	t.mu.Unlock()
	return &IndexInfoOutput{
		Used:          make([]bool, len(in.Constraints)),
		EstimatedCost: float64(n) + 1,
		EstimatedRows: int64(n),
	}, nil
}

func (t *ArrayTable) Open() (Cursor, error) {
	return &arrayCursor{table: t}, nil
}

func (t *ArrayTable) Disconnect() error { return nil }
func (t *ArrayTable) Destroy() error    { return nil }

func (t *ArrayTable) Insert(row []any) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(row) != len(t.columns) {
		return 0, fmt.Errorf("vtab: expected %d columns, got %d", len(t.columns), len(row))
	}
	*t.rows = append(*t.rows, row)
	return int64(len(*t.rows) - 1), nil
}

func (t *ArrayTable) Update(rowid int64, row []any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rowid < 0 || int(rowid) >= len(*t.rows) {
		return fmt.Errorf("vtab: no row with rowid %d", rowid)
	}
	(*t.rows)[rowid] = row
	return nil
}

func (t *ArrayTable) Delete(rowid int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rowid < 0 || int(rowid) >= len(*t.rows) {
		return fmt.Errorf("vtab: no row with rowid %d", rowid)
	}
	(*t.rows)[rowid] = nil // tombstoned, not compacted: live cursors keep their indices valid
	return nil
}

// arrayCursor walks the backing slice in index order, skipping tombstoned
// (deleted) rows.
type arrayCursor struct {
	table *ArrayTable
	idx   int
}

func (c *arrayCursor) Filter(constraints []Constraint) error {
	c.idx = 0
	c.skipTombstones()
	return nil
}

func (c *arrayCursor) Next() error {
	c.idx++
	c.skipTombstones()
	return nil
}

func (c *arrayCursor) skipTombstones() {
	c.table.mu.Lock()
	defer c.table.mu.Unlock()
	rows := *c.table.rows
	for c.idx < len(rows) && rows[c.idx] == nil {
		c.idx++
	}
}

func (c *arrayCursor) EOF() bool {
	c.table.mu.Lock()
	defer c.table.mu.Unlock()
	return c.idx >= len(*c.table.rows)
}

func (c *arrayCursor) Column(i int) (any, error) {
	c.table.mu.Lock()
	defer c.table.mu.Unlock()
	rows := *c.table.rows
	if c.idx >= len(rows) || i >= len(rows[c.idx]) {
		return nil, fmt.Errorf("vtab: column %d out of range at row %d", i, c.idx)
	}
	return rows[c.idx][i], nil
}

func (c *arrayCursor) Rowid() (int64, error) { return int64(c.idx), nil }

func (c *arrayCursor) Close() error { return nil }
