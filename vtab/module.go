// Package vtab is spec component I: the virtual-table module boundary.
// spec.md §4.6 is explicit that this is not part of the core — it exists
// only to document that the engine-facing surface must let user code
// register additional modules, synchronous or suspending, scoped to one
// open database. This package provides that registration point plus one
// concrete module (ArrayTable) as a worked example: a read/write table
// view over a host Go slice.
//
// It is grounded on the riyaz-ali/sqlite vtab module contract found in
// the example pack (Module/VirtualTable/VirtualCursor, BestIndex, the
// Transactional/WriteableVirtualTable optional-interface split), adapted
// from that package's cgo sqlite3_module bridge down to a plain Go
// interface: this repo has no C boundary to cross, so there is no
// xConnect/xBestIndex struct marshaling here, only the Go-level contract
// a caller's module must satisfy.
package vtab

// Module connects or creates a VirtualTable for one registered module
// name. args is whatever follows the module name in a CREATE VIRTUAL
// TABLE statement (or, for an eponymous module, whatever the engine
// supplies positionally); declare reports the table's schema to the
// engine, exactly as in the teacher pack's Module.Connect.
type Module interface {
	Connect(args []string, declare func(schema string) error) (VirtualTable, error)
}

// VirtualTable is one connected/created virtual table instance.
type VirtualTable interface {
	BestIndex(*IndexInfoInput) (*IndexInfoOutput, error)
	Open() (Cursor, error)
	Disconnect() error
	Destroy() error
}

// WriteableVirtualTable is the optional write-path extension, mirroring
// the teacher pack's split between read-only and read/write modules.
type WriteableVirtualTable interface {
	VirtualTable
	Insert(row []any) (rowid int64, err error)
	Update(rowid int64, row []any) error
	Delete(rowid int64) error
}

// Cursor iterates the rows BestIndex selected.
type Cursor interface {
	Filter(constraints []Constraint) error
	Next() error
	EOF() bool
	Column(idx int) (any, error)
	Rowid() (int64, error)
	Close() error
}

// Constraint is one BestIndex-selected WHERE-clause term the cursor's
// Filter must honor (or ignore, at the cost of a full scan).
type Constraint struct {
	Column int
	Op     ConstraintOp
	Value  any
}

// ConstraintOp is the comparison a Constraint applies.
type ConstraintOp int

const (
	ConstraintEq ConstraintOp = iota
	ConstraintGt
	ConstraintLE
	ConstraintLT
	ConstraintGE
)

// IndexInfoInput is what BestIndex receives: the constraints and order-by
// terms the query planner offers for this table reference.
type IndexInfoInput struct {
	Constraints []Constraint
	OrderBy     []int // column indices, in requested sort order
}

// IndexInfoOutput is BestIndex's verdict: which constraints it will
// honor itself (letting the engine skip re-checking them) and a rough
// cost estimate used to compare against alternative access plans.
type IndexInfoOutput struct {
	Used           []bool // parallel to IndexInfoInput.Constraints
	EstimatedCost  float64
	EstimatedRows  int64
	AlreadyOrdered bool
}

// Registry is the per-database module table: the "stable means for user
// code to register additional modules" spec.md §4.6 requires. It is
// independent of any particular VFS; a Facade or demo host looks modules
// up here by name when it sees CREATE VIRTUAL TABLE ... USING name.
type Registry struct {
	modules map[string]Module
}

// NewRegistry constructs an empty module registry.
func NewRegistry() *Registry {
	return &Registry{modules: map[string]Module{}}
}

// Register adds a module under name, scoped to the lifetime of this
// Registry (typically one open database connection).
func (r *Registry) Register(name string, m Module) {
	r.modules[name] = m
}

// Lookup returns the module registered under name, if any.
func (r *Registry) Lookup(name string) (Module, bool) {
	m, ok := r.modules[name]
	return m, ok
}
