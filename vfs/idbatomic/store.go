package idbatomic

import (
	"context"
	"fmt"
	"time"

	sqlite3 "github.com/sqlite3vfs/idb"
	"github.com/sqlite3vfs/idb/broadcast"
	"github.com/sqlite3vfs/idb/clock"
	"github.com/sqlite3vfs/idb/internal/log"
	"github.com/sqlite3vfs/idb/kvstore"
	"github.com/sqlite3vfs/idb/locks"
	"github.com/sqlite3vfs/idb/vfs"
	"github.com/sqlite3vfs/idb/vfs/nojournal"
)

// Synchronous selects how commit durability interacts with the broadcast
// mirror (spec.md §4.3: "if synchronous = full, jSync/commit awaits
// transaction completion before returning; in normal mode ... broadcast
// happens asynchronously").
type Synchronous int

const (
	SynchronousNormal Synchronous = iota
	SynchronousFull
)

// DefaultBlockSize is used to seed a brand-new database's first page when
// the caller doesn't specify one.
const DefaultBlockSize = 4096

// Config wires idbatomic's VFS to its host primitives. All four are
// shared process-wide; one VFS may host many open Files.
type Config struct {
	Store       *kvstore.Store
	Locks       *locks.Service
	Hub         *broadcast.Hub
	Clock       clock.Clock
	Holder      string // this agent's id, used for lock ownership and broadcast sender filtering
	Synchronous Synchronous
	BlockSize   int
	LockPolicy  locks.Policy
	LockTimeout time.Duration

	// Journals, if set, registers each opened File as the companion
	// database for its vfs/nojournal surrogate, so the surrogate can
	// signal an out-of-band rollback (spec.md §4.5/§9).
	Journals *nojournal.Registry
}

func (c *Config) setDefaults() {
	if c.Clock == nil {
		c.Clock = clock.Real
	}
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = 5 * time.Second
	}
}

// VFS is spec component G's VFS: it opens main-database files as paged,
// batch-atomic, broadcast-mirrored Files. Non-main-db names (journals,
// temp files) are out of scope here — idbatomic only hosts main
// databases; pair it with vfs/nojournal for the journal file.
type VFS struct {
	cfg Config
}

// New builds a VFS over cfg, which must not be mutated afterward.
func New(cfg Config) *VFS {
	cfg.setDefaults()
	return &VFS{cfg: cfg}
}

var _ vfs.VFS = (*VFS)(nil)
var _ nojournal.CompanionDB = (*File)(nil)

func (v *VFS) FullPathname(name string) (string, error) { return name, nil }

func (v *VFS) Access(name string, flag vfs.AccessFlag) (bool, error) {
	lower, upper := pathRange(name)
	entries, err := v.cfg.Store.GetRange(blocksObjectStore, lower, upper)
	if err != nil && err != kvstore.ErrNotFound {
		return false, err
	}
	return len(entries) > 0, nil
}

func (v *VFS) Delete(name string, dirSync bool) error {
	lower, upper := pathRange(name)
	blocks, err := v.cfg.Store.GetRange(blocksObjectStore, lower, upper)
	if err != nil && err != kvstore.ErrNotFound {
		return err
	}
	txLower, txUpper := pathRange(name)
	txs, err := v.cfg.Store.GetRange(txObjectStore, txLower, txUpper)
	if err != nil && err != kvstore.ErrNotFound {
		return err
	}
	writes := make([]kvstore.Write, 0, len(blocks)+len(txs))
	for _, e := range blocks {
		writes = append(writes, kvstore.Write{Store: blocksObjectStore, Key: e.Key, Value: nil})
	}
	for _, e := range txs {
		writes = append(writes, kvstore.Write{Store: txObjectStore, Key: e.Key, Value: nil})
	}
	if len(writes) == 0 {
		return nil
	}
	return v.cfg.Store.Batch(context.Background(), writes)
}

// Open implements jOpen for idbatomic's main-database files, per spec.md
// §4.3's five-step opening sequence.
func (v *VFS) Open(name string, flags vfs.OpenFlag) (vfs.File, vfs.OpenFlag, error) {
	lower, upper := pathRange(name)
	entries, err := v.cfg.Store.GetRange(blocksObjectStore, lower, upper)
	if err != nil && err != kvstore.ErrNotFound {
		return nil, 0, err
	}

	mirror := map[int64][]byte{}
	for _, e := range entries {
		mirror[decodeIndex(e.Key, name)] = e.Value
	}

	if _, ok := mirror[0]; !ok {
		if flags&vfs.OPEN_CREATE == 0 {
			return nil, 0, vfsErr(sqlite3.CANTOPEN, "idbatomic: %q does not exist", name)
		}
		page0 := make([]byte, v.cfg.BlockSize)
		if err := v.cfg.Store.Batch(context.Background(), []kvstore.Write{
			{Store: blocksObjectStore, Key: blockKey(name, 0), Value: page0},
		}); err != nil {
			return nil, 0, err
		}
		mirror[0] = page0
	}
	blockSize := len(mirror[0])

	txLower, txUpper := pathRange(name)
	txs, err := v.cfg.Store.GetRange(txObjectStore, txLower, txUpper)
	if err != nil && err != kvstore.ErrNotFound {
		return nil, 0, err
	}
	viewTxID := int64(0)
	for _, e := range txs {
		if id := decodeIndex(e.Key, name); id > viewTxID {
			viewTxID = id
		}
	}

	fileLock := locks.NewFileLock(v.cfg.Locks, name, v.cfg.Holder, v.cfg.LockPolicy, v.cfg.LockTimeout)
	viewLease, err := v.cfg.Locks.Request(context.Background(), viewLockName(name, viewTxID), v.cfg.Holder, locks.Shared, locks.Options{})
	if err != nil {
		return nil, 0, err
	}

	sub := broadcast.Subscribe(v.cfg.Hub, mirrorChannel(name), v.cfg.Holder, 64)

	fileSize := int64(len(mirror)) * int64(blockSize)

	f := &File{
		vfs:       v,
		path:      name,
		readOnly:  flags&vfs.OPEN_READWRITE == 0,
		mirror:    mirror,
		blockSize: blockSize,
		fileSize:  fileSize,
		viewTxID:  viewTxID,
		viewLease: viewLease,
		lock:      fileLock,
		sub:       sub,
		log:       log.WithComponent("idbatomic").With().Str("path", name).Logger(),
	}
	if v.cfg.Journals != nil {
		v.cfg.Journals.Register(name, f)
	}
	return f, flags, nil
}

// Fork duplicates path's currently-committed blocks under newPath,
// unrelated to and independent of path from that point on (its own lock
// and view-lock namespace, its own broadcast channel). Unlike the
// teacher's in-memory ordmap fork — a pointer copy, O(1) — the durable
// kvstore has no persistent-data-structure sharing, so this does copy
// every block's bytes in one batch; it is still useful for cheap
// scenario setup in tests and demos, just not free.
func (v *VFS) Fork(path, newPath string) error {
	lower, upper := pathRange(path)
	blocks, err := v.cfg.Store.GetRange(blocksObjectStore, lower, upper)
	if err != nil {
		return err
	}
	if len(blocks) == 0 {
		return vfsErr(sqlite3.CANTOPEN, "idbatomic: %q does not exist", path)
	}
	writes := make([]kvstore.Write, 0, len(blocks))
	for _, e := range blocks {
		idx := decodeIndex(e.Key, path)
		writes = append(writes, kvstore.Write{Store: blocksObjectStore, Key: blockKey(newPath, idx), Value: e.Value})
	}
	return v.cfg.Store.Batch(context.Background(), writes)
}

// Seed creates path from externally-supplied page bytes (e.g. a database
// dumped from another connection), normalizing a WAL-mode header (bytes
// 18-19 of page 1 equal to 2) down to rollback-journal mode (1), since
// nojournal (component H) only ever speaks rollback-journal. Without this,
// a store seeded from a WAL-mode dump would look unreadable to this
// core's journal surrogate. Grounded on the teacher's memdb.Create, which
// performs the same byte-level fixup.
func (v *VFS) Seed(path string, data []byte) error {
	blockSize := v.cfg.BlockSize
	if len(data) >= 20 && data[18] == 2 && data[19] == 2 {
		data[18] = 1
		data[19] = 1
	}

	pageCount := (len(data) + blockSize - 1) / blockSize
	writes := make([]kvstore.Write, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		page := make([]byte, blockSize)
		copy(page, data[i*blockSize:])
		writes = append(writes, kvstore.Write{Store: blocksObjectStore, Key: blockKey(path, int64(i)), Value: page})
	}
	if pageCount == 0 {
		writes = append(writes, kvstore.Write{Store: blocksObjectStore, Key: blockKey(path, 0), Value: make([]byte, blockSize)})
	}
	return v.cfg.Store.Batch(context.Background(), writes)
}

func vfsErr(code sqlite3.Code, format string, args ...any) error {
	return fmt.Errorf("%w: %s", code, fmt.Sprintf(format, args...))
}

func viewLockName(path string, txID int64) string {
	return fmt.Sprintf("%s@@[%d]", path, txID)
}

func mirrorChannel(path string) string { return "mirror:" + path }
