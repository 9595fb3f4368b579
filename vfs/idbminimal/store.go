// Package idbminimal is spec component F: a simplified paged store valid
// only under the two caller invariants spec.md §4.4 imposes (overlapping
// writes share one (offset, size); every read sits fully inside one prior
// write) — the shape SQLite's own TRUNCATE journal mode produces against
// its main database. It is grounded on the same teacher package as
// vfs/idbatomic (vfs/ordmap-mvcc/memdb.go's single in-memory page map),
// simplified back down to match: no transaction log, no broadcast mirror,
// one durable block map per path.
package idbminimal

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	sqlite3 "github.com/sqlite3vfs/idb"
	"github.com/sqlite3vfs/idb/internal/log"
	"github.com/sqlite3vfs/idb/kvstore"
	"github.com/sqlite3vfs/idb/locks"
	"github.com/sqlite3vfs/idb/vfs"
)

const blocksObjectStore = "blocks"

// blockKey encodes path + NUL + the bitwise complement of offset, so that
// ascending key order visits offsets in descending order: a "last block"
// lookup is the first entry in a prefix range scan (spec.md §4.4: "negation
// gives reverse-order iteration").
func blockKey(path string, offset int64) []byte {
	b := make([]byte, len(path)+1+8)
	n := copy(b, path)
	b[n] = 0
	binary.BigEndian.PutUint64(b[n+1:], ^uint64(offset))
	return b
}

func decodeOffset(key []byte, path string) int64 {
	return int64(^binary.BigEndian.Uint64(key[len(path)+1:]))
}

func pathRange(path string) (lower, upper []byte) {
	lower = append([]byte(path), 0)
	upper = append([]byte(path), 1)
	return lower, upper
}

// Config wires idbminimal's VFS to its host primitives.
type Config struct {
	Store       *kvstore.Store
	Locks       *locks.Service
	Holder      string
	LockPolicy  locks.Policy
	LockTimeout time.Duration

	// ValidateCallers enforces the two caller invariants at runtime,
	// rejecting violations with IOERR instead of silently corrupting
	// state. Off by default: the cost is a map lookup per write and a
	// containment check per read, worth paying only while a new caller is
	// being qualified.
	ValidateCallers bool
}

func (c *Config) setDefaults() {
	if c.LockTimeout == 0 {
		c.LockTimeout = 5 * time.Second
	}
}

// VFS hosts idbminimal Files, one durable block map per path.
type VFS struct {
	cfg Config
}

func New(cfg Config) *VFS {
	cfg.setDefaults()
	return &VFS{cfg: cfg}
}

var _ vfs.VFS = (*VFS)(nil)

func vfsErr(code sqlite3.Code, format string, args ...any) error {
	return fmt.Errorf("%w: %s", code, fmt.Sprintf(format, args...))
}

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
	entries, err := v.cfg.Store.GetRange(blocksObjectStore, lower, upper)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil
		}
		return err
	}
	writes := make([]kvstore.Write, 0, len(entries))
	for _, e := range entries {
		writes = append(writes, kvstore.Write{Store: blocksObjectStore, Key: e.Key, Value: nil})
	}
	if len(writes) == 0 {
		return nil
	}
	return v.cfg.Store.Batch(context.Background(), writes)
}

// Open implements jOpen. Unlike idbatomic, there is no fixed page-0 record
// requirement: an empty block map with OPEN_CREATE simply starts empty,
// matching a file SQLite is about to write its first page into.
func (v *VFS) Open(name string, flags vfs.OpenFlag) (vfs.File, vfs.OpenFlag, error) {
	lower, upper := pathRange(name)
	entries, err := v.cfg.Store.GetRange(blocksObjectStore, lower, upper)
	if err != nil && err != kvstore.ErrNotFound {
		return nil, 0, err
	}
	if len(entries) == 0 && flags&vfs.OPEN_CREATE == 0 {
		return nil, 0, vfsErr(sqlite3.CANTOPEN, "idbminimal: %q does not exist", name)
	}

	fileSize := int64(0)
	if len(entries) > 0 {
		last := entries[0] // ascending key order visits the highest offset first
		fileSize = decodeOffset(last.Key, name) + int64(len(last.Value))
	}

	f := &File{
		vfs:      v,
		path:     name,
		readOnly: flags&vfs.OPEN_READWRITE == 0,
		fileSize: fileSize,
		lock:     locks.NewFileLock(v.cfg.Locks, name, v.cfg.Holder, v.cfg.LockPolicy, v.cfg.LockTimeout),
		log:      log.WithComponent("idbminimal").With().Str("path", name).Logger(),
	}
	return f, flags, nil
}

// File is one open idbminimal file: written pages are buffered until
// jSync, since the invariants guarantee no two writers ever disagree about
// a given offset's contents.
type File struct {
	vfs      *VFS
	path     string
	readOnly bool

	mu       sync.Mutex
	fileSize int64
	pending  map[int64][]byte // offset -> bytes, flushed on Sync
	lock     *locks.FileLock

	log zerolog.Logger
}

var _ vfs.File = (*File)(nil)
var _ vfs.FileLockState = (*File)(nil)

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if b, ok := f.pending[off]; ok {
		if f.vfs.cfg.ValidateCallers && len(b) != len(p) {
			return 0, vfsErr(sqlite3.IOERR, "idbminimal: read at %d,%d does not match the pending write's size %d", off, len(p), len(b))
		}
		n := copy(p, b)
		return n, nil
	}

	value, err := f.vfs.cfg.Store.Get(blocksObjectStore, string(blockKey(f.path, off)))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return 0, vfsErr(sqlite3.IOERR_SHORT_READ, "idbminimal: no block at %q:%d", f.path, off)
		}
		return 0, err
	}
	if f.vfs.cfg.ValidateCallers && len(value) != len(p) {
		return 0, vfsErr(sqlite3.IOERR, "idbminimal: read at %d,%d spans more than one prior write", off, len(p))
	}
	n := copy(p, value)
	return n, nil
}

// WriteAt buffers the page in memory; spec.md §4.4 leaves durability to
// the configured policy at jSync, so a write alone never touches the
// store.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.vfs.cfg.ValidateCallers {
		if existing, ok := f.pending[off]; ok && len(existing) != len(p) {
			return 0, vfsErr(sqlite3.IOERR, "idbminimal: overlapping write at %d changed size %d -> %d", off, len(existing), len(p))
		}
	}

	if f.pending == nil {
		f.pending = map[int64][]byte{}
	}
	b := append([]byte(nil), p...)
	f.pending[off] = b
	if end := off + int64(len(p)); end > f.fileSize {
		f.fileSize = end
	}
	return len(p), nil
}

// Truncate only ever lowers fileSize; idbminimal never deletes individual
// block records on truncate, matching jTruncate's narrow contract for
// TRUNCATE-journal-mode main databases (the journal, not this file, is
// what actually shrinks on commit).
func (f *File) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if size < f.fileSize {
		f.fileSize = size
	}
	return nil
}

// Sync flushes buffered writes as one kvstore batch.
func (f *File) Sync(flag vfs.SyncFlag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil
	}
	writes := make([]kvstore.Write, 0, len(f.pending))
	for off, b := range f.pending {
		writes = append(writes, kvstore.Write{Store: blocksObjectStore, Key: blockKey(f.path, off), Value: b})
	}
	if err := f.vfs.cfg.Store.Batch(context.Background(), writes); err != nil {
		return err
	}
	f.pending = nil
	return nil
}

func (f *File) Size() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fileSize, nil
}

func (f *File) Close() error {
	f.mu.Lock()
	f.pending = nil
	f.mu.Unlock()
	if f.lock.CurrentLevel() != vfs.LOCK_NONE {
		return f.lock.Unlock(vfs.LOCK_NONE)
	}
	return nil
}

// Lock implements jLock. NONE->SHARED refreshes fileSize from the last
// block record, per spec.md §4.4: another agent may have appended pages
// since this File was opened.
func (f *File) Lock(level vfs.LockLevel) error {
	cur := f.lock.CurrentLevel()
	if err := f.lock.Lock(level); err != nil {
		return err
	}
	if cur == vfs.LOCK_NONE && level == vfs.LOCK_SHARED {
		f.refreshFileSize()
	}
	return nil
}

func (f *File) refreshFileSize() {
	lower, upper := pathRange(f.path)
	entries, err := f.vfs.cfg.Store.GetRange(blocksObjectStore, lower, upper)
	if err != nil {
		f.log.Warn().Err(err).Msg("failed to refresh file size on shared lock")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(entries) == 0 {
		f.fileSize = 0
		return
	}
	last := entries[0]
	f.fileSize = decodeOffset(last.Key, f.path) + int64(len(last.Value))
}

func (f *File) Unlock(level vfs.LockLevel) error { return f.lock.Unlock(level) }

func (f *File) CheckReservedLock() (bool, error) { return f.lock.CheckReservedLock() }

func (f *File) SectorSize() int { return 0 }

func (f *File) DeviceCharacteristics() vfs.DeviceCharacteristic { return 0 }

func (f *File) LockState() vfs.LockLevel { return f.lock.CurrentLevel() }
