// Package vfs defines the engine-facing VFS contract (spec component E,
// "Facade VFS") and the registry implementations plug into. The package
// corresponds to the teacher's own vfs package (github.com/ncruces/go-sqlite3/vfs):
// a VFS is a factory for File instances, and a File speaks a small, typed
// operation set that [Facade] adapts from the engine's raw buffer/pointer
// calling convention (xOpen/xRead/xWrite/...).
package vfs

import (
	"fmt"
	"io"
	"sync"

	sqlite3 "github.com/sqlite3vfs/idb"
)

// VFS opens and deletes files by name. Implementations may run synchronously
// (every method returns immediately) or may suspend internally (block on a
// channel, a lock, or I/O); callers declare which with [Register]'s async
// flag and [Facade] rejects a mismatch.
type VFS interface {
	// Open opens the file at name, or a private transient file if name is
	// empty. outFlags is the subset of flags the implementation honored.
	Open(name string, flags OpenFlag) (file File, outFlags OpenFlag, err error)

	// Delete removes the file at name. dirSync requests that the
	// containing directory's metadata be made durable too (meaningless for
	// non-hierarchical backends, which may ignore it).
	Delete(name string, dirSync bool) error

	// Access reports whether name exists (flag == ACCESS_EXISTS) or is
	// readable/writable (flag == ACCESS_READ / ACCESS_READWRITE).
	Access(name string, flag AccessFlag) (ok bool, err error)

	// FullPathname normalizes name into the absolute path the VFS will use
	// as the File record's key.
	FullPathname(name string) (string, error)
}

// File is the typed per-open-file operation set a VFS implementation
// provides; it is the jFoo family from spec.md §4.1, one level removed from
// the engine's raw calling convention.
type File interface {
	io.Closer
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)
	Truncate(size int64) error
	Sync(flag SyncFlag) error
	Size() (int64, error)
	Lock(level LockLevel) error
	Unlock(level LockLevel) error
	CheckReservedLock() (bool, error)
	SectorSize() int
	DeviceCharacteristics() DeviceCharacteristic
}

// FileLockState is an optional extension: implementations that track a
// precise current lock level (rather than deriving it on demand) expose it
// for diagnostics; the Facade reports it through [Facade.LockState].
type FileLockState interface {
	LockState() LockLevel
}

// FileSizeHint is an optional extension: the engine may advise a file of
// its eventual size so the implementation can pre-extend storage.
type FileSizeHint interface {
	SizeHint(size int64) error
}

// FileControl is an optional extension for the xFileControl escape hatch
// (BEGIN/COMMIT/ROLLBACK_ATOMIC_WRITE, SYNC, OVERWRITE, COMMIT_PHASETWO,
// PRAGMA, and implementation-defined ops such as WRITE_HINT).
//
// Unknown ops return sqlite3.NOTFOUND so the engine can fall back.
type FileControl interface {
	FileControl(op FcntlOp, arg []byte) ([]byte, error)
}

var (
	mu        sync.Mutex
	registry  = map[string]registered{}
	defaultOf string
)

type registered struct {
	vfs   VFS
	async bool
}

// Register adds name to the process-wide VFS registry. async marks the VFS
// as one whose methods may suspend internally; [Facade] refuses to host an
// async VFS in synchronous mode. The first VFS registered becomes the
// default returned by [Find] with an empty name.
//
// Tests must call [Unregister] between cases: the registry is global
// mutable state, exactly like SQLite's own vfs list (spec.md §9).
func Register(name string, v VFS, async bool) {
	mu.Lock()
	defer mu.Unlock()
	if defaultOf == "" {
		defaultOf = name
	}
	registry[name] = registered{vfs: v, async: async}
}

// Unregister removes name from the registry.
func Unregister(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(registry, name)
	if defaultOf == name {
		defaultOf = ""
	}
}

// Find returns the VFS registered under name (or the default VFS, for an
// empty name), and whether it declared itself asynchronous.
func Find(name string) (v VFS, async bool, ok bool) {
	mu.Lock()
	defer mu.Unlock()
	if name == "" {
		name = defaultOf
	}
	r, ok := registry[name]
	return r.vfs, r.async, ok
}

// errf builds a sqlite3.Code-compatible error, used throughout the vfs
// subpackages to keep error text consistent with the result code carried.
func errf(code sqlite3.Code, format string, args ...any) error {
	return fmt.Errorf("%w: %s", code, fmt.Sprintf(format, args...))
}
