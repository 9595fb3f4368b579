package vfs

import (
	"errors"
	"io"
	"sync"

	sqlite3 "github.com/sqlite3vfs/idb"
)

// Mode declares whether a Facade's hosted engine may suspend inside a jFoo
// call (spec.md §4.1/§5).
type Mode int

const (
	// Sync hosts a single-threaded cooperative engine: every jFoo call must
	// return without suspending.
	Sync Mode = iota
	// Suspending hosts an engine built to suspend (e.g. a stack-switching
	// build); jFoo calls may block on locks, broadcast, or storage I/O.
	Suspending
)

// Facade is spec component E: it owns the File-identifier table (spec.md
// §3, "an opaque integer chosen by the engine") and translates the
// engine's raw, untyped calling convention into the typed jFoo operations
// a [VFS] and its [File]s implement. Buffers arrive already sliced and
// bounded; output parameters are explicit return values; paths are already
// decoded strings. Facade's only remaining jobs are bookkeeping the
// File table, zero-filling short reads, and recording the last error per
// file for [Facade.GetLastError].
type Facade struct {
	vfs   VFS
	async bool
	mode  Mode

	mu    sync.Mutex
	files map[int32]*fileRecord
}

type fileRecord struct {
	file    File
	path    string
	flags   OpenFlag
	lastErr error
}

// NewFacade builds a Facade over a registered VFS name, in the given mode.
// It returns an error if the VFS declared itself asynchronous but mode is
// [Sync] (an async implementation may suspend and a synchronous engine
// cannot tolerate that).
func NewFacade(vfsName string, mode Mode) (*Facade, error) {
	v, async, ok := Find(vfsName)
	if !ok {
		return nil, errf(sqlite3.CANTOPEN, "vfs %q not registered", vfsName)
	}
	if async && mode == Sync {
		return nil, errf(sqlite3.MISUSE, "vfs %q is asynchronous, cannot host in Sync mode", vfsName)
	}
	return &Facade{vfs: v, async: async, mode: mode, files: map[int32]*fileRecord{}}, nil
}

func (f *Facade) record(id int32) (*fileRecord, sqlite3.Code) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.files[id]
	if !ok {
		return nil, sqlite3.MISUSE
	}
	return r, sqlite3.OK
}

func (f *Facade) fail(r *fileRecord, err error) sqlite3.Code {
	code := sqlite3.AsCode(err)
	if r != nil {
		f.mu.Lock()
		r.lastErr = err
		f.mu.Unlock()
	}
	return code
}

// Open implements jOpen. name == "" allocates a private transient file, per
// spec.md §4.1.
func (f *Facade) Open(name string, fileID int32, flags OpenFlag) (outFlags OpenFlag, code sqlite3.Code) {
	file, out, err := f.vfs.Open(name, flags)
	if err != nil {
		return 0, f.fail(nil, err)
	}
	f.mu.Lock()
	f.files[fileID] = &fileRecord{file: file, path: name, flags: out}
	f.mu.Unlock()
	return out, sqlite3.OK
}

// Close implements jClose. It is idempotent: closing an unknown fileID
// (e.g. a second call for the same identifier) returns OK rather than
// MISUSE, matching spec.md's "idempotent with respect to subsequent calls."
func (f *Facade) Close(fileID int32) sqlite3.Code {
	f.mu.Lock()
	r, ok := f.files[fileID]
	delete(f.files, fileID)
	f.mu.Unlock()
	if !ok {
		return sqlite3.OK
	}
	if err := r.file.Close(); err != nil {
		return f.fail(r, err)
	}
	return sqlite3.OK
}

// Read implements jRead. Short reads are zero-filled and reported as
// IOERR_SHORT_READ, never as a partial success with OK.
func (f *Facade) Read(fileID int32, buf []byte, offset int64) sqlite3.Code {
	r, code := f.record(fileID)
	if code != sqlite3.OK {
		return code
	}
	if len(buf) == 0 {
		return sqlite3.OK
	}
	n, err := r.file.ReadAt(buf, offset)
	if n < len(buf) {
		clear(buf[n:])
	}
	if err != nil {
		if isEOF(err) {
			return sqlite3.IOERR_SHORT_READ
		}
		return f.fail(r, err)
	}
	return sqlite3.OK
}

// Write implements jWrite.
func (f *Facade) Write(fileID int32, buf []byte, offset int64) sqlite3.Code {
	r, code := f.record(fileID)
	if code != sqlite3.OK {
		return code
	}
	if _, err := r.file.WriteAt(buf, offset); err != nil {
		return f.fail(r, err)
	}
	return sqlite3.OK
}

// Truncate implements jTruncate.
func (f *Facade) Truncate(fileID int32, size int64) sqlite3.Code {
	r, code := f.record(fileID)
	if code != sqlite3.OK {
		return code
	}
	if size < 0 {
		return f.fail(r, errf(sqlite3.ERROR, "truncate to negative size %d", size))
	}
	if err := r.file.Truncate(size); err != nil {
		return f.fail(r, err)
	}
	return sqlite3.OK
}

// Sync implements jSync.
func (f *Facade) Sync(fileID int32, flag SyncFlag) sqlite3.Code {
	r, code := f.record(fileID)
	if code != sqlite3.OK {
		return code
	}
	if err := r.file.Sync(flag); err != nil {
		return f.fail(r, err)
	}
	return sqlite3.OK
}

// FileSize implements jFileSize.
func (f *Facade) FileSize(fileID int32) (int64, sqlite3.Code) {
	r, code := f.record(fileID)
	if code != sqlite3.OK {
		return 0, code
	}
	n, err := r.file.Size()
	if err != nil {
		return 0, f.fail(r, err)
	}
	return n, sqlite3.OK
}

// Lock implements jLock.
func (f *Facade) Lock(fileID int32, level LockLevel) sqlite3.Code {
	r, code := f.record(fileID)
	if code != sqlite3.OK {
		return code
	}
	if err := r.file.Lock(level); err != nil {
		return f.fail(r, err)
	}
	return sqlite3.OK
}

// Unlock implements jUnlock.
func (f *Facade) Unlock(fileID int32, level LockLevel) sqlite3.Code {
	r, code := f.record(fileID)
	if code != sqlite3.OK {
		return code
	}
	if err := r.file.Unlock(level); err != nil {
		return f.fail(r, err)
	}
	return sqlite3.OK
}

// CheckReservedLock implements jCheckReservedLock.
func (f *Facade) CheckReservedLock(fileID int32) (bool, sqlite3.Code) {
	r, code := f.record(fileID)
	if code != sqlite3.OK {
		return false, code
	}
	ok, err := r.file.CheckReservedLock()
	if err != nil {
		return false, f.fail(r, err)
	}
	return ok, sqlite3.OK
}

// FileControl implements jFileControl. Ops not understood by the
// underlying File (or a File that does not implement [FileControl] at
// all) return NOTFOUND so the engine can fall back to its default
// behavior, per spec.md §4.1 and §7.
func (f *Facade) FileControl(fileID int32, op FcntlOp, arg []byte) ([]byte, sqlite3.Code) {
	r, code := f.record(fileID)
	if code != sqlite3.OK {
		return nil, code
	}
	fc, ok := r.file.(FileControl)
	if !ok {
		return nil, sqlite3.NOTFOUND
	}
	out, err := fc.FileControl(op, arg)
	if err != nil {
		if errors.Is(err, sqlite3.NOTFOUND) {
			return nil, sqlite3.NOTFOUND
		}
		return nil, f.fail(r, err)
	}
	return out, sqlite3.OK
}

// SectorSize implements jSectorSize.
func (f *Facade) SectorSize(fileID int32) int {
	r, code := f.record(fileID)
	if code != sqlite3.OK {
		return 512
	}
	return r.file.SectorSize()
}

// DeviceCharacteristics implements jDeviceCharacteristics.
func (f *Facade) DeviceCharacteristics(fileID int32) DeviceCharacteristic {
	r, code := f.record(fileID)
	if code != sqlite3.OK {
		return 0
	}
	return r.file.DeviceCharacteristics()
}

// Access implements jAccess.
func (f *Facade) Access(name string, flag AccessFlag) (bool, sqlite3.Code) {
	ok, err := f.vfs.Access(name, flag)
	if err != nil {
		return false, f.fail(nil, err)
	}
	return ok, sqlite3.OK
}

// Delete implements jDelete.
func (f *Facade) Delete(name string, dirSync bool) sqlite3.Code {
	if err := f.vfs.Delete(name, dirSync); err != nil {
		return f.fail(nil, err)
	}
	return sqlite3.OK
}

// GetLastError writes the last error recorded for fileID into scratch,
// truncated and null-terminated to fit, and returns the number of bytes
// written (including the terminator, if room allowed one). This is
// jGetLastError, bounded to an engine-provided scratch buffer per
// spec.md §4.1.
func (f *Facade) GetLastError(fileID int32, scratch []byte) int {
	r, code := f.record(fileID)
	if code != sqlite3.OK || r == nil || r.lastErr == nil || len(scratch) == 0 {
		return 0
	}
	msg := r.lastErr.Error()
	n := copy(scratch[:len(scratch)-1], msg)
	scratch[n] = 0
	return n + 1
}

// LockState reports the current lock level of fileID, using the optional
// [FileLockState] extension when the File implements it, or LOCK_NONE
// otherwise.
func (f *Facade) LockState(fileID int32) LockLevel {
	r, code := f.record(fileID)
	if code != sqlite3.OK {
		return LOCK_NONE
	}
	if ls, ok := r.file.(FileLockState); ok {
		return ls.LockState()
	}
	return LOCK_NONE
}

// SizeHint forwards to the optional [FileSizeHint] extension, a no-op when
// unsupported.
func (f *Facade) SizeHint(fileID int32, size int64) sqlite3.Code {
	r, code := f.record(fileID)
	if code != sqlite3.OK {
		return code
	}
	if sh, ok := r.file.(FileSizeHint); ok {
		if err := sh.SizeHint(size); err != nil {
			return f.fail(r, err)
		}
	}
	return sqlite3.OK
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

