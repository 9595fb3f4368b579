// Package tempvfs hosts the databases the engine never asks the browser to
// persist: temp databases and temp journals used by the sorter and by
// transient indices (spec.md never puts these in scope for IndexedDB, since
// they die with the connection anyway). An in-process, ordmap-backed store
// is the natural fit — no origin-private file system round-trip for data
// nobody needs after the statement that created it finishes.
//
// Grounded on edofic-go-sqlite3's vfs/ordmap-mvcc "memdb" VFS: same
// sector-indexed go-ordmap storage and lock state machine, re-skinned onto
// this module's vfs.VFS/vfs.File contract and scoped per-VFS instance
// rather than a package-level global registry (tempvfs has no reason to
// share a name across unrelated Facades the way the teacher's shared-memory
// databases did).
package tempvfs

import (
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/edofic/go-ordmap/v2"

	sqlite3 "github.com/sqlite3vfs/idb"
	"github.com/sqlite3vfs/idb/vfs"
)

const sectorSize = 65536

type VFS struct {
	mu  sync.Mutex
	dbs map[string]*db
}

// New returns an empty temp-file VFS. One instance is typically shared by
// every connection opened against the same Facade, so that Fork can clone
// a savepoint's scratch state cheaply.
func New() *VFS {
	return &VFS{dbs: map[string]*db{}}
}

var _ vfs.VFS = (*VFS)(nil)

func (v *VFS) FullPathname(name string) (string, error) { return name, nil }

func (v *VFS) Access(name string, flag vfs.AccessFlag) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.dbs[name]
	return ok, nil
}

func (v *VFS) Delete(name string, dirSync bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.dbs, name)
	return nil
}

// Fork clones name's current contents under newName in O(log n), thanks to
// go-ordmap's persistent map: the two scratch databases share all unchanged
// sectors until one of them writes.
func (v *VFS) Fork(name, newName string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	src, ok := v.dbs[name]
	if !ok {
		return sqlite3.CANTOPEN
	}
	v.dbs[newName] = src.fork()
	return nil
}

func (v *VFS) Open(name string, flags vfs.OpenFlag) (vfs.File, vfs.OpenFlag, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	d, ok := v.dbs[name]
	if !ok {
		if flags&vfs.OPEN_CREATE == 0 {
			return nil, 0, sqlite3.CANTOPEN
		}
		d = &db{data: ordmap.NewBuiltin[int64, []byte]()}
		v.dbs[name] = d
	}

	return &file{db: d, readOnly: flags&vfs.OPEN_READWRITE == 0}, flags, nil
}

type db struct {
	mu   sync.RWMutex // guards data/size
	data ordmap.NodeBuiltin[int64, []byte]
	size int64

	lockMu   sync.Mutex
	shared   int
	reserved bool
	pending  bool
}

func (d *db) fork() *db {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return &db{data: d.data, size: d.size}
}

type file struct {
	*db
	lock     vfs.LockLevel
	readOnly bool
}

var _ vfs.File = (*file)(nil)
var _ vfs.FileLockState = (*file)(nil)
var _ vfs.FileSizeHint = (*file)(nil)

func (f *file) Close() error {
	return f.Unlock(vfs.LOCK_NONE)
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if off < 0 {
		return 0, sqlite3.IOERR_READ
	}
	if off >= f.size {
		return 0, io.EOF
	}

	want := int64(len(p))
	avail := f.size - off
	short := want > avail
	if short {
		want = avail
	}

	base := off / sectorSize
	rest := off % sectorSize
	inSector := sectorSize - rest
	n := want
	if n > inSector {
		n = inSector
	}

	page, ok := f.data.Get(base)
	if !ok || int64(len(page))-rest <= 0 {
		clear(p[:n])
	} else {
		got := copy(p[:n], page[rest:])
		if int64(got) < n {
			clear(p[got:n])
		}
	}

	if short {
		return int(n), io.EOF
	}
	return int(n), nil
}

func (f *file) WriteAt(p []byte, off int64) (int, error) {
	if f.readOnly {
		return 0, sqlite3.IOERR_WRITE
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if off < 0 {
		return 0, sqlite3.IOERR_WRITE
	}
	if len(p) == 0 {
		return 0, nil
	}

	base := off / sectorSize
	rest := off % sectorSize
	if rest+int64(len(p)) > sectorSize {
		return 0, io.ErrShortWrite // tempvfs never sees cross-sector writes in practice
	}

	page, ok := f.data.Get(base)
	var buf []byte
	if ok {
		buf = make([]byte, sectorSize)
		copy(buf, page)
	} else {
		buf = make([]byte, sectorSize)
	}
	n := copy(buf[rest:], p)
	f.data = f.data.Insert(base, buf)

	if end := off + int64(n); end > f.size {
		f.size = end
	}
	return n, nil
}

func (f *file) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.truncateLocked(size)
}

func (f *file) truncateLocked(size int64) error {
	if size < 0 {
		size = 0
	}
	f.size = size
	if size == 0 {
		f.data = ordmap.NewBuiltin[int64, []byte]()
		return nil
	}

	lastBase := (size - 1) / sectorSize
	keep := size - lastBase*sectorSize
	if page, ok := f.data.Get(lastBase); ok {
		trimmed := make([]byte, sectorSize)
		copy(trimmed, page)
		f.data = f.data.Insert(lastBase, trimmed[:keep])
	}
	for it := f.data.Iterate(); !it.Done(); it.Next() {
		if it.GetKey() > lastBase {
			f.data = f.data.Remove(it.GetKey())
		}
	}
	return nil
}

func (f *file) Sync(flag vfs.SyncFlag) error { return nil }

func (f *file) Size() (int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.size, nil
}

func (f *file) SizeHint(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if size > f.size {
		return f.truncateLocked(size)
	}
	return nil
}

const spinWait = 25 * time.Microsecond

func (f *file) Lock(level vfs.LockLevel) error {
	if f.lock >= level {
		return nil
	}
	if f.readOnly && level >= vfs.LOCK_RESERVED {
		return sqlite3.IOERR_LOCK
	}

	f.lockMu.Lock()
	defer f.lockMu.Unlock()

	switch level {
	case vfs.LOCK_SHARED:
		if f.pending {
			return sqlite3.BUSY
		}
		f.shared++
	case vfs.LOCK_RESERVED:
		if f.reserved {
			return sqlite3.BUSY
		}
		f.reserved = true
	case vfs.LOCK_EXCLUSIVE:
		if f.lock < vfs.LOCK_PENDING {
			f.pending = true
		}
		for start := time.Now(); f.shared > 1; {
			if time.Since(start) > spinWait*10 {
				return sqlite3.BUSY_RECOVERY
			}
			f.lockMu.Unlock()
			runtime.Gosched()
			f.lockMu.Lock()
		}
	}

	f.lock = level
	return nil
}

func (f *file) Unlock(level vfs.LockLevel) error {
	if f.lock <= level {
		return nil
	}
	f.lockMu.Lock()
	defer f.lockMu.Unlock()

	old := f.lock
	if old >= vfs.LOCK_PENDING && level < vfs.LOCK_PENDING {
		f.pending = false
	}
	if old >= vfs.LOCK_RESERVED && level < vfs.LOCK_RESERVED {
		f.reserved = false
	}
	if old >= vfs.LOCK_SHARED && level < vfs.LOCK_SHARED {
		f.shared--
		if f.shared < 0 {
			f.shared = 0
		}
	}
	f.lock = level
	return nil
}

func (f *file) CheckReservedLock() (bool, error) {
	f.lockMu.Lock()
	defer f.lockMu.Unlock()
	return f.reserved || f.lock >= vfs.LOCK_EXCLUSIVE, nil
}

func (f *file) SectorSize() int { return sectorSize }

func (f *file) DeviceCharacteristics() vfs.DeviceCharacteristic {
	return vfs.IOCAP_ATOMIC | vfs.IOCAP_SEQUENTIAL | vfs.IOCAP_SAFE_APPEND | vfs.IOCAP_POWERSAFE_OVERWRITE
}

func (f *file) LockState() vfs.LockLevel {
	f.lockMu.Lock()
	defer f.lockMu.Unlock()
	return f.lock
}
