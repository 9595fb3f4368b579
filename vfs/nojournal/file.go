package nojournal

import (
	"encoding/binary"
	"strings"
	"sync"

	"github.com/sqlite3vfs/idb/vfs"
)

// journalSuffix is how SQLite names a rollback journal: the database path
// plus this suffix.
const journalSuffix = "-journal"

// hotJournalPageCountOffset is the byte offset, within the retained
// record, of the journal header's 4-byte page-count field (spec.md §4.5:
// "bytes 8..12"). It is the only header field this package touches; the
// change counter at offset 24 belongs to the companion database's page 1,
// not to the journal.
const hotJournalPageCountOffset = 8

// VFS hosts no-journal surrogate files. reg resolves a journal's path to
// its companion main-database file.
type VFS struct {
	reg *Registry
}

func New(reg *Registry) *VFS {
	return &VFS{reg: reg}
}

var _ vfs.VFS = (*VFS)(nil)

func (v *VFS) FullPathname(name string) (string, error) { return name, nil }

// Delete, Access: the surrogate never persists anything, so Delete is a
// no-op and Access always reports that no journal exists, even while a
// File for it is open. SQLite's own access pattern (check before opening)
// doesn't depend on this being accurate across process restarts, since
// the journal it's checking for was never durable to begin with.
func (v *VFS) Delete(name string, dirSync bool) error { return nil }

func (v *VFS) Access(name string, flag vfs.AccessFlag) (bool, error) { return false, nil }

// Open implements jOpen for journal (and statement-journal) files. It
// always succeeds: the surrogate has no on-disk state to fail to find.
func (v *VFS) Open(name string, flags vfs.OpenFlag) (vfs.File, vfs.OpenFlag, error) {
	dbPath := strings.TrimSuffix(name, journalSuffix)
	return &File{vfs: v, dbPath: dbPath}, flags, nil
}

// File is one open journal surrogate: at most one retained page record,
// cleared on Truncate(0) (spec.md §4.5).
type File struct {
	vfs    *VFS
	dbPath string

	mu   sync.Mutex
	data []byte
}

var _ vfs.File = (*File)(nil)

// WriteAt accepts at most one page record; once data is retained, further
// writes are silently discarded (spec.md §4.5: "extra writes are
// discarded"), matching SQLite never needing more than the header/sector/
// page/checksum record for a rollback it will immediately short-circuit.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data != nil {
		return len(p), nil
	}
	end := off + int64(len(p))
	f.data = make([]byte, end)
	copy(f.data[off:], p)
	return len(p), nil
}

// ReadAt serves the retained record, patching the journal header's
// page-count field to 0xFFFFFFFF whenever the read covers it, and flagging
// the companion database for an out-of-band rollback (spec.md §4.5).
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	avail := int64(len(f.data)) - off
	if avail <= 0 {
		return 0, nil
	}
	n := int64(len(p))
	if avail < n {
		n = avail
	}
	copy(p[:n], f.data[off:off+n])

	if off <= hotJournalPageCountOffset && off+int64(len(p)) >= hotJournalPageCountOffset+4 {
		patchOffset := hotJournalPageCountOffset - off
		binary.BigEndian.PutUint32(p[patchOffset:patchOffset+4], 0xFFFFFFFF)
		if db, ok := f.vfs.reg.Lookup(f.dbPath); ok {
			db.SetRollbackOOB()
		}
	}

	return int(n), nil
}

func (f *File) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if size == 0 {
		f.data = nil
	}
	return nil
}

func (f *File) Sync(flag vfs.SyncFlag) error { return nil }

func (f *File) Size() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data)), nil
}

func (f *File) Close() error { return nil }

// Lock/Unlock/CheckReservedLock are no-ops: the surrogate carries no
// cross-agent state worth serializing, since it is never durable.
func (f *File) Lock(level vfs.LockLevel) error          { return nil }
func (f *File) Unlock(level vfs.LockLevel) error        { return nil }
func (f *File) CheckReservedLock() (bool, error)        { return false, nil }
func (f *File) SectorSize() int                         { return 0 }
func (f *File) DeviceCharacteristics() vfs.DeviceCharacteristic {
	return vfs.IOCAP_SAFE_APPEND | vfs.IOCAP_UNDELETABLE_WHEN_OPEN
}
