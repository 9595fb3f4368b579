// Package router implements the file-kind dispatch a complete Facade setup
// needs but spec.md's component list doesn't name on its own: idbatomic
// (G) only knows how to be a main database, nojournal (H) only knows how
// to be that database's journal, and tempvfs only knows how to be
// anything else (temp databases/journals, transient databases,
// sub-journals). Something has to route jOpen's OpenFlag to the right one
// before a [vfs.Facade] ever sees a single [vfs.VFS].
package router

import "github.com/sqlite3vfs/idb/vfs"

// Config names the three backing stores a Facade is composed from.
type Config struct {
	Main    vfs.VFS // handles OPEN_MAIN_DB
	Journal vfs.VFS // handles OPEN_MAIN_JOURNAL
	Temp    vfs.VFS // handles everything else: temp/transient DBs, temp/sub journals
}

// VFS dispatches by OpenFlag to one of Config's three backing VFS values,
// and implements vfs.VFS itself so it can be registered and wrapped in a
// single Facade just like any other backing store.
type VFS struct {
	cfg Config
}

func New(cfg Config) *VFS { return &VFS{cfg: cfg} }

var _ vfs.VFS = (*VFS)(nil)

func (v *VFS) Open(name string, flags vfs.OpenFlag) (vfs.File, vfs.OpenFlag, error) {
	switch {
	case flags&vfs.OPEN_MAIN_DB != 0:
		return v.cfg.Main.Open(name, flags)
	case flags&vfs.OPEN_MAIN_JOURNAL != 0:
		return v.cfg.Journal.Open(name, flags)
	default:
		return v.cfg.Temp.Open(name, flags)
	}
}

func (v *VFS) FullPathname(name string) (string, error) {
	return v.cfg.Main.FullPathname(name)
}

// Access and Delete receive no OpenFlag to route on, so they are tried
// against each backing store in turn (main, then journal, then temp),
// since a given name belongs to exactly one of them at a time.
func (v *VFS) Access(name string, flag vfs.AccessFlag) (bool, error) {
	for _, backing := range []vfs.VFS{v.cfg.Main, v.cfg.Journal, v.cfg.Temp} {
		if ok, err := backing.Access(name, flag); err == nil && ok {
			return true, nil
		}
	}
	return false, nil
}

func (v *VFS) Delete(name string, dirSync bool) error {
	var firstErr error
	for _, backing := range []vfs.VFS{v.cfg.Main, v.cfg.Journal, v.cfg.Temp} {
		if ok, _ := backing.Access(name, vfs.ACCESS_EXISTS); ok {
			return backing.Delete(name, dirSync)
		}
		if firstErr == nil {
			if err := backing.Delete(name, dirSync); err != nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
