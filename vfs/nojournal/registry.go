// Package nojournal is spec component H: a surrogate for the rollback
// journal SQLite opens alongside a main database. Rather than persisting
// the journal, it retains at most one page record in memory and answers
// reads so the engine believes a "hot journal" is present and complete,
// letting it skip real journal replay.
//
// It is grounded on the teacher's vfs/ordmap-mvcc package's in-memory
// vfs.File pattern (a bare struct holding retained bytes, no backing
// store), since a journal surrogate is by definition never durable.
package nojournal

import "sync"

// CompanionDB is the narrow interface a journal surrogate needs from its
// main database file: a way to flag that an out-of-band rollback just
// happened (spec.md §4.5, §9). vfs/idbatomic.File implements it;
// vfs/idbminimal.File does not.
type CompanionDB interface {
	SetRollbackOOB()
}

// Registry maps a database path to its currently open CompanionDB. It is
// the "index into a file-table" spec.md §9 calls for in place of a direct
// owning reference: the journal never outlives the DB file, and holding
// only an interface value in a shared map (rather than embedding a
// pointer field) keeps the journal from being the thing that decides the
// DB file's lifetime.
type Registry struct {
	mu    sync.Mutex
	files map[string]CompanionDB
}

// NewRegistry constructs an empty Registry. One Registry is shared by a
// main-database VFS and its paired nojournal VFS.
func NewRegistry() *Registry {
	return &Registry{files: map[string]CompanionDB{}}
}

// Register records that path's companion database is now open. Call it
// from the main-database VFS's Open; a later call for the same path
// replaces the previous registration.
func (r *Registry) Register(path string, db CompanionDB) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[path] = db
}

// Unregister removes path's registration if it still points at db,
// tolerating the case where a newer File has already replaced it (this
// File's Close must not clobber the next one's registration).
func (r *Registry) Unregister(path string, db CompanionDB) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.files[path] == db {
		delete(r.files, path)
	}
}

// Lookup returns path's companion database, if one is currently open.
func (r *Registry) Lookup(path string) (CompanionDB, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	db, ok := r.files[path]
	return db, ok
}
