package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sqlite3vfs/idb/vfs"
)

// Policy selects one of the three lock-acquisition disciplines spec.md §4.2
// names: exclusive (single writer, single reader, file-scoped), shared
// (SQLite's normal multi-reader/single-writer discipline), and shared+hint
// (shared, plus a write-intent handshake that makes RESERVED acquisition
// deadlock-free between concurrent writers).
type Policy int

const (
	PolicyExclusive Policy = iota
	PolicyShared
	PolicySharedHint
)

// sub-lock name suffixes, spec.md §3's "Lock record" naming.
const (
	suffixOuter    = "@@Outer"
	suffixInner    = "@@Inner"
	suffixHint     = "@@hint"
	suffixReserved = "@@reserved"
	suffixWrite    = "@@write"
)

// FileLock is component D, the WebLocksMixin: SQLite's NONE/SHARED/
// RESERVED/EXCLUSIVE discipline implemented over a [Service] of named
// locks. One FileLock is owned by each open main-database File; it is not
// safe for concurrent use by more than one goroutine at a time (matching
// spec.md §5: "within one agent, all operations on a given file are
// serialized by the engine").
type FileLock struct {
	svc     *Service
	path    string
	holder  string
	policy  Policy
	timeout time.Duration

	mu          sync.Mutex
	level       vfs.LockLevel
	outer       *Lease
	inner       *Lease
	hint        *Lease
	reserved    *Lease
	write       *Lease
	writeHinted bool
}

// NewFileLock builds a FileLock for path, held by holder (a per-agent
// identifier), using svc for the underlying named locks.
func NewFileLock(svc *Service, path, holder string, policy Policy, timeout time.Duration) *FileLock {
	return &FileLock{svc: svc, path: path, holder: holder, policy: policy, timeout: timeout}
}

// CurrentLevel reports the lock level this FileLock currently holds. The
// Files that own a FileLock return it from their LockState method, which
// is how they satisfy the optional [vfs.FileLockState] extension.
func (f *FileLock) CurrentLevel() vfs.LockLevel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.level
}

// WriteHint records that the caller intends to write during this SHARED
// lock's lifetime. Under [PolicySharedHint] it must be called before the
// next NONE→SHARED transition; it has no effect under other policies.
// This implements the implementation-defined WRITE_HINT file-control
// (spec.md §4.1/§4.2).
func (f *FileLock) WriteHint() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeHinted = true
}

func (f *FileLock) name(suffix string) string { return f.path + suffix }

func (f *FileLock) opts(poll bool) Options {
	return Options{Poll: poll, Timeout: f.timeout}
}

// acquire requests name in mode, honoring f's timeout. The returned error,
// if any, wraps [ErrBusy].
func (f *FileLock) acquire(name string, mode Mode) (*Lease, error) {
	return f.svc.Request(context.Background(), name, f.holder, mode, f.opts(false))
}

// tryAcquire is the poll (non-blocking) variant of acquire.
func (f *FileLock) tryAcquire(name string, mode Mode) (*Lease, error) {
	return f.svc.Request(context.Background(), name, f.holder, mode, f.opts(true))
}

// Lock implements jLock (spec.md §4.1/§4.2). Same-state requests are
// idempotent (return nil unchanged); unexpected transitions (e.g.
// NONE→EXCLUSIVE) are rejected with errUnexpectedTransition.
func (f *FileLock) Lock(to vfs.LockLevel) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.level == to {
		return nil
	}

	switch {
	case f.level == vfs.LOCK_NONE && to == vfs.LOCK_SHARED:
		return f.noneToShared()
	case f.level == vfs.LOCK_SHARED && to == vfs.LOCK_RESERVED:
		return f.sharedToReserved()
	case (f.level == vfs.LOCK_RESERVED || f.level == vfs.LOCK_PENDING) && to == vfs.LOCK_EXCLUSIVE:
		return f.reservedToExclusive()
	case f.level == vfs.LOCK_EXCLUSIVE && to == vfs.LOCK_SHARED:
		return f.exclusiveToShared()
	case f.level == vfs.LOCK_SHARED && to == vfs.LOCK_EXCLUSIVE:
		if err := f.sharedToReserved(); err != nil {
			return err
		}
		return f.reservedToExclusive()
	default:
		return errUnexpectedTransition(f.level, to)
	}
}

func (f *FileLock) noneToShared() error {
	if f.policy == PolicySharedHint && f.writeHinted {
		hint, err := f.tryAcquire(f.name(suffixHint), Exclusive)
		if err != nil {
			return err // BUSY: a concurrent writer holds hint, don't deadlock.
		}
		f.hint = hint
	}

	mode := Exclusive
	if f.policy != PolicyExclusive {
		mode = Shared
	}

	outer, err := f.acquire(f.name(suffixOuter), Exclusive)
	if err != nil {
		f.releaseHintLocked()
		return err
	}
	inner, err := f.acquire(f.name(suffixInner), mode)
	outer.Release()
	if err != nil {
		f.releaseHintLocked()
		return err
	}

	f.inner = inner
	f.level = vfs.LOCK_SHARED
	return nil
}

func (f *FileLock) sharedToReserved() error {
	if f.policy == PolicySharedHint && f.hint == nil {
		// A writer must hold hint at the moment RESERVED is granted
		// (spec.md §9's resolved open question); acquire it now if the
		// caller never WriteHint'd before SHARED.
		hint, err := f.acquire(f.name(suffixHint), Exclusive)
		if err != nil {
			return err
		}
		f.hint = hint
	}

	outer, err := f.acquire(f.name(suffixOuter), Exclusive)
	if err != nil {
		return err
	}
	reserved, err := f.tryAcquire(f.name(suffixReserved), Exclusive)
	if err != nil {
		outer.Release()
		return err
	}

	f.outer = outer
	f.reserved = reserved
	f.level = vfs.LOCK_RESERVED
	return nil
}

func (f *FileLock) reservedToExclusive() error {
	write, err := f.acquire(f.name(suffixWrite), Exclusive)
	if err != nil {
		return err
	}

	f.inner.Release()
	inner, err := f.acquire(f.name(suffixInner), Exclusive)
	if err != nil {
		write.Release()
		return err
	}

	f.inner = inner
	f.write = write
	f.level = vfs.LOCK_EXCLUSIVE
	return nil
}

func (f *FileLock) exclusiveToShared() error {
	f.inner.Release()
	inner, err := f.acquire(f.name(suffixInner), Shared)
	if err != nil {
		return err
	}
	if f.write != nil {
		f.write.Release()
		f.write = nil
	}
	f.inner = inner
	f.level = vfs.LOCK_SHARED
	return nil
}

// Unlock implements jUnlock. Dropping to NONE releases every sub-lock this
// FileLock holds, in the order spec.md §4.2 specifies (Outer, then Inner).
func (f *FileLock) Unlock(to vfs.LockLevel) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.level == to {
		return nil
	}
	if to > f.level {
		return errUnexpectedTransition(f.level, to)
	}

	switch to {
	case vfs.LOCK_NONE:
		if f.level >= vfs.LOCK_RESERVED {
			if f.outer != nil {
				f.outer.Release()
				f.outer = nil
			}
		}
		if f.reserved != nil {
			f.reserved.Release()
			f.reserved = nil
		}
		if f.write != nil {
			f.write.Release()
			f.write = nil
		}
		if f.inner != nil {
			f.inner.Release()
			f.inner = nil
		}
		f.releaseHintLocked()
		f.level = vfs.LOCK_NONE
		f.writeHinted = false
		return nil
	case vfs.LOCK_SHARED:
		if f.level == vfs.LOCK_EXCLUSIVE {
			return f.exclusiveToShared()
		}
		// RESERVED -> SHARED: drop Outer/reserved, keep the shared Inner.
		if f.outer != nil {
			f.outer.Release()
			f.outer = nil
		}
		if f.reserved != nil {
			f.reserved.Release()
			f.reserved = nil
		}
		f.level = vfs.LOCK_SHARED
		return nil
	default:
		return errUnexpectedTransition(f.level, to)
	}
}

func (f *FileLock) releaseHintLocked() {
	if f.hint != nil {
		f.hint.Release()
		f.hint = nil
	}
}

// CheckReservedLock implements jCheckReservedLock: a non-destructive probe
// for whether some other agent holds RESERVED or higher, by polling for
// the "reserved" named lock in shared mode (spec.md §4.2). It never itself
// fails, matching [vfs.File]'s signature only for embedding convenience.
func (f *FileLock) CheckReservedLock() (bool, error) {
	f.mu.Lock()
	if f.level >= vfs.LOCK_RESERVED {
		f.mu.Unlock()
		return true, nil
	}
	f.mu.Unlock()
	return !f.svc.TryQuery(f.name(suffixReserved), f.holder, Shared), nil
}

func errUnexpectedTransition(from, to vfs.LockLevel) error {
	return fmt.Errorf("locks: unexpected transition %s -> %s", from, to)
}
