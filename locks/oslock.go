package locks

import (
	"os"

	"golang.org/x/sys/unix"
)

// OSFileLock is the cross-process analogue of [Service]'s in-process named
// lock: spec.md's named-lock host primitive models one browser tab's
// process, where goroutines suffice, but an embedder running several
// separate OS processes against the same on-disk store needs an actual
// kernel-mediated lock. Grounded on the teacher's own cross-process
// locking dependency (golang.org/x/sys/unix, listed directly in its
// go.mod for exactly this purpose).
type OSFileLock struct {
	f *os.File
}

// OpenOSFileLock opens (creating if necessary) path as a lock file. path
// is never read or written; flock(2) only cares about the file descriptor.
func OpenOSFileLock(path string) (*OSFileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &OSFileLock{f: f}, nil
}

// Lock blocks until it holds the lock in the requested mode.
func (l *OSFileLock) Lock(exclusive bool) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	return unix.Flock(int(l.f.Fd()), how)
}

// TryLock attempts to acquire the lock without blocking, reporting false
// (rather than an error) if another process already holds it.
func (l *OSFileLock) TryLock(exclusive bool) (bool, error) {
	how := unix.LOCK_NB
	if exclusive {
		how |= unix.LOCK_EX
	} else {
		how |= unix.LOCK_SH
	}
	if err := unix.Flock(int(l.f.Fd()), how); err != nil {
		if err == unix.EWOULDBLOCK {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (l *OSFileLock) Unlock() error {
	return unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
}

func (l *OSFileLock) Close() error {
	l.Unlock()
	return l.f.Close()
}
