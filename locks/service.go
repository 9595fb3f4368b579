// Package locks implements spec component B, the named-lock primitive: a
// process-wide table of shared/exclusive locks addressed by string name,
// with non-blocking (poll), exclusive-steal, and list-held/pending support.
// It corresponds to the host's named-lock service (spec.md §6.2), the
// Go analog of a Web Locks API the rest of this module is built against.
//
// Component D, the SQLite lock-state machine, is built on top of this
// package in state.go; it is the only consumer most callers need.
package locks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sqlite3vfs/idb/clock"
	"github.com/sqlite3vfs/idb/internal/metrics"
)

// Mode is the lock mode requested.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// ErrBusy is returned when a lock cannot be acquired within the options
// given (poll failure, or timeout elapsed).
var ErrBusy = errors.New("locks: busy")

// Options configures a single Request call.
type Options struct {
	// Poll makes Request non-blocking: if the lock is not immediately
	// available, Request returns ErrBusy rather than waiting.
	Poll bool
	// Steal forcibly evicts current holders and grants the lock to this
	// caller. Neither the SQLite lock-state machine nor the batch-atomic
	// store's view-lock replacement on commit (spec.md §4.3) sets it.
	Steal bool
	// Timeout bounds how long Request waits before returning ErrBusy, zero
	// meaning wait indefinitely. Mirrors spec.md §4.2's per-file
	// lockTimeout.
	Timeout time.Duration
}

// Lease represents a held lock; Release gives it up. A Lease must be
// released exactly once.
type Lease struct {
	svc    *Service
	name   string
	mode   Mode
	holder string
}

// Release gives up the lock. It is safe to call from any goroutine.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.svc.release(l.name, l.holder, l.mode)
}

// Held describes one currently-granted lock, for [Service.Query].
type Held struct {
	Name   string
	Mode   Mode
	Holder string
}

// Pending describes one waiter blocked on a lock, for [Service.Query].
type Pending struct {
	Name   string
	Mode   Mode
	Holder string
}

// Service is the process-wide named-lock table. The zero value is not
// usable; construct with [New].
type Service struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu sync.Mutex

	exclusiveHolder string          // "" if none
	sharedHolders   map[string]bool // holder -> true
	waiters         []waiter        // FIFO, for Query's "pending" list only

	wake chan struct{} // closed and replaced on every state change
}

type waiter struct {
	holder string
	mode   Mode
}

// New constructs a Service using c for timeouts; pass [clock.Real] in
// production.
func New(c clock.Clock) *Service {
	if c == nil {
		c = clock.Real
	}
	return &Service{clock: c, entries: map[string]*entry{}}
}

func (s *Service) entryFor(name string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		e = &entry{sharedHolders: map[string]bool{}, wake: make(chan struct{})}
		s.entries[name] = e
	}
	return e
}

// Request acquires name in mode on behalf of holder (an opaque per-agent
// string id; use a uuid per agent). It blocks until the lock is available,
// the context is done, or opts' Poll/Timeout says to give up, whichever
// comes first.
func (s *Service) Request(ctx context.Context, name, holder string, mode Mode, opts Options) (*Lease, error) {
	e := s.entryFor(name)
	start := s.clock.Now()
	busy := func() error {
		metrics.LockBusyTotal.WithLabelValues(mode.String()).Inc()
		return fmt.Errorf("lock %q (%s) for %s: %w", name, mode, holder, ErrBusy)
	}

	if opts.Steal {
		e.mu.Lock()
		e.exclusiveHolder = ""
		e.sharedHolders = map[string]bool{}
		e.grantLocked(holder, mode)
		e.notifyLocked()
		e.mu.Unlock()
		return &Lease{svc: s, name: name, mode: mode, holder: holder}, nil
	}

	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		timer := s.clock.NewTimer(opts.Timeout)
		defer timer.Stop()
		deadline = timer.C()
	}

	w := waiter{holder: holder, mode: mode}
	e.mu.Lock()
	e.waiters = append(e.waiters, w)

	for !e.available(holder, mode) {
		if opts.Poll {
			e.removeWaiterLocked(w)
			e.mu.Unlock()
			return nil, busy()
		}
		wake := e.wake
		e.mu.Unlock()

		select {
		case <-wake:
		case <-ctxDone(ctx):
			e.mu.Lock()
			e.removeWaiterLocked(w)
			e.mu.Unlock()
			return nil, busy()
		case <-deadline:
			e.mu.Lock()
			e.removeWaiterLocked(w)
			e.mu.Unlock()
			return nil, busy()
		}
		e.mu.Lock()
	}

	e.removeWaiterLocked(w)
	e.grantLocked(holder, mode)
	e.mu.Unlock()
	metrics.LockWaitDuration.WithLabelValues(mode.String()).Observe(s.clock.Since(start).Seconds())
	return &Lease{svc: s, name: name, mode: mode, holder: holder}, nil
}

func ctxDone(ctx context.Context) <-chan struct{} {
	if ctx == nil {
		return nil
	}
	return ctx.Done()
}

// available reports whether holder could be granted mode right now,
// treating a lock the holder already holds as compatible with itself
// (same-state requests are idempotent, spec.md §4.2).
func (e *entry) available(holder string, mode Mode) bool {
	switch mode {
	case Shared:
		return e.exclusiveHolder == "" || e.exclusiveHolder == holder
	case Exclusive:
		if e.exclusiveHolder != "" {
			return e.exclusiveHolder == holder
		}
		for h := range e.sharedHolders {
			if h != holder {
				return false
			}
		}
		return true
	}
	return false
}

func (e *entry) removeWaiterLocked(w waiter) {
	for i, cur := range e.waiters {
		if cur == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}

func (e *entry) grantLocked(holder string, mode Mode) {
	switch mode {
	case Shared:
		e.sharedHolders[holder] = true
	case Exclusive:
		e.exclusiveHolder = holder
	}
}

// notifyLocked wakes every waiter blocked on e. Must be called with e.mu
// held; it replaces e.wake so future waiters get a fresh channel.
func (e *entry) notifyLocked() {
	close(e.wake)
	e.wake = make(chan struct{})
}

func (s *Service) release(name, holder string, mode Mode) {
	e := s.entryFor(name)
	e.mu.Lock()
	switch mode {
	case Shared:
		delete(e.sharedHolders, holder)
	case Exclusive:
		if e.exclusiveHolder == holder {
			e.exclusiveHolder = ""
		}
	}
	e.notifyLocked()
	e.mu.Unlock()
}

// TryQuery is a non-blocking variant of Request with Poll: true, releasing
// immediately on success. Used by jCheckReservedLock-style probes
// (spec.md §4.2: "succeeds when a poll for reserved in shared mode
// succeeds, and is immediately released").
func (s *Service) TryQuery(name, holder string, mode Mode) (ok bool) {
	l, err := s.Request(context.Background(), name, holder, mode, Options{Poll: true})
	if err != nil {
		return false
	}
	l.Release()
	return true
}

// Query lists every name with at least one holder or waiter, sorted for
// deterministic output.
func (s *Service) Query() (held []Held, pending []Pending) {
	s.mu.Lock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		e := s.entryFor(name)
		e.mu.Lock()
		if e.exclusiveHolder != "" {
			held = append(held, Held{Name: name, Mode: Exclusive, Holder: e.exclusiveHolder})
		}
		for h := range e.sharedHolders {
			held = append(held, Held{Name: name, Mode: Shared, Holder: h})
		}
		for _, w := range e.waiters {
			pending = append(pending, Pending{Name: name, Mode: w.mode, Holder: w.holder})
		}
		e.mu.Unlock()
	}
	return held, pending
}

// Holders returns the set of holder ids currently holding name in mode, for
// callers (like the batch-atomic store's oldest-view computation, spec.md
// §4.3 step 3) that need the raw holder set rather than a flattened Held
// list.
func (s *Service) Holders(name string, mode Mode) []string {
	e := s.entryFor(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	switch mode {
	case Exclusive:
		if e.exclusiveHolder == "" {
			return nil
		}
		return []string{e.exclusiveHolder}
	default:
		out := make([]string, 0, len(e.sharedHolders))
		for h := range e.sharedHolders {
			out = append(out, h)
		}
		sort.Strings(out)
		return out
	}
}
