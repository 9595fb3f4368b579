package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sqlite3vfs/idb/broadcast"
	"github.com/sqlite3vfs/idb/kvstore"
	"github.com/sqlite3vfs/idb/locks"
	"github.com/sqlite3vfs/idb/vfs"
	"github.com/sqlite3vfs/idb/vfs/idbatomic"
	"github.com/sqlite3vfs/idb/vfs/nojournal"
	"github.com/sqlite3vfs/idb/vfs/tempvfs"
)

const dbName = "demo.sqlite"

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Spawn several simulated agents committing against the same database and observe broadcast convergence",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			return runDemo(cfg)
		},
	}
}

func runDemo(cfg Config) error {
	// Guard against two `vfsdemo run` processes racing the same DBPath —
	// the named-lock service below only coordinates goroutines within this
	// process, so a second process needs a real OS-level lock.
	guard, err := locks.OpenOSFileLock(cfg.DBPath + ".lock")
	if err != nil {
		return fmt.Errorf("opening run guard: %w", err)
	}
	defer guard.Close()
	if ok, err := guard.TryLock(true); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("another vfsdemo run is already using %s", cfg.DBPath)
	}

	if err := os.Remove(cfg.DBPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	store, err := kvstore.Open(cfg.DBPath, []string{"blocks", "tx"})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	lockSvc := locks.New(nil)
	hub := broadcast.New()
	journals := nojournal.NewRegistry()

	policy, err := parsePolicy(cfg.LockPolicy)
	if err != nil {
		return err
	}
	synchronous := idbatomic.SynchronousNormal
	if cfg.Synchronous == "full" {
		synchronous = idbatomic.SynchronousFull
	}

	var g errgroup.Group
	for i := 0; i < cfg.Agents; i++ {
		holder := fmt.Sprintf("agent-%d", i)
		seed := i
		g.Go(func() error {
			if err := runAgent(agentParams{
				store:       store,
				lockSvc:     lockSvc,
				hub:         hub,
				journals:    journals,
				holder:      holder,
				blockSize:   cfg.BlockSize,
				policy:      policy,
				synchronous: synchronous,
				payload:     byte('A' + seed),
			}); err != nil {
				return fmt.Errorf("%s: %w", holder, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := demoTempSort(); err != nil {
		return err
	}

	fmt.Println("all agents finished; final page 1 contents by reopening as one more agent:")
	return dumpFinalState(store, lockSvc, hub, journals, cfg)
}

// demoTempSort exercises tempvfs the way the engine would for a sorter
// spill file: create, write, and fork for a savepoint. It does not write
// to the fork or read either copy back.
func demoTempSort() error {
	tv := tempvfs.New()
	spill, _, err := tv.Open("sort-spill", vfs.OPEN_READWRITE|vfs.OPEN_CREATE)
	if err != nil {
		return fmt.Errorf("tempvfs open: %w", err)
	}
	defer spill.Close()

	if err := spill.Lock(vfs.LOCK_EXCLUSIVE); err != nil {
		return err
	}
	if _, err := spill.WriteAt([]byte("spilled-run"), 0); err != nil {
		return err
	}

	if err := tv.Fork("sort-spill", "sort-spill-savepoint"); err != nil {
		return err
	}
	fmt.Println("temp sort-spill written and forked for a savepoint")
	return nil
}

func parsePolicy(s string) (locks.Policy, error) {
	switch s {
	case "exclusive":
		return locks.PolicyExclusive, nil
	case "shared":
		return locks.PolicyShared, nil
	case "shared+hint":
		return locks.PolicySharedHint, nil
	default:
		return 0, fmt.Errorf("unknown lock policy %q", s)
	}
}

type agentParams struct {
	store       *kvstore.Store
	lockSvc     *locks.Service
	hub         *broadcast.Hub
	journals    *nojournal.Registry
	holder      string
	blockSize   int
	policy      locks.Policy
	synchronous idbatomic.Synchronous
	payload     byte
}

// runAgent opens its own idbatomic.VFS (sharing the host primitives with
// every other agent), writes one identifying page, and commits — exercising
// open/lock/write/sync/close exactly as a real SQLite connection would
// drive the Facade.
func runAgent(p agentParams) error {
	v := idbatomic.New(idbatomic.Config{
		Store:       p.store,
		Locks:       p.lockSvc,
		Hub:         p.hub,
		Holder:      p.holder,
		Synchronous: p.synchronous,
		BlockSize:   p.blockSize,
		LockPolicy:  p.policy,
		LockTimeout: 3 * time.Second,
		Journals:    p.journals,
	})

	f, _, err := v.Open(dbName, vfs.OPEN_READWRITE|vfs.OPEN_CREATE)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	if err := f.Lock(vfs.LOCK_SHARED); err != nil {
		return fmt.Errorf("lock shared: %w", err)
	}
	if err := f.Lock(vfs.LOCK_RESERVED); err != nil {
		f.Unlock(vfs.LOCK_NONE)
		return fmt.Errorf("lock reserved: %w", err)
	}

	page := make([]byte, p.blockSize)
	for i := range page {
		page[i] = p.payload
	}
	if _, err := f.WriteAt(page, 0); err != nil {
		f.Unlock(vfs.LOCK_NONE)
		return fmt.Errorf("write: %w", err)
	}
	if err := f.Sync(0); err != nil {
		f.Unlock(vfs.LOCK_NONE)
		return fmt.Errorf("sync/commit: %w", err)
	}

	return f.Unlock(vfs.LOCK_NONE)
}

func dumpFinalState(store *kvstore.Store, lockSvc *locks.Service, hub *broadcast.Hub, journals *nojournal.Registry, cfg Config) error {
	policy, _ := parsePolicy(cfg.LockPolicy)
	v := idbatomic.New(idbatomic.Config{
		Store:       store,
		Locks:       lockSvc,
		Hub:         hub,
		Holder:      "observer",
		BlockSize:   cfg.BlockSize,
		LockPolicy:  policy,
		LockTimeout: 3 * time.Second,
		Journals:    journals,
	})
	f, _, err := v.Open(dbName, vfs.OPEN_READWRITE)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return err
	}
	fmt.Printf("page 0 first byte: %q\n", buf[0])
	return nil
}
