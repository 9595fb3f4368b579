package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sqlite3vfs/idb/locks"
)

// newLocksCmd exercises locks.Service in isolation, without any VFS on
// top: a shared waiter blocks until an exclusive holder releases, printing
// the queue/grant sequence spec.md §4.2's named-lock service describes.
func newLocksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "Demonstrate the named-lock service's exclusive/shared contention directly",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			return runLocksDemo(cfg)
		},
	}
}

func runLocksDemo(cfg Config) error {
	svc := locks.New(nil)
	const name = "demo-resource"

	lease, err := svc.Request(context.Background(), name, "writer", locks.Exclusive, locks.Options{})
	if err != nil {
		return err
	}
	fmt.Println("writer acquired exclusive lock")

	done := make(chan struct{})
	go func() {
		defer close(done)
		start := time.Now()
		readerLease, err := svc.Request(context.Background(), name, "reader", locks.Shared, locks.Options{})
		if err != nil {
			fmt.Println("reader failed:", err)
			return
		}
		fmt.Printf("reader acquired shared lock after %s\n", time.Since(start).Round(time.Millisecond))
		readerLease.Release()
	}()

	time.Sleep(200 * time.Millisecond)
	fmt.Println("writer releasing")
	lease.Release()
	<-done

	held, pending := svc.Query()
	fmt.Printf("final state: %d held, %d pending\n", len(held), len(pending))
	return nil
}
