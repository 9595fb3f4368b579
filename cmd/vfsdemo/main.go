// Command vfsdemo drives the batch-atomic paged store (vfs/idbatomic)
// directly, outside of any real SQLite engine, simulating several agents
// committing and observing each other's writes through the shared
// kvstore/locks/broadcast host primitives. It exists to exercise and
// demonstrate the Facade's backing components end to end.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sqlite3vfs/idb/internal/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vfsdemo",
		Short:         "Drive the batch-atomic IndexedDB-backed VFS with simulated multi-agent scenarios",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return ensureConfigDir()
		},
	}

	root.PersistentFlags().String("db-path", "", "bbolt file backing the key-value store")
	root.PersistentFlags().Int("agents", 0, "number of simulated agents")
	root.PersistentFlags().Int("block-size", 0, "page size in bytes")
	root.PersistentFlags().String("lock-policy", "", "exclusive | shared | shared+hint")
	root.PersistentFlags().String("synchronous", "", "normal | full")
	root.PersistentFlags().String("log-level", "", "debug | info | warn | error")
	root.PersistentFlags().String("metrics-addr", "", "address for the metrics HTTP server")

	root.AddCommand(newRunCmd())
	root.AddCommand(newLocksCmd())
	root.AddCommand(newServeCmd())
	return root
}

// resolveConfig layers CLI flags (highest precedence) over loadConfig's
// file/env-resolved Config, only when a flag was explicitly set.
func resolveConfig(cmd *cobra.Command) (Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if v, _ := flags.GetString("db-path"); v != "" {
		cfg.DBPath = v
	}
	if v, _ := flags.GetInt("agents"); v != 0 {
		cfg.Agents = v
	}
	if v, _ := flags.GetInt("block-size"); v != 0 {
		cfg.BlockSize = v
	}
	if v, _ := flags.GetString("lock-policy"); v != "" {
		cfg.LockPolicy = v
	}
	if v, _ := flags.GetString("synchronous"); v != "" {
		cfg.Synchronous = v
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := flags.GetString("metrics-addr"); v != "" {
		cfg.MetricsAddr = v
	}

	log.Init(log.Config{Level: parseLevel(cfg.LogLevel), JSONOutput: false})
	return cfg, nil
}

func parseLevel(s string) log.Level {
	switch s {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
