package main

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/sqlite3vfs/idb/internal/log"
	"github.com/sqlite3vfs/idb/internal/metrics"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Expose the Prometheus metrics endpoint declared in internal/metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			return serveMetrics(cfg)
		},
	}
}

func serveMetrics(cfg Config) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	log.Logger.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
	return http.ListenAndServe(cfg.MetricsAddr, mux)
}
