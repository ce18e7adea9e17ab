package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stratadb/strata/pkg/bootstrap"
	"github.com/stratadb/strata/pkg/config"
	"github.com/stratadb/strata/pkg/log"
	"github.com/stratadb/strata/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "strata",
		Short: "Strata is a multi-tenant, tiered vector database engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Bootstrap the engine and run the background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			log.Setup(log.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
			logger := log.WithComponent("main")

			ctx := context.Background()
			database, stats, err := bootstrap.Open(ctx, cfg)
			if err != nil {
				return fmt.Errorf("bootstrap failed: %w", err)
			}
			database.Start()

			logger.Info().
				Str("version", Version).
				Int("collections", stats.Collections).
				Int("replayed_records", stats.ReplayedRecords).
				Msg("Strata engine started")

			if metricsAddr != "" {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", metrics.Handler())
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						logger.Error().Err(err).Msg("Metrics listener failed")
					}
				}()
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logger.Info().Msg("Shutting down")
			database.Close()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Prometheus metrics listen address")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("strata %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
		},
	}
}
