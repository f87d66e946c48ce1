// Package main provides the outflow binary: the workflow orchestration
// runtime's daemons and operational commands behind one entry point.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	// Register LLM providers via init()
	_ "github.com/outflowhq/outflow/llm/providers"

	"github.com/outflowhq/outflow/config"
)

const (
	// Version is stamped by the build.
	Version = "0.1.0"
	appName = "outflow"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Multi-tenant workflow orchestration runtime",
		Long: `Outflow runs event-driven outreach campaigns: events come in
through the ingress surface, a supervisor plans and delegates staged
workflows, workers execute tool-backed tasks, and results feed back
over the bus.

Each daemon is a separate process; they share state only through
NATS, Postgres, and Redis.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	setup := func() (*config.Config, *slog.Logger, error) {
		logger := newLogger(logLevel)
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		return cfg, logger, nil
	}

	daemons := []struct {
		use   string
		short string
		build buildFunc
	}{
		{"run-ingress", "Run the event intake surface", buildIngress},
		{"run-high-priority-consumer", "Run the supervisor consumer and job queue", buildHighPriority},
		{"run-worker-task-consumer", "Run the worker task consumer", buildWorkerTasks},
		{"run-scheduler", "Run the periodic job scheduler", buildScheduler},
		{"serve-admin", "Serve the full admin API", buildAdmin},
	}
	for _, d := range daemons {
		build := d.build
		cmd.AddCommand(&cobra.Command{
			Use:   d.use,
			Short: d.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, logger, err := setup()
				if err != nil {
					return err
				}
				return runDaemon(cmd.Context(), cfg, logger, build)
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			return runMigrate(cfg, logger)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	})

	return cmd
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
