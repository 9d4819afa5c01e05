// Package main is the entry point for the session-memory CLI.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/xiy/session-memory/internal/config"
	"github.com/xiy/session-memory/internal/memory"
	"github.com/xiy/session-memory/internal/storage"
)

// Version information set at build time.
var version = "0.1.0"

const defaultConfigPath = "config/session-memory.yaml"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "session-memory",
		Short: "Session-scoped agent memory served over MCP",
		Long: `session-memory keeps per-session short-term and long-term agent memories,
persists them as JSON snapshots and serves them to MCP clients over stdio.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "Path to config file")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newAdminCmd(opts))
	root.AddCommand(newSessionsCmd(opts))
	root.AddCommand(newInspectCmd(opts))
	root.AddCommand(newVersionCmd())

	return root
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, cfg config.Config) *log.Logger {
	logger := log.NewWithOptions(w, log.Options{ReportCaller: false, Prefix: cfg.ServerName})
	setLogLevel(logger, cfg.LogLevel)
	return logger
}

func setLogLevel(logger *log.Logger, level string) {
	switch level {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}
}

// openBackend loads the config and opens the configured snapshot backend.
// The caller closes the backend.
func openBackend(ctx context.Context, cmd *cobra.Command, opts *rootOptions) (config.Config, *log.Logger, storage.Backend, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return cfg, nil, nil, err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg)
	backend, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("open %s backend: %w", cfg.Storage.Backend, err)
	}
	return cfg, logger, backend, nil
}

func managerOptions(cfg config.Config) memory.Options {
	return memory.Options{
		AutoFlush:        cfg.AutoFlush,
		SessionIDPattern: cfg.SessionIDPattern,
		Policy: memory.PromotionPolicy{
			MinShortTerm: cfg.Promotion.MinShortTerm,
			PromoteLastN: cfg.Promotion.PromoteLastN,
			Reason:       cfg.Promotion.Reason,
		},
	}
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
