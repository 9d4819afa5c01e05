package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/xiy/session-memory/internal/maintenance"
	"github.com/xiy/session-memory/internal/mcp"
	"github.com/xiy/session-memory/internal/memory"
	"github.com/xiy/session-memory/internal/metrics"
	"github.com/xiy/session-memory/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP stdio server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg, logger, backend, err := openBackend(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer backend.Close()
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}

			mgr, err := memory.NewManager(backend, managerOptions(cfg), logger)
			if err != nil {
				return err
			}

			go maintenance.Start(ctx, logger, time.Duration(cfg.MaintenanceIntervalSeconds)*time.Second, mgr)

			if cfg.MetricsAddr != "" {
				stop, err := serveMetrics(cfg.MetricsAddr, mgr, logger)
				if err != nil {
					return err
				}
				defer stop()
			}

			sink, _ := backend.(storage.RequestLogSink)
			server := mcp.NewServer(mgr, logger, sink, mcp.Options{
				Name:        cfg.ServerName,
				Version:     version,
				RecentLimit: cfg.RecentLimit,
			})

			logger.Info("starting MCP stdio server", "backend", cfg.Storage.Backend)
			serveErr := server.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
			if errors.Is(serveErr, context.Canceled) {
				serveErr = nil
			}

			closeCtx, done := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer done()
			closeErr := mgr.CloseAll(closeCtx)

			requests, failures := server.Counters()
			logger.Info("MCP stdio server stopped", "requests", requests, "failures", failures)
			return errors.Join(serveErr, closeErr)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

// serveMetrics exposes live session gauges over HTTP and returns a function
// that shuts the listener down.
func serveMetrics(addr string, mgr *memory.Manager, logger *log.Logger) (func(), error) {
	reg, err := metrics.NewRegistry(mgr)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
