package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xiy/session-memory/internal/admin"
)

func newAdminCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "admin",
		Short: "Open the terminal dashboard for persisted sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			_, _, backend, err := openBackend(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer backend.Close()

			return admin.Run(ctx, admin.BackendSource(backend))
		},
	}
}
