package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/xiy/session-memory/internal/storage"
)

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List persisted sessions with their memory counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, _, backend, err := openBackend(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer backend.Close()

			rows, err := storage.Summaries(ctx, backend)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		},
	}
}
