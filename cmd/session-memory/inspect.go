package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xiy/session-memory/internal/memory"
)

func newInspectCmd(opts *rootOptions) *cobra.Command {
	var (
		agentID string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "inspect <session>",
		Short: "Print a persisted session's stats or an agent's context window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sessionID := args[0]

			_, _, backend, err := openBackend(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer backend.Close()

			doc, err := backend.Load(ctx, sessionID)
			if err != nil {
				return fmt.Errorf("inspect session %s: %w", sessionID, err)
			}
			st := memory.NewStore(sessionID)
			if err := st.LoadSnapshot(doc.Memories); err != nil {
				return fmt.Errorf("inspect session %s: %w", sessionID, err)
			}

			out := cmd.OutOrStdout()
			if agentID == "" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st.Stats())
			}

			view := memory.NewAgentView(agentID, st)
			window := view.ContextForLLM(memory.ContextOptions{ShortTermLimit: limit})
			if len(window) == 0 {
				fmt.Fprintf(out, "no memories for agent %s\n", agentID)
				return nil
			}
			fmt.Fprintln(out, memory.Render(window))
			return nil
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "Print this agent's context window instead of session stats")
	cmd.Flags().IntVar(&limit, "limit", memory.DefaultRecentLimit, "Most recent items included in the context window")
	return cmd
}
