package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/Robert-MacWha/tlock/host"
)

// NewListCmd prints the host's live, non-persisted state: in-flight
// sessions, held locks, and registered entities. Read-only, so it doesn't
// rewrite stateFile the way the mutating subcommands do.
func NewListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show live sessions, locks, and entities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHostReadOnly(cmd, func(ctx context.Context, h *host.Host) error {
				info := h.Introspect()
				out, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(out))
				return nil
			})
		},
	}
	addHostConfigFlags(cmd)
	return cmd
}
