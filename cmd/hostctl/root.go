package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to every subcommand.
var (
	configFile string
	stateFile  string
)

// NewRootCmd builds the hostctl root command. Every subcommand restores a
// Host from stateFile (if it exists) and performs one operation; every
// subcommand except list then writes the host's updated snapshot back to
// stateFile before exiting (list only reads it) -- hostctl
// drives a host embedded in its own process for the duration of one
// command, not a long-running daemon.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hostctl",
		Short: "hostctl - administer a tlock plugin host",
		Long: `hostctl loads, calls, and inspects plugins hosted by the tlock
runtime. Each invocation restores host state from --state and performs one
operation; every command except list persists the result back before
exiting.`,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "host config file (yaml)")
	cmd.PersistentFlags().StringVar(&stateFile, "state", "hostctl.state.json", "host snapshot file")

	cmd.AddCommand(NewLoadCmd())
	cmd.AddCommand(NewUnloadCmd())
	cmd.AddCommand(NewCallCmd())
	cmd.AddCommand(NewCallDomainCmd())
	cmd.AddCommand(NewResolveCmd())
	cmd.AddCommand(NewGrantCmd())
	cmd.AddCommand(NewRevokeCmd())
	cmd.AddCommand(NewListCmd())

	return cmd
}
