package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/Robert-MacWha/tlock/host"
)

func NewLoadCmd() *cobra.Command {
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "load <wasm-file>",
		Short: "Compile and load a plugin, running its plugin.init session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wasmBytes, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			return withHost(cmd, func(ctx context.Context, h *host.Host) error {
				var pluginID = ""
				if manifestPath != "" {
					manifestBytes, err := os.ReadFile(manifestPath)
					if err != nil {
						return err
					}
					var manifest host.Manifest
					if err := parseManifest(manifestBytes, &manifest); err != nil {
						return err
					}
					id, err := h.LoadPluginWithManifest(ctx, wasmBytes, manifest)
					if err != nil {
						return err
					}
					pluginID = string(id)
				} else {
					id, err := h.LoadPlugin(ctx, wasmBytes)
					if err != nil {
						return err
					}
					pluginID = string(id)
				}
				cmd.Println(pluginID)
				return nil
			})
		},
	}

	addHostConfigFlags(cmd)
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "plugin.yaml manifest path")
	return cmd
}

func NewUnloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unload <plugin-id>",
		Short: "Unload a plugin and revoke its entities, state, and grants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHost(cmd, func(ctx context.Context, h *host.Host) error {
				return h.UnloadPlugin(ctx, pluginIDArg(args[0]))
			})
		},
	}
	addHostConfigFlags(cmd)
	return cmd
}
