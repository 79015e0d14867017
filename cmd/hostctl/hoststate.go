package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/Robert-MacWha/tlock/host"
)

// withHost restores a Host from stateFile (if present), runs fn, persists
// the host's snapshot back to stateFile, and closes it -- every hostctl
// subcommand is one open/operate/persist/close cycle around the embedded
// host, never a background process.
func withHost(cmd *cobra.Command, fn func(ctx context.Context, h *host.Host) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadHostConfig(cmd)
	if err != nil {
		return err
	}

	h, err := host.New(ctx, cfg, domains())
	if err != nil {
		return err
	}
	defer h.Close(ctx)

	if data, err := os.ReadFile(stateFile); err == nil {
		if err := h.Restore(ctx, data); err != nil {
			return err
		}
	}

	if err := fn(ctx, h); err != nil {
		return err
	}

	data, err := h.Snapshot()
	if err != nil {
		return err
	}
	return os.WriteFile(stateFile, data, 0o600)
}

// withHostReadOnly is withHost without the final persist step, for
// commands that only inspect state (list) and would otherwise overwrite
// stateFile with nothing new.
func withHostReadOnly(cmd *cobra.Command, fn func(ctx context.Context, h *host.Host) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadHostConfig(cmd)
	if err != nil {
		return err
	}

	h, err := host.New(ctx, cfg, domains())
	if err != nil {
		return err
	}
	defer h.Close(ctx)

	if data, err := os.ReadFile(stateFile); err == nil {
		if err := h.Restore(ctx, data); err != nil {
			return err
		}
	}

	return fn(ctx, h)
}
