package main

import (
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Robert-MacWha/tlock/host"
)

// hostConfig mirrors the knobs of host.Config that make sense to set from
// a config file or flags. Logger/Metrics/Tracer are process-level concerns
// hostctl wires itself, not something a yaml file configures.
// koanf tags use the flag spelling (hyphenated) since posflag.Provider
// keys its values by flag.Name verbatim; a yaml config file uses the same
// spelling for its top-level keys.
type hostConfig struct {
	FuelPerQuantum       uint64        `koanf:"fuel-per-quantum"`
	MaxSessionsPerPlugin int64         `koanf:"max-sessions-per-plugin"`
	MemoryLimitPages     uint32        `koanf:"memory-limit-pages"`
	DefaultGrants        []string      `koanf:"default-grants"`
	SessionDeadline      time.Duration `koanf:"session-deadline"`
	StdoutBytesPerSecond float64       `koanf:"stdout-bytes-per-second"`
	StdoutBurst          int           `koanf:"stdout-burst"`
}

// loadHostConfig layers a yaml config file under flags set on cmd, the same
// file-then-posflag layering holomush's cmd/holomush config loading uses,
// so a flag always wins over the file and the file always wins over
// hostConfig's zero-value defaults.
func loadHostConfig(cmd *cobra.Command) (host.Config, error) {
	k := koanf.New(".")

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
				return host.Config{}, err
			}
		}
	}

	if err := k.Load(posflag.Provider(cmd.Flags(), ".", k), nil); err != nil {
		return host.Config{}, err
	}

	var hc hostConfig
	if err := k.Unmarshal("", &hc); err != nil {
		return host.Config{}, err
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		return host.Config{}, err
	}

	return host.Config{
		FuelPerQuantum:       hc.FuelPerQuantum,
		MaxSessionsPerPlugin: hc.MaxSessionsPerPlugin,
		MemoryLimitPages:     hc.MemoryLimitPages,
		DefaultGrants:        hc.DefaultGrants,
		SessionDeadline:      hc.SessionDeadline,
		Logger:               logger,
		StdoutBytesPerSecond: hc.StdoutBytesPerSecond,
		StdoutBurst:          hc.StdoutBurst,
	}, nil
}

func addHostConfigFlags(cmd *cobra.Command) {
	cmd.Flags().Uint64("fuel-per-quantum", 0, "fuel units granted per scheduling quantum")
	cmd.Flags().Int64("max-sessions-per-plugin", 0, "concurrent session cap per plugin")
	cmd.Flags().Uint32("memory-limit-pages", 0, "wasm linear memory cap, in pages")
	cmd.Flags().StringSlice("default-grants", nil, "capability patterns granted to newly loaded plugins")
	cmd.Flags().Duration("session-deadline", 0, "wall-clock deadline per session, 0 uses host.DefaultSessionDeadline")
	cmd.Flags().Float64("stdout-bytes-per-second", 0, "stdout throttle rate, 0 disables")
	cmd.Flags().Int("stdout-burst", 0, "stdout throttle burst size")
}
