// Package main is a live development inspector for a tlock host: it loads
// one or more WASM plugins, then refreshes a TUI showing in-flight
// sessions, held locks, and registered entities on a timer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Robert-MacWha/tlock/host"
)

func main() {
	var wasmFiles = flag.String("wasm", "", "Comma-separated list of plugin wasm files to load")
	flag.Parse()

	ctx := context.Background()
	h, err := host.New(ctx, host.Config{}, domains())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer h.Close(ctx)

	var loaded []string
	if *wasmFiles != "" {
		for _, path := range strings.Split(*wasmFiles, ",") {
			data, err := os.ReadFile(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", path, err)
				os.Exit(1)
			}
			id, err := h.LoadPlugin(ctx, data)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", path, err)
				os.Exit(1)
			}
			loaded = append(loaded, string(id))
		}
	}

	p := tea.NewProgram(newInspectorModel(h, loaded), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
