// Command streamplay is a command-line driver for the streaming
// playback core: play, probe, and list-topics subcommands over a
// ranged-GET recording URL, following the factory-per-subcommand cobra
// tree leo-pony-model-runner and drondeseries-altmount use (newXCmd()
// *cobra.Command, flags bound with c.Flags().*Var) rather than the
// teacher's own hand-rolled os.Args script, which doesn't scale past one
// command.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/elliotnunn/streamplay/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var mock bool

	root := &cobra.Command{
		Use:   "streamplay",
		Short: "Stream and play back a remote recording file",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a streamplay YAML config file")
	root.PersistentFlags().BoolVar(&mock, "mock", false, "read the recording argument as a local file instead of a URL (for tests and demos)")

	root.AddCommand(
		newPlayCmd(&configPath, &mock),
		newProbeCmd(&configPath, &mock),
		newListTopicsCmd(&configPath, &mock),
	)
	return root
}

func loadConfig(path string) (config.Config, error) {
	return config.Load(path)
}
