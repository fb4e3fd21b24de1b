package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/datallboy/gopod/internal/infra/config"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "gopod",
		Short:         "Download podcast episodes from their web pages",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the configuration file")

	root.AddCommand(newServeCmd(), newFetchCmd(), newConfigCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration file. Commands that can run without one
// fall back to the defaults when the default path does not exist.
func loadConfig(cmd *cobra.Command, optional bool) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err == nil {
		return cfg, nil
	}

	if optional && !cmd.Flags().Changed("config") {
		if _, statErr := os.Stat(configPath); errors.Is(statErr, os.ErrNotExist) {
			return config.Default(), nil
		}
	}
	return nil, err
}
