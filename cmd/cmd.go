// Package cmd implements the agent's subcommands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"grimm.is/dhcpagent/internal/config"
	"grimm.is/dhcpagent/internal/i18n"
	"grimm.is/dhcpagent/internal/logging"
)

// Printer localizes command output.
var Printer = i18n.NewCLIPrinter()

// stdout receives command output; tests replace it.
var stdout io.Writer = os.Stdout

// loadConfig reads and validates a configuration file.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// configureLogging installs the default logger described by cfg.
func configureLogging(cfg *config.Config, out io.Writer) error {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	logging.SetDefault(logging.New(logging.Config{
		Level:  level,
		Output: out,
		JSON:   cfg.LogJSON,
	}))
	return nil
}
