package cmd

import (
	"fmt"
	"text/tabwriter"

	"grimm.is/dhcpagent/internal/brand"
	"grimm.is/dhcpagent/internal/config"
)

// RunCheck validates the configuration file syntax and semantics.
func RunCheck(configFile string, verbose bool) error {
	if len(configFile) == 0 {
		return fmt.Errorf("usage: %s check [-v] <config-file>\nExample: %s check -v %s", brand.BinaryName, brand.BinaryName, brand.DefaultConfigPath())
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	Printer.Fprintf(stdout, "Configuration valid!\n")
	Printer.Fprintf(stdout, "Schema Version: %s\n", cfg.SchemaVersion)
	printSummary(cfg)

	if verbose {
		Printer.Fprintln(stdout, "\n--- Effective configuration ---")
		stdout.Write(config.GenerateHCL(cfg))
	}
	return nil
}

func printSummary(cfg *config.Config) {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	source := "controller"
	target := fmt.Sprint(cfg.Controller.Providers)
	if cfg.Controller.NetworkFile != "" {
		source = "file"
		target = cfg.Controller.NetworkFile
	}
	Printer.Fprintf(w, "Source:\t%s\t%s\n", source, target)
	Printer.Fprintf(w, "Interface driver:\t%s\tnamespaces=%t\n", cfg.InterfaceDriver, cfg.Namespaces())
	Printer.Fprintf(w, "DHCP driver:\t%s\tlease=%s\n", cfg.DHCPDriver, cfg.DHCP.LeaseDuration)
	Printer.Fprintf(w, "Resync interval:\t%s\tworkers=%d\n", cfg.ResyncEvery(), cfg.Workers)
	Printer.Fprintf(w, "State directory:\t%s\t\n", cfg.StateDir)
	if cfg.MetricsListen != "" {
		Printer.Fprintf(w, "Metrics:\t%s\t\n", cfg.MetricsListen)
	}
	w.Flush()
}
