package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"grimm.is/dhcpagent/internal/config"
	"grimm.is/dhcpagent/internal/controller"
	"grimm.is/dhcpagent/internal/dhcpproc"
	"grimm.is/dhcpagent/internal/ifdriver"
)

// RunRender prints the DHCP server files the agent would generate for one
// network of a network file, without touching the host. An empty
// configFile uses the defaults.
func RunRender(configFile, networkFile, networkID string) error {
	if networkFile == "" || networkID == "" {
		return fmt.Errorf("a network file and a network id are required")
	}

	cfg := config.Default()
	if configFile != "" {
		var err error
		if cfg, err = loadConfig(configFile); err != nil {
			return fmt.Errorf("configuration invalid: %w", err)
		}
	}

	n, err := controller.NewFileSource(networkFile, 0).GetNetworkDetail(context.Background(), networkID)
	if err != nil {
		return err
	}
	if !n.NeedsService() {
		Printer.Fprintf(stdout, "Network %s needs no DHCP service\n", n.ID)
		return nil
	}

	art, err := dhcpproc.Render(n, dhcpproc.RenderOptions{
		Interface:     ifdriver.DeviceName(cfg.InterfacePrefix, n.ID),
		Dir:           filepath.Join(cfg.ProcessDir(), n.ID),
		LeaseDuration: cfg.DHCP.Lease(),
		Domain:        cfg.DHCP.Domain,
		DNSServers:    cfg.DHCP.DNSServers,
	})
	if err != nil {
		return err
	}

	files := art.Files()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		Printer.Fprintf(stdout, "# ---- %s ----\n", name)
		stdout.Write(files[name])
	}
	Printer.Fprintf(stdout, "# fingerprint %s\n", art.Fingerprint())
	return nil
}
