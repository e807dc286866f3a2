package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grimm.is/dhcpagent/internal/agent"
	"grimm.is/dhcpagent/internal/brand"
	"grimm.is/dhcpagent/internal/logging"
)

// ShutdownTimeout bounds the teardown after SIGINT or SIGTERM.
const ShutdownTimeout = 30 * time.Second

// RunAgent runs the agent in the foreground until it is signalled.
func RunAgent(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	if err := configureLogging(cfg, os.Stderr); err != nil {
		return err
	}
	logging.SetPrefix(brand.Name)
	logging.Info("starting", "version", brand.Version, "commit", brand.GitCommit, "config", configFile)

	a, err := agent.New(cfg, agent.Deps{})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		_ = a.Shutdown(context.Background())
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	return runMainEventLoop(ctx, a, sigCh, configFile)
}

// agentRunner is the part of the agent the event loop drives.
type agentRunner interface {
	Resync()
	Shutdown(ctx context.Context) error
}

// runMainEventLoop maps signals onto the agent. SIGHUP re-applies log_level
// from configFile and forces an immediate resync; every other setting needs
// a restart.
func runMainEventLoop(ctx context.Context, a agentRunner, sigCh <-chan os.Signal, configFile string) error {
	for {
		select {
		case <-ctx.Done():
			return shutdown(a)
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				logging.Info("Received SIGHUP, resyncing all networks")
				if configFile != "" {
					if err := reloadLogLevel(configFile); err != nil {
						logging.Warn("log level not reloaded", "error", err)
					}
				}
				a.Resync()
			default:
				logging.Info("Received signal, shutting down...", "signal", sig)
				return shutdown(a)
			}
		}
	}
}

// reloadLogLevel applies the log_level of configFile to the default logger.
func reloadLogLevel(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	l := logging.Default()
	if old := l.GetLevel(); old != level {
		l.SetLevel(level)
		logging.Info("log level changed", "from", old.String(), "to", level.String())
	}
	return nil
}

func shutdown(a agentRunner) error {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
