package main

import (
	"flag"
	"os"

	"grimm.is/dhcpagent/cmd"
	"grimm.is/dhcpagent/internal/brand"
	"grimm.is/dhcpagent/internal/i18n"
)

var printer = i18n.NewCLIPrinter()

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runFlags := flag.NewFlagSet("run", flag.ExitOnError)
		configFile := runFlags.String("config", brand.DefaultConfigPath(), "Configuration file")
		runFlags.StringVar(configFile, "c", brand.DefaultConfigPath(), "Configuration file (short)")
		runFlags.Parse(os.Args[2:])

		if err := cmd.RunAgent(*configFile); err != nil {
			printer.Fprintf(os.Stderr, "Agent failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("verbose", false, "Print the effective configuration")
		checkFlags.BoolVar(verbose, "v", false, "Print the effective configuration (short)")
		checkFlags.Parse(os.Args[2:])

		configFile := brand.DefaultConfigPath()
		if len(checkFlags.Args()) > 0 {
			configFile = checkFlags.Arg(0)
		}
		if err := cmd.RunCheck(configFile, *verbose); err != nil {
			printer.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "render":
		renderFlags := flag.NewFlagSet("render", flag.ExitOnError)
		configFile := renderFlags.String("config", "", "Configuration file (defaults when empty)")
		renderFlags.StringVar(configFile, "c", "", "Configuration file (short)")
		networkFile := renderFlags.String("networks", "", "YAML network file")
		renderFlags.StringVar(networkFile, "f", "", "YAML network file (short)")
		renderFlags.Parse(os.Args[2:])

		if renderFlags.NArg() != 1 {
			printer.Fprintf(os.Stderr, "Usage: %s render -f <network-file> [-c <config>] <network-id>\n", brand.BinaryName)
			os.Exit(1)
		}
		if err := cmd.RunRender(*configFile, *networkFile, renderFlags.Arg(0)); err != nil {
			printer.Fprintf(os.Stderr, "Render failed: %v\n", err)
			os.Exit(1)
		}

	case "version":
		printer.Printf("%s version %s\n", brand.Name, brand.Version)
		printer.Printf("Commit: %s\n", brand.GitCommit)

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printer.Printf(`%s - %s

Usage:
  %s <command> [options]

Commands:
  run       Run the agent in the foreground
            Options: --config (-c) <file>
            Signals: SIGHUP resyncs all networks, SIGINT/SIGTERM shut down
  check     Validate configuration file
            Options: --verbose (-v)
  render    Print the DHCP server files for one network of a network file
            Options: --networks (-f) <file>, --config (-c) <file>
  version   Show version information

Examples:
  %s run -c %s
  %s check -v %s
  %s render -f networks.yaml net-1
`, brand.Name, brand.Description,
		brand.BinaryName,
		brand.BinaryName, brand.DefaultConfigPath(),
		brand.BinaryName, brand.DefaultConfigPath(),
		brand.BinaryName)
}
