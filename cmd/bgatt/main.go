package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

var rootCmd = &cobra.Command{
	Use:   "bgatt",
	Short: "BGAPI Bluetooth Low Energy client",
	Long: `Bluetooth Low Energy client for BGAPI radio controllers:

- Scan for advertising peripherals
- Connect and discover services, characteristics and descriptors
- Read, write and subscribe to characteristics
- Bridge a serial-style characteristic pair to a pseudo-terminal
- Run Lua scripts against the ble.* API

Without a radio attached the built-in simulator is used (see --profile).`,
	Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// main prints errors itself
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(subscribeCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(bridgeCmd)

	rootCmd.PersistentFlags().String("config", "", "YAML configuration file")
	rootCmd.PersistentFlags().String("profile", "", "Simulator peripheral profile (YAML); overrides the config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Shorthand for --log-level debug")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
