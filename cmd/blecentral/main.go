package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/devicefactory"
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

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blecentral",
	Short: "Bluetooth Low Energy central client",
	Long: `Bluetooth Low Energy (BLE) central client that can:

- Scan for advertising peripherals with a platform-safe duty cycle
- Connect by address or to the closest peripheral advertising a service
- Read and write characteristics through a serialized operation queue
- Stream characteristic notifications, optionally reassembling framed packets
- Read the link RSSI and negotiate the ATT MTU`,
	Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// main() prints errors itself
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(subscribeCmd)
	rootCmd.AddCommand(rssiCmd)
	rootCmd.AddCommand(mtuCmd)

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "YAML configuration file")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.Bool("verbose", false, "Debug logging (same as --log-level debug)")
	pf.String("driver", "", fmt.Sprintf("Driver tier (%s)", strings.Join(devicefactory.Tiers(), ", ")))
	pf.String("adapter", "", "Host adapter id, for drivers that support several")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
