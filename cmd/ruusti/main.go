package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"

	"github.com/eltsu7/ruusti-tag/internal/transport"
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
	Use:   "ruusti",
	Short: "RuuviTag telemetry collector",
	Long: `Collects environmental readings from RuuviTag sensors over BLE and
exports them to InfluxDB:

- Discover a configured set of tags and subscribe to their data channel
- Decode RAWv2 notification payloads into physical measurements
- Poll every subscribed tag on a fixed interval and batch-write to the sink
- Scan for nearby tags and decode payloads by hand for troubleshooting`,
	Version: formatVersion(version),
}

// FormatUserError turns internal errors into operator-facing messages.
func FormatUserError(err error) string {
	if errors.Is(err, transport.ErrNoAdapter) {
		return "no usable Bluetooth adapter found (is the BLE stack available to this process?)"
	}
	return err.Error()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		// Print user-friendly error message
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(decodeCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
