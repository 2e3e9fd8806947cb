// SPDX-License-Identifier: GPL-3.0-or-later

// Command jitterprobe measures the jitter and round-trip latency that
// voice-like UDP traffic experiences between a probe server and a set
// of reflectors.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/stream-audio/udpjitter"
)

var (
	// Global flags
	cfgFile string
	logJSON bool
	verbose bool

	// Shared state set during PersistentPreRun
	cfg    *fileConfig
	logger *slog.Logger
)

// rootCmd is the base command for jitterprobe.
var rootCmd = &cobra.Command{
	Use:   "jitterprobe",
	Short: "Measure UDP jitter and round-trip latency for voice-like traffic",
	Long: `Jitterprobe measures the network conditions that voice traffic would
experience between two hosts. A probe server periodically sends small
UDP packets to every subscribed reflector; reflectors echo them back;
the server reports round-trip statistics over a sliding window.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load configuration
		path := cfgFile
		if path == "" {
			path = defaultConfigPath()
		}
		var err error
		cfg, err = loadConfig(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Build the logger with a span ID correlating this run's entries
		logger = newLogger(verbose, logJSON).With("spanID", udpjitter.NewSpanID())
		return nil
	},
}

// newLogger returns a logger writing to stderr, leaving stdout to the
// statistics display.
func newLogger(verbose, logJSON bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	if logJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+defaultConfigPath()+")")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "emit per-packet debug logs")
}
