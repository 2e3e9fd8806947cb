// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/stream-audio/udpjitter"
)

var (
	serveListenFlag   string
	serveIntervalFlag time.Duration
	serveNoDSCPFlag   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the probe server",
	Long: `Run the probe server. The server sends one probe per subscribed
reflector every interval and renders round-trip statistics to stdout,
refreshing them in place. Stop it with ^C.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		server := udpjitter.NewServer(udpjitter.NewConfig(), logger)
		server.ListenAddr = cfg.Listen
		if serveListenFlag != "" {
			server.ListenAddr = serveListenFlag
		}
		server.Interval = cfg.interval()
		if cmd.Flags().Changed("interval") {
			server.Interval = serveIntervalFlag
		}
		server.MarkVoice = cfg.MarkVoice && !serveNoDSCPFlag
		server.StatsWriter = cmd.OutOrStdout()

		if err := server.Listen(ctx); err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
		return server.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListenFlag, "listen", "", "listen address (default from config)")
	serveCmd.Flags().DurationVar(&serveIntervalFlag, "interval", udpjitter.DefaultSendInterval, "spacing between probes")
	serveCmd.Flags().BoolVar(&serveNoDSCPFlag, "no-dscp", false, "do not mark probes with the voice DSCP class")
	rootCmd.AddCommand(serveCmd)
}
