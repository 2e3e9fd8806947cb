// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/stream-audio/udpjitter"
)

var reflectServerFlag string

var reflectCmd = &cobra.Command{
	Use:   "reflect",
	Short: "Run a reflector against a probe server",
	Long: `Run a reflector. The reflector subscribes to the given probe server
and echoes every probe straight back until stopped with ^C, at which
point it unsubscribes before exiting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		serverAddr := cfg.Server
		if reflectServerFlag != "" {
			serverAddr = reflectServerFlag
		}
		if serverAddr == "" {
			return fmt.Errorf("no server address: use --server or set server in the config file")
		}

		reflector := udpjitter.NewReflector(udpjitter.NewConfig(), serverAddr, logger)
		return reflector.Run(ctx)
	},
}

func init() {
	reflectCmd.Flags().StringVar(&reflectServerFlag, "server", "", "probe server address (host:port)")
	rootCmd.AddCommand(reflectCmd)
}
