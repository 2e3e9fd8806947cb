// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const jitterprobeVersion = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the jitterprobe version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "jitterprobe version %s\n", jitterprobeVersion)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
