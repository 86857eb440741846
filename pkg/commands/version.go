// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time:
//
//	go build -ldflags "-X github.com/kb2ma/gcoap-test/pkg/commands.Version=x.y.z"
var Version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the gcoaptest version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "gcoaptest version %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
