/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/microsoft/perldbg/pkg/logger"
)

func NewRootCommand(logger *logger.Logger) (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		SilenceErrors: true,
		Use:           "perldbg",
		Short:         "Drives the Perl debugger",
		Long: `Drives the Perl debugger.

	Runs perl5db.pl sessions locally or over TCP, turns the debugger output into structured responses and events,
	and makes debuggers of forked child processes attachable through relays.`,
		SilenceUsage:     true,
		PersistentPreRun: LogVersion(logger.Logger, "Starting perldbg..."),
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	logger.AddLevelFlag(rootCmd.PersistentFlags())

	var err error
	var cmd *cobra.Command

	if cmd, err = NewVersionCommand(logger.Logger); err != nil {
		return nil, fmt.Errorf("could not set up 'version' command: %w", err)
	} else {
		rootCmd.AddCommand(cmd)
	}

	rootCmd.AddCommand(NewConsoleCommand(logger.Logger))
	rootCmd.AddCommand(NewRelayCommand(logger.Logger))

	return rootCmd, nil
}
