// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	gcoaptest "github.com/kb2ma/gcoap-test"
	gerrors "github.com/kb2ma/gcoap-test/pkg/errors"
	"github.com/kb2ma/gcoap-test/pkg/transport"
)

const envPrefix = "GCOAPTEST_"

// ErrCasesFailed marks a run that completed but whose report contains
// failures or errors. The report is already printed by the time this
// reaches Execute, so no further output is wanted.
var ErrCasesFailed = errors.New("test cases failed")

var (
	flagPort      int
	flagVerbosity int
	flagLogFormat string

	// Populated by the root PersistentPreRunE before any command runs.
	cfg          gcoaptest.Config
	logger       *slog.Logger
	portExplicit bool
)

var rootCmd = &cobra.Command{
	Use:   "gcoaptest",
	Short: "CoAP test exchange driver",
	Long: `gcoaptest drives CoAP test exchanges over UDP. It runs scripted
request scenarios against a server, serves the fault-injection resources
that test clients are pointed at, and observes notification streams.

Configuration comes from GCOAPTEST_* environment variables or a .env
file; flags override both.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A .env file is optional; the logger does not exist yet, so a
		// missing file cannot be reported.
		_ = godotenv.Load()

		var err error
		cfg, err = gcoaptest.NewConfig(env.Options{Prefix: envPrefix})
		if err != nil {
			return err
		}

		// A port is explicit when set by flag or environment. The run
		// command binds an ephemeral port otherwise.
		portExplicit = cmd.Flags().Changed("port") || os.Getenv(envPrefix+"PORT") != ""

		if cmd.Flags().Changed("port") {
			cfg.Port = flagPort
		}
		if cmd.Flags().Changed("verbosity") {
			cfg.Verbosity = flagVerbosity
		}
		if cmd.Flags().Changed("log-format") {
			cfg.LogFormat = flagLogFormat
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger = newLogger(cfg)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().IntVarP(&flagPort, "port", "p", 5683, "UDP bind port")
	rootCmd.PersistentFlags().IntVarP(&flagVerbosity, "verbosity", "v", 0,
		"log verbosity: 0 info, 1 debug, 2 debug with frame dumps")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text",
		"log format: text or json")
}

// newLogger builds the process logger. Logs go to stderr so that
// report output on stdout stays machine readable.
func newLogger(c gcoaptest.Config) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case c.Verbosity >= 2:
		level = transport.LevelTrace
	case c.Verbosity == 1:
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if c.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h)
}

// ExitCode maps a command error to the process exit code: 0 on
// success, 2 for configuration errors, 1 otherwise. A run whose cases
// failed also exits 1.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, gerrors.ErrConfig):
		return 2
	default:
		return 1
	}
}

// Execute runs the root command and exits the process.
func Execute() {
	err := rootCmd.Execute()
	if err != nil && !errors.Is(err, ErrCasesFailed) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(ExitCode(err))
}

// RootCmd returns the root command, mainly for tests.
func RootCmd() *cobra.Command {
	return rootCmd
}
