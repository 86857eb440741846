// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	gerrors "github.com/kb2ma/gcoap-test/pkg/errors"
	"github.com/kb2ma/gcoap-test/pkg/exchange"
	"github.com/kb2ma/gcoap-test/pkg/metrics"
	"github.com/kb2ma/gcoap-test/pkg/runner"
	"github.com/kb2ma/gcoap-test/pkg/scenario"
)

var (
	runTarget      string
	runOutput      string
	runConcurrency int
	runRate        float64
	runDeadline    time.Duration
	runNoColor     bool
)

var runCmd = &cobra.Command{
	Use:   "run <scenario.yaml>",
	Short: "Run a scenario of test exchanges against a CoAP server",
	Long: `run executes the cases of a scenario file in order and prints a
report. The exit code is 0 when every case passes, 1 otherwise.

The client binds an ephemeral port unless a port is set explicitly
with --port or GCOAPTEST_PORT.`,
	Args: cobra.ExactArgs(1),
	RunE: runScenario,
}

func init() {
	runCmd.Flags().StringVarP(&runTarget, "target", "t", "",
		"server address (host:port), overriding the scenario file")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "text",
		"report format: text or json")
	runCmd.Flags().IntVarP(&runConcurrency, "concurrency", "c", 0,
		"cases in flight at once (default from the scenario file)")
	runCmd.Flags().Float64Var(&runRate, "rate", 0,
		"pace sends to this many requests per second (0 unpaced)")
	runCmd.Flags().DurationVar(&runDeadline, "deadline", 0,
		"abort the whole run after this duration")
	runCmd.Flags().BoolVar(&runNoColor, "no-color", false,
		"print the text report without styling")
	rootCmd.AddCommand(runCmd)
}

func runScenario(cmd *cobra.Command, args []string) error {
	// Reject bad flags before any file or network I/O.
	if runOutput != "text" && runOutput != "json" {
		return fmt.Errorf("%w: unknown output format %q", gerrors.ErrConfig, runOutput)
	}

	s, err := scenario.Load(args[0])
	if err != nil {
		return err
	}

	target := runTarget
	if target == "" {
		target = cfg.Target
	}
	local := ""
	if portExplicit {
		local = cfg.ListenAddress()
	}

	m := metrics.New("gcoaptest")
	r, err := runner.New(s, runner.Config{
		Target:       target,
		LocalAddress: local,
		Concurrency:  runConcurrency,
		Rate:         runRate,
		Deadline:     runDeadline,
		Params: exchange.TransmissionParams{
			AckTimeout:      cfg.AckTimeout,
			AckRandomFactor: cfg.AckRandomFactor,
			MaxRetransmit:   cfg.MaxRetransmit,
			ResponseTimeout: cfg.ResponseTimeout,
		},
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The metrics endpoint lives only as long as the run. A bind
	// failure, such as a serve command already on the port, is not
	// fatal to the run.
	httpCtx, stopHTTP := context.WithCancel(ctx)
	httpDone := make(chan struct{})
	go func() {
		defer close(httpDone)
		if err := serveHTTP(httpCtx, "metrics", cfg.MetricsPort, metricsMux(m)); err != nil {
			logger.Warn("metrics server failed", slog.String("error", err.Error()))
		}
	}()

	rep, runErr := r.Run(ctx)
	stopHTTP()
	<-httpDone

	// The report is printed even when the run was cut short.
	out := cmd.OutOrStdout()
	if runOutput == "json" {
		if err := rep.WriteJSON(out); err != nil {
			return err
		}
	} else {
		rep.WriteText(out, !runNoColor)
	}

	if runErr != nil {
		return runErr
	}
	if rep.ExitCode() != 0 {
		return ErrCasesFailed
	}
	return nil
}
