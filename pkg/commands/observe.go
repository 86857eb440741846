// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

package commands

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kb2ma/gcoap-test/pkg/metrics"
	"github.com/kb2ma/gcoap-test/pkg/observer"
)

var (
	observeAction   string
	observeRegister []string
)

var observeCmd = &cobra.Command{
	Use:   "observe [target]",
	Short: "Observe notification streams from a CoAP server",
	Long: `observe registers for observe notifications on a server and prints
each one as it arrives. A command listener on the next port up accepts
POST requests to register, deregister and change how notifications are
answered, so a remote tester can drive the observer mid-run.

The target defaults to GCOAPTEST_TARGET when omitted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: observe,
}

func init() {
	observeCmd.Flags().StringVar(&observeAction, "action", "",
		"initial notification action: ack, con_reset, con_ignore or non_reset")
	observeCmd.Flags().StringSliceVar(&observeRegister, "register", nil,
		"resource names to register at startup (stats, stats2, core)")
	rootCmd.AddCommand(observeCmd)
}

func observe(cmd *cobra.Command, args []string) error {
	action, err := observer.ParseAction(observeAction)
	if err != nil {
		return err
	}

	target := cfg.Target
	if len(args) > 0 {
		target = args[0]
	}

	m := metrics.New("gcoaptest")

	obs, err := observer.New(observer.Config{
		Target:       target,
		LocalAddress: cfg.ListenAddress(),
		Action:       action,
		Output:       cmd.OutOrStdout(),
		Logger:       logger,
		Metrics:      m,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return obs.Run(ctx)
	})
	g.Go(func() error {
		return serveHTTP(ctx, "metrics", cfg.MetricsPort, metricsMux(m))
	})
	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	for _, name := range observeRegister {
		if err := obs.Register(name, nil); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
	}

	return g.Wait()
}
