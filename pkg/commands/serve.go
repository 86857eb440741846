// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kb2ma/gcoap-test/pkg/health"
	"github.com/kb2ma/gcoap-test/pkg/metrics"
	"github.com/kb2ma/gcoap-test/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the CoAP test resources",
	Long: `serve runs the test server with the fault injection resources:
/ver, /cf/delay, /cf/ignore and friends. Prometheus metrics and health
checks are exposed over HTTP on their own ports; set the port to 0 to
disable either.`,
	Args: cobra.NoArgs,
	RunE: serve,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(cmd *cobra.Command, args []string) error {
	m := metrics.New("gcoaptest")

	srv, err := server.New(server.Config{
		Address:        cfg.ListenAddress(),
		Version:        Version,
		WorkerPoolSize: cfg.Workers,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
		Logger:         logger,
		Metrics:        m,
	})
	if err != nil {
		return err
	}

	checker := health.NewChecker(health.Info{Service: "gcoaptest", Version: Version}, 0)
	checker.Register("socket", func(ctx context.Context) error {
		return srv.Ready()
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Listen(ctx)
	})
	g.Go(func() error {
		return serveHTTP(ctx, "metrics", cfg.MetricsPort, metricsMux(m))
	})
	g.Go(func() error {
		return serveHTTP(ctx, "health", cfg.HealthPort, healthMux(checker))
	})
	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("gcoaptest server stopped")
	return nil
}

func metricsMux(m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}

func healthMux(c *health.Checker) *http.ServeMux {
	mux := http.NewServeMux()
	c.Routes(mux)
	return mux
}

// serveHTTP runs an HTTP sidecar server until ctx is cancelled. A port
// of 0 or less disables the server.
func serveHTTP(ctx context.Context, name string, port int, mux *http.ServeMux) error {
	if port <= 0 {
		return nil
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	logger.Info("http server started",
		slog.String("name", name),
		slog.String("address", srv.Addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
