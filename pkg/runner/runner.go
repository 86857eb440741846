// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	gerrors "github.com/kb2ma/gcoap-test/pkg/errors"
	"github.com/kb2ma/gcoap-test/pkg/exchange"
	"github.com/kb2ma/gcoap-test/pkg/metrics"
	"github.com/kb2ma/gcoap-test/pkg/ratelimit"
	"github.com/kb2ma/gcoap-test/pkg/report"
	"github.com/kb2ma/gcoap-test/pkg/scenario"
	"github.com/kb2ma/gcoap-test/pkg/transport"
)

// Config holds runner settings. Non-zero fields override what the
// scenario file sets.
type Config struct {
	// Target is the server address (host:port). Required here when
	// the scenario does not name one.
	Target string

	// LocalAddress binds the client socket. Empty means an ephemeral
	// port on all interfaces.
	LocalAddress string

	// Concurrency bounds case fan-out. 0 defers to the scenario,
	// which defaults to sequential execution.
	Concurrency int

	// Rate paces sends in requests per second. 0 defers to the
	// scenario; 0 there too disables pacing.
	Rate float64

	// Deadline bounds the whole run. Cases not finished when it
	// expires are reported as errors. 0 means no deadline.
	Deadline time.Duration

	// Params are the base transmission parameters. Scenario
	// transmission settings override them field by field.
	Params exchange.TransmissionParams

	// Logger for run events.
	Logger *slog.Logger

	// Metrics receives exchange counters when set.
	Metrics *metrics.Metrics
}

// Runner executes a scenario's cases in declared order and collects
// their outcomes.
type Runner struct {
	config   Config
	scenario *scenario.Scenario
	target   string
	runID    string
	logger   *slog.Logger
	mids     *exchange.MIDSource
	tokens   *exchange.TokenSource
}

// New validates the configuration against the scenario. Each run is
// stamped with a fresh UUID.
func New(s *scenario.Scenario, cfg Config) (*Runner, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	target := cfg.Target
	if target == "" {
		target = s.Target
	}
	if target == "" {
		return nil, fmt.Errorf("%w: no target address in scenario or configuration", gerrors.ErrConfig)
	}

	runID := uuid.NewString()
	return &Runner{
		config:   cfg,
		scenario: s,
		target:   target,
		runID:    runID,
		logger: cfg.Logger.With(
			slog.String("run_id", runID),
			slog.String("scenario", s.Name)),
		mids:   exchange.NewMIDSource(),
		tokens: exchange.NewTokenSource(),
	}, nil
}

// RunID returns the identifier stamped into logs and the report.
func (r *Runner) RunID() string {
	return r.runID
}

// Run executes every case and returns the collected report. The
// report is valid even when err is non-nil; a socket failure aborts
// outstanding cases but already-settled results are kept.
func (r *Runner) Run(ctx context.Context) (*report.Report, error) {
	rep := report.New(r.scenario.Name, r.runID, r.target)

	peer, err := transport.Resolve(r.target)
	if err != nil {
		return rep, err
	}
	ep, err := transport.Open(transport.Config{Address: r.config.LocalAddress, Logger: r.logger})
	if err != nil {
		return rep, err
	}

	params := mergeParams(r.config.Params, r.scenario.TransmissionParams())
	tracker := exchange.NewTracker(ep, peer, params, r.logger)

	runCtx := ctx
	if r.config.Deadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.config.Deadline)
		defer cancel()
	}

	listenCtx, stopListen := context.WithCancel(context.Background())
	listenDone := make(chan error, 1)
	go func() { listenDone <- tracker.Listen(listenCtx) }()

	concurrency := r.config.Concurrency
	if concurrency == 0 {
		concurrency = r.scenario.Concurrency
	}
	if concurrency < 1 {
		concurrency = 1
	}
	rate := r.config.Rate
	if rate == 0 {
		rate = r.scenario.Rate
	}
	pacer := ratelimit.NewBucket(rate, 1)

	r.logger.Info("run started",
		slog.String("target", r.target),
		slog.Int("cases", len(r.scenario.Cases)),
		slog.Int("concurrency", concurrency))

	results := make([]report.Result, len(r.scenario.Cases))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i := range r.scenario.Cases {
		i, c := i, &r.scenario.Cases[i]
		g.Go(func() error {
			results[i] = r.runCase(runCtx, tracker, pacer, c)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Case goroutines report through results, not errors.
		r.logger.Error("unexpected group failure", slog.String("error", err.Error()))
	}

	stopListen()
	listenErr := <-listenDone

	for _, res := range results {
		rep.Add(res)
	}

	pass, fail, errs := rep.Counts()
	r.logger.Info("run finished",
		slog.Int("pass", pass),
		slog.Int("fail", fail),
		slog.Int("error", errs),
		slog.Duration("duration", time.Since(rep.Started)))

	if listenErr != nil {
		return rep, fmt.Errorf("%w: %w", gerrors.ErrRunAborted, listenErr)
	}
	return rep, nil
}

func (r *Runner) runCase(ctx context.Context, tracker *exchange.Tracker, pacer *ratelimit.Bucket, c *scenario.Case) report.Result {
	if ctx.Err() != nil {
		return aborted(c, ctx.Err())
	}
	if err := pacer.Wait(ctx); err != nil {
		return aborted(c, err)
	}

	m := c.Build(r.mids.Next(), r.tokens.Next())
	r.logger.Debug("case started",
		slog.String("case", c.Name),
		slog.String("request", m.String()))
	if mx := r.config.Metrics; mx != nil {
		mx.RecordSent(m.Type.String(), m.Code.String())
	}

	caseCtx, cancel := context.WithTimeout(ctx, c.Deadline())
	defer cancel()

	var res exchange.Result
	do := func() error {
		var err error
		res, err = tracker.Do(caseCtx, m)
		return err
	}
	var err error
	if mx := r.config.Metrics; mx != nil {
		err = mx.ObserveExchange(m.Type.String(), do)
	} else {
		err = do()
	}
	if err != nil {
		return report.Result{Case: c.Name, Outcome: report.Error, Detail: err.Error()}
	}

	out := r.evaluate(c, res)
	r.logger.Debug("case finished",
		slog.String("case", c.Name),
		slog.String("outcome", out.Outcome.String()),
		slog.Duration("duration", out.Duration),
		slog.Int("retries", out.Retries))
	r.record(res)
	return out
}

// evaluate maps an exchange result to a case outcome. A timeout is an
// error unless the case expects one; a reset the case did not ask for
// is a failure.
func (r *Runner) evaluate(c *scenario.Case, res exchange.Result) report.Result {
	out := report.Result{
		Case:     c.Name,
		Duration: res.RTT,
		Retries:  res.Retries,
	}

	if c.ExpectsTimeout() {
		switch {
		case res.State == exchange.StateTimedOut:
			out.Outcome = report.Pass
		case res.Response != nil:
			out.Outcome = report.Fail
			out.Code = res.Response.Code.Dotted()
			out.Detail = fmt.Sprintf("unexpected response %s", res.Response.Code.Dotted())
		default:
			out.Outcome = report.Error
			out.Detail = errDetail(res.Err)
		}
		return out
	}

	switch {
	case res.Response != nil:
		out.Code = res.Response.Code.Dotted()
		if res.Reset && c.Expect.Type == "" {
			out.Outcome = report.Fail
			out.Detail = "rejected with reset"
			return out
		}
		if ok, detail := c.Check(res.Response); ok {
			out.Outcome = report.Pass
		} else {
			out.Outcome = report.Fail
			out.Detail = detail
		}
	case res.State == exchange.StateTimedOut:
		out.Outcome = report.Error
		out.Detail = "timed out"
	default:
		out.Outcome = report.Error
		out.Detail = errDetail(res.Err)
	}
	return out
}

func (r *Runner) record(res exchange.Result) {
	mx := r.config.Metrics
	if mx == nil {
		return
	}
	if res.Retries > 0 {
		mx.Retransmits.Add(float64(res.Retries))
	}
	if res.Response != nil {
		mx.RecordReceived(res.Response.Type.String(), res.Response.Code.String())
	}
	if res.State == exchange.StateTimedOut {
		mx.Timeouts.Inc()
	}
}

func aborted(c *scenario.Case, cause error) report.Result {
	detail := "run aborted"
	if errors.Is(cause, context.DeadlineExceeded) {
		detail = "run deadline exceeded"
	}
	return report.Result{Case: c.Name, Outcome: report.Error, Detail: detail}
}

func errDetail(err error) string {
	if err == nil {
		return "exchange did not complete"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "case deadline exceeded"
	}
	return err.Error()
}

// mergeParams overlays scenario transmission settings on the base
// configuration, field by field.
func mergeParams(base, over exchange.TransmissionParams) exchange.TransmissionParams {
	out := base
	if over.AckTimeout != 0 {
		out.AckTimeout = over.AckTimeout
	}
	if over.AckRandomFactor != 0 {
		out.AckRandomFactor = over.AckRandomFactor
	}
	if over.MaxRetransmit != 0 {
		out.MaxRetransmit = over.MaxRetransmit
	}
	if over.ResponseTimeout != 0 {
		out.ResponseTimeout = over.ResponseTimeout
	}
	return out
}
