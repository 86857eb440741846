// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kb2ma/gcoap-test/pkg/coap"
	gerrors "github.com/kb2ma/gcoap-test/pkg/errors"
	"github.com/kb2ma/gcoap-test/pkg/exchange"
	"github.com/kb2ma/gcoap-test/pkg/metrics"
	"github.com/kb2ma/gcoap-test/pkg/ratelimit"
	"github.com/kb2ma/gcoap-test/pkg/transport"
)

const (
	// DefaultVersion is reported by the /ver resource when the
	// configuration does not set one.
	DefaultVersion = "0.1"

	// DefaultWorkerPoolSize is the default number of workers for
	// request processing.
	DefaultWorkerPoolSize = 16

	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 5 * time.Second
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the
// configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Config holds the test server configuration.
type Config struct {
	// Address is the listen address (host:port).
	Address string

	// Version is the string served by GET /ver.
	Version string

	// WorkerPoolSize is the number of goroutines handling requests.
	// If 0, uses DefaultWorkerPoolSize.
	WorkerPoolSize int

	// ShutdownTimeout is the maximum time to wait for in-flight
	// requests to drain during graceful shutdown.
	ShutdownTimeout time.Duration

	// BufferSize is the size of datagram read buffers in bytes.
	// If 0, uses the transport default.
	BufferSize int

	// RateLimit caps requests per second per peer. If 0, no limit
	// is enforced.
	RateLimit float64

	// RateBurst is the per-peer burst allowance when RateLimit is set.
	RateBurst int

	// Logger for server events.
	Logger *slog.Logger

	// Metrics receives server counters when set.
	Metrics *metrics.Metrics
}

// HandlerFunc produces the response for one request, or nil for
// silence. Use Reply to build a response matching the request.
type HandlerFunc func(ctx context.Context, req coap.Message, from *net.UDPAddr) *coap.Message

type route struct {
	method coap.Code
	path   string
}

type job struct {
	msg  coap.Message
	from *net.UDPAddr
}

// Server is a CoAP test server with scriptable misbehavior: resources
// that never answer, drop a set number of requests, or delay their
// responses.
type Server struct {
	config   Config
	endpoint *transport.Endpoint
	limiter  *ratelimit.Limiter
	mids     *exchange.MIDSource
	routes   map[route]HandlerFunc
	known    map[string]bool
	jobs     chan job
	workerWg sync.WaitGroup

	mu         sync.Mutex
	delay      time.Duration
	verIgnores int
}

// New creates a test server and binds its UDP socket, so that
// LocalAddr is valid before Listen runs. Additional resources may be
// registered with Handle before Listen.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = DefaultWorkerPoolSize
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	ep, err := transport.Open(transport.Config{
		Address:    cfg.Address,
		BufferSize: cfg.BufferSize,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:   cfg,
		endpoint: ep,
		mids:     exchange.NewMIDSource(),
		routes:   make(map[route]HandlerFunc),
		known:    make(map[string]bool),
		// Buffered to keep the reader from blocking on a busy pool.
		jobs: make(chan job, cfg.WorkerPoolSize*2),
	}
	if cfg.RateLimit > 0 {
		s.limiter = ratelimit.NewLimiter(cfg.RateLimit, cfg.RateBurst, 0)
	}

	s.registerBuiltins()
	return s, nil
}

// Handle registers a resource handler. Register before Listen.
func (s *Server) Handle(method coap.Code, path string, h HandlerFunc) {
	s.routes[route{method, path}] = h
	s.known[path] = true
}

// LocalAddr returns the bound UDP address.
func (s *Server) LocalAddr() *net.UDPAddr {
	return s.endpoint.LocalAddr()
}

// Ready reports whether the server socket is usable, for health checks.
func (s *Server) Ready() error {
	if s.endpoint.LocalAddr() == nil {
		return gerrors.ErrClosed
	}
	return nil
}

// Reply builds a response matching the request's type and token: a
// piggybacked ACK echoing the message ID for confirmable requests, a
// NON response otherwise. Message IDs for NON responses are assigned
// on send.
func Reply(req coap.Message, code coap.Code, payload []byte) *coap.Message {
	resp := &coap.Message{
		Code:    code,
		Token:   append([]byte(nil), req.Token...),
		Payload: payload,
	}
	if req.Type == coap.Confirmable {
		resp.Type = coap.Acknowledgement
		resp.MessageID = req.MessageID
	} else {
		resp.Type = coap.NonConfirmable
	}
	return resp
}

// Listen serves requests until the context is cancelled, then drains
// in-flight work within the shutdown timeout.
func (s *Server) Listen(ctx context.Context) error {
	s.config.Logger.Info("test server started",
		slog.String("address", s.endpoint.LocalAddr().String()),
		slog.String("version", s.config.Version),
		slog.Int("workers", s.config.WorkerPoolSize))

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	for i := 0; i < s.config.WorkerPoolSize; i++ {
		s.workerWg.Add(1)
		go s.worker(workerCtx)
	}

	readDone := make(chan struct{})
	go s.readLoop(ctx, readDone)

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := s.endpoint.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-readDone

	// Closing the channel lets workers finish queued jobs; the deferred
	// cancel aborts any still paused when the timeout path returns.
	close(s.jobs)
	if s.limiter != nil {
		s.limiter.Close()
	}

	drained := make(chan struct{})
	go func() {
		s.workerWg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		s.config.Logger.Info("all workers stopped")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		return ErrShutdownTimeout
	}
}

func (s *Server) readLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	for {
		m, from, err := s.endpoint.Receive(0)
		switch {
		case err == nil:
		case errors.Is(err, gerrors.ErrMalformedMessage):
			s.config.Logger.Warn("discarding malformed datagram",
				slog.String("client", addrString(from)),
				slog.String("error", err.Error()))
			if s.config.Metrics != nil {
				s.config.Metrics.Malformed.Inc()
			}
			continue
		case errors.Is(err, gerrors.ErrClosed):
			return
		default:
			select {
			case <-ctx.Done():
				return
			default:
				s.config.Logger.Error("failed to read datagram",
					slog.String("error", err.Error()))
				continue
			}
		}

		select {
		case s.jobs <- job{msg: m, from: from}:
		default:
			s.config.Logger.Warn("worker pool full, dropping packet",
				slog.String("client", from.String()))
		}
	}
}

func (s *Server) worker(ctx context.Context) {
	defer s.workerWg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-s.jobs:
			if !ok {
				return
			}
			s.handle(ctx, j.msg, j.from)
		}
	}
}

func (s *Server) handle(ctx context.Context, m coap.Message, from *net.UDPAddr) {
	// CoAP ping: confirmable empty message gets a reset.
	if m.IsEmpty() {
		if m.Type == coap.Confirmable {
			s.send(coap.NewReset(m.MessageID), from)
		}
		return
	}
	if !m.Code.IsRequest() {
		s.config.Logger.Debug("ignoring non-request message",
			slog.String("client", from.String()),
			slog.String("message", m.String()))
		return
	}

	if s.limiter != nil && !s.limiter.Allow(from.String()) {
		if s.config.Metrics != nil {
			s.config.Metrics.RateLimited.Inc()
		}
		if m.Type == coap.Confirmable {
			s.respond(m, from, Reply(m, coap.ServiceUnavailable, nil))
		}
		return
	}

	path := m.PathString()
	h, ok := s.routes[route{m.Code, path}]
	if !ok {
		s.pause(ctx)
		code := coap.NotFound
		if s.known[path] {
			code = coap.MethodNotAllowed
		}
		s.respond(m, from, Reply(m, code, nil))
		return
	}

	s.respond(m, from, h(ctx, m, from))
}

// respond sends a handler's response, or nothing when the handler
// chose silence.
func (s *Server) respond(req coap.Message, from *net.UDPAddr, resp *coap.Message) {
	if resp == nil {
		s.config.Logger.Debug("request ignored",
			slog.String("client", from.String()),
			slog.String("path", req.PathString()),
			slog.String("method", req.Code.String()))
		return
	}
	if resp.Type == coap.NonConfirmable {
		resp.MessageID = s.mids.Next()
	}

	s.send(*resp, from)

	s.config.Logger.Debug("handled request",
		slog.String("client", from.String()),
		slog.String("method", req.Code.String()),
		slog.String("path", req.PathString()),
		slog.String("code", resp.Code.Dotted()))
	if s.config.Metrics != nil {
		s.config.Metrics.RecordServed(req.Code.String(), req.PathString(), resp.Code.Dotted())
	}
}

func (s *Server) send(m coap.Message, to *net.UDPAddr) {
	if err := s.endpoint.Send(m, to); err != nil {
		s.config.Logger.Debug("failed to send response",
			slog.String("client", to.String()),
			slog.String("error", err.Error()))
	}
}

// pause sleeps for the configured response delay, aborting early on
// shutdown.
func (s *Server) pause(ctx context.Context) {
	s.mu.Lock()
	d := s.delay
	s.mu.Unlock()
	if d == 0 {
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func addrString(a *net.UDPAddr) string {
	if a == nil {
		return "unknown"
	}
	return a.String()
}
