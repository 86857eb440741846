// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

package exchange

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/kb2ma/gcoap-test/pkg/coap"
	gerrors "github.com/kb2ma/gcoap-test/pkg/errors"
	"github.com/kb2ma/gcoap-test/pkg/transport"
)

const (
	// DefaultAckTimeout is the initial retransmission timeout base
	// (ACK_TIMEOUT in RFC 7252).
	DefaultAckTimeout = 2 * time.Second

	// DefaultAckRandomFactor spreads the initial timeout
	// (ACK_RANDOM_FACTOR in RFC 7252).
	DefaultAckRandomFactor = 1.5

	// DefaultMaxRetransmit is the number of retransmissions for a
	// Confirmable message (MAX_RETRANSMIT in RFC 7252).
	DefaultMaxRetransmit = 4

	// DefaultResponseTimeout caps the wait for a separate response after
	// an acknowledgement, and for any response to a Non-confirmable
	// request.
	DefaultResponseTimeout = 10 * time.Second
)

// TransmissionParams tune the retransmission schedule.
type TransmissionParams struct {
	// AckTimeout is the retransmission timeout base.
	// If 0, uses DefaultAckTimeout.
	AckTimeout time.Duration

	// AckRandomFactor scales the initial timeout: the timeout is drawn
	// uniformly from [AckTimeout, AckTimeout*AckRandomFactor).
	// If less than 1, uses DefaultAckRandomFactor.
	AckRandomFactor float64

	// MaxRetransmit is the number of retransmissions before giving up.
	// If 0, uses DefaultMaxRetransmit. Negative disables retransmission.
	MaxRetransmit int

	// ResponseTimeout caps the wait for a separate or Non-confirmable
	// response. If 0, uses DefaultResponseTimeout.
	ResponseTimeout time.Duration
}

func (p TransmissionParams) withDefaults() TransmissionParams {
	if p.AckTimeout <= 0 {
		p.AckTimeout = DefaultAckTimeout
	}
	if p.AckRandomFactor < 1 {
		p.AckRandomFactor = DefaultAckRandomFactor
	}
	if p.MaxRetransmit == 0 {
		p.MaxRetransmit = DefaultMaxRetransmit
	} else if p.MaxRetransmit < 0 {
		p.MaxRetransmit = 0
	}
	if p.ResponseTimeout <= 0 {
		p.ResponseTimeout = DefaultResponseTimeout
	}
	return p
}

// Stats counts tracker activity since creation.
type Stats struct {
	Sent        int64
	Retransmits int64
	Completed   int64
	TimedOut    int64
	Unmatched   int64
}

// UnmatchedFunc inspects a message no exchange claimed. Returning true
// consumes the message; otherwise the tracker logs and discards it.
type UnmatchedFunc func(m coap.Message, from *net.UDPAddr) bool

// Tracker correlates requests with acknowledgements and responses for a
// single peer, retransmitting Confirmable messages on the RFC 7252
// schedule. Methods are safe for concurrent use.
type Tracker struct {
	endpoint *transport.Endpoint
	peer     *net.UDPAddr
	params   TransmissionParams
	logger   *slog.Logger

	onUnmatched UnmatchedFunc

	mu      sync.Mutex
	byMID   map[uint16]*Exchange
	byToken map[string]*Exchange
	stats   Stats
}

// NewTracker creates a tracker sending to peer over ep.
func NewTracker(ep *transport.Endpoint, peer *net.UDPAddr, params TransmissionParams, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		endpoint: ep,
		peer:     peer,
		params:   params.withDefaults(),
		logger:   logger,
		byMID:    make(map[uint16]*Exchange),
		byToken:  make(map[string]*Exchange),
	}
}

// OnUnmatched installs the hook for messages no exchange claims, such
// as observe notifications. Must be called before Listen.
func (t *Tracker) OnUnmatched(fn UnmatchedFunc) {
	t.onUnmatched = fn
}

// Params returns the effective transmission parameters.
func (t *Tracker) Params() TransmissionParams {
	return t.params
}

// Stats returns a snapshot of tracker counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Pending returns the number of in-flight exchanges.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byMID)
}

// Do sends a request and blocks until the exchange settles.
func (t *Tracker) Do(ctx context.Context, m coap.Message) (Result, error) {
	ex, err := t.Send(ctx, m)
	if err != nil {
		return Result{}, err
	}
	return ex.Wait(ctx), nil
}

// Send registers an exchange for the message and transmits it. The
// message must be Confirmable or Non-confirmable with a fresh message
// ID, and a fresh token unless empty.
func (t *Tracker) Send(ctx context.Context, m coap.Message) (*Exchange, error) {
	if m.Type != coap.Confirmable && m.Type != coap.NonConfirmable {
		return nil, fmt.Errorf("%w: cannot track %v message", gerrors.ErrConfig, m.Type)
	}

	ex := &Exchange{
		tracker: t,
		msg:     m,
		created: time.Now(),
		inbound: make(chan coap.Message, 4),
		done:    make(chan struct{}),
	}

	t.mu.Lock()
	if _, ok := t.byMID[m.MessageID]; ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: message ID %d in flight", gerrors.ErrDuplicateExchange, m.MessageID)
	}
	if len(m.Token) > 0 {
		if _, ok := t.byToken[string(m.Token)]; ok {
			t.mu.Unlock()
			return nil, fmt.Errorf("%w: token %x in flight", gerrors.ErrDuplicateExchange, m.Token)
		}
		t.byToken[string(m.Token)] = ex
	}
	t.byMID[m.MessageID] = ex
	t.stats.Sent++
	t.mu.Unlock()

	go ex.run(ctx)
	return ex, nil
}

// Listen dispatches inbound messages until ctx is cancelled or the
// socket fails. Cancelling ctx closes the endpoint.
func (t *Tracker) Listen(ctx context.Context) error {
	readDone := make(chan struct{})
	var readErr error

	go func() {
		defer close(readDone)
		for {
			m, from, err := t.endpoint.Receive(0)
			switch {
			case err == nil:
				t.dispatch(m, from)
			case errors.Is(err, gerrors.ErrMalformedMessage):
				t.logger.Warn("discarding malformed datagram",
					slog.String("from", addrString(from)),
					slog.String("error", err.Error()))
			case errors.Is(err, gerrors.ErrClosed):
				return
			default:
				readErr = err
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		t.endpoint.Close()
		<-readDone
		return nil
	case <-readDone:
		return readErr
	}
}

// dispatch routes one inbound message. Acknowledgements and resets
// match on message ID, responses on token; a piggybacked response must
// carry the request token as well. A settling match is claimed under
// the lock, so a duplicate response can never match the same exchange
// twice.
func (t *Tracker) dispatch(m coap.Message, from *net.UDPAddr) {
	var ex *Exchange
	terminal := true

	t.mu.Lock()
	switch m.Type {
	case coap.Acknowledgement, coap.Reset:
		ex = t.byMID[m.MessageID]
		if ex != nil && m.Type == coap.Acknowledgement {
			if m.Code == coap.Empty {
				terminal = false
			} else if !bytes.Equal(m.Token, ex.msg.Token) {
				ex = nil
			}
		}
	default:
		if len(m.Token) > 0 {
			ex = t.byToken[string(m.Token)]
		}
	}
	if ex == nil {
		t.stats.Unmatched++
	} else if terminal {
		t.removeLocked(ex)
	}
	t.mu.Unlock()

	if ex == nil {
		t.unmatched(m, from)
		return
	}

	// A separate Confirmable response is acknowledged right away so the
	// server does not retransmit it.
	if m.Type == coap.Confirmable {
		if err := t.endpoint.Send(coap.NewAck(m.MessageID), from); err != nil {
			t.logger.Warn("failed to acknowledge separate response",
				slog.String("error", err.Error()))
		}
	}

	if !terminal {
		ex.acked.Store(true)
		select {
		case ex.inbound <- m:
		default:
		}
		return
	}

	ex.complete(Result{
		State:    StateCompleted,
		Response: &m,
		Reset:    m.Type == coap.Reset,
		Acked:    ex.acked.Load(),
		Retries:  int(ex.retries.Load()),
		RTT:      time.Since(ex.created),
	})
}

func (t *Tracker) unmatched(m coap.Message, from *net.UDPAddr) {
	if t.onUnmatched != nil && t.onUnmatched(m, from) {
		return
	}
	t.logger.Warn("discarding unmatched message",
		slog.String("message", m.String()),
		slog.String("from", addrString(from)))
}

// finish retires a settled exchange. Map removal is idempotent because
// dispatch claims terminal matches before complete runs.
func (t *Tracker) finish(ex *Exchange, r Result) {
	t.mu.Lock()
	t.removeLocked(ex)
	t.stats.Retransmits += int64(r.Retries)
	switch r.State {
	case StateCompleted:
		t.stats.Completed++
	case StateTimedOut:
		t.stats.TimedOut++
	}
	t.mu.Unlock()
}

func (t *Tracker) removeLocked(ex *Exchange) {
	delete(t.byMID, ex.msg.MessageID)
	if len(ex.msg.Token) > 0 {
		delete(t.byToken, string(ex.msg.Token))
	}
}

// initialTimeout draws the first retransmission timeout uniformly from
// [AckTimeout, AckTimeout*AckRandomFactor).
func (t *Tracker) initialTimeout() time.Duration {
	span := float64(t.params.AckTimeout) * (t.params.AckRandomFactor - 1)
	return t.params.AckTimeout + time.Duration(rand.Float64()*span)
}

func addrString(a *net.UDPAddr) string {
	if a == nil {
		return "unknown"
	}
	return a.String()
}
