// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

package exchange

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kb2ma/gcoap-test/pkg/coap"
	gerrors "github.com/kb2ma/gcoap-test/pkg/errors"
)

// State is the lifecycle state of an exchange.
type State int32

const (
	// StatePending means the request is sent and nothing has matched yet.
	StatePending State = iota

	// StateAcked means an empty acknowledgement arrived and a separate
	// response is awaited.
	StateAcked

	// StateCompleted means a response or reset settled the exchange.
	StateCompleted

	// StateTimedOut means the retransmission schedule was exhausted.
	StateTimedOut
)

var stateNames = [...]string{"pending", "acked", "completed", "timed out"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Result is the settled outcome of an exchange.
type Result struct {
	State State

	// Response is the message that settled the exchange: a piggybacked
	// or separate response, or the peer's reset. Nil on timeout.
	Response *coap.Message

	// Reset reports that the peer rejected the request with a reset.
	Reset bool

	// Acked reports that an empty acknowledgement preceded the outcome.
	Acked bool

	// Retries is the number of retransmissions performed.
	Retries int

	// RTT is the time from first transmission to settlement.
	RTT time.Duration

	// Err is set when the exchange failed outside the protocol: socket
	// errors, timeouts and cancelled contexts.
	Err error
}

// Exchange is one tracked request awaiting its outcome. The dispatch
// loop settles it on a matching response; the run goroutine owns the
// retransmission timer.
type Exchange struct {
	tracker *Tracker
	msg     coap.Message
	created time.Time

	inbound chan coap.Message
	done    chan struct{}
	state   atomic.Int32
	acked   atomic.Bool
	retries atomic.Int32
	result  Result
	once    sync.Once
}

// Message returns the tracked request.
func (ex *Exchange) Message() coap.Message {
	return ex.msg
}

// State returns the current lifecycle state.
func (ex *Exchange) State() State {
	return State(ex.state.Load())
}

// Wait blocks until the exchange settles or ctx is cancelled.
func (ex *Exchange) Wait(ctx context.Context) Result {
	select {
	case <-ex.done:
		return ex.result
	case <-ctx.Done():
		return Result{State: ex.State(), Err: ctx.Err()}
	}
}

// complete settles the exchange exactly once.
func (ex *Exchange) complete(r Result) {
	ex.once.Do(func() {
		ex.tracker.finish(ex, r)
		ex.state.Store(int32(r.State))
		ex.result = r
		close(ex.done)
	})
}

// run owns the retransmission schedule: transmit, back off
// exponentially while unacknowledged, then wait out the response phase.
func (ex *Exchange) run(ctx context.Context) {
	t := ex.tracker
	confirmable := ex.msg.IsConfirmable()

	timeout := t.params.ResponseTimeout
	if confirmable {
		timeout = t.initialTimeout()
	}

	if err := t.endpoint.Send(ex.msg, t.peer); err != nil {
		ex.complete(Result{State: StatePending,
			Err: gerrors.NewExchange("send", t.peer.String(), ex.msg.MessageID, err)})
		return
	}
	t.logger.Debug("sent request",
		slog.String("message", ex.msg.String()),
		slog.String("peer", t.peer.String()))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	acked := false
	for {
		select {
		case <-ex.done:
			return

		case <-ctx.Done():
			ex.complete(Result{
				State:   ex.State(),
				Acked:   ex.acked.Load(),
				Retries: int(ex.retries.Load()),
				Err:     ctx.Err(),
			})
			return

		case <-ex.inbound:
			// Empty acknowledgement: stop the ladder and wait for the
			// separate response. Duplicates must not extend the wait.
			if confirmable && !acked {
				acked = true
				ex.state.Store(int32(StateAcked))
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(t.params.ResponseTimeout)
				t.logger.Debug("acknowledged, awaiting separate response",
					slog.Int("mid", int(ex.msg.MessageID)))
			}

		case <-timer.C:
			retries := int(ex.retries.Load())
			if confirmable && !acked && retries < t.params.MaxRetransmit {
				ex.retries.Add(1)
				timeout *= 2
				if err := t.endpoint.Send(ex.msg, t.peer); err != nil {
					ex.complete(Result{State: StatePending, Retries: retries + 1,
						Err: gerrors.NewExchange("retransmit", t.peer.String(), ex.msg.MessageID, err)})
					return
				}
				t.logger.Debug("retransmit",
					slog.Int("mid", int(ex.msg.MessageID)),
					slog.Int("attempt", retries+1),
					slog.Duration("next_timeout", timeout))
				timer.Reset(timeout)
				continue
			}
			ex.complete(Result{
				State:   StateTimedOut,
				Acked:   acked,
				Retries: retries,
				RTT:     time.Since(ex.created),
				Err:     gerrors.ErrTimeout,
			})
			return
		}
	}
}
