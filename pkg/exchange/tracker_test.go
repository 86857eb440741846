// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

package exchange

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/kb2ma/gcoap-test/pkg/coap"
	gerrors "github.com/kb2ma/gcoap-test/pkg/errors"
	"github.com/kb2ma/gcoap-test/pkg/transport"
)

// quickParams keeps retransmission ladders short enough for tests.
// AckRandomFactor 1 makes the schedule deterministic.
var quickParams = TransmissionParams{
	AckTimeout:      100 * time.Millisecond,
	AckRandomFactor: 1,
	MaxRetransmit:   2,
	ResponseTimeout: 500 * time.Millisecond,
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePeer is a scripted CoAP peer driven from the test goroutine.
type fakePeer struct {
	t  *testing.T
	ep *transport.Endpoint
}

func newFakePeer(t *testing.T) *fakePeer {
	t.Helper()
	ep, err := transport.Open(transport.Config{Address: "127.0.0.1:0", Logger: testLogger()})
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { ep.Close() })
	return &fakePeer{t: t, ep: ep}
}

func (p *fakePeer) receive() (coap.Message, *net.UDPAddr) {
	p.t.Helper()
	m, from, err := p.ep.Receive(5 * time.Second)
	if err != nil {
		p.t.Fatalf("peer Receive() = %v", err)
	}
	return m, from
}

func (p *fakePeer) send(m coap.Message, to *net.UDPAddr) {
	p.t.Helper()
	if err := p.ep.Send(m, to); err != nil {
		p.t.Fatalf("peer Send() = %v", err)
	}
}

// silent reports whether the peer hears nothing for the given window.
func (p *fakePeer) silent(window time.Duration) bool {
	_, _, err := p.ep.Receive(window)
	return errors.Is(err, gerrors.ErrTimeout)
}

func newTestTracker(t *testing.T, peer *fakePeer, params TransmissionParams, hook UnmatchedFunc) *Tracker {
	t.Helper()
	ep, err := transport.Open(transport.Config{Address: "127.0.0.1:0", Logger: testLogger()})
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	tr := NewTracker(ep, peer.ep.LocalAddr(), params, testLogger())
	if hook != nil {
		tr.OnUnmatched(hook)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Listen(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Listen() = %v", err)
		}
	})
	return tr
}

type doOutcome struct {
	res Result
	err error
}

func goDo(ctx context.Context, tr *Tracker, req coap.Message) chan doOutcome {
	ch := make(chan doOutcome, 1)
	go func() {
		res, err := tr.Do(ctx, req)
		ch <- doOutcome{res, err}
	}()
	return ch
}

func TestPiggybackedResponse(t *testing.T) {
	peer := newFakePeer(t)
	tr := newTestTracker(t, peer, quickParams, nil)

	req := coap.Message{
		Type:      coap.Confirmable,
		Code:      coap.GET,
		MessageID: 42,
		Token:     []byte{0x00, 0x01},
	}
	req.SetPathString("/ver")
	out := goDo(context.Background(), tr, req)

	got, from := peer.receive()
	if got.Code != coap.GET || got.PathString() != "/ver" || !got.IsConfirmable() {
		t.Fatalf("peer received %v", got)
	}
	resp := coap.Message{
		Type:      coap.Acknowledgement,
		Code:      coap.Content,
		MessageID: got.MessageID,
		Token:     got.Token,
		Payload:   []byte("0.1"),
	}
	peer.send(resp, from)

	o := <-out
	if o.err != nil {
		t.Fatalf("Do() = %v", o.err)
	}
	if o.res.State != StateCompleted || o.res.Acked || o.res.Reset || o.res.Retries != 0 {
		t.Errorf("result = %+v", o.res)
	}
	if o.res.Response == nil || o.res.Response.Code != coap.Content ||
		string(o.res.Response.Payload) != "0.1" {
		t.Errorf("response = %+v", o.res.Response)
	}
	if n := tr.Pending(); n != 0 {
		t.Errorf("Pending() = %d", n)
	}
	if s := tr.Stats(); s.Sent != 1 || s.Completed != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestSeparateResponse(t *testing.T) {
	peer := newFakePeer(t)
	tr := newTestTracker(t, peer, quickParams, nil)

	req := coap.Message{
		Type:      coap.Confirmable,
		Code:      coap.POST,
		MessageID: 0x0101,
		Token:     []byte{0x0a, 0x0b},
		Payload:   []byte("500"),
	}
	req.SetPathString("/cf/delay")
	out := goDo(context.Background(), tr, req)

	got, from := peer.receive()
	peer.send(coap.NewAck(got.MessageID), from)
	time.Sleep(50 * time.Millisecond)

	sep := coap.Message{
		Type:      coap.Confirmable,
		Code:      coap.Changed,
		MessageID: 0x07d1,
		Token:     got.Token,
	}
	peer.send(sep, from)

	// The tracker must acknowledge the separate Confirmable response.
	ackBack, _ := peer.receive()
	if ackBack.Type != coap.Acknowledgement || ackBack.Code != coap.Empty ||
		ackBack.MessageID != 0x07d1 {
		t.Errorf("ack for separate response = %v", ackBack)
	}

	o := <-out
	if o.err != nil {
		t.Fatalf("Do() = %v", o.err)
	}
	if o.res.State != StateCompleted || !o.res.Acked {
		t.Errorf("result = %+v", o.res)
	}
	if o.res.Response == nil || o.res.Response.Code != coap.Changed {
		t.Errorf("response = %+v", o.res.Response)
	}
}

func TestPingReset(t *testing.T) {
	peer := newFakePeer(t)
	tr := newTestTracker(t, peer, quickParams, nil)

	ping := coap.Message{Type: coap.Confirmable, Code: coap.Empty, MessageID: 0x0f0f}
	out := goDo(context.Background(), tr, ping)

	got, from := peer.receive()
	peer.send(coap.NewReset(got.MessageID), from)

	o := <-out
	if o.err != nil {
		t.Fatalf("Do() = %v", o.err)
	}
	if o.res.State != StateCompleted || !o.res.Reset {
		t.Errorf("result = %+v", o.res)
	}
	if o.res.Response == nil || o.res.Response.Type != coap.Reset {
		t.Errorf("response = %+v", o.res.Response)
	}
}

func TestRetransmitBackoff(t *testing.T) {
	peer := newFakePeer(t)
	tr := newTestTracker(t, peer, quickParams, nil)

	req := coap.Message{
		Type:      coap.Confirmable,
		Code:      coap.GET,
		MessageID: 7,
		Token:     []byte{0x07},
	}
	req.SetPathString("/ignore")
	out := goDo(context.Background(), tr, req)

	// Initial transmission plus MaxRetransmit retries, nothing more.
	var arrivals []time.Time
	for i := 0; i < 1+quickParams.MaxRetransmit; i++ {
		peer.receive()
		arrivals = append(arrivals, time.Now())
	}
	if !peer.silent(400 * time.Millisecond) {
		t.Errorf("transmission after the schedule was exhausted")
	}

	// Timers never fire early, so each gap is at least its scheduled
	// double, minus a little measurement slack on the arrival side.
	gap1 := arrivals[1].Sub(arrivals[0])
	gap2 := arrivals[2].Sub(arrivals[1])
	if gap1 < 80*time.Millisecond {
		t.Errorf("first retransmit after %v, want >= 100ms", gap1)
	}
	if gap2 < 160*time.Millisecond {
		t.Errorf("second retransmit after %v, want >= 200ms", gap2)
	}

	o := <-out
	if o.err != nil {
		t.Fatalf("Do() = %v", o.err)
	}
	if o.res.State != StateTimedOut || o.res.Retries != quickParams.MaxRetransmit {
		t.Errorf("result = %+v", o.res)
	}
	if !errors.Is(o.res.Err, gerrors.ErrTimeout) {
		t.Errorf("result error = %v, want ErrTimeout", o.res.Err)
	}
	if s := tr.Stats(); s.Retransmits != int64(quickParams.MaxRetransmit) || s.TimedOut != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestNonConfirmableDoesNotRetransmit(t *testing.T) {
	peer := newFakePeer(t)
	params := quickParams
	params.ResponseTimeout = 300 * time.Millisecond
	tr := newTestTracker(t, peer, params, nil)

	req := coap.Message{
		Type:      coap.NonConfirmable,
		Code:      coap.GET,
		MessageID: 9,
		Token:     []byte{0x09},
	}
	req.SetPathString("/ignore")
	out := goDo(context.Background(), tr, req)

	peer.receive()
	if !peer.silent(500 * time.Millisecond) {
		t.Errorf("non-confirmable request was retransmitted")
	}

	o := <-out
	if o.res.State != StateTimedOut || o.res.Retries != 0 {
		t.Errorf("result = %+v", o.res)
	}
}

func TestResponseMatchesAtMostOnce(t *testing.T) {
	peer := newFakePeer(t)
	unmatched := make(chan coap.Message, 4)
	hook := func(m coap.Message, from *net.UDPAddr) bool {
		unmatched <- m
		return true
	}
	tr := newTestTracker(t, peer, quickParams, hook)

	req := coap.Message{
		Type:      coap.Confirmable,
		Code:      coap.GET,
		MessageID: 0x0909,
		Token:     []byte{0x09, 0x09},
	}
	req.SetPathString("/ver")
	out := goDo(context.Background(), tr, req)

	got, from := peer.receive()
	resp := coap.Message{
		Type:      coap.Acknowledgement,
		Code:      coap.Content,
		MessageID: got.MessageID,
		Token:     got.Token,
		Payload:   []byte("0.1"),
	}
	peer.send(resp, from)
	peer.send(resp, from)

	o := <-out
	if o.err != nil || o.res.State != StateCompleted {
		t.Fatalf("Do() = %+v, %v", o.res, o.err)
	}

	select {
	case dup := <-unmatched:
		if dup.MessageID != resp.MessageID {
			t.Errorf("unmatched = %v", dup)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("duplicate response was not routed to the unmatched hook")
	}
	if s := tr.Stats(); s.Completed != 1 || s.Unmatched != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestUnmatchedDiscardedWithoutReset(t *testing.T) {
	peer := newFakePeer(t)
	tr := newTestTracker(t, peer, quickParams, nil)

	// A Confirmable message with an unknown token is logged and
	// discarded: no acknowledgement, no reset.
	stray := coap.Message{
		Type:      coap.Confirmable,
		Code:      coap.Content,
		MessageID: 0x0666,
		Token:     []byte{0xde, 0xad},
		Payload:   []byte("stale"),
	}
	peer.send(stray, tr.endpoint.LocalAddr())

	deadline := time.Now().Add(2 * time.Second)
	for tr.Stats().Unmatched == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stray message never counted as unmatched")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !peer.silent(200 * time.Millisecond) {
		t.Errorf("tracker replied to an unmatched message")
	}
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	peer := newFakePeer(t)
	tr := newTestTracker(t, peer, quickParams, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := coap.Message{
		Type:      coap.Confirmable,
		Code:      coap.GET,
		MessageID: 0x1111,
		Token:     []byte{0x11, 0x11},
	}
	if _, err := tr.Send(ctx, req); err != nil {
		t.Fatalf("Send() = %v", err)
	}

	if _, err := tr.Send(ctx, req); !errors.Is(err, gerrors.ErrDuplicateExchange) {
		t.Errorf("duplicate MID: err = %v", err)
	}
	other := req
	other.MessageID = 0x2222
	if _, err := tr.Send(ctx, other); !errors.Is(err, gerrors.ErrDuplicateExchange) {
		t.Errorf("duplicate token: err = %v", err)
	}
}

func TestSendRejectsNonRequests(t *testing.T) {
	peer := newFakePeer(t)
	tr := newTestTracker(t, peer, quickParams, nil)

	ack := coap.NewAck(1)
	if _, err := tr.Send(context.Background(), ack); !errors.Is(err, gerrors.ErrConfig) {
		t.Errorf("Send(ack) = %v, want ErrConfig", err)
	}
}

func TestContextDeadline(t *testing.T) {
	peer := newFakePeer(t)
	params := TransmissionParams{AckTimeout: 10 * time.Second, AckRandomFactor: 1}
	tr := newTestTracker(t, peer, params, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	req := coap.Message{Type: coap.Confirmable, Code: coap.GET, MessageID: 3, Token: []byte{0x03}}
	out := goDo(ctx, tr, req)

	o := <-out
	if o.err != nil {
		t.Fatalf("Do() = %v", o.err)
	}
	if !errors.Is(o.res.Err, context.DeadlineExceeded) {
		t.Errorf("result error = %v, want DeadlineExceeded", o.res.Err)
	}
	if o.res.State == StateCompleted {
		t.Errorf("state = %v", o.res.State)
	}
}

func TestInitialTimeoutSpread(t *testing.T) {
	params := TransmissionParams{AckTimeout: 2 * time.Second, AckRandomFactor: 1.5}
	tr := NewTracker(nil, nil, params, testLogger())

	for i := 0; i < 200; i++ {
		d := tr.initialTimeout()
		if d < 2*time.Second || d >= 3*time.Second {
			t.Fatalf("initialTimeout() = %v, want [2s, 3s)", d)
		}
	}
}
