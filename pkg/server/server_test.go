// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/kb2ma/gcoap-test/pkg/coap"
	gerrors "github.com/kb2ma/gcoap-test/pkg/errors"
	"github.com/kb2ma/gcoap-test/pkg/exchange"
	"github.com/kb2ma/gcoap-test/pkg/transport"
)

var quickParams = exchange.TransmissionParams{
	AckTimeout:      100 * time.Millisecond,
	AckRandomFactor: 1,
	MaxRetransmit:   2,
	ResponseTimeout: 500 * time.Millisecond,
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startClientServer boots a server on a loopback port and a client
// tracker aimed at it. Both are torn down, and their loops checked
// for clean exits, when the test ends.
func startClientServer(t *testing.T, cfg Config, params exchange.TransmissionParams) (*Server, *exchange.Tracker) {
	t.Helper()

	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	srvCtx, srvCancel := context.WithCancel(context.Background())
	srvDone := make(chan error, 1)
	go func() { srvDone <- srv.Listen(srvCtx) }()

	ep, err := transport.Open(transport.Config{Address: "127.0.0.1:0", Logger: cfg.Logger})
	if err != nil {
		t.Fatalf("open client endpoint: %v", err)
	}
	tr := exchange.NewTracker(ep, srv.LocalAddr(), params, cfg.Logger)

	clientCtx, clientCancel := context.WithCancel(context.Background())
	clientDone := make(chan error, 1)
	go func() { clientDone <- tr.Listen(clientCtx) }()

	t.Cleanup(func() {
		clientCancel()
		if err := <-clientDone; err != nil {
			t.Errorf("client listen: %v", err)
		}
		srvCancel()
		if err := <-srvDone; err != nil {
			t.Errorf("server listen: %v", err)
		}
	})
	return srv, tr
}

func request(typ coap.Type, method coap.Code, path string, mid uint16, token, payload []byte) coap.Message {
	m := coap.Message{Type: typ, Code: method, MessageID: mid, Token: token, Payload: payload}
	m.SetPathString(path)
	return m
}

func do(t *testing.T, tr *exchange.Tracker, m coap.Message) exchange.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := tr.Do(ctx, m)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return res
}

func TestVersionResource(t *testing.T) {
	_, tr := startClientServer(t, Config{}, quickParams)

	req := request(coap.Confirmable, coap.GET, "/ver", 0x100, []byte{0x01, 0x02}, nil)
	res := do(t, tr, req)

	if res.State != exchange.StateCompleted {
		t.Fatalf("state = %v, want completed", res.State)
	}
	resp := res.Response
	if resp.Type != coap.Acknowledgement || resp.Code != coap.Content {
		t.Fatalf("response = %v", resp)
	}
	if resp.MessageID != req.MessageID {
		t.Errorf("piggybacked ACK MID = %#x, want %#x", resp.MessageID, req.MessageID)
	}
	if !bytes.Equal(resp.Token, req.Token) {
		t.Errorf("token = %x, want %x", resp.Token, req.Token)
	}
	if string(resp.Payload) != DefaultVersion {
		t.Errorf("payload = %q, want %q", resp.Payload, DefaultVersion)
	}
}

func TestConfiguredVersion(t *testing.T) {
	_, tr := startClientServer(t, Config{Version: "9.9"}, quickParams)

	res := do(t, tr, request(coap.Confirmable, coap.GET, "/ver", 0x101, []byte{0x03}, nil))
	if string(res.Response.Payload) != "9.9" {
		t.Errorf("payload = %q, want %q", res.Response.Payload, "9.9")
	}
}

func TestTooBigPayload(t *testing.T) {
	_, tr := startClientServer(t, Config{}, quickParams)

	res := do(t, tr, request(coap.Confirmable, coap.GET, "/toobig", 0x102, []byte{0x04}, nil))
	if res.Response.Code != coap.Content {
		t.Fatalf("code = %v", res.Response.Code)
	}
	if len(res.Response.Payload) != 130 {
		t.Errorf("payload length = %d, want 130", len(res.Response.Payload))
	}
}

func TestUnknownPath(t *testing.T) {
	_, tr := startClientServer(t, Config{}, quickParams)

	res := do(t, tr, request(coap.Confirmable, coap.GET, "/nope", 0x103, []byte{0x05}, nil))
	if res.Response.Code != coap.NotFound {
		t.Errorf("code = %s, want 4.04", res.Response.Code.Dotted())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, tr := startClientServer(t, Config{}, quickParams)

	res := do(t, tr, request(coap.Confirmable, coap.POST, "/ver", 0x104, []byte{0x06}, nil))
	if res.Response.Code != coap.MethodNotAllowed {
		t.Errorf("code = %s, want 4.05", res.Response.Code.Dotted())
	}
}

func TestNonConfirmableRequest(t *testing.T) {
	_, tr := startClientServer(t, Config{}, quickParams)

	res := do(t, tr, request(coap.NonConfirmable, coap.GET, "/ver", 0x105, []byte{0x07}, nil))
	resp := res.Response
	if resp.Type != coap.NonConfirmable {
		t.Fatalf("response type = %v, want NON", resp.Type)
	}
	if resp.Code != coap.Content || string(resp.Payload) != DefaultVersion {
		t.Errorf("response = %v", resp)
	}
}

func TestIgnoreResource(t *testing.T) {
	params := quickParams
	params.ResponseTimeout = 300 * time.Millisecond
	_, tr := startClientServer(t, Config{}, params)

	res := do(t, tr, request(coap.NonConfirmable, coap.GET, "/ignore", 0x106, []byte{0x08}, nil))
	if res.State != exchange.StateTimedOut {
		t.Fatalf("state = %v, want timed out", res.State)
	}
	if !errors.Is(res.Err, gerrors.ErrTimeout) {
		t.Errorf("err = %v, want timeout", res.Err)
	}
}

func TestVerIgnoresDropsThenAnswers(t *testing.T) {
	params := quickParams
	params.MaxRetransmit = 3
	_, tr := startClientServer(t, Config{}, params)

	res := do(t, tr, request(coap.Confirmable, coap.PUT, "/ver/ignores", 0x107, []byte{0x09}, []byte("2")))
	if res.Response.Code != coap.Changed {
		t.Fatalf("arming code = %s, want 2.04", res.Response.Code.Dotted())
	}

	res = do(t, tr, request(coap.Confirmable, coap.GET, "/ver", 0x108, []byte{0x0a}, nil))
	if res.State != exchange.StateCompleted {
		t.Fatalf("state = %v, want completed", res.State)
	}
	if res.Retries != 2 {
		t.Errorf("retries = %d, want 2", res.Retries)
	}
	if string(res.Response.Payload) != DefaultVersion {
		t.Errorf("payload = %q", res.Response.Payload)
	}
}

func TestDelayAppliesToLaterResponses(t *testing.T) {
	params := exchange.TransmissionParams{
		AckTimeout:      3 * time.Second,
		AckRandomFactor: 1,
		MaxRetransmit:   -1,
	}
	_, tr := startClientServer(t, Config{}, params)

	res := do(t, tr, request(coap.Confirmable, coap.POST, "/cf/delay", 0x109, []byte{0x0b}, []byte("1")))
	if res.Response.Code != coap.Changed {
		t.Fatalf("arming code = %s, want 2.04", res.Response.Code.Dotted())
	}
	if res.RTT > time.Second {
		t.Errorf("delay confirmation took %v, should not be delayed", res.RTT)
	}

	res = do(t, tr, request(coap.Confirmable, coap.GET, "/ver", 0x10a, []byte{0x0c}, nil))
	if res.State != exchange.StateCompleted {
		t.Fatalf("state = %v, want completed", res.State)
	}
	if res.RTT < 900*time.Millisecond {
		t.Errorf("delayed response arrived after %v, want >= 1s", res.RTT)
	}
}

func TestBadDelayPayload(t *testing.T) {
	_, tr := startClientServer(t, Config{}, quickParams)

	res := do(t, tr, request(coap.Confirmable, coap.POST, "/cf/delay", 0x10b, []byte{0x0d}, []byte("soon")))
	if res.Response.Code != coap.BadRequest {
		t.Errorf("code = %s, want 4.00", res.Response.Code.Dotted())
	}
}

func TestPing(t *testing.T) {
	_, tr := startClientServer(t, Config{}, quickParams)

	res := do(t, tr, coap.Message{Type: coap.Confirmable, Code: coap.Empty, MessageID: 0x10c})
	if res.State != exchange.StateCompleted || !res.Reset {
		t.Fatalf("ping result = %+v, want reset", res)
	}
}

func TestWellKnownCore(t *testing.T) {
	_, tr := startClientServer(t, Config{}, quickParams)

	res := do(t, tr, request(coap.Confirmable, coap.GET, "/.well-known/core", 0x10d, []byte{0x0e}, nil))
	resp := res.Response
	if resp.Code != coap.Content {
		t.Fatalf("code = %s", resp.Code.Dotted())
	}
	cf, ok := resp.OptionUint(coap.ContentFormat)
	if !ok || cf != uint32(coap.AppLinkFormat) {
		t.Errorf("content format = %d, want %d", cf, coap.AppLinkFormat)
	}
	body := string(resp.Payload)
	for _, link := range []string{"</ver>", "</toobig>", "</cf/delay>"} {
		if !strings.Contains(body, link) {
			t.Errorf("link format %q missing %q", body, link)
		}
	}
	if strings.Contains(body, ".well-known") {
		t.Errorf("link format lists the directory itself: %q", body)
	}
}

func TestRateLimitShedsExcess(t *testing.T) {
	_, tr := startClientServer(t, Config{RateLimit: 1, RateBurst: 1}, quickParams)

	res := do(t, tr, request(coap.Confirmable, coap.GET, "/ver", 0x10e, []byte{0x0f}, nil))
	if res.Response.Code != coap.Content {
		t.Fatalf("first request code = %s", res.Response.Code.Dotted())
	}

	res = do(t, tr, request(coap.Confirmable, coap.GET, "/ver", 0x10f, []byte{0x10}, nil))
	if res.Response.Code != coap.ServiceUnavailable {
		t.Errorf("second request code = %s, want 5.03", res.Response.Code.Dotted())
	}
}

func TestMalformedDatagramIgnored(t *testing.T) {
	srv, tr := startClientServer(t, Config{}, quickParams)

	raw, err := transport.Open(transport.Config{Address: "127.0.0.1:0", Logger: testLogger()})
	if err != nil {
		t.Fatalf("open raw endpoint: %v", err)
	}
	defer raw.Close()
	if err := raw.SendRaw([]byte{0x40, 0x01}, srv.LocalAddr()); err != nil {
		t.Fatalf("send raw: %v", err)
	}

	res := do(t, tr, request(coap.Confirmable, coap.GET, "/ver", 0x110, []byte{0x11}, nil))
	if res.Response.Code != coap.Content {
		t.Errorf("server unhealthy after malformed datagram: %s", res.Response.Code.Dotted())
	}
}
