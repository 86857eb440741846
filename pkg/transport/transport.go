// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kb2ma/gcoap-test/pkg/coap"
	gerrors "github.com/kb2ma/gcoap-test/pkg/errors"
)

const (
	// MaxDatagramSize is the largest datagram the endpoint will accept.
	MaxDatagramSize = 65535

	// DefaultBufferSize is the default size of datagram read buffers.
	DefaultBufferSize = 8192

	// LevelTrace logs raw frame hex dumps, below slog.LevelDebug.
	LevelTrace = slog.Level(-8)
)

// Config holds the endpoint configuration.
type Config struct {
	// Address is the local bind address (host:port). An empty host binds
	// all interfaces; port 0 picks an ephemeral port.
	Address string

	// BufferSize is the size of datagram read buffers in bytes.
	// If 0, uses DefaultBufferSize.
	// Must not exceed MaxDatagramSize (65535).
	BufferSize int

	// ReadBufferSize sets the socket receive buffer size (SO_RCVBUF).
	// If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets the socket send buffer size (SO_SNDBUF).
	// If 0, uses system default.
	WriteBufferSize int

	// Logger for endpoint events
	Logger *slog.Logger
}

// Endpoint is a bound UDP socket that sends and receives CoAP messages.
// Send may be called from any goroutine; Receive is meant for a single
// reader loop.
type Endpoint struct {
	config     Config
	conn       *net.UDPConn
	bufferPool *sync.Pool
}

// Open binds a UDP socket with the given configuration.
func Open(cfg Config) (*Endpoint, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize > MaxDatagramSize {
		cfg.BufferSize = MaxDatagramSize
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", gerrors.ErrSocket, cfg.Address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen on %s: %v", gerrors.ErrSocket, cfg.Address, err)
	}

	// Configure socket buffer sizes if specified
	if cfg.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(cfg.ReadBufferSize); err != nil {
			cfg.Logger.Warn("failed to set read buffer size",
				slog.String("error", err.Error()))
		}
	}
	if cfg.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(cfg.WriteBufferSize); err != nil {
			cfg.Logger.Warn("failed to set write buffer size",
				slog.String("error", err.Error()))
		}
	}

	bufferPool := &sync.Pool{
		New: func() interface{} {
			buf := make([]byte, cfg.BufferSize)
			return &buf
		},
	}

	return &Endpoint{
		config:     cfg,
		conn:       conn,
		bufferPool: bufferPool,
	}, nil
}

// Resolve parses a peer address. Failures are configuration errors.
func Resolve(address string) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: peer address %q: %v", gerrors.ErrConfig, address, err)
	}
	return addr, nil
}

// LocalAddr returns the bound address, with the ephemeral port filled in.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// Send encodes a message and writes it to the peer.
func (e *Endpoint) Send(m coap.Message, addr *net.UDPAddr) error {
	data, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	return e.SendRaw(data, addr)
}

// SendRaw writes a pre-encoded datagram. Scenario steps use this to
// inject deliberately malformed frames.
func (e *Endpoint) SendRaw(data []byte, addr *net.UDPAddr) error {
	e.dumpFrame("send", data, addr)
	if _, err := e.conn.WriteToUDP(data, addr); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return gerrors.ErrClosed
		}
		return fmt.Errorf("%w: write to %s: %v", gerrors.ErrSocket, addr, err)
	}
	return nil
}

// Receive blocks for the next datagram and decodes it. A zero timeout
// blocks until the socket is closed. Decode failures wrap
// errors.ErrMalformedMessage and still report the sender so the caller
// can log and discard.
func (e *Endpoint) Receive(timeout time.Duration) (coap.Message, *net.UDPAddr, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := e.conn.SetReadDeadline(deadline); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return coap.Message{}, nil, gerrors.ErrClosed
		}
		return coap.Message{}, nil, fmt.Errorf("%w: set read deadline: %v", gerrors.ErrSocket, err)
	}

	bufPtr := e.bufferPool.Get().(*[]byte)
	defer e.bufferPool.Put(bufPtr)
	buffer := *bufPtr

	n, clientAddr, err := e.conn.ReadFromUDP(buffer)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return coap.Message{}, nil, gerrors.ErrTimeout
		}
		if errors.Is(err, net.ErrClosed) {
			return coap.Message{}, nil, gerrors.ErrClosed
		}
		return coap.Message{}, nil, fmt.Errorf("%w: read: %v", gerrors.ErrSocket, err)
	}

	e.dumpFrame("receive", buffer[:n], clientAddr)

	// ParseMessage copies what it keeps, so the buffer can go straight
	// back to the pool.
	m, err := coap.ParseMessage(buffer[:n])
	if err != nil {
		return coap.Message{}, clientAddr, err
	}
	return m, clientAddr, nil
}

// dumpFrame logs the raw datagram at LevelTrace, malformed frames
// included.
func (e *Endpoint) dumpFrame(dir string, data []byte, addr *net.UDPAddr) {
	if !e.config.Logger.Enabled(context.Background(), LevelTrace) {
		return
	}
	e.config.Logger.Log(context.Background(), LevelTrace, "frame",
		slog.String("dir", dir),
		slog.String("peer", addr.String()),
		slog.Int("len", len(data)),
		slog.String("hex", hex.EncodeToString(data)))
}

// Close closes the socket. Pending Receive calls return errors.ErrClosed.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}
