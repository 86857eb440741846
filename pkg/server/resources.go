// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

package server

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kb2ma/gcoap-test/pkg/coap"
)

const tooBigChunk = "1234567890"

func (s *Server) registerBuiltins() {
	s.Handle(coap.GET, "/ver", s.handleVersion)
	s.Handle(coap.GET, "/toobig", s.handleTooBig)
	s.Handle(coap.GET, "/ignore", s.handleIgnore)
	s.Handle(coap.POST, "/cf/delay", s.handleDelay)
	s.Handle(coap.PUT, "/ver/ignores", s.handleVerIgnores)
	s.Handle(coap.GET, "/.well-known/core", s.handleCore)
}

// handleVersion serves the program version. While an ignore budget
// from /ver/ignores remains, requests are dropped without a response.
func (s *Server) handleVersion(ctx context.Context, req coap.Message, from *net.UDPAddr) *coap.Message {
	if s.takeVerIgnore() {
		s.config.Logger.Debug("ignoring /ver request",
			slog.String("client", from.String()))
		return nil
	}
	s.pause(ctx)
	return Reply(req, coap.Content, []byte(s.config.Version))
}

// handleTooBig serves a 130-byte payload, which overflows gcoap's
// 128-byte PDU buffer.
func (s *Server) handleTooBig(ctx context.Context, req coap.Message, from *net.UDPAddr) *coap.Message {
	s.pause(ctx)
	return Reply(req, coap.Content, []byte(strings.Repeat(tooBigChunk, 13)))
}

func (s *Server) handleIgnore(ctx context.Context, req coap.Message, from *net.UDPAddr) *coap.Message {
	s.pause(ctx)
	return nil
}

// handleDelay sets the delay applied to later responses from the
// payload, in decimal seconds. The confirmation itself is not delayed.
func (s *Server) handleDelay(ctx context.Context, req coap.Message, from *net.UDPAddr) *coap.Message {
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(req.Payload)), 64)
	if err != nil || secs < 0 {
		return Reply(req, coap.BadRequest, nil)
	}
	d := time.Duration(secs * float64(time.Second))

	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()

	s.config.Logger.Info("response delay set", slog.Duration("delay", d))
	return Reply(req, coap.Changed, nil)
}

// handleVerIgnores arms /ver to drop the next N requests, exercising
// client retransmission.
func (s *Server) handleVerIgnores(ctx context.Context, req coap.Message, from *net.UDPAddr) *coap.Message {
	n, err := strconv.Atoi(strings.TrimSpace(string(req.Payload)))
	if err != nil || n < 0 {
		return Reply(req, coap.BadRequest, nil)
	}

	s.mu.Lock()
	s.verIgnores = n
	s.mu.Unlock()

	s.config.Logger.Info("arming /ver ignores", slog.Int("count", n))
	return Reply(req, coap.Changed, nil)
}

func (s *Server) takeVerIgnore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.verIgnores > 0 {
		s.verIgnores--
		return true
	}
	return false
}

// handleCore serves the resource directory in link format.
func (s *Server) handleCore(ctx context.Context, req coap.Message, from *net.UDPAddr) *coap.Message {
	s.pause(ctx)
	resp := Reply(req, coap.Content, []byte(s.linkFormat()))
	resp.AddOptionUint(coap.ContentFormat, uint32(coap.AppLinkFormat))
	return resp
}

func (s *Server) linkFormat() string {
	var paths []string
	for p := range s.known {
		if strings.HasPrefix(p, "/.well-known") {
			continue
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)

	links := make([]string, len(paths))
	for i, p := range paths {
		links[i] = "<" + p + ">"
	}
	return strings.Join(links, ",")
}
