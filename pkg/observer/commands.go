// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

package observer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/kb2ma/gcoap-test/pkg/coap"
	gerrors "github.com/kb2ma/gcoap-test/pkg/errors"
	"github.com/kb2ma/gcoap-test/pkg/server"
)

// serveCommands handles the command listener until ctx is cancelled or
// the socket fails.
func (o *Observer) serveCommands(ctx context.Context) error {
	readDone := make(chan struct{})
	var readErr error

	go func() {
		defer close(readDone)
		for {
			m, from, err := o.commands.Receive(0)
			switch {
			case err == nil:
				o.handleCommand(m, from)
			case errors.Is(err, gerrors.ErrMalformedMessage):
				o.logger.Warn("discarding malformed command",
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
		o.commands.Close()
		<-readDone
		return nil
	case <-readDone:
		return readErr
	}
}

// handleCommand runs one remote command. Commands are POST requests;
// the path selects the command and a register command may carry its
// token as the query string, like /reg/stats?05a6.
func (o *Observer) handleCommand(m coap.Message, from *net.UDPAddr) {
	if m.IsEmpty() {
		if m.Type == coap.Confirmable {
			o.send(o.commands, coap.NewReset(m.MessageID), from)
		}
		return
	}
	if !m.Code.IsRequest() {
		o.logger.Debug("ignoring non-request command",
			slog.String("client", from.String()),
			slog.String("message", m.String()))
		return
	}

	code := coap.MethodNotAllowed
	if m.Code == coap.POST {
		code = o.runCommand(m)
	}

	resp := server.Reply(m, code, nil)
	if resp.Type == coap.NonConfirmable {
		resp.MessageID = o.mids.Next()
	}
	o.send(o.commands, *resp, from)

	o.logger.Debug("handled command",
		slog.String("client", from.String()),
		slog.String("path", m.PathString()),
		slog.String("code", code.Dotted()))
}

func (o *Observer) runCommand(m coap.Message) coap.Code {
	path := m.PathString()
	switch {
	case strings.HasPrefix(path, "/reg/"):
		token, err := commandToken(m.Queries())
		if err != nil {
			o.logger.Warn("rejecting register command", slog.String("error", err.Error()))
			return coap.BadRequest
		}
		if err := o.Register(strings.TrimPrefix(path, "/reg/"), token); err != nil {
			o.logger.Warn("register command failed", slog.String("error", err.Error()))
			return coap.NotFound
		}
		return coap.Changed

	case strings.HasPrefix(path, "/dereg/"):
		if err := o.Deregister(strings.TrimPrefix(path, "/dereg/")); err != nil {
			o.logger.Warn("deregister command failed", slog.String("error", err.Error()))
			return coap.NotFound
		}
		return coap.Changed

	case strings.HasPrefix(path, "/notif/"):
		name := strings.TrimPrefix(path, "/notif/")
		action, err := ParseAction(name)
		if err != nil || name == "" {
			return coap.NotFound
		}
		o.SetAction(action)
		return coap.Changed

	case path == "/ping":
		o.logger.Info("command ping")
		return coap.Changed
	}
	return coap.NotFound
}

// commandToken decodes a register command's token from its query
// string. No query means the caller wants a generated token.
func commandToken(queries []string) ([]byte, error) {
	if len(queries) == 0 {
		return nil, nil
	}
	token, err := hex.DecodeString(queries[0])
	if err != nil {
		return nil, fmt.Errorf("%w: token %q: %v", gerrors.ErrConfig, queries[0], err)
	}
	if len(token) == 0 || len(token) > 8 {
		return nil, fmt.Errorf("%w: token %q: need 1 to 8 bytes", gerrors.ErrConfig, queries[0])
	}
	return token, nil
}
