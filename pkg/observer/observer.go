// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

package observer

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kb2ma/gcoap-test/pkg/coap"
	gerrors "github.com/kb2ma/gcoap-test/pkg/errors"
	"github.com/kb2ma/gcoap-test/pkg/exchange"
	"github.com/kb2ma/gcoap-test/pkg/metrics"
	"github.com/kb2ma/gcoap-test/pkg/transport"
)

// NotifAction selects the reply sent for observe notifications.
type NotifAction string

const (
	// ActionAck acknowledges confirmable notifications and stays
	// registered. The default.
	ActionAck NotifAction = "ack"

	// ActionConReset rejects confirmable notifications with a reset,
	// which deregisters this observer on the server.
	ActionConReset NotifAction = "con_reset"

	// ActionConIgnore leaves confirmable notifications unanswered, so
	// the server deregisters the observer once its retransmissions
	// lapse.
	ActionConIgnore NotifAction = "con_ignore"

	// ActionNonReset rejects non-confirmable notifications with a
	// reset. Confirmable notifications are left unanswered.
	ActionNonReset NotifAction = "non_reset"
)

// ParseAction converts an action name into a notification action. The
// empty string selects ActionAck.
func ParseAction(s string) (NotifAction, error) {
	switch NotifAction(s) {
	case "":
		return ActionAck, nil
	case ActionAck, ActionConReset, ActionConIgnore, ActionNonReset:
		return NotifAction(s), nil
	}
	return "", fmt.Errorf("%w: unknown notification action %q", gerrors.ErrConfig, s)
}

// targets maps the short resource names accepted by commands to the
// gcoap paths they observe.
var targets = map[string]string{
	"stats":  "/cli/stats",
	"stats2": "/cli/stats2",
	"core":   "/.well-known/core",
}

// Config holds the observer configuration.
type Config struct {
	// Target is the address (host:port) of the observed server.
	Target string

	// LocalAddress is the client bind address (host:port).
	// Notifications arrive on this socket for as long as the process
	// runs, so a fixed port is usual. The command listener binds the
	// next port up.
	LocalAddress string

	// Action is the initial notification action. Empty means ActionAck.
	Action NotifAction

	// Output receives a line per notification. If nil, uses os.Stdout.
	Output io.Writer

	// Logger for observer events.
	Logger *slog.Logger

	// Metrics receives observer counters when set.
	Metrics *metrics.Metrics
}

// Observer subscribes to observe notifications and prints each one as
// it arrives. A companion command listener lets a remote tester drive
// registration and notification behavior mid-run.
type Observer struct {
	config   Config
	peer     *net.UDPAddr
	client   *transport.Endpoint
	commands *transport.Endpoint
	tracker  *exchange.Tracker
	mids     *exchange.MIDSource
	tokens   *exchange.TokenSource
	logger   *slog.Logger
	out      io.Writer

	mu            sync.Mutex
	action        NotifAction
	registrations map[string][]byte
}

// New creates an observer and binds its sockets, the client socket at
// the configured address and the command listener one port up.
func New(cfg Config) (*Observer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	action, err := ParseAction(string(cfg.Action))
	if err != nil {
		return nil, err
	}
	if cfg.Target == "" {
		return nil, fmt.Errorf("%w: no target address", gerrors.ErrConfig)
	}
	peer, err := transport.Resolve(cfg.Target)
	if err != nil {
		return nil, err
	}

	client, commands, err := openEndpoints(cfg)
	if err != nil {
		return nil, err
	}

	o := &Observer{
		config:   cfg,
		peer:     peer,
		client:   client,
		commands: commands,
		mids:     exchange.NewMIDSource(),
		tokens:   exchange.NewTokenSource(),
		logger: cfg.Logger.With(
			slog.String("session_id", uuid.NewString())),
		out:           cfg.Output,
		action:        action,
		registrations: make(map[string][]byte),
	}
	o.tracker = exchange.NewTracker(client, peer, exchange.TransmissionParams{}, o.logger)
	o.tracker.OnUnmatched(o.handleNotification)
	return o, nil
}

// openEndpoints binds the client socket and the command socket one
// port up. An ephemeral client port can land next to a taken port, so
// the pair is retried on a fresh port.
func openEndpoints(cfg Config) (client, commands *transport.Endpoint, err error) {
	fixed := false
	if _, port, splitErr := net.SplitHostPort(cfg.LocalAddress); splitErr == nil {
		fixed = port != "" && port != "0"
	}

	for attempt := 0; ; attempt++ {
		client, err = transport.Open(transport.Config{Address: cfg.LocalAddress, Logger: cfg.Logger})
		if err != nil {
			return nil, nil, err
		}
		addr := *client.LocalAddr()
		addr.Port++
		commands, err = transport.Open(transport.Config{Address: addr.String(), Logger: cfg.Logger})
		if err == nil {
			return client, commands, nil
		}
		client.Close()
		if fixed || attempt == 4 {
			return nil, nil, err
		}
	}
}

// Run serves notifications and commands until ctx is cancelled.
func (o *Observer) Run(ctx context.Context) error {
	o.logger.Info("observer started",
		slog.String("target", o.peer.String()),
		slog.String("listen", o.client.LocalAddr().String()),
		slog.String("commands", o.commands.LocalAddr().String()),
		slog.String("action", string(o.Action())))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.tracker.Listen(ctx) })
	g.Go(func() error { return o.serveCommands(ctx) })
	return g.Wait()
}

// LocalAddr returns the bound client address receiving notifications.
func (o *Observer) LocalAddr() *net.UDPAddr {
	return o.client.LocalAddr()
}

// CommandAddr returns the bound command listener address.
func (o *Observer) CommandAddr() *net.UDPAddr {
	return o.commands.LocalAddr()
}

// Action returns the current notification action.
func (o *Observer) Action() NotifAction {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.action
}

// SetAction changes how later notifications are answered.
func (o *Observer) SetAction(a NotifAction) {
	o.mu.Lock()
	o.action = a
	o.mu.Unlock()
	o.logger.Info("notification action set", slog.String("action", string(a)))
}

// Registrations returns the short names currently registered, sorted.
func (o *Observer) Registrations() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.registrations))
	for name := range o.registrations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register subscribes to notifications for a short resource name,
// under a fresh two byte token when token is nil. Registering a name
// again replaces its token.
func (o *Observer) Register(name string, token []byte) error {
	path, ok := targets[name]
	if !ok {
		return fmt.Errorf("%w: unknown observe resource %q", gerrors.ErrConfig, name)
	}
	if token == nil {
		token = o.tokens.Next()
	}
	token = append([]byte(nil), token...)

	m := coap.Message{
		Type:      coap.NonConfirmable,
		Code:      coap.GET,
		MessageID: o.mids.Next(),
		Token:     token,
	}
	m.SetPathString(path)
	m.SetOptionUint(coap.Observe, 0)

	// The registration goes untracked: notifications reuse its token,
	// so every one of them must reach the unmatched hook, the first
	// included.
	o.mu.Lock()
	o.registrations[name] = token
	o.mu.Unlock()

	if err := o.client.Send(m, o.peer); err != nil {
		return err
	}
	o.logger.Info("registered for notifications",
		slog.String("path", path),
		slog.String("token", hex.EncodeToString(token)))
	o.setGauge()
	return nil
}

// Deregister ends the subscription for a short resource name. The
// registration is dropped without waiting for a server reply.
func (o *Observer) Deregister(name string) error {
	o.mu.Lock()
	token, ok := o.registrations[name]
	if ok {
		delete(o.registrations, name)
	}
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q is not registered", gerrors.ErrConfig, name)
	}

	m := coap.Message{
		Type:      coap.NonConfirmable,
		Code:      coap.GET,
		MessageID: o.mids.Next(),
		Token:     token,
	}
	m.SetPathString(targets[name])
	m.SetOptionUint(coap.Observe, 1)

	if err := o.client.Send(m, o.peer); err != nil {
		return err
	}
	o.logger.Info("deregistered from notifications",
		slog.String("path", targets[name]),
		slog.String("token", hex.EncodeToString(token)))
	o.setGauge()
	return nil
}

// handleNotification consumes messages carrying a registered token,
// prints them, and answers per the configured action.
func (o *Observer) handleNotification(m coap.Message, from *net.UDPAddr) bool {
	if m.Type != coap.Confirmable && m.Type != coap.NonConfirmable {
		return false
	}
	path, ok := o.pathForToken(m.Token)
	if !ok {
		return false
	}

	obs := "none"
	if v, hasObs := m.OptionUint(coap.Observe); hasObs {
		obs = strconv.FormatUint(uint64(v), 10)
	}
	fmt.Fprintf(o.out, "notification %s: %s, observe %s\n", path, m.Code.Dotted(), obs)

	action := o.Action()
	reply := "none"
	switch m.Type {
	case coap.Confirmable:
		switch action {
		case ActionAck:
			o.send(o.client, coap.NewAck(m.MessageID), from)
			reply = "ack"
		case ActionConReset:
			o.send(o.client, coap.NewReset(m.MessageID), from)
			reply = "reset"
		}
	case coap.NonConfirmable:
		if action == ActionNonReset {
			o.send(o.client, coap.NewReset(m.MessageID), from)
			reply = "reset"
		}
	}

	o.logger.Debug("notification handled",
		slog.String("path", path),
		slog.String("type", m.Type.String()),
		slog.String("reply", reply))
	if o.config.Metrics != nil {
		o.config.Metrics.Notifications.WithLabelValues(m.Type.String(), reply).Inc()
	}
	return true
}

func (o *Observer) pathForToken(token []byte) (string, bool) {
	if len(token) == 0 {
		return "", false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for name, t := range o.registrations {
		if bytes.Equal(t, token) {
			return targets[name], true
		}
	}
	return "", false
}

func (o *Observer) setGauge() {
	if o.config.Metrics == nil {
		return
	}
	o.mu.Lock()
	n := len(o.registrations)
	o.mu.Unlock()
	o.config.Metrics.ObserveRegistrations.Set(float64(n))
}

func (o *Observer) send(ep *transport.Endpoint, m coap.Message, to *net.UDPAddr) {
	if err := ep.Send(m, to); err != nil {
		o.logger.Warn("failed to send",
			slog.String("to", to.String()),
			slog.String("error", err.Error()))
	}
}
