// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

// Package errors provides the error classes shared across gcoap-test.
package errors

import (
	"errors"
	"fmt"
)

// Common error classes. Packages wrap these with fmt.Errorf("...: %w", ...)
// and callers classify with errors.Is.
var (
	// ErrMalformedMessage indicates a datagram that does not decode as a
	// CoAP message. Never fatal to a run; the datagram is discarded.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrTimeout indicates an exchange exhausted its retransmission
	// budget, or a receive deadline expired.
	ErrTimeout = errors.New("timeout")

	// ErrSocket indicates an OS-level socket failure. Fatal to the run.
	ErrSocket = errors.New("socket error")

	// ErrConfig indicates an invalid configuration or test case
	// definition, detected before any network I/O.
	ErrConfig = errors.New("configuration error")

	// ErrDuplicateExchange indicates a send was rejected because its
	// message ID or token is already in flight.
	ErrDuplicateExchange = errors.New("duplicate exchange")

	// ErrRunAborted indicates the global run deadline expired or the run
	// was cancelled before all cases executed.
	ErrRunAborted = errors.New("run aborted")

	// ErrClosed indicates use of an endpoint or tracker after Close.
	ErrClosed = errors.New("endpoint closed")
)

// ExchangeError wraps an error with the context of a single exchange.
type ExchangeError struct {
	Op     string // operation that failed (send, receive, match)
	Target string // remote address
	MID    uint16 // message ID of the exchange, if known
	Err    error
}

func (e *ExchangeError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s %s mid=%d: %v", e.Op, e.Target, e.MID, e.Err)
	}
	return fmt.Sprintf("%s mid=%d: %v", e.Op, e.MID, e.Err)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// NewExchange wraps err with exchange context, or returns nil if err is nil.
func NewExchange(op, target string, mid uint16, err error) error {
	if err == nil {
		return nil
	}
	return &ExchangeError{Op: op, Target: target, MID: mid, Err: err}
}

// Wrap adds a message prefix, preserving the wrapped class.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
