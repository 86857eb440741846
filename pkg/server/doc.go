// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

// Package server implements the CoAP test server: a UDP listener with
// a worker pool and a set of resources designed to provoke client
// edge cases, such as oversized payloads, dropped requests, and
// delayed responses.
package server
