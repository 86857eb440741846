// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

// Package transport provides the UDP endpoint used by both the test
// driver and the test server.
package transport
