// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

// Package coap implements the RFC 7252 message codec: types, codes,
// options and the binary wire format.
package coap
