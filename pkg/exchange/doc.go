// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

// Package exchange tracks CoAP request/response exchanges: message ID
// and token matching, the RFC 7252 retransmission schedule, and the
// routing of unmatched messages such as observe notifications.
package exchange
