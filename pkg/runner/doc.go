// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

// Package runner executes scenario cases against a CoAP server and
// maps each exchange to a pass, fail, or error outcome.
package runner
