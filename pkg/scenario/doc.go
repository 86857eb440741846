// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

// Package scenario loads YAML test scenarios: an ordered list of CoAP
// request cases with expectations about the responses. Scenarios are
// validated fully at load time, before any network I/O.
package scenario
