// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

// Package commands wires the gcoaptest command line: run executes a
// scenario against a server, serve runs the test server with its fault
// injection resources, and observe follows notification streams.
// Configuration is drawn from GCOAPTEST_* environment variables, a
// .env file, and flags, in rising order of precedence.
package commands
