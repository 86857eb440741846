// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

package main

import "github.com/kb2ma/gcoap-test/pkg/commands"

func main() {
	commands.Execute()
}
