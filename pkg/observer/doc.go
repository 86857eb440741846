// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

// Package observer implements the observe side of gcoap testing: it
// registers for notifications from a gcoap server, prints each one,
// and answers confirmable notifications with an acknowledgement, a
// reset, or silence. A CoAP command listener one port above the
// client socket drives registration and the notification action at
// runtime, so a test harness can steer the observer remotely.
package observer
