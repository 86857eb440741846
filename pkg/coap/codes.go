// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

package coap

import (
	"fmt"
	"strconv"
	"strings"
)

// Type is the CoAP message type carried in the T field of the header.
type Type uint8

const (
	// Confirmable messages require an acknowledgement.
	Confirmable Type = 0

	// NonConfirmable messages are fire-and-forget.
	NonConfirmable Type = 1

	// Acknowledgement acknowledges a Confirmable message.
	Acknowledgement Type = 2

	// Reset indicates a received message could not be processed.
	Reset Type = 3
)

var typeNames = [4]string{
	Confirmable:     "CON",
	NonConfirmable:  "NON",
	Acknowledgement: "ACK",
	Reset:           "RST",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Unknown (0x%x)", uint8(t))
}

// ParseType converts a textual message type ("CON", "NON", "ACK", "RST",
// long forms accepted) into a Type.
func ParseType(s string) (Type, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CON", "CONFIRMABLE":
		return Confirmable, nil
	case "NON", "NONCONFIRMABLE", "NON-CONFIRMABLE":
		return NonConfirmable, nil
	case "ACK", "ACKNOWLEDGEMENT":
		return Acknowledgement, nil
	case "RST", "RESET":
		return Reset, nil
	}
	return 0, fmt.Errorf("unknown message type %q", s)
}

// Code is the CoAP message code: a 3-bit class and a 5-bit detail,
// conventionally written class.detail (for example 2.05).
type Code uint8

// Request codes.
const (
	Empty  Code = 0
	GET    Code = 1
	POST   Code = 2
	PUT    Code = 3
	DELETE Code = 4
)

// Response codes.
const (
	Created                  Code = 65  // 2.01
	Deleted                  Code = 66  // 2.02
	Valid                    Code = 67  // 2.03
	Changed                  Code = 68  // 2.04
	Content                  Code = 69  // 2.05
	BadRequest               Code = 128 // 4.00
	Unauthorized             Code = 129 // 4.01
	BadOption                Code = 130 // 4.02
	Forbidden                Code = 131 // 4.03
	NotFound                 Code = 132 // 4.04
	MethodNotAllowed         Code = 133 // 4.05
	NotAcceptable            Code = 134 // 4.06
	PreconditionFailed       Code = 140 // 4.12
	RequestEntityTooLarge    Code = 141 // 4.13
	UnsupportedContentFormat Code = 143 // 4.15
	InternalServerError      Code = 160 // 5.00
	NotImplemented           Code = 161 // 5.01
	BadGateway               Code = 162 // 5.02
	ServiceUnavailable       Code = 163 // 5.03
	GatewayTimeout           Code = 164 // 5.04
	ProxyingNotSupported     Code = 165 // 5.05
)

var codeNames = [256]string{
	Empty:                    "Empty",
	GET:                      "GET",
	POST:                     "POST",
	PUT:                      "PUT",
	DELETE:                   "DELETE",
	Created:                  "Created",
	Deleted:                  "Deleted",
	Valid:                    "Valid",
	Changed:                  "Changed",
	Content:                  "Content",
	BadRequest:               "BadRequest",
	Unauthorized:             "Unauthorized",
	BadOption:                "BadOption",
	Forbidden:                "Forbidden",
	NotFound:                 "NotFound",
	MethodNotAllowed:         "MethodNotAllowed",
	NotAcceptable:            "NotAcceptable",
	PreconditionFailed:       "PreconditionFailed",
	RequestEntityTooLarge:    "RequestEntityTooLarge",
	UnsupportedContentFormat: "UnsupportedContentFormat",
	InternalServerError:      "InternalServerError",
	NotImplemented:           "NotImplemented",
	BadGateway:               "BadGateway",
	ServiceUnavailable:       "ServiceUnavailable",
	GatewayTimeout:           "GatewayTimeout",
	ProxyingNotSupported:     "ProxyingNotSupported",
}

func init() {
	for i := range codeNames {
		if codeNames[i] == "" {
			codeNames[i] = fmt.Sprintf("Unknown (0x%x)", i)
		}
	}
}

func (c Code) String() string {
	return codeNames[c]
}

// Class returns the 3-bit code class (0 request, 2 success, 4 client
// error, 5 server error).
func (c Code) Class() uint8 {
	return uint8(c) >> 5
}

// Detail returns the 5-bit code detail.
func (c Code) Detail() uint8 {
	return uint8(c) & 0x1f
}

// Dotted renders the code in class.detail notation, e.g. "2.05".
func (c Code) Dotted() string {
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// IsRequest reports whether the code is a request method (class 0,
// detail nonzero).
func (c Code) IsRequest() bool {
	return c.Class() == 0 && c != Empty
}

// IsResponse reports whether the code is a response (class 2, 4 or 5).
func (c Code) IsResponse() bool {
	cl := c.Class()
	return cl == 2 || cl == 4 || cl == 5
}

// ParseCode converts either a method/response name ("GET", "Content") or
// dotted notation ("0.01", "2.05") into a Code.
func ParseCode(s string) (Code, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty code")
	}
	if cl, detail, ok := strings.Cut(s, "."); ok {
		c, err := strconv.ParseUint(cl, 10, 8)
		if err != nil || c > 7 {
			return 0, fmt.Errorf("bad code class in %q", s)
		}
		d, err := strconv.ParseUint(detail, 10, 8)
		if err != nil || d > 31 {
			return 0, fmt.Errorf("bad code detail in %q", s)
		}
		return Code(c<<5 | d), nil
	}
	for i, name := range codeNames {
		if strings.EqualFold(name, s) {
			return Code(i), nil
		}
	}
	return 0, fmt.Errorf("unknown code %q", s)
}
