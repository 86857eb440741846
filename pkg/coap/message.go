// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

package coap

import (
	"encoding/binary"
	"fmt"
	"strings"

	gerrors "github.com/kb2ma/gcoap-test/pkg/errors"
)

const (
	// Version is the only CoAP protocol version this codec speaks.
	Version = 1

	// MaxTokenLength caps the token field; larger TKL values are reserved.
	MaxTokenLength = 8

	payloadMarker = 0xff
)

/*
   Message layout (RFC 7252 section 3):

     0                   1                   2                   3
    0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
   |Ver| T |  TKL  |      Code     |          Message ID           |
   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
   |   Token (if any, TKL bytes) ...
   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
   |   Options (if any) ...
   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
   |1 1 1 1 1 1 1 1|    Payload (if any) ...
   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
*/

// Message is a CoAP message.
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     []byte
	Options   Options
	Payload   []byte
}

// NewAck builds the empty acknowledgement for a Confirmable message.
func NewAck(mid uint16) Message {
	return Message{Type: Acknowledgement, Code: Empty, MessageID: mid}
}

// NewReset builds the empty reset for a message that cannot be processed.
func NewReset(mid uint16) Message {
	return Message{Type: Reset, Code: Empty, MessageID: mid}
}

// IsConfirmable reports whether the message requires an acknowledgement.
func (m Message) IsConfirmable() bool {
	return m.Type == Confirmable
}

// IsEmpty reports whether the message is an empty (code 0.00) message.
func (m Message) IsEmpty() bool {
	return m.Code == Empty
}

// MarshalBinary encodes the message into its wire form. Options are
// written in wire order regardless of insertion order.
func (m Message) MarshalBinary() ([]byte, error) {
	if len(m.Token) > MaxTokenLength {
		return nil, fmt.Errorf("%w: token is %d bytes", gerrors.ErrMalformedMessage, len(m.Token))
	}
	if m.Code == Empty && (len(m.Token) > 0 || len(m.Options) > 0 || len(m.Payload) > 0) {
		return nil, fmt.Errorf("%w: empty message carries token, options or payload", gerrors.ErrMalformedMessage)
	}

	buf := make([]byte, 0, 4+len(m.Token)+8*len(m.Options)+len(m.Payload))
	buf = append(buf,
		Version<<6|uint8(m.Type)<<4|uint8(len(m.Token)),
		byte(m.Code),
		byte(m.MessageID>>8), byte(m.MessageID),
	)
	buf = append(buf, m.Token...)

	prev := 0
	for _, opt := range m.Options.Sorted() {
		if len(opt.Value) > maxOptionLength {
			return nil, fmt.Errorf("%w: %v value is %d bytes", gerrors.ErrMalformedMessage, opt.ID, len(opt.Value))
		}
		buf = appendOptionHeader(buf, int(opt.ID)-prev, len(opt.Value))
		buf = append(buf, opt.Value...)
		prev = int(opt.ID)
	}

	if len(m.Payload) > 0 {
		buf = append(buf, payloadMarker)
		buf = append(buf, m.Payload...)
	}
	return buf, nil
}

// ParseMessage decodes a datagram. Failures wrap errors.ErrMalformedMessage.
// The returned message does not alias data.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if len(data) < 4 {
		return m, fmt.Errorf("%w: %d-byte datagram", gerrors.ErrMalformedMessage, len(data))
	}
	if ver := data[0] >> 6; ver != Version {
		return m, fmt.Errorf("%w: version %d", gerrors.ErrMalformedMessage, ver)
	}
	m.Type = Type(data[0] >> 4 & 0x3)
	tkl := int(data[0] & 0xf)
	if tkl > MaxTokenLength {
		return m, fmt.Errorf("%w: token length %d", gerrors.ErrMalformedMessage, tkl)
	}
	m.Code = Code(data[1])
	m.MessageID = binary.BigEndian.Uint16(data[2:4])

	// An empty message is exactly the 4-byte header (RFC 7252 section 4.1).
	if m.Code == Empty && len(data) > 4 {
		return m, fmt.Errorf("%w: empty message with %d trailing bytes", gerrors.ErrMalformedMessage, len(data)-4)
	}

	b := data[4:]
	if len(b) < tkl {
		return m, fmt.Errorf("%w: truncated token", gerrors.ErrMalformedMessage)
	}
	if tkl > 0 {
		m.Token = append([]byte(nil), b[:tkl]...)
		b = b[tkl:]
	}

	prev := 0
	for len(b) > 0 {
		if b[0] == payloadMarker {
			if len(b) == 1 {
				return m, fmt.Errorf("%w: payload marker with no payload", gerrors.ErrMalformedMessage)
			}
			m.Payload = append([]byte(nil), b[1:]...)
			return m, nil
		}

		dn := int(b[0] >> 4)
		ln := int(b[0] & 0x0f)
		if dn == nibbleReserved || ln == nibbleReserved {
			return m, fmt.Errorf("%w: reserved option nibble", gerrors.ErrMalformedMessage)
		}
		b = b[1:]

		var delta, length int
		var err error
		if delta, b, err = readExtend(dn, b); err != nil {
			return m, fmt.Errorf("%w: %v", gerrors.ErrMalformedMessage, err)
		}
		if length, b, err = readExtend(ln, b); err != nil {
			return m, fmt.Errorf("%w: %v", gerrors.ErrMalformedMessage, err)
		}
		if len(b) < length {
			return m, fmt.Errorf("%w: truncated option value", gerrors.ErrMalformedMessage)
		}

		prev += delta
		if prev > int(^uint16(0)) {
			return m, fmt.Errorf("%w: option number %d out of range", gerrors.ErrMalformedMessage, prev)
		}
		var value []byte
		if length > 0 {
			value = append([]byte(nil), b[:length]...)
		}
		m.Options = append(m.Options, Option{ID: OptionID(prev), Value: value})
		b = b[length:]
	}
	return m, nil
}

// OptionValues returns the values of every instance of the given option,
// in message order.
func (m Message) OptionValues(id OptionID) [][]byte {
	var rv [][]byte
	for _, opt := range m.Options {
		if opt.ID == id {
			rv = append(rv, opt.Value)
		}
	}
	return rv
}

// Option returns the first instance of the given option.
func (m Message) Option(id OptionID) ([]byte, bool) {
	for _, opt := range m.Options {
		if opt.ID == id {
			return opt.Value, true
		}
	}
	return nil, false
}

// OptionUint returns the first instance of a uint option.
func (m Message) OptionUint(id OptionID) (uint32, bool) {
	v, ok := m.Option(id)
	if !ok {
		return 0, false
	}
	return DecodeUint(v), true
}

// AddOption appends an option instance.
func (m *Message) AddOption(id OptionID, value []byte) {
	m.Options = append(m.Options, Option{ID: id, Value: value})
}

// AddOptionUint appends a uint option in minimal-length encoding.
func (m *Message) AddOptionUint(id OptionID, v uint32) {
	m.AddOption(id, EncodeUint(v))
}

// SetOption replaces every instance of the option with a single value.
func (m *Message) SetOption(id OptionID, value []byte) {
	m.RemoveOption(id)
	m.AddOption(id, value)
}

// SetOptionUint replaces every instance of the option with a uint value.
func (m *Message) SetOptionUint(id OptionID, v uint32) {
	m.SetOption(id, EncodeUint(v))
}

// RemoveOption removes every instance of the option.
func (m *Message) RemoveOption(id OptionID) {
	m.Options = m.Options.Minus(id)
}

// Path returns the Uri-Path segments.
func (m Message) Path() []string {
	var rv []string
	for _, v := range m.OptionValues(URIPath) {
		rv = append(rv, string(v))
	}
	return rv
}

// PathString returns the request path with a leading slash, "/" when no
// Uri-Path options are present.
func (m Message) PathString() string {
	return "/" + strings.Join(m.Path(), "/")
}

// SetPath replaces the Uri-Path options with the given segments.
func (m *Message) SetPath(segments []string) {
	m.RemoveOption(URIPath)
	for _, s := range segments {
		m.AddOption(URIPath, []byte(s))
	}
}

// SetPathString replaces the Uri-Path options from a slash-separated
// path. Empty segments are dropped.
func (m *Message) SetPathString(s string) {
	var segments []string
	for _, seg := range strings.Split(s, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	m.SetPath(segments)
}

// Queries returns the Uri-Query option values.
func (m Message) Queries() []string {
	var rv []string
	for _, v := range m.OptionValues(URIQuery) {
		rv = append(rv, string(v))
	}
	return rv
}

// AddQuery appends one Uri-Query option.
func (m *Message) AddQuery(q string) {
	m.AddOption(URIQuery, []byte(q))
}

func (m Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v %v mid=%d", m.Type, m.Code, m.MessageID)
	if len(m.Token) > 0 {
		fmt.Fprintf(&b, " tok=%x", m.Token)
	}
	if p := m.PathString(); p != "/" {
		fmt.Fprintf(&b, " path=%s", p)
	}
	if len(m.Payload) > 0 {
		fmt.Fprintf(&b, " payload=%dB", len(m.Payload))
	}
	return b.String()
}
