// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

package coap

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	gerrors "github.com/kb2ma/gcoap-test/pkg/errors"
)

func TestCodeNotation(t *testing.T) {
	tests := []struct {
		code   Code
		name   string
		dotted string
	}{
		{GET, "GET", "0.01"},
		{Changed, "Changed", "2.04"},
		{Content, "Content", "2.05"},
		{NotFound, "NotFound", "4.04"},
		{NotImplemented, "NotImplemented", "5.01"},
	}
	for _, test := range tests {
		if got := test.code.String(); got != test.name {
			t.Errorf("%d.String() = %q, want %q", test.code, got, test.name)
		}
		if got := test.code.Dotted(); got != test.dotted {
			t.Errorf("%s.Dotted() = %q, want %q", test.name, got, test.dotted)
		}
		if got, err := ParseCode(test.name); err != nil || got != test.code {
			t.Errorf("ParseCode(%q) = %v, %v, want %v", test.name, got, err, test.code)
		}
		if got, err := ParseCode(test.dotted); err != nil || got != test.code {
			t.Errorf("ParseCode(%q) = %v, %v, want %v", test.dotted, got, err, test.code)
		}
	}

	if GET.IsResponse() || !GET.IsRequest() {
		t.Errorf("GET classified as response")
	}
	if Content.IsRequest() || !Content.IsResponse() {
		t.Errorf("Content classified as request")
	}
	if Empty.IsRequest() {
		t.Errorf("Empty classified as request")
	}
	if _, err := ParseCode("2.99"); err == nil {
		t.Errorf("ParseCode accepted out-of-range detail")
	}
	if _, err := ParseCode("bogus"); err == nil {
		t.Errorf("ParseCode accepted unknown name")
	}
}

func TestParseType(t *testing.T) {
	for s, want := range map[string]Type{
		"CON": Confirmable,
		"NON": NonConfirmable,
		"ACK": Acknowledgement,
		"RST": Reset,
		"con": Confirmable,
	} {
		got, err := ParseType(s)
		if err != nil || got != want {
			t.Errorf("ParseType(%q) = %v, %v, want %v", s, got, err, want)
		}
	}
	if _, err := ParseType("FIN"); err == nil {
		t.Errorf("ParseType accepted unknown type")
	}
}

func TestUintCodec(t *testing.T) {
	tests := []struct {
		v   uint32
		enc []byte
	}{
		{0, nil},
		{13, []byte{0x0d}},
		{255, []byte{0xff}},
		{256, []byte{0x01, 0x00}},
		{0x4321, []byte{0x43, 0x21}},
		{0x123456, []byte{0x12, 0x34, 0x56}},
		{0xfa0b1c2d, []byte{0xfa, 0x0b, 0x1c, 0x2d}},
	}
	for _, test := range tests {
		if got := EncodeUint(test.v); !bytes.Equal(got, test.enc) {
			t.Errorf("EncodeUint(%d) = %#v, want %#v", test.v, got, test.enc)
		}
		if got := DecodeUint(test.enc); got != test.v {
			t.Errorf("DecodeUint(%#v) = %d, want %d", test.enc, got, test.v)
		}
	}
	// Oversized values keep the low-order bytes rather than panicking.
	if got := DecodeUint([]byte{0xff, 0x01, 0x02, 0x03, 0x04}); got != 0x01020304 {
		t.Errorf("DecodeUint(5 bytes) = %#x, want 0x01020304", got)
	}
}

func TestEncodeRequest(t *testing.T) {
	req := Message{
		Type:      Confirmable,
		Code:      GET,
		MessageID: 0x3039,
		Token:     []byte{0xd0, 0x74},
	}
	req.SetPathString("/ver")

	data, err := req.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() = %v", err)
	}
	// Header (CON GET, TKL 2), token, Uri-Path "ver".
	want := []byte{
		0x42, 0x01, 0x30, 0x39,
		0xd0, 0x74,
		0xb3, 0x76, 0x65, 0x72,
	}
	if !bytes.Equal(data, want) {
		t.Fatalf("MarshalBinary()\n got %#v\nwant %#v", data, want)
	}
}

func TestEncodeNormalizesOptionOrder(t *testing.T) {
	// Content-Format added first must still be written after Uri-Path,
	// and the two Uri-Path segments must keep their relative order.
	req := Message{
		Type:      NonConfirmable,
		Code:      POST,
		MessageID: 0x0001,
		Token:     []byte{0x21},
		Payload:   []byte("2500"),
	}
	req.AddOptionUint(ContentFormat, uint32(TextPlain))
	req.AddOption(URIPath, []byte("cf"))
	req.AddOption(URIPath, []byte("delay"))

	data, err := req.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() = %v", err)
	}
	// Header (NON POST, TKL 1), token, Uri-Path "cf", Uri-Path "delay",
	// Content-Format 0 (zero-length value), payload "2500".
	want := []byte{
		0x51, 0x02, 0x00, 0x01,
		0x21,
		0xb2, 0x63, 0x66,
		0x05, 0x64, 0x65, 0x6c, 0x61, 0x79,
		0x10,
		0xff, 0x32, 0x35, 0x30, 0x30,
	}
	if !bytes.Equal(data, want) {
		t.Fatalf("MarshalBinary()\n got %#v\nwant %#v", data, want)
	}
	// Insertion order on the message itself is untouched.
	if req.Options[0].ID != ContentFormat {
		t.Errorf("encode reordered the message's own options")
	}
}

func TestEncodeExtendedDelta(t *testing.T) {
	// No-Response (258) needs a one-byte extended delta: 258-13 = 245.
	m := Message{Type: Confirmable, Code: GET, MessageID: 0x0001}
	m.AddOptionUint(NoResponse, 2)

	data, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() = %v", err)
	}
	want := []byte{0x40, 0x01, 0x00, 0x01, 0xd1, 0xf5, 0x02}
	if !bytes.Equal(data, want) {
		t.Fatalf("MarshalBinary()\n got %#v\nwant %#v", data, want)
	}

	// Option number 65535 needs a two-byte extended delta: 65535-269 = 0xfef2.
	m = Message{Type: Confirmable, Code: GET, MessageID: 0x0001}
	m.AddOption(OptionID(65535), []byte{0x2a})

	data, err = m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() = %v", err)
	}
	want = []byte{0x40, 0x01, 0x00, 0x01, 0xe1, 0xfe, 0xf2, 0x2a}
	if !bytes.Equal(data, want) {
		t.Fatalf("MarshalBinary()\n got %#v\nwant %#v", data, want)
	}

	back, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage() = %v", err)
	}
	if v, ok := back.Option(OptionID(65535)); !ok || !bytes.Equal(v, []byte{0x2a}) {
		t.Errorf("round trip lost option 65535: %#v, %v", v, ok)
	}
}

func TestEncodeExtendedLength(t *testing.T) {
	// 300-byte Proxy-Uri: delta 35 -> 13+22, length 300 -> 14+31.
	value := bytes.Repeat([]byte{0x41}, 300)
	m := Message{Type: Confirmable, Code: GET, MessageID: 0x00ff}
	m.AddOption(ProxyURI, value)

	data, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() = %v", err)
	}
	wantHead := []byte{0x40, 0x01, 0x00, 0xff, 0xde, 0x16, 0x00, 0x1f}
	if !bytes.Equal(data[:8], wantHead) {
		t.Fatalf("option header = %#v, want %#v", data[:8], wantHead)
	}
	if len(data) != 8+300 {
		t.Fatalf("len(data) = %d, want %d", len(data), 8+300)
	}

	back, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage() = %v", err)
	}
	if v, _ := back.Option(ProxyURI); !bytes.Equal(v, value) {
		t.Errorf("round trip mangled 300-byte option value")
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	long := Message{Type: Confirmable, Code: GET, Token: bytes.Repeat([]byte{0x01}, 9)}
	if _, err := long.MarshalBinary(); !errors.Is(err, gerrors.ErrMalformedMessage) {
		t.Errorf("9-byte token: err = %v", err)
	}

	impure := Message{Type: Acknowledgement, Code: Empty, Payload: []byte("x")}
	if _, err := impure.MarshalBinary(); !errors.Is(err, gerrors.ErrMalformedMessage) {
		t.Errorf("empty message with payload: err = %v", err)
	}

	huge := Message{Type: Confirmable, Code: PUT}
	huge.AddOption(ProxyURI, make([]byte, maxOptionLength+1))
	if _, err := huge.MarshalBinary(); !errors.Is(err, gerrors.ErrMalformedMessage) {
		t.Errorf("oversized option value: err = %v", err)
	}
}

func TestParseResponse(t *testing.T) {
	// Header (ACK 2.05, TKL 2), token, payload "hello".
	data := []byte{
		0x62, 0x45, 0x30, 0x39,
		0xd0, 0x74,
		0xff, 0x68, 0x65, 0x6c, 0x6c, 0x6f,
	}
	m, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage() = %v", err)
	}
	want := Message{
		Type:      Acknowledgement,
		Code:      Content,
		MessageID: 0x3039,
		Token:     []byte{0xd0, 0x74},
		Payload:   []byte("hello"),
	}
	if !reflect.DeepEqual(m, want) {
		t.Fatalf("ParseMessage()\n got %+v\nwant %+v", m, want)
	}
}

func TestParseDoesNotAliasInput(t *testing.T) {
	data := []byte{0x62, 0x45, 0x30, 0x39, 0xd0, 0x74, 0xff, 0x68, 0x69}
	m, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage() = %v", err)
	}
	for i := range data {
		data[i] = 0
	}
	if !bytes.Equal(m.Token, []byte{0xd0, 0x74}) || !bytes.Equal(m.Payload, []byte("hi")) {
		t.Fatalf("message aliases the receive buffer: %+v", m)
	}
}

func TestParseEmptyMessage(t *testing.T) {
	m, err := ParseMessage([]byte{0x60, 0x00, 0x30, 0x39})
	if err != nil {
		t.Fatalf("ParseMessage() = %v", err)
	}
	if m.Type != Acknowledgement || m.Code != Empty || m.MessageID != 0x3039 {
		t.Fatalf("ParseMessage() = %+v", m)
	}
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"short datagram", []byte{0x40, 0x01, 0x00}},
		{"bad version", []byte{0x80, 0x01, 0x00, 0x01}},
		{"token length 9", []byte{0x49, 0x01, 0x00, 0x01}},
		{"truncated token", []byte{0x42, 0x01, 0x00, 0x01, 0xd0}},
		{"reserved delta nibble", []byte{0x40, 0x01, 0x00, 0x01, 0xf0}},
		{"reserved length nibble", []byte{0x40, 0x01, 0x00, 0x01, 0x1f, 0x41}},
		{"marker without payload", []byte{0x40, 0x01, 0x00, 0x01, 0xff}},
		{"truncated option value", []byte{0x40, 0x01, 0x00, 0x01, 0xb3, 0x76}},
		{"truncated extended delta", []byte{0x40, 0x01, 0x00, 0x01, 0xd0}},
		{"truncated extended length", []byte{0x40, 0x01, 0x00, 0x01, 0xbe, 0x00}},
		{"empty code with body", []byte{0x60, 0x00, 0x30, 0x39, 0x00}},
	}
	for _, test := range tests {
		if _, err := ParseMessage(test.data); !errors.Is(err, gerrors.ErrMalformedMessage) {
			t.Errorf("%s: err = %v, want ErrMalformedMessage", test.name, err)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	m := Message{
		Type:      Confirmable,
		Code:      PUT,
		MessageID: 0xbeef,
		Token:     []byte{1, 2, 3, 4, 5, 6, 7, 8},
		Payload:   []byte("ignore the next 3"),
	}
	m.SetPathString("/ver/ignores")
	m.AddQuery("count=3")
	m.AddQuery("mode=drop")
	m.AddOptionUint(ContentFormat, uint32(TextPlain))
	m.AddOptionUint(MaxAge, 60)

	data, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() = %v", err)
	}
	back, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage() = %v", err)
	}

	// Options come back in wire order; compare against the sorted view.
	norm := m
	norm.Options = m.Options.Sorted()
	if !reflect.DeepEqual(back, norm) {
		t.Fatalf("round trip\n got %+v\nwant %+v", back, norm)
	}
	if got := back.PathString(); got != "/ver/ignores" {
		t.Errorf("PathString() = %q", got)
	}
	if got := back.Queries(); !reflect.DeepEqual(got, []string{"count=3", "mode=drop"}) {
		t.Errorf("Queries() = %#v", got)
	}
	if v, ok := back.OptionUint(MaxAge); !ok || v != 60 {
		t.Errorf("OptionUint(MaxAge) = %d, %v", v, ok)
	}
}

func TestEmptyAckAndReset(t *testing.T) {
	ack, err := NewAck(0x3039).MarshalBinary()
	if err != nil {
		t.Fatalf("ack MarshalBinary() = %v", err)
	}
	if want := []byte{0x60, 0x00, 0x30, 0x39}; !bytes.Equal(ack, want) {
		t.Errorf("ack = %#v, want %#v", ack, want)
	}

	rst, err := NewReset(0x3039).MarshalBinary()
	if err != nil {
		t.Fatalf("rst MarshalBinary() = %v", err)
	}
	if want := []byte{0x70, 0x00, 0x30, 0x39}; !bytes.Equal(rst, want) {
		t.Errorf("rst = %#v, want %#v", rst, want)
	}
}

func TestPathHelpers(t *testing.T) {
	var m Message
	m.SetPathString("//cf//delay/")
	if got := m.Path(); !reflect.DeepEqual(got, []string{"cf", "delay"}) {
		t.Errorf("Path() = %#v", got)
	}
	if got := m.PathString(); got != "/cf/delay" {
		t.Errorf("PathString() = %q", got)
	}

	m.SetPathString("/")
	if len(m.Options) != 0 {
		t.Errorf("root path left options behind: %v", m.Options)
	}
	if got := m.PathString(); got != "/" {
		t.Errorf("PathString() = %q", got)
	}
}

func TestSetOptionReplacesAll(t *testing.T) {
	var m Message
	m.AddOption(URIQuery, []byte("a=1"))
	m.AddOption(URIQuery, []byte("b=2"))
	m.SetOption(URIQuery, []byte("c=3"))
	if got := m.Queries(); !reflect.DeepEqual(got, []string{"c=3"}) {
		t.Errorf("Queries() = %#v", got)
	}
	m.RemoveOption(URIQuery)
	if len(m.Options) != 0 {
		t.Errorf("RemoveOption left %v", m.Options)
	}
}

func TestMessageString(t *testing.T) {
	m := Message{Type: Confirmable, Code: GET, MessageID: 7, Token: []byte{0xab}}
	m.SetPathString("/ver")
	if got := m.String(); got != "CON GET mid=7 tok=ab path=/ver" {
		t.Errorf("String() = %q", got)
	}
}
