// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

package coap

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// OptionID is a CoAP option number.
type OptionID uint16

/*
   +--------+------------------+-----------+
   | Number | Name             | Reference |
   +--------+------------------+-----------+
   |      1 | If-Match         | RFC 7252  |
   |      3 | Uri-Host         | RFC 7252  |
   |      4 | ETag             | RFC 7252  |
   |      5 | If-None-Match    | RFC 7252  |
   |      6 | Observe          | RFC 7641  |
   |      7 | Uri-Port         | RFC 7252  |
   |      8 | Location-Path    | RFC 7252  |
   |     11 | Uri-Path         | RFC 7252  |
   |     12 | Content-Format   | RFC 7252  |
   |     14 | Max-Age          | RFC 7252  |
   |     15 | Uri-Query        | RFC 7252  |
   |     17 | Accept           | RFC 7252  |
   |     20 | Location-Query   | RFC 7252  |
   |     23 | Block2           | RFC 7959  |
   |     27 | Block1           | RFC 7959  |
   |     28 | Size2            | RFC 7959  |
   |     35 | Proxy-Uri        | RFC 7252  |
   |     39 | Proxy-Scheme     | RFC 7252  |
   |     60 | Size1            | RFC 7252  |
   |    258 | No-Response      | RFC 7967  |
   +--------+------------------+-----------+
*/

const (
	IfMatch       OptionID = 1
	URIHost       OptionID = 3
	ETag          OptionID = 4
	IfNoneMatch   OptionID = 5
	Observe       OptionID = 6
	URIPort       OptionID = 7
	LocationPath  OptionID = 8
	URIPath       OptionID = 11
	ContentFormat OptionID = 12
	MaxAge        OptionID = 14
	URIQuery      OptionID = 15
	Accept        OptionID = 17
	LocationQuery OptionID = 20
	Block2        OptionID = 23
	Block1        OptionID = 27
	Size2         OptionID = 28
	ProxyURI      OptionID = 35
	ProxyScheme   OptionID = 39
	Size1         OptionID = 60
	NoResponse    OptionID = 258
)

var optionNames = map[OptionID]string{
	IfMatch:       "If-Match",
	URIHost:       "Uri-Host",
	ETag:          "ETag",
	IfNoneMatch:   "If-None-Match",
	Observe:       "Observe",
	URIPort:       "Uri-Port",
	LocationPath:  "Location-Path",
	URIPath:       "Uri-Path",
	ContentFormat: "Content-Format",
	MaxAge:        "Max-Age",
	URIQuery:      "Uri-Query",
	Accept:        "Accept",
	LocationQuery: "Location-Query",
	Block2:        "Block2",
	Block1:        "Block1",
	Size2:         "Size2",
	ProxyURI:      "Proxy-Uri",
	ProxyScheme:   "Proxy-Scheme",
	Size1:         "Size1",
	NoResponse:    "No-Response",
}

func (o OptionID) String() string {
	if name, ok := optionNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Option(%d)", uint16(o))
}

// MediaType is a Content-Format option value.
type MediaType uint16

const (
	TextPlain     MediaType = 0  // text/plain;charset=utf-8
	AppLinkFormat MediaType = 40 // application/link-format
	AppXML        MediaType = 41 // application/xml
	AppOctets     MediaType = 42 // application/octet-stream
	AppExi        MediaType = 47 // application/exi
	AppJSON       MediaType = 50 // application/json
)

// Option is a single CoAP option instance. Values are raw bytes; uint
// options use the minimal-length big-endian form produced by EncodeUint.
type Option struct {
	ID    OptionID
	Value []byte
}

// Options is an ordered option sequence. The wire format requires options
// sorted by number; Sort is stable so repeated options keep their relative
// order.
type Options []Option

func (o Options) Len() int      { return len(o) }
func (o Options) Swap(i, j int) { o[i], o[j] = o[j], o[i] }
func (o Options) Less(i, j int) bool {
	return o[i].ID < o[j].ID
}

// Sorted returns a copy of the options in wire order.
func (o Options) Sorted() Options {
	rv := make(Options, len(o))
	copy(rv, o)
	sort.Stable(rv)
	return rv
}

// Minus returns the options with every instance of id removed.
func (o Options) Minus(id OptionID) Options {
	rv := make(Options, 0, len(o))
	for _, opt := range o {
		if opt.ID != id {
			rv = append(rv, opt)
		}
	}
	return rv
}

// EncodeUint renders v in the minimal-length big-endian form used by uint
// options. Zero encodes to an empty value.
func EncodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v < 1<<8:
		return []byte{byte(v)}
	case v < 1<<16:
		rv := make([]byte, 2)
		binary.BigEndian.PutUint16(rv, uint16(v))
		return rv
	case v < 1<<24:
		rv := make([]byte, 4)
		binary.BigEndian.PutUint32(rv, v)
		return rv[1:]
	default:
		rv := make([]byte, 4)
		binary.BigEndian.PutUint32(rv, v)
		return rv
	}
}

// DecodeUint reads a minimal-length big-endian uint option value.
func DecodeUint(b []byte) uint32 {
	if len(b) > 4 {
		b = b[len(b)-4:]
	}
	tmp := []byte{0, 0, 0, 0}
	copy(tmp[4-len(b):], b)
	return binary.BigEndian.Uint32(tmp)
}

/*
   Option header layout (RFC 7252 section 3.1):

     0   1   2   3   4   5   6   7
   +---------------+---------------+
   |  Option Delta | Option Length |   1 byte
   +---------------+---------------+
   |         Option Delta          |   0-2 bytes
   |          (extended)           |
   +-------------------------------+
   |         Option Length         |   0-2 bytes
   |          (extended)           |
   +-------------------------------+
   |         Option Value          |   0 or more bytes
   +-------------------------------+

   Nibble 13 carries an extended byte holding value-13; nibble 14 carries
   two extended bytes holding value-269; nibble 15 is reserved (it only
   appears as part of the 0xFF payload marker).
*/

const (
	extendByte     = 13
	extendWord     = 14
	nibbleReserved = 15

	extendByteBias = 13
	extendWordBias = 269

	// maxOptionLength is the largest value the two-byte extended length
	// can express.
	maxOptionLength = 65535 + extendWordBias
)

// appendOptionHeader writes the delta/length header for one option.
func appendOptionHeader(buf []byte, delta, length int) []byte {
	dn, dext := splitExtend(delta)
	ln, lext := splitExtend(length)
	buf = append(buf, byte(dn<<4|ln))
	buf = append(buf, dext...)
	return append(buf, lext...)
}

func splitExtend(v int) (nibble int, ext []byte) {
	switch {
	case v < extendByteBias:
		return v, nil
	case v < extendWordBias:
		return extendByte, []byte{byte(v - extendByteBias)}
	default:
		ext = make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(v-extendWordBias))
		return extendWord, ext
	}
}

// readExtend resolves one delta or length nibble against its extended
// bytes, consuming them from b.
func readExtend(nibble int, b []byte) (value int, rest []byte, err error) {
	switch nibble {
	case extendByte:
		if len(b) < 1 {
			return 0, nil, fmt.Errorf("truncated option extension")
		}
		return int(b[0]) + extendByteBias, b[1:], nil
	case extendWord:
		if len(b) < 2 {
			return 0, nil, fmt.Errorf("truncated option extension")
		}
		return int(binary.BigEndian.Uint16(b)) + extendWordBias, b[2:], nil
	case nibbleReserved:
		return 0, nil, fmt.Errorf("reserved option nibble 15")
	default:
		return nibble, b, nil
	}
}
