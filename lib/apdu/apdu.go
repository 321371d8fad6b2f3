/*
Copyright 2024 CardLink Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package apdu implements the ISO 7816-4 application protocol data unit
// codec: command APDUs in cases 1 through 4, short and extended length
// forms, and response APDUs with status word classification.
package apdu

import (
	"encoding/hex"
	"strings"

	"github.com/gravitational/trace"
)

// MaxShortLength is the largest data length encodable in short form.
const MaxShortLength = 255

// MaxExtendedLength is the largest data length encodable at all.
const MaxExtendedLength = 65535

// Command is a decoded C-APDU.
type Command struct {
	// CLA is the class byte.
	CLA byte
	// INS is the instruction byte.
	INS byte
	// P1 is the first parameter byte.
	P1 byte
	// P2 is the second parameter byte.
	P2 byte
	// Data is the command data field, empty for cases 1 and 2.
	Data []byte
	// Le is the expected response length. 256 encodes as 0x00 in short
	// form. Only meaningful when HasLe is set.
	Le int
	// HasLe reports whether the command carries an Le field (cases 2 and 4).
	HasLe bool
	// Extended selects the three-byte length encoding.
	Extended bool
}

// Encode serializes the command.
func (c *Command) Encode() ([]byte, error) {
	if len(c.Data) > MaxExtendedLength {
		return nil, trace.LimitExceeded("command data length %v exceeds %v", len(c.Data), MaxExtendedLength)
	}
	if len(c.Data) > MaxShortLength && !c.Extended {
		return nil, trace.BadParameter("command data length %v requires extended length encoding", len(c.Data))
	}
	out := []byte{c.CLA, c.INS, c.P1, c.P2}
	if len(c.Data) > 0 {
		if c.Extended {
			out = append(out, 0x00, byte(len(c.Data)>>8), byte(len(c.Data)))
		} else {
			out = append(out, byte(len(c.Data)))
		}
		out = append(out, c.Data...)
	}
	if c.HasLe {
		if c.Extended {
			// In extended mode a trailing Le after data is two bytes; a
			// lone Le (case 2E) still needs the leading zero marker.
			if len(c.Data) == 0 {
				out = append(out, 0x00)
			}
			out = append(out, byte(c.Le>>8), byte(c.Le))
		} else {
			if c.Le < 0 || c.Le > 256 {
				return nil, trace.BadParameter("short form Le %v out of range", c.Le)
			}
			// Le of 256 encodes as 0x00.
			out = append(out, byte(c.Le))
		}
	}
	return out, nil
}

// DecodeCommand parses a C-APDU, accepting all four ISO 7816-4 cases in
// short and extended form.
func DecodeCommand(raw []byte) (*Command, error) {
	if len(raw) < 4 {
		return nil, trace.BadParameter("command APDU shorter than 4 byte header: %v bytes", len(raw))
	}
	cmd := &Command{CLA: raw[0], INS: raw[1], P1: raw[2], P2: raw[3]}
	body := raw[4:]
	switch {
	case len(body) == 0:
		// Case 1.
		return cmd, nil
	case len(body) == 1:
		// Case 2 short.
		cmd.HasLe = true
		cmd.Le = leFromShort(body[0])
		return cmd, nil
	}
	if body[0] != 0x00 {
		return decodeShortBody(cmd, body)
	}
	return decodeExtendedBody(cmd, body)
}

func decodeShortBody(cmd *Command, body []byte) (*Command, error) {
	lc := int(body[0])
	switch {
	case len(body) == 1+lc:
		// Case 3 short.
		cmd.Data = append([]byte{}, body[1:]...)
		return cmd, nil
	case len(body) == 1+lc+1:
		// Case 4 short.
		cmd.Data = append([]byte{}, body[1:1+lc]...)
		cmd.HasLe = true
		cmd.Le = leFromShort(body[1+lc])
		return cmd, nil
	}
	return nil, trace.BadParameter("command length %v inconsistent with Lc %v", len(body)+4, lc)
}

func decodeExtendedBody(cmd *Command, body []byte) (*Command, error) {
	cmd.Extended = true
	if len(body) == 3 {
		// Case 2 extended: 00 || Le(2).
		cmd.HasLe = true
		cmd.Le = int(body[1])<<8 | int(body[2])
		return cmd, nil
	}
	if len(body) < 4 {
		return nil, trace.BadParameter("truncated extended length field")
	}
	lc := int(body[1])<<8 | int(body[2])
	switch {
	case len(body) == 3+lc:
		// Case 3 extended.
		cmd.Data = append([]byte{}, body[3:]...)
		return cmd, nil
	case len(body) == 3+lc+2:
		// Case 4 extended: trailing Le is two bytes, no second zero marker.
		cmd.Data = append([]byte{}, body[3:3+lc]...)
		cmd.HasLe = true
		cmd.Le = int(body[3+lc])<<8 | int(body[3+lc+1])
		return cmd, nil
	}
	return nil, trace.BadParameter("command length %v inconsistent with extended Lc %v", len(body)+4, lc)
}

func leFromShort(b byte) int {
	if b == 0x00 {
		return 256
	}
	return int(b)
}

// Response is a decoded R-APDU.
type Response struct {
	// Data is the response data field, possibly empty.
	Data []byte
	// SW1 and SW2 form the trailing status word.
	SW1 byte
	SW2 byte
}

// DecodeResponse splits an R-APDU into data and status word. An R-APDU
// is always at least two bytes long.
func DecodeResponse(raw []byte) (*Response, error) {
	if len(raw) < 2 {
		return nil, trace.BadParameter("response APDU shorter than status word: %v bytes", len(raw))
	}
	return &Response{
		Data: append([]byte{}, raw[:len(raw)-2]...),
		SW1:  raw[len(raw)-2],
		SW2:  raw[len(raw)-1],
	}, nil
}

// Encode serializes the response as data || SW1 || SW2.
func (r *Response) Encode() []byte {
	out := make([]byte, 0, len(r.Data)+2)
	out = append(out, r.Data...)
	return append(out, r.SW1, r.SW2)
}

// SW returns the combined status word.
func (r *Response) SW() uint16 {
	return uint16(r.SW1)<<8 | uint16(r.SW2)
}

// IsOK reports normal completion (SW 9000).
func (r *Response) IsOK() bool {
	return r.SW() == SWSuccess
}

// HasMoreData reports that the card holds response bytes retrievable
// with GET RESPONSE (SW 61XX). SW2 is the available count.
func (r *Response) HasMoreData() bool {
	return r.SW1 == 0x61
}

// WrongLength reports a retry hint with the correct Le (SW 6CXX).
func (r *Response) WrongLength() bool {
	return r.SW1 == 0x6C
}

// RetriesRemaining extracts the counter from a verification-failed
// status word (63CX). The second return is false for any other SW.
func (r *Response) RetriesRemaining() (int, bool) {
	if r.SW1 == 0x63 && r.SW2&0xF0 == 0xC0 {
		return int(r.SW2 & 0x0F), true
	}
	return 0, false
}

// NewResponse builds a response from data and a combined status word.
func NewResponse(data []byte, sw uint16) *Response {
	return &Response{Data: append([]byte{}, data...), SW1: byte(sw >> 8), SW2: byte(sw)}
}

// ParseHex decodes a hex string, ignoring spaces, into a command APDU.
func ParseHex(s string) (*Command, error) {
	raw, err := DecodeHex(s)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return DecodeCommand(raw)
}

// DecodeHex decodes a hex string ignoring interior whitespace.
func DecodeHex(s string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, trace.BadParameter("invalid hex string %q: %v", s, err)
	}
	return raw, nil
}
