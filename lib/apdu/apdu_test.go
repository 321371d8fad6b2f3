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

package apdu

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	raw, err := hex.DecodeString(s)
	require.NoError(t, err)
	return raw
}

func TestEncodeCases(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{
			name: "case 1 header only",
			cmd:  Command{CLA: 0x00, INS: 0xA4, P1: 0x04, P2: 0x00},
			want: "00a40400",
		},
		{
			name: "case 2 short",
			cmd:  Command{CLA: 0x00, INS: 0xB0, P1: 0x00, P2: 0x00, HasLe: true, Le: 16},
			want: "00b0000010",
		},
		{
			name: "case 2 short Le 256",
			cmd:  Command{CLA: 0x00, INS: 0xB0, P1: 0x00, P2: 0x00, HasLe: true, Le: 256},
			want: "00b0000000",
		},
		{
			name: "case 3 short",
			cmd:  Command{CLA: 0x80, INS: 0xE2, P1: 0x00, P2: 0x00, Data: []byte{0xDE, 0xAD}},
			want: "80e2000002dead",
		},
		{
			name: "case 4 short",
			cmd:  Command{CLA: 0x00, INS: 0xA4, P1: 0x04, P2: 0x00, Data: []byte{0x3F, 0x00}, HasLe: true, Le: 0x10},
			want: "00a40400023f0010",
		},
		{
			name: "case 2 extended",
			cmd:  Command{CLA: 0x00, INS: 0xB0, P1: 0x00, P2: 0x00, HasLe: true, Le: 0x1234, Extended: true},
			want: "00b00000001234",
		},
		{
			name: "case 3 extended",
			cmd:  Command{CLA: 0x80, INS: 0xE8, P1: 0x00, P2: 0x00, Data: []byte{0xAA, 0xBB, 0xCC}, Extended: true},
			want: "80e80000000003aabbcc",
		},
		{
			name: "case 4 extended trailing Le has no zero marker",
			cmd:  Command{CLA: 0x80, INS: 0xE8, P1: 0x00, P2: 0x00, Data: []byte{0xAA}, HasLe: true, Le: 0x0100, Extended: true},
			want: "80e80000000001aa0100",
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := tc.cmd.Encode()
			require.NoError(t, err)
			require.Equal(t, tc.want, hex.EncodeToString(got))
		})
	}
}

func TestEncodeErrors(t *testing.T) {
	t.Parallel()

	over := Command{CLA: 0x80, INS: 0xE8, Data: bytes.Repeat([]byte{0x00}, MaxExtendedLength+1), Extended: true}
	_, err := over.Encode()
	require.Error(t, err)

	long := Command{CLA: 0x80, INS: 0xE8, Data: bytes.Repeat([]byte{0x00}, 300)}
	_, err = long.Encode()
	require.Error(t, err)
}

func TestDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	cmds := []Command{
		{CLA: 0x00, INS: 0xA4, P1: 0x04, P2: 0x00},
		{CLA: 0x00, INS: 0xB0, P1: 0x01, P2: 0x02, HasLe: true, Le: 16},
		{CLA: 0x00, INS: 0xB0, P1: 0x01, P2: 0x02, HasLe: true, Le: 256},
		{CLA: 0x80, INS: 0xE2, P1: 0x90, P2: 0x00, Data: []byte{0x01, 0x02, 0x03}},
		{CLA: 0x80, INS: 0x50, P1: 0x00, P2: 0x00, Data: bytes.Repeat([]byte{0x5A}, 255)},
		{CLA: 0x00, INS: 0xA4, P1: 0x04, P2: 0x00, Data: []byte{0x3F, 0x00}, HasLe: true, Le: 255},
		{CLA: 0x00, INS: 0xB0, P1: 0x00, P2: 0x00, HasLe: true, Le: 0x1234, Extended: true},
		{CLA: 0x80, INS: 0xE8, P1: 0x00, P2: 0x00, Data: bytes.Repeat([]byte{0xA5}, 300), Extended: true},
		{CLA: 0x80, INS: 0xE8, P1: 0x00, P2: 0x00, Data: bytes.Repeat([]byte{0xA5}, 300), HasLe: true, Le: 0x0200, Extended: true},
	}
	for _, cmd := range cmds {
		cmd := cmd
		encoded, err := cmd.Encode()
		require.NoError(t, err)
		decoded, err := DecodeCommand(encoded)
		require.NoError(t, err)
		require.Equal(t, cmd.CLA, decoded.CLA)
		require.Equal(t, cmd.INS, decoded.INS)
		require.Equal(t, cmd.P1, decoded.P1)
		require.Equal(t, cmd.P2, decoded.P2)
		require.Equal(t, cmd.HasLe, decoded.HasLe)
		if cmd.HasLe {
			require.Equal(t, cmd.Le, decoded.Le)
		}
		if len(cmd.Data) > 0 {
			require.Equal(t, cmd.Data, decoded.Data)
		} else {
			require.Empty(t, decoded.Data)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()

	malformed := []string{
		"",
		"00a404",
		"00a404000403f00",   // odd truncation
		"00a4040005aabb",    // Lc says 5, only 2 present
		"00a40400000005aabb", // extended Lc says 5, only 2 present
	}
	for _, s := range malformed {
		raw, err := hex.DecodeString(s)
		if err != nil {
			continue
		}
		_, err = DecodeCommand(raw)
		require.Error(t, err, "input %q", s)
	}
}

func TestDecodeResponse(t *testing.T) {
	t.Parallel()

	resp, err := DecodeResponse(mustHex(t, "6f108408a000000151000000009000"))
	require.NoError(t, err)
	require.Equal(t, uint16(0x9000), resp.SW())
	require.True(t, resp.IsOK())
	require.Len(t, resp.Data, 13)

	_, err = DecodeResponse([]byte{0x90})
	require.Error(t, err)

	empty, err := DecodeResponse([]byte{0x6A, 0x82})
	require.NoError(t, err)
	require.Empty(t, empty.Data)
	require.Equal(t, SWFileNotFound, empty.SW())
}

func TestResponseRoundTrip(t *testing.T) {
	t.Parallel()

	for _, sw := range []uint16{0x9000, 0x6A82, 0x61FF, 0x6C10, 0x63C2} {
		data := []byte{0x01, 0x02, 0x03}
		resp := NewResponse(data, sw)
		decoded, err := DecodeResponse(resp.Encode())
		require.NoError(t, err)
		require.Equal(t, sw, decoded.SW())
		require.Equal(t, data, decoded.Data)
	}
}

func TestResponseHelpers(t *testing.T) {
	t.Parallel()

	more := NewResponse(nil, 0x6110)
	require.True(t, more.HasMoreData())
	require.False(t, more.IsOK())

	wrong := NewResponse(nil, 0x6C08)
	require.True(t, wrong.WrongLength())

	verify := NewResponse(nil, 0x63C2)
	n, ok := verify.RetriesRemaining()
	require.True(t, ok)
	require.Equal(t, 2, n)

	_, ok = NewResponse(nil, 0x6300).RetriesRemaining()
	require.False(t, ok)
}

func TestParseHex(t *testing.T) {
	t.Parallel()

	cmd, err := ParseHex("00 A4 0400 0A A000000151000000AABB 00")
	require.NoError(t, err)
	require.Equal(t, byte(0xA4), cmd.INS)
	require.Len(t, cmd.Data, 10)
	require.True(t, cmd.HasLe)

	_, err = ParseHex("zz")
	require.Error(t, err)
}
