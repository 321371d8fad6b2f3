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

package psktls

import (
	"net"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestStaticKeyStore(t *testing.T) {
	t.Parallel()

	store, err := NewStaticKeyStore(map[string][]byte{
		"test_card_001": {
			0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
			0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F, 0x10,
		},
	})
	require.NoError(t, err)

	key, err := store.Lookup("test_card_001")
	require.NoError(t, err)
	require.Len(t, key, 16)

	_, err = store.Lookup("unknown")
	require.True(t, trace.IsNotFound(err))

	// Returned keys are copies.
	key[0] = 0xFF
	again, err := store.Lookup("test_card_001")
	require.NoError(t, err)
	require.Equal(t, byte(0x01), again[0])
}

func TestKeyLengthValidation(t *testing.T) {
	t.Parallel()

	for _, n := range []int{16, 24, 32} {
		require.NoError(t, CheckKey(make([]byte, n)))
	}
	for _, n := range []int{0, 8, 15, 33} {
		require.Error(t, CheckKey(make([]byte, n)))
	}

	_, err := NewStaticKeyStore(map[string][]byte{"short": make([]byte, 4)})
	require.Error(t, err)
}

func TestNullSuitesRequireOptIn(t *testing.T) {
	t.Parallel()

	cfg := ClientConfig{
		Identity:     "card",
		Key:          make([]byte, 16),
		CipherSuites: []uint16{TLS_PSK_WITH_NULL_SHA256},
	}
	require.Error(t, cfg.CheckAndSetDefaults())

	cfg = ClientConfig{
		Identity:         "card",
		Key:              make([]byte, 16),
		CipherSuites:     []uint16{TLS_PSK_WITH_NULL_SHA256},
		AllowNullCiphers: true,
	}
	require.NoError(t, cfg.CheckAndSetDefaults())
}

func TestDefaultSuiteOrder(t *testing.T) {
	t.Parallel()

	suites := DefaultCipherSuites()
	require.Equal(t, TLS_PSK_WITH_AES_128_CBC_SHA256, suites[0])
	for _, suite := range suites {
		require.False(t, IsNullSuite(suite))
	}
}

func TestSuiteNames(t *testing.T) {
	t.Parallel()

	require.Equal(t, "PSK_WITH_AES_128_CBC_SHA256", SuiteName(TLS_PSK_WITH_AES_128_CBC_SHA256))
	require.Equal(t, "UNKNOWN", SuiteName(0x1234))
}

// deadlineConn records the deadlines set on it.
type deadlineConn struct {
	net.Conn
	deadlines []time.Time
}

func (c *deadlineConn) SetDeadline(t time.Time) error {
	c.deadlines = append(c.deadlines, t)
	return nil
}

func TestServerArmsHandshakeDeadline(t *testing.T) {
	t.Parallel()

	store, err := NewStaticKeyStore(map[string][]byte{"card": make([]byte, 16)})
	require.NoError(t, err)

	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	raw := &deadlineConn{Conn: left}
	before := time.Now()
	_, err = Server(raw, ServerConfig{
		KeyStore:         store,
		HandshakeTimeout: 7 * time.Second,
	})
	require.NoError(t, err)

	// The raw connection carries the handshake deadline before the
	// conn is handed to the HTTP server, so a silent peer cannot pin a
	// serving goroutine.
	require.Len(t, raw.deadlines, 1)
	deadline := raw.deadlines[0]
	require.WithinDuration(t, before.Add(7*time.Second), deadline, time.Second)
}

func TestServerConfigValidation(t *testing.T) {
	t.Parallel()

	cfg := ServerConfig{}
	require.Error(t, cfg.CheckAndSetDefaults())

	store, err := NewStaticKeyStore(nil)
	require.NoError(t, err)
	cfg = ServerConfig{KeyStore: store}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, DefaultCipherSuites(), cfg.CipherSuites)
}
