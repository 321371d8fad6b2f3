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

// Package psktls provides the pre-shared-key TLS transport used by the
// GP Amendment B admin channel, in both the server (admin server) and
// client (card simulator) roles. The TLS engine is the crypto/tls fork
// github.com/raff/tls-ext with the RFC 4279 PSK key exchange from
// github.com/raff/tls-psk; Go's own crypto/tls has no PSK suites.
package psktls

import (
	"time"

	"github.com/gravitational/trace"

	"github.com/veenone/cardlink-sub000/lib/defaults"
)

// PSK cipher suite identifiers (RFC 4279, RFC 5487).
const (
	TLS_PSK_WITH_AES_128_CBC_SHA256 uint16 = 0x00AE
	TLS_PSK_WITH_AES_256_CBC_SHA384 uint16 = 0x00AF
	TLS_PSK_WITH_AES_128_CBC_SHA    uint16 = 0x008C
	TLS_PSK_WITH_AES_256_CBC_SHA    uint16 = 0x008D
	TLS_PSK_WITH_NULL_SHA256        uint16 = 0x00B0
	TLS_PSK_WITH_NULL_SHA           uint16 = 0x002C
)

var suiteNames = map[uint16]string{
	TLS_PSK_WITH_AES_128_CBC_SHA256: "PSK_WITH_AES_128_CBC_SHA256",
	TLS_PSK_WITH_AES_256_CBC_SHA384: "PSK_WITH_AES_256_CBC_SHA384",
	TLS_PSK_WITH_AES_128_CBC_SHA:    "PSK_WITH_AES_128_CBC_SHA",
	TLS_PSK_WITH_AES_256_CBC_SHA:    "PSK_WITH_AES_256_CBC_SHA",
	TLS_PSK_WITH_NULL_SHA256:        "PSK_WITH_NULL_SHA256",
	TLS_PSK_WITH_NULL_SHA:           "PSK_WITH_NULL_SHA",
}

// SuiteName renders a cipher suite id for logs and session info.
func SuiteName(id uint16) string {
	if name, ok := suiteNames[id]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsNullSuite reports whether the suite provides no confidentiality.
func IsNullSuite(id uint16) bool {
	return id == TLS_PSK_WITH_NULL_SHA256 || id == TLS_PSK_WITH_NULL_SHA
}

// DefaultCipherSuites is the negotiation order used when none is
// configured: the profile-mandatory suite first, then the recommended
// and legacy interoperability suites. NULL suites are never included by
// default.
func DefaultCipherSuites() []uint16 {
	return []uint16{
		TLS_PSK_WITH_AES_128_CBC_SHA256,
		TLS_PSK_WITH_AES_256_CBC_SHA384,
		TLS_PSK_WITH_AES_128_CBC_SHA,
		TLS_PSK_WITH_AES_256_CBC_SHA,
	}
}

// KeyStore resolves a PSK identity to its key. Lookup fails with a not
// found error for unknown identities, which fails the TLS handshake.
type KeyStore interface {
	Lookup(identity string) ([]byte, error)
}

// StaticKeyStore is an in-memory KeyStore.
type StaticKeyStore struct {
	keys map[string][]byte
}

// NewStaticKeyStore creates a key store from an identity to key map.
func NewStaticKeyStore(keys map[string][]byte) (*StaticKeyStore, error) {
	store := &StaticKeyStore{keys: make(map[string][]byte, len(keys))}
	for identity, key := range keys {
		if err := CheckKey(key); err != nil {
			return nil, trace.Wrap(err, "identity %q", identity)
		}
		store.keys[identity] = append([]byte{}, key...)
	}
	return store, nil
}

// Lookup implements KeyStore.
func (s *StaticKeyStore) Lookup(identity string) ([]byte, error) {
	key, ok := s.keys[identity]
	if !ok {
		return nil, trace.NotFound("unknown PSK identity %q", identity)
	}
	return append([]byte{}, key...), nil
}

// CheckKey validates a PSK key length.
func CheckKey(key []byte) error {
	switch len(key) {
	case 16, 24, 32:
		return nil
	}
	return trace.BadParameter("PSK key must be 16, 24 or 32 bytes, got %v", len(key))
}

// ConnectionInfo describes a completed PSK-TLS handshake; the admin
// server attaches it to the session.
type ConnectionInfo struct {
	// CipherSuite is the negotiated suite id.
	CipherSuite uint16
	// Version is the negotiated protocol version.
	Version uint16
	// HandshakeDuration is how long the handshake took.
	HandshakeDuration time.Duration
}

// SuiteName renders the negotiated suite.
func (i ConnectionInfo) SuiteName() string {
	return SuiteName(i.CipherSuite)
}

// checkSuites validates a suite selection against the null-cipher
// opt-in.
func checkSuites(suites []uint16, allowNull bool) error {
	if len(suites) == 0 {
		return trace.BadParameter("empty cipher suite list")
	}
	for _, suite := range suites {
		if _, ok := suiteNames[suite]; !ok {
			return trace.BadParameter("unsupported cipher suite 0x%04X", suite)
		}
		if IsNullSuite(suite) && !allowNull {
			return trace.BadParameter("NULL cipher suite %v requires explicit opt-in", SuiteName(suite))
		}
	}
	return nil
}

// handshakeTimeout returns the configured or default handshake bound.
func handshakeTimeout(configured time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	return defaults.HandshakeTimeout
}
