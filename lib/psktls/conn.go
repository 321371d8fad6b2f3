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
	"context"
	"net"
	"sync"
	"time"

	"github.com/gravitational/trace"
	tlsext "github.com/raff/tls-ext"
	psk "github.com/raff/tls-psk"
	log "github.com/sirupsen/logrus"

	"github.com/veenone/cardlink-sub000/lib/defaults"
)

// Conn is a PSK-TLS connection. It exposes the authenticated PSK
// identity and the negotiated handshake parameters on top of the
// underlying TLS connection.
type Conn struct {
	*tlsext.Conn

	// raw is the underlying transport of a server-role connection; its
	// deadline bounds the lazy handshake and is cleared once the
	// handshake completes. Nil in the client role, which handshakes
	// eagerly in Client.
	raw           net.Conn
	start         time.Time
	handshakeOnce sync.Once
	handshakeErr  error

	mu       sync.Mutex
	identity string
	info     ConnectionInfo
}

// ensureHandshake drives the server-role handshake under the deadline
// set at accept time, then lifts the deadline for the session proper.
func (c *Conn) ensureHandshake() error {
	c.handshakeOnce.Do(func() {
		if c.raw == nil {
			return
		}
		if err := c.Conn.Handshake(); err != nil {
			c.handshakeErr = trace.ConnectionProblem(err, "PSK-TLS handshake failed")
			return
		}
		if err := c.raw.SetDeadline(time.Time{}); err != nil {
			c.handshakeErr = trace.Wrap(err)
			return
		}
		c.recordHandshake(time.Since(c.start))
	})
	return c.handshakeErr
}

// Read completes the pending handshake before the first payload read.
func (c *Conn) Read(p []byte) (int, error) {
	if err := c.ensureHandshake(); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

// Write completes the pending handshake before the first payload write.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.ensureHandshake(); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

// PSKIdentity returns the peer identity authenticated during the
// handshake. On the server side this is the identity the card
// presented.
func (c *Conn) PSKIdentity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Info returns the handshake parameters.
func (c *Conn) Info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

func (c *Conn) setIdentity(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = identity
}

func (c *Conn) recordHandshake(d time.Duration) {
	state := c.ConnectionState()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info = ConnectionInfo{
		CipherSuite:       state.CipherSuite,
		Version:           state.Version,
		HandshakeDuration: d,
	}
}

// ClientConfig configures the client (card) role.
type ClientConfig struct {
	// Identity is the PSK identity presented to the server.
	Identity string
	// Key is the pre-shared key.
	Key []byte
	// CipherSuites overrides the negotiation order.
	CipherSuites []uint16
	// AllowNullCiphers permits the NULL integrity-only suites.
	AllowNullCiphers bool
	// HandshakeTimeout bounds the handshake.
	HandshakeTimeout time.Duration
	// Log is the transport logger.
	Log log.FieldLogger
}

// CheckAndSetDefaults checks parameters and sets default values.
func (c *ClientConfig) CheckAndSetDefaults() error {
	if c.Identity == "" {
		return trace.BadParameter("missing parameter Identity")
	}
	if err := CheckKey(c.Key); err != nil {
		return trace.Wrap(err)
	}
	if len(c.CipherSuites) == 0 {
		c.CipherSuites = DefaultCipherSuites()
	}
	if err := checkSuites(c.CipherSuites, c.AllowNullCiphers); err != nil {
		return trace.Wrap(err)
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "psktls")
	}
	return nil
}

// Dial connects to addr and completes the PSK-TLS handshake.
func Dial(ctx context.Context, network, addr string, cfg ClientConfig) (*Conn, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	dialer := &net.Dialer{Timeout: cfg.HandshakeTimeout}
	raw, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to connect to %v", addr)
	}
	conn, err := Client(raw, cfg)
	if err != nil {
		raw.Close()
		return nil, trace.Wrap(err)
	}
	return conn, nil
}

// Client wraps an established connection in the client role and runs
// the handshake.
func Client(raw net.Conn, cfg ClientConfig) (*Conn, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	tlsConfig := &tlsext.Config{
		CipherSuites: cfg.CipherSuites,
		Certificates: []tlsext.Certificate{{}},
		Extra: psk.PSKConfig{
			GetIdentity: func() string {
				return cfg.Identity
			},
			GetKey: func(identity string) ([]byte, error) {
				return cfg.Key, nil
			},
		},
	}
	conn := &Conn{Conn: tlsext.Client(raw, tlsConfig)}
	conn.setIdentity(cfg.Identity)

	start := time.Now()
	if err := raw.SetDeadline(start.Add(cfg.HandshakeTimeout)); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := conn.Handshake(); err != nil {
		return nil, trace.ConnectionProblem(err, "PSK-TLS handshake failed")
	}
	if err := raw.SetDeadline(time.Time{}); err != nil {
		return nil, trace.Wrap(err)
	}
	conn.recordHandshake(time.Since(start))
	cfg.Log.WithFields(log.Fields{
		"identity": cfg.Identity,
		"suite":    conn.Info().SuiteName(),
	}).Debug("PSK-TLS handshake completed.")
	return conn, nil
}

// ServerConfig configures the server (admin server) role.
type ServerConfig struct {
	// KeyStore resolves presented PSK identities.
	KeyStore KeyStore
	// CipherSuites overrides the accepted suites.
	CipherSuites []uint16
	// AllowNullCiphers permits the NULL integrity-only suites.
	AllowNullCiphers bool
	// HandshakeTimeout bounds each accepted handshake.
	HandshakeTimeout time.Duration
	// Log is the transport logger.
	Log log.FieldLogger
}

// CheckAndSetDefaults checks parameters and sets default values.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.KeyStore == nil {
		return trace.BadParameter("missing parameter KeyStore")
	}
	if len(c.CipherSuites) == 0 {
		c.CipherSuites = DefaultCipherSuites()
	}
	if err := checkSuites(c.CipherSuites, c.AllowNullCiphers); err != nil {
		return trace.Wrap(err)
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "psktls")
	}
	return nil
}

// Server wraps an accepted connection in the server role. The handshake
// runs lazily on first read, bounded by the handshake timeout set on
// the raw connection here; the PSK identity is recorded as soon as the
// key lookup happens.
func Server(raw net.Conn, cfg ServerConfig) (*Conn, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	start := time.Now()
	if err := raw.SetDeadline(start.Add(cfg.HandshakeTimeout)); err != nil {
		return nil, trace.Wrap(err)
	}
	conn := &Conn{raw: raw, start: start}
	tlsConfig := &tlsext.Config{
		CipherSuites: cfg.CipherSuites,
		Certificates: []tlsext.Certificate{{}},
		Extra: psk.PSKConfig{
			GetKey: func(identity string) ([]byte, error) {
				key, err := cfg.KeyStore.Lookup(identity)
				if err != nil {
					cfg.Log.WithField("identity", identity).Warn("Rejecting unknown PSK identity.")
					return nil, trace.Wrap(err)
				}
				conn.setIdentity(identity)
				return key, nil
			},
		},
	}
	conn.Conn = tlsext.Server(raw, tlsConfig)
	return conn, nil
}

// Listener accepts PSK-TLS connections.
type Listener struct {
	net.Listener
	cfg ServerConfig
}

// NewListener wraps an inner listener with the PSK-TLS server role.
func NewListener(inner net.Listener, cfg ServerConfig) (*Listener, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Listener{Listener: inner, cfg: cfg}, nil
}

// Accept waits for the next connection and wraps it. The TLS handshake
// itself completes on first read so that a stalled peer cannot block
// the accept loop; the handshake timeout is armed on the raw
// connection before it is handed out, so a peer that never handshakes
// cannot pin its serving goroutine either.
func (l *Listener) Accept() (net.Conn, error) {
	raw, err := l.Listener.Accept()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	conn, err := Server(raw, l.cfg)
	if err != nil {
		raw.Close()
		return nil, trace.Wrap(err)
	}
	return conn, nil
}
