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

// Package scp02 implements the host side of the GlobalPlatform Secure
// Channel Protocol '02': the INITIALIZE UPDATE / EXTERNAL AUTHENTICATE
// handshake, session key derivation, C-MAC chaining, optional command
// encryption and DEK key wrapping.
package scp02

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"io"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/veenone/cardlink-sub000/lib/apdu"
)

// Derivation constants for the SCP02 session keys.
var (
	derivationCMAC = []byte{0x01, 0x01}
	derivationENC  = []byte{0x01, 0x82}
	derivationDEK  = []byte{0x01, 0x81}
)

// GlobalPlatform instruction and class bytes used by the handshake.
const (
	claGP            = 0x80
	claGPSecure      = 0x84
	claSecureMessage = 0x04
	insInitUpdate    = 0x50
	insExternalAuth  = 0x82
)

// SecurityLevel selects the protection applied to wrapped commands.
type SecurityLevel byte

const (
	// SecurityLevelNone applies no secure messaging.
	SecurityLevelNone SecurityLevel = 0x00
	// SecurityLevelCMAC appends a command MAC to every command.
	SecurityLevelCMAC SecurityLevel = 0x01
	// SecurityLevelCMACEnc additionally encrypts the command data field.
	SecurityLevelCMACEnc SecurityLevel = 0x03
)

// State is the secure channel lifecycle state.
type State int

const (
	// StateInit is a channel that has not started authentication.
	StateInit State = iota
	// StateAuthInProgress is set between INITIALIZE UPDATE and a
	// successful EXTERNAL AUTHENTICATE.
	StateAuthInProgress
	// StateOpen is an authenticated channel.
	StateOpen
	// StateClosed is terminal; any failure closes the channel.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateAuthInProgress:
		return "AUTH_IN_PROGRESS"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// StaticKeys is a GlobalPlatform static key set.
type StaticKeys struct {
	// ENC is the 16-byte static encryption key.
	ENC []byte
	// MAC is the 16-byte static MAC key.
	MAC []byte
	// DEK is the 16-byte static data encryption (key wrapping) key.
	DEK []byte
	// Version is the key version number sent as P1 of INITIALIZE UPDATE.
	Version byte
}

// Check validates key lengths.
func (k StaticKeys) Check() error {
	for _, key := range [][]byte{k.ENC, k.MAC, k.DEK} {
		if len(key) != 16 {
			return trace.BadParameter("static keys must be 16 bytes, got %v", len(key))
		}
	}
	return nil
}

// DefaultTestKeys returns the GlobalPlatform default test key set.
func DefaultTestKeys() StaticKeys {
	key := []byte{
		0x40, 0x41, 0x42, 0x43, 0x44, 0x45, 0x46, 0x47,
		0x48, 0x49, 0x4A, 0x4B, 0x4C, 0x4D, 0x4E, 0x4F,
	}
	return StaticKeys{
		ENC: append([]byte{}, key...),
		MAC: append([]byte{}, key...),
		DEK: append([]byte{}, key...),
	}
}

// SessionKeys holds the derived per-session keys.
type SessionKeys struct {
	ENC []byte
	MAC []byte
	DEK []byte
}

// DeriveSessionKeys derives the SCP02 session key set from the static
// keys and the card sequence counter: per-role derivation constant and
// counter, zero padded to one 3DES block pair, encrypted in CBC mode
// under the static key with a zero IV.
func DeriveSessionKeys(keys StaticKeys, seq []byte) (*SessionKeys, error) {
	if err := keys.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if len(seq) != 2 {
		return nil, trace.BadParameter("sequence counter must be 2 bytes, got %v", len(seq))
	}
	derive := func(static, constant []byte) ([]byte, error) {
		input := make([]byte, 16)
		copy(input, constant)
		copy(input[2:], seq)
		iv := make([]byte, 8)
		return tripleDESCBCEncrypt(static, iv, input)
	}
	mac, err := derive(keys.MAC, derivationCMAC)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	enc, err := derive(keys.ENC, derivationENC)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	dek, err := derive(keys.DEK, derivationDEK)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &SessionKeys{ENC: enc, MAC: mac, DEK: dek}, nil
}

// CardCryptogram computes the card authentication cryptogram: a Retail
// MAC over host challenge, sequence counter and card challenge under the
// session MAC key.
func CardCryptogram(sessionMAC, hostChallenge, seq, cardChallenge []byte) ([]byte, error) {
	input := make([]byte, 0, 18)
	input = append(input, hostChallenge...)
	input = append(input, seq...)
	input = append(input, cardChallenge...)
	return retailMAC(sessionMAC, make([]byte, 8), input)
}

// HostCryptogram computes the host authentication cryptogram: a Retail
// MAC over sequence counter, card challenge and host challenge under the
// session MAC key.
func HostCryptogram(sessionMAC, seq, cardChallenge, hostChallenge []byte) ([]byte, error) {
	input := make([]byte, 0, 18)
	input = append(input, seq...)
	input = append(input, cardChallenge...)
	input = append(input, hostChallenge...)
	return retailMAC(sessionMAC, make([]byte, 8), input)
}

// ComputeCMAC computes the command MAC over the modified header, the
// MAC-inclusive length and the (plaintext) data field, chained through
// the supplied IV.
func ComputeCMAC(sessionMAC, chainingValue []byte, cla, ins, p1, p2 byte, data []byte) ([]byte, error) {
	if len(data)+8 > apdu.MaxShortLength {
		return nil, trace.BadParameter("secured command data too long: %v bytes", len(data))
	}
	input := make([]byte, 0, 5+len(data))
	input = append(input, cla|claSecureMessage, ins, p1, p2, byte(len(data)+8))
	input = append(input, data...)
	return retailMAC(sessionMAC, chainingValue, input)
}

// WrapKey encrypts a 16-byte key under the wrapping key in 3DES ECB and
// appends its 3-byte check value, zero padded to the next 8-byte
// boundary.
func WrapKey(wrappingKey, key []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, trace.BadParameter("wrapped key must be 16 bytes, got %v", len(key))
	}
	ciphertext, err := tripleDESECBEncrypt(wrappingKey, key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	check, err := kcv(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]byte, 0, 24)
	out = append(out, ciphertext...)
	out = append(out, check...)
	for len(out)%8 != 0 {
		out = append(out, 0x00)
	}
	return out, nil
}

// TransmitFunc sends a command APDU to the card and returns its
// response. The secure channel is transport agnostic.
type TransmitFunc func(ctx context.Context, cmd *apdu.Command) (*apdu.Response, error)

// Config configures a secure channel.
type Config struct {
	// Keys is the static key set.
	Keys StaticKeys
	// Transmit delivers APDUs to the card.
	Transmit TransmitFunc
	// Rand sources the host challenge. Defaults to crypto/rand.
	Rand io.Reader
	// Clock defaults to the real clock; the channel does not read it.
	Clock clockwork.Clock
	// Log is the channel logger.
	Log log.FieldLogger
}

// CheckAndSetDefaults checks parameters and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if err := c.Keys.Check(); err != nil {
		return trace.Wrap(err)
	}
	if c.Transmit == nil {
		return trace.BadParameter("missing parameter Transmit")
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "scp02")
	}
	return nil
}

// Channel is an SCP02 secure channel. All operations are safe for
// concurrent use; secured sends are serialized so that the MAC chaining
// value advances in command order.
type Channel struct {
	cfg Config

	mu            sync.Mutex
	state         State
	level         SecurityLevel
	seq           []byte
	keyDivData    []byte
	session       *SessionKeys
	macChain      []byte
	hostChallenge []byte
	cardChallenge []byte
}

// NewChannel creates a secure channel in the INIT state.
func NewChannel(cfg Config) (*Channel, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Channel{cfg: cfg, state: StateInit}, nil
}

// State returns the current channel state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SecurityLevel returns the negotiated security level of an open channel.
func (c *Channel) SecurityLevel() SecurityLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Authenticated reports whether the channel completed mutual
// authentication.
func (c *Channel) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen
}

// SequenceCounter returns the card sequence counter observed during the
// handshake.
func (c *Channel) SequenceCounter() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte{}, c.seq...)
}

// Open runs the INITIALIZE UPDATE / EXTERNAL AUTHENTICATE handshake and
// transitions the channel to OPEN at the requested security level. Any
// failure closes the channel.
func (c *Channel) Open(ctx context.Context, level SecurityLevel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInit {
		return trace.BadParameter("cannot open channel in state %v", c.state)
	}
	c.state = StateAuthInProgress
	if err := c.open(ctx, level); err != nil {
		c.state = StateClosed
		return trace.Wrap(err)
	}
	c.state = StateOpen
	c.level = level
	c.cfg.Log.WithFields(log.Fields{
		"key_version":    c.cfg.Keys.Version,
		"security_level": level,
	}).Debug("Secure channel opened.")
	return nil
}

func (c *Channel) open(ctx context.Context, level SecurityLevel) error {
	hostChallenge := make([]byte, 8)
	if _, err := io.ReadFull(c.cfg.Rand, hostChallenge); err != nil {
		return trace.Wrap(err)
	}
	c.hostChallenge = hostChallenge

	resp, err := c.cfg.Transmit(ctx, &apdu.Command{
		CLA:   claGP,
		INS:   insInitUpdate,
		P1:    c.cfg.Keys.Version,
		P2:    0x00,
		Data:  hostChallenge,
		HasLe: true,
		Le:    256,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if !resp.IsOK() {
		return trace.AccessDenied("INITIALIZE UPDATE rejected: %v", apdu.Describe(resp.SW()))
	}
	if len(resp.Data) != 28 {
		return trace.BadParameter("malformed INITIALIZE UPDATE response: %v bytes, want 28", len(resp.Data))
	}
	c.keyDivData = append([]byte{}, resp.Data[:10]...)
	c.seq = append([]byte{}, resp.Data[10:12]...)
	c.cardChallenge = append([]byte{}, resp.Data[12:20]...)
	cardCryptogram := resp.Data[20:28]

	session, err := DeriveSessionKeys(c.cfg.Keys, c.seq)
	if err != nil {
		return trace.Wrap(err)
	}
	c.session = session

	expected, err := CardCryptogram(session.MAC, c.hostChallenge, c.seq, c.cardChallenge)
	if err != nil {
		return trace.Wrap(err)
	}
	if subtle.ConstantTimeCompare(expected, cardCryptogram) != 1 {
		return trace.AccessDenied("card cryptogram verification failed")
	}

	hostCryptogram, err := HostCryptogram(session.MAC, c.seq, c.cardChallenge, c.hostChallenge)
	if err != nil {
		return trace.Wrap(err)
	}
	mac, err := ComputeCMAC(session.MAC, make([]byte, 8), claGP, insExternalAuth, byte(level), 0x00, hostCryptogram)
	if err != nil {
		return trace.Wrap(err)
	}
	c.macChain = mac

	data := make([]byte, 0, 16)
	data = append(data, hostCryptogram...)
	data = append(data, mac...)
	resp, err = c.cfg.Transmit(ctx, &apdu.Command{
		CLA:  claGPSecure,
		INS:  insExternalAuth,
		P1:   byte(level),
		P2:   0x00,
		Data: data,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if !resp.IsOK() {
		return trace.AccessDenied("EXTERNAL AUTHENTICATE rejected: %v", apdu.Describe(resp.SW()))
	}
	return nil
}

// Wrap applies the negotiated secure messaging to a command: the secure
// messaging class bit, command encryption when enabled, and the chained
// command MAC. The MAC is always computed over the plaintext data field,
// before encryption, matching the card-side verification order.
func (c *Channel) Wrap(cmd *apdu.Command) (*apdu.Command, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wrapLocked(cmd)
}

func (c *Channel) wrapLocked(cmd *apdu.Command) (*apdu.Command, error) {
	if c.state != StateOpen {
		return nil, trace.BadParameter("secure channel is not open: state %v", c.state)
	}
	if c.level == SecurityLevelNone {
		return cmd, nil
	}
	mac, err := ComputeCMAC(c.session.MAC, c.macChain, cmd.CLA, cmd.INS, cmd.P1, cmd.P2, cmd.Data)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	data := cmd.Data
	if c.level == SecurityLevelCMACEnc && len(cmd.Data) > 0 {
		encrypted, err := tripleDESCBCEncrypt(c.session.ENC, make([]byte, 8), pad80(cmd.Data, 8))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		data = encrypted
	}
	wrapped := &apdu.Command{
		CLA:   cmd.CLA | claSecureMessage,
		INS:   cmd.INS,
		P1:    cmd.P1,
		P2:    cmd.P2,
		Data:  append(append([]byte{}, data...), mac...),
		HasLe: cmd.HasLe,
		Le:    cmd.Le,
	}
	c.macChain = mac
	return wrapped, nil
}

// Send wraps the command and transmits it. Concurrent sends are
// serialized; the MAC chaining value advances strictly in send order.
func (c *Channel) Send(ctx context.Context, cmd *apdu.Command) (*apdu.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wrapped, err := c.wrapLocked(cmd)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := c.cfg.Transmit(ctx, wrapped)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return resp, nil
}

// WrapKey encrypts a key for PUT KEY under the session DEK.
func (c *Channel) WrapKey(key []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return nil, trace.BadParameter("secure channel is not open: state %v", c.state)
	}
	out, err := WrapKey(c.session.DEK, key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// Close transitions the channel to CLOSED.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
}

// MACChainingValue returns a copy of the current MAC chaining value.
func (c *Channel) MACChainingValue() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte{}, c.macChain...)
}
