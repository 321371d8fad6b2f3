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

// Package uicc implements the virtual UICC: a pure C-APDU to R-APDU
// dispatcher with a GlobalPlatform handler set, an applet registry and
// a scripted fault controller for exercising server failure paths.
package uicc

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/veenone/cardlink-sub000/lib/apdu"
	"github.com/veenone/cardlink-sub000/lib/scp02"
)

// ISDAID is the default issuer security domain application identifier.
var ISDAID = []byte{0xA0, 0x00, 0x00, 0x01, 0x51, 0x00, 0x00, 0x00}

// Applet handles APDUs routed to it after SELECT by AID.
type Applet interface {
	// AID is the application identifier the applet registers under.
	AID() []byte
	// Process handles one command APDU.
	Process(cmd *apdu.Command) (*apdu.Response, error)
}

// Profile is the injected card identity.
type Profile struct {
	// ICCID is the card serial number.
	ICCID string
	// IMSI is the subscriber identity.
	IMSI string
	// ATR is the answer-to-reset the card reports.
	ATR []byte
	// Keys is the static SCP02 key set.
	Keys scp02.StaticKeys
	// SequenceCounter is the SCP02 sequence counter.
	SequenceCounter [2]byte
	// KeyDiversificationData is returned by INITIALIZE UPDATE.
	KeyDiversificationData [10]byte
}

// Config configures the virtual UICC.
type Config struct {
	// Profile is the card identity.
	Profile Profile
	// Applets are registered by AID.
	Applets []Applet
	// Rand sources card challenges. Defaults to crypto/rand.
	Rand io.Reader
	// Log is the card logger.
	Log log.FieldLogger
}

// CheckAndSetDefaults checks parameters and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if err := c.Profile.Keys.Check(); err != nil {
		return trace.Wrap(err)
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "uicc")
	}
	return nil
}

// Behavior scripts card faults for harness use: forced status words and
// artificial processing delay.
type Behavior struct {
	mu      sync.Mutex
	forced  map[byte]uint16
	all     uint16
	delay   time.Duration
}

// ForceStatusWord makes every command with the given INS return sw.
func (b *Behavior) ForceStatusWord(ins byte, sw uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.forced == nil {
		b.forced = make(map[byte]uint16)
	}
	b.forced[ins] = sw
}

// ForceAllStatusWord makes every command return sw.
func (b *Behavior) ForceAllStatusWord(sw uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = sw
}

// SetDelay injects a processing delay before every response.
func (b *Behavior) SetDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delay = d
}

// Reset clears all scripted behaviors.
func (b *Behavior) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = nil
	b.all = 0
	b.delay = 0
}

func (b *Behavior) apply(ins byte) (uint16, time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.all != 0 {
		return b.all, b.delay, true
	}
	if sw, ok := b.forced[ins]; ok {
		return sw, b.delay, true
	}
	return 0, b.delay, false
}

// secureChannel is the card-side SCP02 session state.
type secureChannel struct {
	session       *scp02.SessionKeys
	hostChallenge []byte
	cardChallenge []byte
	macChain      []byte
	level         scp02.SecurityLevel
	authenticated bool
}

// UICC is the virtual card. Process is safe for concurrent use, though
// the admin protocol delivers one APDU at a time.
type UICC struct {
	cfg      Config
	behavior Behavior

	mu       sync.Mutex
	applets  map[string]Applet
	selected Applet
	channel  *secureChannel
}

// New creates a virtual UICC.
func New(cfg Config) (*UICC, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	u := &UICC{
		cfg:     cfg,
		applets: make(map[string]Applet),
	}
	for _, applet := range cfg.Applets {
		u.applets[string(applet.AID())] = applet
	}
	return u, nil
}

// Behavior returns the fault controller.
func (u *UICC) Behavior() *Behavior {
	return &u.behavior
}

// RegisterApplet adds an applet at runtime.
func (u *UICC) RegisterApplet(applet Applet) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.applets[string(applet.AID())] = applet
}

// ATR returns the configured answer-to-reset.
func (u *UICC) ATR() []byte {
	return append([]byte{}, u.cfg.Profile.ATR...)
}

// Process dispatches one C-APDU and returns the R-APDU. It never
// performs I/O and never returns an error for card-level failures;
// those surface as status words.
func (u *UICC) Process(raw []byte) []byte {
	cmd, err := apdu.DecodeCommand(raw)
	if err != nil {
		return apdu.NewResponse(nil, apdu.SWWrongLength).Encode()
	}
	if sw, delay, forced := u.behavior.apply(cmd.INS); forced {
		if delay > 0 {
			time.Sleep(delay)
		}
		return apdu.NewResponse(nil, sw).Encode()
	} else if delay > 0 {
		time.Sleep(delay)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	resp := u.dispatch(cmd)
	return resp.Encode()
}

func (u *UICC) dispatch(cmd *apdu.Command) *apdu.Response {
	if cmd.CLA&0xF0 == 0x80 || cmd.CLA&0xF0 == 0x84 {
		return u.dispatchGP(cmd)
	}
	// SELECT by AID routes through the applet registry even on the
	// interindustry class.
	if cmd.INS == insSelect && cmd.P1 == 0x04 {
		return u.handleSelect(cmd)
	}
	if u.selected != nil {
		resp, err := u.selected.Process(cmd)
		if err != nil {
			u.cfg.Log.WithError(err).Warn("Applet failed to process command.")
			return apdu.NewResponse(nil, apdu.SWNoPreciseDiagnosis)
		}
		return resp
	}
	return apdu.NewResponse(nil, apdu.SWInsNotSupported)
}
