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

package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/veenone/cardlink-sub000/lib/defaults"
	"github.com/veenone/cardlink-sub000/lib/events"
)

// RegistryConfig configures the session registry.
type RegistryConfig struct {
	// IdleTimeout is how long a session may stay inactive before the
	// reaper collects it.
	IdleTimeout time.Duration
	// Clock is used for timestamps and the reap interval.
	Clock clockwork.Clock
	// Bus receives session lifecycle events.
	Bus *events.Bus
	// Log is the registry logger.
	Log log.FieldLogger
	// APDULogSize bounds the per-session APDU log.
	APDULogSize int
}

// CheckAndSetDefaults checks parameters and sets default values.
func (c *RegistryConfig) CheckAndSetDefaults() error {
	if c.Bus == nil {
		return trace.BadParameter("missing parameter Bus")
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaults.SessionIdleTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "session")
	}
	if c.APDULogSize <= 0 {
		c.APDULogSize = defaults.APDULogSize
	}
	return nil
}

// Registry exclusively owns the set of live administrative sessions.
// Subscribers only ever see snapshots.
type Registry struct {
	cfg RegistryConfig

	mu       sync.Mutex
	sessions map[string]*session
	byPSK    map[string]string
	byAddr   map[string]string

	closeOnce sync.Once
	done      chan struct{}
}

// NewRegistry creates a session registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*session),
		byPSK:    make(map[string]string),
		byAddr:   make(map[string]string),
		done:     make(chan struct{}),
	}, nil
}

// Create registers a new session for the (PSK identity, client address)
// pair, or reattaches to the existing live session when the identity is
// already known. An attach from a new address, or to a session that had
// reached a terminal state, counts as a reconnect and emits
// session_reconnected; repeated posts over the same connection reuse
// the session silently. The second return reports reuse.
func (r *Registry) Create(pskIdentity, clientAddress string) (Snapshot, bool) {
	r.mu.Lock()
	now := r.cfg.Clock.Now()

	id, known := r.byPSK[pskIdentity]
	if pskIdentity == "" {
		id, known = r.byAddr[clientAddress]
	}
	if known {
		existing := r.sessions[id]
		reconnect := existing.ClientAddress != clientAddress || existing.State.Terminal()
		delete(r.byAddr, existing.ClientAddress)
		existing.ClientAddress = clientAddress
		r.byAddr[clientAddress] = id
		existing.UpdatedAt = now
		if existing.State.Terminal() {
			existing.State = StateHandshaking
		}
		snap := existing.snapshot()
		r.mu.Unlock()
		if reconnect {
			r.emit(events.TypeSessionReconnected, snap, nil)
		}
		return snap, true
	}

	s := &session{
		Snapshot: Snapshot{
			ID:            uuid.NewString(),
			PSKIdentity:   pskIdentity,
			ClientAddress: clientAddress,
			State:         StateHandshaking,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		queue: NewCommandQueue(),
	}
	r.sessions[s.ID] = s
	if pskIdentity != "" {
		r.byPSK[pskIdentity] = s.ID
	}
	r.byAddr[clientAddress] = s.ID
	snap := s.snapshot()
	r.mu.Unlock()
	r.emit(events.TypeSessionCreated, snap, nil)
	return snap, false
}

// Get returns a snapshot of the session.
func (r *Registry) Get(id string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, trace.NotFound("session %v not found", id)
	}
	return s.snapshot(), nil
}

// GetByPSKIdentity returns the live session for a PSK identity.
func (r *Registry) GetByPSKIdentity(pskIdentity string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byPSK[pskIdentity]
	if !ok {
		return Snapshot{}, trace.NotFound("no session for PSK identity %q", pskIdentity)
	}
	return r.sessions[id].snapshot(), nil
}

// List returns snapshots of every live session.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// SetState transitions the session state and bumps the activity time.
func (r *Registry) SetState(id string, state State) error {
	snap, err := r.update(id, func(s *session) {
		s.State = state
	})
	if err != nil {
		return trace.Wrap(err)
	}
	r.emit(events.TypeSessionUpdated, snap, map[string]string{"state": string(state)})
	return nil
}

// SetIdentifiers records card identifiers parsed from X-Admin-From.
func (r *Registry) SetIdentifiers(id string, identifiers Identifiers) error {
	snap, err := r.update(id, func(s *session) {
		if identifiers.ICCID != "" {
			s.Identifiers.ICCID = identifiers.ICCID
		}
		if identifiers.EID != "" {
			s.Identifiers.EID = identifiers.EID
		}
		if identifiers.IMEI != "" {
			s.Identifiers.IMEI = identifiers.IMEI
		}
		if identifiers.SEID != "" {
			s.Identifiers.SEID = identifiers.SEID
		}
	})
	if err != nil {
		return trace.Wrap(err)
	}
	r.emit(events.TypeSessionUpdated, snap, nil)
	return nil
}

// SetCipherSuite records the negotiated TLS parameters.
func (r *Registry) SetCipherSuite(id, suite string) error {
	_, err := r.update(id, func(s *session) {
		s.CipherSuite = suite
	})
	return trace.Wrap(err)
}

// RecordSent logs an outbound C-APDU on a non-terminal session.
func (r *Registry) RecordSent(id string, payload []byte) error {
	snap, err := r.recordAPDU(id, func(s *session) {
		s.Counters.APDUsSent++
		s.Counters.BytesOut += len(payload)
		s.appendLog(APDUEntry{
			Time:      r.cfg.Clock.Now(),
			Direction: DirectionSent,
			Payload:   append([]byte{}, payload...),
		}, r.cfg.APDULogSize)
	})
	if err != nil {
		return trace.Wrap(err)
	}
	r.emit(events.TypeAPDUSent, snap, nil)
	return nil
}

// RecordReceived logs an inbound R-APDU on a non-terminal session.
func (r *Registry) RecordReceived(id string, payload []byte, sw uint16) error {
	snap, err := r.recordAPDU(id, func(s *session) {
		s.Counters.APDUsReceived++
		s.Counters.BytesIn += len(payload)
		s.appendLog(APDUEntry{
			Time:      r.cfg.Clock.Now(),
			Direction: DirectionReceived,
			Payload:   append([]byte{}, payload...),
			SW:        sw,
		}, r.cfg.APDULogSize)
	})
	if err != nil {
		return trace.Wrap(err)
	}
	r.emit(events.TypeAPDUReceived, snap, nil)
	return nil
}

// APDULog returns a copy of the session APDU log.
func (r *Registry) APDULog(id string) ([]APDUEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, trace.NotFound("session %v not found", id)
	}
	out := make([]APDUEntry, len(s.apduLog))
	copy(out, s.apduLog)
	return out, nil
}

// Queue returns the pending command queue of the session.
func (r *Registry) Queue(id string) (*CommandQueue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, trace.NotFound("session %v not found", id)
	}
	return s.queue, nil
}

// Enqueue appends C-APDUs to the session queue in order. Terminal
// sessions accept no further commands.
func (r *Registry) Enqueue(id string, commands ...[]byte) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return trace.NotFound("session %v not found", id)
	}
	if s.State.Terminal() {
		r.mu.Unlock()
		return trace.BadParameter("session %v is %v and accepts no further commands", id, s.State)
	}
	queue := s.queue
	r.mu.Unlock()
	queue.Enqueue(commands...)
	return nil
}

// Touch bumps the session activity time.
func (r *Registry) Touch(id string) error {
	_, err := r.update(id, func(*session) {})
	return trace.Wrap(err)
}

// Delete removes the session, closing its queue. The reason is carried
// on the session_deleted event.
func (r *Registry) Delete(id, reason string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return trace.NotFound("session %v not found", id)
	}
	delete(r.sessions, id)
	if s.PSKIdentity != "" && r.byPSK[s.PSKIdentity] == id {
		delete(r.byPSK, s.PSKIdentity)
	}
	if r.byAddr[s.ClientAddress] == id {
		delete(r.byAddr, s.ClientAddress)
	}
	s.queue.Close()
	snap := s.Snapshot
	r.mu.Unlock()
	r.emit(events.TypeSessionDeleted, snap, map[string]string{"reason": reason})
	return nil
}

// Start runs the background reaper until ctx is canceled or Close is
// called. The scan period is a tenth of the idle timeout, floored.
func (r *Registry) Start(ctx context.Context) {
	period := r.cfg.IdleTimeout / 10
	if period < defaults.SessionReaperFloor {
		period = defaults.SessionReaperFloor
	}
	go r.reapLoop(ctx, period)
}

// Close stops the reaper.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

func (r *Registry) reapLoop(ctx context.Context, period time.Duration) {
	ticker := r.cfg.Clock.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			r.reap()
		case <-ctx.Done():
			return
		case <-r.done:
			return
		}
	}
}

func (r *Registry) reap() {
	cutoff := r.cfg.Clock.Now().Add(-r.cfg.IdleTimeout)
	r.mu.Lock()
	var expired []*session
	for _, s := range r.sessions {
		if s.State.Terminal() {
			continue
		}
		if s.UpdatedAt.Before(cutoff) {
			s.State = StateTimeout
			expired = append(expired, s)
		}
	}
	for _, s := range expired {
		delete(r.sessions, s.ID)
		if s.PSKIdentity != "" && r.byPSK[s.PSKIdentity] == s.ID {
			delete(r.byPSK, s.PSKIdentity)
		}
		if r.byAddr[s.ClientAddress] == s.ID {
			delete(r.byAddr, s.ClientAddress)
		}
		s.queue.Close()
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.cfg.Log.WithFields(log.Fields{
			"session_id":   s.ID,
			"psk_identity": s.PSKIdentity,
		}).Info("Session timed out.")
		r.emit(events.TypeSessionTimeout, s.Snapshot, nil)
		r.emit(events.TypeSessionDeleted, s.Snapshot, map[string]string{"reason": "timeout"})
	}
}

func (r *Registry) update(id string, fn func(*session)) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, trace.NotFound("session %v not found", id)
	}
	fn(s)
	s.UpdatedAt = r.cfg.Clock.Now()
	return s.snapshot(), nil
}

// recordAPDU guards the terminal-state invariant around an APDU log
// mutation: terminal sessions emit no further APDUs.
func (r *Registry) recordAPDU(id string, fn func(*session)) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, trace.NotFound("session %v not found", id)
	}
	if s.State.Terminal() {
		return Snapshot{}, trace.BadParameter("session %v is %v and emits no further APDUs", id, s.State)
	}
	fn(s)
	s.UpdatedAt = r.cfg.Clock.Now()
	return s.snapshot(), nil
}

func (r *Registry) emit(eventType string, snap Snapshot, data map[string]string) {
	if data == nil {
		data = make(map[string]string)
	}
	data["psk_identity"] = snap.PSKIdentity
	r.cfg.Bus.Emit(events.Event{
		Type:      eventType,
		Source:    "session",
		SessionID: snap.ID,
		Data:      data,
	})
}
