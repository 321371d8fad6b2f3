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

// Package adminhttp implements the GP Amendment B "Remote
// Administration over HTTP" request/response cycle: the server-side
// state machine that feeds C-APDUs to a card posting over PSK-TLS, and
// the card-side client loop the simulator drives.
package adminhttp

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/veenone/cardlink-sub000"
	"github.com/veenone/cardlink-sub000/lib/apdu"
	"github.com/veenone/cardlink-sub000/lib/defaults"
	"github.com/veenone/cardlink-sub000/lib/events"
	"github.com/veenone/cardlink-sub000/lib/observability"
	"github.com/veenone/cardlink-sub000/lib/psktls"
	"github.com/veenone/cardlink-sub000/lib/session"
)

// cycleState is the per-session HTTP machine state.
type cycleState int

const (
	// cyclePending waits for the command queue.
	cyclePending cycleState = iota
	// cycleSending has a C-APDU in flight, expecting its R-APDU next.
	cycleSending
)

type cycle struct {
	state   cycleState
	lastCmd []byte
}

// identityConn is implemented by psktls connections.
type identityConn interface {
	PSKIdentity() string
	Info() psktls.ConnectionInfo
}

type connKeyType struct{}

var connKey connKeyType

// ServerConfig configures the admin server.
type ServerConfig struct {
	// Registry owns the administrative sessions.
	Registry *session.Registry
	// Bus receives protocol events.
	Bus *events.Bus
	// Path is the admin POST path.
	Path string
	// CommandWait is how long a cycle waits for the session queue to
	// become non-empty before terminating with 204 No Content.
	CommandWait time.Duration
	// ShutdownGrace bounds the drain on Shutdown.
	ShutdownGrace time.Duration
	// Metrics optionally counts protocol activity.
	Metrics *observability.Metrics
	// Clock is the server clock.
	Clock clockwork.Clock
	// Log is the server logger.
	Log log.FieldLogger
}

// CheckAndSetDefaults checks parameters and sets default values.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Bus == nil {
		return trace.BadParameter("missing parameter Bus")
	}
	if c.Path == "" {
		c.Path = defaults.AdminPath
	}
	if c.CommandWait == 0 {
		c.CommandWait = defaults.CommandWait
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = defaults.ShutdownGracePeriod
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, cardlink.ComponentAdminServer)
	}
	return nil
}

// Server drives APDU exchange sessions with cards that connect over
// PSK-TLS and post to the admin path.
type Server struct {
	cfg        ServerConfig
	httpServer *http.Server

	mu     sync.Mutex
	cycles map[string]*cycle
}

// NewServer creates an admin server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Server{
		cfg:    cfg,
		cycles: make(map[string]*cycle),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleAdmin)
	s.httpServer = &http.Server{
		Handler: mux,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return context.WithValue(ctx, connKey, c)
		},
	}
	return s, nil
}

// Serve accepts connections from the listener until Shutdown. The
// listener is typically a psktls.Listener.
func (s *Server) Serve(listener net.Listener) error {
	err := s.httpServer.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return trace.Wrap(err)
}

// Shutdown stops accepting connections and, after the grace period,
// transitions still-active sessions to CLOSING and closes their
// transports.
func (s *Server) Shutdown(ctx context.Context) error {
	graceCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	defer cancel()
	err := s.httpServer.Shutdown(graceCtx)
	for _, snap := range s.cfg.Registry.List() {
		if snap.State.Terminal() {
			continue
		}
		if serr := s.cfg.Registry.SetState(snap.ID, session.StateClosing); serr != nil {
			s.cfg.Log.WithError(serr).Warn("Failed to close session on shutdown.")
		}
	}
	if err != nil && err != context.DeadlineExceeded {
		return trace.Wrap(err)
	}
	s.httpServer.Close()
	return nil
}

// QueueCommands pushes C-APDUs onto the session queue in order. It
// implements the command queuer capability the script executor uses.
func (s *Server) QueueCommands(ctx context.Context, sessionID string, commands [][]byte) error {
	return trace.Wrap(s.cfg.Registry.Enqueue(sessionID, commands...))
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	identity, info := peerIdentity(r)
	snap, resumed := s.cfg.Registry.Create(identity, r.RemoteAddr)
	logger := s.cfg.Log.WithFields(log.Fields{
		"session_id":   snap.ID,
		"psk_identity": identity,
	})

	s.mu.Lock()
	cyc, known := s.cycles[snap.ID]
	if !known {
		cyc = &cycle{state: cyclePending}
		s.cycles[snap.ID] = cyc
	}
	s.mu.Unlock()

	if !known {
		s.onFirstPost(snap, info, r, resumed, logger)
	}
	if from := r.Header.Get(cardlink.AdminFromHeader); from != "" {
		if identifiers := ParseAdminFrom(from); !identifiers.Empty() {
			if err := s.cfg.Registry.SetIdentifiers(snap.ID, identifiers); err != nil {
				logger.WithError(err).Warn("Failed to record card identifiers.")
			}
		}
	}

	if len(body) > 0 {
		if !s.acceptResponse(snap.ID, cyc, body, logger) {
			s.failSession(snap.ID, "unexpected or malformed response APDU", logger)
			http.Error(w, "unexpected response APDU", http.StatusBadRequest)
			return
		}
	}

	s.reply(w, r, snap.ID, cyc, logger)
}

// onFirstPost handles the HANDSHAKE_DONE -> PENDING transition.
func (s *Server) onFirstPost(snap session.Snapshot, info psktls.ConnectionInfo, r *http.Request, resumed bool, logger log.FieldLogger) {
	if info.CipherSuite != 0 {
		if err := s.cfg.Registry.SetCipherSuite(snap.ID, info.SuiteName()); err != nil {
			logger.WithError(err).Warn("Failed to record cipher suite.")
		}
	}
	if err := s.cfg.Registry.SetState(snap.ID, session.StateActive); err != nil {
		logger.WithError(err).Warn("Failed to activate session.")
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SessionStarted()
		if info.HandshakeDuration > 0 {
			s.cfg.Metrics.ObserveHandshake(info.HandshakeDuration)
		}
	}
	s.cfg.Bus.Emit(events.Event{
		Type:      events.TypeHandshakeCompleted,
		Source:    "admin",
		SessionID: snap.ID,
		Data: map[string]string{
			"psk_identity": snap.PSKIdentity,
			"cipher_suite": info.SuiteName(),
			"protocol":     r.Header.Get(cardlink.AdminProtocolHeader),
			"resumed":      boolString(resumed),
		},
	})
	logger.Info("Admin session established.")
}

// acceptResponse logs an R-APDU arriving for the in-flight C-APDU.
func (s *Server) acceptResponse(sessionID string, cyc *cycle, body []byte, logger log.FieldLogger) bool {
	s.mu.Lock()
	inFlight := cyc.state == cycleSending
	cyc.state = cyclePending
	s.mu.Unlock()
	if !inFlight {
		return false
	}
	resp, err := apdu.DecodeResponse(body)
	if err != nil {
		return false
	}
	if err := s.cfg.Registry.RecordReceived(sessionID, body, resp.SW()); err != nil {
		logger.WithError(err).Warn("Failed to record response APDU.")
		return false
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.APDUReceived(len(body))
	}
	switch apdu.Classify(resp.SW()) {
	case apdu.KindSecurity:
		logger.WithField("sw", resp.SW()).Warn("Card reported a security failure.")
	case apdu.KindError:
		logger.WithField("sw", resp.SW()).Warn("Card reported a command error.")
	}
	return true
}

// reply serves the PENDING state: the next queued C-APDU with 200, or
// 204 No Content when the queue stays empty.
func (s *Server) reply(w http.ResponseWriter, r *http.Request, sessionID string, cyc *cycle, logger log.FieldLogger) {
	queue, err := s.cfg.Registry.Queue(sessionID)
	if err != nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	next, ok := queue.Dequeue(r.Context(), s.cfg.CommandWait)
	if !ok {
		s.completeCycle(sessionID, logger)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := s.cfg.Registry.SetState(sessionID, session.StateExchanging); err != nil {
		logger.WithError(err).Warn("Failed to mark session exchanging.")
	}
	if err := s.cfg.Registry.RecordSent(sessionID, next); err != nil {
		logger.WithError(err).Warn("Failed to record command APDU.")
		http.Error(w, "session closed", http.StatusConflict)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.APDUSent(len(next))
	}

	s.mu.Lock()
	cyc.state = cycleSending
	cyc.lastCmd = next
	s.mu.Unlock()

	w.Header().Set("Content-Type", cardlink.ContentTypeCommand)
	w.Header().Set(cardlink.AdminProtocolHeader, "globalplatform-remote-admin/1.0")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(next); err != nil {
		logger.WithError(err).Warn("Failed to write command APDU.")
	}
}

// completeCycle terminates the HTTP cycle: the card goes back to
// normal operation and the session settles as ACTIVE awaiting further
// work.
func (s *Server) completeCycle(sessionID string, logger log.FieldLogger) {
	s.mu.Lock()
	delete(s.cycles, sessionID)
	s.mu.Unlock()
	if err := s.cfg.Registry.SetState(sessionID, session.StateActive); err != nil {
		logger.WithError(err).Warn("Failed to settle session.")
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SessionCompleted()
	}
	s.cfg.Bus.Emit(events.Event{
		Type:      events.TypeSessionClosed,
		Source:    "admin",
		SessionID: sessionID,
		Data:      map[string]string{"reason": "completed"},
	})
	logger.Info("Admin session completed.")
}

// failSession transitions the session into the error state and emits an
// error event. It does not close the transport; the caller answers the
// request with an error status after it returns.
func (s *Server) failSession(sessionID, reason string, logger log.FieldLogger) {
	s.mu.Lock()
	delete(s.cycles, sessionID)
	s.mu.Unlock()
	if err := s.cfg.Registry.SetState(sessionID, session.StateError); err != nil {
		logger.WithError(err).Warn("Failed to mark session errored.")
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SessionFailed()
	}
	s.cfg.Bus.Emit(events.Event{
		Type:      events.TypeError,
		Source:    "admin",
		SessionID: sessionID,
		Data:      map[string]string{"error": reason},
	})
	logger.WithField("error", reason).Warn("Admin session failed.")
}

// peerIdentity extracts the PSK identity and handshake info from the
// request connection.
func peerIdentity(r *http.Request) (string, psktls.ConnectionInfo) {
	conn, ok := r.Context().Value(connKey).(net.Conn)
	if !ok {
		return "", psktls.ConnectionInfo{}
	}
	if pskConn, ok := conn.(identityConn); ok {
		return pskConn.PSKIdentity(), pskConn.Info()
	}
	return "", psktls.ConnectionInfo{}
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
