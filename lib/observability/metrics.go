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

// Package observability holds the internal protocol counters. They are
// registered on a caller-provided Prometheus registerer; exposition is
// out of scope here.
package observability

import (
	"time"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the counter set shared by the admin server and the netsim
// adapter.
type Metrics struct {
	sessionsStarted   prometheus.Counter
	sessionsCompleted prometheus.Counter
	sessionsFailed    prometheus.Counter
	apdusSent         prometheus.Counter
	apdusReceived     prometheus.Counter
	bytesOut          prometheus.Counter
	bytesIn           prometheus.Counter
	handshakeSeconds  prometheus.Histogram
	netsimReconnects  prometheus.Counter
}

// NewMetrics creates and registers the counter set. Passing a private
// registry keeps tests hermetic.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cardlink",
			Name:      "sessions_started_total",
			Help:      "Number of admin sessions established.",
		}),
		sessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cardlink",
			Name:      "sessions_completed_total",
			Help:      "Number of admin sessions terminated normally.",
		}),
		sessionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cardlink",
			Name:      "sessions_failed_total",
			Help:      "Number of admin sessions terminated by an error.",
		}),
		apdusSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cardlink",
			Name:      "apdus_sent_total",
			Help:      "Number of command APDUs delivered to cards.",
		}),
		apdusReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cardlink",
			Name:      "apdus_received_total",
			Help:      "Number of response APDUs returned by cards.",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cardlink",
			Name:      "apdu_bytes_out_total",
			Help:      "Command APDU byte volume.",
		}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cardlink",
			Name:      "apdu_bytes_in_total",
			Help:      "Response APDU byte volume.",
		}),
		handshakeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cardlink",
			Name:      "handshake_duration_seconds",
			Help:      "PSK-TLS handshake duration.",
			Buckets:   prometheus.DefBuckets,
		}),
		netsimReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cardlink",
			Name:      "netsim_reconnects_total",
			Help:      "Number of netsim reconnect attempts.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		m.sessionsStarted, m.sessionsCompleted, m.sessionsFailed,
		m.apdusSent, m.apdusReceived, m.bytesOut, m.bytesIn,
		m.handshakeSeconds, m.netsimReconnects,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return m, nil
}

// SessionStarted counts an established session.
func (m *Metrics) SessionStarted() { m.sessionsStarted.Inc() }

// SessionCompleted counts a normal termination.
func (m *Metrics) SessionCompleted() { m.sessionsCompleted.Inc() }

// SessionFailed counts an errored termination.
func (m *Metrics) SessionFailed() { m.sessionsFailed.Inc() }

// APDUSent counts a delivered C-APDU.
func (m *Metrics) APDUSent(bytes int) {
	m.apdusSent.Inc()
	m.bytesOut.Add(float64(bytes))
}

// APDUReceived counts a returned R-APDU.
func (m *Metrics) APDUReceived(bytes int) {
	m.apdusReceived.Inc()
	m.bytesIn.Add(float64(bytes))
}

// ObserveHandshake records a handshake duration.
func (m *Metrics) ObserveHandshake(d time.Duration) {
	m.handshakeSeconds.Observe(d.Seconds())
}

// NetsimReconnect counts a reconnect attempt.
func (m *Metrics) NetsimReconnect() { m.netsimReconnects.Inc() }
