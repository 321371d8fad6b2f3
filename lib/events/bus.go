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

package events

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/veenone/cardlink-sub000/lib/defaults"
)

// Handler receives an immutable event snapshot.
type Handler func(Event)

// Subscription is a registered handler; pass it back to Unsubscribe.
type Subscription struct {
	eventType string
	handler   Handler
}

// BusConfig configures the event bus.
type BusConfig struct {
	// HistorySize bounds the history ring.
	HistorySize int
	// Clock stamps emitted events.
	Clock clockwork.Clock
	// Log is the bus logger.
	Log log.FieldLogger
}

// CheckAndSetDefaults checks parameters and sets default values.
func (c *BusConfig) CheckAndSetDefaults() error {
	if c.HistorySize < 0 {
		return trace.BadParameter("history size must not be negative")
	}
	if c.HistorySize == 0 {
		c.HistorySize = defaults.EventHistorySize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "events")
	}
	return nil
}

// Bus is the in-process pub/sub bus. Emission snapshots the subscriber
// list and dispatches outside the subscription lock; a panicking
// subscriber is logged and does not abort dispatch to its siblings.
type Bus struct {
	cfg BusConfig

	mu   sync.Mutex
	subs []*Subscription

	histMu  sync.Mutex
	history []Event

	corrMu       sync.Mutex
	correlations map[string]*correlation
}

type correlation struct {
	name   string
	events []Event
}

// NewBus creates an event bus.
func NewBus(cfg BusConfig) (*Bus, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Bus{
		cfg:          cfg,
		correlations: make(map[string]*correlation),
	}, nil
}

// Subscribe registers a handler for the given event type; an empty type
// subscribes to all events.
func (b *Bus) Subscribe(eventType string, handler Handler) *Subscription {
	sub := &Subscription{eventType: eventType, handler: handler}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, sub)
	return sub
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit records the event in history and synchronously dispatches it to
// every matching subscriber.
func (b *Bus) Emit(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.cfg.Clock.Now()
	}

	b.histMu.Lock()
	b.history = append(b.history, event.clone())
	if over := len(b.history) - b.cfg.HistorySize; over > 0 {
		b.history = append(b.history[:0:0], b.history[over:]...)
	}
	b.histMu.Unlock()

	b.corrMu.Lock()
	for id, corr := range b.correlations {
		tagged := event.clone()
		tagged.CorrelationID = id
		corr.events = append(corr.events, tagged)
	}
	b.corrMu.Unlock()

	b.mu.Lock()
	subs := append([]*Subscription{}, b.subs...)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.eventType != "" && sub.eventType != event.Type {
			continue
		}
		b.dispatch(sub, event.clone())
	}
}

func (b *Bus) dispatch(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.cfg.Log.WithFields(log.Fields{
				"event_type": event.Type,
				"panic":      r,
			}).Warn("Event subscriber panicked.")
		}
	}()
	sub.handler(event)
}

// StartCorrelation opens a tagging context: every event emitted while it
// is active is copied into a per-correlation buffer.
func (b *Bus) StartCorrelation(name string) string {
	id := uuid.NewString()
	b.corrMu.Lock()
	defer b.corrMu.Unlock()
	b.correlations[id] = &correlation{name: name}
	return id
}

// EndCorrelation closes the context and returns the collected events.
func (b *Bus) EndCorrelation(id string) ([]Event, error) {
	b.corrMu.Lock()
	defer b.corrMu.Unlock()
	corr, ok := b.correlations[id]
	if !ok {
		return nil, trace.NotFound("correlation %v not found", id)
	}
	delete(b.correlations, id)
	return corr.events, nil
}

// FindEvents scans the history ring and returns matching events in
// insertion order, truncated to the filter limit.
func (b *Bus) FindEvents(filter Filter) []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	var out []Event
	for _, event := range b.history {
		if !filter.matches(event) {
			continue
		}
		out = append(out, event.clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// History returns a copy of the full history ring.
func (b *Bus) History() []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	out := make([]Event, 0, len(b.history))
	for _, event := range b.history {
		out = append(out, event.clone())
	}
	return out
}

// Len returns the number of events currently retained.
func (b *Bus) Len() int {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	return len(b.history)
}
