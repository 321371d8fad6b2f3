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
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T, size int) *Bus {
	t.Helper()
	bus, err := NewBus(BusConfig{HistorySize: size, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	return bus
}

func TestSubscribeByType(t *testing.T) {
	t.Parallel()
	bus := newTestBus(t, 100)

	var sent, all []Event
	bus.Subscribe(TypeAPDUSent, func(e Event) { sent = append(sent, e) })
	bus.Subscribe("", func(e Event) { all = append(all, e) })

	bus.Emit(Event{Type: TypeAPDUSent, SessionID: "s1"})
	bus.Emit(Event{Type: TypeAPDUReceived, SessionID: "s1"})

	require.Len(t, sent, 1)
	require.Equal(t, TypeAPDUSent, sent[0].Type)
	require.Len(t, all, 2)
	require.NotEmpty(t, all[0].ID)
	require.False(t, all[0].Timestamp.IsZero())
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	bus := newTestBus(t, 100)

	var got int
	sub := bus.Subscribe("", func(Event) { got++ })
	bus.Emit(Event{Type: TypeError})
	bus.Unsubscribe(sub)
	bus.Emit(Event{Type: TypeError})
	require.Equal(t, 1, got)
}

func TestSubscriberPanicDoesNotAbortDispatch(t *testing.T) {
	t.Parallel()
	bus := newTestBus(t, 100)

	var reached bool
	bus.Subscribe("", func(Event) { panic("boom") })
	bus.Subscribe("", func(Event) { reached = true })

	bus.Emit(Event{Type: TypeError})
	require.True(t, reached)
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()
	bus := newTestBus(t, 10)

	for i := 0; i < 25; i++ {
		bus.Emit(Event{Type: TypeAPDUSent, Data: map[string]string{"seq": fmt.Sprint(i)}})
	}
	require.Equal(t, 10, bus.Len())

	history := bus.History()
	// Oldest entries were evicted in insertion order.
	require.Equal(t, "15", history[0].Data["seq"])
	require.Equal(t, "24", history[9].Data["seq"])
}

func TestFindEvents(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	bus, err := NewBus(BusConfig{HistorySize: 100, Clock: clock})
	require.NoError(t, err)

	bus.Emit(Event{Type: TypeAPDUSent, SessionID: "s1", IMSI: "001010123456789"})
	clock.Advance(time.Minute)
	cutoff := clock.Now()
	bus.Emit(Event{Type: TypeAPDUReceived, SessionID: "s1"})
	bus.Emit(Event{Type: TypeAPDUReceived, SessionID: "s2", Data: map[string]string{"sw": "9000"}})

	require.Len(t, bus.FindEvents(Filter{SessionID: "s1"}), 2)
	require.Len(t, bus.FindEvents(Filter{IMSI: "001010123456789"}), 1)
	require.Len(t, bus.FindEvents(Filter{Types: []string{TypeAPDUReceived}}), 2)
	require.Len(t, bus.FindEvents(Filter{Since: cutoff}), 2)
	require.Len(t, bus.FindEvents(Filter{Data: map[string]string{"sw": "9000"}}), 1)
	require.Len(t, bus.FindEvents(Filter{Limit: 1}), 1)
	require.Empty(t, bus.FindEvents(Filter{SessionID: "missing"}))
}

func TestCorrelation(t *testing.T) {
	t.Parallel()
	bus := newTestBus(t, 100)

	bus.Emit(Event{Type: TypeAPDUSent})
	id := bus.StartCorrelation("provisioning")
	bus.Emit(Event{Type: TypeAPDUSent, SessionID: "s1"})
	bus.Emit(Event{Type: TypeAPDUReceived, SessionID: "s1"})

	collected, err := bus.EndCorrelation(id)
	require.NoError(t, err)
	require.Len(t, collected, 2)
	for _, e := range collected {
		require.Equal(t, id, e.CorrelationID)
	}

	_, err = bus.EndCorrelation(id)
	require.Error(t, err)

	// Events after the correlation ended are not collected anywhere.
	bus.Emit(Event{Type: TypeAPDUSent})
	require.Equal(t, 4, bus.Len())
}

func TestHistoryReturnsCopies(t *testing.T) {
	t.Parallel()
	bus := newTestBus(t, 100)

	bus.Emit(Event{Type: TypeAPDUSent, Data: map[string]string{"k": "v"}})
	history := bus.History()
	history[0].Data["k"] = "mutated"

	require.Equal(t, "v", bus.History()[0].Data["k"])
}
