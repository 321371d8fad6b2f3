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

package netsim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gravitational/trace"

	"github.com/veenone/cardlink-sub000/lib/events"
)

// reconnectLoop drives exponential backoff reconnection after a
// transport loss: the delay starts at InitialDelay, multiplies by
// Factor up to MaxDelay, and the attempt count is unbounded unless
// MaxAttempts is set. An attempt re-authenticates when a key was
// presented before the loss; a rate-limited answer increases the next
// delay by the interval the simulator suggests.
func (c *Client) reconnectLoop() {
	cfg := c.cfg.Reconnect
	c.emit(events.TypeReconnectStart, nil)

	delay := cfg.InitialDelay
	for attempt := 1; cfg.MaxAttempts == 0 || attempt <= cfg.MaxAttempts; attempt++ {
		c.emit(events.TypeReconnectAttempt, map[string]string{
			"attempt": fmt.Sprint(attempt),
			"delay":   delay.String(),
		})
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.NetsimReconnect()
		}

		<-c.cfg.Clock.After(delay)
		if c.isClosed() {
			return
		}
		err := c.reconnectOnce(context.Background())
		if err == nil {
			c.emit(events.TypeReconnectSuccess, map[string]string{
				"attempts": fmt.Sprint(attempt),
			})
			c.cfg.Log.WithField("attempts", attempt).Info("Netsim reconnected.")
			return
		}
		c.cfg.Log.WithError(err).WithField("attempt", attempt).Debug("Netsim reconnect attempt failed.")

		next := time.Duration(float64(delay) * cfg.Factor)
		if next > cfg.MaxDelay {
			next = cfg.MaxDelay
		}
		var rateLimited *RateLimitError
		if errors.As(err, &rateLimited) && rateLimited.RetryAfter > 0 {
			next += rateLimited.RetryAfter
		}
		delay = next

		if cfg.MaxAttempts != 0 && attempt == cfg.MaxAttempts {
			c.emit(events.TypeReconnectFailure, map[string]string{
				"attempts": fmt.Sprint(attempt),
				"error":    err.Error(),
			})
			c.cfg.Log.WithError(err).Warn("Netsim reconnection gave up.")
			return
		}
	}
}

// reconnectOnce dials the transport and, when the session was
// authenticated before the loss, re-presents the API key. A failed
// re-authentication drops the fresh connection so the next attempt
// starts clean.
func (c *Client) reconnectOnce(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return trace.Wrap(err)
	}
	c.mu.Lock()
	apiKey := c.apiKey
	conn := c.conn
	c.mu.Unlock()
	if apiKey == "" {
		return nil
	}
	if err := c.Authenticate(ctx, apiKey); err != nil {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return trace.Wrap(err)
	}
	return nil
}

func (c *Client) emit(eventType string, data map[string]string) {
	if c.cfg.Bus == nil {
		return
	}
	c.cfg.Bus.Emit(events.Event{
		Type:   eventType,
		Source: "netsim",
		Data:   data,
	})
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
