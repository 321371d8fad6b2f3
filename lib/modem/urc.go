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

package modem

import (
	"regexp"
	"sync"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// URCHandler receives one unsolicited result code line.
type URCHandler func(line string)

type urcEntry struct {
	pattern *regexp.Regexp
	handler URCHandler
}

// Dispatcher drains the URC queue and fans each line out to every
// handler whose pattern matches. Handlers run on their own goroutines
// so no invocation blocks a sibling; a panicking handler is logged and
// dispatch continues.
type Dispatcher struct {
	log   log.FieldLogger
	queue chan string

	mu       sync.Mutex
	handlers map[int]urcEntry
	nextID   int
}

func newDispatcher(queueSize int, logger log.FieldLogger) *Dispatcher {
	return &Dispatcher{
		log:      logger,
		queue:    make(chan string, queueSize),
		handlers: make(map[int]urcEntry),
	}
}

func (d *Dispatcher) register(pattern string, handler URCHandler) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, trace.BadParameter("invalid URC pattern %q: %v", pattern, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.handlers[id] = urcEntry{pattern: re, handler: handler}
	return id, nil
}

func (d *Dispatcher) unregister(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, id)
}

func (d *Dispatcher) enqueue(line string) {
	select {
	case d.queue <- line:
	default:
		d.log.WithField("line", line).Warn("URC queue full, dropping line.")
	}
}

func (d *Dispatcher) run(done <-chan struct{}) {
	for {
		select {
		case line := <-d.queue:
			d.dispatch(line)
		case <-done:
			return
		}
	}
}

func (d *Dispatcher) dispatch(line string) {
	d.mu.Lock()
	entries := make([]urcEntry, 0, len(d.handlers))
	for _, entry := range d.handlers {
		entries = append(entries, entry)
	}
	d.mu.Unlock()

	for _, entry := range entries {
		if !entry.pattern.MatchString(line) {
			continue
		}
		entry := entry
		go func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.WithFields(log.Fields{
						"line":  line,
						"panic": r,
					}).Warn("URC handler panicked.")
				}
			}()
			entry.handler(line)
		}()
	}
}
