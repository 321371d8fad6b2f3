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

package scripts

import (
	"context"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/veenone/cardlink-sub000/lib/events"
)

// CommandQueuer pushes an ordered list of C-APDUs into a live
// administration session. The admin server provides the implementation;
// results surface on the event bus, not through this interface.
type CommandQueuer interface {
	QueueCommands(ctx context.Context, sessionID string, commands [][]byte) error
}

// ExecutorConfig configures the script executor.
type ExecutorConfig struct {
	// Store resolves scripts and templates.
	Store *Store
	// Queuer delivers decoded commands to a session.
	Queuer CommandQueuer
	// Bus receives execution events.
	Bus *events.Bus
	// Log is the executor logger.
	Log log.FieldLogger
}

// CheckAndSetDefaults checks parameters and sets default values.
func (c *ExecutorConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Queuer == nil {
		return trace.BadParameter("missing parameter Queuer")
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "scripts")
	}
	return nil
}

// Executor pushes stored scripts into live sessions.
type Executor struct {
	cfg ExecutorConfig
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Executor{cfg: cfg}, nil
}

// Execute decodes the script commands and queues them on the session in
// declared order. This is a one-way push.
func (e *Executor) Execute(ctx context.Context, scriptID, sessionID string) error {
	script, err := e.cfg.Store.GetScript(scriptID)
	if err != nil {
		return trace.Wrap(err)
	}
	commands, err := script.Decode()
	if err != nil {
		return trace.Wrap(err)
	}
	if err := e.cfg.Queuer.QueueCommands(ctx, sessionID, commands); err != nil {
		return trace.Wrap(err)
	}
	e.cfg.Log.WithFields(log.Fields{
		"script_id":  scriptID,
		"session_id": sessionID,
		"commands":   len(commands),
	}).Info("Queued script for execution.")
	if e.cfg.Bus != nil {
		e.cfg.Bus.Emit(events.Event{
			Type:      "script_executed",
			Source:    "scripts",
			SessionID: sessionID,
			Data: map[string]string{
				"script_id": scriptID,
			},
		})
	}
	return nil
}

// ExecuteTemplate renders the template with the given values and queues
// the result on the session.
func (e *Executor) ExecuteTemplate(ctx context.Context, templateID, sessionID string, values map[string]string) error {
	template, err := e.cfg.Store.GetTemplate(templateID)
	if err != nil {
		return trace.Wrap(err)
	}
	commands, err := Render(&template, values)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := e.cfg.Queuer.QueueCommands(ctx, sessionID, commands); err != nil {
		return trace.Wrap(err)
	}
	if e.cfg.Bus != nil {
		e.cfg.Bus.Emit(events.Event{
			Type:      "script_executed",
			Source:    "scripts",
			SessionID: sessionID,
			Data: map[string]string{
				"template_id": templateID,
			},
		})
	}
	return nil
}
