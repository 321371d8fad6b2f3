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
	"sort"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// StoreConfig configures the script store.
type StoreConfig struct {
	// Repository optionally backs the store durably.
	Repository Repository
	// AutoSync commits every CRUD mutation through the repository.
	AutoSync bool
	// Clock stamps created/updated times.
	Clock clockwork.Clock
	// Log is the store logger.
	Log log.FieldLogger
}

// CheckAndSetDefaults checks parameters and sets default values.
func (c *StoreConfig) CheckAndSetDefaults() error {
	if c.AutoSync && c.Repository == nil {
		return trace.BadParameter("auto-sync requires a repository")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "scripts")
	}
	return nil
}

// Store is the in-memory indexed script and template store. Readers
// proceed concurrently; writers are exclusive.
type Store struct {
	cfg StoreConfig

	mu        sync.RWMutex
	scripts   map[string]*Script
	templates map[string]*Template
}

// NewStore creates a store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{
		cfg:       cfg,
		scripts:   make(map[string]*Script),
		templates: make(map[string]*Template),
	}, nil
}

// SaveScript validates and upserts a script.
func (s *Store) SaveScript(script Script) error {
	if err := script.Check(); err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	now := s.cfg.Clock.Now()
	if existing, ok := s.scripts[script.ID]; ok {
		script.CreatedAt = existing.CreatedAt
	} else {
		script.CreatedAt = now
	}
	script.UpdatedAt = now
	s.scripts[script.ID] = &script
	s.mu.Unlock()

	if s.cfg.AutoSync {
		if err := s.cfg.Repository.SaveScript(script); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// GetScript returns a copy of the script.
func (s *Store) GetScript(id string) (Script, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	script, ok := s.scripts[id]
	if !ok {
		return Script{}, trace.NotFound("script %q not found", id)
	}
	return *script, nil
}

// DeleteScript removes the script.
func (s *Store) DeleteScript(id string) error {
	s.mu.Lock()
	_, ok := s.scripts[id]
	delete(s.scripts, id)
	s.mu.Unlock()
	if !ok {
		return trace.NotFound("script %q not found", id)
	}
	if s.cfg.AutoSync {
		if err := s.cfg.Repository.DeleteScript(id); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// ListScripts returns scripts filtered by tag membership and name or
// description substring, both case-insensitive, sorted by id.
func (s *Store) ListScripts(tag, search string) []Script {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Script
	for _, script := range s.scripts {
		if tag != "" && !script.HasTag(tag) {
			continue
		}
		if search != "" && !script.matchesSearch(search) {
			continue
		}
		out = append(out, *script)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SaveTemplate validates and upserts a template.
func (s *Store) SaveTemplate(template Template) error {
	if err := template.Check(); err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	now := s.cfg.Clock.Now()
	if existing, ok := s.templates[template.ID]; ok {
		template.CreatedAt = existing.CreatedAt
	} else {
		template.CreatedAt = now
	}
	template.UpdatedAt = now
	s.templates[template.ID] = &template
	s.mu.Unlock()

	if s.cfg.AutoSync {
		if err := s.cfg.Repository.SaveTemplate(template); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// GetTemplate returns a copy of the template.
func (s *Store) GetTemplate(id string) (Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	template, ok := s.templates[id]
	if !ok {
		return Template{}, trace.NotFound("template %q not found", id)
	}
	return *template, nil
}

// DeleteTemplate removes the template.
func (s *Store) DeleteTemplate(id string) error {
	s.mu.Lock()
	_, ok := s.templates[id]
	delete(s.templates, id)
	s.mu.Unlock()
	if !ok {
		return trace.NotFound("template %q not found", id)
	}
	if s.cfg.AutoSync {
		if err := s.cfg.Repository.DeleteTemplate(id); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// ListTemplates returns templates filtered like ListScripts.
func (s *Store) ListTemplates(tag, search string) []Template {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Template
	for _, template := range s.templates {
		if tag != "" && !template.hasTag(tag) {
			continue
		}
		if search != "" && !template.matchesSearch(search) {
			continue
		}
		out = append(out, *template)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tags returns the distinct tags across scripts and templates, sorted.
func (s *Store) Tags() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for _, script := range s.scripts {
		for _, tag := range script.Tags {
			seen[tag] = true
		}
	}
	for _, template := range s.templates {
		for _, tag := range template.Tags {
			seen[tag] = true
		}
	}
	out := make([]string, 0, len(seen))
	for tag := range seen {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Counts returns the number of stored scripts and templates.
func (s *Store) Counts() (scripts, templates int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.scripts), len(s.templates)
}

// SyncFromRepository replaces the in-memory content with the repository
// content.
func (s *Store) SyncFromRepository() error {
	if s.cfg.Repository == nil {
		return trace.BadParameter("store has no repository")
	}
	scripts, err := s.cfg.Repository.GetAllScripts()
	if err != nil {
		return trace.Wrap(err)
	}
	templates, err := s.cfg.Repository.GetAllTemplates()
	if err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts = make(map[string]*Script, len(scripts))
	for i := range scripts {
		script := scripts[i]
		s.scripts[script.ID] = &script
	}
	s.templates = make(map[string]*Template, len(templates))
	for i := range templates {
		template := templates[i]
		s.templates[template.ID] = &template
	}
	return nil
}

// SyncToRepository writes the in-memory content through the repository
// in a single save-all-then-commit bulk transaction.
func (s *Store) SyncToRepository() error {
	if s.cfg.Repository == nil {
		return trace.BadParameter("store has no repository")
	}
	s.mu.RLock()
	scripts := make([]Script, 0, len(s.scripts))
	for _, script := range s.scripts {
		scripts = append(scripts, *script)
	}
	templates := make([]Template, 0, len(s.templates))
	for _, template := range s.templates {
		templates = append(templates, *template)
	}
	s.mu.RUnlock()
	return trace.Wrap(s.cfg.Repository.SaveAll(scripts, templates))
}
