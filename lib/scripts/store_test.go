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
	"testing"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/veenone/cardlink-sub000/lib/events"
)

func selectScript(id string, tags ...string) Script {
	return Script{
		ID:   id,
		Name: "Select ISD " + id,
		Tags: tags,
		Commands: []Command{
			{Hex: "00A404000AA000000151000000AABB00", Name: "SELECT ISD"},
			{Hex: "80F21000024F00", Name: "GET STATUS"},
		},
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	return store
}

func TestStoreCRUD(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	require.NoError(t, store.SaveScript(selectScript("s1", "gp")))

	got, err := store.GetScript("s1")
	require.NoError(t, err)
	require.Equal(t, "Select ISD s1", got.Name)
	require.False(t, got.CreatedAt.IsZero())

	_, err = store.GetScript("missing")
	require.True(t, trace.IsNotFound(err))

	require.NoError(t, store.DeleteScript("s1"))
	require.True(t, trace.IsNotFound(store.DeleteScript("s1")))
}

func TestStoreValidation(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	// Missing commands.
	require.Error(t, store.SaveScript(Script{ID: "bad", Name: "bad"}))
	// Command that is not a valid C-APDU.
	require.Error(t, store.SaveScript(Script{
		ID: "bad", Name: "bad",
		Commands: []Command{{Hex: "00A4"}},
	}))
	// Missing id.
	require.Error(t, store.SaveScript(Script{Name: "bad", Commands: []Command{{Hex: "00A4040000"}}}))
}

func TestStoreFiltering(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	a := selectScript("a", "GP", "provisioning")
	a.Description = "installs the payload applet"
	require.NoError(t, store.SaveScript(a))
	require.NoError(t, store.SaveScript(selectScript("b", "diagnostics")))

	require.Len(t, store.ListScripts("", ""), 2)
	require.Len(t, store.ListScripts("gp", ""), 1)
	require.Len(t, store.ListScripts("PROVISIONING", ""), 1)
	require.Len(t, store.ListScripts("", "PAYLOAD"), 1)
	require.Len(t, store.ListScripts("", "select isd"), 2)
	require.Empty(t, store.ListScripts("missing", ""))

	require.Equal(t, []string{"GP", "diagnostics", "provisioning"}, store.Tags())
}

// memoryRepository is an in-memory Repository used to exercise the
// sync paths without a database.
type memoryRepository struct {
	scripts   map[string]Script
	templates map[string]Template
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		scripts:   make(map[string]Script),
		templates: make(map[string]Template),
	}
}

func (m *memoryRepository) GetAllScripts() ([]Script, error) {
	var out []Script
	for _, s := range m.scripts {
		out = append(out, s)
	}
	return out, nil
}

func (m *memoryRepository) GetScript(id string) (Script, error) {
	s, ok := m.scripts[id]
	if !ok {
		return Script{}, trace.NotFound("script %q not found", id)
	}
	return s, nil
}

func (m *memoryRepository) SaveScript(s Script) error {
	m.scripts[s.ID] = s
	return nil
}

func (m *memoryRepository) DeleteScript(id string) error {
	delete(m.scripts, id)
	return nil
}

func (m *memoryRepository) GetAllTemplates() ([]Template, error) {
	var out []Template
	for _, tmpl := range m.templates {
		out = append(out, tmpl)
	}
	return out, nil
}

func (m *memoryRepository) GetTemplate(id string) (Template, error) {
	tmpl, ok := m.templates[id]
	if !ok {
		return Template{}, trace.NotFound("template %q not found", id)
	}
	return tmpl, nil
}

func (m *memoryRepository) SaveTemplate(tmpl Template) error {
	m.templates[tmpl.ID] = tmpl
	return nil
}

func (m *memoryRepository) DeleteTemplate(id string) error {
	delete(m.templates, id)
	return nil
}

func (m *memoryRepository) Count() (int, int, error) {
	return len(m.scripts), len(m.templates), nil
}

func (m *memoryRepository) GetAllTags() ([]string, error) { return nil, nil }

func (m *memoryRepository) Search(string) ([]Script, error) { return nil, nil }

func (m *memoryRepository) SaveAll(scripts []Script, templates []Template) error {
	m.scripts = make(map[string]Script)
	m.templates = make(map[string]Template)
	for _, s := range scripts {
		m.scripts[s.ID] = s
	}
	for _, tmpl := range templates {
		m.templates[tmpl.ID] = tmpl
	}
	return nil
}

func TestStoreAutoSync(t *testing.T) {
	t.Parallel()
	repo := newMemoryRepository()
	store, err := NewStore(StoreConfig{Repository: repo, AutoSync: true, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	require.NoError(t, store.SaveScript(selectScript("s1")))
	require.Contains(t, repo.scripts, "s1")

	require.NoError(t, store.DeleteScript("s1"))
	require.NotContains(t, repo.scripts, "s1")
}

func TestStoreManualSync(t *testing.T) {
	t.Parallel()
	repo := newMemoryRepository()
	store, err := NewStore(StoreConfig{Repository: repo, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	require.NoError(t, store.SaveScript(selectScript("s1")))
	require.Empty(t, repo.scripts)

	require.NoError(t, store.SyncToRepository())
	require.Contains(t, repo.scripts, "s1")

	require.NoError(t, store.DeleteScript("s1"))
	require.NoError(t, store.SyncFromRepository())
	_, err = store.GetScript("s1")
	require.NoError(t, err)
}

type captureQueuer struct {
	sessionID string
	commands  [][]byte
}

func (c *captureQueuer) QueueCommands(ctx context.Context, sessionID string, commands [][]byte) error {
	c.sessionID = sessionID
	c.commands = append(c.commands, commands...)
	return nil
}

func TestExecutorQueuesInOrder(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	require.NoError(t, store.SaveScript(selectScript("s1")))

	bus, err := events.NewBus(events.BusConfig{Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	queuer := &captureQueuer{}
	executor, err := NewExecutor(ExecutorConfig{Store: store, Queuer: queuer, Bus: bus})
	require.NoError(t, err)

	require.NoError(t, executor.Execute(context.Background(), "s1", "session-1"))
	require.Equal(t, "session-1", queuer.sessionID)
	require.Len(t, queuer.commands, 2)

	// Declared order is preserved.
	script, err := store.GetScript("s1")
	require.NoError(t, err)
	decoded, err := script.Decode()
	require.NoError(t, err)
	require.Equal(t, decoded, queuer.commands)

	require.Len(t, bus.FindEvents(events.Filter{Types: []string{"script_executed"}}), 1)

	err = executor.Execute(context.Background(), "missing", "session-1")
	require.True(t, trace.IsNotFound(err))
}
