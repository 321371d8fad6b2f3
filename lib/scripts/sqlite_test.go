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
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteScriptRoundTrip(t *testing.T) {
	repo := newTestRepository(t)

	script := selectScript("s1", "gp", "smoke")
	script.Description = "select the issuer security domain"
	require.NoError(t, repo.SaveScript(script))

	got, err := repo.GetScript("s1")
	require.NoError(t, err)
	require.Equal(t, script.Name, got.Name)
	require.Equal(t, script.Description, got.Description)
	require.Equal(t, script.Commands, got.Commands)
	require.ElementsMatch(t, script.Tags, got.Tags)

	scripts, templates, err := repo.Count()
	require.NoError(t, err)
	require.Equal(t, 1, scripts)
	require.Zero(t, templates)

	require.NoError(t, repo.DeleteScript("s1"))
	_, err = repo.GetScript("s1")
	require.True(t, trace.IsNotFound(err))
	require.True(t, trace.IsNotFound(repo.DeleteScript("s1")))
}

func TestSQLiteTemplateRoundTrip(t *testing.T) {
	repo := newTestRepository(t)

	template := selectTemplate()
	require.NoError(t, repo.SaveTemplate(template))

	got, err := repo.GetTemplate("t1")
	require.NoError(t, err)
	require.Equal(t, template.Commands, got.Commands)
	require.Equal(t, template.Parameters, got.Parameters)
}

func TestSQLiteSearch(t *testing.T) {
	repo := newTestRepository(t)

	install := selectScript("install")
	install.Name = "Install applet"
	install.Description = "loads and installs the test applet"
	require.NoError(t, repo.SaveScript(install))
	require.NoError(t, repo.SaveScript(selectScript("status")))

	found, err := repo.Search("INSTALLS")
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "install", found[0].ID)

	none, err := repo.Search("absent")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestSQLiteSaveAll(t *testing.T) {
	repo := newTestRepository(t)

	require.NoError(t, repo.SaveScript(selectScript("old")))
	require.NoError(t, repo.SaveAll(
		[]Script{selectScript("a"), selectScript("b")},
		[]Template{selectTemplate()},
	))

	scripts, err := repo.GetAllScripts()
	require.NoError(t, err)
	require.Len(t, scripts, 2)

	_, err = repo.GetScript("old")
	require.True(t, trace.IsNotFound(err))

	tags, err := repo.GetAllTags()
	require.NoError(t, err)
	require.Empty(t, tags)
}
