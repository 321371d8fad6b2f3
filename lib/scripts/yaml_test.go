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

	"github.com/stretchr/testify/require"
)

const sampleDocument = `
scripts:
  - id: select-isd
    name: Select ISD
    tags: [gp, smoke]
    commands:
      - 00A404000AA000000151000000AABB00
      - hex: 80F21000024F00
        name: GET STATUS
        description: list applications
unknown_key: ignored
templates:
  - id: select-aid
    name: Select by AID
    commands:
      - hex: "00A40400{AID_LEN}{AID}00"
    parameters:
      AID:
        type: HEX
        required: true
        min_length: 5
        max_length: 16
      AID_LEN:
        type: INT
        required: true
        min_length: 1
`

func TestParseYAML(t *testing.T) {
	t.Parallel()

	doc, err := ParseYAML([]byte(sampleDocument), nil)
	require.NoError(t, err)
	require.Len(t, doc.Scripts, 1)
	require.Len(t, doc.Templates, 1)

	script := doc.Scripts[0]
	require.Equal(t, "select-isd", script.ID)
	require.Equal(t, []string{"gp", "smoke"}, script.Tags)
	require.Len(t, script.Commands, 2)
	require.Empty(t, script.Commands[0].Name)
	require.Equal(t, "GET STATUS", script.Commands[1].Name)

	template := doc.Templates[0]
	require.Equal(t, "select-aid", template.ID)
	require.Equal(t, TypeHex, template.Parameters["AID"].Type)
	require.True(t, template.Parameters["AID"].Required)
	require.Equal(t, 5, template.Parameters["AID"].MinLength)
}

func TestParseYAMLDuplicateID(t *testing.T) {
	t.Parallel()

	doc, err := ParseYAML([]byte(`
scripts:
  - id: dup
    name: First
    commands: [00A4040000]
  - id: dup
    name: Second
    commands: [80F21000024F00]
`), nil)
	require.NoError(t, err)
	require.Len(t, doc.Scripts, 1)
	require.Equal(t, "First", doc.Scripts[0].Name)
}

func TestParseYAMLInvalid(t *testing.T) {
	t.Parallel()

	_, err := ParseYAML([]byte("scripts: {not: a list}"), nil)
	require.Error(t, err)

	// A structurally valid document with an invalid command fails.
	_, err = ParseYAML([]byte(`
scripts:
  - id: bad
    name: Bad
    commands: [ZZZZ]
`), nil)
	require.Error(t, err)
}

func TestLoadIntoStore(t *testing.T) {
	t.Parallel()

	doc, err := ParseYAML([]byte(sampleDocument), nil)
	require.NoError(t, err)

	store := newTestStore(t)
	require.NoError(t, LoadIntoStore(store, doc))

	scripts, templates := store.Counts()
	require.Equal(t, 1, scripts)
	require.Equal(t, 1, templates)
}
