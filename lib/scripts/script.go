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

// Package scripts implements the APDU script engine: storage of scripts
// and parameterized templates, validation, template rendering and
// execution into a live administration session.
package scripts

import (
	"regexp"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/veenone/cardlink-sub000/lib/apdu"
)

// Command is one APDU command inside a script.
type Command struct {
	// Hex is the command APDU as a hex string. In templates it may
	// contain {NAME} placeholder tokens.
	Hex string `yaml:"hex" json:"hex"`
	// Name optionally labels the command.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	// Description optionally documents the command.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Script is an ordered sequence of APDU commands.
type Script struct {
	// ID uniquely identifies the script in the store.
	ID string `yaml:"id" json:"id"`
	// Name is the display name.
	Name string `yaml:"name" json:"name"`
	// Description optionally documents the script.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Tags classify the script for filtering.
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	// Commands is the non-empty ordered command list.
	Commands []Command `yaml:"commands" json:"commands"`
	// CreatedAt is the creation time.
	CreatedAt time.Time `yaml:"-" json:"created_at"`
	// UpdatedAt is the last modification time.
	UpdatedAt time.Time `yaml:"-" json:"updated_at"`
}

// Check validates the script: non-empty id, name and commands, and
// every command hex decoding as a valid C-APDU.
func (s *Script) Check() error {
	if s.ID == "" {
		return trace.BadParameter("script is missing an id")
	}
	if s.Name == "" {
		return trace.BadParameter("script %q is missing a name", s.ID)
	}
	if len(s.Commands) == 0 {
		return trace.BadParameter("script %q has no commands", s.ID)
	}
	for i, cmd := range s.Commands {
		if _, err := apdu.ParseHex(cmd.Hex); err != nil {
			return trace.BadParameter("script %q command %v: %v", s.ID, i, err)
		}
	}
	return nil
}

// Decode returns the raw APDU bytes of every command in order.
func (s *Script) Decode() ([][]byte, error) {
	out := make([][]byte, 0, len(s.Commands))
	for i, cmd := range s.Commands {
		raw, err := apdu.DecodeHex(cmd.Hex)
		if err != nil {
			return nil, trace.BadParameter("script %q command %v: %v", s.ID, i, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

// HasTag reports case-insensitive tag membership.
func (s *Script) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// matchesSearch reports a case-insensitive substring match on name or
// description.
func (s *Script) matchesSearch(query string) bool {
	query = strings.ToLower(query)
	return strings.Contains(strings.ToLower(s.Name), query) ||
		strings.Contains(strings.ToLower(s.Description), query)
}

// ParameterType is the type of a template parameter.
type ParameterType string

const (
	// TypeHex is a raw hex string parameter.
	TypeHex ParameterType = "HEX"
	// TypeInt is an integer rendered big-endian at a declared byte width.
	TypeInt ParameterType = "INT"
	// TypeString is a UTF-8 string rendered as its hex encoding.
	TypeString ParameterType = "STRING"
	// TypeBool renders as 01 or 00.
	TypeBool ParameterType = "BOOL"
)

func (t ParameterType) valid() bool {
	switch t {
	case TypeHex, TypeInt, TypeString, TypeBool:
		return true
	}
	return false
}

// Parameter declares a template placeholder.
type Parameter struct {
	// Type is the parameter type.
	Type ParameterType `yaml:"type" json:"type"`
	// Required rejects rendering without a value.
	Required bool `yaml:"required,omitempty" json:"required,omitempty"`
	// Default fills a missing optional value.
	Default string `yaml:"default,omitempty" json:"default,omitempty"`
	// MinLength is the minimum rendered byte length; for INT it is the
	// encoded byte width.
	MinLength int `yaml:"min_length,omitempty" json:"min_length,omitempty"`
	// MaxLength is the maximum rendered byte length.
	MaxLength int `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	// Description optionally documents the parameter.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Template is a script whose commands may contain placeholders.
type Template struct {
	// ID uniquely identifies the template in the store.
	ID string `yaml:"id" json:"id"`
	// Name is the display name.
	Name string `yaml:"name" json:"name"`
	// Description optionally documents the template.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Tags classify the template for filtering.
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	// Commands is the non-empty ordered command list.
	Commands []Command `yaml:"commands" json:"commands"`
	// Parameters declares every placeholder used by the commands.
	Parameters map[string]Parameter `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	// CreatedAt is the creation time.
	CreatedAt time.Time `yaml:"-" json:"created_at"`
	// UpdatedAt is the last modification time.
	UpdatedAt time.Time `yaml:"-" json:"updated_at"`
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Placeholders returns the distinct placeholder names referenced by the
// template commands, in first-use order.
func (t *Template) Placeholders() []string {
	seen := make(map[string]bool)
	var out []string
	for _, cmd := range t.Commands {
		for _, match := range placeholderPattern.FindAllStringSubmatch(cmd.Hex, -1) {
			if !seen[match[1]] {
				seen[match[1]] = true
				out = append(out, match[1])
			}
		}
	}
	return out
}

// Check validates the template: script-level checks with placeholders
// preserved, every placeholder declared, and recognized parameter types.
func (t *Template) Check() error {
	if t.ID == "" {
		return trace.BadParameter("template is missing an id")
	}
	if t.Name == "" {
		return trace.BadParameter("template %q is missing a name", t.ID)
	}
	if len(t.Commands) == 0 {
		return trace.BadParameter("template %q has no commands", t.ID)
	}
	for i, cmd := range t.Commands {
		// With placeholders stripped out, the remaining text must still
		// be hex.
		stripped := placeholderPattern.ReplaceAllString(cmd.Hex, "")
		if _, err := apdu.DecodeHex(stripped); err != nil {
			return trace.BadParameter("template %q command %v: %v", t.ID, i, err)
		}
	}
	for _, name := range t.Placeholders() {
		if _, ok := t.Parameters[name]; !ok {
			return trace.BadParameter("template %q references undeclared parameter %q", t.ID, name)
		}
	}
	for name, param := range t.Parameters {
		if !param.Type.valid() {
			return trace.BadParameter("template %q parameter %q has unknown type %q", t.ID, name, param.Type)
		}
	}
	return nil
}

func (t *Template) hasTag(tag string) bool {
	for _, candidate := range t.Tags {
		if strings.EqualFold(candidate, tag) {
			return true
		}
	}
	return false
}

func (t *Template) matchesSearch(query string) bool {
	query = strings.ToLower(query)
	return strings.Contains(strings.ToLower(t.Name), query) ||
		strings.Contains(strings.ToLower(t.Description), query)
}
