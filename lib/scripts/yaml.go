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
	"os"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// yamlCommand accepts both the bare hex string and the mapping form of
// a command item.
type yamlCommand Command

func (c *yamlCommand) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		c.Hex = node.Value
		return nil
	}
	type plain struct {
		Hex         string `yaml:"hex"`
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
	}
	var p plain
	if err := node.Decode(&p); err != nil {
		return trace.Wrap(err)
	}
	c.Hex, c.Name, c.Description = p.Hex, p.Name, p.Description
	return nil
}

type yamlScript struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Tags        []string      `yaml:"tags"`
	Commands    []yamlCommand `yaml:"commands"`
}

type yamlTemplate struct {
	yamlScript `yaml:",inline"`
	Parameters map[string]Parameter `yaml:"parameters"`
}

type yamlDocument struct {
	Scripts   []yamlScript   `yaml:"scripts"`
	Templates []yamlTemplate `yaml:"templates"`
}

// Document is the parsed content of a script YAML file.
type Document struct {
	Scripts   []Script
	Templates []Template
}

// ParseYAML parses a script document. A duplicate id within the file
// fails the load for that item with a warning, not the whole file;
// unknown keys are ignored.
func ParseYAML(data []byte, logger log.FieldLogger) (*Document, error) {
	if logger == nil {
		logger = log.WithField(trace.Component, "scripts")
	}
	var doc yamlDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, trace.BadParameter("invalid script document: %v", err)
	}
	out := &Document{}
	seen := make(map[string]bool)
	for _, item := range doc.Scripts {
		if seen[item.ID] {
			logger.WithField("id", item.ID).Warn("Skipping duplicate script id in document.")
			continue
		}
		seen[item.ID] = true
		script := Script{
			ID:          item.ID,
			Name:        item.Name,
			Description: item.Description,
			Tags:        item.Tags,
			Commands:    commandsFromYAML(item.Commands),
		}
		if err := script.Check(); err != nil {
			return nil, trace.Wrap(err)
		}
		out.Scripts = append(out.Scripts, script)
	}
	for _, item := range doc.Templates {
		if seen[item.ID] {
			logger.WithField("id", item.ID).Warn("Skipping duplicate template id in document.")
			continue
		}
		seen[item.ID] = true
		template := Template{
			ID:          item.ID,
			Name:        item.Name,
			Description: item.Description,
			Tags:        item.Tags,
			Commands:    commandsFromYAML(item.Commands),
			Parameters:  item.Parameters,
		}
		if err := template.Check(); err != nil {
			return nil, trace.Wrap(err)
		}
		out.Templates = append(out.Templates, template)
	}
	return out, nil
}

// LoadFile reads and parses a script YAML file.
func LoadFile(path string, logger log.FieldLogger) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	doc, err := ParseYAML(data, logger)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return doc, nil
}

// LoadIntoStore loads a document into a store.
func LoadIntoStore(store *Store, doc *Document) error {
	for _, script := range doc.Scripts {
		if err := store.SaveScript(script); err != nil {
			return trace.Wrap(err)
		}
	}
	for _, template := range doc.Templates {
		if err := store.SaveTemplate(template); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func commandsFromYAML(in []yamlCommand) []Command {
	out := make([]Command, 0, len(in))
	for _, cmd := range in {
		out = append(out, Command(cmd))
	}
	return out
}
