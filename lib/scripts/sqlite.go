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
	"database/sql"
	"time"

	"github.com/gravitational/trace"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS scripts (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS script_commands (
	script_id TEXT NOT NULL REFERENCES scripts(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	hex TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (script_id, position)
);
CREATE TABLE IF NOT EXISTS script_tags (
	script_id TEXT NOT NULL REFERENCES scripts(id) ON DELETE CASCADE,
	tag TEXT NOT NULL,
	PRIMARY KEY (script_id, tag)
);
CREATE TABLE IF NOT EXISTS templates (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS template_commands (
	template_id TEXT NOT NULL REFERENCES templates(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	hex TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (template_id, position)
);
CREATE TABLE IF NOT EXISTS template_tags (
	template_id TEXT NOT NULL REFERENCES templates(id) ON DELETE CASCADE,
	tag TEXT NOT NULL,
	PRIMARY KEY (template_id, tag)
);
CREATE TABLE IF NOT EXISTS template_parameters (
	template_id TEXT NOT NULL REFERENCES templates(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	required INTEGER NOT NULL DEFAULT 0,
	default_value TEXT NOT NULL DEFAULT '',
	min_length INTEGER NOT NULL DEFAULT 0,
	max_length INTEGER NOT NULL DEFAULT 0,
	description TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (template_id, name)
);
`

// SQLiteRepository is a Repository backed by a local SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (and if needed initializes) the database at
// the given path. Use ":memory:" for an ephemeral repository.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return &SQLiteRepository{db: db}, nil
}

// Close releases the database handle.
func (r *SQLiteRepository) Close() error {
	return trace.Wrap(r.db.Close())
}

// GetAllScripts loads every stored script.
func (r *SQLiteRepository) GetAllScripts() ([]Script, error) {
	rows, err := r.db.Query(`SELECT id, name, description, created_at, updated_at FROM scripts ORDER BY id`)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []Script
	for rows.Next() {
		var script Script
		var created, updated int64
		if err := rows.Scan(&script.ID, &script.Name, &script.Description, &created, &updated); err != nil {
			return nil, trace.Wrap(err)
		}
		script.CreatedAt = time.Unix(0, created)
		script.UpdatedAt = time.Unix(0, updated)
		out = append(out, script)
	}
	if err := rows.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	for i := range out {
		if err := r.loadScriptDetails(&out[i]); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return out, nil
}

// GetScript loads one script by id.
func (r *SQLiteRepository) GetScript(id string) (Script, error) {
	var script Script
	var created, updated int64
	err := r.db.QueryRow(`SELECT id, name, description, created_at, updated_at FROM scripts WHERE id = ?`, id).
		Scan(&script.ID, &script.Name, &script.Description, &created, &updated)
	if err == sql.ErrNoRows {
		return Script{}, trace.NotFound("script %q not found", id)
	}
	if err != nil {
		return Script{}, trace.Wrap(err)
	}
	script.CreatedAt = time.Unix(0, created)
	script.UpdatedAt = time.Unix(0, updated)
	if err := r.loadScriptDetails(&script); err != nil {
		return Script{}, trace.Wrap(err)
	}
	return script, nil
}

func (r *SQLiteRepository) loadScriptDetails(script *Script) error {
	rows, err := r.db.Query(`SELECT hex, name, description FROM script_commands WHERE script_id = ? ORDER BY position`, script.ID)
	if err != nil {
		return trace.Wrap(err)
	}
	defer rows.Close()
	for rows.Next() {
		var cmd Command
		if err := rows.Scan(&cmd.Hex, &cmd.Name, &cmd.Description); err != nil {
			return trace.Wrap(err)
		}
		script.Commands = append(script.Commands, cmd)
	}
	if err := rows.Err(); err != nil {
		return trace.Wrap(err)
	}
	tags, err := r.loadTags(`SELECT tag FROM script_tags WHERE script_id = ? ORDER BY tag`, script.ID)
	if err != nil {
		return trace.Wrap(err)
	}
	script.Tags = tags
	return nil
}

// SaveScript atomically upserts a script.
func (r *SQLiteRepository) SaveScript(script Script) error {
	tx, err := r.db.Begin()
	if err != nil {
		return trace.Wrap(err)
	}
	defer tx.Rollback()
	if err := saveScriptTx(tx, script); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Commit())
}

func saveScriptTx(tx *sql.Tx, script Script) error {
	if _, err := tx.Exec(
		`INSERT INTO scripts (id, name, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, description = excluded.description, updated_at = excluded.updated_at`,
		script.ID, script.Name, script.Description, script.CreatedAt.UnixNano(), script.UpdatedAt.UnixNano(),
	); err != nil {
		return trace.Wrap(err)
	}
	if _, err := tx.Exec(`DELETE FROM script_commands WHERE script_id = ?`, script.ID); err != nil {
		return trace.Wrap(err)
	}
	if _, err := tx.Exec(`DELETE FROM script_tags WHERE script_id = ?`, script.ID); err != nil {
		return trace.Wrap(err)
	}
	for i, cmd := range script.Commands {
		if _, err := tx.Exec(
			`INSERT INTO script_commands (script_id, position, hex, name, description) VALUES (?, ?, ?, ?, ?)`,
			script.ID, i, cmd.Hex, cmd.Name, cmd.Description,
		); err != nil {
			return trace.Wrap(err)
		}
	}
	for _, tag := range script.Tags {
		if _, err := tx.Exec(`INSERT INTO script_tags (script_id, tag) VALUES (?, ?)`, script.ID, tag); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// DeleteScript removes a script.
func (r *SQLiteRepository) DeleteScript(id string) error {
	result, err := r.db.Exec(`DELETE FROM scripts WHERE id = ?`, id)
	if err != nil {
		return trace.Wrap(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound("script %q not found", id)
	}
	return nil
}

// GetAllTemplates loads every stored template.
func (r *SQLiteRepository) GetAllTemplates() ([]Template, error) {
	rows, err := r.db.Query(`SELECT id, name, description, created_at, updated_at FROM templates ORDER BY id`)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []Template
	for rows.Next() {
		var template Template
		var created, updated int64
		if err := rows.Scan(&template.ID, &template.Name, &template.Description, &created, &updated); err != nil {
			return nil, trace.Wrap(err)
		}
		template.CreatedAt = time.Unix(0, created)
		template.UpdatedAt = time.Unix(0, updated)
		out = append(out, template)
	}
	if err := rows.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	for i := range out {
		if err := r.loadTemplateDetails(&out[i]); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return out, nil
}

// GetTemplate loads one template by id.
func (r *SQLiteRepository) GetTemplate(id string) (Template, error) {
	var template Template
	var created, updated int64
	err := r.db.QueryRow(`SELECT id, name, description, created_at, updated_at FROM templates WHERE id = ?`, id).
		Scan(&template.ID, &template.Name, &template.Description, &created, &updated)
	if err == sql.ErrNoRows {
		return Template{}, trace.NotFound("template %q not found", id)
	}
	if err != nil {
		return Template{}, trace.Wrap(err)
	}
	template.CreatedAt = time.Unix(0, created)
	template.UpdatedAt = time.Unix(0, updated)
	if err := r.loadTemplateDetails(&template); err != nil {
		return Template{}, trace.Wrap(err)
	}
	return template, nil
}

func (r *SQLiteRepository) loadTemplateDetails(template *Template) error {
	rows, err := r.db.Query(`SELECT hex, name, description FROM template_commands WHERE template_id = ? ORDER BY position`, template.ID)
	if err != nil {
		return trace.Wrap(err)
	}
	defer rows.Close()
	for rows.Next() {
		var cmd Command
		if err := rows.Scan(&cmd.Hex, &cmd.Name, &cmd.Description); err != nil {
			return trace.Wrap(err)
		}
		template.Commands = append(template.Commands, cmd)
	}
	if err := rows.Err(); err != nil {
		return trace.Wrap(err)
	}
	tags, err := r.loadTags(`SELECT tag FROM template_tags WHERE template_id = ? ORDER BY tag`, template.ID)
	if err != nil {
		return trace.Wrap(err)
	}
	template.Tags = tags

	paramRows, err := r.db.Query(
		`SELECT name, type, required, default_value, min_length, max_length, description
		 FROM template_parameters WHERE template_id = ?`, template.ID)
	if err != nil {
		return trace.Wrap(err)
	}
	defer paramRows.Close()
	template.Parameters = make(map[string]Parameter)
	for paramRows.Next() {
		var name, paramType string
		var required int
		var param Parameter
		if err := paramRows.Scan(&name, &paramType, &required, &param.Default, &param.MinLength, &param.MaxLength, &param.Description); err != nil {
			return trace.Wrap(err)
		}
		param.Type = ParameterType(paramType)
		param.Required = required != 0
		template.Parameters[name] = param
	}
	return trace.Wrap(paramRows.Err())
}

// SaveTemplate atomically upserts a template.
func (r *SQLiteRepository) SaveTemplate(template Template) error {
	tx, err := r.db.Begin()
	if err != nil {
		return trace.Wrap(err)
	}
	defer tx.Rollback()
	if err := saveTemplateTx(tx, template); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Commit())
}

func saveTemplateTx(tx *sql.Tx, template Template) error {
	if _, err := tx.Exec(
		`INSERT INTO templates (id, name, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, description = excluded.description, updated_at = excluded.updated_at`,
		template.ID, template.Name, template.Description, template.CreatedAt.UnixNano(), template.UpdatedAt.UnixNano(),
	); err != nil {
		return trace.Wrap(err)
	}
	for _, stmt := range []string{
		`DELETE FROM template_commands WHERE template_id = ?`,
		`DELETE FROM template_tags WHERE template_id = ?`,
		`DELETE FROM template_parameters WHERE template_id = ?`,
	} {
		if _, err := tx.Exec(stmt, template.ID); err != nil {
			return trace.Wrap(err)
		}
	}
	for i, cmd := range template.Commands {
		if _, err := tx.Exec(
			`INSERT INTO template_commands (template_id, position, hex, name, description) VALUES (?, ?, ?, ?, ?)`,
			template.ID, i, cmd.Hex, cmd.Name, cmd.Description,
		); err != nil {
			return trace.Wrap(err)
		}
	}
	for _, tag := range template.Tags {
		if _, err := tx.Exec(`INSERT INTO template_tags (template_id, tag) VALUES (?, ?)`, template.ID, tag); err != nil {
			return trace.Wrap(err)
		}
	}
	for name, param := range template.Parameters {
		required := 0
		if param.Required {
			required = 1
		}
		if _, err := tx.Exec(
			`INSERT INTO template_parameters (template_id, name, type, required, default_value, min_length, max_length, description)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			template.ID, name, string(param.Type), required, param.Default, param.MinLength, param.MaxLength, param.Description,
		); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// DeleteTemplate removes a template.
func (r *SQLiteRepository) DeleteTemplate(id string) error {
	result, err := r.db.Exec(`DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return trace.Wrap(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound("template %q not found", id)
	}
	return nil
}

// Count returns the stored script and template counts.
func (r *SQLiteRepository) Count() (int, int, error) {
	var scripts, templates int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM scripts`).Scan(&scripts); err != nil {
		return 0, 0, trace.Wrap(err)
	}
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM templates`).Scan(&templates); err != nil {
		return 0, 0, trace.Wrap(err)
	}
	return scripts, templates, nil
}

// GetAllTags returns the distinct tags across both kinds.
func (r *SQLiteRepository) GetAllTags() ([]string, error) {
	return r.loadTags(`SELECT tag FROM script_tags UNION SELECT tag FROM template_tags ORDER BY tag`)
}

// Search returns scripts whose name or description contains the query,
// case-insensitively.
func (r *SQLiteRepository) Search(query string) ([]Script, error) {
	rows, err := r.db.Query(
		`SELECT id FROM scripts WHERE name LIKE '%' || ? || '%' COLLATE NOCASE
		 OR description LIKE '%' || ? || '%' COLLATE NOCASE ORDER BY id`, query, query)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, trace.Wrap(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]Script, 0, len(ids))
	for _, id := range ids {
		script, err := r.GetScript(id)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, script)
	}
	return out, nil
}

// SaveAll replaces the repository content in one transaction.
func (r *SQLiteRepository) SaveAll(scripts []Script, templates []Template) error {
	tx, err := r.db.Begin()
	if err != nil {
		return trace.Wrap(err)
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM scripts`, `DELETE FROM script_commands`, `DELETE FROM script_tags`,
		`DELETE FROM templates`, `DELETE FROM template_commands`, `DELETE FROM template_tags`,
		`DELETE FROM template_parameters`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return trace.Wrap(err)
		}
	}
	for _, script := range scripts {
		if err := saveScriptTx(tx, script); err != nil {
			return trace.Wrap(err)
		}
	}
	for _, template := range templates {
		if err := saveTemplateTx(tx, template); err != nil {
			return trace.Wrap(err)
		}
	}
	return trace.Wrap(tx.Commit())
}

func (r *SQLiteRepository) loadTags(query string, args ...interface{}) ([]string, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, tag)
	}
	return out, trace.Wrap(rows.Err())
}
