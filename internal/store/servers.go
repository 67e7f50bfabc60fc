package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EnvVar describes one environment variable a Server Record declares.
type EnvVar struct {
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Distribution identifies the installer-toolchain package backing a record,
// when known.
type Distribution struct {
	Type    string `json:"type,omitempty"`
	Package string `json:"package,omitempty"`
}

// ServerRecord is the persistent description of one installed child.
type ServerRecord struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Runtime      string            `json:"runtime"` // node, python, docker
	Enabled      bool              `json:"enabled"`
	EntryPoint   string            `json:"entry_point,omitempty"`
	Command      string            `json:"command"`
	Args         []string          `json:"args,omitempty"`
	Distribution *Distribution     `json:"distribution,omitempty"`
	Env          map[string]EnvVar `json:"env,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Get returns the Server Record for id, or ErrNotFound.
func (d *DB) Get(id string) (*ServerRecord, error) {
	row := d.db.QueryRow(`
		SELECT id, name, description, runtime, enabled, entry_point, command, args,
		       distribution_type, distribution_package, created_at, updated_at
		FROM servers WHERE id = ?`, id)

	r, err := scanServer(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	env, err := d.loadEnv(id)
	if err != nil {
		return nil, err
	}
	r.Env = env
	return r, nil
}

// List returns all Server Records, keyed by id.
func (d *DB) List() (map[string]*ServerRecord, error) {
	rows, err := d.db.Query(`
		SELECT id, name, description, runtime, enabled, entry_point, command, args,
		       distribution_type, distribution_package, created_at, updated_at
		FROM servers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]*ServerRecord)
	for rows.Next() {
		r, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		result[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for id, r := range result {
		env, err := d.loadEnv(id)
		if err != nil {
			return nil, err
		}
		r.Env = env
	}
	return result, nil
}

// Upsert inserts or replaces the server row, then atomically replaces all of
// its env rows (delete-then-insert in one transaction), matching the
// teacher's secrets-table upsert idiom.
func (d *DB) Upsert(r *ServerRecord) error {
	argsJSON, err := json.Marshal(r.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	var distType, distPkg string
	if r.Distribution != nil {
		distType, distPkg = r.Distribution.Type, r.Distribution.Package
	}

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO servers (id, name, description, runtime, enabled, entry_point, command, args,
		                      distribution_type, distribution_package, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			runtime = excluded.runtime,
			enabled = excluded.enabled,
			entry_point = excluded.entry_point,
			command = excluded.command,
			args = excluded.args,
			distribution_type = excluded.distribution_type,
			distribution_package = excluded.distribution_package,
			updated_at = datetime('now')
	`, r.ID, r.Name, r.Description, r.Runtime, r.Enabled, r.EntryPoint, r.Command, string(argsJSON), distType, distPkg)
	if err != nil {
		return fmt.Errorf("upsert server: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM server_env WHERE server_id = ?`, r.ID); err != nil {
		return fmt.Errorf("clear env: %w", err)
	}
	for key, v := range r.Env {
		if _, err := tx.Exec(`
			INSERT INTO server_env (server_id, env_key, value, description, required)
			VALUES (?, ?, ?, ?, ?)
		`, r.ID, key, v.Value, v.Description, v.Required); err != nil {
			return fmt.Errorf("insert env %q: %w", key, err)
		}
	}

	return tx.Commit()
}

// Delete removes a Server Record and its env rows in one transaction.
func (d *DB) Delete(id string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM server_env WHERE server_id = ?`, id); err != nil {
		return fmt.Errorf("delete env: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// Clear purges both tables. Used by tests and explicit reset.
func (d *DB) Clear() error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM server_env`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM servers`); err != nil {
		return err
	}
	return tx.Commit()
}

// Exists reports whether any server row is present.
func (d *DB) Exists() (bool, error) {
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM servers`).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetHidden returns the tools/hidden user preference, defaulting to false.
func (d *DB) GetHidden() (bool, error) {
	var v string
	err := d.db.QueryRow(`SELECT value FROM meta WHERE key = 'tools_hidden'`).Scan(&v)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// SetHidden persists the tools/hidden user preference.
func (d *DB) SetHidden(hidden bool) error {
	v := "0"
	if hidden {
		v = "1"
	}
	_, err := d.db.Exec(`
		INSERT INTO meta (key, value) VALUES ('tools_hidden', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, v)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanServer(s scanner) (*ServerRecord, error) {
	var r ServerRecord
	var argsJSON, distType, distPkg, createdAt, updatedAt string
	if err := s.Scan(&r.ID, &r.Name, &r.Description, &r.Runtime, &r.Enabled, &r.EntryPoint,
		&r.Command, &argsJSON, &distType, &distPkg, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(argsJSON), &r.Args); err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	if distType != "" || distPkg != "" {
		r.Distribution = &Distribution{Type: distType, Package: distPkg}
	}
	r.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdAt)
	r.UpdatedAt, _ = time.Parse("2006-01-02 15:04:05", updatedAt)
	return &r, nil
}

func (d *DB) loadEnv(serverID string) (map[string]EnvVar, error) {
	rows, err := d.db.Query(`SELECT env_key, value, description, required FROM server_env WHERE server_id = ?`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	env := make(map[string]EnvVar)
	for rows.Next() {
		var key string
		var v EnvVar
		if err := rows.Scan(&key, &v.Value, &v.Description, &v.Required); err != nil {
			return nil, err
		}
		env[key] = v
	}
	return env, rows.Err()
}
