// Package instancestore persists the instance fields written by VM
// operations (progress, vm_state, vm_mode and task bookkeeping) in a SQLite
// database.
package instancestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-logr/logr"
	jujuerrors "github.com/juju/errors"
	_ "modernc.org/sqlite"
)

// Store is a SQLite backed instance store.
type Store struct {
	db  *sql.DB
	log logr.Logger
}

// Open opens the database at path, creating the schema if needed. Use
// ":memory:" for a private in-memory database.
func Open(ctx context.Context, path string, log logr.Logger) (*Store, error) {
	log = log.WithName("instancestore")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open instance database %s: %w", path, err)
	}
	// One connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create instance schema: %w", err)
	}
	log.V(1).Info("instance database ready", "path", path)
	return &Store{db: db, log: log}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Update merges fields into the record of uuid, creating it when needed.
func (s *Store) Update(ctx context.Context, uuid string, fields map[string]any) error {
	if uuid == "" {
		return jujuerrors.NotValidf("empty instance uuid")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := get(ctx, tx, uuid)
	switch {
	case jujuerrors.Is(err, jujuerrors.NotFound):
		rec = &Record{UUID: uuid, Fields: map[string]any{}}
	case err != nil:
		return err
	}

	for k, v := range fields {
		if err := rec.set(k, v); err != nil {
			return err
		}
	}
	extra, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields of %s: %w", uuid, err)
	}

	query := `
		INSERT INTO instances (uuid, progress, vm_state, vm_mode, fields)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
		    progress = excluded.progress, vm_state = excluded.vm_state,
		    vm_mode = excluded.vm_mode, fields = excluded.fields,
		    updated_at = CURRENT_TIMESTAMP
	`
	if _, err := tx.ExecContext(ctx, query, uuid, rec.Progress, rec.VMState, rec.VMMode, string(extra)); err != nil {
		return fmt.Errorf("failed to update instance %s: %w", uuid, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit instance %s: %w", uuid, err)
	}

	s.log.V(1).Info("updated instance", "instance", uuid, "fields", fields)
	return nil
}

// Get returns the record of uuid, or a NotFound error.
func (s *Store) Get(ctx context.Context, uuid string) (*Record, error) {
	return get(ctx, s.db, uuid)
}

// Delete removes the record of uuid. A missing record is not an error.
func (s *Store) Delete(ctx context.Context, uuid string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE uuid = ?`, uuid); err != nil {
		return fmt.Errorf("failed to delete instance %s: %w", uuid, err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func get(ctx context.Context, q queryer, uuid string) (*Record, error) {
	query := `
		SELECT uuid, progress, vm_state, vm_mode, fields, created_at, updated_at
		FROM instances WHERE uuid = ?
	`
	var (
		rec   Record
		extra string
	)
	err := q.QueryRowContext(ctx, query, uuid).Scan(
		&rec.UUID, &rec.Progress, &rec.VMState, &rec.VMMode, &extra,
		&rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jujuerrors.NotFoundf("instance %s", uuid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query instance %s: %w", uuid, err)
	}
	if err := json.Unmarshal([]byte(extra), &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode fields of %s: %w", uuid, err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	return &rec, nil
}

// set stores one field, in its column when it has one.
func (r *Record) set(key string, value any) error {
	switch key {
	case FieldProgress:
		n, err := toInt(value)
		if err != nil {
			return jujuerrors.NotValidf("progress %v", value)
		}
		r.Progress = min(max(n, 0), 100)
	case FieldVMState:
		r.VMState = fmt.Sprint(value)
	case FieldVMMode:
		r.VMMode = fmt.Sprint(value)
	default:
		if value == nil {
			delete(r.Fields, key)
			return nil
		}
		r.Fields[key] = value
	}
	return nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
