package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jllopis/fabrica/pkg/errors"
)

const componentTable = "fabrica_components"

// SQLiteStore persists component records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed component store and ensures schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if err := ensureComponentSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func ensureComponentSchema(db *sql.DB) error {
	_, err := db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		parent_version INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		content TEXT NOT NULL,
		applicability TEXT NOT NULL DEFAULT '',
		content_vector TEXT NOT NULL DEFAULT '',
		applicability_vector TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (id, version)
	)`, componentTable))
	if err != nil {
		return fmt.Errorf("ensure component schema: %w", err)
	}
	_, err = db.Exec(fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS idx_%s_status ON %s (status)", componentTable, componentTable))
	if err != nil {
		return fmt.Errorf("ensure component status index: %w", err)
	}
	return nil
}

const componentColumns = "id, version, parent_version, status, kind, name, content, applicability, content_vector, applicability_vector, tags, created_at, updated_at"

// Insert writes a brand-new record.
func (s *SQLiteStore) Insert(ctx context.Context, c Component) error {
	args, err := componentArgs(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", componentTable, componentColumns),
		args...)
	if err != nil {
		return errors.New(errors.CodeStoreError, "insert component", err).
			WithContext("id", c.ID).
			WithContext("version", c.Version)
	}
	return nil
}

// Get returns one version of a component.
func (s *SQLiteStore) Get(ctx context.Context, id string, version int) (*Component, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE id = ? AND version = ?", componentColumns, componentTable),
		id, version)
	c, err := scanComponent(row)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.CodeNotFound, "component version not found", nil).
			WithContext("id", id).
			WithContext("version", version)
	}
	return c, err
}

// Active returns the currently active version of a lineage.
func (s *SQLiteStore) Active(ctx context.Context, id string) (*Component, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE id = ? AND status = ?", componentColumns, componentTable),
		id, string(StatusActive))
	c, err := scanComponent(row)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.CodeNotFound, "no active version for component", nil).
			WithContext("id", id)
	}
	return c, err
}

// ListActive returns the active version of every lineage.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]Component, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE status = ? ORDER BY id", componentColumns, componentTable),
		string(StatusActive))
	if err != nil {
		return nil, errors.New(errors.CodeStoreError, "list active components", err)
	}
	defer rows.Close()
	return collectComponents(rows)
}

// Versions returns every version of a lineage, newest first.
func (s *SQLiteStore) Versions(ctx context.Context, id string) ([]Component, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE id = ? ORDER BY version DESC", componentColumns, componentTable),
		id)
	if err != nil {
		return nil, errors.New(errors.CodeStoreError, "list component versions", err)
	}
	defer rows.Close()
	out, err := collectComponents(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New(errors.CodeNotFound, "component not found", nil).
			WithContext("id", id)
	}
	return out, nil
}

// CommitEvolution atomically swaps the active version of a lineage. The demote
// statement is guarded by (version, status) so a concurrent committer that won
// the race leaves zero rows affected and this writer gets a VERSION_CONFLICT.
func (s *SQLiteStore) CommitEvolution(ctx context.Context, next Component, expectedVersion int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.New(errors.CodeStoreError, "begin evolution tx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET status = ?, updated_at = ? WHERE id = ? AND version = ? AND status = ?", componentTable),
		string(StatusDeprecated), next.CreatedAt.UnixMilli(), next.ID, expectedVersion, string(StatusActive))
	if err != nil {
		return errors.New(errors.CodeStoreError, "demote active version", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.New(errors.CodeStoreError, "demote active version", err)
	}
	if affected != 1 {
		return errors.New(errors.CodeVersionConflict, "active version changed since read", nil).
			WithContext("id", next.ID).
			WithContext("expected", expectedVersion).
			WithRecoverable(true)
	}

	args, err := componentArgs(next)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", componentTable, componentColumns),
		args...)
	if err != nil {
		return errors.New(errors.CodeStoreError, "insert evolved version", err)
	}

	if err := tx.Commit(); err != nil {
		return errors.New(errors.CodeStoreError, "commit evolution", err)
	}
	return nil
}

// SetStatus updates the status of one version.
func (s *SQLiteStore) SetStatus(ctx context.Context, id string, version int, status Status) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET status = ?, updated_at = ? WHERE id = ? AND version = ?", componentTable),
		string(status), time.Now().UTC().UnixMilli(), id, version)
	if err != nil {
		return errors.New(errors.CodeStoreError, "update component status", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.New(errors.CodeStoreError, "update component status", err)
	}
	if affected == 0 {
		return errors.New(errors.CodeNotFound, "component version not found", nil).
			WithContext("id", id).
			WithContext("version", version)
	}
	return nil
}

func componentArgs(c Component) ([]any, error) {
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return nil, errors.New(errors.CodeStoreError, "marshal tags", err)
	}
	contentVec, err := marshalVector(c.ContentVector)
	if err != nil {
		return nil, err
	}
	applicVec, err := marshalVector(c.ApplicabilityVector)
	if err != nil {
		return nil, err
	}
	return []any{
		c.ID, c.Version, c.ParentVersion, string(c.Status), string(c.Kind), c.Name,
		c.Content, c.Applicability, contentVec, applicVec, string(tags),
		c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli(),
	}, nil
}

func marshalVector(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", nil
	}
	out, err := json.Marshal(vec)
	if err != nil {
		return "", errors.New(errors.CodeStoreError, "marshal vector", err)
	}
	return string(out), nil
}

func unmarshalVector(raw string) ([]float32, error) {
	if raw == "" {
		return nil, nil
	}
	var vec []float32
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil, errors.New(errors.CodeStoreError, "unmarshal vector", err)
	}
	return vec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanComponent(row rowScanner) (*Component, error) {
	var (
		c           Component
		status      string
		kind        string
		contentVec  string
		applicVec   string
		tagsJSON    string
		createdAtMs int64
		updatedAtMs int64
	)
	err := row.Scan(&c.ID, &c.Version, &c.ParentVersion, &status, &kind, &c.Name,
		&c.Content, &c.Applicability, &contentVec, &applicVec, &tagsJSON,
		&createdAtMs, &updatedAtMs)
	if err != nil {
		return nil, err
	}
	c.Status = Status(status)
	c.Kind = Kind(kind)
	c.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	c.UpdatedAt = time.UnixMilli(updatedAtMs).UTC()
	if c.ContentVector, err = unmarshalVector(contentVec); err != nil {
		return nil, err
	}
	if c.ApplicabilityVector, err = unmarshalVector(applicVec); err != nil {
		return nil, err
	}
	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &c.Tags); err != nil {
			return nil, errors.New(errors.CodeStoreError, "unmarshal tags", err)
		}
	}
	return &c, nil
}

func collectComponents(rows *sql.Rows) ([]Component, error) {
	out := make([]Component, 0)
	for rows.Next() {
		c, err := scanComponent(rows)
		if err != nil {
			return nil, errors.New(errors.CodeStoreError, "scan component", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeStoreError, "iterate components", err)
	}
	return out, nil
}
