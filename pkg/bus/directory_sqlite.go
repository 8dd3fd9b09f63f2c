package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jllopis/fabrica/pkg/errors"
)

const registrationTable = "fabrica_registrations"

// SnapshotStore persists the capability directory snapshot so a restarted
// process can restore registrations without waiting for re-registration.
type SnapshotStore interface {
	SaveRegistrations(ctx context.Context, regs []Registration) error
	LoadRegistrations(ctx context.Context) ([]Registration, error)
}

// SQLiteSnapshotStore persists registrations in a SQLite database.
type SQLiteSnapshotStore struct {
	db *sql.DB
}

// NewSQLiteSnapshotStore creates a SQLite-backed snapshot store and ensures schema.
func NewSQLiteSnapshotStore(db *sql.DB) (*SQLiteSnapshotStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	_, err := db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		agent_id TEXT NOT NULL,
		capability TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		embedding TEXT NOT NULL DEFAULT '',
		health TEXT NOT NULL,
		last_heartbeat INTEGER NOT NULL,
		PRIMARY KEY (agent_id, capability)
	)`, registrationTable))
	if err != nil {
		return nil, fmt.Errorf("ensure registration schema: %w", err)
	}
	return &SQLiteSnapshotStore{db: db}, nil
}

// SaveRegistrations replaces the stored snapshot with the given registrations.
func (s *SQLiteSnapshotStore) SaveRegistrations(ctx context.Context, regs []Registration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.New(errors.CodeStoreError, "begin snapshot tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", registrationTable)); err != nil {
		return errors.New(errors.CodeStoreError, "clear snapshot", err)
	}
	for _, reg := range regs {
		var emb string
		if len(reg.Embedding) > 0 {
			payload, err := json.Marshal(reg.Embedding)
			if err != nil {
				return errors.New(errors.CodeStoreError, "marshal embedding", err)
			}
			emb = string(payload)
		}
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (agent_id, capability, description, embedding, health, last_heartbeat) VALUES (?, ?, ?, ?, ?, ?)", registrationTable),
			reg.AgentID, reg.Capability, reg.Description, emb, string(reg.Health), reg.LastHeartbeat.UnixMilli())
		if err != nil {
			return errors.New(errors.CodeStoreError, "insert registration", err).
				WithContext("agent_id", reg.AgentID).
				WithContext("capability", reg.Capability)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.New(errors.CodeStoreError, "commit snapshot", err)
	}
	return nil
}

// LoadRegistrations returns the stored snapshot.
func (s *SQLiteSnapshotStore) LoadRegistrations(ctx context.Context) ([]Registration, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT agent_id, capability, description, embedding, health, last_heartbeat FROM %s ORDER BY agent_id, capability", registrationTable))
	if err != nil {
		return nil, errors.New(errors.CodeStoreError, "load snapshot", err)
	}
	defer rows.Close()

	out := make([]Registration, 0)
	for rows.Next() {
		var (
			reg    Registration
			emb    string
			health string
			beatMs int64
		)
		if err := rows.Scan(&reg.AgentID, &reg.Capability, &reg.Description, &emb, &health, &beatMs); err != nil {
			return nil, errors.New(errors.CodeStoreError, "scan registration", err)
		}
		reg.Health = Health(health)
		reg.LastHeartbeat = time.UnixMilli(beatMs).UTC()
		if emb != "" {
			if err := json.Unmarshal([]byte(emb), &reg.Embedding); err != nil {
				return nil, errors.New(errors.CodeStoreError, "unmarshal embedding", err)
			}
		}
		out = append(out, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeStoreError, "iterate snapshot", err)
	}
	return out, nil
}
