package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Persistence is the embedded relational store named in §6: a single
// sqlite file holding one row per conversation, keyed by fingerprint, with
// one scalar column per persisted field; no column holds a JSON-encoded
// snapshot. messages is intentionally not persisted (§DATA MODEL,
// persistence row) — it is the largest and least stable field, and losing
// it across a restart just means the conversation is treated as freshly
// observed.
type Persistence struct {
	db *sql.DB
}

// OpenPersistence opens (creating if needed) the sqlite file at path and
// ensures the conversations table exists.
func OpenPersistence(path string) (*Persistence, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	key                TEXT PRIMARY KEY,
	conv_id            TEXT NOT NULL,
	model              TEXT NOT NULL,
	phase              TEXT NOT NULL,
	context_window     INTEGER NOT NULL,
	total_input_tokens INTEGER NOT NULL,
	wal_start_index    INTEGER,
	checkpoint_content TEXT,
	last_activity_at   INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create conversations table: %w", err)
	}
	return &Persistence{db: db}, nil
}

// Close releases the underlying database handle.
func (p *Persistence) Close() error {
	return p.db.Close()
}

// Save upserts a conversation's persisted row.
func (p *Persistence) Save(view View) error {
	const stmt = `
INSERT INTO conversations (key, conv_id, model, phase, context_window, total_input_tokens, wal_start_index, checkpoint_content, last_activity_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	conv_id=excluded.conv_id,
	model=excluded.model,
	phase=excluded.phase,
	context_window=excluded.context_window,
	total_input_tokens=excluded.total_input_tokens,
	wal_start_index=excluded.wal_start_index,
	checkpoint_content=excluded.checkpoint_content,
	last_activity_at=excluded.last_activity_at,
	updated_at=excluded.updated_at;`

	_, err := p.db.Exec(stmt,
		view.Key,
		view.ConvID,
		view.Model,
		string(view.Phase),
		view.ContextWindow,
		view.TotalInputTokens,
		nullableInt(view.WALStartIndex),
		nullableString(view.CheckpointContent),
		view.LastActivityAt.Unix(),
		time.Now().Unix(),
	)
	return err
}

// LoadAll reads every persisted conversation row back into Views. Messages
// are left empty, per the persistence row's documented omission.
func (p *Persistence) LoadAll() ([]View, error) {
	rows, err := p.db.Query(`SELECT key, conv_id, model, phase, context_window, total_input_tokens, wal_start_index, checkpoint_content, last_activity_at FROM conversations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []View
	for rows.Next() {
		var (
			v          View
			phase      string
			walStart   sql.NullInt64
			checkpoint sql.NullString
			lastActive int64
		)
		if err := rows.Scan(&v.Key, &v.ConvID, &v.Model, &phase, &v.ContextWindow, &v.TotalInputTokens, &walStart, &checkpoint, &lastActive); err != nil {
			return nil, err
		}
		v.Phase = Phase(phase)
		v.LastActivityAt = time.Unix(lastActive, 0)
		if walStart.Valid {
			n := int(walStart.Int64)
			v.WALStartIndex = &n
		}
		if checkpoint.Valid {
			c := checkpoint.String
			v.CheckpointContent = &c
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
