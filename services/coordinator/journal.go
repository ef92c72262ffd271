package coordinator

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/glebarez/go-sqlite"

	"escrowcoord/native/escrow"
)

// SQLiteJournal persists pending actions in a local SQLite database.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens the journal at path, creating the schema when
// needed. ":memory:" keeps the journal in process memory.
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps in-memory databases shared across calls.
	db.SetMaxOpenConns(1)
	journal := &SQLiteJournal{db: db}
	if err := journal.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return journal, nil
}

func (j *SQLiteJournal) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS pending_actions (
            id TEXT PRIMARY KEY,
            agreement TEXT NOT NULL,
            kind TEXT NOT NULL,
            caller TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL,
            expects_resource INTEGER NOT NULL,
            resource TEXT,
            block INTEGER NOT NULL DEFAULT 0,
            submitted_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            last_error TEXT NOT NULL DEFAULT ''
        );`,
		`CREATE INDEX IF NOT EXISTS pending_actions_agreement ON pending_actions(agreement);`,
	}
	for _, stmt := range schema {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("init journal: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (j *SQLiteJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// SavePending inserts or replaces a pending action.
func (j *SQLiteJournal) SavePending(ctx context.Context, action PendingAction) error {
	const stmt = `INSERT INTO pending_actions (id, agreement, kind, caller, status, expects_resource, resource, block, submitted_at, updated_at, last_error)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET status = excluded.status, resource = excluded.resource, block = excluded.block,
            updated_at = excluded.updated_at, last_error = excluded.last_error`
	var resource sql.NullString
	if action.Resource != nil {
		resource = sql.NullString{String: action.Resource.Hex(), Valid: true}
	}
	expects := 0
	if action.ExpectsResource {
		expects = 1
	}
	_, err := j.db.ExecContext(ctx, stmt,
		action.ID.Hex(), action.Agreement.Hex(), string(action.Kind), action.Caller.Hex(), string(action.Status), expects, resource,
		int64(action.Block), action.SubmittedAt.UnixNano(), action.UpdatedAt.UnixNano(), action.LastError)
	return err
}

// DeletePending removes a pending action. Unknown ids are ignored.
func (j *SQLiteJournal) DeletePending(ctx context.Context, id common.Hash) error {
	_, err := j.db.ExecContext(ctx, `DELETE FROM pending_actions WHERE id = ?`, id.Hex())
	return err
}

// LoadPending returns every journaled action ordered by submission time.
func (j *SQLiteJournal) LoadPending(ctx context.Context) ([]PendingAction, error) {
	const query = `SELECT id, agreement, kind, caller, status, expects_resource, resource, block, submitted_at, updated_at, last_error
        FROM pending_actions ORDER BY submitted_at, id`
	rows, err := j.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var actions []PendingAction
	for rows.Next() {
		var (
			id, agreement, kind, caller, status, lastError string
			expects                                int
			resource                               sql.NullString
			block, submittedAt, updatedAt          int64
		)
		if err := rows.Scan(&id, &agreement, &kind, &caller, &status, &expects, &resource, &block, &submittedAt, &updatedAt, &lastError); err != nil {
			return nil, err
		}
		action := PendingAction{
			ID:              common.HexToHash(id),
			Agreement:       common.HexToAddress(agreement),
			Kind:            escrow.ActionKind(kind),
			Caller:          common.HexToAddress(caller),
			Status:          PendingStatus(status),
			ExpectsResource: expects != 0,
			Block:           uint64(block),
			SubmittedAt:     time.Unix(0, submittedAt).UTC(),
			UpdatedAt:       time.Unix(0, updatedAt).UTC(),
			LastError:       lastError,
		}
		if resource.Valid {
			addr := common.HexToAddress(resource.String)
			action.Resource = &addr
		}
		actions = append(actions, action)
	}
	return actions, rows.Err()
}
