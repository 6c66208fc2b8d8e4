package graph

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sissississi-013/parrot/pkg/convergence"
	"github.com/sissississi-013/parrot/pkg/workflow"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at path and applies the
// schema.
func NewSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports one writer at a time; WAL keeps readers unblocked.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// WriteWorkflow implements Store.
func (s *SQLiteStore) WriteWorkflow(ctx context.Context, wf *workflow.Workflow) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflows (id, name, task_type, session_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, wf.TaskType, wf.SessionID, wf.CreatedAt,
	); err != nil {
		return "", fmt.Errorf("inserting workflow: %w", err)
	}

	for _, step := range wf.Steps {
		actions, err := json.Marshal(step.TargetActions)
		if err != nil {
			return "", err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_steps (workflow_id, ordinal, name, reasoning, actions_json) VALUES (?, ?, ?, ?, ?)`,
			wf.ID, step.Ordinal, step.Name, step.Reasoning, string(actions),
		); err != nil {
			return "", fmt.Errorf("inserting step %d: %w", step.Ordinal, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return wf.ID, nil
}

// ReadWorkflow implements Store.
func (s *SQLiteStore) ReadWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	wf := &workflow.Workflow{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT name, task_type, session_id, created_at FROM workflows WHERE id = ?`, id,
	).Scan(&wf.Name, &wf.TaskType, &wf.SessionID, &wf.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading workflow: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT ordinal, name, reasoning, actions_json FROM workflow_steps WHERE workflow_id = ? ORDER BY ordinal`, id)
	if err != nil {
		return nil, fmt.Errorf("reading steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var step workflow.WorkflowStep
		var actions string
		if err := rows.Scan(&step.Ordinal, &step.Name, &step.Reasoning, &actions); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(actions), &step.TargetActions); err != nil {
			return nil, fmt.Errorf("decoding step %d actions: %w", step.Ordinal, err)
		}
		wf.Steps = append(wf.Steps, step)
	}
	return wf, rows.Err()
}

// WriteAlignment implements Store. Each call writes a new batch; earlier
// batches for the session are left intact.
func (s *SQLiteStore) WriteAlignment(ctx context.Context, sessionID string, edges []convergence.Edge, overall float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var batch int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(batch), -1) + 1 FROM alignments WHERE session_id = ?`, sessionID,
	).Scan(&batch); err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, e := range edges {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO alignments (session_id, batch, step_ordinal, action_index, relation, score, overall_score, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, batch, e.StepOrdinal, e.ActionIndex, string(e.Relation), e.Score, overall, now,
		); err != nil {
			return fmt.Errorf("inserting alignment edge: %w", err)
		}
	}
	return tx.Commit()
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
