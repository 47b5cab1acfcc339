package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"autopatch/internal/core"
	"autopatch/internal/progress"
)

// SQLiteStore persists the progress record and the cycle history of one
// working tree.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	ddl := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`CREATE TABLE IF NOT EXISTS progress_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS completed_tasks (
			task_id TEXT PRIMARY KEY,
			position INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS failed_tasks (
			task_id TEXT PRIMARY KEY,
			fail_count INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cycles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle_id TEXT NOT NULL UNIQUE,
			project TEXT NOT NULL,
			cycle_no INTEGER NOT NULL,
			task_id TEXT,
			task_name TEXT,
			provider TEXT,
			model TEXT,
			outcome TEXT,
			detail TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle_id TEXT NOT NULL,
			attempt_no INTEGER NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			raw_path TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY(cycle_id) REFERENCES cycles(cycle_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_cycle_id ON attempts(cycle_id);`,
	}

	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load reads the progress record. An empty database yields an empty record.
func (s *SQLiteStore) Load(ctx context.Context) (progress.Record, error) {
	record := progress.New()

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM progress_meta`)
	if err != nil {
		return progress.New(), err
	}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			rows.Close()
			return progress.New(), err
		}
		switch key {
		case "cycle_count":
			record.CycleCount, _ = strconv.Atoi(value)
		case "last_focus":
			record.LastFocus = value
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return progress.New(), err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT task_id FROM completed_tasks ORDER BY position ASC`)
	if err != nil {
		return progress.New(), err
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return progress.New(), err
		}
		record.CompletedTasks = append(record.CompletedTasks, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return progress.New(), err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT task_id, fail_count FROM failed_tasks`)
	if err != nil {
		return progress.New(), err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id    string
			count int
		)
		if err := rows.Scan(&id, &count); err != nil {
			return progress.New(), err
		}
		record.FailedTasks[id] = count
	}
	if err := rows.Err(); err != nil {
		return progress.New(), err
	}

	return record.Normalize(), nil
}

// Save replaces the stored record in a single transaction.
func (s *SQLiteStore) Save(ctx context.Context, record progress.Record) error {
	record = record.Normalize()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM progress_meta`,
		`DELETE FROM completed_tasks`,
		`DELETE FROM failed_tasks`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO progress_meta (key, value) VALUES ('cycle_count', ?), ('last_focus', ?)`,
		strconv.Itoa(record.CycleCount),
		record.LastFocus,
	); err != nil {
		return err
	}

	completed, err := tx.PrepareContext(ctx, `INSERT INTO completed_tasks (task_id, position) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer completed.Close()
	for i, id := range record.CompletedTasks {
		if _, err := completed.ExecContext(ctx, id, i); err != nil {
			return err
		}
	}

	failed, err := tx.PrepareContext(ctx, `INSERT INTO failed_tasks (task_id, fail_count) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer failed.Close()
	for id, count := range record.FailedTasks {
		if _, err := failed.ExecContext(ctx, id, count); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) BeginCycle(ctx context.Context, cycle core.CycleRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cycles (cycle_id, project, cycle_no, task_id, task_name, provider, model, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cycle.CycleID,
		cycle.Project,
		cycle.CycleNo,
		cycle.TaskID,
		cycle.TaskName,
		cycle.Provider,
		cycle.Model,
		cycle.StartedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *SQLiteStore) RecordAttempt(ctx context.Context, attempt core.AttemptRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (cycle_id, attempt_no, status, error, raw_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		attempt.CycleID,
		attempt.AttemptNo,
		attempt.Status,
		attempt.Error,
		attempt.RawPath,
		attempt.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *SQLiteStore) FinishCycle(ctx context.Context, cycle core.CycleRecord) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cycles
		SET task_id = ?, task_name = ?, provider = ?, model = ?, outcome = ?, detail = ?, finished_at = ?
		WHERE cycle_id = ?`,
		cycle.TaskID,
		cycle.TaskName,
		cycle.Provider,
		cycle.Model,
		string(cycle.Outcome),
		cycle.Detail,
		cycle.FinishedAt.UTC().Format(time.RFC3339),
		cycle.CycleID,
	)
	return err
}

// RecentCycles returns up to limit cycles, newest first.
func (s *SQLiteStore) RecentCycles(ctx context.Context, limit int) ([]core.CycleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cycle_id, project, cycle_no, task_id, task_name, provider, model, outcome, detail, started_at, finished_at
		FROM cycles
		ORDER BY id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []core.CycleRecord
	for rows.Next() {
		var (
			cycle      core.CycleRecord
			taskID     sql.NullString
			taskName   sql.NullString
			provider   sql.NullString
			model      sql.NullString
			outcome    sql.NullString
			detail     sql.NullString
			startedAt  string
			finishedAt sql.NullString
		)
		if err := rows.Scan(
			&cycle.CycleID,
			&cycle.Project,
			&cycle.CycleNo,
			&taskID,
			&taskName,
			&provider,
			&model,
			&outcome,
			&detail,
			&startedAt,
			&finishedAt,
		); err != nil {
			return nil, err
		}
		cycle.TaskID = taskID.String
		cycle.TaskName = taskName.String
		cycle.Provider = provider.String
		cycle.Model = model.String
		cycle.Outcome = core.Outcome(outcome.String)
		cycle.Detail = detail.String
		cycle.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		if finishedAt.Valid {
			cycle.FinishedAt, _ = time.Parse(time.RFC3339, finishedAt.String)
		}
		cycles = append(cycles, cycle)
	}
	return cycles, rows.Err()
}

// Attempts lists the model attempts recorded for one cycle.
func (s *SQLiteStore) Attempts(ctx context.Context, cycleID string) ([]core.AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt_no, status, error, raw_path, created_at
		FROM attempts
		WHERE cycle_id = ?
		ORDER BY attempt_no ASC`,
		cycleID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []core.AttemptRecord
	for rows.Next() {
		var (
			attempt   core.AttemptRecord
			errText   sql.NullString
			rawPath   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&attempt.AttemptNo, &attempt.Status, &errText, &rawPath, &createdAt); err != nil {
			return nil, err
		}
		attempt.CycleID = cycleID
		attempt.Error = errText.String
		attempt.RawPath = rawPath.String
		attempt.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}
