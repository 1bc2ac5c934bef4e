package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mkarlsen/quantd/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id           TEXT PRIMARY KEY,
    class        TEXT NOT NULL,
    status       TEXT NOT NULL,
    payload      TEXT,
    progress     TEXT,
    result       TEXT,
    error        TEXT,
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    completed_at DATETIME
)`

// ErrNotFound is returned when a job is not found.
var ErrNotFound = errors.New("job not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createJobsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (
			id, class, status, payload, progress, result, error,
			created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Class, j.Status, rawToText(j.Payload), progressToText(j.Progress),
		rawToText(j.Result), j.Error, j.CreatedAt, j.StartedAt, j.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJob overwrites the stored record with the given snapshot.
func (s *SQLiteStore) UpdateJob(ctx context.Context, j *model.Job) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
			status = ?, progress = ?, result = ?, error = ?,
			started_at = ?, completed_at = ?
		WHERE id = ?`,
		j.Status, progressToText(j.Progress), rawToText(j.Result), j.Error,
		j.StartedAt, j.CompletedAt, j.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, class, status, payload, progress, result, error,
			created_at, started_at, completed_at
		FROM jobs WHERE id = ?`, id,
	)
	j, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a paginated list of jobs ordered by created_at DESC,
// along with the total count of all jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, class, status, payload, progress, result, error,
			created_at, started_at, completed_at
		FROM jobs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// GetJobStats aggregates counts by status and class plus average runtime of
// finished jobs.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{
		CountByStatus: make(map[string]int),
		CountByClass:  make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, class, COUNT(*) FROM jobs GROUP BY status, class")
	if err != nil {
		return nil, fmt.Errorf("aggregate jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, class string
		var count int
		if err := rows.Scan(&status, &class, &count); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		stats.Total += count
		stats.CountByStatus[status] += count
		stats.CountByClass[class] += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregates: %w", err)
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT AVG((julianday(completed_at) - julianday(started_at)) * 86400000.0)
		FROM jobs WHERE started_at IS NOT NULL AND completed_at IS NOT NULL`,
	).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("average runtime: %w", err)
	}
	if avg.Valid {
		stats.AvgRuntimeMS = avg.Float64
	}

	return stats, nil
}

type scanFunc func(dest ...any) error

func scanJob(scan scanFunc) (*model.Job, error) {
	j := &model.Job{}
	var payload, progress, result, jobErr sql.NullString
	if err := scan(
		&j.ID, &j.Class, &j.Status, &payload, &progress, &result, &jobErr,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	); err != nil {
		return nil, err
	}
	if payload.Valid && payload.String != "" {
		j.Payload = json.RawMessage(payload.String)
	}
	if progress.Valid && progress.String != "" {
		var p model.Progress
		if err := json.Unmarshal([]byte(progress.String), &p); err == nil {
			j.Progress = &p
		}
	}
	if result.Valid && result.String != "" {
		j.Result = json.RawMessage(result.String)
	}
	if jobErr.Valid {
		j.Error = jobErr.String
	}
	return j, nil
}

// rawToText converts a raw JSON value to a nullable TEXT column value.
func rawToText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// progressToText serializes progress for storage, nil when absent.
func progressToText(p *model.Progress) any {
	if p == nil {
		return nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	return string(b)
}
