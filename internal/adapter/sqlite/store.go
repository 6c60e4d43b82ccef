package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fetchq/fetchq/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id          TEXT PRIMARY KEY,
    url         TEXT NOT NULL,
    options     TEXT NOT NULL DEFAULT '',
    destination TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'pending',
    progress    REAL NOT NULL DEFAULT 0,
    retries     INTEGER NOT NULL DEFAULT 0,
    last_error  TEXT,
    next_retry  DATETIME,
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, created_at, id);
`

// All reads name their columns so rows written by newer versions with
// extra columns stay readable.
const jobColumns = `id, url, options, destination, status, progress, retries,
    COALESCE(last_error, ''), next_retry, created_at, updated_at`

// Store implements domain.JobStore on SQLite.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at dbPath and initializes
// the schema.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Writers queue up instead of failing on SQLITE_BUSY.
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new job record.
func (s *Store) Create(ctx context.Context, job *domain.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, url, options, destination, status, progress, retries, last_error, next_retry, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.URL, job.Options, job.Destination, job.Status,
		job.Progress, job.Retries, nullableString(job.LastError),
		nullableTime(job.NextRetry), job.CreatedAt, job.UpdatedAt,
	)
	return err
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// List returns jobs in creation order, ties broken by id. With statuses
// given, only matching jobs are returned.
func (s *Store) List(ctx context.Context, statuses ...domain.JobStatus) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// CompareAndTransition atomically moves a job from expected to next and
// applies up. It returns false if the job's current status differs from
// expected, leaving the record untouched.
func (s *Store) CompareAndTransition(ctx context.Context, id string, expected, next domain.JobStatus, up domain.Update) (bool, error) {
	query := `UPDATE jobs SET status = ?, updated_at = ?`
	args := []any{next, time.Now()}

	if up.Progress != nil {
		query += `, progress = ?`
		args = append(args, *up.Progress)
	}
	if up.Retries != nil {
		query += `, retries = ?`
		args = append(args, *up.Retries)
	}
	if up.LastError != nil {
		query += `, last_error = ?`
		args = append(args, nullableString(*up.LastError))
	}
	if up.NextRetry != nil {
		// The zero time clears the retry gate.
		query += `, next_retry = ?`
		if up.NextRetry.IsZero() {
			args = append(args, nil)
		} else {
			args = append(args, *up.NextRetry)
		}
	}

	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, expected)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ClaimOldest advances the oldest ready job and returns it with its new
// status: pending jobs move to filtering, queued jobs to downloading.
// It returns nil when nothing is ready.
func (s *Store) ClaimOldest(ctx context.Context) (*domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN (?, ?) AND (next_retry IS NULL OR next_retry <= ?)
		 ORDER BY created_at, id LIMIT 1`,
		domain.StatusPending, domain.StatusQueued, time.Now(),
	)
	job, err := scanJob(row)
	if err == domain.ErrJobNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	next := domain.StatusFiltering
	if job.Status == domain.StatusQueued {
		next = domain.StatusDownloading
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		next, time.Now(), job.ID, job.Status,
	)
	if err != nil {
		return nil, err
	}
	if n, _ := result.RowsAffected(); n != 1 {
		// Another worker won the claim; treat as nothing ready.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	job.Status = next
	return job, nil
}

// RecoverInterrupted resets jobs left in filtering or downloading by a
// crash back to queued, retry counts untouched.
func (s *Store) RecoverInterrupted(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, next_retry = NULL, updated_at = ? WHERE status IN (?, ?)`,
		domain.StatusQueued, time.Now(), domain.StatusFiltering, domain.StatusDownloading,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// PurgeTerminal deletes all terminal job records.
func (s *Store) PurgeTerminal(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?, ?, ?, ?)`,
		domain.StatusBlocked, domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Delete removes a single record; non-terminal jobs require force.
func (s *Store) Delete(ctx context.Context, id string, force bool) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() && !force {
		return domain.ErrInvalidState
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var job domain.Job
	var status string
	var nextRetry sql.NullTime
	err := row.Scan(&job.ID, &job.URL, &job.Options, &job.Destination, &status,
		&job.Progress, &job.Retries, &job.LastError, &nextRetry,
		&job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	if nextRetry.Valid {
		t := nextRetry.Time
		job.NextRetry = &t
	}
	return &job, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}
