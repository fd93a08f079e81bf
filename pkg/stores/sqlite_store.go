package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/intralog/drawbridge/pkg/intake"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrJobNotFound is returned when a lookup misses.
var ErrJobNotFound = errors.New("job not found")

// SQLiteStore implements intake.JobStore backed by SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database, enables WAL mode, and configures the pool.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

const jobColumns = `key, cad_path, doc_path, stage, attempt_count, metadata, opportunity_id, remote_folder, terminal_error, created_at, updated_at`

// EnsureJob creates a NEW job for key if none exists, otherwise returns the
// existing row untouched. INSERT OR IGNORE makes concurrent calls for the
// same key race-free: exactly one insert wins and everyone reads the same
// row back.
func (s *SQLiteStore) EnsureJob(ctx context.Context, key, cadPath, docPath string) (*intake.Job, bool, error) {
	now := time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO jobs (key, cad_path, doc_path, stage, attempt_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
	`, key, cadPath, docPath, intake.StageNew, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to ensure job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	job, err := s.GetJob(ctx, key)
	if err != nil {
		return nil, false, err
	}

	return job, rows > 0, nil
}

// GetJob retrieves a job by key.
func (s *SQLiteStore) GetJob(ctx context.Context, key string) (*intake.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE key = ?`, key)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// Advance moves the job to its next checkpoint in one transaction: the job
// row update and the success attempt land together or not at all.
func (s *SQLiteStore) Advance(ctx context.Context, job *intake.Job, next intake.Stage, out *intake.StageOutput) error {
	now := time.Now().UTC()

	metadata := job.Metadata
	opportunity := job.Opportunity
	remoteFolder := job.RemoteFolder
	if out != nil {
		if out.Metadata != nil {
			metadata = out.Metadata
		}
		if out.Opportunity != nil {
			opportunity = out.Opportunity
		}
		if out.RemoteFolder != nil {
			remoteFolder = out.RemoteFolder
		}
	}

	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET stage = ?, attempt_count = 0, metadata = ?, opportunity_id = ?, remote_folder = ?, updated_at = ?
		WHERE key = ?
	`, next, metadataJSON, opportunity, remoteFolder, now, job.Key)
	if err != nil {
		return fmt.Errorf("failed to advance job: %w", err)
	}
	if rows, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if rows == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.Key)
	}

	if err := insertAttempt(ctx, tx, job.Key, next, intake.OutcomeSuccess, nil, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit advance: %w", err)
	}

	job.Stage = next
	job.AttemptCount = 0
	job.Metadata = metadata
	job.Opportunity = opportunity
	job.RemoteFolder = remoteFolder
	job.UpdatedAt = now
	return nil
}

// RecordFailure increments the attempt count and appends a failure attempt
// without moving the job's checkpoint.
func (s *SQLiteStore) RecordFailure(ctx context.Context, job *intake.Job, stage intake.Stage, stageErr error) error {
	now := time.Now().UTC()
	msg := stageErr.Error()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE jobs SET attempt_count = attempt_count + 1, updated_at = ? WHERE key = ?
	`, now, job.Key)
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	if rows, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if rows == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.Key)
	}

	if err := insertAttempt(ctx, tx, job.Key, stage, intake.OutcomeFailure, &msg, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit failure record: %w", err)
	}

	job.AttemptCount++
	job.UpdatedAt = now
	return nil
}

// MarkFailed moves the job to the terminal FAILED state.
func (s *SQLiteStore) MarkFailed(ctx context.Context, job *intake.Job, stage intake.Stage, terminalErr error) error {
	now := time.Now().UTC()
	msg := fmt.Sprintf("stage %s: %s", stage, terminalErr.Error())

	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET stage = ?, terminal_error = ?, updated_at = ? WHERE key = ?
	`, intake.StageFailed, msg, now, job.Key)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	if rows, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if rows == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.Key)
	}

	job.Stage = intake.StageFailed
	job.TerminalErr = &msg
	job.UpdatedAt = now
	return nil
}

// ResetForReintake returns a terminal job to NEW with fresh paths. The
// attempt history is kept for audit.
func (s *SQLiteStore) ResetForReintake(ctx context.Context, job *intake.Job, cadPath, docPath string) error {
	now := time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET stage = ?, cad_path = ?, doc_path = ?, attempt_count = 0,
		    metadata = NULL, opportunity_id = NULL, remote_folder = NULL, terminal_error = NULL,
		    updated_at = ?
		WHERE key = ?
	`, intake.StageNew, cadPath, docPath, now, job.Key)
	if err != nil {
		return fmt.Errorf("failed to reset job: %w", err)
	}
	if rows, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if rows == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.Key)
	}

	job.Stage = intake.StageNew
	job.CADPath = cadPath
	job.DocPath = docPath
	job.AttemptCount = 0
	job.Metadata = nil
	job.Opportunity = nil
	job.RemoteFolder = nil
	job.TerminalErr = nil
	job.UpdatedAt = now
	return nil
}

// LoadPending returns every non-terminal job, oldest first.
func (s *SQLiteStore) LoadPending(ctx context.Context) ([]*intake.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE stage NOT IN (?, ?)
		ORDER BY created_at ASC
	`, intake.StageComplete, intake.StageFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListJobs lists jobs with pagination, newest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*intake.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// Attempts returns the attempt history for a job, oldest first.
func (s *SQLiteStore) Attempts(ctx context.Context, key string) ([]*intake.StageAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_key, stage, outcome, error, timestamp
		FROM stage_attempts
		WHERE job_key = ?
		ORDER BY timestamp ASC, id ASC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	attempts := []*intake.StageAttempt{}
	for rows.Next() {
		a := &intake.StageAttempt{}
		if err := rows.Scan(&a.ID, &a.JobKey, &a.Stage, &a.Outcome, &a.Error, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}

	return attempts, nil
}

func insertAttempt(ctx context.Context, tx *sql.Tx, key string, stage intake.Stage, outcome intake.AttemptOutcome, errMsg *string, ts time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stage_attempts (id, job_key, stage, outcome, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), key, stage, outcome, errMsg, ts)
	if err != nil {
		return fmt.Errorf("failed to insert attempt: %w", err)
	}
	return nil
}

func marshalMetadata(md *intake.Metadata) (*string, error) {
	if md == nil {
		return nil, nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	s := string(data)
	return &s, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*intake.Job, error) {
	job := &intake.Job{}
	var metadataJSON *string

	err := row.Scan(
		&job.Key,
		&job.CADPath,
		&job.DocPath,
		&job.Stage,
		&job.AttemptCount,
		&metadataJSON,
		&job.Opportunity,
		&job.RemoteFolder,
		&job.TerminalErr,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if metadataJSON != nil {
		md := &intake.Metadata{}
		if err := json.Unmarshal([]byte(*metadataJSON), md); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		job.Metadata = md
	}

	return job, nil
}

func collectJobs(rows *sql.Rows) ([]*intake.Job, error) {
	jobs := []*intake.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}
