package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/transform-adapter/internal/worker/domain"
)

// Record is the ledger entry for one job id
type Record struct {
	JobID       string     `db:"job_id" json:"job_id"`
	Status      string     `db:"status" json:"status"`
	Category    string     `db:"category" json:"category,omitempty"`
	Message     string     `db:"message" json:"message,omitempty"`
	WorkerID    string     `db:"worker_id" json:"worker_id"`
	Attempts    int        `db:"attempts" json:"attempts"`
	StartedAt   time.Time  `db:"started_at" json:"started_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether the job's outcome has been delivered
func (r *Record) Terminal() bool {
	return domain.IsTerminalStatus(r.Status)
}

// Ledger remembers which jobs reached a delivered terminal state, so a
// redelivered message is acknowledged instead of reprocessed.
type Ledger interface {
	EnsureSchema(ctx context.Context) error
	// Begin marks the job RUNNING and counts the attempt. It returns
	// ErrAlreadyTerminal when the job has already completed.
	Begin(ctx context.Context, jobID, workerID string) (*Record, error)
	Complete(ctx context.Context, jobID, status, category, message string) error
	// Get returns ErrJobNotFound for unknown jobs
	Get(ctx context.Context, jobID string) (*Record, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS adapter_jobs (
	job_id       TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	category     TEXT,
	message      TEXT,
	worker_id    TEXT NOT NULL DEFAULT '',
	attempts     INTEGER NOT NULL DEFAULT 0,
	started_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at TIMESTAMPTZ,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const selectColumns = `job_id, status, COALESCE(category, '') AS category, COALESCE(message, '') AS message,
		       worker_id, attempts, started_at, completed_at, updated_at`

// Storage is the PostgreSQL ledger
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates the ledger table if it does not exist
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return nil
}

// Begin records a processing attempt using an upsert that never touches terminal rows
func (s *Storage) Begin(ctx context.Context, jobID, workerID string) (*Record, error) {
	query := `
		INSERT INTO adapter_jobs (job_id, status, worker_id, attempts, started_at, updated_at)
		VALUES ($1, $2, $3, 1, NOW(), NOW())
		ON CONFLICT (job_id) DO UPDATE
		SET status = EXCLUDED.status,
		    worker_id = EXCLUDED.worker_id,
		    attempts = adapter_jobs.attempts + 1,
		    started_at = NOW(),
		    updated_at = NOW()
		WHERE adapter_jobs.status = $2
		RETURNING ` + selectColumns

	var record Record
	err := s.db.GetContext(ctx, &record, query, jobID, domain.JobStatusRunning, workerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Job already completed - not starting again",
				slog.String("job_id", jobID),
				slog.String("worker_id", workerID),
			)
			return nil, domain.ErrAlreadyTerminal
		}
		return nil, fmt.Errorf("failed to begin job: %w", err)
	}

	s.logger.Info("Job started",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.Int("attempts", record.Attempts),
	)

	return &record, nil
}

// Complete records the delivered terminal status
func (s *Storage) Complete(ctx context.Context, jobID, status, category, message string) error {
	query := `
		INSERT INTO adapter_jobs (job_id, status, category, message, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (job_id) DO UPDATE
		SET status = EXCLUDED.status,
		    category = EXCLUDED.category,
		    message = EXCLUDED.message,
		    completed_at = NOW(),
		    updated_at = NOW()
	`

	if _, err := s.db.ExecContext(ctx, query, jobID, status, nullIfEmpty(category), nullIfEmpty(message)); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", status),
	)

	return nil
}

// Get retrieves a ledger record by job id
func (s *Storage) Get(ctx context.Context, jobID string) (*Record, error) {
	query := `SELECT ` + selectColumns + ` FROM adapter_jobs WHERE job_id = $1`

	var record Record
	if err := s.db.GetContext(ctx, &record, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &record, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// MemoryLedger keeps the ledger in process memory
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]*Record), now: time.Now}
}

func (m *MemoryLedger) EnsureSchema(context.Context) error {
	return nil
}

func (m *MemoryLedger) Begin(_ context.Context, jobID, workerID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	record, ok := m.records[jobID]
	if !ok {
		record = &Record{JobID: jobID}
		m.records[jobID] = record
	}
	if record.Terminal() {
		return nil, domain.ErrAlreadyTerminal
	}

	record.Status = domain.JobStatusRunning
	record.WorkerID = workerID
	record.Attempts++
	record.StartedAt = now
	record.UpdatedAt = now

	copied := *record
	return &copied, nil
}

func (m *MemoryLedger) Complete(_ context.Context, jobID, status, category, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	record, ok := m.records[jobID]
	if !ok {
		record = &Record{JobID: jobID, StartedAt: now}
		m.records[jobID] = record
	}
	record.Status = status
	record.Category = category
	record.Message = message
	record.CompletedAt = &now
	record.UpdatedAt = now
	return nil
}

func (m *MemoryLedger) Get(_ context.Context, jobID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	copied := *record
	return &copied, nil
}
