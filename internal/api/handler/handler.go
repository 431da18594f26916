package handler

import (
	"log/slog"
	"time"

	"github.com/cuongbtq/transform-adapter/internal/worker/storage"
)

// Liveness reports when the worker last completed a poll
type Liveness interface {
	LastBeat() time.Time
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Ledger    storage.Ledger
	Heartbeat Liveness
	WorkerID  string
	Service   string
	// MaxHeartbeatAge is how old the last poll may be before /health fails
	MaxHeartbeatAge time.Duration
}

// JobHandler serves ledger records
type JobHandler struct {
	logger *slog.Logger
	ledger storage.Ledger
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		ledger: deps.Ledger,
	}
}

// HealthHandler reports worker liveness from the heartbeat
type HealthHandler struct {
	heartbeat Liveness
	workerID  string
	service   string
	maxAge    time.Duration
	now       func() time.Time
}

// NewHealthHandler creates a new HealthHandler instance
func NewHealthHandler(deps *Dependencies) *HealthHandler {
	maxAge := deps.MaxHeartbeatAge
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	service := deps.Service
	if service == "" {
		service = "transform-adapter"
	}
	return &HealthHandler{
		heartbeat: deps.Heartbeat,
		workerID:  deps.WorkerID,
		service:   service,
		maxAge:    maxAge,
		now:       time.Now,
	}
}
