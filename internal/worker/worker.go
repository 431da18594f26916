package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/transform-adapter/internal/inbound"
)

// Handler processes one message body
type Handler interface {
	Process(ctx context.Context, body []byte) Outcome
}

// Beater records a successful poll
type Beater interface {
	RecordPoll() error
}

// Config holds worker configuration
type Config struct {
	Logger       *slog.Logger
	WorkerID     string
	Source       inbound.Source
	Handler      Handler
	Heartbeat    Beater
	PollInterval time.Duration
}

// Worker polls the inbound channel and processes one job at a time
type Worker struct {
	logger       *slog.Logger
	workerID     string
	source       inbound.Source
	handler      Handler
	heartbeat    Beater
	pollInterval time.Duration
	wg           sync.WaitGroup
	stopChan     chan struct{}

	mu      sync.Mutex
	stopped bool
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Worker{
		logger:       cfg.Logger,
		workerID:     cfg.WorkerID,
		source:       cfg.Source,
		handler:      cfg.Handler,
		heartbeat:    cfg.Heartbeat,
		pollInterval: pollInterval,
		stopChan:     make(chan struct{}),
	}
}

// Start runs the poll loop until ctx is canceled or Stop is called. A job in
// progress when Stop is called runs to completion. Start returns at once if
// the worker was already stopped.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Duration("poll_interval", w.pollInterval),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker context canceled, stopping...")
			return nil
		case <-w.stopChan:
			w.logger.Info("Worker stop requested")
			return nil
		default:
		}

		processed, err := w.pollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Warn("Failed to poll inbound channel",
				slog.Any("error", err),
				slog.Duration("retry_after", w.pollInterval),
			)
		}
		if err != nil || !processed {
			w.wait(ctx)
		}
	}
}

// wait sleeps for the poll interval unless the worker is stopping
func (w *Worker) wait(ctx context.Context) {
	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-w.stopChan:
	case <-timer.C:
	}
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopChan)
	}
	w.mu.Unlock()
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
