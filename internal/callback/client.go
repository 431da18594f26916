package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/transform-adapter/internal/worker/domain"
	"github.com/cuongbtq/transform-adapter/shared/retry"
)

// DefaultPath is appended to the job's callback URL
const DefaultPath = "/response"

// State is where a job is in its callback lifecycle
type State int

const (
	StateNotStarted State = iota
	StateInProgress
	// StateTerminating holds the job's terminal slot while delivery is in flight
	StateTerminating
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateInProgress:
		return "in_progress"
	case StateTerminating:
		return "terminating"
	case StateTerminal:
		return "terminal"
	default:
		return "not_started"
	}
}

// Config controls callback delivery
type Config struct {
	Path    string
	Timeout time.Duration
	Retry   retry.Policy
}

// Beater records liveness on every delivery attempt
type Beater interface {
	RecordPoll() error
}

// Client reports job status to the coordinator. At most one terminal callback
// is delivered per job id for the life of the process.
type Client struct {
	transport Transport
	config    Config
	beat      Beater
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	states map[string]State
}

func New(transport Transport, config Config, beat Beater, logger *slog.Logger) *Client {
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	config.Retry = config.Retry.WithDefaults()

	return &Client{
		transport: transport,
		config:    config,
		beat:      beat,
		logger:    logger,
		now:       time.Now,
		states:    make(map[string]State),
	}
}

// State returns the callback state of a job
func (c *Client) State(jobID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[jobID]
}

// Progress reports completion percent. Delivery is best-effort; the only error
// returned is ErrCanceled when the coordinator has canceled the job.
func (c *Client) Progress(ctx context.Context, jobID, callbackURL string, percent int) error {
	c.mu.Lock()
	if c.states[jobID] >= StateTerminating {
		c.mu.Unlock()
		return nil
	}
	c.states[jobID] = StateInProgress
	c.mu.Unlock()

	msg := &domain.CallbackMessage{Kind: domain.CallbackProgress, JobID: jobID, Progress: clampPercent(percent)}
	body, err := c.encode(msg)
	if err != nil {
		return err
	}

	status, err := c.attempt(ctx, c.target(callbackURL), body)
	switch {
	case err != nil:
		c.logger.Warn("Progress callback failed",
			slog.String("job_id", jobID),
			slog.Int("progress", msg.Progress),
			slog.Any("error", err),
		)
	case status == http.StatusConflict:
		c.setState(jobID, StateTerminal)
		return domain.ErrCanceled
	case !success(status):
		c.logger.Warn("Progress callback rejected",
			slog.String("job_id", jobID),
			slog.Int("progress", msg.Progress),
			slog.Int("status", status),
		)
	}
	return nil
}

// Succeed delivers the success terminal callback with the staged items
func (c *Client) Succeed(ctx context.Context, jobID, callbackURL string, items []*domain.StagedObject) error {
	return c.terminal(ctx, callbackURL, &domain.CallbackMessage{
		Kind:  domain.CallbackSuccess,
		JobID: jobID,
		Items: items,
	})
}

// Fail delivers the failure terminal callback
func (c *Client) Fail(ctx context.Context, jobID, callbackURL, category, message string) error {
	return c.terminal(ctx, callbackURL, &domain.CallbackMessage{
		Kind:     domain.CallbackFailure,
		JobID:    jobID,
		Category: category,
		Message:  message,
	})
}

func (c *Client) terminal(ctx context.Context, callbackURL string, msg *domain.CallbackMessage) error {
	prev, ok := c.reserve(msg.JobID)
	if !ok {
		return domain.ErrAlreadyTerminal
	}

	body, err := c.encode(msg)
	if err != nil {
		c.setState(msg.JobID, prev)
		return &domain.CallbackError{Err: err}
	}
	target := c.target(callbackURL)

	err = retry.Do(ctx, c.config.Retry, func(ctx context.Context) error {
		status, err := c.attempt(ctx, target, body)
		switch {
		case err != nil:
			callbackErr := &domain.CallbackError{Transient: true, Err: err}
			if ctx.Err() != nil {
				return retry.Permanent(callbackErr)
			}
			return callbackErr
		case success(status):
			return nil
		case status == http.StatusConflict:
			return retry.Permanent(domain.ErrCanceled)
		case transientStatus(status):
			return &domain.CallbackError{Status: status, Transient: true, Err: fmt.Errorf("coordinator returned %d", status)}
		default:
			return retry.Permanent(&domain.CallbackError{Status: status, Err: fmt.Errorf("coordinator rejected the callback with %d", status)})
		}
	}, func(attempt int, err error, wait time.Duration) {
		c.logger.Warn("Terminal callback attempt failed, retrying",
			slog.String("job_id", msg.JobID),
			slog.String("status", msg.Kind.Status()),
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", wait),
			slog.Any("error", err),
		)
	})

	if err == nil || errors.Is(err, domain.ErrCanceled) {
		c.setState(msg.JobID, StateTerminal)
		if err == nil {
			c.logger.Info("Terminal callback delivered",
				slog.String("job_id", msg.JobID),
				slog.String("status", msg.Kind.Status()),
			)
		}
		return err
	}

	// undelivered, a redelivered job may try again
	c.setState(msg.JobID, prev)

	var callbackErr *domain.CallbackError
	if errors.As(err, &callbackErr) {
		return callbackErr
	}
	return &domain.CallbackError{Transient: true, Err: err}
}

func (c *Client) attempt(ctx context.Context, target string, body []byte) (int, error) {
	if c.beat != nil {
		if err := c.beat.RecordPoll(); err != nil {
			c.logger.Debug("Failed to record heartbeat", slog.Any("error", err))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	return c.transport.Send(ctx, target, body)
}

func (c *Client) encode(msg *domain.CallbackMessage) ([]byte, error) {
	body, err := json.Marshal(msg.Body(c.now()))
	if err != nil {
		return nil, fmt.Errorf("failed to encode callback: %w", err)
	}
	return body, nil
}

// reserve claims the job's terminal slot and returns the state it replaced. It
// fails while another terminal callback for the job is in flight or delivered.
func (c *Client) reserve(jobID string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.states[jobID]
	if prev >= StateTerminating {
		return prev, false
	}
	c.states[jobID] = StateTerminating
	return prev, true
}

func (c *Client) setState(jobID string, state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[jobID] = state
}

func (c *Client) target(callbackURL string) string {
	return strings.TrimRight(callbackURL, "/") + c.config.Path
}

func success(status int) bool {
	return status >= 200 && status < 300
}

func transientStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= http.StatusInternalServerError
}

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
