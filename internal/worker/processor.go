package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cuongbtq/transform-adapter/internal/codec"
	"github.com/cuongbtq/transform-adapter/internal/fetcher"
	"github.com/cuongbtq/transform-adapter/internal/transform"
	"github.com/cuongbtq/transform-adapter/internal/vault"
	"github.com/cuongbtq/transform-adapter/internal/worker/domain"
	"github.com/cuongbtq/transform-adapter/internal/worker/storage"
	"github.com/cuongbtq/transform-adapter/shared/logger"
)

// Outcome is how the inbound message is settled after processing
type Outcome int

const (
	OutcomeAck Outcome = iota
	OutcomeRequeue
	OutcomeReject
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRequeue:
		return "requeue"
	case OutcomeReject:
		return "reject"
	default:
		return "ack"
	}
}

// Decoder turns a raw message into a job
type Decoder interface {
	Decode(raw []byte) (*domain.Job, error)
}

// CredentialResolver runs the fallback exchange and refreshes its tokens
type CredentialResolver interface {
	ResolveFallback(ctx context.Context, req vault.FallbackRequest) (*domain.ResolvedCredential, error)
	Refresh(ctx context.Context, cred *domain.ResolvedCredential, req vault.FallbackRequest) (*domain.ResolvedCredential, error)
}

// InputFetcher retrieves one input into the work directory
type InputFetcher interface {
	Fetch(ctx context.Context, index int, desc domain.InputDescriptor, cred *fetcher.Credential, workDir string) (*domain.InputResource, error)
}

// Stager uploads one output artifact
type Stager interface {
	Stage(ctx context.Context, jobID string, artifact domain.OutputArtifact, dest domain.StagingLocation) (*domain.StagedObject, error)
}

// Reporter sends status callbacks to the coordinator
type Reporter interface {
	Progress(ctx context.Context, jobID, callbackURL string, percent int) error
	Succeed(ctx context.Context, jobID, callbackURL string, items []*domain.StagedObject) error
	Fail(ctx context.Context, jobID, callbackURL, category, message string) error
}

// ProcessorConfig holds per-job limits
type ProcessorConfig struct {
	WorkerID    string
	Concurrency int
	JobTimeout  time.Duration
	// CallbackTimeout bounds terminal delivery including its retries
	CallbackTimeout time.Duration
	// WorkDir is the parent of every per-job scratch directory
	WorkDir  string
	Fallback vault.FallbackRequest
}

// Processor runs the pipeline for one inbound message
type Processor struct {
	config      ProcessorConfig
	decoder     Decoder
	credentials CredentialResolver
	fetcher     InputFetcher
	invoker     transform.Invoker
	stager      Stager
	reporter    Reporter
	ledger      storage.Ledger
	logger      *slog.Logger
}

// ProcessorDeps are the collaborators of a Processor
type ProcessorDeps struct {
	Decoder     Decoder
	Credentials CredentialResolver
	Fetcher     InputFetcher
	Invoker     transform.Invoker
	Stager      Stager
	Reporter    Reporter
	Ledger      storage.Ledger
	Logger      *slog.Logger
}

func NewProcessor(config ProcessorConfig, deps ProcessorDeps) *Processor {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = time.Hour
	}
	if config.CallbackTimeout <= 0 {
		config.CallbackTimeout = 2 * time.Minute
	}
	if config.WorkDir == "" {
		config.WorkDir = os.TempDir()
	}

	return &Processor{
		config:      config,
		decoder:     deps.Decoder,
		credentials: deps.Credentials,
		fetcher:     deps.Fetcher,
		invoker:     deps.Invoker,
		stager:      deps.Stager,
		reporter:    deps.Reporter,
		ledger:      deps.Ledger,
		logger:      deps.Logger,
	}
}

// Process runs one message through the pipeline and decides how to settle it
func (p *Processor) Process(ctx context.Context, body []byte) Outcome {
	job, err := p.decoder.Decode(body)
	if err != nil {
		return p.handleUndecodable(ctx, body, err)
	}

	log := p.logger.With(slog.String("job_id", job.ID))

	record, err := p.ledger.Get(ctx, job.ID)
	switch {
	case err == nil && record.Terminal():
		log.Info("Job already completed, acknowledging redelivery",
			slog.String("status", record.Status),
		)
		return OutcomeAck
	case err != nil && !errors.Is(err, domain.ErrJobNotFound):
		log.Error("Failed to read job ledger", slog.Any("error", err))
		return OutcomeRequeue
	}

	if _, err := p.ledger.Begin(ctx, job.ID, p.config.WorkerID); err != nil {
		if errors.Is(err, domain.ErrAlreadyTerminal) {
			return OutcomeAck
		}
		log.Error("Failed to record job start", slog.Any("error", err))
		return OutcomeRequeue
	}

	log.Info("Processing job",
		slog.String("worker_id", p.config.WorkerID),
		slog.Int("inputs", len(job.Inputs)),
		slog.Any("credential", job.Credential),
	)
	start := time.Now()

	items, runErr := p.run(ctx, job, log)

	if runErr != nil && ctx.Err() != nil && !errors.Is(runErr, domain.ErrCanceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		// worker shutdown, not a job failure
		log.Warn("Job interrupted by shutdown, requeueing", slog.Any("error", runErr))
		return OutcomeRequeue
	}

	if errors.Is(runErr, domain.ErrCanceled) {
		log.Info("Job canceled by the coordinator")
		p.complete(ctx, log, job.ID, domain.JobStatusCanceled, domain.CategoryCanceled, "")
		return OutcomeAck
	}

	cbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.CallbackTimeout)
	defer cancel()

	status, category, message := domain.JobStatusSuccessful, "", ""
	var cbErr error
	if runErr == nil {
		cbErr = p.reporter.Succeed(cbCtx, job.ID, job.CallbackURL, items)
		log.Info("Job completed successfully",
			slog.Int("items", len(items)),
			slog.Duration("duration", time.Since(start)),
		)
	} else {
		status = domain.JobStatusFailed
		category = domain.CategoryOf(runErr)
		message = failureMessage(runErr, category, p.config.JobTimeout)
		log.Error("Job execution failed",
			slog.String("category", category),
			slog.Any("error", runErr),
			slog.Duration("duration", time.Since(start)),
		)
		cbErr = p.reporter.Fail(cbCtx, job.ID, job.CallbackURL, category, message)
	}

	return p.settleTerminal(ctx, log, job.ID, status, category, message, cbErr)
}

// handleUndecodable reports a failure for messages whose envelope is still usable
func (p *Processor) handleUndecodable(ctx context.Context, body []byte, decodeErr error) Outcome {
	env, ok := codec.DecodeEnvelope(body)
	if !ok {
		p.logger.Error("Rejecting message without usable job id or callback URL",
			slog.Any("error", decodeErr),
		)
		return OutcomeReject
	}

	log := p.logger.With(slog.String("job_id", env.JobID))
	if record, err := p.ledger.Get(ctx, env.JobID); err == nil && record.Terminal() {
		log.Info("Job already completed, acknowledging redelivery")
		return OutcomeAck
	}

	category := domain.CategoryOf(decodeErr)
	message := failureMessage(decodeErr, category, p.config.JobTimeout)
	log.Warn("Failed to decode job message",
		slog.String("category", category),
		slog.Any("error", decodeErr),
	)

	cbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.CallbackTimeout)
	defer cancel()
	cbErr := p.reporter.Fail(cbCtx, env.JobID, env.CallbackURL, category, message)

	return p.settleTerminal(ctx, log, env.JobID, domain.JobStatusFailed, category, message, cbErr)
}

// settleTerminal maps the terminal callback result to an outcome. The ledger is
// only marked complete once the coordinator has the outcome.
func (p *Processor) settleTerminal(ctx context.Context, log *slog.Logger, jobID, status, category, message string, cbErr error) Outcome {
	switch {
	case cbErr == nil:
		p.complete(ctx, log, jobID, status, category, message)
		return OutcomeAck
	case errors.Is(cbErr, domain.ErrAlreadyTerminal):
		log.Warn("Terminal callback already delivered for job")
		return OutcomeAck
	case errors.Is(cbErr, domain.ErrCanceled):
		log.Info("Coordinator reports job canceled")
		p.complete(ctx, log, jobID, domain.JobStatusCanceled, domain.CategoryCanceled, "")
		return OutcomeAck
	case domain.IsTransient(cbErr):
		log.Log(ctx, logger.LevelCritical, "Terminal callback could not be delivered, requeueing",
			slog.String("status", status),
			slog.Any("error", cbErr),
		)
		return OutcomeRequeue
	default:
		log.Log(ctx, logger.LevelCritical, "Terminal callback rejected by coordinator",
			slog.String("status", status),
			slog.Any("error", cbErr),
		)
		return OutcomeReject
	}
}

func (p *Processor) complete(ctx context.Context, log *slog.Logger, jobID, status, category, message string) {
	if err := p.ledger.Complete(context.WithoutCancel(ctx), jobID, status, category, message); err != nil {
		log.Error("Failed to update job ledger",
			slog.String("status", status),
			slog.Any("error", err),
		)
	}
}

// run executes steps 3 to 8 for a decoded job. The work directory is removed on
// every path out.
func (p *Processor) run(ctx context.Context, job *domain.Job, log *slog.Logger) ([]*domain.StagedObject, error) {
	cred, err := p.resolveCredential(ctx, job)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(p.config.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	workDir, err := os.MkdirTemp(p.config.WorkDir, "job-"+job.ID+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create job directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Warn("Failed to remove job directory", slog.String("dir", workDir), slog.Any("error", err))
		}
	}()

	jobCtx, cancel := context.WithTimeout(ctx, p.config.JobTimeout)
	defer cancel()

	inputs, err := p.fetchAll(jobCtx, job, cred, workDir, log)
	if err != nil {
		return nil, err
	}

	artifacts, err := p.invoker.Run(jobCtx, transform.Request{
		JobID:      job.ID,
		Inputs:     inputs,
		Parameters: job.Parameters,
		OutputDir:  filepath.Join(workDir, "outputs"),
		WorkDir:    workDir,
	})
	if err != nil {
		return nil, err
	}
	if err := checkUnique(artifacts); err != nil {
		return nil, err
	}
	if err := p.reporter.Progress(jobCtx, job.ID, job.CallbackURL, progressTransformed); err != nil {
		return nil, err
	}

	items, err := p.stageAll(jobCtx, job, artifacts, log)
	if err != nil {
		return nil, err
	}
	if err := jobCtx.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (p *Processor) resolveCredential(ctx context.Context, job *domain.Job) (*fetcher.Credential, error) {
	switch job.Credential.Kind {
	case domain.StrategyEmbeddedToken, domain.StrategyBearerToken:
		return fetcher.NewCredential(&domain.ResolvedCredential{
			Token:  job.Credential.Token,
			Source: job.Credential.Kind,
		}, nil), nil
	case domain.StrategyOAuthFallback:
		cred, err := p.credentials.ResolveFallback(ctx, p.config.Fallback)
		if err != nil {
			return nil, err
		}
		return fetcher.NewCredential(cred, func(ctx context.Context, cred *domain.ResolvedCredential) (*domain.ResolvedCredential, error) {
			return p.credentials.Refresh(ctx, cred, p.config.Fallback)
		}), nil
	default:
		return fetcher.NewCredential(domain.NoCredential, nil), nil
	}
}

// checkUnique rejects tool output that would stage two artifacts to one key
func checkUnique(artifacts []domain.OutputArtifact) error {
	seen := make(map[string]bool, len(artifacts))
	for _, a := range artifacts {
		role := a.Role
		if role == "" {
			role = domain.RolePrimary
		}
		k := role + "/" + domain.SanitizeName(a.Name)
		if seen[k] {
			return &domain.TransformError{Kind: domain.TransformInternal, Message: fmt.Sprintf("transformation declared %s more than once", k)}
		}
		seen[k] = true
	}
	return nil
}

// failureMessage is the text reported to the coordinator
func failureMessage(err error, category string, jobTimeout time.Duration) string {
	var (
		fetchErr     *domain.FetchError
		transformErr *domain.TransformError
	)

	switch category {
	case domain.CategoryTimeout:
		if errors.As(err, &transformErr) {
			return transformErr.Message
		}
		return fmt.Sprintf("Job exceeded its time limit of %s", jobTimeout)
	case domain.CategoryFetch:
		if errors.As(err, &fetchErr) {
			if fetchErr.Message != "" {
				return fetchErr.Message
			}
			if fetchErr.Status >= 500 || fetchErr.Status == 0 {
				return fmt.Sprintf("Failed to retrieve %s", fetchErr.URL)
			}
		}
		return err.Error()
	case domain.CategoryTransform:
		if errors.As(err, &transformErr) && transformErr.Message != "" {
			return transformErr.Message
		}
		return "The transformation failed"
	case domain.CategoryInternal:
		return "Service request failed with an unknown error"
	default:
		return err.Error()
	}
}
