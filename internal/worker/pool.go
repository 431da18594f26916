package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/transform-adapter/internal/fetcher"
	"github.com/cuongbtq/transform-adapter/internal/worker/domain"
)

// Progress reported at pipeline milestones; success reports 100
const (
	progressFetched     = 50
	progressTransformed = 75
)

// fetchAll retrieves every input with bounded parallelism. The first fatal
// error cancels the remaining fetches.
func (p *Processor) fetchAll(ctx context.Context, job *domain.Job, cred *fetcher.Credential, workDir string, log *slog.Logger) ([]*domain.InputResource, error) {
	inputs := make([]*domain.InputResource, len(job.Inputs))
	if len(job.Inputs) == 0 {
		return inputs, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Concurrency)

	var (
		mu   sync.Mutex
		done int
	)
	for i, desc := range job.Inputs {
		g.Go(func() error {
			res, err := p.fetcher.Fetch(gctx, i, desc, cred, workDir)
			if err != nil {
				return err
			}
			inputs[i] = res

			mu.Lock()
			done++
			percent := done * progressFetched / len(job.Inputs)
			mu.Unlock()

			log.Info("Input fetched",
				slog.String("input", desc.ID),
				slog.Int64("size", res.Size),
				slog.Duration("duration", res.Duration),
			)
			return p.reporter.Progress(gctx, job.ID, job.CallbackURL, percent)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, firstCause(ctx, err)
	}
	return inputs, nil
}

// stageAll uploads every artifact with bounded parallelism, keeping the tool's
// order. Dropped optional artifacts are left out.
func (p *Processor) stageAll(ctx context.Context, job *domain.Job, artifacts []domain.OutputArtifact, log *slog.Logger) ([]*domain.StagedObject, error) {
	staged := make([]*domain.StagedObject, len(artifacts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Concurrency)

	for i, artifact := range artifacts {
		g.Go(func() error {
			obj, err := p.stager.Stage(gctx, job.ID, artifact, job.Staging)
			if err != nil {
				return err
			}
			staged[i] = obj
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, firstCause(ctx, err)
	}

	items := make([]*domain.StagedObject, 0, len(staged))
	for _, obj := range staged {
		if obj != nil {
			items = append(items, obj)
		}
	}
	if len(items) == 0 {
		return nil, &domain.StageError{Name: "outputs", Err: errors.New("no outputs were staged")}
	}

	log.Info("Outputs staged", slog.Int("items", len(items)))
	return items, nil
}

// firstCause prefers the job deadline over the cancellation errgroup caused itself
func firstCause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrCanceled) {
		return errors.Join(err, ctxErr)
	}
	return err
}
