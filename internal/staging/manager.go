package staging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cuongbtq/transform-adapter/internal/worker/domain"
	"github.com/cuongbtq/transform-adapter/shared/retry"
)

// Config controls staging behaviour
type Config struct {
	Presign       bool
	PresignExpiry time.Duration
	Retry         retry.Policy
}

// Manager uploads output artifacts. It holds no per-job state and is safe for
// concurrent use.
type Manager struct {
	backend Backend
	config  Config
	logger  *slog.Logger
}

func NewManager(backend Backend, config Config, logger *slog.Logger) *Manager {
	config.Retry = config.Retry.WithDefaults()
	if config.PresignExpiry <= 0 {
		config.PresignExpiry = time.Hour
	}
	return &Manager{backend: backend, config: config, logger: logger}
}

// Stage uploads one artifact under <prefix>/<jobID>/<role>/<name>. A failed
// optional artifact returns (nil, nil) and is left out of the job's results.
func (m *Manager) Stage(ctx context.Context, jobID string, artifact domain.OutputArtifact, dest domain.StagingLocation) (*domain.StagedObject, error) {
	obj, err := m.stage(ctx, jobID, artifact, dest)
	if err == nil {
		return obj, nil
	}

	if artifact.Optional && ctx.Err() == nil {
		m.logger.Warn("Dropping optional output that could not be staged",
			slog.String("job_id", jobID),
			slog.String("output", artifact.Name),
			slog.Any("error", err),
		)
		return nil, nil
	}
	return nil, &domain.StageError{Name: artifact.Name, Err: err}
}

func (m *Manager) stage(ctx context.Context, jobID string, artifact domain.OutputArtifact, dest domain.StagingLocation) (*domain.StagedObject, error) {
	name := domain.SanitizeName(artifact.Name)
	if name == "" {
		return nil, fmt.Errorf("output has no usable name")
	}
	role := artifact.Role
	if role == "" {
		role = domain.RolePrimary
	}

	size, checksum, err := digest(artifact.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read output %s: %w", artifact.Path, err)
	}

	obj := Object{
		Bucket:   dest.Bucket,
		Key:      dest.KeyFor(jobID, role, name),
		Path:     artifact.Path,
		MimeType: artifact.MimeType,
		Checksum: checksum,
		Size:     size,
	}
	if obj.MimeType == "" {
		obj.MimeType = "application/octet-stream"
	}

	notify := func(op string) retry.Notify {
		return func(attempt int, err error, wait time.Duration) {
			m.logger.Warn("Staging attempt failed, retrying",
				slog.String("job_id", jobID),
				slog.String("operation", op),
				slog.String("key", obj.Key),
				slog.Int("attempt", attempt),
				slog.Duration("retry_after", wait),
				slog.Any("error", err),
			)
		}
	}

	err = retry.Do(ctx, m.config.Retry, func(ctx context.Context) error {
		return wrapPermanent(m.backend.Put(ctx, obj))
	}, notify("put"))
	if err != nil {
		return nil, err
	}

	staged := &domain.StagedObject{
		Bucket:   obj.Bucket,
		Key:      obj.Key,
		URL:      m.backend.URL(obj.Bucket, obj.Key),
		Size:     size,
		Checksum: checksum,
		MimeType: obj.MimeType,
		Role:     role,
		Name:     name,
	}

	if m.config.Presign {
		presigned, err := retry.DoValue(ctx, m.config.Retry, func(ctx context.Context) (string, error) {
			u, err := m.backend.Presign(ctx, obj.Bucket, obj.Key, m.config.PresignExpiry)
			return u, wrapPermanent(err)
		}, notify("presign"))
		if err != nil {
			return nil, err
		}
		staged.PresignedURL = presigned
	}

	m.logger.Debug("Staged output",
		slog.String("job_id", jobID),
		slog.String("key", obj.Key),
		slog.Int64("size", size),
	)
	return staged, nil
}

func wrapPermanent(err error) error {
	if err != nil && isPermanent(err) {
		return retry.Permanent(err)
	}
	return err
}

func digest(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
