package transform

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cuongbtq/transform-adapter/internal/worker/domain"
)

// EchoInvoker copies every input to the output directory unchanged. It stands in
// for the real tool in dev and test environments.
type EchoInvoker struct {
	logger *slog.Logger
}

func NewEchoInvoker(logger *slog.Logger) *EchoInvoker {
	return &EchoInvoker{logger: logger}
}

func (e *EchoInvoker) Run(ctx context.Context, req Request) ([]domain.OutputArtifact, error) {
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, &domain.TransformError{Kind: domain.TransformInternal, Message: "failed to create output directory", Err: err}
	}

	format := req.Parameters["format"]
	ext, known := ExtensionFor(format)

	artifacts := make([]domain.OutputArtifact, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		inputExt := strings.TrimPrefix(path.Ext(in.Descriptor.Name), ".")
		if !known {
			ext = inputExt
		}
		name := OutputFilename(in.Descriptor.URL, ext, req.Variables(), req.Regridded(), req.Subsetted())
		name = domain.SanitizeName(name)
		if name == "" {
			return nil, &domain.TransformError{Kind: domain.TransformBadInput, Message: fmt.Sprintf("cannot name output for input %s", in.Descriptor.ID)}
		}

		dest := filepath.Join(req.OutputDir, name)
		if err := copyFile(in.LocalPath, dest); err != nil {
			return nil, &domain.TransformError{Kind: domain.TransformInternal, Message: fmt.Sprintf("failed to copy input %s", in.Descriptor.ID), Err: err}
		}

		mimeType := format
		if !known {
			mimeType = MimeFor(name)
		}
		artifacts = append(artifacts, domain.OutputArtifact{
			Path:     dest,
			Name:     name,
			MimeType: mimeType,
			Role:     domain.RolePrimary,
		})

		e.logger.Debug("Echoed input",
			slog.String("job_id", req.JobID),
			slog.String("input", in.Descriptor.ID),
			slog.String("output", name),
		)
	}

	return artifacts, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
