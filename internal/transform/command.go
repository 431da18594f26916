package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuongbtq/transform-adapter/internal/worker/domain"
)

const (
	ManifestEnv  = "ADAPTER_MANIFEST"
	OutputDirEnv = "ADAPTER_OUTPUT_DIR"
	// OutputsFile is written by the tool into the output directory
	OutputsFile = "outputs.json"

	placeholderManifest  = "{manifest}"
	placeholderOutputDir = "{output_dir}"

	maxStderr = 8 * 1024
)

// Exit codes the tool uses to report unusable input
var badInputExitCodes = map[int]bool{2: true, 65: true}

// CommandConfig describes the external tool
type CommandConfig struct {
	Command string
	Args    []string
	Timeout time.Duration
	// WaitDelay bounds how long output pipes are drained after the tool is killed
	WaitDelay time.Duration
}

// CommandInvoker runs the transformation as a child process
type CommandInvoker struct {
	config CommandConfig
	logger *slog.Logger
}

func NewCommandInvoker(config CommandConfig, logger *slog.Logger) *CommandInvoker {
	if config.WaitDelay <= 0 {
		config.WaitDelay = 5 * time.Second
	}
	return &CommandInvoker{config: config, logger: logger}
}

type manifest struct {
	JobID      string            `json:"job_id"`
	Inputs     []manifestInput   `json:"inputs"`
	Parameters map[string]string `json:"parameters"`
	OutputDir  string            `json:"output_dir"`
}

type manifestInput struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

type declaredOutputs struct {
	Outputs []declaredOutput `json:"outputs"`
}

type declaredOutput struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	Mime     string `json:"mime"`
	Role     string `json:"role"`
	Optional bool   `json:"optional"`
}

func (c *CommandInvoker) Run(ctx context.Context, req Request) ([]domain.OutputArtifact, error) {
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, &domain.TransformError{Kind: domain.TransformInternal, Message: "failed to create output directory", Err: err}
	}

	manifestPath := filepath.Join(req.workDir(), "manifest.json")
	if err := writeManifest(manifestPath, req); err != nil {
		return nil, &domain.TransformError{Kind: domain.TransformInternal, Message: "failed to write manifest", Err: err}
	}

	runCtx := ctx
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	args := make([]string, len(c.config.Args))
	for i, arg := range c.config.Args {
		arg = strings.ReplaceAll(arg, placeholderManifest, manifestPath)
		args[i] = strings.ReplaceAll(arg, placeholderOutputDir, req.OutputDir)
	}

	cmd := exec.CommandContext(runCtx, c.config.Command, args...)
	cmd.Env = append(os.Environ(),
		ManifestEnv+"="+manifestPath,
		OutputDirEnv+"="+req.OutputDir,
	)
	cmd.Dir = req.workDir()
	cmd.WaitDelay = c.config.WaitDelay
	stderr := &tailBuffer{limit: maxStderr}
	cmd.Stderr = stderr
	cmd.Stdout = stderr

	start := time.Now()
	c.logger.Info("Starting transformation",
		slog.String("job_id", req.JobID),
		slog.String("command", c.config.Command),
		slog.Int("inputs", len(req.Inputs)),
	)

	if err := cmd.Run(); err != nil {
		return nil, c.classifyRunError(ctx, runCtx, req.JobID, err, stderr.String())
	}

	c.logger.Info("Transformation finished",
		slog.String("job_id", req.JobID),
		slog.Duration("duration", time.Since(start)),
	)

	return readOutputs(req.OutputDir)
}

func (c *CommandInvoker) classifyRunError(ctx, runCtx context.Context, jobID string, err error, output string) error {
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("transformation aborted: %w", ctx.Err())
	}
	if runCtx.Err() != nil {
		return &domain.TransformError{Kind: domain.TransformTimeout, Message: "transformation timed out", Err: runCtx.Err()}
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return &domain.TransformError{Kind: domain.TransformInternal, Message: "failed to start transformation", Err: err}
	}

	code := exitErr.ExitCode()
	c.logger.Warn("Transformation exited with error",
		slog.String("job_id", jobID),
		slog.Int("exit_code", code),
		slog.String("output", output),
	)

	message := lastLine(output)
	if badInputExitCodes[code] {
		if message == "" {
			message = "the input could not be processed"
		}
		return &domain.TransformError{Kind: domain.TransformBadInput, Message: message, Err: err}
	}
	return &domain.TransformError{Kind: domain.TransformInternal, Message: fmt.Sprintf("transformation failed with exit code %d", code), Err: err}
}

func writeManifest(path string, req Request) error {
	m := manifest{
		JobID:      req.JobID,
		Inputs:     make([]manifestInput, 0, len(req.Inputs)),
		Parameters: req.Parameters,
		OutputDir:  req.OutputDir,
	}
	if m.Parameters == nil {
		m.Parameters = map[string]string{}
	}
	for _, in := range req.Inputs {
		m.Inputs = append(m.Inputs, manifestInput{
			ID:   in.Descriptor.ID,
			URL:  in.Descriptor.URL,
			Name: in.Descriptor.Name,
			Path: in.LocalPath,
			Size: in.Size,
		})
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// readOutputs loads the tool's declaration and checks every declared file
func readOutputs(outputDir string) ([]domain.OutputArtifact, error) {
	data, err := os.ReadFile(filepath.Join(outputDir, OutputsFile))
	if err != nil {
		return nil, &domain.TransformError{Kind: domain.TransformInternal, Message: "transformation did not declare its outputs", Err: err}
	}

	var declared declaredOutputs
	if err := json.Unmarshal(data, &declared); err != nil {
		return nil, &domain.TransformError{Kind: domain.TransformInternal, Message: "invalid outputs declaration", Err: err}
	}

	root, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, &domain.TransformError{Kind: domain.TransformInternal, Message: "failed to resolve output directory", Err: err}
	}

	artifacts := make([]domain.OutputArtifact, 0, len(declared.Outputs))
	for _, out := range declared.Outputs {
		p := out.Path
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		p = filepath.Clean(p)
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, &domain.TransformError{Kind: domain.TransformInternal, Message: fmt.Sprintf("output %q is outside the output directory", out.Path)}
		}

		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			if out.Optional {
				continue
			}
			return nil, &domain.TransformError{Kind: domain.TransformInternal, Message: fmt.Sprintf("declared output %q is missing", out.Path), Err: err}
		}

		name := domain.SanitizeName(out.Name)
		if name == "" {
			name = filepath.Base(p)
		}
		mimeType := out.Mime
		if mimeType == "" {
			mimeType = MimeFor(name)
		}
		role := out.Role
		if role == "" {
			role = domain.RolePrimary
		}

		artifacts = append(artifacts, domain.OutputArtifact{
			Path:     p,
			Name:     name,
			MimeType: mimeType,
			Role:     role,
			Optional: out.Optional,
		})
	}

	if len(artifacts) == 0 {
		return nil, &domain.TransformError{Kind: domain.TransformInternal, Message: "transformation produced no outputs"}
	}
	return artifacts, nil
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	limit int
	buf   bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
