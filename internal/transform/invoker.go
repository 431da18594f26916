package transform

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/cuongbtq/transform-adapter/internal/worker/domain"
)

// Request is everything a transformation run needs
type Request struct {
	JobID      string
	Inputs     []*domain.InputResource
	Parameters map[string]string
	OutputDir  string
	// WorkDir holds the manifest; defaults to the parent of OutputDir
	WorkDir string
}

// Invoker runs the external transformation for one job
type Invoker interface {
	Run(ctx context.Context, req Request) ([]domain.OutputArtifact, error)
}

func (r Request) workDir() string {
	if r.WorkDir != "" {
		return r.WorkDir
	}
	return filepath.Dir(r.OutputDir)
}

// Variables returns the comma separated "variables" parameter
func (r Request) Variables() []string {
	raw := strings.TrimSpace(r.Parameters["variables"])
	if raw == "" {
		return nil
	}
	var vars []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			vars = append(vars, v)
		}
	}
	return vars
}

// Subsetted reports whether spatial or temporal subsetting was requested
func (r Request) Subsetted() bool {
	return r.hasAny("subset", "bbox", "temporal")
}

// Regridded reports whether reprojection or resampling was requested
func (r Request) Regridded() bool {
	return r.hasAny("crs", "scale_size", "scale_extent", "width", "height")
}

func (r Request) hasAny(keys ...string) bool {
	for _, k := range keys {
		if strings.TrimSpace(r.Parameters[k]) != "" {
			return true
		}
	}
	return false
}
