package fetcher

import (
	"context"
	"sync"
	"time"

	"github.com/cuongbtq/transform-adapter/internal/worker/domain"
)

// RefreshFunc obtains a replacement for a credential that is about to expire
type RefreshFunc func(ctx context.Context, cred *domain.ResolvedCredential) (*domain.ResolvedCredential, error)

// Credential is the job's credential shared by its parallel fetches. A refresh
// performed by one fetch is seen by the others.
type Credential struct {
	mu      sync.Mutex
	current *domain.ResolvedCredential
	refresh RefreshFunc
}

// NewCredential wraps a resolved credential. refresh may be nil.
func NewCredential(cred *domain.ResolvedCredential, refresh RefreshFunc) *Credential {
	if cred == nil {
		cred = domain.NoCredential
	}
	return &Credential{current: cred, refresh: refresh}
}

// Current returns a credential that is not known to expire within margin,
// refreshing it first when needed.
func (c *Credential) Current(ctx context.Context, margin time.Duration, now time.Time) (*domain.ResolvedCredential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refresh == nil || !c.current.ExpiresWithin(margin, now) {
		return c.current, nil
	}

	refreshed, err := c.refresh(ctx, c.current)
	if err != nil {
		return nil, err
	}
	c.current = refreshed
	return refreshed, nil
}
