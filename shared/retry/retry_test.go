package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	}
}

func TestDo(t *testing.T) {
	errTransient := errors.New("connection reset")
	errFatal := errors.New("not found")

	tests := []struct {
		name         string
		failures     int
		permanent    bool
		attempts     int
		wantCalls    int
		wantErr      error
		wantNotifies int
	}{
		{name: "succeeds first try", failures: 0, attempts: 3, wantCalls: 1},
		{name: "succeeds after transient failures", failures: 2, attempts: 3, wantCalls: 3, wantNotifies: 2},
		{name: "exhausts attempts", failures: 5, attempts: 3, wantCalls: 3, wantErr: errTransient, wantNotifies: 2},
		{name: "permanent error is not retried", failures: 5, permanent: true, attempts: 3, wantCalls: 1, wantErr: errFatal},
		{name: "permanent error on last attempt is unwrapped", failures: 5, permanent: true, attempts: 1, wantCalls: 1, wantErr: errFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			notifies := 0

			err := Do(context.Background(), fastPolicy(tt.attempts), func(ctx context.Context) error {
				calls++
				if calls <= tt.failures {
					if tt.permanent {
						return Permanent(errFatal)
					}
					return errTransient
				}
				return nil
			}, func(attempt int, err error, wait time.Duration) {
				notifies++
				assert.Equal(t, notifies, attempt)
			})

			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, tt.wantNotifies, notifies)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Same(t, tt.wantErr, err)
		})
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, fastPolicy(5), func(ctx context.Context) error {
		calls++
		return errors.New("unavailable")
	}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDoValue(t *testing.T) {
	calls := 0
	got, err := DoValue(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("timeout")
		}
		return "ok", nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 2, calls)
}

func TestPolicy_WithDefaults(t *testing.T) {
	p := Policy{}.WithDefaults()
	d := DefaultPolicy()
	assert.Equal(t, d.MaxAttempts, p.MaxAttempts)
	assert.Equal(t, d.InitialInterval, p.InitialInterval)
	assert.Equal(t, d.MaxInterval, p.MaxInterval)
	assert.Equal(t, d.Multiplier, p.Multiplier)

	custom := Policy{MaxAttempts: 7, Jitter: -1}.WithDefaults()
	assert.Equal(t, 7, custom.MaxAttempts)
	assert.Equal(t, 0.0, custom.Jitter)
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, Policy{MaxAttempts: 0}.Validate())
	assert.Error(t, Policy{MaxAttempts: 1, Multiplier: 0.5}.Validate())
	assert.Error(t, Policy{MaxAttempts: 1, Jitter: 1}.Validate())
}
