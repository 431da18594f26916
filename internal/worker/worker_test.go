package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/transform-adapter/internal/heartbeat"
	"github.com/cuongbtq/transform-adapter/internal/inbound"
)

type scriptedHandler struct {
	mu       sync.Mutex
	outcomes map[string]Outcome
	seen     []string
}

func (h *scriptedHandler) Process(ctx context.Context, body []byte) Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, string(body))
	return h.outcomes[string(body)]
}

type failingSource struct {
	*inbound.MemorySource
	polls int
	mu    sync.Mutex
}

func (s *failingSource) Poll(ctx context.Context) (*inbound.Message, error) {
	s.mu.Lock()
	s.polls++
	s.mu.Unlock()
	return nil, errors.New("broker unreachable")
}

func (s *failingSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

func startWorker(t *testing.T, cfg *Config) *Worker {
	t.Helper()
	w := NewWorker(cfg)
	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()
	t.Cleanup(func() {
		w.Stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return w
}

func TestWorker_SettlesEachOutcome(t *testing.T) {
	source := inbound.NewMemorySource()
	source.Push([]byte("ok"))
	source.Push([]byte("retry"))
	source.Push([]byte("poison"))

	handler := &scriptedHandler{outcomes: map[string]Outcome{
		"ok":     OutcomeAck,
		"retry":  OutcomeRequeue,
		"poison": OutcomeReject,
	}}
	beat := heartbeat.New(filepath.Join(t.TempDir(), "heartbeat"))

	startWorker(t, &Config{
		Logger:       testLogger(),
		WorkerID:     "worker-test",
		Source:       source,
		Handler:      handler,
		Heartbeat:    beat,
		PollInterval: 10 * time.Millisecond,
	})

	assert.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		// the requeued message is delivered again
		return len(handler.seen) >= 4
	}, 5*time.Second, 10*time.Millisecond)

	assert.Contains(t, source.Settlements("1"), inbound.SettledAck)
	assert.Contains(t, source.Settlements("2"), inbound.SettledRequeue)
	assert.Contains(t, source.Settlements("3"), inbound.SettledReject)
	assert.False(t, beat.LastBeat().IsZero(), "polls record the heartbeat")
}

func TestWorker_EmptyPollStillBeats(t *testing.T) {
	beat := heartbeat.New(filepath.Join(t.TempDir(), "heartbeat"))

	startWorker(t, &Config{
		Logger:       testLogger(),
		Source:       inbound.NewMemorySource(),
		Handler:      &scriptedHandler{},
		Heartbeat:    beat,
		PollInterval: 10 * time.Millisecond,
	})

	assert.Eventually(t, func() bool { return !beat.LastBeat().IsZero() }, 5*time.Second, 10*time.Millisecond)
}

func TestWorker_PollErrorDoesNotBeat(t *testing.T) {
	source := &failingSource{MemorySource: inbound.NewMemorySource()}
	beat := heartbeat.New(filepath.Join(t.TempDir(), "heartbeat"))

	startWorker(t, &Config{
		Logger:       testLogger(),
		Source:       source,
		Handler:      &scriptedHandler{},
		Heartbeat:    beat,
		PollInterval: 10 * time.Millisecond,
	})

	assert.Eventually(t, func() bool { return source.count() >= 3 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, beat.LastBeat().IsZero())
}

func TestWorker_StopsOnContextCancel(t *testing.T) {
	w := NewWorker(&Config{
		Logger:       testLogger(),
		Source:       inbound.NewMemorySource(),
		Handler:      &scriptedHandler{},
		PollInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_EndToEnd(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	source := inbound.NewMemorySource()
	jobID := uuid.NewString()
	source.Push(h.message(t, jobID, []string{"/ok/granule.nc"}, nil))
	source.Push([]byte("{not json"))

	startWorker(t, &Config{
		Logger:       testLogger(),
		WorkerID:     "worker-test",
		Source:       source,
		Handler:      h.processor,
		PollInterval: 10 * time.Millisecond,
	})

	require.Eventually(t, func() bool {
		return len(source.Settlements("1")) > 0 && len(source.Settlements("2")) > 0
	}, 10*time.Second, 10*time.Millisecond)

	assert.Equal(t, []inbound.Settlement{inbound.SettledAck}, source.Settlements("1"))
	assert.Equal(t, []inbound.Settlement{inbound.SettledReject}, source.Settlements("2"))
	assert.Len(t, h.coord.terminals(), 1)
}

func TestWorker_StopBeforeStart(t *testing.T) {
	source := inbound.NewMemorySource()
	source.Push([]byte("ok"))
	handler := &scriptedHandler{outcomes: map[string]Outcome{"ok": OutcomeAck}}

	w := NewWorker(&Config{Logger: testLogger(), WorkerID: "w-1", Source: source, Handler: handler})
	w.Stop()

	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stopped worker started polling")
	}

	assert.Equal(t, 1, source.Len())
	assert.Empty(t, handler.seen)
	// a second stop is a no-op
	w.Stop()
}
