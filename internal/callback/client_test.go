package callback

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/transform-adapter/internal/worker/domain"
	"github.com/cuongbtq/transform-adapter/shared/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingBeat struct {
	n atomic.Int32
}

func (b *countingBeat) RecordPoll() error {
	b.n.Add(1)
	return nil
}

// coordinator answers with the queued statuses, then 200
type coordinator struct {
	mu       sync.Mutex
	statuses []int
	bodies   []domain.CallbackBody
	paths    []string
}

func (c *coordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body domain.CallbackBody
	_ = json.NewDecoder(r.Body).Decode(&body)

	c.mu.Lock()
	c.bodies = append(c.bodies, body)
	c.paths = append(c.paths, r.URL.Path)
	status := http.StatusOK
	if len(c.statuses) > 0 {
		status = c.statuses[0]
		c.statuses = c.statuses[1:]
	}
	c.mu.Unlock()

	w.WriteHeader(status)
}

func (c *coordinator) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func newTestClient(t *testing.T, statuses ...int) (*Client, *coordinator, string, *countingBeat) {
	t.Helper()
	coord := &coordinator{statuses: statuses}
	srv := httptest.NewServer(coord)
	t.Cleanup(srv.Close)

	beat := &countingBeat{}
	client := New(NewHTTPTransport(srv.Client()), Config{
		Timeout: time.Second,
		Retry:   retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2},
	}, beat, testLogger())
	return client, coord, srv.URL + "/service/job-1", beat
}

func TestClient_Succeed(t *testing.T) {
	client, coord, url, beat := newTestClient(t)
	items := []*domain.StagedObject{{Bucket: "b", Key: "job-1/primary/out.tif", URL: "s3://b/job-1/primary/out.tif", MimeType: "image/tiff", Role: "primary", Name: "out.tif"}}

	require.NoError(t, client.Succeed(context.Background(), "job-1", url, items))

	require.Equal(t, 1, coord.calls())
	body := coord.bodies[0]
	assert.Equal(t, "/service/job-1/response", coord.paths[0])
	assert.Equal(t, "job-1", body.JobID)
	assert.Equal(t, domain.CallbackStatusSuccessful, body.Status)
	assert.Equal(t, 100, body.Progress)
	require.Len(t, body.Items, 1)
	assert.Equal(t, "out.tif", body.Items[0].Name)
	assert.Nil(t, body.Error)
	assert.Equal(t, StateTerminal, client.State("job-1"))
	assert.Equal(t, int32(1), beat.n.Load())
}

func TestClient_Fail(t *testing.T) {
	client, coord, url, _ := newTestClient(t)

	require.NoError(t, client.Fail(context.Background(), "job-1", url, domain.CategoryFetch, "Forbidden"))

	require.Equal(t, 1, coord.calls())
	body := coord.bodies[0]
	assert.Equal(t, domain.CallbackStatusFailed, body.Status)
	require.NotNil(t, body.Error)
	assert.Equal(t, domain.CategoryFetch, body.Error.Category)
	assert.Equal(t, "Forbidden", body.Error.Message)
	assert.Empty(t, body.Items)
}

func TestClient_TerminalOutcomes(t *testing.T) {
	tests := []struct {
		name          string
		statuses      []int
		wantCalls     int
		wantErr       error
		wantTransient bool
		wantPermanent bool
		wantState     State
	}{
		{
			name:      "transient then delivered",
			statuses:  []int{503, 429},
			wantCalls: 3,
			wantState: StateTerminal,
		},
		{
			name:          "exhaustion is transient",
			statuses:      []int{500, 502, 503},
			wantCalls:     3,
			wantTransient: true,
			wantState:     StateNotStarted,
		},
		{
			name:          "client error is permanent",
			statuses:      []int{400},
			wantCalls:     1,
			wantPermanent: true,
			wantState:     StateNotStarted,
		},
		{
			name:      "conflict means canceled",
			statuses:  []int{409},
			wantCalls: 1,
			wantErr:   domain.ErrCanceled,
			wantState: StateTerminal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, coord, url, beat := newTestClient(t, tt.statuses...)

			err := client.Fail(context.Background(), "job-1", url, domain.CategoryInternal, "boom")

			assert.Equal(t, tt.wantCalls, coord.calls())
			assert.Equal(t, int32(tt.wantCalls), beat.n.Load())
			assert.Equal(t, tt.wantState, client.State("job-1"))

			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.wantTransient || tt.wantPermanent:
				var callbackErr *domain.CallbackError
				require.True(t, errors.As(err, &callbackErr))
				assert.Equal(t, tt.wantTransient, callbackErr.Transient)
				assert.Equal(t, tt.wantTransient, domain.IsTransient(err))
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestClient_AtMostOneTerminal(t *testing.T) {
	client, coord, url, _ := newTestClient(t)

	require.NoError(t, client.Succeed(context.Background(), "job-1", url, nil))
	err := client.Fail(context.Background(), "job-1", url, domain.CategoryInternal, "late")
	assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)
	err = client.Succeed(context.Background(), "job-1", url, nil)
	assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)

	require.NoError(t, client.Progress(context.Background(), "job-1", url, 50))
	assert.Equal(t, 1, coord.calls())

	// other jobs are unaffected
	require.NoError(t, client.Succeed(context.Background(), "job-2", url, nil))
	assert.Equal(t, 2, coord.calls())
}

// slowTransport holds every send for delay
type slowTransport struct {
	delay time.Duration
	sends atomic.Int32
}

func (s *slowTransport) Send(ctx context.Context, _ string, _ []byte) (int, error) {
	s.sends.Add(1)
	select {
	case <-time.After(s.delay):
		return http.StatusOK, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func TestClient_AtMostOneTerminal_Concurrent(t *testing.T) {
	transport := &slowTransport{delay: 50 * time.Millisecond}
	client := New(transport, Config{Timeout: time.Second}, nil, testLogger())

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = client.Succeed(context.Background(), "job-1", "http://coordinator/svc", nil)
	}()
	go func() {
		defer wg.Done()
		errs[1] = client.Fail(context.Background(), "job-1", "http://coordinator/svc", domain.CategoryInternal, "boom")
	}()
	wg.Wait()

	assert.Equal(t, int32(1), transport.sends.Load())
	delivered := 0
	for _, err := range errs {
		if err == nil {
			delivered++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)
	}
	assert.Equal(t, 1, delivered)
	assert.Equal(t, StateTerminal, client.State("job-1"))
}

func TestClient_TerminalSlotReleasedAfterFailedDelivery(t *testing.T) {
	client, coord, url, _ := newTestClient(t, 503, 503, 503, 503)

	require.NoError(t, client.Progress(context.Background(), "job-1", url, 50))
	err := client.Succeed(context.Background(), "job-1", url, nil)
	var callbackErr *domain.CallbackError
	require.ErrorAs(t, err, &callbackErr)
	assert.True(t, callbackErr.Transient)
	assert.Equal(t, StateInProgress, client.State("job-1"))

	require.NoError(t, client.Fail(context.Background(), "job-1", url, domain.CategoryInternal, "retry"))
	assert.Equal(t, StateTerminal, client.State("job-1"))
	assert.Equal(t, 5, coord.calls())
}

func TestClient_Progress(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		percent   int
		wantErr   error
		wantState State
		wantValue int
	}{
		{name: "delivered", status: 200, percent: 40, wantState: StateInProgress, wantValue: 40},
		{name: "server error is ignored", status: 500, percent: 40, wantState: StateInProgress, wantValue: 40},
		{name: "rejection is ignored", status: 400, percent: 40, wantState: StateInProgress, wantValue: 40},
		{name: "clamped", status: 200, percent: 140, wantState: StateInProgress, wantValue: 100},
		{name: "conflict cancels", status: 409, percent: 40, wantErr: domain.ErrCanceled, wantState: StateTerminal, wantValue: 40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, coord, url, _ := newTestClient(t, tt.status)

			err := client.Progress(context.Background(), "job-1", url, tt.percent)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			require.Equal(t, 1, coord.calls(), "progress is never retried")
			assert.Equal(t, domain.CallbackStatusRunning, coord.bodies[0].Status)
			assert.Equal(t, tt.wantValue, coord.bodies[0].Progress)
			assert.Equal(t, tt.wantState, client.State("job-1"))
		})
	}
}

func TestClient_ProgressUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := New(NewHTTPTransport(nil), Config{Timeout: time.Second}, nil, testLogger())
	assert.NoError(t, client.Progress(context.Background(), "job-1", url, 10))
}

func TestClient_ConcurrentProgress(t *testing.T) {
	client, coord, url, _ := newTestClient(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, client.Progress(context.Background(), "job-1", url, i*10))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, coord.calls())
	require.NoError(t, client.Succeed(context.Background(), "job-1", url, nil))
}

func TestLocalTransport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "work", "callbacks.jsonl")
	beat := &countingBeat{}
	client := New(NewLocalTransport(path), Config{}, beat, testLogger())

	require.NoError(t, client.Progress(context.Background(), "job-1", "http://coordinator/service/job-1", 50))
	require.NoError(t, client.Succeed(context.Background(), "job-1", "http://coordinator/service/job-1", nil))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []LocalRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec LocalRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 2)
	assert.Equal(t, "http://coordinator/service/job-1/response", records[0].URL)

	var last domain.CallbackBody
	require.NoError(t, json.Unmarshal(records[1].Body, &last))
	assert.Equal(t, domain.CallbackStatusSuccessful, last.Status)
	assert.Equal(t, int32(2), beat.n.Load())
}
