package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Transport delivers one encoded callback and reports the coordinator's status code
type Transport interface {
	Send(ctx context.Context, url string, body []byte) (int, error)
}

// HTTPTransport posts callbacks to the coordinator
type HTTPTransport struct {
	client *http.Client
}

func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{client: client}
}

func (t *HTTPTransport) Send(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	return resp.StatusCode, nil
}

// LocalTransport appends callbacks to a JSON lines file instead of calling out
type LocalTransport struct {
	path string
	mu   sync.Mutex
}

func NewLocalTransport(path string) *LocalTransport {
	return &LocalTransport{path: path}
}

// LocalRecord is one line of the local callback log
type LocalRecord struct {
	URL  string          `json:"url"`
	Body json.RawMessage `json:"body"`
}

func (t *LocalTransport) Send(ctx context.Context, url string, body []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	line, err := json.Marshal(LocalRecord{URL: url, Body: body})
	if err != nil {
		return 0, fmt.Errorf("failed to encode callback record: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create callback log directory: %w", err)
	}
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open callback log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return 0, fmt.Errorf("failed to write callback log: %w", err)
	}
	return http.StatusOK, nil
}
