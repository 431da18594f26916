package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cuongbtq/transform-adapter/internal/worker/domain"
)

const maxErrorBody = 4096

type eulaBody struct {
	ErrorDescription string `json:"error_description"`
	ResolutionURL    string `json:"resolution_url"`
}

func (f *Fetcher) getHTTP(ctx context.Context, target, original string, cred *domain.ResolvedCredential, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, &domain.FetchError{URL: original, Permanent: true, Err: err}
	}
	if cred.HasToken() {
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		// no response: connection, TLS or timeout failure
		return 0, &domain.FetchError{URL: original, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		n, err := writeFile(dest, resp.Body)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return 0, &domain.FetchError{URL: original, Permanent: true, Err: err}
			}
			return 0, &domain.FetchError{URL: original, Err: fmt.Errorf("failed to read response body: %w", err)}
		}
		return n, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return 0, classifyStatus(original, resp.StatusCode, body)
}

// classifyStatus turns a non-2xx response into a FetchError. Server error bodies
// are not surfaced to the user.
func classifyStatus(rawURL string, status int, body []byte) *domain.FetchError {
	fetchErr := &domain.FetchError{URL: rawURL, Status: status}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		fetchErr.Permanent = true
		fetchErr.Forbidden = true
		fetchErr.Message = forbiddenMessage(status, body)
	case transientStatus(status):
		fetchErr.Permanent = false
	default:
		fetchErr.Permanent = true
	}
	return fetchErr
}

func forbiddenMessage(status int, body []byte) string {
	var eula eulaBody
	if err := json.Unmarshal(body, &eula); err == nil &&
		eula.ErrorDescription == "EULA Acceptance Failure" && eula.ResolutionURL != "" {
		return "Request could not be completed because you need to agree to the EULA at " + eula.ResolutionURL
	}

	text := strings.TrimSpace(string(body))
	if text == "" || strings.ContainsAny(text, "<\n") {
		return fmt.Sprintf("Forbidden: access to the input was denied (%d)", status)
	}
	return text
}
