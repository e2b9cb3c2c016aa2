package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPEngine is the production Engine: an HTTP client for the external
// breath-analysis service. Each pool slot gets its own instance so the
// pool size also caps in-flight requests against the service.
type HTTPEngine struct {
	baseURL    string
	codePath   string
	httpClient *http.Client
}

// engineRequest adds the engine-side code path to the analysis request.
type engineRequest struct {
	Request
	CodePath string `json:"code_path,omitempty"`
}

// NewHTTPEngine constructs an engine client.
//
//   - baseURL is the root URL of the analysis service (no trailing slash).
//   - codePath is forwarded with each request so the service can locate
//     the numeric routines; empty means the service default.
func NewHTTPEngine(baseURL, codePath string) *HTTPEngine {
	return &HTTPEngine{
		baseURL:  strings.TrimRight(baseURL, "/"),
		codePath: codePath,
		httpClient: &http.Client{
			// A full deltaPEEP sweep takes tens of seconds on the
			// compute pool; the timeout only guards against hangs.
			Timeout: 2 * time.Minute,
		},
	}
}

// Analyze posts the request and decodes the engine's parallel arrays.
func (e *HTTPEngine) Analyze(ctx context.Context, req Request) (*Output, error) {
	body, err := json.Marshal(engineRequest{Request: req, CodePath: e.codePath})
	if err != nil {
		return nil, fmt.Errorf("analysis client: marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("analysis client: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	var out Output
	if err := e.doJSON(httpReq, &out); err != nil {
		return nil, fmt.Errorf("Analyze: %w", err)
	}
	return &out, nil
}

// doJSON executes req and decodes a successful (2xx) response body into
// dest. Non-2xx status codes are treated as errors.
func (e *HTTPEngine) doJSON(req *http.Request, dest any) error {
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("analysis client: http do: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("analysis client: read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("analysis client: unexpected status %d: %s", resp.StatusCode, string(raw))
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("analysis client: unmarshal response: %w", err)
	}
	return nil
}
