package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPAgentExecutor invokes agents over HTTP: step input is POSTed to the
// agent service and the JSON response becomes the step output. The per-step
// timeout arrives on the context; this client adds no retry of its own.
type HTTPAgentExecutor struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAgentExecutor builds an executor against the agent service base URL.
func NewHTTPAgentExecutor(baseURL string, timeout time.Duration) *HTTPAgentExecutor {
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPAgentExecutor{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Execute implements AgentExecutor.
func (e *HTTPAgentExecutor) Execute(ctx context.Context, agentID string, input map[string]any) (map[string]any, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal agent input: %w", err)
	}
	url := fmt.Sprintf("%s/agents/%s/execute", e.baseURL, agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke agent %s: %w", agentID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read agent response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("agent %s returned %d: %s", agentID, resp.StatusCode, truncate(raw, 256))
	}

	var output map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &output); err != nil {
			return nil, fmt.Errorf("decode agent response: %w", err)
		}
	}
	return output, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
