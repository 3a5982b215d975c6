package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/capitalize-ai/language-chat/internal/model"
)

// HTTPCompleter calls a remote completion endpoint speaking the
// POST /api/v1/chat contract.
type HTTPCompleter struct {
	url        string
	token      string
	httpClient *http.Client
}

var _ Completer = (*HTTPCompleter)(nil)

// NewHTTPCompleter creates a completer for baseURL. token, if set, is sent
// as a bearer token.
func NewHTTPCompleter(baseURL, token string, timeout time.Duration) *HTTPCompleter {
	return &HTTPCompleter{
		url:        strings.TrimSuffix(baseURL, "/") + "/api/v1/chat",
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Chat implements Completer. Any non-2xx status is a TransportError.
func (c *HTTPCompleter) Chat(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Op: "chat", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: "chat", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &TransportError{
			Op:         "chat",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(detail))),
		}
	}

	var out model.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &TransportError{Op: "chat", StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return &out, nil
}
