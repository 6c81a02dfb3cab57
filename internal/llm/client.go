// Package llm is a small client for OpenAI-compatible chat/completions
// streaming and text-to-speech endpoints.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/orca-platform/orca-server/internal/logging"
)

const DefaultBaseURL = "https://api.openai.com/v1"

// APIError is a non-2xx response from the upstream API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm api error: status %d: %s", e.StatusCode, e.Body)
}

// Client calls an OpenAI-compatible API with a server-side key.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client. Streaming responses are unbounded in time, so
// the default HTTP client has no overall timeout; callers bound requests
// through the context.
func NewClient(apiKey, baseURL string, httpClient *http.Client) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
	}
}

func (c *Client) IsEnabled() bool {
	return c != nil && c.apiKey != "" && c.baseURL != ""
}

// StreamChat opens a streaming chat completion. The caller must Close the
// returned stream.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest) (*Stream, error) {
	req.Stream = true
	resp, err := c.post(ctx, "/chat/completions", req, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return NewStream(resp.Body), nil
}

// Speech synthesizes input and returns the encoded audio.
func (c *Client) Speech(ctx context.Context, req SpeechRequest) ([]byte, error) {
	resp, err := c.post(ctx, "/audio/speech", req, "audio/mpeg")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read speech response: %w", err)
	}
	return audio, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, accept string) (*http.Response, error) {
	if !c.IsEnabled() {
		return nil, fmt.Errorf("llm client is not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	if id := logging.GetRequestID(ctx); id != "" {
		req.Header.Set(logging.RequestIDHeader, id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return resp, nil
}
