// Package http is a task handler that performs one outbound HTTP request.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"tenantq/internal/worker"
)

const (
	defaultTimeout = 30 * time.Second
	defaultMaxBody = 1 << 20
)

var ErrURLRequired = errors.New("url is required")

type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Timeout int               `json:"timeout"` // seconds
}

type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
}

type Handler struct {
	client  *http.Client
	maxBody int64
}

type Option func(*Handler)

func WithClient(c *http.Client) Option {
	return func(h *Handler) { h.client = c }
}

// WithMaxBody caps how much of the response body is kept as the task result.
func WithMaxBody(n int64) Option {
	return func(h *Handler) { h.maxBody = n }
}

func New(opts ...Option) *Handler {
	h := &Handler{client: &http.Client{}, maxBody: defaultMaxBody}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle sends the request described by payload. Malformed payloads and 4xx
// answers other than 408 and 429 are permanent failures; transport errors
// and 5xx answers are retried.
func (h *Handler) Handle(ctx context.Context, payload json.RawMessage) (any, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, worker.Permanent(fmt.Errorf("invalid http payload: %w", err))
	}
	if req.URL == "" {
		return nil, worker.Permanent(ErrURLRequired)
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	timeout := defaultTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, worker.Permanent(fmt.Errorf("build http request: %w", err))
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	out := Response{
		StatusCode: resp.StatusCode,
		Headers:    make(map[string]string, len(resp.Header)),
		Body:       string(raw),
	}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}

	switch code := resp.StatusCode; {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return nil, fmt.Errorf("http %d: %s", code, out.Body)
	case code >= 400:
		return nil, worker.Permanent(fmt.Errorf("http %d: %s", code, out.Body))
	}
	return out, nil
}
