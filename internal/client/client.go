// Package client is the request/response wrapper around the segment gateway.
//
// The client is stateless: it never caches, never retries and never mutates
// caller state. Every method maps one backend call onto a typed result or a
// typed error from internal/types:
//
//   - *types.EmptyPromptError  blank prompt, detected before any network I/O
//   - *types.ValidationError   tree rejected by segment.Validate, or a 400/422
//     response (the response is available through errors.As as *RequestError)
//   - *types.RequestError      any other non-2xx response or transport failure
//
// Callers must pass sanitized trees; the client validates limits but does not
// normalize.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/types"
)

// maxErrorBody caps how much of an error response is read for the message.
const maxErrorBody = 64 * 1024

// Client talks JSON over HTTP to the segment gateway.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client (30s timeout).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithToken sets a bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client for the gateway at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// eventPath builds /events/{eventID}/crm/... with escaped segments.
func eventPath(eventID types.EventID, parts ...string) string {
	escaped := make([]string, 0, len(parts)+3)
	escaped = append(escaped, "events", url.PathEscape(string(eventID)), "crm")
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return "/" + strings.Join(escaped, "/")
}

// errorBody is the error envelope every gateway endpoint uses.
type errorBody struct {
	Message string `json:"message"`
}

// do performs one JSON round-trip. op names the operation in errors.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &types.ValidationError{Err: fmt.Errorf("encode %s request: %w", op, err)}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &types.RequestError{Op: op, Message: err.Error(), Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("request failed", zap.String("op", op), zap.Error(err))
		return &types.RequestError{Op: op, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("request completed",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode >= 300 {
		return responseError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &types.RequestError{Op: op, StatusCode: resp.StatusCode, Message: "invalid response body", Err: err}
	}
	return nil
}

// responseError converts a non-2xx response into a typed error, preferring the
// body's message field over the status text.
func responseError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := http.StatusText(resp.StatusCode)
	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err == nil && strings.TrimSpace(eb.Message) != "" {
		msg = eb.Message
	} else if trimmed := strings.TrimSpace(string(raw)); trimmed != "" && !strings.HasPrefix(trimmed, "{") {
		msg = trimmed
	}

	reqErr := &types.RequestError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &types.ValidationError{Err: reqErr}
	default:
		return reqErr
	}
}

func requireEvent(op string, eventID types.EventID) error {
	if strings.TrimSpace(string(eventID)) == "" {
		return &types.RequestError{Op: op, Message: types.ErrEventRequired.Error(), Err: types.ErrEventRequired}
	}
	return nil
}
