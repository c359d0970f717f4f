package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

const maxResponseBody = 1 << 20

// HTTPParams configure an HTTP call step.
type HTTPParams struct {
	URL     string            `json:"url" jsonschema:"required,format=uri"`
	Method  string            `json:"method,omitempty" jsonschema:"enum=GET,enum=POST,enum=PUT,enum=PATCH,enum=DELETE,default=GET"`
	Headers map[string]string `json:"headers,omitempty"`
	// Body is sent as JSON unless it is a string.
	Body any `json:"body,omitempty"`
	// ExpectStatus lists accepted status codes; empty accepts any 2xx.
	ExpectStatus []int `json:"expectStatus,omitempty"`
}

func (p HTTPParams) Validate() error {
	if p.URL == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	return nil
}

// HTTPResult is the output of an HTTP call step.
type HTTPResult struct {
	StatusCode int `json:"statusCode"`
	Body       any `json:"body"`
}

func (p HTTPParams) accepts(status int) bool {
	if len(p.ExpectStatus) == 0 {
		return status >= 200 && status < 300
	}
	return slices.Contains(p.ExpectStatus, status)
}

// NewHTTPHandler returns the handler for HTTP call steps.
func NewHTTPHandler(client *http.Client) Handler[HTTPParams] {
	if client == nil {
		client = http.DefaultClient
	}

	return func(ctx context.Context, inv Invocation, p HTTPParams) (any, error) {
		var body io.Reader
		contentType := ""
		switch b := p.Body.(type) {
		case nil:
		case string:
			body = strings.NewReader(b)
			contentType = "text/plain"
		default:
			encoded, err := json.Marshal(b)
			if err != nil {
				return nil, Permanent(fmt.Errorf("failed to marshal request body: %w", err))
			}
			body = bytes.NewReader(encoded)
			contentType = "application/json"
		}

		method := strings.ToUpper(p.Method)
		if method == "" {
			method = http.MethodGet
		}

		req, err := http.NewRequestWithContext(ctx, method, p.URL, body)
		if err != nil {
			return nil, Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		for k, v := range p.Headers {
			req.Header.Set(k, v)
		}
		req.Header.Set("X-Taskflow-Run", inv.RunID)

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to make request: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}

		if !p.accepts(resp.StatusCode) {
			err := fmt.Errorf("unexpected status code %d", resp.StatusCode)
			if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return nil, Permanent(err)
			}
			return nil, err
		}

		result := HTTPResult{StatusCode: resp.StatusCode, Body: string(raw)}
		var decoded any
		if len(raw) > 0 && json.Unmarshal(raw, &decoded) == nil {
			result.Body = decoded
		}
		return result, nil
	}
}
