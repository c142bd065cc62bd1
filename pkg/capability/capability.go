// Package capability provides downstream clients satisfying orchestrator.Client.
package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/goclaw/conductor/pkg/orchestrator"
)

// Func adapts a plain function into an orchestrator.Client.
type Func func(ctx context.Context, templateID string, serviceTemplate map[string]any, data map[string]any) (any, error)

// ExecuteTemplate calls f.
func (f Func) ExecuteTemplate(ctx context.Context, templateID string, serviceTemplate map[string]any, data map[string]any) (any, error) {
	return f(ctx, templateID, serviceTemplate, data)
}

// Request is the JSON body posted to a capability endpoint.
type Request struct {
	TemplateID      string         `json:"template_id"`
	ServiceTemplate map[string]any `json:"service_template,omitempty"`
	Data            map[string]any `json:"data"`
}

// Response is the JSON body a capability endpoint answers with.
type Response struct {
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

// HTTPClient posts executions to a capability service over HTTP.
//
// Connection failures, 429 and 5xx answers are reported as
// *orchestrator.ServiceUnavailableError; other 4xx answers are permanent.
type HTTPClient struct {
	name     string
	endpoint string
	client   *http.Client
	headers  map[string]string
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.client = c
		}
	}
}

// WithHeader adds a header to every call.
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTPClient) {
		h.headers[key] = value
	}
}

// NewHTTPClient creates a client for the capability named name at endpoint.
func NewHTTPClient(name, endpoint string, timeout time.Duration, opts ...HTTPOption) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	h := &HTTPClient{
		name:     name,
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
		headers:  map[string]string{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ExecuteTemplate posts the execution and decodes the result.
func (h *HTTPClient) ExecuteTemplate(ctx context.Context, templateID string, serviceTemplate map[string]any, data map[string]any) (any, error) {
	body, err := json.Marshal(Request{TemplateID: templateID, ServiceTemplate: serviceTemplate, Data: data})
	if err != nil {
		return nil, orchestrator.Permanent(fmt.Errorf("encode request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, orchestrator.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &orchestrator.ServiceUnavailableError{Service: h.name, Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &orchestrator.ServiceUnavailableError{Service: h.name, Cause: err}
	}

	var out Response
	decodeErr := json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &orchestrator.ServiceUnavailableError{Service: h.name, Cause: statusError(resp.StatusCode, out.Error)}
	case resp.StatusCode >= 400:
		return nil, orchestrator.Permanent(statusError(resp.StatusCode, out.Error))
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode %s response: %w", h.name, decodeErr)
	}
	if out.Error != "" {
		return nil, errors.New(out.Error)
	}
	return out.Result, nil
}

func statusError(code int, msg string) error {
	if msg == "" {
		msg = http.StatusText(code)
	}
	return fmt.Errorf("status %d: %s", code, msg)
}
