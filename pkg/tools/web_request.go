package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oldeucryptoboi/karnevil9/pkg/session"
)

// WebRequestInput is the web-request tool's parameter struct.
type WebRequestInput struct {
	URL    string `json:"url" jsonschema:"required,description=Target URL"`
	Method string `json:"method,omitempty" jsonschema:"description=HTTP method (default GET)"`
	Body   string `json:"body,omitempty" jsonschema:"description=Request body for POST/PUT"`
}

// WebRequestTool performs outbound HTTP requests, screened by the endpoint
// allow-list and the SSRF guard.
type WebRequestTool struct {
	// Client overrides the default HTTP client, for tests.
	Client *http.Client

	// Timeout bounds a single request. Zero means 30s.
	Timeout time.Duration

	// MaxResponseBytes caps the returned body. Zero means 1 MiB.
	MaxResponseBytes int64
}

func (t *WebRequestTool) Info() Info {
	return Info{
		Name:        "web-request",
		Description: "Perform an HTTP request against an allowed endpoint",
		InputSchema: SchemaFor(&WebRequestInput{}),
		Supports:    Supports{Mock: true, DryRun: true},
		Permissions: []string{"net:fetch:*"},
	}
}

func (t *WebRequestTool) Execute(ctx context.Context, inv Invocation) (Result, error) {
	rawURL, ok := inv.Input["url"].(string)
	if !ok || rawURL == "" {
		return invalidInput("url parameter is required"), nil
	}
	method, _ := inv.Input["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)
	body, _ := inv.Input["body"].(string)

	if inv.Mode == session.ModeMock {
		return Result{OK: true, Output: map[string]any{"url": rawURL, "status": 200, "body": "mock response"}}, nil
	}

	if inv.Policy == nil {
		return policyFailure("no policy profile configured"), nil
	}
	if err := inv.Policy.CheckEndpoint(rawURL); err != nil {
		return policyResult(err), nil
	}

	if inv.Mode == session.ModeDryRun {
		return Result{OK: true, Output: map[string]any{"url": rawURL, "method": method, "would_send_bytes": len(body)}}, nil
	}

	timeout := t.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, reqBody)
	if err != nil {
		return invalidInput(fmt.Sprintf("invalid request: %v", err)), nil
	}

	client := t.Client
	if client == nil {
		client = &http.Client{}
	}
	resp, err := client.Do(req)
	if err != nil {
		return executionFailure(fmt.Sprintf("request failed: %v", err)), nil
	}
	defer func() { _ = resp.Body.Close() }()

	maxBytes := t.MaxResponseBytes
	if maxBytes == 0 {
		maxBytes = 1 << 20
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return executionFailure(fmt.Sprintf("read response: %v", err)), nil
	}

	return Result{
		OK: resp.StatusCode < 400,
		Output: map[string]any{
			"url":    rawURL,
			"status": resp.StatusCode,
			"body":   string(data),
		},
	}, nil
}
