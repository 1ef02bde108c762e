package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lychee-technology/formsync"
	"github.com/lychee-technology/formsync/internal/telemetry"
	"go.uber.org/zap"
)

const maxErrorBody = 512

// Client talks to the central server. Every request carries the current bearer token.
type Client struct {
	baseURL    string
	healthPath string
	userAgent  string
	http       *http.Client
	auth       formsync.Authenticator
	breaker    *CircuitBreaker
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithHealthPath sets the path probed by Ping.
func WithHealthPath(path string) Option {
	return func(c *Client) { c.healthPath = path }
}

// New creates a client for cfg.BaseURL.
func New(cfg formsync.RemoteConfig, auth formsync.Authenticator, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		healthPath: "/health",
		userAgent:  cfg.UserAgent,
		http:       &http.Client{Timeout: timeout},
		auth:       auth,
		breaker:    NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerWindow, cfg.BreakerOpenFor),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Breaker exposes the circuit breaker so callers can short-circuit batches. May be nil.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// RefreshToken delegates to the authenticator.
func (c *Client) RefreshToken(ctx context.Context) error {
	if c.auth == nil {
		return nil
	}
	return c.auth.Refresh(ctx)
}

// FetchReference implements GET /static/{resource}.
func (c *Client) FetchReference(ctx context.Context, resource string) ([]map[string]any, error) {
	var out []map[string]any
	if err := c.do(ctx, "fetch_reference", http.MethodGet, "/static/"+url.PathEscape(resource), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AllocateFormIDs implements POST /formIdAllocation.
func (c *Client) AllocateFormIDs(ctx context.Context, req AllocationRequest) (*AllocationResponse, error) {
	var out AllocationResponse
	if err := c.do(ctx, "allocate_form_ids", http.MethodPost, "/formIdAllocation", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchFormDefinition implements GET /form/{formId}.
func (c *Client) FetchFormDefinition(ctx context.Context, formID string) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, "fetch_form", http.MethodGet, "/form/"+url.PathEscape(formID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateSubmission implements POST /form/{formId}/submission.
func (c *Client) CreateSubmission(ctx context.Context, formID string, payload any) (*SubmissionResponse, error) {
	var out SubmissionResponse
	if err := c.do(ctx, "create_submission", http.MethodPost, submissionPath(formID), payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSubmission implements PUT /form/{formId}/submission.
func (c *Client) UpdateSubmission(ctx context.Context, formID string, payload any) (*SubmissionResponse, error) {
	var out SubmissionResponse
	if err := c.do(ctx, "update_submission", http.MethodPut, submissionPath(formID), payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateApplication implements POST /application/create.
func (c *Client) CreateApplication(ctx context.Context, payload any) error {
	return c.do(ctx, "create_application", http.MethodPost, "/application/create", payload, nil)
}

// SubmitDraft implements PUT /draft/{draftId}/submit.
func (c *Client) SubmitDraft(ctx context.Context, draftID string, payload any) error {
	return c.do(ctx, "submit_draft", http.MethodPut, "/draft/"+url.PathEscape(draftID)+"/submit", payload, nil)
}

// CreateDraft implements POST /draft.
func (c *Client) CreateDraft(ctx context.Context, payload any) (*DraftResponse, error) {
	var out DraftResponse
	if err := c.do(ctx, "create_draft", http.MethodPost, "/draft", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateDraft implements PUT /draft/{serverDraftId}.
func (c *Client) UpdateDraft(ctx context.Context, draftID string, payload any) (*DraftResponse, error) {
	var out DraftResponse
	if err := c.do(ctx, "update_draft", http.MethodPut, "/draft/"+url.PathEscape(draftID), payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ping probes the health endpoint without authentication and without touching the breaker.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.healthPath, nil)
	if err != nil {
		return err
	}
	c.setUserAgent(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: http.MethodGet, Path: c.healthPath, StatusCode: resp.StatusCode}
	}
	return nil
}

func submissionPath(formID string) string {
	return "/form/" + url.PathEscape(formID) + "/submission"
}

func (c *Client) setUserAgent(req *http.Request) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}

// do performs one JSON round trip. All failures come back as *formsync.SyncError.
func (c *Client) do(ctx context.Context, operation, method, path string, body, out any) (err error) {
	if !c.breaker.Allow() {
		return formsync.NewCircuitOpenError(operation)
	}

	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		telemetry.EmitRemoteLatency(ctx, operation, status, time.Since(start).Milliseconds())
	}()

	if err := c.roundTrip(ctx, method, path, body, out); err != nil {
		// a non-retryable status still proves the server is reachable
		var statusErr *StatusError
		if !errors.As(err, &statusErr) || statusErr.Retryable() {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}
		zap.S().Debugw("remote call failed", "operation", operation, "method", method, "path", path, "err", err)
		return formsync.NewRemoteCallFailedError(operation, err)
	}
	c.breaker.RecordSuccess()
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setUserAgent(req)

	if c.auth != nil {
		token, err := c.auth.Token(ctx)
		if err != nil {
			return fmt.Errorf("obtain token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
