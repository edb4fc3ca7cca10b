package api

// Package api is the agent's client for the case registry. Every recovery endpoint is
// addressed by the recovery code the operator handed to the client.

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

	"device-recovery/internal/recovery"
)

var (
	// ErrCaseNotFound is returned for an unknown recovery code (HTTP 404).
	ErrCaseNotFound = errors.New("recovery code not found")
	// ErrCaseExpired is returned once the case has expired (HTTP 410).
	ErrCaseExpired = errors.New("recovery case expired")
)

// StatusError is returned for any other non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("registry returned %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("registry returned %d", e.Code)
}

// Client is the HTTP client wrapper for communicating with the case registry.
type Client struct {
	BaseURL       string       // The root URL of the registry
	HTTPClient    *http.Client // used for every call except uploads
	UploadClient  *http.Client // used for upload-data; its timeout is the batch deadline
	OperatorToken string       // bearer token for the operator endpoints
	// FinalizeRetries is the number of extra finalize attempts on 5xx or network errors.
	FinalizeRetries int
}

// NewClient creates a new API client with configured timeouts and connection pooling.
func NewClient(baseURL string, timeout, uploadTimeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if uploadTimeout <= 0 {
		uploadTimeout = 10 * time.Minute
	}
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second, // Close idle connections after 90s to purge memory
		TLSHandshakeTimeout: 10 * time.Second, // Don't hang forever if TLS fails
	}
	return &Client{
		BaseURL:         strings.TrimRight(baseURL, "/"),
		HTTPClient:      &http.Client{Timeout: timeout, Transport: transport},
		UploadClient:    &http.Client{Timeout: uploadTimeout, Transport: transport},
		FinalizeRetries: 3,
	}
}

// Validate checks a recovery code.
func (c *Client) Validate(ctx context.Context, code string) (*CaseSummary, error) {
	var out CaseSummary
	if err := c.do(ctx, c.HTTPClient, http.MethodGet, "/recovery/validate/"+url.PathEscape(code), nil, &out, ""); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeviceConnected reports the attached device.
func (c *Client) DeviceConnected(ctx context.Context, code string, req DeviceReport) (*recovery.StatusReport, error) {
	return c.report(ctx, c.HTTPClient, "/recovery/device-connected/"+url.PathEscape(code), req)
}

// StartExtraction moves the case to extracting.
func (c *Client) StartExtraction(ctx context.Context, code string, req StartRequest) (*recovery.StatusReport, error) {
	return c.report(ctx, c.HTTPClient, "/recovery/start-extraction/"+url.PathEscape(code), req)
}

// UploadData reports one batch. It uses UploadClient, so a batch that exceeds the upload
// timeout fails with a timeout error.
func (c *Client) UploadData(ctx context.Context, code string, req Batch) (*recovery.StatusReport, error) {
	return c.report(ctx, c.UploadClient, "/recovery/upload-data/"+url.PathEscape(code), req)
}

// Finalize closes the extraction. 5xx responses and network errors are retried with
// exponential backoff; the server treats repeated finalize calls as one.
func (c *Client) Finalize(ctx context.Context, code string, stats map[string]int) (*recovery.StatusReport, error) {
	path := "/recovery/finalize/" + url.PathEscape(code)
	req := FinalizeRequest{Statistics: stats}

	var lastErr error
	attempts := 1 + c.FinalizeRetries
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := backoff(ctx, i); err != nil {
				return nil, fmt.Errorf("finalize: %w", err)
			}
		}
		report, err := c.report(ctx, c.HTTPClient, path, req)
		if err == nil {
			return report, nil
		}
		lastErr = err
		if !retriable(err) {
			return nil, fmt.Errorf("finalize: %w", err)
		}
	}
	return nil, fmt.Errorf("finalize: failed after %d attempts: %w", attempts, lastErr)
}

// Status polls the case status. Unrecognized status strings map to recovery.StatusUnknown.
func (c *Client) Status(ctx context.Context, code string) (*recovery.StatusReport, error) {
	var out recovery.StatusReport
	if err := c.do(ctx, c.HTTPClient, http.MethodGet, "/recovery/status/"+url.PathEscape(code), nil, &out, ""); err != nil {
		return nil, err
	}
	out.Status = recovery.ParseStatus(string(out.Status))
	return &out, nil
}

// IssueCase creates a case through the operator endpoint.
func (c *Client) IssueCase(ctx context.Context, req IssueRequest) (*IssuedCase, error) {
	var out IssuedCase
	if err := c.do(ctx, c.HTTPClient, http.MethodPost, "/cases", req, &out, c.OperatorToken); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) report(ctx context.Context, hc *http.Client, path string, body any) (*recovery.StatusReport, error) {
	var out recovery.StatusReport
	if err := c.do(ctx, hc, http.MethodPost, path, body, &out, ""); err != nil {
		return nil, err
	}
	out.Status = recovery.ParseStatus(string(out.Status))
	return &out, nil
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, body, out any, token string) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &e)
		switch resp.StatusCode {
		case http.StatusNotFound:
			return ErrCaseNotFound
		case http.StatusGone:
			return ErrCaseExpired
		}
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// retriable reports whether a request error is worth retrying: network errors and 5xx.
func retriable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return !errors.Is(err, ErrCaseNotFound) && !errors.Is(err, ErrCaseExpired) && !errors.Is(err, context.Canceled)
}

// backoff waits before retry attempt i (i >= 1): 500ms, 1s, 2s, ...
func backoff(ctx context.Context, i int) error {
	d := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
	select {
	case <-ctx.Done():
		return fmt.Errorf("context canceled during backoff: %w", ctx.Err())
	case <-time.After(d):
		return nil
	}
}
