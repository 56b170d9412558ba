// Package client talks to the neuroscan HTTP API: it submits scans, reads
// them back and polls until analysis is done.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/neuroscan/pkg/models"
)

// Sentinel errors for client failures.
var (
	ErrUnreachable   = errors.New("neuroscan unreachable")
	ErrTimeout       = errors.New("neuroscan request timeout")
	ErrNotFound      = errors.New("scan not found")
	ErrPollExhausted = errors.New("scan still in progress after polling")
)

const (
	DefaultPollInterval = time.Second
	DefaultPollAttempts = 60
)

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Scan is a job as returned by the API.
type Scan struct {
	models.Job
	Images map[string]string `json:"images,omitempty"`
}

// Client is an authenticated API client.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// New creates a client. timeout bounds each request, not a whole poll.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Submit uploads the file at path and returns the pending scan.
func (c *Client) Submit(ctx context.Context, path string) (*Scan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening scan: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mpw := multipart.NewWriter(pw)
	done := make(chan struct{})
	go func() {
		defer close(done)
		part, err := mpw.CreateFormFile("scan", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mpw.Close()
		}
		pw.CloseWithError(err)
	}()
	defer func() {
		pr.Close()
		<-done
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/scans", pr)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", mpw.FormDataContentType())

	var scan Scan
	if err := c.do(req, http.StatusAccepted, &scan); err != nil {
		return nil, err
	}
	return &scan, nil
}

// Get fetches one scan.
func (c *Client) Get(ctx context.Context, id uuid.UUID) (*Scan, error) {
	var scan Scan
	if err := c.get(ctx, "/api/v1/scans/"+id.String(), &scan); err != nil {
		return nil, err
	}
	return &scan, nil
}

// Status fetches only the scan's status.
func (c *Client) Status(ctx context.Context, id uuid.UUID) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.get(ctx, "/api/v1/scans/"+id.String()+"/status", &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// List returns the caller's scans, newest first. limit <= 0 uses the server default.
func (c *Client) List(ctx context.Context, limit int) ([]Scan, error) {
	path := "/api/v1/scans"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var scans []Scan
	if err := c.get(ctx, path, &scans); err != nil {
		return nil, err
	}
	return scans, nil
}

// Image downloads one of the scan's images.
func (c *Client) Image(ctx context.Context, id uuid.UUID, kind string) ([]byte, error) {
	u := c.baseURL + "/api/v1/scans/" + id.String() + "/images/" + url.PathEscape(kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	return io.ReadAll(resp.Body)
}

// Delete removes a scan and its images.
func (c *Client) Delete(ctx context.Context, id uuid.UUID) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/v1/scans/"+id.String(), nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	return c.do(req, http.StatusOK, nil)
}

// PollOptions bounds WaitForScan. Zero values use the defaults.
type PollOptions struct {
	Interval time.Duration
	Attempts int
	// OnPoll, when set, is called with each observed status.
	OnPoll func(attempt int, status string)
}

// WaitForScan polls until the scan is completed or failed and returns it.
// After the attempts run out it returns ErrPollExhausted; the scan keeps
// running server-side.
func (c *Client) WaitForScan(ctx context.Context, id uuid.UUID, opts PollOptions) (*Scan, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultPollAttempts
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		status, err := c.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if opts.OnPoll != nil {
			opts.OnPoll(attempt, status)
		}
		if status == models.JobStatusCompleted || status == models.JobStatusFailed {
			return c.Get(ctx, id)
		}
		if attempt >= opts.Attempts {
			return nil, fmt.Errorf("%w: %d attempts, last status %s", ErrPollExhausted, attempt, status)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	return c.do(req, http.StatusOK, out)
}

// do sends req and decodes the data envelope into out when non-nil.
func (c *Client) do(req *http.Request, want int, out any) error {
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}

	env := struct {
		Data any `json:"data"`
	}{Data: out}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
}

func decodeError(resp *http.Response) error {
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	apiErr := &APIError{Status: resp.StatusCode, Code: "HTTP_ERROR", Message: http.StatusText(resp.StatusCode)}
	if err := json.NewDecoder(resp.Body).Decode(&env); err == nil && env.Error.Code != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
