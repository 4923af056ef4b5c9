// Package client is the Go client for the control-plane API. It mirrors
// what the web portal does against the same endpoints: envelope-wrapped
// requests, SSE log streaming with reconnect, and background job polling
// that survives client restarts (see Reconciler).
package client

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
)

// Job is the wire form of a job record.
type Job struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Type      string            `json:"type"`
	Owner     string            `json:"owner"`
	Meta      map[string]string `json:"meta"`
	Logs      []string          `json:"logs"`
	Error     string            `json:"error,omitempty"`
	Attempt   int               `json:"attempt"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Terminal reports whether the job has finished (successfully or not).
func (j Job) Terminal() bool {
	switch j.Status {
	case "done", "failed", "interrupted":
		return true
	}
	return false
}

// App is the wire form of an app inventory entry.
type App struct {
	Owner       string    `json:"owner"`
	Name        string    `json:"name"`
	Domain      string    `json:"domain"`
	ContainerID string    `json:"containerId"`
	State       string    `json:"state"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

// APIError is a non-2xx response from the control plane.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// IsUnauthorized reports whether err is a 401 from the control plane.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	User       string // value for the X-Auth-User header
	Role       string // value for the X-Auth-Role header
	HTTPClient *http.Client
}

// Client talks to the control-plane HTTP API.
type Client struct {
	baseURL string
	user    string
	role    string
	httpc   *http.Client
}

// New creates a Client.
func New(cfg Config) *Client {
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		user:    cfg.User,
		role:    cfg.Role,
		httpc:   httpc,
	}
}

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

// do performs a request and decodes the success envelope into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := c.newRequest(ctx, method, path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("invalid response (status %d): %w", resp.StatusCode, err)
	}
	if !env.OK {
		return &APIError{Status: resp.StatusCode, Message: env.Error}
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.user != "" {
		req.Header.Set("X-Auth-User", c.user)
		req.Header.Set("X-Auth-Role", c.role)
	}
	return req, nil
}

// ListJobs returns the caller's jobs, active first.
func (c *Client) ListJobs(ctx context.Context) ([]Job, error) {
	var data struct {
		Jobs []Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/jobs", nil, &data); err != nil {
		return nil, err
	}
	return data.Jobs, nil
}

// GetJob returns one job with its current-attempt logs.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var data struct {
		Job Job `json:"job"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+id, nil, &data); err != nil {
		return Job{}, err
	}
	return data.Job, nil
}

// RetryJob requeues a failed or interrupted job.
func (c *Client) RetryJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/jobs/"+id+"/retry", nil, nil)
}

// CancelJob removes a failed or interrupted job.
func (c *Client) CancelJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/jobs/"+id+"/cancel", nil, nil)
}

type jobRef struct {
	JobID string `json:"jobId"`
}

// CreateApp submits an app-creation job and returns its id.
func (c *Client) CreateApp(ctx context.Context, appname string) (string, error) {
	var ref jobRef
	body := map[string]string{"appname": appname}
	if err := c.do(ctx, http.MethodPost, "/v1/apps", body, &ref); err != nil {
		return "", err
	}
	return ref.JobID, nil
}

// AppAction submits a start, stop, or deploy job for an app.
func (c *Client) AppAction(ctx context.Context, owner, appname, action string) (string, error) {
	var ref jobRef
	path := fmt.Sprintf("/v1/apps/%s/%s/%s", owner, appname, action)
	if err := c.do(ctx, http.MethodPost, path, nil, &ref); err != nil {
		return "", err
	}
	return ref.JobID, nil
}

// DeleteApp submits an app-deletion job.
func (c *Client) DeleteApp(ctx context.Context, owner, appname string) (string, error) {
	var ref jobRef
	path := fmt.Sprintf("/v1/apps/%s/%s", owner, appname)
	if err := c.do(ctx, http.MethodDelete, path, nil, &ref); err != nil {
		return "", err
	}
	return ref.JobID, nil
}

// UpdateAppEnv submits an env-restart job carrying a new environment.
func (c *Client) UpdateAppEnv(ctx context.Context, owner, appname string, env map[string]string) (string, error) {
	var ref jobRef
	path := fmt.Sprintf("/v1/apps/%s/%s/env", owner, appname)
	if err := c.do(ctx, http.MethodPut, path, map[string]any{"env": env}, &ref); err != nil {
		return "", err
	}
	return ref.JobID, nil
}

// ListApps returns the caller's app inventory.
func (c *Client) ListApps(ctx context.Context) ([]App, error) {
	var data struct {
		Apps []App `json:"apps"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/apps", nil, &data); err != nil {
		return nil, err
	}
	return data.Apps, nil
}

// AppLogs returns recent container output for an app.
func (c *Client) AppLogs(ctx context.Context, owner, appname string, tail int) ([]string, error) {
	var data struct {
		Lines []string `json:"lines"`
	}
	path := fmt.Sprintf("/v1/apps/%s/%s/logs?tail=%d", owner, appname, tail)
	if err := c.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	return data.Lines, nil
}
