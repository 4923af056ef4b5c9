package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"controlplane/pkg/backoff"
)

// Event is one server-sent event from a job's log stream.
type Event struct {
	Type   string `json:"type"`
	Line   string `json:"line,omitempty"`
	Status string `json:"status,omitempty"`
}

// ErrStopStream can be returned from a stream callback to stop
// consuming without reporting an error.
var ErrStopStream = errors.New("stop stream")

// Stream opens the SSE log stream for a job and invokes fn for every
// event until the stream ends, fn returns an error, or ctx is
// cancelled. The server closes the stream itself after sending a
// terminal status event.
func (c *Client) Stream(ctx context.Context, jobID string, fn func(Event) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/jobs/"+jobID+"/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The regular client's timeout covers the whole response body, which
	// would sever a long-lived stream. Cancellation comes from ctx instead.
	streamClient := &http.Client{Transport: c.httpc.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var env envelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err == nil && !env.OK {
			return &APIError{Status: resp.StatusCode, Message: env.Error}
		}
		return &APIError{Status: resp.StatusCode, Message: "stream request failed"}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue // blank separators and ": ping" keepalives
		}
		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return fmt.Errorf("invalid stream event: %w", err)
		}
		if err := fn(ev); err != nil {
			if errors.Is(err, ErrStopStream) {
				return nil
			}
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// Follow streams a job's logs and reconnects with exponential backoff
// when the connection drops before the job reaches a terminal status.
// It returns once a terminal status event has been delivered.
func (c *Client) Follow(ctx context.Context, jobID string, fn func(Event) error) error {
	attempt := 0
	for {
		terminal := false
		err := c.Stream(ctx, jobID, func(ev Event) error {
			attempt = 0
			if ev.Type == "status" {
				terminal = true
			}
			return fn(ev)
		})
		if terminal {
			return err
		}
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return err // the server rejected us, retrying won't help
			}
		}

		attempt++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff.Exponential(attempt, nil)):
		}
	}
}
