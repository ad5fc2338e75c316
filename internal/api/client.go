package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"vectorflow/internal/pipeline"
	"vectorflow/internal/services"
)

// ErrAPIUnavailable reports that no daemon API is configured or reachable.
var ErrAPIUnavailable = errors.New("daemon API unavailable")

// Error is a non-2xx daemon response.
type Error struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("daemon API returned status %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the response status back onto the services markers.
func (e *Error) Unwrap() error {
	switch e.StatusCode {
	case http.StatusConflict:
		return services.ErrConflict
	case http.StatusBadRequest:
		return services.ErrValidation
	case http.StatusNotFound:
		return services.ErrNotFound
	case http.StatusGatewayTimeout:
		return services.ErrTimeout
	case http.StatusUnauthorized:
		return services.ErrConfiguration
	}
	if e.Kind == string(services.KindInitialization) {
		return services.ErrInitialization
	}
	return nil
}

// Client talks to the daemon HTTP API of one instance.
type Client struct {
	base       *url.URL
	token      string
	instanceID string
	http       *http.Client
}

// NewClient builds a client for the API bound at bind. An empty bind returns
// a nil client whose methods fail with ErrAPIUnavailable.
func NewClient(bind, token, instanceID string) (*Client, error) {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil, nil
	}
	if !strings.Contains(bind, "://") {
		bind = "http://" + bind
	}
	base, err := url.Parse(bind)
	if err != nil {
		return nil, err
	}
	base.Path = ""
	base.RawQuery = ""
	base.Fragment = ""
	return &Client{
		base:       base,
		token:      strings.TrimSpace(token),
		instanceID: strings.TrimSpace(instanceID),
		http:       &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// InstanceID returns the instance the client addresses.
func (c *Client) InstanceID() string {
	if c == nil {
		return ""
	}
	return c.instanceID
}

// CreateRun posts a run creation request.
func (c *Client) CreateRun(ctx context.Context, req RunCreateRequest) (*pipeline.Run, error) {
	var run pipeline.Run
	if err := c.do(ctx, http.MethodPost, c.runsPath(), nil, req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun fetches one run.
func (c *Client) GetRun(ctx context.Context, runID string) (*pipeline.Run, error) {
	var run pipeline.Run
	if err := c.do(ctx, http.MethodGet, c.runsPath()+"/"+url.PathEscape(runID), nil, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns posts a run filter.
func (c *Client) ListRuns(ctx context.Context, filter RunFilter) ([]pipeline.Run, error) {
	var runs []pipeline.Run
	if err := c.do(ctx, http.MethodPost, c.runsPath()+"/filter", nil, filter, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// WorkItems lists the work items of a run. An empty stage lists every stage.
func (c *Client) WorkItems(ctx context.Context, runID, stage string) ([]pipeline.WorkItemStatus, error) {
	values := url.Values{}
	if strings.TrimSpace(stage) != "" {
		values.Set("stage", stage)
	}
	var items []pipeline.WorkItemStatus
	path := c.runsPath() + "/" + url.PathEscape(runID) + "/workitems"
	if err := c.do(ctx, http.MethodGet, path, values, nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Status fetches daemon diagnostics.
func (c *Client) Status(ctx context.Context) (*DaemonStatus, error) {
	var status DaemonStatus
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// QueueStats fetches queue depth counters.
func (c *Client) QueueStats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	err := c.do(ctx, http.MethodGet, "/api/queue/stats", nil, nil, &stats)
	return stats, err
}

// DeadLetters fetches up to limit dead-lettered messages.
func (c *Client) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	values := url.Values{}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	var letters []DeadLetter
	err := c.do(ctx, http.MethodGet, "/api/queue/deadletters", values, nil, &letters)
	return letters, err
}

// Health probes /healthz.
func (c *Client) Health(ctx context.Context) error {
	var resp HealthResponse
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, &resp)
}

func (c *Client) runsPath() string {
	return "/instances/" + url.PathEscape(c.instanceID) + "/datapipelineruns"
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c == nil {
		return ErrAPIUnavailable
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	endpoint := c.base.ResolveReference(&url.URL{Path: path, RawQuery: query.Encode()})
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var payload ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return &Error{StatusCode: resp.StatusCode, Kind: payload.Kind, Message: payload.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsAPIUnavailable reports whether err means the daemon could not be reached.
func IsAPIUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		err = urlErr.Err
	}
	var opErr *net.OpError
	return errors.Is(err, ErrAPIUnavailable) || errors.As(err, &opErr)
}
