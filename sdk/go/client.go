package stagelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Stageline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  30 * time.Second,
	}
}

// StageState is the progress of one stage.
type StageState struct {
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	ApprovedBy  string `json:"approved_by,omitempty"`
}

// Artifact is a stage output recorded on the run.
type Artifact struct {
	ID         string `json:"id"`
	Stage      string `json:"stage"`
	Attempt    int    `json:"attempt"`
	Name       string `json:"name"`
	Kind       string `json:"kind,omitempty"`
	Content    string `json:"content,omitempty"`
	URI        string `json:"uri,omitempty"`
	Degraded   bool   `json:"degraded,omitempty"`
	RecordedAt string `json:"recorded_at"`
}

// StageError is a recorded stage failure.
type StageError struct {
	Stage      string `json:"stage"`
	Attempt    int    `json:"attempt"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	RecordedAt string `json:"recorded_at"`
}

// State is the persisted run state (partial).
type State struct {
	ProjectID    string                `json:"project_id"`
	ThreadID     string                `json:"thread_id"`
	Stack        string                `json:"stack"`
	Parameters   map[string]string     `json:"parameters,omitempty"`
	CurrentStage *string               `json:"current_stage"`
	Status       string                `json:"status"`
	Stages       map[string]StageState `json:"stages"`
	Artifacts    []Artifact            `json:"artifacts"`
	Errors       []StageError          `json:"errors"`
	UpdatedAt    string                `json:"updated_at"`
}

// RunSummary is one row of the run listing.
type RunSummary struct {
	ProjectID    string `json:"project_id"`
	ThreadID     string `json:"thread_id"`
	Stack        string `json:"stack"`
	Status       string `json:"status"`
	CurrentStage string `json:"current_stage,omitempty"`
	Artifacts    int    `json:"artifacts"`
	Errors       int    `json:"errors"`
	UpdatedAt    string `json:"updated_at"`
}

// Event is a flattened log entry; stage, status, timestamp and type are always present.
type Event map[string]any

// Type returns the event type.
func (e Event) Type() string {
	s, _ := e["type"].(string)
	return s
}

// APIError wraps non-2xx responses. Code carries the error envelope code when the body had one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Run starts or resumes a run. stack is required only for a new run.
func (c *Client) Run(ctx context.Context, projectID, threadID, stack string, params map[string]string) (State, error) {
	body := map[string]any{}
	if stack != "" {
		body["stack"] = stack
	}
	if len(params) > 0 {
		body["parameters"] = params
	}
	var resp State
	err := c.do(ctx, http.MethodPost, c.threadPath(projectID, threadID, "run"), body, &resp)
	return resp, err
}

// Approve approves the current gate. actorID is ignored by servers that authenticate the caller.
func (c *Client) Approve(ctx context.Context, projectID, threadID, actorID string) (State, error) {
	body := map[string]any{}
	if actorID != "" {
		body["actor_id"] = actorID
	}
	var resp State
	err := c.do(ctx, http.MethodPost, c.threadPath(projectID, threadID, "approve"), body, &resp)
	return resp, err
}

// Retry re-runs the failed stage.
func (c *Client) Retry(ctx context.Context, projectID, threadID string) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodPost, c.threadPath(projectID, threadID, "retry"), nil, &resp)
	return resp, err
}

// Status returns the persisted state.
func (c *Client) Status(ctx context.Context, projectID, threadID string) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodGet, c.threadPath(projectID, threadID, ""), nil, &resp)
	return resp, err
}

// EventFilter narrows an event listing.
type EventFilter struct {
	Stage string
	Type  string
	Limit int
}

// Events returns a thread's event log, oldest first.
func (c *Client) Events(ctx context.Context, projectID, threadID string, f EventFilter) ([]Event, error) {
	q := url.Values{}
	if f.Stage != "" {
		q.Set("stage", f.Stage)
	}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery(c.threadPath(projectID, threadID, "events"), q), nil, &resp)
	return resp.Items, err
}

// Runs lists runs, most recently updated first. Empty arguments are not filtered on.
func (c *Client) Runs(ctx context.Context, projectID, status string, limit int) ([]RunSummary, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []RunSummary `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery(c.path("runs"), q), nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var reader io.Reader = http.NoBody
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) threadPath(projectID, threadID, op string) string {
	p := fmt.Sprintf("projects/%s/threads/%s", url.PathEscape(projectID), url.PathEscape(threadID))
	if op != "" {
		p += "/" + op
	}
	return c.path(p)
}

func (c *Client) path(p string) string {
	return "/" + strings.Trim(c.BasePath, "/") + "/" + strings.TrimLeft(p, "/")
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
