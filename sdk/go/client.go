package reviewlogsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal review log HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// UserID is sent as X-User-Id when no bearer token is set. Servers only
	// honour it in development mode.
	UserID     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Payload carries the type-specific fields of a log or event.
type Payload struct {
	ParentActionLogIDs []string         `json:"parentActionLogIDs,omitempty"`
	Provenance         any              `json:"provenance,omitempty"`
	Outcome            string           `json:"outcome,omitempty"`
	Context            *string          `json:"context,omitempty"`
	TaskParameters     any              `json:"taskParameters,omitempty"`
	NewTimestampMillis *int64           `json:"newTimestampMillis,omitempty"`
	Updates            *MetadataUpdates `json:"updates,omitempty"`
}

type MetadataUpdates struct {
	IsDeleted  *bool `json:"isDeleted,omitempty"`
	Provenance any   `json:"provenance,omitempty"`
}

// ActionLog is one legacy action log.
type ActionLog struct {
	ID   string        `json:"id"`
	Data ActionLogData `json:"data"`
}

type ActionLogData struct {
	ActionLogType   string `json:"actionLogType"`
	TaskID          string `json:"taskID"`
	TimestampMillis int64  `json:"timestampMillis"`
	Payload
}

// Event is a stored event.
type Event struct {
	ID              string `json:"id,omitempty"`
	EntityID        string `json:"entityID"`
	Type            string `json:"type"`
	TimestampMillis int64  `json:"timestampMillis"`
	Payload
}

type IntervalState struct {
	IntervalMillis            int64 `json:"intervalMillis"`
	LastReviewTimestampMillis int64 `json:"lastReviewTimestampMillis"`
	RepetitionCount           int   `json:"repetitionCount"`
}

// TaskState is the derived state of a task.
type TaskState struct {
	TaskID             string        `json:"taskID"`
	CreatedAtMillis    int64         `json:"createdAtMillis"`
	DueTimestampMillis int64         `json:"dueTimestampMillis"`
	Interval           IntervalState `json:"interval"`
	IsDeleted          bool          `json:"isDeleted"`
	Provenance         any           `json:"provenance,omitempty"`
}

type TaskStateItem struct {
	ID                       string    `json:"id"`
	Data                     TaskState `json:"data"`
	LastEventID              string    `json:"lastEventID"`
	LastEventTimestampMillis int64     `json:"lastEventTimestampMillis"`
}

type TaskStatePage struct {
	ObjectType string          `json:"objectType"`
	HasMore    bool            `json:"hasMore"`
	Data       []TaskStateItem `json:"data"`
}

type EventRecord struct {
	Event  Event      `json:"event"`
	Entity *TaskState `json:"entity,omitempty"`
}

type EventPage struct {
	Items   []Event `json:"items"`
	HasMore bool    `json:"hasMore"`
}

// TaskStateQuery selects a page of task states. Zero values are omitted.
type TaskStateQuery struct {
	CreatedAfterID           string
	Limit                    int
	DueBeforeTimestampMillis *int64
}

type EventQuery struct {
	AfterID  string
	EntityID string
	Limit    int
}

// APIError wraps non-2xx responses.
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

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// PatchActionLogs submits legacy action logs.
func (c *Client) PatchActionLogs(ctx context.Context, logs []ActionLog) error {
	return c.do(ctx, http.MethodPatch, "actionLogs", logs, nil)
}

// PutEvents stores events and returns the resulting task states.
func (c *Client) PutEvents(ctx context.Context, events []Event) ([]EventRecord, error) {
	var resp struct {
		Items []EventRecord `json:"items"`
	}
	err := c.do(ctx, http.MethodPatch, "2/events", events, &resp)
	return resp.Items, err
}

// ListEvents returns one page of stored events.
func (c *Client) ListEvents(ctx context.Context, q EventQuery) (EventPage, error) {
	params := url.Values{}
	setParam(params, "afterID", q.AfterID)
	setParam(params, "entityID", q.EntityID)
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	var resp EventPage
	err := c.do(ctx, http.MethodGet, withQuery("2/events", params), nil, &resp)
	return resp, err
}

// ListTaskStates returns one page of task states in creation order.
func (c *Client) ListTaskStates(ctx context.Context, q TaskStateQuery) (TaskStatePage, error) {
	params := url.Values{}
	setParam(params, "createdAfterID", q.CreatedAfterID)
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.DueBeforeTimestampMillis != nil {
		params.Set("dueBeforeTimestampMillis", strconv.FormatInt(*q.DueBeforeTimestampMillis, 10))
	}
	var resp TaskStatePage
	err := c.do(ctx, http.MethodGet, withQuery("taskStates", params), nil, &resp)
	return resp, err
}

// GetTaskState fetches one task state.
func (c *Client) GetTaskState(ctx context.Context, taskID string) (TaskStateItem, error) {
	var resp TaskStateItem
	err := c.do(ctx, http.MethodGet, "taskStates/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

// ActiveTaskCount returns the caller's active task count.
func (c *Client) ActiveTaskCount(ctx context.Context) (int64, error) {
	var resp struct {
		ActiveTaskCount int64 `json:"activeTaskCount"`
	}
	err := c.do(ctx, http.MethodGet, "me/counters", nil, &resp)
	return resp.ActiveTaskCount, err
}

// RebuildTask replays a task's full history and returns the rebuilt state.
func (c *Client) RebuildTask(ctx context.Context, taskID string) (TaskStateItem, error) {
	var resp TaskStateItem
	err := c.do(ctx, http.MethodPost, "taskStates/"+url.PathEscape(taskID)+"/rebuild", nil, &resp)
	return resp, err
}

// Recount recomputes the active task count and returns it with the applied correction.
func (c *Client) Recount(ctx context.Context) (count, correction int64, err error) {
	var resp struct {
		ActiveTaskCount int64 `json:"activeTaskCount"`
		Correction      int64 `json:"correction"`
	}
	err = c.do(ctx, http.MethodPost, "me/counters/recount", nil, &resp)
	return resp.ActiveTaskCount, resp.Correction, err
}

func setParam(v url.Values, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}

func withQuery(endpoint string, params url.Values) string {
	if len(params) == 0 {
		return endpoint
	}
	return endpoint + "?" + params.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.UserID != "":
		req.Header.Set("X-User-Id", c.UserID)
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
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
