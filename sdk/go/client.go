// Package claimwatchsdk is a small client for the claimwatch HTTP API. Bots and
// GitHub webhook relays use it to feed comment events in.
package claimwatchsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal claimwatch HTTP API client.
type Client struct {
	BaseURL string
	// BearerToken is an operator JWT (cw token). Its subject is recorded on
	// operator actions.
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://localhost:8080/v0.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// CommentEvent is one issue comment as seen by a webhook relay.
type CommentEvent struct {
	EventID      string     `json:"event_id"`
	Repository   string     `json:"repository"`
	IssueNumber  int        `json:"issue_number"`
	Author       string     `json:"author"`
	Body         string     `json:"body"`
	IsMaintainer bool       `json:"is_maintainer,omitempty"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
}

type SubmitResult struct {
	JobID  int64 `json:"job_id"`
	Queued bool  `json:"queued"`
}

type Outcome struct {
	Outcome          string `json:"outcome"`
	ClaimID          int64  `json:"claim_id"`
	IsClaim          bool   `json:"is_claim"`
	IsProgressUpdate bool   `json:"is_progress_update"`
	IsQuestion       bool   `json:"is_question"`
	Confidence       int    `json:"confidence"`
	Rule             string `json:"rule"`
}

// Claim represents the API claim model (partial).
type Claim struct {
	ID              int64      `json:"id"`
	Claimant        string     `json:"claimant"`
	Confidence      int        `json:"confidence"`
	State           string     `json:"state"`
	NudgeCount      int        `json:"nudge_count"`
	LastProgressAt  time.Time  `json:"last_progress_at"`
	TimerStartedAt  time.Time  `json:"timer_started_at"`
	GracePeriodDays *int       `json:"grace_period_days"`
	ReleaseReason   string     `json:"release_reason"`
	UnassignedAt    *time.Time `json:"unassigned_at"`
}

type Issue struct {
	Repository string  `json:"repository"`
	Number     int     `json:"number"`
	Assignee   *string `json:"assignee"`
}

type Activity struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Actor     string    `json:"actor"`
	EventID   string    `json:"event_id"`
	Payload   string    `json:"payload_json"`
	CreatedAt time.Time `json:"created_at"`
}

type ClaimView struct {
	Claim    Claim      `json:"claim"`
	Issue    Issue      `json:"issue"`
	Activity []Activity `json:"activity"`
}

// PaginatedClaims wraps list responses with cursors.
type PaginatedClaims struct {
	Items      []ClaimView `json:"items"`
	NextCursor string      `json:"next_cursor"`
}

type Job struct {
	ID          int64     `json:"id"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	ScheduledAt time.Time `json:"scheduled_at"`
	LastError   string    `json:"last_error"`
}

// ClaimFilter narrows ListClaims. Zero values are ignored.
type ClaimFilter struct {
	Repository string
	State      string
	Claimant   string
	Open       bool
	Limit      int
	Cursor     string
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
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Retryable reports whether the server asked the caller to try again later.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusServiceUnavailable || e.Code == "conflict"
}

// SubmitComment queues a comment event. Resubmitting an event is harmless.
func (c *Client) SubmitComment(ctx context.Context, ev CommentEvent) (SubmitResult, error) {
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, "events/comments", ev, &resp)
	return resp, err
}

// ProcessComment applies a comment event synchronously.
func (c *Client) ProcessComment(ctx context.Context, ev CommentEvent) (Outcome, error) {
	var resp Outcome
	err := c.do(ctx, http.MethodPost, "events/comments/process", ev, &resp)
	return resp, err
}

// ListClaims returns one page of claims, newest first.
func (c *Client) ListClaims(ctx context.Context, f ClaimFilter) (PaginatedClaims, error) {
	q := url.Values{}
	if f.Repository != "" {
		q.Set("repository", f.Repository)
	}
	if f.State != "" {
		q.Set("state", f.State)
	}
	if f.Claimant != "" {
		q.Set("claimant", f.Claimant)
	}
	if f.Open {
		q.Set("open", "true")
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	if f.Cursor != "" {
		q.Set("cursor", f.Cursor)
	}
	endpoint := "claims"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedClaims
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetClaim fetches a claim with its activity log.
func (c *Client) GetClaim(ctx context.Context, id int64) (ClaimView, error) {
	var resp ClaimView
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("claims/%d", id), nil, &resp)
	return resp, err
}

// ReleaseClaim releases a claim now; the issue is unassigned by the worker.
func (c *Client) ReleaseClaim(ctx context.Context, id int64, reason string) (ClaimView, error) {
	var resp ClaimView
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("claims/%d/release", id), map[string]string{"reason": reason}, &resp)
	return resp, err
}

// CompleteClaim marks a claim completed.
func (c *Client) CompleteClaim(ctx context.Context, id int64, reason string) (ClaimView, error) {
	var resp ClaimView
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("claims/%d/complete", id), map[string]string{"reason": reason}, &resp)
	return resp, err
}

// ExtendGrace sets a per-claim grace period in days.
func (c *Client) ExtendGrace(ctx context.Context, id int64, days int) (Claim, error) {
	var resp Claim
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("claims/%d/grace", id), map[string]int{"days": days}, &resp)
	return resp, err
}

// ListJobs returns queued jobs filtered by status (empty for all).
func (c *Client) ListJobs(ctx context.Context, status string) ([]Job, error) {
	endpoint := "jobs"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Job `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// RequeueJob gives a dead job a fresh attempt budget.
func (c *Client) RequeueJob(ctx context.Context, id int64) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("jobs/%d/requeue", id), nil, &resp)
	return resp, err
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
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

// Stats summarises claim states, queue health and activity within window.
type Stats struct {
	Since    time.Time      `json:"since"`
	Claims   map[string]int `json:"claims"`
	Jobs     map[string]int `json:"jobs"`
	Activity map[string]int `json:"activity"`
}

func (c *Client) Stats(ctx context.Context, repository string, window time.Duration) (Stats, error) {
	q := url.Values{}
	if repository != "" {
		q.Set("repository", repository)
	}
	if window > 0 {
		q.Set("window", window.String())
	}
	endpoint := "stats"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp Stats
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}
