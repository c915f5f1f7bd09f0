package searchagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the SearchMCP session API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// Session mirrors the session resource returned by the API.
type Session struct {
	ID           string         `json:"id"`
	Query        string         `json:"query"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Status       string         `json:"status"`
	Answer       string         `json:"answer,omitempty"`
	PendingInput string         `json:"pending_input,omitempty"`
	Turns        int            `json:"turns"`
	Attempts     int            `json:"attempts"`
	MaxRetries   int            `json:"max_retries"`
	LastError    string         `json:"last_error,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	CreatedAt    int64          `json:"created_at"`
	UpdatedAt    int64          `json:"updated_at"`
}

// Session status values as reported by the API.
const (
	StatusQueued        = "queued"
	StatusRunning       = "running"
	StatusAwaitingInput = "awaiting_input"
	StatusCompleted     = "completed"
	StatusFailed        = "failed"
)

// Settled reports whether the session reached a state that requires no
// further server-side work: finished, failed, or waiting on the caller.
func (s Session) Settled() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed:
		return true
	case StatusAwaitingInput:
		return s.PendingInput == ""
	}
	return false
}

// SubmitRequest is the payload accepted by the session creation endpoint.
type SubmitRequest struct {
	ID       string         `json:"id,omitempty"`
	Query    string         `json:"query"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Stats aggregates session counts by status.
type Stats struct {
	Total           int   `json:"total"`
	Queued          int   `json:"queued"`
	Running         int   `json:"running"`
	AwaitingInput   int   `json:"awaiting_input"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// ListQuery narrows List and Stats calls. Zero values are omitted.
type ListQuery struct {
	Statuses   []string
	Limit      int
	Offset     int
	Query      string
	HasAnswer  *bool
	Order      string
	UpdatedGTE int64
	UpdatedLTE int64
}

func (q ListQuery) values() url.Values {
	values := url.Values{}
	if len(q.Statuses) > 0 {
		values.Set("status", strings.Join(q.Statuses, ","))
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		values.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Query != "" {
		values.Set("q", q.Query)
	}
	if q.HasAnswer != nil {
		values.Set("has_answer", strconv.FormatBool(*q.HasAnswer))
	}
	if q.Order != "" {
		values.Set("order", q.Order)
	}
	if q.UpdatedGTE > 0 {
		values.Set("updated_gte", strconv.FormatInt(q.UpdatedGTE, 10))
	}
	if q.UpdatedLTE > 0 {
		values.Set("updated_lte", strconv.FormatInt(q.UpdatedLTE, 10))
	}
	return values
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("searchagent api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("searchagent api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the SearchMCP session API. When
// httpClient is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// SetToken stores a bearer token attached to subsequent calls. An empty
// token disables the Authorization header, matching servers that run with
// authentication turned off.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the currently stored token string.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Submit creates a new session and returns its queued representation.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (Session, error) {
	var sess Session
	if err := c.post(ctx, "/api/v1/sessions", req, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Get fetches a session by identifier.
func (c *Client) Get(ctx context.Context, id string) (Session, error) {
	var sess Session
	if err := c.get(ctx, "/api/v1/sessions/"+url.PathEscape(id), nil, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Input submits follow-up input for a session awaiting feedback and
// returns the re-queued session.
func (c *Client) Input(ctx context.Context, id, input string) (Session, error) {
	var sess Session
	payload := struct {
		Input string `json:"input"`
	}{Input: input}
	if err := c.post(ctx, "/api/v1/sessions/"+url.PathEscape(id)+"/input", payload, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// List returns sessions matching the query.
func (c *Client) List(ctx context.Context, query ListQuery) ([]Session, error) {
	var sessions []Session
	if err := c.get(ctx, "/api/v1/sessions", query.values(), &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// Stats returns aggregate counters for sessions matching the query.
func (c *Client) Stats(ctx context.Context, query ListQuery) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/stats", query.values(), &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Wait polls the session until it settles: completed, failed, or awaiting
// input from the caller. The interval defaults to 500ms when zero.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (Session, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sess, err := c.Get(ctx, id)
		if err != nil {
			return Session{}, err
		}
		if sess.Settled() {
			return sess, nil
		}
		select {
		case <-ctx.Done():
			return Session{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				// try direct decode into apiErr if server returned flat payload
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
