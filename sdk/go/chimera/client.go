package chimera

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the chimerad REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Task is the wire view of a queued task.
type Task struct {
	ID               string         `json:"id"`
	TaskType         string         `json:"task_type"`
	Priority         string         `json:"priority"`
	Context          map[string]any `json:"context"`
	AssignedWorkerID *string        `json:"assigned_worker_id"`
	CreatedAt        string         `json:"created_at"`
	Status           string         `json:"status"`
}

// GoalReceipt is returned after a goal submission. Blocked is set when the
// governor refused the decomposition and no task was enqueued.
type GoalReceipt struct {
	Goal    string `json:"goal"`
	Blocked bool   `json:"blocked"`
	Tasks   []Task `json:"tasks"`
}

// BudgetStatus reports the daily spend of an agent.
type BudgetStatus struct {
	AgentID string  `json:"agent_id"`
	Spent   float64 `json:"spent"`
	Limit   float64 `json:"limit"`
	Cost    float64 `json:"cost"`
	Status  string  `json:"status"`
}

// Incident is an escalated task failure.
type Incident struct {
	ID         string            `json:"id"`
	TaskID     string            `json:"task_id"`
	TaskType   string            `json:"task_type"`
	Error      string            `json:"error"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`
	Code       string            `json:"code"`
	Severity   string            `json:"severity"`
	RaisedAt   time.Time         `json:"raised_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("chimera api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chimera api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the chimerad API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the bearer token sent with every /api/v1 call.
// An empty token disables the header.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SubmitGoal asks the planner to decompose and enqueue a goal. A goal blocked
// by the budget is not an error: the receipt comes back with Blocked set.
func (c *Client) SubmitGoal(ctx context.Context, goal string) (GoalReceipt, error) {
	var receipt GoalReceipt
	err := c.post(ctx, "/api/v1/goals", map[string]string{"goal": goal}, &receipt)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return GoalReceipt{Goal: goal, Blocked: true, Tasks: []Task{}}, nil
	}
	if err != nil {
		return GoalReceipt{}, err
	}
	return receipt, nil
}

// Budget evaluates a prospective cost against the agent's daily budget.
func (c *Client) Budget(ctx context.Context, agentID string, cost float64) (BudgetStatus, error) {
	var status BudgetStatus
	endpoint := "/api/v1/budget/" + url.PathEscape(agentID)
	query := url.Values{"cost": {strconv.FormatFloat(cost, 'f', -1, 64)}}
	if err := c.get(ctx, endpoint, query, &status); err != nil {
		return BudgetStatus{}, err
	}
	return status, nil
}

// RecordSpend adds an amount to the agent's spend for today.
func (c *Client) RecordSpend(ctx context.Context, agentID string, amount float64) (BudgetStatus, error) {
	var status BudgetStatus
	endpoint := "/api/v1/budget/" + url.PathEscape(agentID) + "/spend"
	if err := c.post(ctx, endpoint, map[string]float64{"amount": amount}, &status); err != nil {
		return BudgetStatus{}, err
	}
	return status, nil
}

// Queues returns the depth of every queue known to the server.
func (c *Client) Queues(ctx context.Context) (map[string]int64, error) {
	depths := map[string]int64{}
	if err := c.get(ctx, "/api/v1/queues", nil, &depths); err != nil {
		return nil, err
	}
	return depths, nil
}

// Incidents lists the most recent escalations, newest first.
func (c *Client) Incidents(ctx context.Context, limit int) ([]Incident, error) {
	var query url.Values
	if limit > 0 {
		query = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	var items []Incident
	if err := c.get(ctx, "/api/v1/incidents", query, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Health returns nil when the server and its store are reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/healthz", nil, nil)
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
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.AccessToken(); token != "" {
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
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return &apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
