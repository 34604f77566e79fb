package taskhubsdk

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

// Client is a minimal TaskHub HTTP API client.
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
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// User represents a profile.
type User struct {
	ID         string  `json:"id"`
	Email      string  `json:"email"`
	FullName   string  `json:"full_name"`
	Role       string  `json:"role"`
	Department *string `json:"department,omitempty"`
	AvatarURL  *string `json:"avatar_url,omitempty"`
	IsActive   bool    `json:"is_active"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
}

// Task represents the API task model.
type Task struct {
	ID                 string  `json:"id"`
	Title              string  `json:"title"`
	Description        *string `json:"description,omitempty"`
	AssignedTo         *string `json:"assigned_to,omitempty"`
	CreatedBy          string  `json:"created_by"`
	Status             string  `json:"status"`
	Priority           string  `json:"priority"`
	DueDate            *string `json:"due_date,omitempty"`
	CompletedAt        *string `json:"completed_at,omitempty"`
	ProgressPercentage int     `json:"progress_percentage"`
	Notes              *string `json:"notes,omitempty"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

// KPI represents a metric record.
type KPI struct {
	ID          string   `json:"id"`
	MetricName  string   `json:"metric_name"`
	MetricValue *float64 `json:"metric_value,omitempty"`
	MetricDate  string   `json:"metric_date"`
	Period      string   `json:"period"`
	DataSource  string   `json:"data_source"`
}

// Dashboard is the aggregate statistics view.
type Dashboard struct {
	TotalEmployees        int      `json:"total_employees"`
	TotalTasks            int      `json:"total_tasks"`
	CompletedTasks        int      `json:"completed_tasks"`
	OverdueTasks          int      `json:"overdue_tasks"`
	AverageCompletionRate float64  `json:"average_completion_rate"`
	Degraded              []string `json:"degraded,omitempty"`
}

// Me describes the signed-in principal.
type Me struct {
	User           User     `json:"user"`
	Sections       []string `json:"sections"`
	GrantableRoles []string `json:"grantable_roles"`
}

// Token is a sign-in result.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   string `json:"expires_at"`
	User        *User  `json:"user,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	Seq        int64          `json:"seq"`
	ID         string         `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// TaskQuery filters ListTasks. Empty fields are ignored.
type TaskQuery struct {
	Status     string
	Priority   string
	AssignedTo string
	Overdue    bool
}

// Login signs in and keeps the bearer token for later calls.
func (c *Client) Login(ctx context.Context, email, password string) (Token, error) {
	var resp Token
	err := c.do(ctx, http.MethodPost, "auth/login", map[string]any{
		"email":    email,
		"password": password,
	}, &resp)
	if err == nil {
		c.BearerToken = resp.AccessToken
	}
	return resp, err
}

// Logout revokes the current token.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "auth/logout", nil, nil)
	if err == nil {
		c.BearerToken = ""
	}
	return err
}

// Me returns the signed-in principal.
func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// Dashboard returns aggregate statistics.
func (c *Client) Dashboard(ctx context.Context) (Dashboard, error) {
	var resp Dashboard
	err := c.do(ctx, http.MethodGet, "dashboard", nil, &resp)
	return resp, err
}

// ListTasks returns the tasks visible to the caller.
func (c *Client) ListTasks(ctx context.Context, q TaskQuery) ([]Task, error) {
	params := url.Values{}
	if q.Status != "" {
		params.Set("status", q.Status)
	}
	if q.Priority != "" {
		params.Set("priority", q.Priority)
	}
	if q.AssignedTo != "" {
		params.Set("assigned_to", q.AssignedTo)
	}
	if q.Overdue {
		params.Set("overdue", "true")
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("tasks", params), nil, &resp)
	return resp.Items, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CreateTask creates a task. fields holds the optional task attributes.
func (c *Client) CreateTask(ctx context.Context, title string, fields map[string]any) (Task, error) {
	body := map[string]any{}
	for k, v := range fields {
		body[k] = v
	}
	body["title"] = title
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

// UpdateTask patches a task. A nil value clears the field.
func (c *Client) UpdateTask(ctx context.Context, id string, patch map[string]any) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, "tasks/"+url.PathEscape(id), patch, &resp)
	return resp, err
}

// SetTaskStatus changes a task's status.
func (c *Client) SetTaskStatus(ctx context.Context, id, status string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("tasks/%s/status", url.PathEscape(id)), map[string]any{"status": status}, &resp)
	return resp, err
}

// DeleteTask removes a task.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "tasks/"+url.PathEscape(id), nil, nil)
}

// ListEmployees returns staff profiles.
func (c *Client) ListEmployees(ctx context.Context, activeOnly bool) ([]User, error) {
	params := url.Values{}
	if activeOnly {
		params.Set("active_only", "true")
	}
	var resp struct {
		Items []User `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("employees", params), nil, &resp)
	return resp.Items, err
}

// CreateEmployee registers a new account. An empty password asks the server
// to generate one, returned as the second value.
func (c *Client) CreateEmployee(ctx context.Context, email, fullName, role, password string) (User, string, error) {
	body := map[string]any{
		"email":     email,
		"full_name": fullName,
	}
	if role != "" {
		body["role"] = role
	}
	if password != "" {
		body["password"] = password
	}
	var resp struct {
		User              User   `json:"user"`
		TemporaryPassword string `json:"temporary_password"`
	}
	err := c.do(ctx, http.MethodPost, "employees", body, &resp)
	return resp.User, resp.TemporaryPassword, err
}

// DeactivateEmployee marks an account inactive.
func (c *Client) DeactivateEmployee(ctx context.Context, id string) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodDelete, "employees/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListKPIs returns metric records for one metric name, or all when empty.
func (c *Client) ListKPIs(ctx context.Context, metricName string) ([]KPI, error) {
	params := url.Values{}
	if metricName != "" {
		params.Set("metric_name", metricName)
	}
	var resp struct {
		Items []KPI `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("kpis", params), nil, &resp)
	return resp.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", params), nil, &resp)
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, params url.Values) string {
	if len(params) == 0 {
		return endpoint
	}
	return endpoint + "?" + params.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
