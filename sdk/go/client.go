package hirasdk

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

// Client is a minimal HIRA HTTP API client.
type Client struct {
	BaseURL     string
	CompanyID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, companyID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		CompanyID: companyID,
		Timeout:   10 * time.Second,
	}
}

// Row is one worksheet line.
type Row struct {
	ID                   string  `json:"id,omitempty"`
	TaskName             string  `json:"task_name,omitempty"`
	ActivityService      string  `json:"activity_service,omitempty"`
	Routine              string  `json:"routine,omitempty"`
	HazardConcern        string  `json:"hazard_concern,omitempty"`
	HazardDescription    string  `json:"hazard_description,omitempty"`
	Likelihood           int     `json:"likelihood,omitempty"`
	Consequence          int     `json:"consequence,omitempty"`
	Significance         string  `json:"significance,omitempty"`
	ExistingRiskControl  string  `json:"existing_risk_control,omitempty"`
	Recommendation       string  `json:"recommendation,omitempty"`
	ActionOwner          *string `json:"action_owner,omitempty"`
	TargetDate           *string `json:"target_date,omitempty"`
	ActionStatus         string  `json:"action_status,omitempty"`
	Remarks              string  `json:"remarks,omitempty"`
	CompletionEvidence   string  `json:"completion_evidence,omitempty"`
	ActualCompletionDate *string `json:"actual_completion_date,omitempty"`
}

// Assessment represents the API assessment model (partial).
type Assessment struct {
	ID               string   `json:"id"`
	CompanyID        string   `json:"company_id"`
	AssessmentNumber string   `json:"assessment_number"`
	Title            string   `json:"title"`
	Status           string   `json:"status"`
	AssessorID       string   `json:"assessor_id"`
	Team             []string `json:"team"`
	DueDate          *string  `json:"due_date"`
	Priority         string   `json:"priority"`
	Rows             []Row    `json:"rows"`
	UpdatedAt        string   `json:"updated_at"`
}

// View is an assessment with everything derived from it.
type View struct {
	Assessment         Assessment   `json:"assessment"`
	Summary            Summary      `json:"summary"`
	Actions            []ActionItem `json:"actions"`
	AllowedTransitions []string     `json:"allowed_transitions"`
	CanEditRows        bool         `json:"can_edit_rows"`
	CanManageActions   bool         `json:"can_manage_actions"`
}

type Summary struct {
	TotalTasks         int            `json:"total_tasks"`
	RiskCategoryCounts map[string]int `json:"risk_category_counts"`
	SignificantRisks   int            `json:"significant_risks"`
	HighRisks          int            `json:"high_risks"`
	TotalActions       int            `json:"total_actions"`
	OpenActions        int            `json:"open_actions"`
	InProgressActions  int            `json:"in_progress_actions"`
	CompletedActions   int            `json:"completed_actions"`
	OverdueActions     int            `json:"overdue_actions"`
	CompletionRate     int            `json:"completion_rate"`
}

type ActionItem struct {
	Index          int     `json:"index"`
	TaskName       string  `json:"task_name"`
	HazardConcern  string  `json:"hazard_concern"`
	Recommendation string  `json:"recommendation"`
	RiskScore      int     `json:"risk_score"`
	RiskCategory   string  `json:"risk_category"`
	Priority       string  `json:"priority"`
	Owner          *string `json:"owner"`
	TargetDate     *string `json:"target_date"`
	Status         string  `json:"status"`
	IsOverdue      bool    `json:"is_overdue"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	CompanyID  string         `json:"company_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// ActionUpdate changes an action. Nil fields are left alone; empty strings
// clear owner and target date.
type ActionUpdate struct {
	Owner      *string `json:"action_owner,omitempty"`
	TargetDate *string `json:"target_date,omitempty"`
	Remarks    *string `json:"remarks,omitempty"`
}

// ActionProgress is an owner's status report on an action.
type ActionProgress struct {
	Status         string  `json:"status,omitempty"`
	Remarks        *string `json:"remarks,omitempty"`
	Evidence       *string `json:"completion_evidence,omitempty"`
	CompletionDate *string `json:"actual_completion_date,omitempty"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateAssessment creates a draft led by assessorID.
func (c *Client) CreateAssessment(ctx context.Context, title, assessorID string) (Assessment, error) {
	body := map[string]any{
		"title":       title,
		"assessor_id": assessorID,
	}
	var resp Assessment
	err := c.do(ctx, http.MethodPost, c.companyPath("assessments"), body, &resp)
	return resp, err
}

// Assessment fetches an assessment with its scores, summary and the
// transitions the caller may perform.
func (c *Client) Assessment(ctx context.Context, id string) (View, error) {
	var resp View
	err := c.do(ctx, http.MethodGet, c.assessmentPath(id, ""), nil, &resp)
	return resp, err
}

// SaveWorksheet replaces the worksheet.
func (c *Client) SaveWorksheet(ctx context.Context, id string, rows []Row) (Assessment, error) {
	var resp Assessment
	err := c.do(ctx, http.MethodPut, c.assessmentPath(id, "worksheet"), map[string]any{"rows": rows}, &resp)
	return resp, err
}

// Autosave queues a background worksheet save.
func (c *Client) Autosave(ctx context.Context, id string, rows []Row) error {
	return c.do(ctx, http.MethodPost, c.assessmentPath(id, "worksheet/autosave"), map[string]any{"rows": rows}, nil)
}

// EditRow sets one field of one worksheet row.
func (c *Client) EditRow(ctx context.Context, id string, index int, field, value string) (Assessment, error) {
	var resp Assessment
	body := map[string]any{"field": field, "value": value}
	err := c.do(ctx, http.MethodPatch, c.assessmentPath(id, fmt.Sprintf("worksheet/rows/%d", index)), body, &resp)
	return resp, err
}

// Assign hands a draft to its team.
func (c *Client) Assign(ctx context.Context, id string, team []string, dueDate string) (Assessment, error) {
	return c.transition(ctx, id, "assign", map[string]any{"team": team, "due_date": dueDate})
}

// Complete submits the worksheet for review.
func (c *Client) Complete(ctx context.Context, id string) (Assessment, error) {
	return c.transition(ctx, id, "complete", map[string]any{})
}

// Approve approves a completed assessment with a 1-5 rating.
func (c *Client) Approve(ctx context.Context, id, comments string, rating int) (Assessment, error) {
	return c.transition(ctx, id, "review", map[string]any{"decision": "approve", "comments": comments, "rating": rating})
}

// Reject sends a completed assessment back for rework.
func (c *Client) Reject(ctx context.Context, id, comments string) (Assessment, error) {
	return c.transition(ctx, id, "review", map[string]any{"decision": "reject", "comments": comments})
}

// Close ends the lifecycle.
func (c *Client) Close(ctx context.Context, id, comments string) (Assessment, error) {
	return c.transition(ctx, id, "close", map[string]any{"comments": comments})
}

func (c *Client) transition(ctx context.Context, id, name string, body map[string]any) (Assessment, error) {
	var resp Assessment
	err := c.do(ctx, http.MethodPost, c.assessmentPath(id, name), body, &resp)
	return resp, err
}

// UpdateAction changes one action's owner, target date or remarks.
func (c *Client) UpdateAction(ctx context.Context, id string, index int, in ActionUpdate) (Assessment, error) {
	var resp Assessment
	err := c.do(ctx, http.MethodPatch, c.assessmentPath(id, fmt.Sprintf("actions/%d", index)), in, &resp)
	return resp, err
}

// ProgressAction reports progress on an action the caller owns.
func (c *Client) ProgressAction(ctx context.Context, id string, index int, in ActionProgress) (Assessment, error) {
	var resp Assessment
	err := c.do(ctx, http.MethodPost, c.assessmentPath(id, fmt.Sprintf("actions/%d/progress", index)), in, &resp)
	return resp, err
}

func (c *Client) Summary(ctx context.Context, id string) (Summary, error) {
	var resp Summary
	err := c.do(ctx, http.MethodGet, c.assessmentPath(id, "summary"), nil, &resp)
	return resp, err
}

func (c *Client) Actions(ctx context.Context, id string) ([]ActionItem, error) {
	var resp []ActionItem
	err := c.do(ctx, http.MethodGet, c.assessmentPath(id, "actions"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.companyPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) companyPath(p string) string {
	company := url.PathEscape(c.CompanyID)
	return fmt.Sprintf("v1/companies/%s/%s", company, strings.TrimLeft(p, "/"))
}

func (c *Client) assessmentPath(id, p string) string {
	base := "assessments/" + url.PathEscape(id)
	if p == "" {
		return c.companyPath(base)
	}
	return c.companyPath(base + "/" + p)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
