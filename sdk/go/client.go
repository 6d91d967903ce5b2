package dealdesksdk

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

// Client is a minimal DealDesk HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID              string  `json:"id"`
	ClientID        string  `json:"client_id"`
	TalentID        *string `json:"talent_id,omitempty"`
	Title           string  `json:"title"`
	Archived        bool    `json:"archived"`
	HasTrackingInfo bool    `json:"has_tracking_info"`
	Phase           string  `json:"phase,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

// Deliverable represents the API deliverable model (partial).
type Deliverable struct {
	ID             string   `json:"id"`
	ProjectID      string   `json:"project_id"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	KPIs           []string `json:"kpis,omitempty"`
	Status         string   `json:"status"`
	EstimatedHours float64  `json:"estimated_hours"`
	ActualHours    float64  `json:"actual_hours"`
}

// Progress is the client sign-off fraction.
type Progress struct {
	Approved   int `json:"approved"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// Snapshot is the full project read model.
type Snapshot struct {
	Project      Project       `json:"project"`
	Deliverables []Deliverable `json:"deliverables"`
	Phase        string        `json:"phase"`
	Progress     Progress      `json:"progress"`
	EscrowStatus string        `json:"escrow_status"`
	CanAccess    bool          `json:"can_access"`
}

// EscrowEntry is one escrow history row.
type EscrowEntry struct {
	ID             string `json:"id"`
	ProjectID      string `json:"project_id"`
	Action         string `json:"action"`
	ActorID        string `json:"actor_id"`
	ActorRole      string `json:"actor_role"`
	Reason         string `json:"reason,omitempty"`
	OverrideAction string `json:"override_action,omitempty"`
	TS             string `json:"ts"`
}

// EscrowState pairs escrow status with its history.
type EscrowState struct {
	ProjectID string        `json:"project_id"`
	Status    string        `json:"status"`
	History   []EscrowEntry `json:"history"`
}

// ActivityEntry is one activity-log row.
type ActivityEntry struct {
	ID        int64  `json:"id"`
	ProjectID string `json:"project_id"`
	TS        string `json:"ts"`
	ActorID   string `json:"actor_id"`
	Message   string `json:"message"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a project and switches the client to it.
func (c *Client) CreateProject(ctx context.Context, id, clientID, title string) (Project, error) {
	body := map[string]any{
		"id":        id,
		"client_id": clientID,
		"title":     title,
	}
	var resp Project
	if err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp); err != nil {
		return resp, err
	}
	c.ProjectID = resp.ID
	return resp, nil
}

// GetSnapshot fetches the project's derived read model.
func (c *Client) GetSnapshot(ctx context.Context) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodGet, c.projectPath(""), nil, &resp)
	return resp, err
}

// AssignTalent assigns a talent to the project.
func (c *Client) AssignTalent(ctx context.Context, talentID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath("assign"), map[string]any{"talent_id": talentID}, &resp)
	return resp, err
}

// ArchiveProject archives the project.
func (c *Client) ArchiveProject(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath("archive"), nil, &resp)
	return resp, err
}

// AddTrackingInfo records performance-tracking details.
func (c *Client) AddTrackingInfo(ctx context.Context, info string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath("tracking-info"), map[string]any{"tracking_info": info}, &resp)
	return resp, err
}

// AddDeliverable adds a work item.
func (c *Client) AddDeliverable(ctx context.Context, title string, kpis []string, estimatedHours float64) (Deliverable, error) {
	body := map[string]any{
		"title":           title,
		"kpis":            kpis,
		"estimated_hours": estimatedHours,
	}
	var resp Deliverable
	err := c.do(ctx, http.MethodPost, c.projectPath("deliverables"), body, &resp)
	return resp, err
}

// SetDeliverableStatus updates a deliverable's workflow status.
func (c *Client) SetDeliverableStatus(ctx context.Context, deliverableID, status string) (Deliverable, error) {
	var resp Deliverable
	err := c.do(ctx, http.MethodPost, "v0/deliverables/"+url.PathEscape(deliverableID)+"/status", map[string]any{"status": status}, &resp)
	return resp, err
}

// SubmitForReview hands the work over for client review.
func (c *Client) SubmitForReview(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath("review/submit"), nil, &resp)
	return resp, err
}

// RequestRevisions sends submitted work back.
func (c *Client) RequestRevisions(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath("review/revisions"), nil, &resp)
	return resp, err
}

// MoveToFinalPayment accepts the review.
func (c *Client) MoveToFinalPayment(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath("review/final-payment"), nil, &resp)
	return resp, err
}

// GetProgress fetches approval progress.
func (c *Client) GetProgress(ctx context.Context) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, c.projectPath("progress"), nil, &resp)
	return resp, err
}

// GetEscrow fetches escrow status and history.
func (c *Client) GetEscrow(ctx context.Context) (EscrowState, error) {
	var resp EscrowState
	err := c.do(ctx, http.MethodGet, c.projectPath("escrow"), nil, &resp)
	return resp, err
}

// RequestEscrowRelease asks the client to release the payment hold.
// requestID may be empty; pass one for safe retries.
func (c *Client) RequestEscrowRelease(ctx context.Context, requestID string) (EscrowState, error) {
	var resp EscrowState
	err := c.do(ctx, http.MethodPost, c.projectPath("escrow/request"), map[string]any{"request_id": requestID}, &resp)
	return resp, err
}

// ApproveEscrowRelease releases the payment hold.
func (c *Client) ApproveEscrowRelease(ctx context.Context, requestID string) (EscrowState, error) {
	var resp EscrowState
	err := c.do(ctx, http.MethodPost, c.projectPath("escrow/approve"), map[string]any{"request_id": requestID}, &resp)
	return resp, err
}

// RejectEscrowRelease declines a release with a reason.
func (c *Client) RejectEscrowRelease(ctx context.Context, reason, requestID string) (EscrowState, error) {
	body := map[string]any{"reason": reason, "request_id": requestID}
	var resp EscrowState
	err := c.do(ctx, http.MethodPost, c.projectPath("escrow/reject"), body, &resp)
	return resp, err
}

// OverrideEscrow forces a release ("release") or cancellation ("cancel").
func (c *Client) OverrideEscrow(ctx context.Context, action, reason, requestID string) (EscrowState, error) {
	body := map[string]any{"action": action, "reason": reason, "request_id": requestID}
	var resp EscrowState
	err := c.do(ctx, http.MethodPost, c.projectPath("escrow/override"), body, &resp)
	return resp, err
}

// FlagEscrow freezes the escrow pending review.
func (c *Client) FlagEscrow(ctx context.Context, reason, requestID string) (EscrowState, error) {
	body := map[string]any{"reason": reason, "request_id": requestID}
	var resp EscrowState
	err := c.do(ctx, http.MethodPost, c.projectPath("escrow/flag"), body, &resp)
	return resp, err
}

// GetActivity fetches the activity log. limit 0 returns everything.
func (c *Client) GetActivity(ctx context.Context, limit int) ([]ActivityEntry, error) {
	endpoint := c.projectPath("activity")
	if limit > 0 {
		endpoint += fmt.Sprintf("?limit=%d", limit)
	}
	var resp []ActivityEntry
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
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	if p == "" {
		return fmt.Sprintf("v0/projects/%s", project)
	}
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
