package fieldproofsdk

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Fieldproof HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Order represents the API work order model.
type Order struct {
	ID              string   `json:"id"`
	Site            string   `json:"site,omitempty"`
	Description     string   `json:"description,omitempty"`
	State           string   `json:"state"`
	Roster          []string `json:"roster,omitempty"`
	RejectionReason string   `json:"rejection_reason,omitempty"`
	ReopenReason    string   `json:"reopen_reason,omitempty"`
	CreatedAt       string   `json:"created_at"`
	UpdatedAt       string   `json:"updated_at"`
}

// Assignment represents one technician's slice of an order.
type Assignment struct {
	ID           string `json:"id"`
	SessionID    string `json:"session_id"`
	TechnicianID string `json:"technician_id"`
	State        string `json:"state"`
	RetryEnabled bool   `json:"retry_enabled,omitempty"`
}

// Session groups an order's assignments.
type Session struct {
	ID          string       `json:"id"`
	OrderID     string       `json:"order_id"`
	State       string       `json:"state"`
	Assignments []Assignment `json:"assignments"`
}

// ChecklistItem is a photo requirement on an assignment.
type ChecklistItem struct {
	ID           string `json:"id"`
	AssignmentID string `json:"assignment_id"`
	Title        string `json:"title"`
	Mandatory    bool   `json:"mandatory"`
	DisplayOrder int    `json:"display_order"`
	Active       bool   `json:"active"`
}

// Evidence is an uploaded photo record.
type Evidence struct {
	ID           string  `json:"id"`
	AssignmentID string  `json:"assignment_id"`
	ItemID       *string `json:"item_id,omitempty"`
	URL          string  `json:"url,omitempty"`
	Caption      string  `json:"caption,omitempty"`
	Note         string  `json:"note,omitempty"`
	Filename     string  `json:"filename,omitempty"`
	CapturedAt   string  `json:"captured_at"`
}

// Gate reports what blocks finalization.
type Gate struct {
	Open                bool     `json:"open"`
	MissingAcceptances  []string `json:"missing_acceptances,omitempty"`
	MissingRequirements []string `json:"missing_requirements,omitempty"`
}

// SyncResult reports a roster synchronization pass.
type SyncResult struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Kept    []string `json:"kept,omitempty"`
	Order   Order    `json:"order"`
}

// ReconcileMatch pairs an evidence record with the item it was linked to.
type ReconcileMatch struct {
	EvidenceID string  `json:"evidence_id"`
	Filename   string  `json:"filename,omitempty"`
	ItemID     string  `json:"item_id"`
	ItemTitle  string  `json:"item_title"`
	Tier       string  `json:"tier"`
	Score      float64 `json:"score,omitempty"`
}

// UnresolvedEvidence is a record reconciliation could not place.
type UnresolvedEvidence struct {
	EvidenceID string   `json:"evidence_id"`
	Filename   string   `json:"filename,omitempty"`
	Reason     string   `json:"reason"`
	Candidates []string `json:"candidates,omitempty"`
}

// ReconcileReport summarizes a reconciliation pass.
type ReconcileReport struct {
	AssignmentID string               `json:"assignment_id"`
	DryRun       bool                 `json:"dry_run,omitempty"`
	Matches      []ReconcileMatch     `json:"matches"`
	Unresolved   []UnresolvedEvidence `json:"unresolved"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	OrderID    string         `json:"order_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateOrder creates a work order.
func (c *Client) CreateOrder(ctx context.Context, site, description string) (Order, error) {
	body := map[string]any{
		"site":        site,
		"description": description,
	}
	var resp Order
	err := c.do(ctx, http.MethodPost, "v0/orders", body, &resp)
	return resp, err
}

// GetOrder fetches one work order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (Order, error) {
	var resp Order
	err := c.do(ctx, http.MethodGet, c.orderPath(orderID, ""), nil, &resp)
	return resp, err
}

// ListOrders lists orders, optionally filtered by state.
func (c *Client) ListOrders(ctx context.Context, state string) ([]Order, error) {
	endpoint := "v0/orders"
	if state != "" {
		endpoint += "?state=" + url.QueryEscape(state)
	}
	var resp []Order
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetSession returns the order's evidence session and assignments.
func (c *Client) GetSession(ctx context.Context, orderID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, c.orderPath(orderID, "session"), nil, &resp)
	return resp, err
}

// GetGate reports whether the order can be finalized and what is missing.
func (c *Client) GetGate(ctx context.Context, orderID string) (Gate, error) {
	var resp Gate
	err := c.do(ctx, http.MethodGet, c.orderPath(orderID, "gate"), nil, &resp)
	return resp, err
}

// SetRoster synchronizes the technician roster.
func (c *Client) SetRoster(ctx context.Context, orderID string, roster []string, reset bool) (SyncResult, error) {
	body := map[string]any{
		"roster":         roster,
		"reset_existing": reset,
	}
	var resp SyncResult
	err := c.do(ctx, http.MethodPut, c.orderPath(orderID, "roster"), body, &resp)
	return resp, err
}

// Accept records a technician's acceptance. An empty technicianID accepts as
// the authenticated actor.
func (c *Client) Accept(ctx context.Context, orderID, technicianID string) (Assignment, error) {
	body := map[string]any{}
	if technicianID != "" {
		body["technician_id"] = technicianID
	}
	var resp Assignment
	err := c.do(ctx, http.MethodPost, c.orderPath(orderID, "accept"), body, &resp)
	return resp, err
}

// Finalize submits the order for review.
func (c *Client) Finalize(ctx context.Context, orderID string) (Order, error) {
	var resp Order
	err := c.do(ctx, http.MethodPost, c.orderPath(orderID, "finalize"), map[string]any{}, &resp)
	return resp, err
}

// Approve approves a reviewed order.
func (c *Client) Approve(ctx context.Context, orderID string) (Order, error) {
	var resp Order
	err := c.do(ctx, http.MethodPost, c.orderPath(orderID, "approve"), map[string]any{}, &resp)
	return resp, err
}

// Reject sends a reviewed order back to the field.
func (c *Client) Reject(ctx context.Context, orderID, reason string) (Order, error) {
	var resp Order
	err := c.do(ctx, http.MethodPost, c.orderPath(orderID, "reject"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Reopen returns an approved order to assigned.
func (c *Client) Reopen(ctx context.Context, orderID, reason string) (Order, error) {
	var resp Order
	err := c.do(ctx, http.MethodPost, c.orderPath(orderID, "reopen"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// ListChecklist lists an assignment's active checklist items.
func (c *Client) ListChecklist(ctx context.Context, assignmentID string) ([]ChecklistItem, error) {
	var resp []ChecklistItem
	err := c.do(ctx, http.MethodGet, c.assignmentPath(assignmentID, "checklist"), nil, &resp)
	return resp, err
}

// AddChecklistItem adds a photo requirement.
func (c *Client) AddChecklistItem(ctx context.Context, assignmentID, title string, mandatory bool) (ChecklistItem, error) {
	body := map[string]any{
		"title":     title,
		"mandatory": mandatory,
	}
	var resp ChecklistItem
	err := c.do(ctx, http.MethodPost, c.assignmentPath(assignmentID, "checklist"), body, &resp)
	return resp, err
}

// UploadEvidence registers a photo; data may be nil to record metadata only.
func (c *Client) UploadEvidence(ctx context.Context, assignmentID, filename, caption string, data []byte) (Evidence, error) {
	body := map[string]any{
		"filename": filename,
	}
	if caption != "" {
		body["caption"] = caption
	}
	if data != nil {
		body["data_base64"] = base64.StdEncoding.EncodeToString(data)
	}
	var resp Evidence
	err := c.do(ctx, http.MethodPost, c.assignmentPath(assignmentID, "evidence"), body, &resp)
	return resp, err
}

// ListEvidence lists an assignment's evidence, optionally orphans only.
func (c *Client) ListEvidence(ctx context.Context, assignmentID string, orphansOnly bool) ([]Evidence, error) {
	endpoint := c.assignmentPath(assignmentID, "evidence")
	if orphansOnly {
		endpoint += "?orphans=true"
	}
	var resp []Evidence
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Reconcile matches orphaned evidence to open checklist items.
func (c *Client) Reconcile(ctx context.Context, assignmentID string, dryRun bool) (ReconcileReport, error) {
	endpoint := c.assignmentPath(assignmentID, "reconcile")
	if dryRun {
		endpoint += "?dry_run=true"
	}
	var resp ReconcileReport
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) orderPath(orderID, sub string) string {
	p := fmt.Sprintf("v0/orders/%s", url.PathEscape(orderID))
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) assignmentPath(assignmentID, sub string) string {
	return fmt.Sprintf("v0/assignments/%s/%s", url.PathEscape(assignmentID), sub)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
