package server

import (
	"encoding/json"

	"fieldproof/internal/domain"
	"fieldproof/internal/engine"
)

// Request payloads

type CreateOrderRequest struct {
	ID          *string `json:"id,omitempty"`
	Site        string  `json:"site"`
	Description *string `json:"description,omitempty"`
	State       *string `json:"state,omitempty" enum:"quoted,approved_pending"`
}

type AssignRequest struct {
	Roster        []string `json:"roster"`
	ResetExisting bool     `json:"reset_existing,omitempty"`
}

type AcceptRequest struct {
	TechnicianID *string `json:"technician_id,omitempty"`
}

type DecisionRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CreateChecklistItemRequest struct {
	ID        *string `json:"id,omitempty"`
	Title     string  `json:"title"`
	Mandatory bool    `json:"mandatory,omitempty"`
}

type RenameChecklistItemRequest struct {
	Title string `json:"title"`
}

type UploadEvidenceRequest struct {
	Filename   string  `json:"filename"`
	Caption    *string `json:"caption,omitempty"`
	Note       *string `json:"note,omitempty"`
	CapturedAt *string `json:"captured_at,omitempty" format:"date-time"`
	ItemID     *string `json:"item_id,omitempty"`
	// DataBase64 carries the photo bytes; omit to register metadata only.
	DataBase64 *string `json:"data_base64,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string  `json:"actor_id"`
	Name    *string `json:"name,omitempty"`
}

// Response payloads

type OrderResponse struct {
	ID              string   `json:"id"`
	Site            string   `json:"site,omitempty"`
	Description     string   `json:"description,omitempty"`
	State           string   `json:"state" enum:"quoted,approved_pending,assigned,in_progress,under_review,approved,rejected"`
	Roster          []string `json:"roster,omitempty"`
	RejectionReason string   `json:"rejection_reason,omitempty"`
	ReopenReason    string   `json:"reopen_reason,omitempty"`
	AssignedBy      *string  `json:"assigned_by,omitempty"`
	ApprovedBy      *string  `json:"approved_by,omitempty"`
	ApprovedAt      *string  `json:"approved_at,omitempty" format:"date-time"`
	RejectedBy      *string  `json:"rejected_by,omitempty"`
	FinalizedBy     *string  `json:"finalized_by,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
}

type AssignmentResponse struct {
	ID           string  `json:"id"`
	SessionID    string  `json:"session_id"`
	TechnicianID string  `json:"technician_id"`
	State        string  `json:"state" enum:"assigned,accepted,under_review,rejected"`
	RetryEnabled bool    `json:"retry_enabled,omitempty"`
	AcceptedAt   *string `json:"accepted_at,omitempty" format:"date-time"`
	FinalizedAt  *string `json:"finalized_at,omitempty" format:"date-time"`
	RejectedAt   *string `json:"rejected_at,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type ChecklistItemResponse struct {
	ID              string `json:"id"`
	AssignmentID    string `json:"assignment_id"`
	Title           string `json:"title"`
	NormalizedTitle string `json:"normalized_title"`
	Mandatory       bool   `json:"mandatory"`
	DisplayOrder    int    `json:"display_order"`
	Active          bool   `json:"active"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type EvidenceResponse struct {
	ID           string  `json:"id"`
	AssignmentID string  `json:"assignment_id"`
	ItemID       *string `json:"item_id,omitempty"`
	Locator      string  `json:"locator,omitempty"`
	URL          string  `json:"url,omitempty"`
	Caption      string  `json:"caption,omitempty"`
	Note         string  `json:"note,omitempty"`
	Filename     string  `json:"filename,omitempty"`
	CapturedAt   string  `json:"captured_at" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type SessionResponse struct {
	ID          string               `json:"id"`
	OrderID     string               `json:"order_id"`
	State       string               `json:"state" enum:"assigned,in_progress,under_review"`
	Assignments []AssignmentResponse `json:"assignments"`
}

type GateResponse struct {
	Open                bool     `json:"open"`
	MissingAcceptances  []string `json:"missing_acceptances,omitempty"`
	MissingRequirements []string `json:"missing_requirements,omitempty"`
}

type SyncResponse struct {
	Added   []string      `json:"added,omitempty"`
	Removed []string      `json:"removed,omitempty"`
	Kept    []string      `json:"kept,omitempty"`
	Order   OrderResponse `json:"order"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	OrderID    string         `json:"order_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is only populated on creation.
	Key string `json:"key,omitempty"`
}

// Mappers

func orderResponse(o domain.WorkOrder) OrderResponse {
	return OrderResponse{
		ID:              o.ID,
		Site:            o.Site,
		Description:     o.Description,
		State:           o.State,
		Roster:          o.Roster,
		RejectionReason: o.RejectionReason,
		ReopenReason:    o.ReopenReason,
		AssignedBy:      o.AssignedBy,
		ApprovedBy:      o.ApprovedBy,
		ApprovedAt:      o.ApprovedAt,
		RejectedBy:      o.RejectedBy,
		FinalizedBy:     o.FinalizedBy,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

func mapOrders(items []domain.WorkOrder) []OrderResponse {
	out := make([]OrderResponse, 0, len(items))
	for _, o := range items {
		out = append(out, orderResponse(o))
	}
	return out
}

func assignmentResponse(a domain.TechnicianAssignment) AssignmentResponse {
	return AssignmentResponse{
		ID:           a.ID,
		SessionID:    a.SessionID,
		TechnicianID: a.TechnicianID,
		State:        a.State,
		RetryEnabled: a.RetryEnabled,
		AcceptedAt:   a.AcceptedAt,
		FinalizedAt:  a.FinalizedAt,
		RejectedAt:   a.RejectedAt,
		CreatedAt:    a.CreatedAt,
	}
}

func mapAssignments(items []domain.TechnicianAssignment) []AssignmentResponse {
	out := make([]AssignmentResponse, 0, len(items))
	for _, a := range items {
		out = append(out, assignmentResponse(a))
	}
	return out
}

func itemResponse(it domain.ChecklistItem) ChecklistItemResponse {
	return ChecklistItemResponse{
		ID:              it.ID,
		AssignmentID:    it.AssignmentID,
		Title:           it.Title,
		NormalizedTitle: it.NormalizedTitle,
		Mandatory:       it.Mandatory,
		DisplayOrder:    it.DisplayOrder,
		Active:          it.Active,
		CreatedAt:       it.CreatedAt,
	}
}

func mapItems(items []domain.ChecklistItem) []ChecklistItemResponse {
	out := make([]ChecklistItemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, itemResponse(it))
	}
	return out
}

func evidenceResponse(ev domain.EvidenceRecord, url string) EvidenceResponse {
	return EvidenceResponse{
		ID:           ev.ID,
		AssignmentID: ev.AssignmentID,
		ItemID:       ev.ItemID,
		Locator:      ev.Locator,
		URL:          url,
		Caption:      ev.Caption,
		Note:         ev.Note,
		Filename:     ev.Filename,
		CapturedAt:   ev.CapturedAt,
		CreatedAt:    ev.CreatedAt,
	}
}

func gateResponse(g engine.GateResult) GateResponse {
	return GateResponse{
		Open:                g.Open(),
		MissingAcceptances:  g.MissingAcceptances,
		MissingRequirements: g.MissingRequirements,
	}
}

func syncResponse(res engine.SyncResult) SyncResponse {
	return SyncResponse{
		Added:   res.Added,
		Removed: res.Removed,
		Kept:    res.Kept,
		Order:   orderResponse(res.Order),
	}
}

func eventResponse(e domain.Event) EventResponse {
	var payload map[string]any
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		OrderID:    e.OrderID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}
