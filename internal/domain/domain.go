package domain

type WorkOrder struct {
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

type EvidenceSession struct {
	ID        string `json:"id"`
	OrderID   string `json:"order_id"`
	State     string `json:"state" enum:"assigned,in_progress,under_review"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TechnicianAssignment struct {
	ID           string  `json:"id"`
	SessionID    string  `json:"session_id"`
	TechnicianID string  `json:"technician_id"`
	State        string  `json:"state" enum:"assigned,accepted,under_review,rejected"`
	RetryEnabled bool    `json:"retry_enabled"`
	AcceptedAt   *string `json:"accepted_at,omitempty" format:"date-time"`
	FinalizedAt  *string `json:"finalized_at,omitempty" format:"date-time"`
	RejectedAt   *string `json:"rejected_at,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type ChecklistItem struct {
	ID              string `json:"id"`
	AssignmentID    string `json:"assignment_id"`
	Title           string `json:"title"`
	NormalizedTitle string `json:"normalized_title"`
	Mandatory       bool   `json:"mandatory"`
	DisplayOrder    int    `json:"display_order"`
	Active          bool   `json:"active"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type EvidenceRecord struct {
	ID           string  `json:"id"`
	AssignmentID string  `json:"assignment_id"`
	ItemID       *string `json:"item_id,omitempty"`
	Locator      string  `json:"locator,omitempty"`
	Caption      string  `json:"caption,omitempty"`
	Note         string  `json:"note,omitempty"`
	Filename     string  `json:"filename,omitempty"`
	CapturedAt   string  `json:"captured_at" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OrderID    string `json:"order_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
