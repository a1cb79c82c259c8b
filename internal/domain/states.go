package domain

// Work-order lifecycle states.
const (
	OrderQuoted          = "quoted"
	OrderApprovedPending = "approved_pending"
	OrderAssigned        = "assigned"
	OrderInProgress      = "in_progress"
	OrderUnderReview     = "under_review"
	OrderApproved        = "approved"
	OrderRejected        = "rejected"
)

// Technician-assignment states.
const (
	AssignmentAssigned    = "assigned"
	AssignmentAccepted    = "accepted"
	AssignmentUnderReview = "under_review"
	AssignmentRejected    = "rejected"
)

// Evidence-session derived states.
const (
	SessionAssigned    = "assigned"
	SessionInProgress  = "in_progress"
	SessionUnderReview = "under_review"
)
