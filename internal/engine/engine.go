package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fieldproof/internal/config"
	"fieldproof/internal/domain"
	"fieldproof/internal/events"
	"fieldproof/internal/match"
	"fieldproof/internal/notify"
	"fieldproof/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Scorer match.Scorer
	Notify notify.Dispatcher
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	metric := ""
	if cfg != nil {
		metric = cfg.Reconcile.Metric
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Scorer: match.ByName(metric),
		Notify: notify.Noop{},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) notify(ctx context.Context, userID, message, link string) {
	if e.Notify == nil {
		return
	}
	e.Notify.Notify(ctx, userID, message, link)
}

// ensureOrderTransition is the single source of truth for the work-order
// lifecycle. quoted and approved_pending are entered by the quotation flow
// outside this engine and treated as given inputs.
func ensureOrderTransition(from, to string) error {
	switch from {
	case domain.OrderQuoted:
		if to == domain.OrderApprovedPending {
			return nil
		}
	case domain.OrderApprovedPending:
		if to == domain.OrderAssigned {
			return nil
		}
	case domain.OrderAssigned:
		if to == domain.OrderInProgress {
			return nil
		}
	case domain.OrderInProgress:
		if to == domain.OrderUnderReview {
			return nil
		}
	case domain.OrderUnderReview:
		if to == domain.OrderApproved || to == domain.OrderRejected {
			return nil
		}
	case domain.OrderRejected:
		if to == domain.OrderAssigned {
			return nil
		}
	case domain.OrderApproved:
		if to == domain.OrderAssigned {
			return nil
		}
	}
	return InvalidTransitionError{Entity: "order", From: from, To: to}
}

// OrderCreateOptions are parameters for creating a work order.
type OrderCreateOptions struct {
	ID          string
	Site        string
	Description string
	State       string
	ActorID     string
}

// CreateOrder creates the work order together with its evidence session.
// Orders normally enter as approved_pending, the state the quotation
// approval hands over.
func (e Engine) CreateOrder(ctx context.Context, opts OrderCreateOptions) (domain.WorkOrder, error) {
	if e.Config == nil {
		return domain.WorkOrder{}, errors.New("config not loaded")
	}
	state := opts.State
	if state == "" {
		state = domain.OrderApprovedPending
	}
	if state != domain.OrderQuoted && state != domain.OrderApprovedPending {
		return domain.WorkOrder{}, fmt.Errorf("orders are created as quoted or approved_pending, not %s", state)
	}
	now := e.nowStr()
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.Site+"|"+opts.Description+"|"+now)).String()
	}
	o := domain.WorkOrder{
		ID:          id,
		Site:        opts.Site,
		Description: opts.Description,
		State:       state,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertOrder(ctx, tx, o); err != nil {
		return domain.WorkOrder{}, fmt.Errorf("insert order: %w", err)
	}
	s := domain.EvidenceSession{
		ID:        uuid.New().String(),
		OrderID:   o.ID,
		State:     domain.SessionAssigned,
		CreatedAt: now,
	}
	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return domain.WorkOrder{}, fmt.Errorf("insert session: %w", err)
	}
	if err := e.Repo.EnsureActor(ctx, tx, opts.ActorID, now); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := e.Events.Append(ctx, tx, "order.created", o.ID, "order", o.ID, opts.ActorID, events.EventPayload{"state": o.State}); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkOrder{}, err
	}
	return o, nil
}

// MarkApprovedPending records the quotation approval hop for orders created
// as quoted.
func (e Engine) MarkApprovedPending(ctx context.Context, orderID, actorID string) (domain.WorkOrder, error) {
	o, err := e.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return o, err
	}
	if err := ensureOrderTransition(o.State, domain.OrderApprovedPending); err != nil {
		return o, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()
	now := e.nowStr()
	if err := e.Repo.UpdateOrderState(ctx, tx, o.ID, o.State, domain.OrderApprovedPending, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return o, ConcurrentModificationError{Op: "quotation approval"}
		}
		return o, err
	}
	if err := e.Events.Append(ctx, tx, "order.quote_approved", o.ID, "order", o.ID, actorID, nil); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	o.State = domain.OrderApprovedPending
	o.UpdatedAt = now
	return o, nil
}

// Accept records a technician's acceptance of their assignment. Accepting
// while the order is assigned promotes it to in_progress; accepting while it
// is rejected clears the order-level rejection and promotes it back through
// assigned.
func (e Engine) Accept(ctx context.Context, orderID, technicianID string) (domain.TechnicianAssignment, error) {
	if e.Config == nil {
		return domain.TechnicianAssignment{}, errors.New("config not loaded")
	}
	o, err := e.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.TechnicianAssignment{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TechnicianAssignment{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSessionByOrderTx(ctx, tx, orderID)
	if err != nil {
		return domain.TechnicianAssignment{}, err
	}
	a, err := e.Repo.GetAssignmentByTechnician(ctx, tx, s.ID, technicianID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.TechnicianAssignment{}, fmt.Errorf("technician %s not assigned to order %s: %w", technicianID, orderID, err)
		}
		return domain.TechnicianAssignment{}, err
	}
	switch a.State {
	case domain.AssignmentAssigned:
	case domain.AssignmentRejected:
		if !a.RetryEnabled {
			return a, InvalidTransitionError{Entity: "assignment", From: a.State, To: domain.AssignmentAccepted}
		}
	default:
		return a, InvalidTransitionError{Entity: "assignment", From: a.State, To: domain.AssignmentAccepted}
	}

	now := e.nowStr()
	if err := e.Repo.MarkAssignmentAccepted(ctx, tx, a.ID, a.State, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return a, ConcurrentModificationError{Op: "accept"}
		}
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "assignment.accepted", orderID, "assignment", a.ID, technicianID, events.EventPayload{"technician_id": technicianID}); err != nil {
		return a, err
	}

	// Order promotion. Both updates are conditional so a losing concurrent
	// writer no-ops instead of double-applying side effects.
	if o.State == domain.OrderRejected {
		err := e.Repo.TransitionOrder(ctx, tx, orderID, repo.OrderStateUpdate{
			FromState:      domain.OrderRejected,
			ToState:        domain.OrderAssigned,
			ClearRejection: true,
		}, now)
		if err == nil {
			if err := e.Events.Append(ctx, tx, "order.reassigned", orderID, "order", orderID, technicianID, nil); err != nil {
				return a, err
			}
			o.State = domain.OrderAssigned
		} else if !errors.Is(err, repo.ErrNotFound) {
			return a, err
		}
	}
	if o.State == domain.OrderAssigned {
		err := e.Repo.UpdateOrderState(ctx, tx, orderID, domain.OrderAssigned, domain.OrderInProgress, now)
		if err == nil {
			if err := e.Repo.SetSessionState(ctx, tx, s.ID, domain.SessionInProgress); err != nil {
				return a, err
			}
			if err := e.Events.Append(ctx, tx, "order.in_progress", orderID, "order", orderID, technicianID, nil); err != nil {
				return a, err
			}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return a, err
		}
	}

	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.State = domain.AssignmentAccepted
	a.AcceptedAt = &now
	a.RejectedAt = nil
	a.RetryEnabled = false
	return a, nil
}

// Approve records the supervisor decision on an order under review and emits
// the order.approved event the report generator subscribes to.
func (e Engine) Approve(ctx context.Context, orderID, actorID string) (domain.WorkOrder, error) {
	o, err := e.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return o, err
	}
	if err := ensureOrderTransition(o.State, domain.OrderApproved); err != nil {
		return o, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()
	now := e.nowStr()
	err = e.Repo.TransitionOrder(ctx, tx, orderID, repo.OrderStateUpdate{
		FromState:      domain.OrderUnderReview,
		ToState:        domain.OrderApproved,
		ApprovedBy:     &actorID,
		ApprovedAt:     &now,
		ClearRejection: true,
	}, now)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return o, ConcurrentModificationError{Op: "approve"}
		}
		return o, err
	}
	if err := e.Events.Append(ctx, tx, "order.approved", orderID, "order", orderID, actorID, events.EventPayload{
		"work_order_id": orderID,
		"approved_at":   now,
	}); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	o.State = domain.OrderApproved
	o.ApprovedBy = &actorID
	o.ApprovedAt = &now
	o.RejectedBy = nil
	o.RejectionReason = ""
	o.UpdatedAt = now
	return o, nil
}

// Reject returns an order under review to the technicians with a reason.
// Reviewed assignments move to rejected with retry enabled so each
// technician can re-accept.
func (e Engine) Reject(ctx context.Context, orderID, actorID, reason string) (domain.WorkOrder, error) {
	if reason == "" {
		return domain.WorkOrder{}, errors.New("rejection reason is required")
	}
	o, err := e.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return o, err
	}
	if err := ensureOrderTransition(o.State, domain.OrderRejected); err != nil {
		return o, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()
	now := e.nowStr()
	err = e.Repo.TransitionOrder(ctx, tx, orderID, repo.OrderStateUpdate{
		FromState:       domain.OrderUnderReview,
		ToState:         domain.OrderRejected,
		RejectionReason: &reason,
		RejectedBy:      &actorID,
	}, now)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return o, ConcurrentModificationError{Op: "reject"}
		}
		return o, err
	}
	s, err := e.Repo.GetSessionByOrderTx(ctx, tx, orderID)
	if err != nil {
		return o, err
	}
	if err := e.Repo.RejectSessionAssignments(ctx, tx, s.ID, now); err != nil {
		return o, err
	}
	if err := e.Repo.SetSessionState(ctx, tx, s.ID, domain.SessionInProgress); err != nil {
		return o, err
	}
	if err := e.Events.Append(ctx, tx, "order.rejected", orderID, "order", orderID, actorID, events.EventPayload{"reason": reason}); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	for _, tech := range o.Roster {
		e.notify(ctx, tech, fmt.Sprintf("Order %s was rejected: %s", orderID, reason), "/orders/"+orderID)
	}
	o.State = domain.OrderRejected
	o.RejectionReason = reason
	o.RejectedBy = &actorID
	o.UpdatedAt = now
	return o, nil
}

// Reopen returns an approved order to assigned. Every assignment resets to
// its initial state with timestamps cleared; checklist items and evidence
// history are preserved. The reset cascades inside the same transaction.
func (e Engine) Reopen(ctx context.Context, orderID, actorID, reason string) (domain.WorkOrder, error) {
	if reason == "" {
		return domain.WorkOrder{}, errors.New("reopen reason is required")
	}
	o, err := e.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return o, err
	}
	if err := ensureOrderTransition(o.State, domain.OrderAssigned); err != nil {
		return o, err
	}
	if o.State != domain.OrderApproved {
		return o, InvalidTransitionError{Entity: "order", From: o.State, To: domain.OrderAssigned}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()
	now := e.nowStr()
	err = e.Repo.TransitionOrder(ctx, tx, orderID, repo.OrderStateUpdate{
		FromState:      domain.OrderApproved,
		ToState:        domain.OrderAssigned,
		ReopenReason:   &reason,
		ClearApproval:  true,
		ClearRejection: true,
	}, now)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return o, ConcurrentModificationError{Op: "reopen"}
		}
		return o, err
	}
	s, err := e.Repo.GetSessionByOrderTx(ctx, tx, orderID)
	if err != nil {
		return o, err
	}
	if err := e.Repo.ResetSessionAssignments(ctx, tx, s.ID); err != nil {
		return o, err
	}
	if err := e.Repo.SetSessionState(ctx, tx, s.ID, domain.SessionAssigned); err != nil {
		return o, err
	}
	if err := e.Events.Append(ctx, tx, "order.reopened", orderID, "order", orderID, actorID, events.EventPayload{"reason": reason}); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	for _, tech := range o.Roster {
		e.notify(ctx, tech, fmt.Sprintf("Order %s was reopened: %s", orderID, reason), "/orders/"+orderID)
	}
	o.State = domain.OrderAssigned
	o.ReopenReason = reason
	o.ApprovedBy = nil
	o.ApprovedAt = nil
	o.RejectedBy = nil
	o.RejectionReason = ""
	o.UpdatedAt = now
	return o, nil
}
