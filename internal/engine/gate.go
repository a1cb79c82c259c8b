package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"fieldproof/internal/domain"
	"fieldproof/internal/events"
	"fieldproof/internal/repo"
)

// SessionSnapshot is everything the gate needs to decide, loaded in one
// transaction so the decision sees a consistent view.
type SessionSnapshot struct {
	Order       domain.WorkOrder
	Session     domain.EvidenceSession
	Assignments []domain.TechnicianAssignment
	Items       []domain.ChecklistItem
	Links       map[string]int
}

// GateResult lists what blocks completion. Empty on both counts means the
// gate is open.
type GateResult struct {
	MissingAcceptances  []string `json:"missing_acceptances"`
	MissingRequirements []string `json:"missing_requirements"`
}

func (g GateResult) Open() bool {
	return len(g.MissingAcceptances) == 0 && len(g.MissingRequirements) == 0
}

// LoadSnapshot reads the full session state for an order.
func (e Engine) LoadSnapshot(ctx context.Context, orderID string) (SessionSnapshot, error) {
	var snap SessionSnapshot
	o, err := e.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return snap, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return snap, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetSessionByOrderTx(ctx, tx, orderID)
	if err != nil {
		return snap, err
	}
	assignments, err := e.Repo.ListAssignmentsTx(ctx, tx, s.ID)
	if err != nil {
		return snap, err
	}
	items, err := e.Repo.ListSessionItems(ctx, tx, s.ID)
	if err != nil {
		return snap, err
	}
	links, err := e.Repo.CountLinks(ctx, tx, s.ID)
	if err != nil {
		return snap, err
	}
	if err := tx.Commit(); err != nil {
		return snap, err
	}
	snap = SessionSnapshot{Order: o, Session: s, Assignments: assignments, Items: items, Links: links}
	return snap, nil
}

// EvaluateGate decides whether a session may complete. Two conditions,
// both session wide: every technician has accepted, and every mandatory
// requirement title is covered by linked evidence from at least one
// technician. Coverage is counted per normalized title, so two technicians
// sharing the "site overview photo" requirement need one photo between
// them, not one each. Within a title group the canonical member (lowest id)
// decides whether the group is mandatory, while a link on any member fills
// it.
func EvaluateGate(snap SessionSnapshot) GateResult {
	var res GateResult
	for _, a := range snap.Assignments {
		if a.State != domain.AssignmentAccepted && a.State != domain.AssignmentUnderReview {
			res.MissingAcceptances = append(res.MissingAcceptances, a.TechnicianID)
		}
	}
	sort.Strings(res.MissingAcceptances)

	type coverage struct {
		canonicalID string
		title       string
		mandatory   bool
		filled      bool
	}
	byKey := map[string]*coverage{}
	for _, it := range snap.Items {
		if !it.Active {
			continue
		}
		c, ok := byKey[it.NormalizedTitle]
		if !ok {
			c = &coverage{canonicalID: it.ID, title: it.Title, mandatory: it.Mandatory}
			byKey[it.NormalizedTitle] = c
		} else if it.ID < c.canonicalID {
			c.canonicalID = it.ID
			c.title = it.Title
			c.mandatory = it.Mandatory
		}
		if snap.Links[it.ID] > 0 {
			c.filled = true
		}
	}
	for _, c := range byKey {
		if c.mandatory && !c.filled {
			res.MissingRequirements = append(res.MissingRequirements, c.title)
		}
	}
	sort.Strings(res.MissingRequirements)
	return res
}

// CheckGate evaluates the gate for an order without changing anything.
func (e Engine) CheckGate(ctx context.Context, orderID string) (GateResult, error) {
	snap, err := e.LoadSnapshot(ctx, orderID)
	if err != nil {
		return GateResult{}, err
	}
	return EvaluateGate(snap), nil
}

// Finalize submits the session for supervisor review. The gate decision and
// the state changes share one transaction: every accepted assignment moves
// to under_review with one shared timestamp, the session follows, and the
// order hops from in_progress to under_review. A gate that is closed fails
// with the full list of what is missing, and a lost race against another
// finalizer fails rather than double-applying.
func (e Engine) Finalize(ctx context.Context, orderID, actorID string) (domain.WorkOrder, error) {
	o, err := e.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return o, err
	}
	if err := ensureOrderTransition(o.State, domain.OrderUnderReview); err != nil {
		return o, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSessionByOrderTx(ctx, tx, orderID)
	if err != nil {
		return o, err
	}
	assignments, err := e.Repo.ListAssignmentsTx(ctx, tx, s.ID)
	if err != nil {
		return o, err
	}
	items, err := e.Repo.ListSessionItems(ctx, tx, s.ID)
	if err != nil {
		return o, err
	}
	links, err := e.Repo.CountLinks(ctx, tx, s.ID)
	if err != nil {
		return o, err
	}
	if len(assignments) == 0 {
		return o, fmt.Errorf("order %s has no technician assignments", orderID)
	}
	gate := EvaluateGate(SessionSnapshot{
		Order: o, Session: s,
		Assignments: assignments, Items: items, Links: links,
	})
	if len(gate.MissingAcceptances) > 0 {
		return o, PendingAcceptanceError{Technicians: gate.MissingAcceptances}
	}
	if len(gate.MissingRequirements) > 0 {
		return o, IncompleteEvidenceError{Missing: gate.MissingRequirements}
	}

	now := e.nowStr()
	if err := e.Repo.FinalizeSessionAssignments(ctx, tx, s.ID, now); err != nil {
		return o, err
	}
	if err := e.Repo.SetSessionState(ctx, tx, s.ID, domain.SessionUnderReview); err != nil {
		return o, err
	}
	err = e.Repo.TransitionOrder(ctx, tx, orderID, repo.OrderStateUpdate{
		FromState:   domain.OrderInProgress,
		ToState:     domain.OrderUnderReview,
		FinalizedBy: &actorID,
	}, now)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return o, ConcurrentModificationError{Op: "finalize"}
		}
		return o, err
	}
	if err := e.Events.Append(ctx, tx, "order.under_review", orderID, "order", orderID, actorID, events.EventPayload{
		"technicians": len(assignments),
	}); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	o.State = domain.OrderUnderReview
	o.FinalizedBy = &actorID
	o.UpdatedAt = now
	return o, nil
}
