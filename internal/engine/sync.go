package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"fieldproof/internal/domain"
	"fieldproof/internal/events"
	"fieldproof/internal/normalize"
	"fieldproof/internal/repo"
)

// SyncOptions control a roster synchronization pass.
type SyncOptions struct {
	OrderID string
	Roster  []string
	// ResetExisting returns surviving technicians to the assigned state,
	// discarding any acceptance they had recorded. When false their progress
	// is preserved.
	ResetExisting bool
	ActorID       string
}

// SyncResult reports what a synchronization pass changed.
type SyncResult struct {
	Added   []string
	Removed []string
	Kept    []string
	Order   domain.WorkOrder
}

// SyncAssignments reconciles the technician roster of an order's evidence
// session with the desired roster. New technicians get a fresh assignment
// seeded with the workspace's default checklist; removed technicians lose
// their assignment together with its checklist and evidence, which carry no
// meaning once unassigned. An empty roster unassigns everyone. The first
// sync with a non-empty roster on an approved_pending order promotes it to
// assigned.
func (e Engine) SyncAssignments(ctx context.Context, opts SyncOptions) (SyncResult, error) {
	var res SyncResult
	if e.Config == nil {
		return res, errors.New("config not loaded")
	}
	seen := map[string]bool{}
	for _, t := range opts.Roster {
		if t == "" {
			return res, errors.New("roster contains an empty technician id")
		}
		if seen[t] {
			return res, fmt.Errorf("technician %s appears twice in roster", t)
		}
		seen[t] = true
	}

	o, err := e.Repo.GetOrder(ctx, opts.OrderID)
	if err != nil {
		return res, err
	}
	switch o.State {
	case domain.OrderApprovedPending, domain.OrderAssigned, domain.OrderInProgress, domain.OrderRejected:
	default:
		return res, InvalidTransitionError{Entity: "order", From: o.State, To: domain.OrderAssigned}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSessionByOrderTx(ctx, tx, opts.OrderID)
	if err != nil {
		return res, err
	}
	existing, err := e.Repo.ListAssignmentsTx(ctx, tx, s.ID)
	if err != nil {
		return res, err
	}
	now := e.nowStr()
	current := map[string]domain.TechnicianAssignment{}
	for _, a := range existing {
		current[a.TechnicianID] = a
	}

	for _, tech := range opts.Roster {
		a, ok := current[tech]
		if !ok {
			a = domain.TechnicianAssignment{
				ID:           uuid.New().String(),
				SessionID:    s.ID,
				TechnicianID: tech,
				State:        domain.AssignmentAssigned,
				CreatedAt:    now,
			}
			if err := e.Repo.EnsureActor(ctx, tx, tech, now); err != nil {
				return res, err
			}
			if err := e.Repo.InsertAssignment(ctx, tx, a); err != nil {
				return res, fmt.Errorf("insert assignment for %s: %w", tech, err)
			}
			if err := e.seedChecklist(ctx, tx, a.ID, now); err != nil {
				return res, err
			}
			if err := e.Events.Append(ctx, tx, "assignment.created", opts.OrderID, "assignment", a.ID, opts.ActorID, events.EventPayload{"technician_id": tech}); err != nil {
				return res, err
			}
			res.Added = append(res.Added, tech)
			continue
		}
		if opts.ResetExisting && a.State != domain.AssignmentAssigned {
			if err := e.Repo.ResetAssignment(ctx, tx, a.ID); err != nil {
				return res, err
			}
			if err := e.Events.Append(ctx, tx, "assignment.reset", opts.OrderID, "assignment", a.ID, opts.ActorID, events.EventPayload{"technician_id": tech}); err != nil {
				return res, err
			}
		}
		res.Kept = append(res.Kept, tech)
	}

	for _, a := range existing {
		if seen[a.TechnicianID] {
			continue
		}
		if err := e.Repo.DeleteAssignment(ctx, tx, a.ID); err != nil {
			return res, err
		}
		if err := e.Events.Append(ctx, tx, "assignment.removed", opts.OrderID, "assignment", a.ID, opts.ActorID, events.EventPayload{"technician_id": a.TechnicianID}); err != nil {
			return res, err
		}
		res.Removed = append(res.Removed, a.TechnicianID)
	}

	// Promote the first time the roster becomes non-empty. Conditional so a
	// concurrent sync racing on the same order fires the hop exactly once.
	if o.State == domain.OrderApprovedPending && len(opts.Roster) > 0 {
		err := e.Repo.TransitionOrder(ctx, tx, opts.OrderID, repo.OrderStateUpdate{
			FromState:  domain.OrderApprovedPending,
			ToState:    domain.OrderAssigned,
			AssignedBy: &opts.ActorID,
		}, now)
		if err == nil {
			if err := e.Events.Append(ctx, tx, "order.assigned", opts.OrderID, "order", opts.OrderID, opts.ActorID, events.EventPayload{"roster": opts.Roster}); err != nil {
				return res, err
			}
			o.State = domain.OrderAssigned
			o.AssignedBy = &opts.ActorID
		} else if !errors.Is(err, repo.ErrNotFound) {
			return res, err
		}
	}

	if err := tx.Commit(); err != nil {
		return res, err
	}
	for _, tech := range res.Added {
		e.notify(ctx, tech, fmt.Sprintf("You were assigned to order %s (%s)", o.ID, o.Site), "/orders/"+o.ID)
	}
	o.Roster = append([]string(nil), opts.Roster...)
	res.Order = o
	return res, nil
}

func (e Engine) seedChecklist(ctx context.Context, tx *sql.Tx, assignmentID, now string) error {
	order := 1
	for _, tpl := range e.Config.Checklist.Default {
		item := domain.ChecklistItem{
			ID:              uuid.New().String(),
			AssignmentID:    assignmentID,
			Title:           tpl.Title,
			NormalizedTitle: normalize.Key(tpl.Title),
			Mandatory:       tpl.Mandatory,
			DisplayOrder:    order,
			Active:          true,
			CreatedAt:       now,
		}
		if err := e.Repo.InsertItem(ctx, tx, item); err != nil {
			return fmt.Errorf("seed checklist item %q: %w", tpl.Title, err)
		}
		order++
	}
	return nil
}
