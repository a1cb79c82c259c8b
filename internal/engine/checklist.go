package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"fieldproof/internal/domain"
	"fieldproof/internal/events"
	"fieldproof/internal/normalize"
)

// ItemCreateOptions are parameters for adding a checklist item.
type ItemCreateOptions struct {
	ID           string
	AssignmentID string
	Title        string
	Mandatory    bool
	ActorID      string
}

// AddChecklistItem adds a photo requirement to an assignment's checklist.
// Adding a title whose normalized form already exists as an active item is
// idempotent and returns the existing item unchanged.
func (e Engine) AddChecklistItem(ctx context.Context, opts ItemCreateOptions) (domain.ChecklistItem, error) {
	if opts.Title == "" {
		return domain.ChecklistItem{}, errors.New("checklist item title is required")
	}
	key := normalize.Key(opts.Title)
	if key == "" {
		return domain.ChecklistItem{}, fmt.Errorf("title %q normalizes to an empty key", opts.Title)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAssignment(ctx, opts.AssignmentID)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	existing, err := e.Repo.ListItemsTx(ctx, tx, opts.AssignmentID, true)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	for _, it := range existing {
		if it.NormalizedTitle == key {
			return it, nil
		}
	}
	order, err := e.Repo.NextDisplayOrder(ctx, tx, opts.AssignmentID)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowStr()
	item := domain.ChecklistItem{
		ID:              id,
		AssignmentID:    opts.AssignmentID,
		Title:           opts.Title,
		NormalizedTitle: key,
		Mandatory:       opts.Mandatory,
		DisplayOrder:    order,
		Active:          true,
		CreatedAt:       now,
	}
	if err := e.Repo.InsertItem(ctx, tx, item); err != nil {
		return domain.ChecklistItem{}, fmt.Errorf("insert checklist item: %w", err)
	}
	sessionOrder, err := e.orderIDForSession(ctx, tx, a.SessionID)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	if err := e.Events.Append(ctx, tx, "checklist.added", sessionOrder, "checklist_item", item.ID, opts.ActorID, events.EventPayload{
		"title":     opts.Title,
		"mandatory": opts.Mandatory,
	}); err != nil {
		return domain.ChecklistItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ChecklistItem{}, err
	}
	return item, nil
}

// RenameChecklistItem changes an item's title. If the new title collides
// with another active item on the same checklist the rename becomes a merge:
// the renamed item's evidence repoints to the canonical survivor and the
// renamed item is retired.
func (e Engine) RenameChecklistItem(ctx context.Context, itemID, title, actorID string) (domain.ChecklistItem, error) {
	if title == "" {
		return domain.ChecklistItem{}, errors.New("checklist item title is required")
	}
	key := normalize.Key(title)
	if key == "" {
		return domain.ChecklistItem{}, fmt.Errorf("title %q normalizes to an empty key", title)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	if !item.Active {
		return domain.ChecklistItem{}, fmt.Errorf("checklist item %s is retired", itemID)
	}
	a, err := e.Repo.GetAssignment(ctx, item.AssignmentID)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	sessionOrder, err := e.orderIDForSession(ctx, tx, a.SessionID)
	if err != nil {
		return domain.ChecklistItem{}, err
	}

	if key != item.NormalizedTitle {
		peers, err := e.Repo.ListItemsTx(ctx, tx, item.AssignmentID, true)
		if err != nil {
			return domain.ChecklistItem{}, err
		}
		for _, peer := range peers {
			if peer.ID == item.ID || peer.NormalizedTitle != key {
				continue
			}
			canonical, loser := peer, item
			if item.ID < peer.ID {
				canonical, loser = item, peer
			}
			if err := e.Events.Append(ctx, tx, "checklist.renamed", sessionOrder, "checklist_item", item.ID, actorID, events.EventPayload{
				"from": item.Title,
				"to":   title,
			}); err != nil {
				return domain.ChecklistItem{}, err
			}
			if err := e.mergeItems(ctx, tx, sessionOrder, canonical, loser, actorID); err != nil {
				return domain.ChecklistItem{}, err
			}
			if canonical.ID == item.ID {
				if err := e.Repo.UpdateItemTitle(ctx, tx, item.ID, title, key); err != nil {
					return domain.ChecklistItem{}, err
				}
				canonical.Title = title
				canonical.NormalizedTitle = key
			}
			if err := tx.Commit(); err != nil {
				return domain.ChecklistItem{}, err
			}
			return canonical, nil
		}
	}

	if err := e.Repo.UpdateItemTitle(ctx, tx, item.ID, title, key); err != nil {
		return domain.ChecklistItem{}, err
	}
	if err := e.Events.Append(ctx, tx, "checklist.renamed", sessionOrder, "checklist_item", item.ID, actorID, events.EventPayload{
		"from": item.Title,
		"to":   title,
	}); err != nil {
		return domain.ChecklistItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ChecklistItem{}, err
	}
	item.Title = title
	item.NormalizedTitle = key
	return item, nil
}

// RetireChecklistItem soft-retires an item. Linked evidence keeps pointing
// at it for history; a retired item no longer counts toward mandatory
// coverage nor attracts new matches.
func (e Engine) RetireChecklistItem(ctx context.Context, itemID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	item, err := e.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		return err
	}
	if !item.Active {
		return nil
	}
	if err := e.Repo.DeactivateItem(ctx, tx, itemID); err != nil {
		return err
	}
	a, err := e.Repo.GetAssignment(ctx, item.AssignmentID)
	if err != nil {
		return err
	}
	sessionOrder, err := e.orderIDForSession(ctx, tx, a.SessionID)
	if err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "checklist.retired", sessionOrder, "checklist_item", itemID, actorID, events.EventPayload{"title": item.Title}); err != nil {
		return err
	}
	return tx.Commit()
}

// MergeGroup reports one dedup merge: the canonical item kept and the
// duplicates folded into it.
type MergeGroup struct {
	CanonicalID string   `json:"canonical_id"`
	Title       string   `json:"title"`
	MergedIDs   []string `json:"merged_ids"`
}

// DedupChecklist is the repair pass for checklists whose stored normalized
// titles predate the current normalization rules. Keys are recomputed from
// the titles; active items sharing a recomputed key collapse into the one
// with the lowest identifier, evidence links repoint to the survivor and
// the duplicates are retired. Running it twice is a no-op the second time.
func (e Engine) DedupChecklist(ctx context.Context, assignmentID, actorID string) ([]MergeGroup, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	sessionOrder, err := e.orderIDForSession(ctx, tx, a.SessionID)
	if err != nil {
		return nil, err
	}
	items, err := e.Repo.ListItemsTx(ctx, tx, assignmentID, true)
	if err != nil {
		return nil, err
	}
	byKey := map[string][]domain.ChecklistItem{}
	for _, it := range items {
		k := normalize.Key(it.Title)
		byKey[k] = append(byKey[k], it)
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var groups []MergeGroup
	for _, k := range keys {
		dupes := byKey[k]
		if len(dupes) == 1 {
			// No merge needed, but refresh a stale stored key.
			it := dupes[0]
			if it.NormalizedTitle != k {
				if err := e.Repo.UpdateItemTitle(ctx, tx, it.ID, it.Title, k); err != nil {
					return nil, err
				}
			}
			continue
		}
		sort.Slice(dupes, func(i, j int) bool { return dupes[i].ID < dupes[j].ID })
		canonical := dupes[0]
		g := MergeGroup{CanonicalID: canonical.ID, Title: canonical.Title}
		for _, loser := range dupes[1:] {
			if err := e.mergeItems(ctx, tx, sessionOrder, canonical, loser, actorID); err != nil {
				return nil, err
			}
			g.MergedIDs = append(g.MergedIDs, loser.ID)
		}
		if canonical.NormalizedTitle != k {
			if err := e.Repo.UpdateItemTitle(ctx, tx, canonical.ID, canonical.Title, k); err != nil {
				return nil, err
			}
		}
		groups = append(groups, g)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return groups, nil
}

// mergeItems folds loser into canonical: evidence repoints, mandatory
// sticks if either side had it, loser is retired.
func (e Engine) mergeItems(ctx context.Context, tx *sql.Tx, orderID string, canonical, loser domain.ChecklistItem, actorID string) error {
	if err := e.Repo.RepointEvidence(ctx, tx, loser.ID, canonical.ID); err != nil {
		return err
	}
	if loser.Mandatory && !canonical.Mandatory {
		if err := e.Repo.SetItemMandatory(ctx, tx, canonical.ID, true); err != nil {
			return err
		}
	}
	if err := e.Repo.DeactivateItem(ctx, tx, loser.ID); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "checklist.merged", orderID, "checklist_item", canonical.ID, actorID, events.EventPayload{
		"merged_id": loser.ID,
		"title":     canonical.Title,
	})
}

func (e Engine) orderIDForSession(ctx context.Context, tx *sql.Tx, sessionID string) (string, error) {
	var orderID string
	err := tx.QueryRowContext(ctx, `SELECT order_id FROM evidence_sessions WHERE id = ?`, sessionID).Scan(&orderID)
	if err != nil {
		return "", fmt.Errorf("resolve session %s: %w", sessionID, err)
	}
	return orderID, nil
}
