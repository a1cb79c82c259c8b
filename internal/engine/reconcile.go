package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"

	"fieldproof/internal/domain"
	"fieldproof/internal/events"
	"fieldproof/internal/normalize"
	"fieldproof/internal/repo"
	"fieldproof/internal/storage"
)

// Match tiers, in the order the reconciler tries them.
const (
	TierExact      = "exact"
	TierFuzzy      = "fuzzy"
	TierPositional = "positional"
)

// UploadOptions are parameters for registering a captured photo.
type UploadOptions struct {
	AssignmentID string
	Filename     string
	Caption      string
	Note         string
	CapturedAt   string
	ActorID      string
	// ItemID links the evidence directly, skipping reconciliation.
	ItemID string
}

// UploadEvidence stores the photo bytes and registers the evidence record.
// Unless an explicit item link is given the record starts as an orphan and
// an opportunistic reconciliation pass runs to claim it.
func (e Engine) UploadEvidence(ctx context.Context, store storage.Store, r io.Reader, opts UploadOptions) (domain.EvidenceRecord, error) {
	a, err := e.Repo.GetAssignment(ctx, opts.AssignmentID)
	if err != nil {
		return domain.EvidenceRecord{}, err
	}
	if a.State != domain.AssignmentAssigned && a.State != domain.AssignmentAccepted {
		return domain.EvidenceRecord{}, InvalidTransitionError{Entity: "assignment", From: a.State, To: "evidence upload"}
	}
	now := e.nowStr()
	capturedAt := opts.CapturedAt
	if capturedAt == "" {
		capturedAt = now
	}
	id := uuid.New().String()
	locator := ""
	if store != nil && r != nil {
		locator, err = store.Put(ctx, opts.AssignmentID+"/"+id+"_"+opts.Filename, r)
		if err != nil {
			return domain.EvidenceRecord{}, fmt.Errorf("store evidence: %w", err)
		}
	}
	ev := domain.EvidenceRecord{
		ID:           id,
		AssignmentID: opts.AssignmentID,
		Locator:      locator,
		Caption:      opts.Caption,
		Note:         opts.Note,
		Filename:     opts.Filename,
		CapturedAt:   capturedAt,
		CreatedAt:    now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ev, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEvidence(ctx, tx, ev); err != nil {
		return ev, fmt.Errorf("insert evidence: %w", err)
	}
	orderID, err := e.orderIDForSession(ctx, tx, a.SessionID)
	if err != nil {
		return ev, err
	}
	if opts.ItemID != "" {
		item, err := e.Repo.GetItemTx(ctx, tx, opts.ItemID)
		if err != nil {
			return ev, err
		}
		if item.AssignmentID != opts.AssignmentID {
			return ev, fmt.Errorf("item %s belongs to a different assignment", opts.ItemID)
		}
		if !item.Active {
			return ev, fmt.Errorf("item %s is retired", opts.ItemID)
		}
		if err := e.Repo.LinkEvidence(ctx, tx, ev.ID, opts.ItemID); err != nil {
			return ev, err
		}
		ev.ItemID = &opts.ItemID
	}
	if err := e.Events.Append(ctx, tx, "evidence.uploaded", orderID, "evidence", ev.ID, opts.ActorID, events.EventPayload{
		"filename": opts.Filename,
		"caption":  opts.Caption,
	}); err != nil {
		return ev, err
	}
	if err := tx.Commit(); err != nil {
		return ev, err
	}

	if ev.ItemID == nil {
		// Opportunistic claim. A failed pass never fails the upload.
		if _, err := e.Reconcile(ctx, opts.AssignmentID, opts.ActorID, false); err != nil {
			return ev, nil
		}
		linked, err := e.Repo.GetEvidence(ctx, ev.ID)
		if err == nil {
			ev = linked
		}
	}
	return ev, nil
}

// ReconcileMatch is one proposed or applied evidence-to-item pairing.
type ReconcileMatch struct {
	EvidenceID string  `json:"evidence_id"`
	Filename   string  `json:"filename"`
	ItemID     string  `json:"item_id"`
	ItemTitle  string  `json:"item_title"`
	Tier       string  `json:"tier"`
	Score      float64 `json:"score,omitempty"`
}

// UnresolvedEvidence is an orphan the pass could not claim, with the reason.
type UnresolvedEvidence struct {
	EvidenceID string   `json:"evidence_id"`
	Filename   string   `json:"filename"`
	Reason     string   `json:"reason"`
	Candidates []string `json:"candidates,omitempty"`
}

// ReconcileReport is the outcome of one reconciliation pass.
type ReconcileReport struct {
	AssignmentID string               `json:"assignment_id"`
	DryRun       bool                 `json:"dry_run"`
	Matches      []ReconcileMatch     `json:"matches"`
	Unresolved   []UnresolvedEvidence `json:"unresolved"`
}

// Reconcile pairs orphaned evidence with unfilled active checklist items in
// three tiers: exact normalized-name equality, fuzzy similarity at or above
// the cutoff, then a positional fallback when nothing matched by name and
// the orphans pair 1:1 with the whole requirement list. Each pass only adds
// links, so rerunning it on the same data is a no-op.
func (e Engine) Reconcile(ctx context.Context, assignmentID, actorID string, dryRun bool) (ReconcileReport, error) {
	report := ReconcileReport{AssignmentID: assignmentID, DryRun: dryRun}
	if e.Config == nil {
		return report, errors.New("config not loaded")
	}
	cutoff := e.Config.Cutoff()

	a, err := e.Repo.GetAssignment(ctx, assignmentID)
	if err != nil {
		return report, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return report, err
	}
	defer tx.Rollback()

	orderID, err := e.orderIDForSession(ctx, tx, a.SessionID)
	if err != nil {
		return report, err
	}
	orphans, err := e.Repo.ListOrphans(ctx, tx, assignmentID)
	if err != nil {
		return report, err
	}
	items, err := e.Repo.ListItemsTx(ctx, tx, assignmentID, true)
	if err != nil {
		return report, err
	}
	filled, err := e.filledItems(ctx, tx, assignmentID)
	if err != nil {
		return report, err
	}

	open := make([]domain.ChecklistItem, 0, len(items))
	for _, it := range items {
		if !filled[it.ID] {
			open = append(open, it)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].DisplayOrder < open[j].DisplayOrder })

	taken := map[string]bool{}
	var pending []domain.EvidenceRecord

	// Tier 1: exact normalized match between any candidate string on the
	// evidence (caption, note, filename stem) and an item title.
	for _, ev := range orphans {
		keys := candidateKeys(ev)
		matched := false
	exact:
		for _, key := range keys {
			for _, it := range open {
				if taken[it.ID] || it.NormalizedTitle != key {
					continue
				}
				report.Matches = append(report.Matches, ReconcileMatch{
					EvidenceID: ev.ID, Filename: ev.Filename,
					ItemID: it.ID, ItemTitle: it.Title,
					Tier: TierExact, Score: 1,
				})
				taken[it.ID] = true
				matched = true
				break exact
			}
		}
		if !matched {
			pending = append(pending, ev)
		}
	}

	// Tier 2: best fuzzy similarity across all candidate strings at or
	// above the cutoff. open is sorted by display order and ties keep the
	// first item seen, so equal scores resolve to the lowest display order.
	var still []domain.EvidenceRecord
	for _, ev := range pending {
		keys := candidateKeys(ev)
		var best float64
		var bestItem domain.ChecklistItem
		for _, it := range open {
			if taken[it.ID] {
				continue
			}
			for _, key := range keys {
				if score := e.Scorer.Similarity(key, it.NormalizedTitle); score > best {
					best = score
					bestItem = it
				}
			}
		}
		if best >= cutoff {
			report.Matches = append(report.Matches, ReconcileMatch{
				EvidenceID: ev.ID, Filename: ev.Filename,
				ItemID: bestItem.ID, ItemTitle: bestItem.Title,
				Tier: TierFuzzy, Score: best,
			})
			taken[bestItem.ID] = true
			continue
		}
		still = append(still, ev)
	}

	// Tier 3: positional fallback, only when nothing resolved at all and
	// the orphans pair 1:1 with the full requirement list. Capture order
	// against display order.
	if len(taken) == 0 && len(still) > 0 && len(still) == len(open) && len(open) == len(items) {
		sort.Slice(still, func(i, j int) bool {
			if still[i].CapturedAt != still[j].CapturedAt {
				return still[i].CapturedAt < still[j].CapturedAt
			}
			return still[i].CreatedAt < still[j].CreatedAt
		})
		for i, ev := range still {
			it := open[i]
			report.Matches = append(report.Matches, ReconcileMatch{
				EvidenceID: ev.ID, Filename: ev.Filename,
				ItemID: it.ID, ItemTitle: it.Title,
				Tier: TierPositional,
			})
			taken[it.ID] = true
		}
		still = nil
	}

	// Whatever is left is reported for a human, never guessed.
	var openTitles []string
	for _, it := range open {
		if !taken[it.ID] {
			openTitles = append(openTitles, it.Title)
		}
	}
	for _, ev := range still {
		report.Unresolved = append(report.Unresolved, UnresolvedEvidence{
			EvidenceID: ev.ID, Filename: ev.Filename,
			Reason: "ambiguous", Candidates: openTitles,
		})
	}

	if dryRun {
		return report, nil
	}
	for _, m := range report.Matches {
		if err := e.Repo.LinkEvidence(ctx, tx, m.EvidenceID, m.ItemID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				// Claimed by a concurrent pass; skip it.
				continue
			}
			return report, err
		}
		if err := e.Events.Append(ctx, tx, "evidence.linked", orderID, "evidence", m.EvidenceID, actorID, events.EventPayload{
			"item_id": m.ItemID,
			"tier":    m.Tier,
			"score":   m.Score,
		}); err != nil {
			return report, err
		}
	}
	if err := tx.Commit(); err != nil {
		return report, err
	}
	return report, nil
}

// candidateKeys normalizes every string on the evidence that could name its
// requirement, in preference order.
func candidateKeys(ev domain.EvidenceRecord) []string {
	var keys []string
	add := func(k string) {
		if k == "" {
			return
		}
		for _, seen := range keys {
			if seen == k {
				return
			}
		}
		keys = append(keys, k)
	}
	add(normalize.Key(ev.Caption))
	add(normalize.Key(ev.Note))
	add(normalize.FilenameStem(ev.Filename))
	return keys
}

// filledItems reports which active items on the assignment already have at
// least one linked evidence record.
func (e Engine) filledItems(ctx context.Context, tx *sql.Tx, assignmentID string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT item_id FROM evidence_records
		WHERE assignment_id = ? AND item_id IS NOT NULL`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	filled := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		filled[id] = true
	}
	return filled, rows.Err()
}
