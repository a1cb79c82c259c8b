package engine_test

import (
	"testing"

	"fieldproof/internal/domain"
	"fieldproof/internal/engine"
)

func seedAssignment(t *testing.T, env testEnv) (domain.WorkOrder, domain.TechnicianAssignment) {
	t.Helper()
	env.Engine.Config.Checklist.Default = nil
	o := mustCreateOrder(t, env)
	mustSync(t, env, o.ID, "tech-1")
	return o, assignmentFor(t, env, o.ID, "tech-1")
}

func TestAddChecklistItemIdempotentOnNormalizedTitle(t *testing.T) {
	env := newTestEnv(t)
	_, a := seedAssignment(t, env)

	first, err := env.Engine.AddChecklistItem(env.Ctx, engine.ItemCreateOptions{
		AssignmentID: a.ID, Title: "Tablero eléctrico", Mandatory: true, ActorID: "super-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	// same title modulo case and accents comes back as the existing item
	again, err := env.Engine.AddChecklistItem(env.Ctx, engine.ItemCreateOptions{
		AssignmentID: a.ID, Title: "TABLERO ELECTRICO", Mandatory: false, ActorID: "super-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != first.ID {
		t.Fatalf("duplicate insert created %s, want %s", again.ID, first.ID)
	}
	items, _ := env.Engine.Repo.ListItems(env.Ctx, a.ID, true)
	if len(items) != 1 {
		t.Fatalf("active items = %d", len(items))
	}
}

func TestDedupMergesToLowestIDAndRepointsEvidence(t *testing.T) {
	env := newTestEnv(t)
	_, a := seedAssignment(t, env)

	// legacy rows whose stored keys predate normalization, inserted below
	// the engine so insert-time dedup cannot catch them
	insertLegacyItem(t, env, a.ID, "item-b", "Panel Cercano", "Panel Cercano", true, 1)
	insertLegacyItem(t, env, a.ID, "item-a", "panel cercano ", "panel cercano ", false, 2)

	insertOrphan(t, env, a.ID, "ev-1", "x.jpg", "", "2024-03-01T01:00:00Z")
	linkEvidence(t, env, "ev-1", "item-b")

	groups, err := env.Engine.DedupChecklist(env.Ctx, a.ID, "super-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 {
		t.Fatalf("groups = %+v", groups)
	}
	g := groups[0]
	if g.CanonicalID != "item-a" || len(g.MergedIDs) != 1 || g.MergedIDs[0] != "item-b" {
		t.Fatalf("merge group = %+v", g)
	}

	// evidence follows the canonical item, the loser is retired, and the
	// mandatory flag survives the merge
	if got := evidenceItem(t, env, "ev-1"); got == nil || *got != "item-a" {
		t.Fatalf("evidence points at %v", got)
	}
	items, _ := env.Engine.Repo.ListItems(env.Ctx, a.ID, true)
	if len(items) != 1 || items[0].ID != "item-a" {
		t.Fatalf("active items = %+v", items)
	}
	if !items[0].Mandatory {
		t.Fatal("mandatory flag lost in merge")
	}

	// confluence: a second pass finds nothing to do
	groups, err = env.Engine.DedupChecklist(env.Ctx, a.ID, "super-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 0 {
		t.Fatalf("second pass merged again: %+v", groups)
	}
}

func TestRenameCollisionMerges(t *testing.T) {
	env := newTestEnv(t)
	_, a := seedAssignment(t, env)

	keep, err := env.Engine.AddChecklistItem(env.Ctx, engine.ItemCreateOptions{
		ID: "item-a", AssignmentID: a.ID, Title: "Site overview", Mandatory: true, ActorID: "super-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	other, err := env.Engine.AddChecklistItem(env.Ctx, engine.ItemCreateOptions{
		ID: "item-b", AssignmentID: a.ID, Title: "General shot", ActorID: "super-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	insertOrphan(t, env, a.ID, "ev-1", "x.jpg", "", "2024-03-01T01:00:00Z")
	linkEvidence(t, env, "ev-1", other.ID)

	got, err := env.Engine.RenameChecklistItem(env.Ctx, other.ID, "SITE OVERVIEW", "super-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != keep.ID {
		t.Fatalf("survivor = %s, want %s", got.ID, keep.ID)
	}
	if link := evidenceItem(t, env, "ev-1"); link == nil || *link != keep.ID {
		t.Fatalf("evidence points at %v", link)
	}
	items, _ := env.Engine.Repo.ListItems(env.Ctx, a.ID, true)
	if len(items) != 1 {
		t.Fatalf("active items = %+v", items)
	}
}

func TestRenameCollisionLogsRenameAndMerge(t *testing.T) {
	env := newTestEnv(t)
	o, a := seedAssignment(t, env)
	if _, err := env.Engine.AddChecklistItem(env.Ctx, engine.ItemCreateOptions{
		ID: "item-a", AssignmentID: a.ID, Title: "Site overview", Mandatory: true, ActorID: "super-1",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddChecklistItem(env.Ctx, engine.ItemCreateOptions{
		ID: "item-b", AssignmentID: a.ID, Title: "General shot", ActorID: "super-1",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RenameChecklistItem(env.Ctx, "item-b", "Site Overview", "super-1"); err != nil {
		t.Fatal(err)
	}

	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE order_id=? AND entity_kind='checklist_item'`, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	types := map[string]bool{}
	for rows.Next() {
		var typ string
		rows.Scan(&typ)
		types[typ] = true
	}
	// the log keeps both the title change and the merge it caused
	for _, want := range []string{"checklist.renamed", "checklist.merged"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}

func TestRetiredItemStopsCounting(t *testing.T) {
	env := newTestEnv(t)
	o, a := seedAssignment(t, env)
	if _, err := env.Engine.Accept(env.Ctx, o.ID, "tech-1"); err != nil {
		t.Fatal(err)
	}
	item, err := env.Engine.AddChecklistItem(env.Ctx, engine.ItemCreateOptions{
		AssignmentID: a.ID, Title: "Optional extra", Mandatory: true, ActorID: "super-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Finalize(env.Ctx, o.ID, "tech-1"); err == nil {
		t.Fatal("expected gate to block on the mandatory item")
	}
	if err := env.Engine.RetireChecklistItem(env.Ctx, item.ID, "super-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Finalize(env.Ctx, o.ID, "tech-1"); err != nil {
		t.Fatalf("gate still blocked after retirement: %v", err)
	}
	// historical row survives for audit
	all, _ := env.Engine.Repo.ListItems(env.Ctx, a.ID, false)
	if len(all) != 1 || all[0].Active {
		t.Fatalf("retired item missing or active: %+v", all)
	}
}

func insertLegacyItem(t *testing.T, env testEnv, assignmentID, id, title, storedKey string, mandatory bool, order int) {
	t.Helper()
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	err = env.Engine.Repo.InsertItem(env.Ctx, tx, domain.ChecklistItem{
		ID:              id,
		AssignmentID:    assignmentID,
		Title:           title,
		NormalizedTitle: storedKey,
		Mandatory:       mandatory,
		DisplayOrder:    order,
		Active:          true,
		CreatedAt:       "2024-03-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert item: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func linkEvidence(t *testing.T, env testEnv, evidenceID, itemID string) {
	t.Helper()
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := env.Engine.Repo.LinkEvidence(env.Ctx, tx, evidenceID, itemID); err != nil {
		t.Fatalf("link evidence: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}
