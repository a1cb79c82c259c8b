package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"fieldproof/internal/config"
	"fieldproof/internal/db"
	"fieldproof/internal/domain"
	"fieldproof/internal/engine"
	"fieldproof/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("ws-1")
	cfg.Checklist.Default = []config.ChecklistTemplate{
		{Title: "Site overview photo", Mandatory: true},
		{Title: "Closeup panel", Mandatory: true},
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func mustCreateOrder(t *testing.T, env testEnv) domain.WorkOrder {
	t.Helper()
	o, err := env.Engine.CreateOrder(env.Ctx, engine.OrderCreateOptions{
		Site:        "Plant 7",
		Description: "Replace breaker panel",
		ActorID:     "pm-1",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func mustSync(t *testing.T, env testEnv, orderID string, roster ...string) engine.SyncResult {
	t.Helper()
	res, err := env.Engine.SyncAssignments(env.Ctx, engine.SyncOptions{
		OrderID: orderID,
		Roster:  roster,
		ActorID: "super-1",
	})
	if err != nil {
		t.Fatalf("sync roster: %v", err)
	}
	return res
}

func assignmentFor(t *testing.T, env testEnv, orderID, technician string) domain.TechnicianAssignment {
	t.Helper()
	s, err := env.Engine.Repo.GetSessionByOrder(env.Ctx, orderID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	as, err := env.Engine.Repo.ListAssignments(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("list assignments: %v", err)
	}
	for _, a := range as {
		if a.TechnicianID == technician {
			return a
		}
	}
	t.Fatalf("no assignment for %s", technician)
	return domain.TechnicianAssignment{}
}

func insertOrphan(t *testing.T, env testEnv, assignmentID, id, filename, caption, capturedAt string) {
	t.Helper()
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	err = env.Engine.Repo.InsertEvidence(env.Ctx, tx, domain.EvidenceRecord{
		ID:           id,
		AssignmentID: assignmentID,
		Filename:     filename,
		Caption:      caption,
		CapturedAt:   capturedAt,
		CreatedAt:    capturedAt,
	})
	if err != nil {
		t.Fatalf("insert evidence: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func evidenceItem(t *testing.T, env testEnv, evidenceID string) *string {
	t.Helper()
	var itemID sql.NullString
	err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT item_id FROM evidence_records WHERE id=?`, evidenceID).Scan(&itemID)
	if err != nil {
		t.Fatalf("query evidence: %v", err)
	}
	if !itemID.Valid {
		return nil
	}
	return &itemID.String
}

func TestOrderLifecycleHappyPath(t *testing.T) {
	env := newTestEnv(t)
	o := mustCreateOrder(t, env)
	if o.State != domain.OrderApprovedPending {
		t.Fatalf("new order state = %s", o.State)
	}
	mustSync(t, env, o.ID, "tech-1")
	o, err := env.Engine.Repo.GetOrder(env.Ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if o.State != domain.OrderAssigned {
		t.Fatalf("after sync state = %s", o.State)
	}
	if _, err := env.Engine.Accept(env.Ctx, o.ID, "tech-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	o, _ = env.Engine.Repo.GetOrder(env.Ctx, o.ID)
	if o.State != domain.OrderInProgress {
		t.Fatalf("after accept state = %s", o.State)
	}

	a := assignmentFor(t, env, o.ID, "tech-1")
	items, err := env.Engine.Repo.ListItems(env.Ctx, a.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("seeded items = %d", len(items))
	}
	for i, it := range items {
		insertOrphan(t, env, a.ID, it.ID+"-ev", it.Title+".jpg", "", "2024-03-01T0"+string(rune('1'+i))+":00:00Z")
	}
	if _, err := env.Engine.Reconcile(env.Ctx, a.ID, "tech-1", false); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	o, err = env.Engine.Finalize(env.Ctx, o.ID, "tech-1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if o.State != domain.OrderUnderReview {
		t.Fatalf("after finalize state = %s", o.State)
	}
	o, err = env.Engine.Approve(env.Ctx, o.ID, "super-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if o.State != domain.OrderApproved || o.ApprovedBy == nil || *o.ApprovedBy != "super-1" {
		t.Fatalf("after approve: %+v", o)
	}
}

func TestInvalidTransitionsRejected(t *testing.T) {
	env := newTestEnv(t)
	o := mustCreateOrder(t, env)

	// approve straight from approved_pending
	var inv engine.InvalidTransitionError
	if _, err := env.Engine.Approve(env.Ctx, o.ID, "super-1"); !errors.As(err, &inv) {
		t.Fatalf("approve from %s: %v", o.State, err)
	}
	// finalize before any acceptance path
	if _, err := env.Engine.Finalize(env.Ctx, o.ID, "tech-1"); !errors.As(err, &inv) {
		t.Fatalf("finalize from approved_pending: %v", err)
	}
	// reopen an order that was never approved
	if _, err := env.Engine.Reopen(env.Ctx, o.ID, "super-1", "redo"); !errors.As(err, &inv) {
		t.Fatalf("reopen from approved_pending: %v", err)
	}
	// reject before review
	if _, err := env.Engine.Reject(env.Ctx, o.ID, "super-1", "bad"); !errors.As(err, &inv) {
		t.Fatalf("reject from approved_pending: %v", err)
	}
}

func TestSyncRosterAddRemoveAndSingleFirePromotion(t *testing.T) {
	env := newTestEnv(t)
	o := mustCreateOrder(t, env)
	res := mustSync(t, env, o.ID, "tech-1", "tech-2")
	if len(res.Added) != 2 {
		t.Fatalf("added = %v", res.Added)
	}
	if res.Order.State != domain.OrderAssigned {
		t.Fatalf("first sync state = %s", res.Order.State)
	}

	// tech-1 accepts, the order is in progress; a later roster edit must not
	// re-fire the promotion or touch tech-1's acceptance.
	if _, err := env.Engine.Accept(env.Ctx, o.ID, "tech-1"); err != nil {
		t.Fatal(err)
	}
	res = mustSync(t, env, o.ID, "tech-1", "tech-3")
	if len(res.Added) != 1 || res.Added[0] != "tech-3" {
		t.Fatalf("added = %v", res.Added)
	}
	if len(res.Removed) != 1 || res.Removed[0] != "tech-2" {
		t.Fatalf("removed = %v", res.Removed)
	}
	got, _ := env.Engine.Repo.GetOrder(env.Ctx, o.ID)
	if got.State != domain.OrderInProgress {
		t.Fatalf("state after re-sync = %s", got.State)
	}
	a := assignmentFor(t, env, o.ID, "tech-1")
	if a.State != domain.AssignmentAccepted || a.AcceptedAt == nil {
		t.Fatalf("tech-1 silently reset: %+v", a)
	}

	// removed technician's assignment and checklist are gone
	var count int
	env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM technician_assignments WHERE technician_id='tech-2'`).Scan(&count)
	if count != 0 {
		t.Fatalf("tech-2 assignment survived")
	}
}

func TestSyncEmptyRosterUnassignsAll(t *testing.T) {
	env := newTestEnv(t)
	o := mustCreateOrder(t, env)
	mustSync(t, env, o.ID, "tech-1", "tech-2")

	res, err := env.Engine.SyncAssignments(env.Ctx, engine.SyncOptions{OrderID: o.ID, ActorID: "super-1"})
	if err != nil {
		t.Fatalf("empty roster sync: %v", err)
	}
	if len(res.Removed) != 2 || len(res.Added) != 0 || len(res.Kept) != 0 {
		t.Fatalf("sync result = %+v", res)
	}
	s, err := env.Engine.Repo.GetSessionByOrder(env.Ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	assignments, err := env.Engine.Repo.ListAssignments(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(assignments) != 0 {
		t.Fatalf("assignments left: %+v", assignments)
	}
}

func TestSyncEmptyRosterDoesNotPromote(t *testing.T) {
	env := newTestEnv(t)
	o := mustCreateOrder(t, env)
	if _, err := env.Engine.SyncAssignments(env.Ctx, engine.SyncOptions{OrderID: o.ID, ActorID: "super-1"}); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GetOrder(env.Ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.OrderApprovedPending {
		t.Fatalf("empty roster promoted order to %s", got.State)
	}
}

func TestSyncResetExisting(t *testing.T) {
	env := newTestEnv(t)
	o := mustCreateOrder(t, env)
	mustSync(t, env, o.ID, "tech-1")
	if _, err := env.Engine.Accept(env.Ctx, o.ID, "tech-1"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.SyncAssignments(env.Ctx, engine.SyncOptions{
		OrderID:       o.ID,
		Roster:        []string{"tech-1"},
		ResetExisting: true,
		ActorID:       "super-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	a := assignmentFor(t, env, o.ID, "tech-1")
	if a.State != domain.AssignmentAssigned || a.AcceptedAt != nil {
		t.Fatalf("expected reset assignment, got %+v", a)
	}
}

func TestFinalizePendingAcceptance(t *testing.T) {
	env := newTestEnv(t)
	o := mustCreateOrder(t, env)
	mustSync(t, env, o.ID, "tech-1", "tech-2")
	if _, err := env.Engine.Accept(env.Ctx, o.ID, "tech-1"); err != nil {
		t.Fatal(err)
	}
	a1 := assignmentFor(t, env, o.ID, "tech-1")
	items, _ := env.Engine.Repo.ListItems(env.Ctx, a1.ID, true)
	for i, it := range items {
		insertOrphan(t, env, a1.ID, it.ID+"-ev", it.Title+".jpg", "", "2024-03-01T0"+string(rune('1'+i))+":00:00Z")
	}
	if _, err := env.Engine.Reconcile(env.Ctx, a1.ID, "tech-1", false); err != nil {
		t.Fatal(err)
	}

	_, err := env.Engine.Finalize(env.Ctx, o.ID, "tech-1")
	var pending engine.PendingAcceptanceError
	if !errors.As(err, &pending) {
		t.Fatalf("expected pending acceptance, got %v", err)
	}
	if len(pending.Technicians) != 1 || pending.Technicians[0] != "tech-2" {
		t.Fatalf("blocking technicians = %v", pending.Technicians)
	}
	got, _ := env.Engine.Repo.GetOrder(env.Ctx, o.ID)
	if got.State != domain.OrderInProgress {
		t.Fatalf("failed finalize mutated order to %s", got.State)
	}
}

func TestFinalizeCoverageDedupedAcrossSession(t *testing.T) {
	env := newTestEnv(t)
	o := mustCreateOrder(t, env)
	mustSync(t, env, o.ID, "tech-1", "tech-2")
	if _, err := env.Engine.Accept(env.Ctx, o.ID, "tech-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Accept(env.Ctx, o.ID, "tech-2"); err != nil {
		t.Fatal(err)
	}
	a1 := assignmentFor(t, env, o.ID, "tech-1")

	// before any evidence the gate names both shared mandatory titles once
	_, err := env.Engine.Finalize(env.Ctx, o.ID, "tech-1")
	var incomplete engine.IncompleteEvidenceError
	if !errors.As(err, &incomplete) {
		t.Fatalf("expected incomplete evidence, got %v", err)
	}
	if len(incomplete.Missing) != 2 {
		t.Fatalf("missing = %v", incomplete.Missing)
	}

	// tech-1 alone covers both titles; tech-2 uploads nothing, yet the
	// session-wide groups are satisfied
	items, _ := env.Engine.Repo.ListItems(env.Ctx, a1.ID, true)
	for i, it := range items {
		insertOrphan(t, env, a1.ID, it.ID+"-ev", it.Title+".jpg", "", "2024-03-01T0"+string(rune('1'+i))+":00:00Z")
	}
	if _, err := env.Engine.Reconcile(env.Ctx, a1.ID, "tech-1", false); err != nil {
		t.Fatal(err)
	}
	o2, err := env.Engine.Finalize(env.Ctx, o.ID, "tech-1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if o2.State != domain.OrderUnderReview {
		t.Fatalf("state = %s", o2.State)
	}
	a2 := assignmentFor(t, env, o.ID, "tech-2")
	if a2.State != domain.AssignmentUnderReview || a2.FinalizedAt == nil {
		t.Fatalf("assignment not finalized: %+v", a2)
	}
}

func TestFinalizeCountsEvidenceOnAnyGroupMember(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Checklist.Default = nil
	o := mustCreateOrder(t, env)
	mustSync(t, env, o.ID, "tech-1", "tech-2")
	if _, err := env.Engine.Accept(env.Ctx, o.ID, "tech-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Accept(env.Ctx, o.ID, "tech-2"); err != nil {
		t.Fatal(err)
	}
	a1 := assignmentFor(t, env, o.ID, "tech-1")
	a2 := assignmentFor(t, env, o.ID, "tech-2")

	// tech-1 carries the canonical, mandatory copy of the title; tech-2's
	// copy is optional and is the one that receives the photo
	if _, err := env.Engine.AddChecklistItem(env.Ctx, engine.ItemCreateOptions{
		ID: "grp-a", AssignmentID: a1.ID, Title: "Site overview", Mandatory: true, ActorID: "super-1",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddChecklistItem(env.Ctx, engine.ItemCreateOptions{
		ID: "grp-b", AssignmentID: a2.ID, Title: "Site overview", ActorID: "super-1",
	}); err != nil {
		t.Fatal(err)
	}
	insertOrphan(t, env, a2.ID, "ev-1", "site overview.jpg", "", "2024-03-01T01:00:00Z")
	if _, err := env.Engine.Reconcile(env.Ctx, a2.ID, "tech-2", false); err != nil {
		t.Fatal(err)
	}

	o2, err := env.Engine.Finalize(env.Ctx, o.ID, "tech-1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if o2.State != domain.OrderUnderReview {
		t.Fatalf("state = %s", o2.State)
	}
}

func TestEvaluateGateCanonicalMemberDecidesMandatory(t *testing.T) {
	accepted := []domain.TechnicianAssignment{
		{ID: "as-1", TechnicianID: "tech-1", State: domain.AssignmentAccepted},
	}
	items := []domain.ChecklistItem{
		{ID: "item-a", Title: "Serial plate", NormalizedTitle: "serial plate", Active: true},
		{ID: "item-b", Title: "Serial plate", NormalizedTitle: "serial plate", Mandatory: true, Active: true},
	}

	// canonical member is optional, so the group is optional
	gate := engine.EvaluateGate(engine.SessionSnapshot{Assignments: accepted, Items: items, Links: map[string]int{}})
	if !gate.Open() {
		t.Fatalf("optional canonical member blocked the gate: %v", gate.MissingRequirements)
	}

	items[0].Mandatory = true
	items[1].Mandatory = false
	gate = engine.EvaluateGate(engine.SessionSnapshot{Assignments: accepted, Items: items, Links: map[string]int{}})
	if len(gate.MissingRequirements) != 1 || gate.MissingRequirements[0] != "Serial plate" {
		t.Fatalf("missing = %v", gate.MissingRequirements)
	}

	// a link on any member fills the group
	gate = engine.EvaluateGate(engine.SessionSnapshot{Assignments: accepted, Items: items, Links: map[string]int{"item-b": 1}})
	if !gate.Open() {
		t.Fatalf("link on a non-canonical member did not count: %v", gate.MissingRequirements)
	}
}

func TestExactMatchBeatsFuzzyOnAccents(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Checklist.Default = nil
	o := mustCreateOrder(t, env)
	mustSync(t, env, o.ID, "tech-1")
	a := assignmentFor(t, env, o.ID, "tech-1")
	if _, err := env.Engine.AddChecklistItem(env.Ctx, engine.ItemCreateOptions{
		AssignmentID: a.ID, Title: "Panel cercano", Mandatory: true, ActorID: "super-1",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddChecklistItem(env.Ctx, engine.ItemCreateOptions{
		AssignmentID: a.ID, Title: "Gabinete eléctrico", Mandatory: true, ActorID: "super-1",
	}); err != nil {
		t.Fatal(err)
	}
	insertOrphan(t, env, a.ID, "ev-1", "IMG_0001.jpg", "Panel Cercano", "2024-03-01T01:00:00Z")

	report, err := env.Engine.Reconcile(env.Ctx, a.ID, "tech-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Matches) != 1 {
		t.Fatalf("matches = %+v", report.Matches)
	}
	m := report.Matches[0]
	if m.Tier != engine.TierExact || m.ItemTitle != "Panel cercano" {
		t.Fatalf("expected exact match on Panel cercano, got %+v", m)
	}
	// dry run never links
	if got := evidenceItem(t, env, "ev-1"); got != nil {
		t.Fatalf("dry run linked evidence to %s", *got)
	}
}

func TestPositionalFallbackPairsByOrder(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Checklist.Default = nil
	o := mustCreateOrder(t, env)
	mustSync(t, env, o.ID, "tech-1")
	a := assignmentFor(t, env, o.ID, "tech-1")
	first, err := env.Engine.AddChecklistItem(env.Ctx, engine.ItemCreateOptions{
		AssignmentID: a.ID, Title: "Before work", Mandatory: true, ActorID: "super-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.AddChecklistItem(env.Ctx, engine.ItemCreateOptions{
		AssignmentID: a.ID, Title: "After work", Mandatory: true, ActorID: "super-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	// filenames carry no usable label; captured out of insertion order
	insertOrphan(t, env, a.ID, "ev-late", "IMG_0002.jpg", "", "2024-03-01T02:00:00Z")
	insertOrphan(t, env, a.ID, "ev-early", "IMG_0001.jpg", "", "2024-03-01T01:00:00Z")

	report, err := env.Engine.Reconcile(env.Ctx, a.ID, "tech-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Matches) != 2 || len(report.Unresolved) != 0 {
		t.Fatalf("report = %+v", report)
	}
	for _, m := range report.Matches {
		if m.Tier != engine.TierPositional {
			t.Fatalf("tier = %s", m.Tier)
		}
	}
	if got := evidenceItem(t, env, "ev-early"); got == nil || *got != first.ID {
		t.Fatalf("ev-early linked to %v, want %s", got, first.ID)
	}
	if got := evidenceItem(t, env, "ev-late"); got == nil || *got != second.ID {
		t.Fatalf("ev-late linked to %v, want %s", got, second.ID)
	}
}

func TestPositionalFallbackRefusesWiderAmbiguity(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Checklist.Default = nil
	o := mustCreateOrder(t, env)
	mustSync(t, env, o.ID, "tech-1")
	a := assignmentFor(t, env, o.ID, "tech-1")
	for _, title := range []string{"Before work", "After work", "Serial plate"} {
		if _, err := env.Engine.AddChecklistItem(env.Ctx, engine.ItemCreateOptions{
			AssignmentID: a.ID, Title: title, Mandatory: true, ActorID: "super-1",
		}); err != nil {
			t.Fatal(err)
		}
	}
	insertOrphan(t, env, a.ID, "ev-1", "IMG_0001.jpg", "", "2024-03-01T01:00:00Z")
	insertOrphan(t, env, a.ID, "ev-2", "IMG_0002.jpg", "", "2024-03-01T02:00:00Z")

	report, err := env.Engine.Reconcile(env.Ctx, a.ID, "tech-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Matches) != 0 {
		t.Fatalf("guessed matches: %+v", report.Matches)
	}
	if len(report.Unresolved) != 2 {
		t.Fatalf("unresolved = %+v", report.Unresolved)
	}
	if got := evidenceItem(t, env, "ev-1"); got != nil {
		t.Fatalf("ev-1 linked to %s", *got)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	env := newTestEnv(t)
	o := mustCreateOrder(t, env)
	mustSync(t, env, o.ID, "tech-1")
	a := assignmentFor(t, env, o.ID, "tech-1")
	insertOrphan(t, env, a.ID, "ev-1", "site overview photo.jpg", "", "2024-03-01T01:00:00Z")

	first, err := env.Engine.Reconcile(env.Ctx, a.ID, "tech-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Matches) != 1 {
		t.Fatalf("first pass matches = %+v", first.Matches)
	}
	linked := evidenceItem(t, env, "ev-1")
	if linked == nil {
		t.Fatal("not linked")
	}

	second, err := env.Engine.Reconcile(env.Ctx, a.ID, "tech-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Matches) != 0 {
		t.Fatalf("second pass relinked: %+v", second.Matches)
	}
	if got := evidenceItem(t, env, "ev-1"); got == nil || *got != *linked {
		t.Fatalf("link changed: %v -> %v", *linked, got)
	}
}

func TestRejectThenRetryAcceptance(t *testing.T) {
	env := newTestEnv(t)
	o := mustCreateOrder(t, env)
	mustSync(t, env, o.ID, "tech-1")
	if _, err := env.Engine.Accept(env.Ctx, o.ID, "tech-1"); err != nil {
		t.Fatal(err)
	}
	a := assignmentFor(t, env, o.ID, "tech-1")
	items, _ := env.Engine.Repo.ListItems(env.Ctx, a.ID, true)
	for i, it := range items {
		insertOrphan(t, env, a.ID, it.ID+"-ev", it.Title+".jpg", "", "2024-03-01T0"+string(rune('1'+i))+":00:00Z")
	}
	if _, err := env.Engine.Reconcile(env.Ctx, a.ID, "tech-1", false); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Finalize(env.Ctx, o.ID, "tech-1"); err != nil {
		t.Fatal(err)
	}

	o2, err := env.Engine.Reject(env.Ctx, o.ID, "super-1", "blurry photos")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if o2.State != domain.OrderRejected || o2.RejectionReason != "blurry photos" {
		t.Fatalf("rejected order = %+v", o2)
	}
	a = assignmentFor(t, env, o.ID, "tech-1")
	if a.State != domain.AssignmentRejected || !a.RetryEnabled || a.RejectedAt == nil {
		t.Fatalf("assignment after reject = %+v", a)
	}

	// re-acceptance clears the order-level rejection and promotes the order
	if _, err := env.Engine.Accept(env.Ctx, o.ID, "tech-1"); err != nil {
		t.Fatalf("retry accept: %v", err)
	}
	got, _ := env.Engine.Repo.GetOrder(env.Ctx, o.ID)
	if got.State != domain.OrderInProgress {
		t.Fatalf("state after retry = %s", got.State)
	}
	if got.RejectionReason != "" || got.RejectedBy != nil {
		t.Fatalf("rejection not cleared: %+v", got)
	}
	a = assignmentFor(t, env, o.ID, "tech-1")
	if a.State != domain.AssignmentAccepted || a.RetryEnabled || a.RejectedAt != nil {
		t.Fatalf("assignment after retry = %+v", a)
	}
}

func TestReopenResetsAssignmentsKeepsHistory(t *testing.T) {
	env := newTestEnv(t)
	o := mustCreateOrder(t, env)
	mustSync(t, env, o.ID, "tech-1")
	if _, err := env.Engine.Accept(env.Ctx, o.ID, "tech-1"); err != nil {
		t.Fatal(err)
	}
	a := assignmentFor(t, env, o.ID, "tech-1")
	items, _ := env.Engine.Repo.ListItems(env.Ctx, a.ID, true)
	for i, it := range items {
		insertOrphan(t, env, a.ID, it.ID+"-ev", it.Title+".jpg", "", "2024-03-01T0"+string(rune('1'+i))+":00:00Z")
	}
	if _, err := env.Engine.Reconcile(env.Ctx, a.ID, "tech-1", false); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Finalize(env.Ctx, o.ID, "tech-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Approve(env.Ctx, o.ID, "super-1"); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.Reopen(env.Ctx, o.ID, "super-1", ""); err == nil {
		t.Fatal("reopen without reason should fail")
	}
	o2, err := env.Engine.Reopen(env.Ctx, o.ID, "super-1", "client complaint")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if o2.State != domain.OrderAssigned || o2.ApprovedBy != nil || o2.ApprovedAt != nil {
		t.Fatalf("reopened order = %+v", o2)
	}
	a = assignmentFor(t, env, o.ID, "tech-1")
	if a.State != domain.AssignmentAssigned || a.AcceptedAt != nil || a.FinalizedAt != nil || a.RejectedAt != nil {
		t.Fatalf("assignment not reset: %+v", a)
	}
	// checklist and evidence survive the reopen
	kept, _ := env.Engine.Repo.ListItems(env.Ctx, a.ID, true)
	if len(kept) != len(items) {
		t.Fatalf("items after reopen = %d", len(kept))
	}
	var evCount int
	env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM evidence_records WHERE assignment_id=?`, a.ID).Scan(&evCount)
	if evCount != len(items) {
		t.Fatalf("evidence after reopen = %d", evCount)
	}
}

func TestConcurrentFinalizeSingleFire(t *testing.T) {
	env := newTestEnv(t)
	o := mustCreateOrder(t, env)
	mustSync(t, env, o.ID, "tech-1")
	if _, err := env.Engine.Accept(env.Ctx, o.ID, "tech-1"); err != nil {
		t.Fatal(err)
	}
	a := assignmentFor(t, env, o.ID, "tech-1")
	items, _ := env.Engine.Repo.ListItems(env.Ctx, a.ID, true)
	for i, it := range items {
		insertOrphan(t, env, a.ID, it.ID+"-ev", it.Title+".jpg", "", "2024-03-01T0"+string(rune('1'+i))+":00:00Z")
	}
	if _, err := env.Engine.Reconcile(env.Ctx, a.ID, "tech-1", false); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Finalize(env.Ctx, o.ID, "tech-1"); err != nil {
		t.Fatal(err)
	}
	// a second finalize loses the conditional update
	_, err := env.Engine.Finalize(env.Ctx, o.ID, "tech-1")
	var inv engine.InvalidTransitionError
	if !errors.As(err, &inv) {
		t.Fatalf("second finalize: %v", err)
	}
}

func TestEventsRecorded(t *testing.T) {
	env := newTestEnv(t)
	o := mustCreateOrder(t, env)
	mustSync(t, env, o.ID, "tech-1")
	if _, err := env.Engine.Accept(env.Ctx, o.ID, "tech-1"); err != nil {
		t.Fatal(err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE order_id=?`, o.ID)
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
	for _, want := range []string{"order.created", "assignment.created", "order.assigned", "assignment.accepted", "order.in_progress"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}
