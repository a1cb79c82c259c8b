package engine_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fieldproof/internal/engine"
	"fieldproof/internal/storage"
)

func TestUploadEvidenceStoresAndOpportunisticallyLinks(t *testing.T) {
	env := newTestEnv(t)
	o := mustCreateOrder(t, env)
	mustSync(t, env, o.ID, "tech-1")
	a := assignmentFor(t, env, o.ID, "tech-1")
	root := t.TempDir()
	store, err := storage.NewFS(root)
	if err != nil {
		t.Fatal(err)
	}

	ev, err := env.Engine.UploadEvidence(env.Ctx, store, strings.NewReader("jpeg bytes"), engine.UploadOptions{
		AssignmentID: a.ID,
		Filename:     "site overview photo.jpg",
		ActorID:      "tech-1",
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasPrefix(ev.Locator, "fs://") {
		t.Fatalf("locator = %q", ev.Locator)
	}
	blob := filepath.Join(root, "blobs", strings.TrimPrefix(ev.Locator, "fs://"))
	if _, err := os.Stat(blob); err != nil {
		t.Fatalf("stored blob missing: %v", err)
	}
	// the filename stem matches a seeded item exactly, so the upload comes
	// back already linked
	if ev.ItemID == nil {
		t.Fatal("expected opportunistic link")
	}

	// explicit target skips reconciliation entirely
	items, _ := env.Engine.Repo.ListItems(env.Ctx, a.ID, true)
	var target string
	for _, it := range items {
		if it.Title == "Closeup panel" {
			target = it.ID
		}
	}
	ev2, err := env.Engine.UploadEvidence(env.Ctx, store, strings.NewReader("more bytes"), engine.UploadOptions{
		AssignmentID: a.ID,
		Filename:     "IMG_0042.jpg",
		ItemID:       target,
		ActorID:      "tech-1",
	})
	if err != nil {
		t.Fatalf("upload with target: %v", err)
	}
	if ev2.ItemID == nil || *ev2.ItemID != target {
		t.Fatalf("explicit link = %v", ev2.ItemID)
	}
}

func TestFuzzyMatchRespectsCutoff(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Checklist.Default = nil
	o := mustCreateOrder(t, env)
	mustSync(t, env, o.ID, "tech-1")
	a := assignmentFor(t, env, o.ID, "tech-1")
	if _, err := env.Engine.AddChecklistItem(env.Ctx, engine.ItemCreateOptions{
		AssignmentID: a.ID, Title: "Breaker panel closeup", Mandatory: true, ActorID: "super-1",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddChecklistItem(env.Ctx, engine.ItemCreateOptions{
		AssignmentID: a.ID, Title: "Vehicle odometer", Mandatory: true, ActorID: "super-1",
	}); err != nil {
		t.Fatal(err)
	}
	// close but not exact: a typo away from the first title
	insertOrphan(t, env, a.ID, "ev-1", "breaker pannel closeup.jpg", "", "2024-03-01T01:00:00Z")

	report, err := env.Engine.Reconcile(env.Ctx, a.ID, "tech-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Matches) != 1 {
		t.Fatalf("matches = %+v", report.Matches)
	}
	m := report.Matches[0]
	if m.Tier != engine.TierFuzzy || m.ItemTitle != "Breaker panel closeup" {
		t.Fatalf("match = %+v", m)
	}
	if m.Score < env.Engine.Config.Cutoff() {
		t.Fatalf("score %f below cutoff", m.Score)
	}
}
