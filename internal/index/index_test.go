package index_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/index"
	"stageline/internal/state"
)

func openIndex(t *testing.T) (*index.Index, string) {
	t.Helper()
	root := t.TempDir()
	idx, err := index.Open(context.Background(), db.Config{Root: root})
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx, root
}

func summary(project, thread string, status domain.RunStatus, updated string) domain.RunSummary {
	return domain.RunSummary{
		ProjectID:    project,
		ThreadID:     thread,
		Stack:        "content",
		Status:       status,
		CurrentStage: "research",
		UpdatedAt:    updated,
	}
}

func TestUpsertAndGet(t *testing.T) {
	idx, _ := openIndex(t)
	ctx := context.Background()
	if err := idx.Upsert(ctx, summary("acme", "t1", domain.RunRunning, "2024-01-01T00:00:00Z")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	next := summary("acme", "t1", domain.RunCompleted, "2024-01-01T00:05:00Z")
	next.CurrentStage = ""
	next.Artifacts = 4
	if err := idx.Upsert(ctx, next); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	got, err := idx.Get(ctx, "acme", "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != next {
		t.Fatalf("got %+v, want %+v", got, next)
	}
	if _, err := idx.Get(ctx, "acme", "missing"); !errors.Is(err, index.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListFilters(t *testing.T) {
	idx, _ := openIndex(t)
	ctx := context.Background()
	for _, s := range []domain.RunSummary{
		summary("acme", "t1", domain.RunWaitingApproval, "2024-01-01T00:01:00Z"),
		summary("acme", "t2", domain.RunFailed, "2024-01-01T00:03:00Z"),
		summary("globex", "t1", domain.RunWaitingApproval, "2024-01-01T00:02:00Z"),
	} {
		if err := idx.Upsert(ctx, s); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	all, err := idx.List(ctx, index.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ThreadID != "t2" || all[1].ProjectID != "globex" {
		t.Fatalf("unexpected order %+v", all)
	}
	waiting, err := idx.List(ctx, index.Filter{Status: domain.RunWaitingApproval})
	if err != nil {
		t.Fatalf("list waiting: %v", err)
	}
	if len(waiting) != 2 {
		t.Fatalf("expected 2 waiting runs, got %d", len(waiting))
	}
	acme, err := idx.List(ctx, index.Filter{ProjectID: "acme", Limit: 1})
	if err != nil {
		t.Fatalf("list acme: %v", err)
	}
	if len(acme) != 1 || acme[0].ThreadID != "t2" {
		t.Fatalf("unexpected %+v", acme)
	}
}

func TestRebuildFromStore(t *testing.T) {
	idx, root := openIndex(t)
	ctx := context.Background()
	store := state.NewStore(root)
	cur := "draft"
	st := domain.PipelineState{
		ProjectID:    "acme",
		ThreadID:     "t1",
		Stack:        "content",
		CurrentStage: &cur,
		Status:       domain.RunRunning,
		Stages:       map[string]domain.StageState{"draft": {Status: domain.StagePending}},
		Artifacts:    []domain.ArtifactRecord{},
		Errors:       []domain.ErrorRecord{},
		CreatedAt:    "2024-01-01T00:00:00Z",
		UpdatedAt:    "2024-01-01T00:00:00Z",
	}
	if _, err := store.Save("acme", "t1", st); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := os.MkdirAll(state.ThreadDir(root, "acme", "broken"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(state.Path(root, "acme", "broken"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	// a stale row that no longer has a snapshot
	if err := idx.Upsert(ctx, summary("gone", "t9", domain.RunFailed, "2023-01-01T00:00:00Z")); err != nil {
		t.Fatal(err)
	}

	report, err := idx.Rebuild(ctx, store)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if report.Indexed != 1 || len(report.Skipped) != 1 {
		t.Fatalf("report = %+v", report)
	}
	rows, err := idx.List(ctx, index.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].CurrentStage != "draft" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestScanWithoutIndex(t *testing.T) {
	root := t.TempDir()
	store := state.NewStore(root)
	for i, thread := range []string{"t1", "t2"} {
		cur := "draft"
		st := domain.PipelineState{
			ProjectID:    "acme",
			ThreadID:     thread,
			Stack:        "content",
			CurrentStage: &cur,
			Status:       domain.RunRunning,
			Stages:       map[string]domain.StageState{"draft": {Status: domain.StagePending}},
			CreatedAt:    "2024-01-01T00:00:00Z",
			UpdatedAt:    []string{"2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z"}[i],
		}
		if _, err := store.Save("acme", thread, st); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	rows, err := index.Scan(store, index.Filter{ProjectID: "acme"})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(rows) != 2 || rows[0].ThreadID != "t2" {
		t.Fatalf("rows = %+v", rows)
	}
	none, err := index.Scan(store, index.Filter{Status: domain.RunFailed})
	if err != nil || len(none) != 0 {
		t.Fatalf("expected no failed runs, got %v %v", none, err)
	}
}
