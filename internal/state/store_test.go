package state_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"stageline/internal/domain"
	"stageline/internal/state"
)

func strPtr(s string) *string { return &s }

func sampleState() domain.PipelineState {
	return domain.PipelineState{
		ProjectID:    "acme",
		ThreadID:     "launch-1",
		Stack:        "content",
		Parameters:   map[string]string{"topic": "coffee"},
		CurrentStage: strPtr("brand-voice"),
		Status:       domain.RunWaitingApproval,
		Stages: map[string]domain.StageState{
			"research":    {Status: domain.StageCompleted, Attempts: 1, CompletedAt: "2024-01-01T00:00:00Z"},
			"brand-voice": {Status: domain.StageWaitingApproval},
		},
		Artifacts: []domain.ArtifactRecord{{ID: "a1", Stage: "research", Attempt: 1, Name: "notes", Content: "x", RecordedAt: "2024-01-01T00:00:00Z"}},
		Errors:    []domain.ErrorRecord{},
		CreatedAt: "2024-01-01T00:00:00Z",
		UpdatedAt: "2024-01-01T00:00:00Z",
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	root := t.TempDir()
	s := state.NewStore(root)
	want := sampleState()

	loc, err := s.Save("acme", "launch-1", want)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if loc != filepath.Join(root, "projects", "acme", "threads", "launch-1", "state.json") {
		t.Fatalf("unexpected location %s", loc)
	}
	got, err := s.Load("acme", "launch-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, want)
	}
	data, err := os.ReadFile(loc)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "\n  \"project_id\": \"acme\"") || !strings.HasSuffix(string(data), "}\n") {
		t.Fatalf("expected pretty printed json, got %s", data)
	}
}

func TestSaveLoadRoundTripCollections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*domain.PipelineState)
	}{
		{"empty parameters", func(st *domain.PipelineState) { st.Parameters = map[string]string{} }},
		{"nil parameters", func(st *domain.PipelineState) { st.Parameters = nil }},
		{"nil artifacts and errors", func(st *domain.PipelineState) {
			st.Artifacts = nil
			st.Errors = nil
		}},
		{"empty artifacts", func(st *domain.PipelineState) { st.Artifacts = []domain.ArtifactRecord{} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := state.NewStore(t.TempDir())
			want := sampleState()
			tc.mutate(&want)
			if _, err := s.Save(want.ProjectID, want.ThreadID, want); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, err := s.Load(want.ProjectID, want.ThreadID)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("round trip mismatch:\n got  %#v\n want %#v", got, want)
			}
		})
	}
}

func TestSaveOverwritesWithoutTempLeftovers(t *testing.T) {
	root := t.TempDir()
	s := state.NewStore(root)
	st := sampleState()
	if _, err := s.Save("acme", "launch-1", st); err != nil {
		t.Fatal(err)
	}
	st.Stages["brand-voice"] = domain.StageState{Status: domain.StageCompleted}
	st.CurrentStage = nil
	st.Status = domain.RunCompleted
	if _, err := s.Save("acme", "launch-1", st); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load("acme", "launch-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunCompleted || got.CurrentStage != nil {
		t.Fatalf("expected overwritten snapshot, got %+v", got)
	}
	entries, err := os.ReadDir(state.ThreadDir(root, "acme", "launch-1"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".state-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestLoadNotFound(t *testing.T) {
	s := state.NewStore(t.TempDir())
	_, err := s.Load("acme", "missing")
	if !errors.Is(err, state.ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}
}

func TestInvalidIdentifiers(t *testing.T) {
	s := state.NewStore(t.TempDir())
	for _, id := range []string{"", "..", "a/b", ".hidden", "sp ace"} {
		if _, err := s.Load(id, "t"); !errors.Is(err, state.ErrInvalidIdentifier) {
			t.Errorf("project %q: expected ErrInvalidIdentifier, got %v", id, err)
		}
	}
	if _, err := s.Save("acme", "x/y", sampleState()); !errors.Is(err, state.ErrInvalidIdentifier) {
		t.Fatalf("expected ErrInvalidIdentifier, got %v", err)
	}
}

func TestLoadRejectsCorruptDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{
			name: "unknown field",
			doc:  `{"project_id":"acme","thread_id":"t","stack":"s","current_stage":"a","status":"running","stages":{"a":{"status":"pending","attempts":0}},"artifacts":[],"errors":[],"created_at":"","updated_at":"","surprise":1}`,
		},
		{
			name: "bad status",
			doc:  `{"project_id":"acme","thread_id":"t","stack":"s","current_stage":"a","status":"paused","stages":{"a":{"status":"pending","attempts":0}},"artifacts":[],"errors":[],"created_at":"","updated_at":""}`,
		},
		{
			name: "dangling current",
			doc:  `{"project_id":"acme","thread_id":"t","stack":"s","current_stage":"zzz","status":"running","stages":{"a":{"status":"pending","attempts":0}},"artifacts":[],"errors":[],"created_at":"","updated_at":""}`,
		},
		{
			name: "waiting mismatch",
			doc:  `{"project_id":"acme","thread_id":"t","stack":"s","current_stage":"a","status":"waiting_approval","stages":{"a":{"status":"pending","attempts":0}},"artifacts":[],"errors":[],"created_at":"","updated_at":""}`,
		},
		{
			name: "completed mismatch",
			doc:  `{"project_id":"acme","thread_id":"t","stack":"s","current_stage":null,"status":"completed","stages":{"a":{"status":"failed","attempts":1}},"artifacts":[],"errors":[],"created_at":"","updated_at":""}`,
		},
		{
			name: "not json",
			doc:  `{"project_id":`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root := t.TempDir()
			path := state.Path(root, "acme", "t")
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(path, []byte(tc.doc), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := state.NewStore(root).Load("acme", "t")
			if !errors.Is(err, state.ErrCorruptState) {
				t.Fatalf("expected ErrCorruptState, got %v", err)
			}
		})
	}
}

func TestWalk(t *testing.T) {
	root := t.TempDir()
	s := state.NewStore(root)
	a := sampleState()
	b := sampleState()
	b.ProjectID = "beta"
	b.ThreadID = "t2"
	if _, err := s.Save(a.ProjectID, a.ThreadID, a); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Save(b.ProjectID, b.ThreadID, b); err != nil {
		t.Fatal(err)
	}
	var seen []string
	err := s.Walk(func(st domain.PipelineState, err error) error {
		if err != nil {
			return err
		}
		seen = append(seen, st.ProjectID+"/"+st.ThreadID)
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if !reflect.DeepEqual(seen, []string{"acme/launch-1", "beta/t2"}) {
		t.Fatalf("unexpected walk order %v", seen)
	}
}

func TestLockExcludesSecondHolder(t *testing.T) {
	s := state.NewStore(t.TempDir())
	ctx := context.Background()
	first, err := s.Lock(ctx, "acme", "t", time.Second)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if _, err := s.Lock(ctx, "acme", "t", 150*time.Millisecond); !errors.Is(err, state.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	other, err := s.Lock(ctx, "acme", "other", time.Second)
	if err != nil {
		t.Fatalf("independent thread should lock: %v", err)
	}
	_ = other.Unlock()
	if err := first.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	again, err := s.Lock(ctx, "acme", "t", time.Second)
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	_ = again.Unlock()
}
