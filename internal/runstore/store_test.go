package runstore

import (
	"errors"
	"testing"
	"time"

	"github.com/hochfrequenz/epistemic-engine/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRun(id string) domain.PipelineRun {
	started := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	return domain.PipelineRun{
		RunID:      id,
		PipelineID: "survey",
		Seed:       42,
		Status:     domain.RunRunning,
		Inputs:     map[string]any{"title": "Commute survey"},
		StartedAt:  &started,
	}
}

func TestStore_SaveAndGetRun(t *testing.T) {
	store := newTestStore(t)
	run := sampleRun("run-1")
	if err := store.SaveRun(run); err != nil {
		t.Fatal(err)
	}

	started := run.StartedAt.Add(time.Second)
	outcome := domain.PhaseOutcome{
		PhaseIndex:  0,
		PhaseName:   "ingestion",
		StartedAt:   *run.StartedAt,
		CompletedAt: started,
		Result:      map[string]any{"phase": "ingestion", "record_count": 3.0},
		Ethics:      domain.EthicsVerdict{Score: 1, Passed: true},
		Resource:    domain.ResourceCost{Cost: 0.5, Budget: 2},
	}
	if err := store.SaveOutcome(run.RunID, outcome); err != nil {
		t.Fatal(err)
	}

	finished := started.Add(time.Minute)
	run.Status = domain.RunFailed
	run.CurrentPhaseIndex = 3
	run.FinishedAt = &finished
	run.Failure = &domain.Failure{Kind: domain.FailureEthicsViolation, PhaseIndex: 3, PhaseName: "analysis", Message: "PRV-001"}
	if err := store.SaveRun(run); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunFailed || got.CurrentPhaseIndex != 3 || got.Seed != 42 {
		t.Errorf("run = %+v", got)
	}
	if got.Failure == nil || got.Failure.Kind != domain.FailureEthicsViolation {
		t.Errorf("Failure = %+v", got.Failure)
	}
	if got.Inputs["title"] != "Commute survey" {
		t.Errorf("Inputs = %v", got.Inputs)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, finished)
	}
	if len(got.PhaseOutcomes) != 1 {
		t.Fatalf("PhaseOutcomes = %d, want 1", len(got.PhaseOutcomes))
	}
	o := got.PhaseOutcomes[0]
	if o.Result["record_count"] != 3.0 || o.Resource.Budget != 2 || !o.CompletedAt.Equal(started) {
		t.Errorf("outcome = %+v", o)
	}
	if o.Gate != nil {
		t.Errorf("Gate = %+v, want nil", o.Gate)
	}
}

func TestStore_GetRunUnknown(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetRun("missing"); !errors.Is(err, domain.ErrUnknownRun) {
		t.Errorf("err = %v, want ErrUnknownRun", err)
	}
	if _, err := store.LatestRun(); !errors.Is(err, domain.ErrUnknownRun) {
		t.Errorf("LatestRun err = %v, want ErrUnknownRun", err)
	}
}

func TestStore_Gates(t *testing.T) {
	store := newTestStore(t)
	if err := store.SaveRun(sampleRun("run-1")); err != nil {
		t.Fatal(err)
	}

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	first := domain.GateRequest{ID: "g-1", RunID: "run-1", PhaseIndex: 2, RequiredRole: "reviewer", CreatedAt: created, Status: domain.GatePending}
	second := domain.GateRequest{ID: "g-2", RunID: "run-1", PhaseIndex: 4, RequiredRole: "reviewer", CreatedAt: created.Add(time.Minute), Status: domain.GatePending}
	for _, g := range []domain.GateRequest{first, second} {
		if err := store.SaveGate(g); err != nil {
			t.Fatal(err)
		}
	}

	resolved := created.Add(30 * time.Second)
	first.Status = domain.GateApproved
	first.ActorRole = "lead"
	first.Rationale = "sound"
	first.ResolvedAt = &resolved
	if err := store.SaveGate(first); err != nil {
		t.Fatal(err)
	}

	pending, err := store.PendingGates()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != "g-2" {
		t.Fatalf("pending = %+v, want only g-2", pending)
	}

	got, err := store.GetGate("g-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.GateApproved || got.ActorRole != "lead" || got.ResolvedAt == nil || !got.ResolvedAt.Equal(resolved) {
		t.Errorf("gate = %+v", got)
	}
	if _, err := store.GetGate("g-9"); !errors.Is(err, domain.ErrUnknownGate) {
		t.Errorf("err = %v, want ErrUnknownGate", err)
	}

	all, err := store.Gates("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "g-1" {
		t.Errorf("gates = %+v", all)
	}

	run, err := store.GetRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if run.OpenGate == nil || run.OpenGate.ID != "g-2" {
		t.Errorf("OpenGate = %+v, want g-2", run.OpenGate)
	}
}

func TestStore_ListRuns(t *testing.T) {
	store := newTestStore(t)
	for _, id := range []string{"run-a", "run-b", "run-c"} {
		run := sampleRun(id)
		if id == "run-b" {
			run.Status = domain.RunCompleted
		}
		if err := store.SaveRun(run); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.ListRuns(ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d runs, want 3", len(all))
	}

	completed, err := store.ListRuns(ListOptions{Status: domain.RunCompleted})
	if err != nil {
		t.Fatal(err)
	}
	if len(completed) != 1 || completed[0].RunID != "run-b" {
		t.Errorf("completed = %+v", completed)
	}

	limited, err := store.ListRuns(ListOptions{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("got %d runs, want 2", len(limited))
	}
}

func TestStore_OutcomeRequiresRun(t *testing.T) {
	store := newTestStore(t)
	err := store.SaveOutcome("missing", domain.PhaseOutcome{PhaseName: "ingestion", Result: map[string]any{}})
	if err == nil {
		t.Error("expected foreign key error for an unknown run")
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := t.TempDir() + "/runs.db"
	store, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SaveRun(sampleRun("run-1")); err != nil {
		t.Fatal(err)
	}
	store.Close()

	reopened, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	got, err := reopened.LatestRun()
	if err != nil {
		t.Fatal(err)
	}
	if got.RunID != "run-1" {
		t.Errorf("RunID = %q, want run-1", got.RunID)
	}
}
