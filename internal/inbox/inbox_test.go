package inbox

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/epistemic-engine/internal/domain"
)

type decision struct {
	gateID    string
	decision  domain.Decision
	actorRole string
	rationale string
}

type fakeDecider struct {
	mu    sync.Mutex
	calls []decision
	err   error
}

func (f *fakeDecider) Decide(gateID string, d domain.Decision, actorRole, rationale string) (domain.GateRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, decision{gateID, d, actorRole, rationale})
	if f.err != nil {
		return domain.GateRequest{}, f.err
	}
	status := domain.GateApproved
	if d == domain.DecisionReject {
		status = domain.GateRejected
	}
	return domain.GateRequest{ID: gateID, Status: status, ActorRole: actorRole}, nil
}

func (f *fakeDecider) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newWatcher(t *testing.T, d Decider) (*Watcher, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "inbox")
	w, err := New(dir, d, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.SetDebounce(10 * time.Millisecond)
	return w, dir
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", filepath.Base(path))
}

func TestWriteThenProcess(t *testing.T) {
	d := &fakeDecider{}
	w, dir := newWatcher(t, d)
	defer w.watcher.Close()

	path, err := Write(dir, Request{GateID: "g/1", Decision: "approve", ActorRole: "lead", Rationale: "looks sound"})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !strings.HasSuffix(path, "-g_1.yaml") || !IsDecisionFile(path) {
		t.Errorf("path = %s", path)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}

	req, err := w.Process(path)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if req.GateID != "g/1" || req.Rationale != "looks sound" {
		t.Errorf("request = %+v", req)
	}
	if len(d.calls) != 1 || d.calls[0].decision != domain.DecisionApprove || d.calls[0].actorRole != "lead" {
		t.Errorf("calls = %+v", d.calls)
	}
}

func TestProcess_JSON(t *testing.T) {
	d := &fakeDecider{}
	w, dir := newWatcher(t, d)
	defer w.watcher.Close()

	path := filepath.Join(dir, "decision.json")
	body := `{"gate_id": "g-2", "decision": "Rejected", "actor_role": "director"}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Process(path); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.calls[0].decision != domain.DecisionReject {
		t.Errorf("decision = %s, want reject", d.calls[0].decision)
	}
}

func TestReadRequest_Invalid(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		body string
	}{
		{"missing gate", "decision: approve\nactor_role: lead\n"},
		{"missing role", "gate_id: g-1\ndecision: approve\n"},
		{"not yaml", "gate_id: [unterminated\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "-")+".yaml")
			if err := os.WriteFile(path, []byte(tt.body), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := ReadRequest(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRun_AppliesExistingAndNewFiles(t *testing.T) {
	d := &fakeDecider{}
	w, dir := newWatcher(t, d)

	existing, err := Write(dir, Request{GateID: "g-1", Decision: "approve", ActorRole: "reviewer"})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitForFile(t, existing+AppliedSuffix)

	fresh, err := Write(dir, Request{GateID: "g-2", Decision: "reject", ActorRole: "lead"})
	if err != nil {
		t.Fatal(err)
	}
	waitForFile(t, fresh+AppliedSuffix)

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
	if d.count() != 2 {
		t.Errorf("decisions = %d, want 2", d.count())
	}
}

func TestRun_FailedDecisionIsSetAside(t *testing.T) {
	d := &fakeDecider{err: domain.ErrUnknownGate}
	w, dir := newWatcher(t, d)

	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("gate_id: nope\ndecision: maybe\nactor_role: lead\n"), 0600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitForFile(t, path+FailedSuffix)
	note, err := os.ReadFile(path + FailedSuffix + ErrorSuffix)
	if err != nil {
		t.Fatalf("error note: %v", err)
	}
	if !strings.Contains(string(note), "maybe") {
		t.Errorf("note = %q", note)
	}
	if d.count() != 0 {
		t.Error("an unparseable decision must not reach the decider")
	}
	cancel()
	<-done
}

func TestIsDecisionFile(t *testing.T) {
	for name, want := range map[string]bool{
		"a.yaml":         true,
		"a.YML":          true,
		"a.json":         true,
		"a.yaml.tmp":     false,
		"a.yaml.applied": false,
		"a.yaml.failed":  false,
		"notes.txt":      false,
	} {
		if got := IsDecisionFile(name); got != want {
			t.Errorf("IsDecisionFile(%q) = %v, want %v", name, got, want)
		}
	}
}
