package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/hochfrequenz/epistemic-engine/internal/audit"
	"github.com/hochfrequenz/epistemic-engine/internal/domain"
	"github.com/hochfrequenz/epistemic-engine/internal/ethics"
	"github.com/hochfrequenz/epistemic-engine/internal/gate"
	"github.com/hochfrequenz/epistemic-engine/internal/repro"
	"github.com/hochfrequenz/epistemic-engine/internal/resource"
)

type verdictFunc func(int, map[string]any) domain.EthicsVerdict

func (f verdictFunc) Evaluate(i int, p map[string]any) domain.EthicsVerdict { return f(i, p) }

func stubComputations() []ComputeFunc {
	out := make([]ComputeFunc, PhaseCount)
	for i := range out {
		out[i] = func(in Input) (map[string]any, error) {
			return map[string]any{"phase": in.Phase.Name, "method": "stub"}, nil
		}
	}
	return out
}

type fixture struct {
	chain  *audit.Chain
	gates  *gate.Controller
	runner *Runner
}

func newFixture(t *testing.T, cfg RunnerConfig, gateOpts gate.Options) fixture {
	t.Helper()
	chain, err := audit.Open("", audit.Options{})
	if err != nil {
		t.Fatal(err)
	}
	gates := gate.NewController(chain, gateOpts)
	cfg.Audit = chain
	cfg.Gates = gates
	if cfg.Compute == nil {
		cfg.Compute = stubComputations()
	}
	r, err := NewRunner(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return fixture{chain: chain, gates: gates, runner: r}
}

func eventTypes(c *audit.Chain) []domain.EventType {
	var out []domain.EventType
	for _, rec := range c.Export() {
		out = append(out, rec.EventType)
	}
	return out
}

func gatedPhase(index int, role string) domain.PhaseDefinition {
	return domain.PhaseDefinition{Index: index, Name: Names[index], RequiresGate: true, GateRole: role}
}

func TestRun_UngatedPhase(t *testing.T) {
	f := newFixture(t, RunnerConfig{}, gate.Options{})
	run := domain.PipelineRun{RunID: "run-1"}

	out, err := f.runner.Run(context.Background(), domain.PhaseDefinition{Index: 0, Name: Ingestion}, run, repro.New(1))
	if err != nil {
		t.Fatal(err)
	}
	if out.Result["method"] != "stub" {
		t.Errorf("Result = %v", out.Result)
	}
	if out.Gate != nil {
		t.Error("ungated phase should carry no gate decision")
	}
	want := []domain.EventType{domain.EventPhaseStarted, domain.EventPhaseCompleted}
	if got := eventTypes(f.chain); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestRun_AutoApprovesWhenGatesDisabled(t *testing.T) {
	f := newFixture(t, RunnerConfig{GatesEnabled: false}, gate.Options{})

	out, err := f.runner.Run(context.Background(), gatedPhase(2, gate.RoleReviewer), domain.PipelineRun{RunID: "run-1"}, repro.New(1))
	if err != nil {
		t.Fatal(err)
	}
	if out.Gate == nil || out.Gate.Status != domain.GateAutoApproved {
		t.Fatalf("Gate = %+v, want auto_approved", out.Gate)
	}
	want := []domain.EventType{domain.EventPhaseStarted, domain.EventGateDecision, domain.EventPhaseCompleted}
	if got := eventTypes(f.chain); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestRun_EthicsViolationBlocksBeforeGate(t *testing.T) {
	failing := verdictFunc(func(int, map[string]any) domain.EthicsVerdict {
		return domain.EthicsVerdict{Score: 0.4, Violations: []string{"PRV-001"}}
	})
	f := newFixture(t, RunnerConfig{GatesEnabled: true, GateTimeout: gate.NoTimeout, Ethics: failing}, gate.Options{})

	_, err := f.runner.Run(context.Background(), gatedPhase(4, gate.RoleReviewer), domain.PipelineRun{RunID: "run-1"}, repro.New(1))
	if !errors.Is(err, domain.ErrEthicsViolation) {
		t.Fatalf("err = %v, want ErrEthicsViolation", err)
	}
	if len(f.gates.History()) != 0 {
		t.Error("no gate should open for a phase that failed its ethics audit")
	}
	records := f.chain.Export()
	if len(records) != 2 || records[1].EventType != domain.EventPhaseBlocked {
		t.Fatalf("events = %v", eventTypes(f.chain))
	}
	var payload map[string]any
	if err := records[1].Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload["reason"] != ReasonEthicsViolation {
		t.Errorf("reason = %v, want %s", payload["reason"], ReasonEthicsViolation)
	}
}

func TestRun_GateRejected(t *testing.T) {
	var gates *gate.Controller
	opts := gate.Options{OnChange: func(req domain.GateRequest) {
		if req.Status == domain.GatePending {
			go gates.Decide(req.ID, domain.DecisionReject, gate.RoleLead, "insufficient evidence")
		}
	}}
	f := newFixture(t, RunnerConfig{GatesEnabled: true, GateTimeout: gate.NoTimeout}, opts)
	gates = f.gates

	out, err := f.runner.Run(context.Background(), gatedPhase(2, gate.RoleReviewer), domain.PipelineRun{RunID: "run-1"}, repro.New(1))
	if !errors.Is(err, domain.ErrGateRejected) {
		t.Fatalf("err = %v, want ErrGateRejected", err)
	}
	var gerr *GateError
	if !errors.As(err, &gerr) || gerr.TimedOut() {
		t.Fatalf("err = %#v, want a rejection GateError", err)
	}
	if out.Gate == nil || out.Gate.Rationale != "insufficient evidence" {
		t.Errorf("Gate = %+v", out.Gate)
	}
	want := []domain.EventType{domain.EventPhaseStarted, domain.EventGateDecision, domain.EventPhaseBlocked}
	if got := eventTypes(f.chain); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestRun_GateApprovedByOutrankingRole(t *testing.T) {
	var gates *gate.Controller
	opts := gate.Options{OnChange: func(req domain.GateRequest) {
		if req.Status == domain.GatePending {
			go gates.Decide(req.ID, domain.DecisionApprove, gate.RoleAdmin, "")
		}
	}}
	f := newFixture(t, RunnerConfig{GatesEnabled: true, GateTimeout: gate.NoTimeout}, opts)
	gates = f.gates

	out, err := f.runner.Run(context.Background(), gatedPhase(6, gate.RoleLead), domain.PipelineRun{RunID: "run-1"}, repro.New(1))
	if err != nil {
		t.Fatal(err)
	}
	if out.Gate.Status != domain.GateApproved || out.Gate.ActorRole != gate.RoleAdmin {
		t.Errorf("Gate = %+v", out.Gate)
	}
	records := f.chain.Export()
	var payload map[string]any
	if err := records[len(records)-1].Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload["gate_status"] != string(domain.GateApproved) {
		t.Errorf("phase_completed gate_status = %v", payload["gate_status"])
	}
}

func TestRun_ZeroTimeoutFailsClosed(t *testing.T) {
	f := newFixture(t, RunnerConfig{GatesEnabled: true, GateTimeout: 0}, gate.Options{})

	_, err := f.runner.Run(context.Background(), gatedPhase(2, gate.RoleReviewer), domain.PipelineRun{RunID: "run-1"}, repro.New(1))
	var gerr *GateError
	if !errors.As(err, &gerr) || !gerr.TimedOut() {
		t.Fatalf("err = %v, want timed out GateError", err)
	}
	want := []domain.EventType{domain.EventPhaseStarted, domain.EventGateTimedOut, domain.EventPhaseBlocked}
	if got := eventTypes(f.chain); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	var payload map[string]any
	if err := f.chain.Export()[2].Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload["reason"] != ReasonGateTimedOut {
		t.Errorf("reason = %v, want %s", payload["reason"], ReasonGateTimedOut)
	}
}

func TestRun_AbortWhileGated(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	opts := gate.Options{OnChange: func(req domain.GateRequest) {
		if req.Status == domain.GatePending {
			cancel(fmt.Errorf("%w: operator stop", domain.ErrAborted))
		}
	}}
	f := newFixture(t, RunnerConfig{GatesEnabled: true, GateTimeout: gate.NoTimeout}, opts)

	_, err := f.runner.Run(ctx, gatedPhase(2, gate.RoleReviewer), domain.PipelineRun{RunID: "run-1"}, repro.New(1))
	if !errors.Is(err, domain.ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
	want := []domain.EventType{domain.EventPhaseStarted, domain.EventGateTimedOut}
	if got := eventTypes(f.chain); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestRun_ComputeFailure(t *testing.T) {
	compute := stubComputations()
	compute[1] = func(Input) (map[string]any, error) { return nil, errors.New("boom") }
	f := newFixture(t, RunnerConfig{Compute: compute}, gate.Options{})

	_, err := f.runner.Run(context.Background(), domain.PhaseDefinition{Index: 1, Name: Validation}, domain.PipelineRun{RunID: "run-1"}, repro.New(1))
	if err == nil || errors.Is(err, domain.ErrGateRejected) || errors.Is(err, domain.ErrEthicsViolation) {
		t.Fatalf("err = %v, want a plain compute error", err)
	}
	want := []domain.EventType{domain.EventPhaseStarted, domain.EventPhaseBlocked}
	if got := eventTypes(f.chain); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestNewRunner_RequiresWiring(t *testing.T) {
	if _, err := NewRunner(RunnerConfig{}); err == nil {
		t.Error("expected error without an audit chain")
	}
	chain, _ := audit.Open("", audit.Options{})
	if _, err := NewRunner(RunnerConfig{Audit: chain, Gates: gate.NewController(chain, gate.Options{}), Compute: stubComputations()[:3]}); err == nil {
		t.Error("expected error for a short computation list")
	}
}

// runAll drives the built-in computations through every phase without gates
func runAll(t *testing.T, seed int64, inputs map[string]any) []domain.PhaseOutcome {
	t.Helper()
	f := newFixture(t, RunnerConfig{
		Compute: DefaultComputations(),
		Ethics:  ethics.NewFramework(ethics.DefaultThreshold),
		Costs:   resource.NewMeter(0, nil),
	}, gate.Options{})
	defs, err := Definitions(nil)
	if err != nil {
		t.Fatal(err)
	}
	run := domain.PipelineRun{RunID: "run-1", Inputs: inputs}
	rc := repro.New(seed)
	for _, def := range defs {
		out, err := f.runner.Run(context.Background(), def, run, rc)
		if err != nil {
			t.Fatalf("phase %s: %v", def.Name, err)
		}
		run.PhaseOutcomes = append(run.PhaseOutcomes, out)
	}
	return run.PhaseOutcomes
}

func sampleInputs() map[string]any {
	return map[string]any{
		"title":  "Commute survey",
		"source": "survey",
		"data": map[string]any{
			"records": []any{
				map[string]any{"age": 31.0, "distance_km": 12.5},
				map[string]any{"age": 44.0, "distance_km": 3.0},
				map[string]any{"age": 27.0, "distance_km": 8.0},
			},
		},
	}
}

func TestDefaultComputations_PassDefaultAxioms(t *testing.T) {
	outcomes := runAll(t, 42, sampleInputs())
	if len(outcomes) != PhaseCount {
		t.Fatalf("got %d outcomes, want %d", len(outcomes), PhaseCount)
	}
	for _, o := range outcomes {
		if !o.Ethics.Passed || o.Ethics.Score != 1 {
			t.Errorf("phase %s verdict = %+v", o.PhaseName, o.Ethics)
		}
		if o.Result["phase"] != o.PhaseName {
			t.Errorf("phase %s result names %v", o.PhaseName, o.Result["phase"])
		}
	}
	if got := outcomes[0].Result["record_count"]; got != 3.0 {
		t.Errorf("record_count = %v, want 3", got)
	}
	if outcomes[1].Result["valid"] != true {
		t.Errorf("validation issues = %v", outcomes[1].Result["issues"])
	}
	if outcomes[7].Result["seed"] != "42" {
		t.Errorf("publication seed = %v", outcomes[7].Result["seed"])
	}
}

func TestDefaultComputations_Deterministic(t *testing.T) {
	a := runAll(t, 7, sampleInputs())
	b := runAll(t, 7, sampleInputs())
	for i := range a {
		if !reflect.DeepEqual(a[i].Result, b[i].Result) {
			t.Errorf("phase %d differs between identical runs", i)
		}
	}

	c := runAll(t, 8, sampleInputs())
	if reflect.DeepEqual(a[2].Result, c[2].Result) && reflect.DeepEqual(a[3].Result, c[3].Result) {
		t.Error("different seeds should produce different hypotheses or evidence")
	}
}

func TestDefaultComputations_FlagSensitiveFields(t *testing.T) {
	f := newFixture(t, RunnerConfig{
		Compute: DefaultComputations(),
		Ethics:  ethics.NewFramework(ethics.DefaultThreshold),
	}, gate.Options{})
	run := domain.PipelineRun{RunID: "run-1", Inputs: map[string]any{
		"data": map[string]any{"records": []any{map[string]any{"email": "a@example.com"}}},
	}}

	_, err := f.runner.Run(context.Background(), domain.PhaseDefinition{Index: 0, Name: Ingestion}, run, repro.New(1))
	if !errors.Is(err, domain.ErrEthicsViolation) {
		t.Fatalf("err = %v, want ErrEthicsViolation", err)
	}
}
