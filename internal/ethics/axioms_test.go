package ethics

import (
	"testing"
)

func cleanPayload() map[string]any {
	return map[string]any{
		"phase":  "analysis",
		"method": "seeded evidence sampling",
		"evidence": []any{
			map[string]any{"id": "H1", "support": 0.6},
		},
	}
}

func TestEvaluate_CleanPayloadPasses(t *testing.T) {
	f := NewFramework(0)
	v := f.Evaluate(3, cleanPayload())
	if !v.Passed {
		t.Fatalf("verdict = %+v, want passed", v)
	}
	if v.Score != 1 {
		t.Errorf("Score = %v, want 1", v.Score)
	}
	if len(v.Violations) != 0 {
		t.Errorf("Violations = %v, want none", v.Violations)
	}
}

func TestEvaluate_Violations(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(p map[string]any)
		violation string
		passed    bool
	}{
		{"missing method", func(p map[string]any) { delete(p, "method") }, "TRN-001", true},
		{"unattributed", func(p map[string]any) { delete(p, "phase") }, "ACC-001", false},
		{"personal identifier key", func(p map[string]any) {
			p["evidence"] = []any{map[string]any{"email": "a@b.c"}}
		}, "PRV-001", false},
		{"personal identifier field name", func(p map[string]any) { p["fields"] = []any{"name", "SSN"} }, "PRV-001", false},
		{"unbounded confidence", func(p map[string]any) {
			p["evidence"] = []any{map[string]any{"id": "H1", "support": 1.7}}
		}, "NMF-001", true},
		{"unjustified exclusion", func(p map[string]any) {
			p["excluded"] = []any{map[string]any{"id": "H2"}}
		}, "FAI-001", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := cleanPayload()
			tt.mutate(p)
			v := NewFramework(0.75).Evaluate(3, p)

			found := false
			for _, id := range v.Violations {
				if id == tt.violation {
					found = true
				}
			}
			if !found {
				t.Errorf("Violations = %v, want %s", v.Violations, tt.violation)
			}
			if v.Passed != tt.passed {
				t.Errorf("Passed = %v, want %v (score %v)", v.Passed, tt.passed, v.Score)
			}
		})
	}
}

func TestEvaluate_ThresholdFailsWithoutCritical(t *testing.T) {
	p := cleanPayload()
	delete(p, "method")
	p["excluded"] = []any{map[string]any{"id": "H2"}}

	v := NewFramework(0.9).Evaluate(0, p)
	if v.Passed {
		t.Errorf("verdict = %+v, want failed below threshold", v)
	}
}

func TestAddAxiom(t *testing.T) {
	f := NewFramework(0)
	if err := f.AddAxiom("DEMO_001", "TRANSPARENCY", "Demo operations must be fully observable", 1); err != nil {
		t.Fatal(err)
	}
	if err := f.AddAxiom("DEMO_001", "transparency", "again", 1); err == nil {
		t.Error("expected duplicate axiom error")
	}
	if err := f.AddAxiom("X", "vibes", "nope", 1); err == nil {
		t.Error("expected unknown category error")
	}
	if err := f.AddAxiom("Y", "fairness", "nope", 0); err == nil {
		t.Error("expected weight error")
	}

	axioms := f.Axioms()
	if last := axioms[len(axioms)-1]; last.ID != "DEMO_001" || last.Category != Transparency {
		t.Errorf("last axiom = %+v", last)
	}
	if v := f.Evaluate(0, cleanPayload()); !v.Passed || v.Score != 1 {
		t.Errorf("declarative axiom should not affect a clean verdict: %+v", v)
	}
}

func TestDisabled(t *testing.T) {
	v := Disabled{}.Evaluate(0, nil)
	if !v.Passed || v.Score != 1 {
		t.Errorf("Disabled verdict = %+v", v)
	}
}
