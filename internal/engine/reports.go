package engine

import (
	"fmt"
	"math"

	"github.com/hochfrequenz/epistemic-engine/internal/domain"
	"github.com/hochfrequenz/epistemic-engine/internal/ethics"
	"github.com/hochfrequenz/epistemic-engine/internal/gate"
)

// PhaseCost is one line of the resource report
type PhaseCost struct {
	PhaseIndex int     `json:"phase_index"`
	PhaseName  string  `json:"phase_name"`
	Cost       float64 `json:"cost"`
	Budget     float64 `json:"budget"`
	OverBudget bool    `json:"over_budget"`
}

// ResourceReport summarizes what the current run consumed
type ResourceReport struct {
	RunID      string      `json:"run_id"`
	Phases     []PhaseCost `json:"phases"`
	TotalCost  float64     `json:"total_cost"`
	OverBudget []int       `json:"over_budget_phases"`
}

// PhaseVerdict is one line of the ethics report
type PhaseVerdict struct {
	PhaseIndex int      `json:"phase_index"`
	PhaseName  string   `json:"phase_name"`
	Score      float64  `json:"score"`
	Passed     bool     `json:"passed"`
	Violations []string `json:"violations,omitempty"`
}

// EthicsReport lists the axioms in force and how each phase scored
type EthicsReport struct {
	RunID      string         `json:"run_id"`
	Threshold  float64        `json:"threshold,omitempty"`
	Axioms     []ethics.Axiom `json:"axioms,omitempty"`
	Phases     []PhaseVerdict `json:"phases"`
	MeanScore  float64        `json:"mean_score"`
	Violations []string       `json:"violations"`
}

// GateReport lists every gate of the current run with its outcome
type GateReport struct {
	RunID    string                    `json:"run_id"`
	Requests []domain.GateRequest      `json:"requests"`
	Counts   map[domain.GateStatus]int `json:"counts"`
	// AutoApproved counts gates passed without a human; any at all means
	// oversight was bypassed for this run
	AutoApproved int `json:"auto_approved"`
}

// outcomes returns the completed outcomes of the current run followed by the
// blocked phase, if the run halted on one
func (e *Engine) outcomes() (string, []domain.PhaseOutcome) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := append([]domain.PhaseOutcome(nil), e.run.PhaseOutcomes...)
	if e.blocked != nil {
		out = append(out, *e.blocked)
	}
	return e.run.RunID, out
}

// ResourceReport prices every phase that produced output
func (e *Engine) ResourceReport() ResourceReport {
	runID, outcomes := e.outcomes()
	r := ResourceReport{RunID: runID, Phases: []PhaseCost{}, OverBudget: []int{}}
	for _, o := range outcomes {
		if o.Result == nil {
			continue
		}
		r.Phases = append(r.Phases, PhaseCost{
			PhaseIndex: o.PhaseIndex,
			PhaseName:  o.PhaseName,
			Cost:       o.Resource.Cost,
			Budget:     o.Resource.Budget,
			OverBudget: o.Resource.OverBudget,
		})
		r.TotalCost += o.Resource.Cost
		if o.Resource.OverBudget {
			r.OverBudget = append(r.OverBudget, o.PhaseIndex)
		}
	}
	r.TotalCost = math.Round(r.TotalCost*10000) / 10000
	return r
}

// EthicsReport lists the verdict of every evaluated phase
func (e *Engine) EthicsReport() EthicsReport {
	runID, outcomes := e.outcomes()
	r := EthicsReport{RunID: runID, Phases: []PhaseVerdict{}, Violations: []string{}}
	if fw, ok := e.ethics.(*ethics.Framework); ok {
		r.Threshold = fw.Threshold()
		r.Axioms = fw.Axioms()
	}

	var sum float64
	for _, o := range outcomes {
		if o.Result == nil {
			continue
		}
		r.Phases = append(r.Phases, PhaseVerdict{
			PhaseIndex: o.PhaseIndex,
			PhaseName:  o.PhaseName,
			Score:      o.Ethics.Score,
			Passed:     o.Ethics.Passed,
			Violations: o.Ethics.Violations,
		})
		sum += o.Ethics.Score
		for _, v := range o.Ethics.Violations {
			r.Violations = append(r.Violations, fmt.Sprintf("%s:%s", o.PhaseName, v))
		}
	}
	if len(r.Phases) > 0 {
		r.MeanScore = math.Round(sum/float64(len(r.Phases))*10000) / 10000
	}
	return r
}

// GateReport lists the gates opened for the current run
func (e *Engine) GateReport() GateReport {
	runID, _ := e.outcomes()
	r := GateReport{RunID: runID, Requests: []domain.GateRequest{}, Counts: map[domain.GateStatus]int{}}
	for _, req := range e.gates.History() {
		if req.RunID != runID {
			continue
		}
		r.Requests = append(r.Requests, req)
		r.Counts[req.Status]++
		if req.Status == domain.GateAutoApproved && req.ActorRole == gate.SystemActor {
			r.AutoApproved++
		}
	}
	return r
}
