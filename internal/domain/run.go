package domain

import "time"

// PhaseDefinition is one fixed stage of the pipeline
type PhaseDefinition struct {
	Index        int    `json:"index"`
	Name         string `json:"name"`
	RequiresGate bool   `json:"requires_gate"`
	GateRole     string `json:"gate_role,omitempty"`
}

// EthicsVerdict is the pass/fail judgment for one phase output
type EthicsVerdict struct {
	Score      float64  `json:"score"`
	Passed     bool     `json:"passed"`
	Violations []string `json:"violations,omitempty"`
}

// ResourceCost is a measured cost compared against a budget
type ResourceCost struct {
	Cost       float64 `json:"cost"`
	Budget     float64 `json:"budget"`
	OverBudget bool    `json:"over_budget"`
}

// GateDecision is the resolution of a gate as attached to a phase outcome
type GateDecision struct {
	GateID     string     `json:"gate_id"`
	Status     GateStatus `json:"status"`
	ActorRole  string     `json:"actor_role,omitempty"`
	Rationale  string     `json:"rationale,omitempty"`
	ResolvedAt time.Time  `json:"resolved_at"`
}

// PhaseOutcome is the immutable record of one completed phase
type PhaseOutcome struct {
	PhaseIndex  int            `json:"phase_index"`
	PhaseName   string         `json:"phase_name"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Result      map[string]any `json:"result"`
	Ethics      EthicsVerdict  `json:"ethics_verdict"`
	Resource    ResourceCost   `json:"resource_cost"`
	Gate        *GateDecision  `json:"gate_decision,omitempty"`
}

// GateRequest is a single human review checkpoint
type GateRequest struct {
	ID           string     `json:"gate_id"`
	RunID        string     `json:"run_id"`
	PhaseIndex   int        `json:"phase_index"`
	RequiredRole string     `json:"required_role"`
	CreatedAt    time.Time  `json:"created_at"`
	Status       GateStatus `json:"status"`
	ActorRole    string     `json:"actor_role,omitempty"`
	Rationale    string     `json:"rationale,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// Decision returns the outcome view of a resolved request
func (g GateRequest) Decision() *GateDecision {
	d := &GateDecision{
		GateID:    g.ID,
		Status:    g.Status,
		ActorRole: g.ActorRole,
		Rationale: g.Rationale,
	}
	if g.ResolvedAt != nil {
		d.ResolvedAt = *g.ResolvedAt
	}
	return d
}

// PipelineRun is the mutable state of one execution
type PipelineRun struct {
	RunID             string         `json:"run_id"`
	PipelineID        string         `json:"pipeline_id"`
	Seed              int64          `json:"seed"`
	Status            RunStatus      `json:"status"`
	CurrentPhaseIndex int            `json:"current_phase_index"`
	Inputs            map[string]any `json:"inputs,omitempty"`
	PhaseOutcomes     []PhaseOutcome `json:"phase_outcomes"`
	OpenGate          *GateRequest   `json:"open_gate,omitempty"`
	Failure           *Failure       `json:"failure,omitempty"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	FinishedAt        *time.Time     `json:"finished_at,omitempty"`
}

// Clone returns a deep enough copy for read-only consumers
func (r *PipelineRun) Clone() PipelineRun {
	c := *r
	c.PhaseOutcomes = append([]PhaseOutcome(nil), r.PhaseOutcomes...)
	if r.OpenGate != nil {
		g := *r.OpenGate
		c.OpenGate = &g
	}
	if r.Failure != nil {
		f := *r.Failure
		c.Failure = &f
	}
	return c
}

// Outputs returns the result payloads of completed phases in order
func (r *PipelineRun) Outputs() []map[string]any {
	out := make([]map[string]any, len(r.PhaseOutcomes))
	for i, o := range r.PhaseOutcomes {
		out[i] = o.Result
	}
	return out
}
