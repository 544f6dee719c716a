package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hochfrequenz/epistemic-engine/internal/audit"
	"github.com/hochfrequenz/epistemic-engine/internal/domain"
	"github.com/hochfrequenz/epistemic-engine/internal/gate"
	"github.com/hochfrequenz/epistemic-engine/internal/repro"
)

// EthicsProvider judges a phase payload
type EthicsProvider interface {
	Evaluate(phaseIndex int, payload map[string]any) domain.EthicsVerdict
}

// CostProvider prices a phase payload
type CostProvider interface {
	Measure(phaseIndex int, payload map[string]any) domain.ResourceCost
}

// Block reasons written to phase_blocked records
const (
	ReasonEthicsViolation = "ethics_violation"
	ReasonGateRejected    = "gate_rejected"
	ReasonGateTimedOut    = "gate_timed_out"
	ReasonComputeFailure  = "compute_failure"
)

// RunnerConfig wires a Runner
type RunnerConfig struct {
	Audit   audit.Appender
	Gates   *gate.Controller
	Ethics  EthicsProvider
	Costs   CostProvider
	Compute []ComputeFunc

	// GatesEnabled false auto-approves every gate, audited as such
	GatesEnabled bool
	// GateTimeout bounds each gate wait; gate.NoTimeout waits indefinitely
	GateTimeout time.Duration

	Clock  func() time.Time
	Logger *slog.Logger
}

// Runner executes a single phase: compute, judge, gate, record
type Runner struct {
	audit        audit.Appender
	gates        *gate.Controller
	ethics       EthicsProvider
	costs        CostProvider
	compute      []ComputeFunc
	gatesEnabled bool
	timeout      time.Duration
	now          func() time.Time
	log          *slog.Logger
}

// GateError reports a gate that did not let its phase advance
type GateError struct {
	Request domain.GateRequest
}

func (e *GateError) Error() string {
	msg := fmt.Sprintf("gate %s on phase %d %s", e.Request.ID, e.Request.PhaseIndex, e.Request.Status)
	if e.Request.Rationale != "" {
		msg += ": " + e.Request.Rationale
	}
	return msg
}

func (e *GateError) Unwrap() error { return domain.ErrGateRejected }

// TimedOut reports whether the gate expired rather than being rejected
func (e *GateError) TimedOut() bool {
	return e.Request.Status == domain.GateTimedOut
}

// NewRunner validates cfg and creates a Runner
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Audit == nil {
		return nil, fmt.Errorf("runner needs an audit chain")
	}
	if cfg.Gates == nil {
		return nil, fmt.Errorf("runner needs a gate controller")
	}
	if cfg.Compute == nil {
		cfg.Compute = DefaultComputations()
	}
	if len(cfg.Compute) != PhaseCount {
		return nil, fmt.Errorf("runner needs %d computations, got %d", PhaseCount, len(cfg.Compute))
	}
	r := &Runner{
		audit:        cfg.Audit,
		gates:        cfg.Gates,
		ethics:       cfg.Ethics,
		costs:        cfg.Costs,
		compute:      cfg.Compute,
		gatesEnabled: cfg.GatesEnabled,
		timeout:      cfg.GateTimeout,
		now:          cfg.Clock,
		log:          cfg.Logger,
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r, nil
}

type phaseEvent struct {
	RunID      string    `json:"run_id"`
	PhaseIndex int       `json:"phase_index"`
	PhaseName  string    `json:"phase_name"`
	Timestamp  time.Time `json:"timestamp"`
}

type completedEvent struct {
	phaseEvent
	Result     map[string]any       `json:"result"`
	Ethics     domain.EthicsVerdict `json:"ethics_verdict"`
	Resource   domain.ResourceCost  `json:"resource_cost"`
	GateID     string               `json:"gate_id,omitempty"`
	GateStatus domain.GateStatus    `json:"gate_status,omitempty"`
}

type blockedEvent struct {
	phaseEvent
	Reason     string   `json:"reason"`
	Message    string   `json:"message,omitempty"`
	Score      *float64 `json:"ethics_score,omitempty"`
	Violations []string `json:"violations,omitempty"`
	GateID     string   `json:"gate_id,omitempty"`
	ActorRole  string   `json:"actor_role,omitempty"`
	Rationale  string   `json:"rationale,omitempty"`
}

// Run executes phase for run. On a governance failure the partial outcome is
// returned with the error so callers can report on the blocked phase.
func (r *Runner) Run(ctx context.Context, phase domain.PhaseDefinition, run domain.PipelineRun, rc *repro.Context) (domain.PhaseOutcome, error) {
	ev := phaseEvent{RunID: run.RunID, PhaseIndex: phase.Index, PhaseName: phase.Name}
	outcome := domain.PhaseOutcome{
		PhaseIndex: phase.Index,
		PhaseName:  phase.Name,
		StartedAt:  r.now(),
	}
	logger := r.log.With("run_id", run.RunID, "phase", phase.Index, "phase_name", phase.Name)

	ev.Timestamp = outcome.StartedAt
	if err := r.append(domain.EventPhaseStarted, ev); err != nil {
		return outcome, err
	}
	logger.Info("phase started")

	result, err := r.execute(phase, run, rc)
	if err != nil {
		logger.Error("phase computation failed", "err", err)
		ev.Timestamp = r.now()
		if aerr := r.append(domain.EventPhaseBlocked, blockedEvent{phaseEvent: ev, Reason: ReasonComputeFailure, Message: err.Error()}); aerr != nil {
			return outcome, aerr
		}
		return outcome, err
	}
	outcome.Result = result

	outcome.Ethics = r.evaluate(phase.Index, result)
	outcome.Resource = r.measure(phase.Index, result)
	if outcome.Resource.OverBudget {
		logger.Warn("phase over budget", "cost", outcome.Resource.Cost, "budget", outcome.Resource.Budget)
	}
	if !outcome.Ethics.Passed {
		score := outcome.Ethics.Score
		ev.Timestamp = r.now()
		if err := r.append(domain.EventPhaseBlocked, blockedEvent{
			phaseEvent: ev,
			Reason:     ReasonEthicsViolation,
			Score:      &score,
			Violations: outcome.Ethics.Violations,
		}); err != nil {
			return outcome, err
		}
		logger.Warn("phase blocked by ethics audit", "score", score, "violations", outcome.Ethics.Violations)
		return outcome, fmt.Errorf("%w: phase %d (%s) score %.4f, violated %v",
			domain.ErrEthicsViolation, phase.Index, phase.Name, score, outcome.Ethics.Violations)
	}

	if phase.RequiresGate {
		req, err := r.passGate(ctx, phase, run.RunID)
		if req.ID != "" {
			outcome.Gate = req.Decision()
		}
		if err != nil {
			return outcome, err
		}
		if ctx.Err() != nil && !req.Status.Passes() {
			return outcome, abortCause(ctx)
		}
		if !req.Status.Passes() {
			reason := ReasonGateRejected
			if req.Status == domain.GateTimedOut {
				reason = ReasonGateTimedOut
			}
			ev.Timestamp = r.now()
			if err := r.append(domain.EventPhaseBlocked, blockedEvent{
				phaseEvent: ev,
				Reason:     reason,
				GateID:     req.ID,
				ActorRole:  req.ActorRole,
				Rationale:  req.Rationale,
			}); err != nil {
				return outcome, err
			}
			logger.Warn("phase blocked by gate", "gate_id", req.ID, "status", req.Status)
			return outcome, &GateError{Request: req}
		}
	}

	outcome.CompletedAt = r.now()
	ev.Timestamp = outcome.CompletedAt
	done := completedEvent{
		phaseEvent: ev,
		Result:     result,
		Ethics:     outcome.Ethics,
		Resource:   outcome.Resource,
	}
	if outcome.Gate != nil {
		done.GateID = outcome.Gate.GateID
		done.GateStatus = outcome.Gate.Status
	}
	if err := r.append(domain.EventPhaseCompleted, done); err != nil {
		return outcome, err
	}
	logger.Info("phase completed", "ethics_score", outcome.Ethics.Score, "cost", outcome.Resource.Cost)
	return outcome, nil
}

// execute runs the computation and normalizes its result to the JSON shape
// every later reader sees
func (r *Runner) execute(phase domain.PhaseDefinition, run domain.PipelineRun, rc *repro.Context) (map[string]any, error) {
	fn := r.compute[phase.Index]
	raw, err := fn(Input{
		Phase:  phase,
		Inputs: run.Inputs,
		Prior:  run.Outputs(),
		Seed:   rc.Seed(),
		Rand:   rc.Rand(phase.Index),
		Pins:   rc.Info().PinnedArtifacts,
	})
	if err != nil {
		return nil, fmt.Errorf("phase %s: %w", phase.Name, err)
	}
	canonical, err := audit.Canonicalize(raw)
	if err != nil {
		return nil, fmt.Errorf("phase %s result: %w", phase.Name, err)
	}
	var result map[string]any
	if err := json.Unmarshal(canonical, &result); err != nil {
		return nil, fmt.Errorf("phase %s result is not an object: %w", phase.Name, err)
	}
	if result == nil {
		result = map[string]any{}
	}
	return result, nil
}

func (r *Runner) passGate(ctx context.Context, phase domain.PhaseDefinition, runID string) (domain.GateRequest, error) {
	req, err := r.gates.Open(runID, phase.Index, phase.GateRole)
	if err != nil {
		return domain.GateRequest{}, err
	}
	if !r.gatesEnabled {
		return r.gates.AutoApprove(req.ID)
	}
	return r.gates.Await(ctx, req.ID, r.timeout)
}

func (r *Runner) evaluate(phaseIndex int, payload map[string]any) domain.EthicsVerdict {
	if r.ethics == nil {
		return domain.EthicsVerdict{Score: 1, Passed: true}
	}
	return r.ethics.Evaluate(phaseIndex, payload)
}

func (r *Runner) measure(phaseIndex int, payload map[string]any) domain.ResourceCost {
	if r.costs == nil {
		return domain.ResourceCost{}
	}
	return r.costs.Measure(phaseIndex, payload)
}

func (r *Runner) append(eventType domain.EventType, payload any) error {
	if _, err := r.audit.Append(eventType, payload); err != nil {
		if errors.Is(err, domain.ErrAuditFailure) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", domain.ErrAuditFailure, eventType, err)
	}
	return nil
}

func abortCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, domain.ErrAborted) {
		return cause
	}
	return fmt.Errorf("%w: %v", domain.ErrAborted, cause)
}
