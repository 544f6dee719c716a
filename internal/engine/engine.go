// Package engine drives a pipeline run through its eight phases under
// governance: one run at a time, halting on the first rejected gate or failed
// ethics audit, with every transition on the audit chain.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/epistemic-engine/internal/audit"
	"github.com/hochfrequenz/epistemic-engine/internal/domain"
	"github.com/hochfrequenz/epistemic-engine/internal/ethics"
	"github.com/hochfrequenz/epistemic-engine/internal/gate"
	"github.com/hochfrequenz/epistemic-engine/internal/notify"
	"github.com/hochfrequenz/epistemic-engine/internal/pipeline"
	"github.com/hochfrequenz/epistemic-engine/internal/repro"
	"github.com/hochfrequenz/epistemic-engine/internal/resource"
)

// SnapshotStore keeps queryable copies of run state
type SnapshotStore interface {
	SaveRun(run domain.PipelineRun) error
	SaveOutcome(runID string, o domain.PhaseOutcome) error
	SaveGate(req domain.GateRequest) error
}

// Options configures an Engine. Audit is required; the caller owns it and
// any Store and closes them after the engine is done.
type Options struct {
	PipelineID string
	// Phases defaults to the eight phases with the default gates
	Phases []domain.PhaseDefinition
	Audit  *audit.Chain
	// Repro defaults to a randomly seeded context
	Repro   *repro.Context
	Roles   gate.RoleHierarchy
	Ethics  pipeline.EthicsProvider
	Costs   pipeline.CostProvider
	Compute []pipeline.ComputeFunc

	// GatesEnabled false auto-approves every gate and audits that oversight was bypassed
	GatesEnabled bool
	// GateTimeout bounds each gate wait. Zero expires a gate immediately;
	// gate.NoTimeout waits until a decision or an abort.
	GateTimeout time.Duration

	Store    SnapshotStore
	Notifier notify.Notifier
	Clock    func() time.Time
	Logger   *slog.Logger
}

// Result is what Execute returns for every run it started
type Result struct {
	RunID         string                `json:"run_id"`
	Success       bool                  `json:"success"`
	Status        domain.RunStatus      `json:"status"`
	Seed          int64                 `json:"seed"`
	PhaseOutcomes []domain.PhaseOutcome `json:"phase_outcomes"`
	Failure       *domain.Failure       `json:"failure_reason,omitempty"`
}

// AuditTrail is the exported chain with its verification
type AuditTrail struct {
	Records    []audit.Record `json:"records"`
	ChainValid bool           `json:"chain_valid"`
	BreakIndex int            `json:"break_index"`
	Reason     string         `json:"reason,omitempty"`
}

// Engine runs one pipeline instance
type Engine struct {
	pipelineID   string
	phases       []domain.PhaseDefinition
	chain        *audit.Chain
	gates        *gate.Controller
	runner       *pipeline.Runner
	repro        *repro.Context
	ethics       pipeline.EthicsProvider
	costs        pipeline.CostProvider
	gatesEnabled bool
	store        SnapshotStore
	notifier     notify.Notifier
	now          func() time.Time
	log          *slog.Logger

	inFlight atomic.Bool

	mu  sync.RWMutex
	run domain.PipelineRun
	// chain length when the current run started; seeds its gate IDs
	runBase int
	blocked *domain.PhaseOutcome
	cancel  context.CancelCauseFunc
}

// New wires an Engine from opts
func New(opts Options) (*Engine, error) {
	if opts.Audit == nil {
		return nil, fmt.Errorf("engine needs an audit chain")
	}
	e := &Engine{
		pipelineID:   opts.PipelineID,
		phases:       opts.Phases,
		chain:        opts.Audit,
		repro:        opts.Repro,
		ethics:       opts.Ethics,
		costs:        opts.Costs,
		gatesEnabled: opts.GatesEnabled,
		store:        opts.Store,
		notifier:     opts.Notifier,
		now:          opts.Clock,
		log:          opts.Logger,
	}
	if e.pipelineID == "" {
		e.pipelineID = "default"
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.notifier == nil {
		e.notifier = notify.NoopNotifier{}
	}
	if e.ethics == nil {
		e.ethics = ethics.NewFramework(ethics.DefaultThreshold)
	}
	if e.costs == nil {
		e.costs = resource.Unmetered{}
	}
	if e.repro == nil {
		rc, err := repro.NewRandom()
		if err != nil {
			return nil, err
		}
		e.repro = rc
	}
	if e.phases == nil {
		defs, err := pipeline.Definitions(pipeline.DefaultGates())
		if err != nil {
			return nil, err
		}
		e.phases = defs
	}
	if err := pipeline.ValidateDefinitions(e.phases); err != nil {
		return nil, err
	}

	roles := opts.Roles
	if roles == nil {
		roles = gate.DefaultLadder()
	}
	if known, ok := roles.(interface{ Has(string) bool }); ok {
		for _, p := range e.phases {
			if p.RequiresGate && !known.Has(p.GateRole) {
				return nil, fmt.Errorf("phase %d (%s) is gated on unknown role %q", p.Index, p.Name, p.GateRole)
			}
		}
	}

	e.gates = gate.NewController(e.chain, gate.Options{
		Roles:    roles,
		Clock:    e.now,
		Logger:   e.log,
		OnChange: e.onGateChange,
		NewID:    e.gateID,
	})
	runner, err := pipeline.NewRunner(pipeline.RunnerConfig{
		Audit:        e.chain,
		Gates:        e.gates,
		Ethics:       e.ethics,
		Costs:        e.costs,
		Compute:      opts.Compute,
		GatesEnabled: opts.GatesEnabled,
		GateTimeout:  opts.GateTimeout,
		Clock:        e.now,
		Logger:       e.log,
	})
	if err != nil {
		return nil, err
	}
	e.runner = runner
	e.run = domain.PipelineRun{
		PipelineID: e.pipelineID,
		Seed:       e.repro.Seed(),
		Status:     domain.RunPending,
	}
	return e, nil
}

var gateNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("epistemic-engine/gate"))

// gateID derives a gate ID from the pipeline, the seed, the chain position
// the run started at and the phase, so a rerun with the same seed against
// the same log history opens the same gates
func (e *Engine) gateID(_ string, phaseIndex int) string {
	e.mu.RLock()
	base := e.runBase
	e.mu.RUnlock()
	name := fmt.Sprintf("%s/%d/%d/%d", e.pipelineID, e.repro.Seed(), base, phaseIndex)
	return uuid.NewSHA1(gateNamespace, []byte(name)).String()
}

type runEvent struct {
	RunID      string    `json:"run_id"`
	PipelineID string    `json:"pipeline_id"`
	Phases     int       `json:"phases"`
	Seed       int64     `json:"seed"`
	Timestamp  time.Time `json:"timestamp"`
}

type failedEvent struct {
	RunID      string             `json:"run_id"`
	PhaseIndex int                `json:"phase_index"`
	PhaseName  string             `json:"phase_name"`
	Reason     domain.FailureKind `json:"reason"`
	Message    string             `json:"message"`
	Timestamp  time.Time          `json:"timestamp"`
}

type abortEvent struct {
	RunID      string    `json:"run_id"`
	PhaseIndex int       `json:"phase_index"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

type pinEvent struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// Execute runs all phases over inputs. A run that started always yields a
// Result; the error is non-nil only when the run could not start or the
// audit chain could not be written.
func (e *Engine) Execute(ctx context.Context, inputs map[string]any) (Result, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return Result{}, domain.ErrRunInProgress
	}
	defer e.inFlight.Store(false)

	normalized, err := normalizeInputs(inputs)
	if err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	started := e.now()
	run := domain.PipelineRun{
		RunID:         uuid.NewString(),
		PipelineID:    e.pipelineID,
		Seed:          e.repro.Seed(),
		Status:        domain.RunRunning,
		Inputs:        normalized,
		PhaseOutcomes: []domain.PhaseOutcome{},
		StartedAt:     &started,
	}
	e.mu.Lock()
	e.run = run
	e.runBase = e.chain.Len()
	e.blocked = nil
	e.cancel = cancel
	e.mu.Unlock()

	logger := e.log.With("run_id", run.RunID)
	logger.Info("run started", "pipeline_id", e.pipelineID, "seed", run.Seed)
	if !e.gatesEnabled {
		logger.Warn("gates disabled, every gate will be auto-approved")
	}
	e.saveRun(run)

	for _, phase := range e.phases {
		if ctx.Err() != nil {
			return e.fail(run.RunID, phase, nil, abortError(ctx))
		}

		e.mu.Lock()
		e.run.CurrentPhaseIndex = phase.Index
		snapshot := e.run.Clone()
		e.mu.Unlock()
		e.saveRun(snapshot)

		outcome, err := e.runner.Run(ctx, phase, snapshot, e.repro)
		if err != nil {
			if ctx.Err() != nil && !errors.Is(err, domain.ErrAuditFailure) {
				err = abortError(ctx)
			}
			return e.fail(run.RunID, phase, &outcome, err)
		}

		e.mu.Lock()
		e.run.PhaseOutcomes = append(e.run.PhaseOutcomes, outcome)
		e.mu.Unlock()
		e.saveOutcome(run.RunID, outcome)
	}

	return e.complete(ctx, run.RunID)
}

func (e *Engine) complete(ctx context.Context, runID string) (Result, error) {
	last := e.phases[len(e.phases)-1]
	e.mu.Lock()
	if ctx.Err() != nil || e.run.Status == domain.RunFailed {
		e.mu.Unlock()
		return e.fail(runID, last, nil, abortError(ctx))
	}
	finished := e.now()
	_, err := e.chain.Append(domain.EventPipelineCompleted, runEvent{
		RunID:      runID,
		PipelineID: e.pipelineID,
		Phases:     len(e.run.PhaseOutcomes),
		Seed:       e.run.Seed,
		Timestamp:  finished,
	})
	if err != nil {
		e.mu.Unlock()
		return e.fail(runID, last, nil, err)
	}
	e.run.Status = domain.RunCompleted
	e.run.FinishedAt = &finished
	e.run.OpenGate = nil
	e.cancel = nil
	run := e.run.Clone()
	e.mu.Unlock()

	e.log.Info("run completed", "run_id", runID, "phases", len(run.PhaseOutcomes))
	e.saveRun(run)
	e.send(notify.RunFinished(run))
	return resultOf(run), nil
}

// fail records the single terminal pipeline_failed record of a run
func (e *Engine) fail(runID string, phase domain.PhaseDefinition, outcome *domain.PhaseOutcome, cause error) (Result, error) {
	kind := classify(cause)

	e.mu.Lock()
	failure := &domain.Failure{
		Kind:       kind,
		PhaseIndex: phase.Index,
		PhaseName:  phase.Name,
		Message:    cause.Error(),
	}
	if kind == domain.FailureAborted && e.run.Failure != nil && e.run.Failure.Kind == domain.FailureAborted {
		// Abort already recorded where the run was and why
		failure = e.run.Failure
	}
	finished := e.now()
	_, aerr := e.chain.Append(domain.EventPipelineFailed, failedEvent{
		RunID:      runID,
		PhaseIndex: failure.PhaseIndex,
		PhaseName:  failure.PhaseName,
		Reason:     failure.Kind,
		Message:    failure.Message,
		Timestamp:  finished,
	})
	e.run.Status = domain.RunFailed
	e.run.Failure = failure
	e.run.FinishedAt = &finished
	e.run.OpenGate = nil
	e.cancel = nil
	if outcome != nil && (outcome.Result != nil || outcome.Gate != nil) {
		o := *outcome
		e.blocked = &o
	}
	run := e.run.Clone()
	e.mu.Unlock()

	logger := e.log.With("run_id", runID, "phase", failure.PhaseIndex, "reason", failure.Kind)
	if failure.IsGovernance() || kind == domain.FailureAborted {
		logger.Warn("run halted", "message", failure.Message)
	} else {
		logger.Error("run failed", "err", cause)
	}
	e.saveRun(run)
	e.send(notify.RunFinished(run))

	var err error
	switch {
	case kind == domain.FailureAuditFailure:
		err = cause
	case aerr != nil:
		err = aerr
	}
	if aerr != nil {
		logger.Error("terminal record not written", "err", aerr)
	}
	return resultOf(run), err
}

func classify(err error) domain.FailureKind {
	var gerr *pipeline.GateError
	switch {
	case errors.Is(err, domain.ErrAuditFailure):
		return domain.FailureAuditFailure
	case errors.Is(err, domain.ErrAborted):
		return domain.FailureAborted
	case errors.As(err, &gerr) && gerr.TimedOut():
		return domain.FailureGateTimedOut
	case errors.Is(err, domain.ErrGateRejected):
		return domain.FailureGateRejected
	case errors.Is(err, domain.ErrEthicsViolation):
		return domain.FailureEthicsViolation
	}
	return domain.FailureCompute
}

func abortError(ctx context.Context) error {
	cause := context.Cause(ctx)
	switch {
	case cause == nil:
		return domain.ErrAborted
	case errors.Is(cause, domain.ErrAborted):
		return cause
	}
	return fmt.Errorf("%w: %v", domain.ErrAborted, cause)
}

func resultOf(run domain.PipelineRun) Result {
	return Result{
		RunID:         run.RunID,
		Success:       run.Status == domain.RunCompleted,
		Status:        run.Status,
		Seed:          run.Seed,
		PhaseOutcomes: run.PhaseOutcomes,
		Failure:       run.Failure,
	}
}

// Abort stops the active run runID. The run is marked failed immediately and
// its pending gate, if any, resolves as timed out.
func (e *Engine) Abort(runID, reason string) error {
	if reason == "" {
		reason = "aborted by operator"
	}
	e.mu.Lock()
	if runID == "" || e.run.RunID != runID || !e.run.Status.IsActive() || e.cancel == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrUnknownRun, runID)
	}
	phase := e.phases[e.run.CurrentPhaseIndex]
	if _, err := e.chain.Append(domain.EventPipelineAbortRequested, abortEvent{
		RunID:      runID,
		PhaseIndex: phase.Index,
		Reason:     reason,
		Timestamp:  e.now(),
	}); err != nil {
		e.mu.Unlock()
		return err
	}
	e.run.Status = domain.RunFailed
	e.run.Failure = &domain.Failure{
		Kind:       domain.FailureAborted,
		PhaseIndex: phase.Index,
		PhaseName:  phase.Name,
		Message:    reason,
	}
	cancel := e.cancel
	run := e.run.Clone()
	e.mu.Unlock()

	e.log.Warn("abort requested", "run_id", runID, "phase", phase.Index, "reason", reason)
	cancel(fmt.Errorf("%w: %s", domain.ErrAborted, reason))
	e.saveRun(run)
	return nil
}

// Status returns a copy of the current (or last) run
func (e *Engine) Status() domain.PipelineRun {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.run.Clone()
}

// AuditTrail exports the chain and verifies it
func (e *Engine) AuditTrail() AuditTrail {
	records := e.chain.Export()
	v := audit.VerifyRecords(records, e.chain.Hasher())
	return AuditTrail{
		Records:    records,
		ChainValid: v.Valid,
		BreakIndex: v.BreakIndex,
		Reason:     v.Reason,
	}
}

// ReproducibilityInfo returns the seed and pinned artifacts
func (e *Engine) ReproducibilityInfo() repro.Info {
	return e.repro.Info()
}

// PinModel pins an artifact version. The first pin of a name is audited;
// pinning the same version again changes nothing.
func (e *Engine) PinModel(name, version string) error {
	added, err := e.repro.Pin(name, version)
	if err != nil {
		return err
	}
	if !added {
		return nil
	}
	if _, err := e.chain.Append(domain.EventArtifactPinned, pinEvent{Name: name, Version: version, Timestamp: e.now()}); err != nil {
		return err
	}
	e.log.Info("artifact pinned", "name", name, "version", version)
	return nil
}

// Decide submits a reviewer decision for a gate
func (e *Engine) Decide(gateID string, decision domain.Decision, actorRole, rationale string) (domain.GateRequest, error) {
	return e.gates.Decide(gateID, decision, actorRole, rationale)
}

// PendingGate returns the gate the active run is waiting on, if any
func (e *Engine) PendingGate() (domain.GateRequest, bool) {
	return e.gates.Current()
}

// Phases returns the phase definitions in order
func (e *Engine) Phases() []domain.PhaseDefinition {
	return append([]domain.PhaseDefinition(nil), e.phases...)
}

func (e *Engine) onGateChange(changed domain.GateRequest) {
	// Callbacks can arrive out of order when a decision races the open
	// notification; the controller always holds the latest state.
	req, ok := e.gates.Get(changed.ID)
	if !ok {
		req = changed
	}

	e.mu.Lock()
	if e.run.RunID == req.RunID {
		if req.Status == domain.GatePending {
			if e.run.Status == domain.RunRunning {
				e.run.Status = domain.RunAwaitingGate
			}
			r := req
			e.run.OpenGate = &r
		} else {
			e.run.OpenGate = nil
			if e.run.Status == domain.RunAwaitingGate {
				if req.Status.Passes() {
					e.run.Status = domain.RunRunning
				} else {
					e.run.Status = domain.RunGateRejected
				}
			}
		}
	}
	run := e.run.Clone()
	e.mu.Unlock()

	e.saveGate(req)
	e.saveRun(run)
	if changed.Status == domain.GatePending && req.Status == domain.GatePending {
		e.send(notify.GateOpened(req, e.phases[req.PhaseIndex].Name))
	}
}

func (e *Engine) saveRun(run domain.PipelineRun) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveRun(run); err != nil {
		e.log.Warn("snapshot write failed", "run_id", run.RunID, "err", err)
	}
}

func (e *Engine) saveOutcome(runID string, o domain.PhaseOutcome) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveOutcome(runID, o); err != nil {
		e.log.Warn("snapshot write failed", "run_id", runID, "phase", o.PhaseIndex, "err", err)
	}
}

func (e *Engine) saveGate(req domain.GateRequest) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveGate(req); err != nil {
		e.log.Warn("snapshot write failed", "gate_id", req.ID, "err", err)
	}
}

func (e *Engine) send(n notify.Notification) {
	if err := e.notifier.Send(n); err != nil {
		e.log.Warn("notification failed", "run_id", n.RunID, "err", err)
	}
}

// normalizeInputs gives inputs the JSON shape every phase reads
func normalizeInputs(inputs map[string]any) (map[string]any, error) {
	if inputs == nil {
		return map[string]any{}, nil
	}
	canonical, err := audit.Canonicalize(inputs)
	if err != nil {
		return nil, fmt.Errorf("inputs: %w", err)
	}
	out := make(map[string]any)
	if err := json.Unmarshal(canonical, &out); err != nil {
		return nil, fmt.Errorf("inputs: %w: %v", domain.ErrInvalidPayload, err)
	}
	return out, nil
}
