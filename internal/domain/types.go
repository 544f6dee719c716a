package domain

// RunStatus represents the lifecycle state of a pipeline run
type RunStatus string

const (
	RunPending      RunStatus = "pending"
	RunRunning      RunStatus = "running"
	RunAwaitingGate RunStatus = "awaiting_gate"
	RunGateRejected RunStatus = "gate_rejected"
	RunCompleted    RunStatus = "completed"
	RunFailed       RunStatus = "failed"
)

// IsActive reports whether a run with this status is still in flight
func (s RunStatus) IsActive() bool {
	return s == RunRunning || s == RunAwaitingGate || s == RunGateRejected
}

// GateStatus represents the state of a human review gate request
type GateStatus string

const (
	GatePending      GateStatus = "pending"
	GateApproved     GateStatus = "approved"
	GateRejected     GateStatus = "rejected"
	GateTimedOut     GateStatus = "timed_out"
	GateAutoApproved GateStatus = "auto_approved"
)

// IsTerminal reports whether no further transition is possible
func (s GateStatus) IsTerminal() bool {
	return s != GatePending
}

// Passes reports whether the gate lets its phase advance
func (s GateStatus) Passes() bool {
	return s == GateApproved || s == GateAutoApproved
}

// Decision is what a human reviewer submits for a gate
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ParseDecision accepts the common spellings used by approvers
func ParseDecision(s string) (Decision, error) {
	switch s {
	case "approve", "approved", "yes":
		return DecisionApprove, nil
	case "reject", "rejected", "no":
		return DecisionReject, nil
	}
	return "", ErrInvalidDecision
}

// EventType names an audit record kind
type EventType string

const (
	EventPhaseStarted           EventType = "phase_started"
	EventPhaseCompleted         EventType = "phase_completed"
	EventPhaseBlocked           EventType = "phase_blocked"
	EventGateDecision           EventType = "gate_decision"
	EventGateTimedOut           EventType = "gate_timed_out"
	EventPipelineCompleted      EventType = "pipeline_completed"
	EventPipelineFailed         EventType = "pipeline_failed"
	EventPipelineAbortRequested EventType = "pipeline_abort_requested"
	EventArtifactPinned         EventType = "artifact_pinned"
)
