package domain

import (
	"errors"
	"fmt"
)

// Audit chain
var (
	ErrInvalidPayload = errors.New("invalid audit payload")
	ErrAuditFailure   = errors.New("audit chain append failed")
)

// Gate protocol misuse. None of these touch the audit chain or run state.
var (
	ErrGateAlreadyOpen   = errors.New("gate already open for run")
	ErrGateAlreadyClosed = errors.New("gate already closed")
	ErrUnknownGate       = errors.New("unknown gate")
	ErrRoleMismatch      = errors.New("actor role does not outrank required role")
	ErrInvalidDecision   = errors.New("decision must be approve or reject")
)

// Governance failures halt the run, not the process
var (
	ErrGateRejected    = errors.New("gate rejected")
	ErrEthicsViolation = errors.New("ethics violation")
	ErrAborted         = errors.New("run aborted")
)

// Engine guards
var (
	ErrRunInProgress = errors.New("run in progress")
	ErrUnknownRun    = errors.New("unknown or inactive run")
	ErrDuplicatePin  = errors.New("artifact already pinned to a different version")
)

// FailureKind classifies why a run ended unsuccessfully
type FailureKind string

const (
	FailureGateRejected    FailureKind = "gate_rejected"
	FailureGateTimedOut    FailureKind = "gate_timed_out"
	FailureEthicsViolation FailureKind = "ethics_violation"
	FailureAborted         FailureKind = "aborted"
	FailureAuditFailure    FailureKind = "audit_failure"
	FailureCompute         FailureKind = "compute_failure"
)

// Failure describes the phase and cause that halted a run
type Failure struct {
	Kind       FailureKind `json:"kind"`
	PhaseIndex int         `json:"phase_index"`
	PhaseName  string      `json:"phase_name,omitempty"`
	Message    string      `json:"message"`
}

func (f *Failure) String() string {
	if f.PhaseName == "" {
		return fmt.Sprintf("%s: %s", f.Kind, f.Message)
	}
	return fmt.Sprintf("%s at phase %d (%s): %s", f.Kind, f.PhaseIndex, f.PhaseName, f.Message)
}

// IsGovernance reports whether the failure came from a governance decision
// rather than from the engine itself
func (f *Failure) IsGovernance() bool {
	switch f.Kind {
	case FailureGateRejected, FailureGateTimedOut, FailureEthicsViolation:
		return true
	}
	return false
}
