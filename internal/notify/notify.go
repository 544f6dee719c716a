// Package notify tells people outside the process that a run needs them or has ended
package notify

import (
	"errors"
	"fmt"

	"github.com/hochfrequenz/epistemic-engine/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	RunID   string

	// Phase and PhaseIndex name the phase a gate or failure belongs to
	Phase      string
	PhaseIndex int
	// GateID and RequiredRole are set when an approver is needed
	GateID       string
	RequiredRole string
}

// ApproveCommand returns the CLI line that approves the gate, or "" when
// the notification is not about a gate
func (n Notification) ApproveCommand() string {
	if n.GateID == "" {
		return ""
	}
	return fmt.Sprintf("are approve %s --role %s", n.GateID, n.RequiredRole)
}

// PhaseLabel is "3 analysis" style, or "" without a phase
func (n Notification) PhaseLabel() string {
	if n.Phase == "" {
		return ""
	}
	return fmt.Sprintf("%d %s", n.PhaseIndex, n.Phase)
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers and joins their errors
func (m *MultiNotifier) Send(n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// GateOpened asks for an approver
func GateOpened(req domain.GateRequest, phaseName string) Notification {
	return Notification{
		Title:        fmt.Sprintf("Approval needed: %s", phaseName),
		Message:      fmt.Sprintf("Gate %s on phase %d needs a decision by role %s or above", req.ID, req.PhaseIndex, req.RequiredRole),
		Type:         NotifyWarning,
		RunID:        req.RunID,
		Phase:        phaseName,
		PhaseIndex:   req.PhaseIndex,
		GateID:       req.ID,
		RequiredRole: req.RequiredRole,
	}
}

// RunFinished reports a run that reached a terminal status
func RunFinished(run domain.PipelineRun) Notification {
	if run.Status == domain.RunCompleted {
		return Notification{
			Title:   "Pipeline completed",
			Message: fmt.Sprintf("Run %s completed all %d phases", run.RunID, len(run.PhaseOutcomes)),
			Type:    NotifySuccess,
			RunID:   run.RunID,
		}
	}
	n := Notification{
		Title:   "Pipeline failed",
		Message: fmt.Sprintf("Run %s ended as %s", run.RunID, run.Status),
		Type:    NotifyError,
		RunID:   run.RunID,
	}
	if f := run.Failure; f != nil {
		n.Message = fmt.Sprintf("Run %s failed: %s", run.RunID, f)
		n.Phase = f.PhaseName
		n.PhaseIndex = f.PhaseIndex
		if f.Kind == domain.FailureAborted {
			n.Title = "Pipeline aborted"
			n.Type = NotifyInfo
		}
	}
	return n
}
