package notify

import (
	"fmt"
	"os/exec"
	"runtime"
)

// Urgency is the freedesktop notification urgency level
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyCritical Urgency = "critical"
)

// UrgencyFor ranks a notification. A pending gate blocks the run until
// someone acts, so it is as urgent as a failure.
func UrgencyFor(t NotificationType) Urgency {
	switch t {
	case NotifyWarning, NotifyError:
		return UrgencyCritical
	case NotifySuccess:
		return UrgencyNormal
	default:
		return UrgencyLow
	}
}

// DesktopNotifier pops up local notifications through notify-send or osascript
type DesktopNotifier struct {
	enabled bool
}

// NewDesktopNotifier creates a desktop notifier; disabled it sends nothing
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled}
}

// Send shows n on the local desktop. Unsupported platforms are a no-op.
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("osascript", "-e", macScript(n))
	case "linux":
		cmd = exec.Command("notify-send", linuxArgs(n)...)
	default:
		return nil
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("desktop notification: %w", err)
	}
	return nil
}

// desktopBody appends the approve command so a reviewer can act from the popup
func desktopBody(n Notification) string {
	if cmd := n.ApproveCommand(); cmd != "" {
		return n.Message + "\n" + cmd
	}
	return n.Message
}

func linuxArgs(n Notification) []string {
	urgency := UrgencyFor(n.Type)
	args := []string{
		"--app-name", "are",
		"--urgency", string(urgency),
		"--icon", iconFor(n.Type),
	}
	if urgency == UrgencyCritical {
		args = append(args, "--category", "im.received")
	}
	return append(args, n.Title, desktopBody(n))
}

func macScript(n Notification) string {
	script := fmt.Sprintf("display notification %q with title %q", desktopBody(n), n.Title)
	if label := n.PhaseLabel(); label != "" {
		script += fmt.Sprintf(" subtitle %q", "phase "+label)
	}
	if UrgencyFor(n.Type) == UrgencyCritical {
		script += ` sound name "Basso"`
	}
	return script
}

func iconFor(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
