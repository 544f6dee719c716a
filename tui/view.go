package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/hochfrequenz/epistemic-engine/internal/domain"
)

var (
	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255")).
			Background(lipgloss.Color("238"))

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))

	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimmedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))
)

// View renders the console
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	header := fmt.Sprintf(" Epistemic Engine │ Reviewer: %s │ Pending gates: %d │ Runs: %d ",
		orDash(m.role), len(m.gates), len(m.runs))
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")
	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	var section string
	switch m.activeTab {
	case TabGates:
		section = m.renderGates()
	case TabRuns:
		section = m.renderRuns()
		if m.showDetail {
			section += "\n" + m.renderRunDetail()
		}
	}
	b.WriteString(sectionStyle.Width(m.width - 2).Render(section))
	b.WriteString("\n")

	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m Model) renderTabs() string {
	names := []string{"Gates", "Runs"}
	var parts []string
	for i, name := range names {
		if i == m.activeTab {
			parts = append(parts, tabActiveStyle.Render(name))
		} else {
			parts = append(parts, tabInactiveStyle.Render(name))
		}
	}
	return " " + strings.Join(parts, "   ")
}

func (m Model) renderGates() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("AWAITING REVIEW"))
	b.WriteString("\n")
	if len(m.gates) == 0 {
		b.WriteString(dimmedStyle.Render("No gates are waiting for a decision"))
		return b.String()
	}
	for i, g := range m.gates {
		line := fmt.Sprintf("%-10s run %-10s %-14s needs %-10s opened %s",
			shortID(g.ID), shortID(g.RunID), m.phaseName(g.PhaseIndex), g.RequiredRole,
			humanize.RelTime(g.CreatedAt, m.now(), "ago", "from now"))
		if i == m.selectedRow {
			line = selectedStyle.Render("▶ " + line)
		} else {
			line = "  " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderRuns() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RECENT RUNS"))
	b.WriteString("\n")
	if len(m.runs) == 0 {
		b.WriteString(dimmedStyle.Render("No runs recorded yet"))
		return b.String()
	}
	for i, r := range m.runs {
		started := "-"
		if r.StartedAt != nil {
			started = humanize.RelTime(*r.StartedAt, m.now(), "ago", "from now")
		}
		line := fmt.Sprintf("%-10s %-14s %d/%d phases  seed %-20d %s",
			shortID(r.RunID), r.Status, len(r.PhaseOutcomes), max(len(m.phases), 8), r.Seed, started)
		if r.Failure != nil {
			line += "  " + string(r.Failure.Kind)
		}
		if i == m.selectedRow {
			b.WriteString(selectedStyle.Render("▶ " + line))
		} else {
			b.WriteString("  " + statusStyle(r.Status).Render(line))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderRunDetail() string {
	r, ok := m.SelectedRun()
	if !ok {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("RUN " + r.RunID))
	b.WriteString("\n")
	for _, o := range r.PhaseOutcomes {
		gate := ""
		if o.Gate != nil {
			gate = fmt.Sprintf("  gate %s by %s", o.Gate.Status, orDash(o.Gate.ActorRole))
		}
		fmt.Fprintf(&b, "  %d %-12s ethics %.2f  cost %.2f/%.2f%s\n",
			o.PhaseIndex, o.PhaseName, o.Ethics.Score, o.Resource.Cost, o.Resource.Budget, gate)
	}
	if r.OpenGate != nil {
		fmt.Fprintf(&b, "  %s\n", warningStyle.Render(fmt.Sprintf("waiting on gate %s (%s)", shortID(r.OpenGate.ID), r.OpenGate.RequiredRole)))
	}
	if r.Failure != nil {
		fmt.Fprintf(&b, "  %s\n", failedStyle.Render(r.Failure.String()))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderStatusBar() string {
	var text string
	switch {
	case m.composing:
		text = fmt.Sprintf(" %s rationale: %s█  (enter submit, esc cancel)", m.decision, m.rationale)
	case m.err != nil:
		text = " " + failedStyle.Render("refresh failed: "+m.err.Error())
	case m.status != "":
		text = " " + m.status
	default:
		text = " a approve │ x reject │ tab switch │ enter details │ r refresh │ q quit"
	}
	return statusBarStyle.Width(m.width).Render(text)
}

func statusStyle(s domain.RunStatus) lipgloss.Style {
	switch s {
	case domain.RunCompleted:
		return completedStyle
	case domain.RunFailed, domain.RunGateRejected:
		return failedStyle
	case domain.RunAwaitingGate:
		return warningStyle
	}
	return lipgloss.NewStyle()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
