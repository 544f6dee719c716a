package tui

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/hochfrequenz/epistemic-engine/internal/domain"
)

var errNoSubmitter = errors.New("console is read-only")

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.composing {
			return m.updateCompose(msg)
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.loadCmd()
		case "j", "down":
			if m.selectedRow < m.rows()-1 {
				m.selectedRow++
			}
		case "k", "up":
			if m.selectedRow > 0 {
				m.selectedRow--
			}
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			m.selectedRow = 0
			m.showDetail = false
		case "g":
			m.activeTab = TabGates
			m.selectedRow = 0
		case "u":
			m.activeTab = TabRuns
			m.selectedRow = 0
		case "enter":
			if m.activeTab == TabRuns && len(m.runs) > 0 {
				m.showDetail = !m.showDetail
			}
		case "a":
			m = m.startCompose(domain.DecisionApprove)
		case "x":
			m = m.startCompose(domain.DecisionReject)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(m.loadCmd(), m.tickCmd())

	case DataMsg:
		m.err = msg.Err
		if msg.Err == nil {
			m.gates = msg.Gates
			m.runs = msg.Runs
			m.lastRefresh = m.now()
		}
		if n := m.rows(); m.selectedRow >= n {
			m.selectedRow = max(n-1, 0)
		}

	case DecisionMsg:
		if msg.Err != nil {
			m.status = fmt.Sprintf("%s %s failed: %v", msg.Decision, shortID(msg.GateID), msg.Err)
		} else {
			m.status = fmt.Sprintf("%s submitted for %s", msg.Decision, shortID(msg.GateID))
		}
		return m, m.loadCmd()
	}

	return m, nil
}

func (m Model) startCompose(d domain.Decision) Model {
	if _, ok := m.SelectedGate(); !ok {
		return m
	}
	m.composing = true
	m.decision = d
	m.rationale = ""
	m.status = ""
	return m
}

func (m Model) updateCompose(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit
	case tea.KeyEsc:
		m.composing = false
		m.status = "decision cancelled"
	case tea.KeyEnter:
		m.composing = false
		g, ok := m.SelectedGate()
		if !ok {
			return m, nil
		}
		return m, m.submitCmd(g.ID, m.decision, strings.TrimSpace(m.rationale))
	case tea.KeyBackspace:
		if r := []rune(m.rationale); len(r) > 0 {
			m.rationale = string(r[:len(r)-1])
		}
	case tea.KeySpace:
		m.rationale += " "
	case tea.KeyRunes:
		m.rationale += string(msg.Runes)
	}
	return m, nil
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
