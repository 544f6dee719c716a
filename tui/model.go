package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/hochfrequenz/epistemic-engine/internal/domain"
	"github.com/hochfrequenz/epistemic-engine/internal/runstore"
)

// Tabs of the review console
const (
	TabGates = iota
	TabRuns
	tabCount
)

// Source supplies the data shown by the console
type Source interface {
	PendingGates() ([]domain.GateRequest, error)
	ListRuns(opts runstore.ListOptions) ([]*domain.PipelineRun, error)
}

// SubmitFunc hands a reviewer decision to whatever process owns the gate
type SubmitFunc func(gateID string, decision domain.Decision, actorRole, rationale string) error

// Model is the review console application model
type Model struct {
	// Data
	source Source
	submit SubmitFunc
	role   string
	phases []domain.PhaseDefinition
	gates  []domain.GateRequest
	runs   []*domain.PipelineRun

	// UI state
	width       int
	height      int
	activeTab   int
	selectedRow int
	showDetail  bool

	// Decision entry
	composing bool
	decision  domain.Decision
	rationale string

	status       string
	err          error
	refreshEvery time.Duration
	lastRefresh  time.Time
	now          func() time.Time
}

// ModelConfig holds the dependencies of the console
type ModelConfig struct {
	Source Source
	Submit SubmitFunc
	// Role is the reviewer role decisions are submitted under
	Role         string
	Phases       []domain.PhaseDefinition
	RefreshEvery time.Duration
	Now          func() time.Time
}

// NewModel creates a new console model
func NewModel(cfg ModelConfig) Model {
	refresh := cfg.RefreshEvery
	if refresh <= 0 {
		refresh = 2 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return Model{
		source:       cfg.Source,
		submit:       cfg.Submit,
		role:         cfg.Role,
		phases:       cfg.Phases,
		refreshEvery: refresh,
		now:          now,
	}
}

// Init loads the first snapshot and starts the refresh ticker
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadCmd(), m.tickCmd())
}

// TickMsg triggers a refresh
type TickMsg time.Time

// DataMsg carries a fresh snapshot from the source
type DataMsg struct {
	Gates []domain.GateRequest
	Runs  []*domain.PipelineRun
	Err   error
}

// DecisionMsg reports the outcome of a submitted decision
type DecisionMsg struct {
	GateID   string
	Decision domain.Decision
	Err      error
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.refreshEvery, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) loadCmd() tea.Cmd {
	source := m.source
	return func() tea.Msg {
		if source == nil {
			return DataMsg{}
		}
		gates, err := source.PendingGates()
		if err != nil {
			return DataMsg{Err: err}
		}
		runs, err := source.ListRuns(runstore.ListOptions{Limit: 20})
		return DataMsg{Gates: gates, Runs: runs, Err: err}
	}
}

func (m Model) submitCmd(gateID string, decision domain.Decision, rationale string) tea.Cmd {
	submit, role := m.submit, m.role
	return func() tea.Msg {
		if submit == nil {
			return DecisionMsg{GateID: gateID, Decision: decision, Err: errNoSubmitter}
		}
		err := submit(gateID, decision, role, rationale)
		return DecisionMsg{GateID: gateID, Decision: decision, Err: err}
	}
}

// SelectedGate returns the highlighted gate on the gates tab
func (m Model) SelectedGate() (domain.GateRequest, bool) {
	if m.activeTab != TabGates || m.selectedRow >= len(m.gates) {
		return domain.GateRequest{}, false
	}
	return m.gates[m.selectedRow], true
}

// SelectedRun returns the highlighted run on the runs tab
func (m Model) SelectedRun() (*domain.PipelineRun, bool) {
	if m.activeTab != TabRuns || m.selectedRow >= len(m.runs) {
		return nil, false
	}
	return m.runs[m.selectedRow], true
}

func (m Model) rows() int {
	if m.activeTab == TabGates {
		return len(m.gates)
	}
	return len(m.runs)
}

func (m Model) phaseName(idx int) string {
	for _, p := range m.phases {
		if p.Index == idx {
			return p.Name
		}
	}
	return "phase " + itoa(idx)
}
