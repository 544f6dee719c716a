// Package resource measures what each phase consumed and compares it against
// a per-phase budget. Budgets are advisory: exceeding one never stops a run.
package resource

import (
	"encoding/json"
	"math"

	"github.com/hochfrequenz/epistemic-engine/internal/domain"
)

// WorkUnitsKey lets a phase report compute effort beyond its output size
const WorkUnitsKey = "work_units"

// Meter prices a phase as the KiB of its serialized output plus any work
// units the phase reported. It is deterministic in the payload.
type Meter struct {
	defaultBudget float64
	budgets       map[int]float64
}

// NewMeter creates a Meter. budgets overrides defaultBudget per phase index;
// a budget of zero or less means unlimited.
func NewMeter(defaultBudget float64, budgets map[int]float64) *Meter {
	m := &Meter{
		defaultBudget: defaultBudget,
		budgets:       make(map[int]float64, len(budgets)),
	}
	for k, v := range budgets {
		m.budgets[k] = v
	}
	return m
}

// Budget returns the budget of a phase
func (m *Meter) Budget(phaseIndex int) float64 {
	if b, ok := m.budgets[phaseIndex]; ok {
		return b
	}
	return m.defaultBudget
}

// Measure prices payload for phaseIndex
func (m *Meter) Measure(phaseIndex int, payload map[string]any) domain.ResourceCost {
	cost := 0.0
	if data, err := json.Marshal(payload); err == nil {
		cost = float64(len(data)) / 1024
	}
	if units, ok := payload[WorkUnitsKey].(float64); ok && units > 0 {
		cost += units
	} else if units, ok := payload[WorkUnitsKey].(int); ok && units > 0 {
		cost += float64(units)
	}
	cost = math.Round(cost*10000) / 10000

	budget := m.Budget(phaseIndex)
	return domain.ResourceCost{
		Cost:       cost,
		Budget:     budget,
		OverBudget: budget > 0 && cost > budget,
	}
}

// Unmetered reports zero cost against an unlimited budget
type Unmetered struct{}

// Measure always returns a zero cost
func (Unmetered) Measure(int, map[string]any) domain.ResourceCost {
	return domain.ResourceCost{}
}
