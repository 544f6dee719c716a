// Package pipeline defines the eight fixed phases, their deterministic
// computations, and the runner that executes one phase under governance.
package pipeline

import (
	"fmt"

	"github.com/hochfrequenz/epistemic-engine/internal/domain"
)

// PhaseCount is the fixed length of every pipeline
const PhaseCount = 8

// Phase names in pipeline order
const (
	Ingestion   = "ingestion"
	Validation  = "validation"
	Hypothesis  = "hypothesis"
	Analysis    = "analysis"
	Synthesis   = "synthesis"
	Revision    = "revision"
	Review      = "review"
	Publication = "publication"
)

// Names lists the phases in pipeline order
var Names = [PhaseCount]string{
	Ingestion, Validation, Hypothesis, Analysis, Synthesis, Revision, Review, Publication,
}

// DefaultGates maps phase index to the role required to approve it
func DefaultGates() map[int]string {
	return map[int]string{
		2: "reviewer",
		4: "reviewer",
		6: "lead",
		7: "admin",
	}
}

// Definitions builds the phase list with the given gates (phase index -> role)
func Definitions(gates map[int]string) ([]domain.PhaseDefinition, error) {
	defs := make([]domain.PhaseDefinition, PhaseCount)
	for i, name := range Names {
		defs[i] = domain.PhaseDefinition{Index: i, Name: name}
	}
	for idx, role := range gates {
		if idx < 0 || idx >= PhaseCount {
			return nil, fmt.Errorf("gate on unknown phase %d", idx)
		}
		if role == "" {
			return nil, fmt.Errorf("gate on phase %d (%s) has no role", idx, Names[idx])
		}
		defs[idx].RequiresGate = true
		defs[idx].GateRole = role
	}
	return defs, nil
}

// IndexOf returns the index of a phase name
func IndexOf(name string) (int, bool) {
	for i, n := range Names {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// ValidateDefinitions checks the fixed total order of a phase list
func ValidateDefinitions(defs []domain.PhaseDefinition) error {
	if len(defs) != PhaseCount {
		return fmt.Errorf("pipeline needs %d phases, got %d", PhaseCount, len(defs))
	}
	for i, d := range defs {
		if d.Index != i {
			return fmt.Errorf("phase %q at position %d has index %d", d.Name, i, d.Index)
		}
		if d.RequiresGate && d.GateRole == "" {
			return fmt.Errorf("gated phase %d (%s) has no role", i, d.Name)
		}
	}
	return nil
}
