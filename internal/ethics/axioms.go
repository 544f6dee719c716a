// Package ethics scores phase outputs against a set of weighted ethical axioms
package ethics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/hochfrequenz/epistemic-engine/internal/domain"
)

// Category groups axioms in reports
type Category string

const (
	Transparency   Category = "transparency"
	Fairness       Category = "fairness"
	Accountability Category = "accountability"
	Privacy        Category = "privacy"
	NonMaleficence Category = "non_maleficence"
)

// ParseCategory accepts categories case-insensitively
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case Transparency, Fairness, Accountability, Privacy, NonMaleficence:
		return c, nil
	}
	return "", fmt.Errorf("unknown axiom category %q", s)
}

// CheckFunc reports whether a phase payload satisfies an axiom
type CheckFunc func(phaseIndex int, payload map[string]any) bool

// Axiom is one weighted principle. An axiom without a Check is declarative:
// it is listed in reports and always counts as satisfied.
type Axiom struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	Statement string    `json:"statement"`
	Weight    float64   `json:"weight"`
	Critical  bool      `json:"critical"`
	Check     CheckFunc `json:"-"`
}

// DefaultThreshold is the minimum weighted score for a passing verdict
const DefaultThreshold = 0.8

// Framework evaluates payloads against its axioms. It holds no per-run state,
// so identical payloads always get identical verdicts.
type Framework struct {
	threshold float64

	mu     sync.RWMutex
	axioms []Axiom
}

// NewFramework creates a Framework with the default axioms
func NewFramework(threshold float64) *Framework {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Framework{
		threshold: threshold,
		axioms:    DefaultAxioms(),
	}
}

// Threshold returns the minimum passing score
func (f *Framework) Threshold() float64 {
	return f.threshold
}

// Register adds an axiom
func (f *Framework) Register(a Axiom) error {
	if a.ID == "" {
		return fmt.Errorf("axiom ID is required")
	}
	if a.Weight <= 0 {
		return fmt.Errorf("axiom %s: weight must be positive", a.ID)
	}
	if _, err := ParseCategory(string(a.Category)); err != nil {
		return fmt.Errorf("axiom %s: %w", a.ID, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.axioms {
		if existing.ID == a.ID {
			return fmt.Errorf("axiom %s already registered", a.ID)
		}
	}
	f.axioms = append(f.axioms, a)
	return nil
}

// AddAxiom registers a declarative axiom
func (f *Framework) AddAxiom(id, category, statement string, weight float64) error {
	c, err := ParseCategory(category)
	if err != nil {
		return err
	}
	return f.Register(Axiom{ID: id, Category: c, Statement: statement, Weight: weight})
}

// Axioms returns the registered axioms in registration order
func (f *Framework) Axioms() []Axiom {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Axiom(nil), f.axioms...)
}

// Evaluate scores payload: the weighted share of satisfied axioms. The verdict
// fails below the threshold or when any critical axiom is violated.
func (f *Framework) Evaluate(phaseIndex int, payload map[string]any) domain.EthicsVerdict {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var total, satisfied float64
	var violations []string
	criticalFailed := false
	for _, a := range f.axioms {
		total += a.Weight
		if a.Check == nil || a.Check(phaseIndex, payload) {
			satisfied += a.Weight
			continue
		}
		violations = append(violations, a.ID)
		if a.Critical {
			criticalFailed = true
		}
	}

	score := 1.0
	if total > 0 {
		score = math.Round(satisfied/total*10000) / 10000
	}
	sort.Strings(violations)
	return domain.EthicsVerdict{
		Score:      score,
		Passed:     score >= f.threshold && !criticalFailed,
		Violations: violations,
	}
}

// Disabled passes every payload. Used when ethics audits are switched off.
type Disabled struct{}

// Evaluate always returns a passing verdict with full score
func (Disabled) Evaluate(int, map[string]any) domain.EthicsVerdict {
	return domain.EthicsVerdict{Score: 1, Passed: true}
}
