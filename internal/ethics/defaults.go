package ethics

import "strings"

var sensitiveKeys = map[string]bool{
	"email":       true,
	"ssn":         true,
	"password":    true,
	"phone":       true,
	"credit_card": true,
	"dob":         true,
	"address":     true,
}

var confidenceKeys = map[string]bool{
	"confidence": true,
	"prior":      true,
	"posterior":  true,
	"support":    true,
	"score":      true,
}

// DefaultAxioms returns the built-in axiom set
func DefaultAxioms() []Axiom {
	return []Axiom{
		{
			ID:        "TRN-001",
			Category:  Transparency,
			Statement: "Every phase output states the method that produced it",
			Weight:    1,
			Check: func(_ int, p map[string]any) bool {
				m, ok := p["method"].(string)
				return ok && strings.TrimSpace(m) != ""
			},
		},
		{
			ID:        "ACC-001",
			Category:  Accountability,
			Statement: "Every phase output is attributable to its phase",
			Weight:    1,
			Critical:  true,
			Check: func(_ int, p map[string]any) bool {
				name, ok := p["phase"].(string)
				return ok && name != ""
			},
		},
		{
			ID:        "PRV-001",
			Category:  Privacy,
			Statement: "Outputs never carry personal identifiers",
			Weight:    1.5,
			Critical:  true,
			Check: func(_ int, p map[string]any) bool {
				return !containsSensitive(p)
			},
		},
		{
			ID:        "NMF-001",
			Category:  NonMaleficence,
			Statement: "Confidence values stay within [0, 1]",
			Weight:    1,
			Check: func(_ int, p map[string]any) bool {
				return confidencesBounded(p)
			},
		},
		{
			ID:        "FAI-001",
			Category:  Fairness,
			Statement: "Every excluded item carries a stated reason",
			Weight:    1,
			Check: func(_ int, p map[string]any) bool {
				return exclusionsJustified(p)
			},
		},
	}
}

// containsSensitive walks maps and slices looking for sensitive keys, and for
// sensitive names listed under a "fields" key
func containsSensitive(v any) bool {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if sensitiveKeys[strings.ToLower(k)] {
				return true
			}
			if k == "fields" {
				if names, ok := asStrings(child); ok {
					for _, n := range names {
						if sensitiveKeys[strings.ToLower(n)] {
							return true
						}
					}
				}
			}
			if containsSensitive(child) {
				return true
			}
		}
	case []any:
		for _, child := range t {
			if containsSensitive(child) {
				return true
			}
		}
	case []map[string]any:
		for _, child := range t {
			if containsSensitive(child) {
				return true
			}
		}
	}
	return false
}

func confidencesBounded(v any) bool {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if confidenceKeys[k] {
				if f, ok := asFloat(child); ok && (f < 0 || f > 1) {
					return false
				}
			}
			if !confidencesBounded(child) {
				return false
			}
		}
	case []any:
		for _, child := range t {
			if !confidencesBounded(child) {
				return false
			}
		}
	case []map[string]any:
		for _, child := range t {
			if !confidencesBounded(child) {
				return false
			}
		}
	}
	return true
}

func exclusionsJustified(p map[string]any) bool {
	var items []map[string]any
	switch t := p["excluded"].(type) {
	case nil:
		return true
	case []map[string]any:
		items = t
	case []any:
		for _, it := range t {
			m, ok := it.(map[string]any)
			if !ok {
				return false
			}
			items = append(items, m)
		}
	default:
		return false
	}
	for _, it := range items {
		reason, _ := it["reason"].(string)
		if strings.TrimSpace(reason) == "" {
			return false
		}
	}
	return true
}

func asStrings(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, it := range t {
			s, ok := it.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}
