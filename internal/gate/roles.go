package gate

import (
	"fmt"
	"strings"
)

// RoleHierarchy decides whether an actor may resolve a gate that requires a role
type RoleHierarchy interface {
	Outranks(actorRole, requiredRole string) bool
}

// Default roles, lowest first
const (
	RoleViewer   = "viewer"
	RoleAnalyst  = "analyst"
	RoleReviewer = "reviewer"
	RoleLead     = "lead"
	RoleAdmin    = "admin"
)

// Ladder is a linear role hierarchy: each role outranks every role below it
type Ladder struct {
	roles  []string
	levels map[string]int
}

// NewLadder builds a ladder from roles listed lowest first
func NewLadder(roles ...string) (*Ladder, error) {
	l := &Ladder{levels: make(map[string]int, len(roles))}
	for _, r := range roles {
		key := normalizeRole(r)
		if key == "" {
			return nil, fmt.Errorf("empty role in hierarchy")
		}
		if _, dup := l.levels[key]; dup {
			return nil, fmt.Errorf("role %q listed twice", r)
		}
		l.roles = append(l.roles, key)
		l.levels[key] = len(l.roles)
	}
	return l, nil
}

// DefaultLadder returns viewer < analyst < reviewer < lead < admin
func DefaultLadder() *Ladder {
	l, _ := NewLadder(RoleViewer, RoleAnalyst, RoleReviewer, RoleLead, RoleAdmin)
	return l
}

// Outranks reports whether actorRole equals or is above requiredRole.
// Unknown roles never outrank anything.
func (l *Ladder) Outranks(actorRole, requiredRole string) bool {
	required := l.levels[normalizeRole(requiredRole)]
	if required == 0 {
		return false
	}
	return l.levels[normalizeRole(actorRole)] >= required
}

// Has reports whether role is part of the ladder
func (l *Ladder) Has(role string) bool {
	return l.levels[normalizeRole(role)] > 0
}

// Roles returns the ladder lowest first
func (l *Ladder) Roles() []string {
	return append([]string(nil), l.roles...)
}

func normalizeRole(r string) string {
	return strings.ToLower(strings.TrimSpace(r))
}
