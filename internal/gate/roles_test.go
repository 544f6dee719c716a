package gate

import "testing"

func TestLadder_Outranks(t *testing.T) {
	l := DefaultLadder()

	tests := []struct {
		actor, required string
		want            bool
	}{
		{"reviewer", "reviewer", true},
		{"lead", "reviewer", true},
		{"ADMIN", "lead", true},
		{"analyst", "reviewer", false},
		{"viewer", "admin", false},
		{"intern", "viewer", false},
		{"admin", "superuser", false},
		{" lead ", "lead", true},
	}

	for _, tt := range tests {
		if got := l.Outranks(tt.actor, tt.required); got != tt.want {
			t.Errorf("Outranks(%q, %q) = %v, want %v", tt.actor, tt.required, got, tt.want)
		}
	}
}

func TestNewLadder_RejectsDuplicates(t *testing.T) {
	if _, err := NewLadder("a", "b", "A"); err == nil {
		t.Error("expected duplicate role error")
	}
	if _, err := NewLadder("a", ""); err == nil {
		t.Error("expected empty role error")
	}
}

func TestLadder_Roles(t *testing.T) {
	l, err := NewLadder("Operator", "Approver")
	if err != nil {
		t.Fatal(err)
	}
	roles := l.Roles()
	if len(roles) != 2 || roles[0] != "operator" || roles[1] != "approver" {
		t.Errorf("Roles = %v", roles)
	}
	if !l.Has("approver") || l.Has("admin") {
		t.Error("Has reported wrong membership")
	}
}
