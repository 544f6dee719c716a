package repro

import (
	"errors"
	"testing"

	"github.com/hochfrequenz/epistemic-engine/internal/domain"
)

func TestPin_Idempotent(t *testing.T) {
	ctx := New(42)

	added, err := ctx.Pin("m", "v1")
	if err != nil || !added {
		t.Fatalf("first pin: added=%v err=%v", added, err)
	}
	added, err = ctx.Pin("m", "v1")
	if err != nil {
		t.Fatalf("identical re-pin should succeed: %v", err)
	}
	if added {
		t.Error("identical re-pin should not record a new pin")
	}
	if got := len(ctx.Info().PinnedArtifacts); got != 1 {
		t.Errorf("pins = %d, want 1", got)
	}
}

func TestPin_Conflict(t *testing.T) {
	ctx := New(42)
	ctx.Pin("m", "v1")

	_, err := ctx.Pin("m", "v2")
	if !errors.Is(err, domain.ErrDuplicatePin) {
		t.Fatalf("err = %v, want ErrDuplicatePin", err)
	}
	if v, _ := ctx.Version("m"); v != "v1" {
		t.Errorf("Version = %q, want v1", v)
	}
}

func TestPin_PreservesOrder(t *testing.T) {
	ctx := New(1)
	names := []string{"tokenizer", "encoder", "ranker", "aligner"}
	for _, n := range names {
		if _, err := ctx.Pin(n, "1.0"); err != nil {
			t.Fatal(err)
		}
	}
	info := ctx.Info()
	for i, p := range info.PinnedArtifacts {
		if p.Name != names[i] {
			t.Errorf("pin %d = %s, want %s", i, p.Name, names[i])
		}
	}
}

func TestPin_RequiresNameAndVersion(t *testing.T) {
	ctx := New(1)
	if _, err := ctx.Pin("", "v1"); err == nil {
		t.Error("expected error for empty name")
	}
	if _, err := ctx.Pin("m", ""); err == nil {
		t.Error("expected error for empty version")
	}
}

func TestRand_Deterministic(t *testing.T) {
	a := New(42).Rand(3)
	b := New(42).Rand(3)
	for i := 0; i < 10; i++ {
		if x, y := a.Float64(), b.Float64(); x != y {
			t.Fatalf("draw %d differs: %v vs %v", i, x, y)
		}
	}

	c := New(42).Rand(4)
	d := New(42).Rand(3)
	if c.Uint64() == d.Uint64() {
		t.Error("different phases should not share a stream")
	}
}

func TestNewRandom(t *testing.T) {
	ctx, err := NewRandom()
	if err != nil {
		t.Fatal(err)
	}
	if ctx.Seed() < 0 {
		t.Errorf("Seed = %d, want non-negative", ctx.Seed())
	}
}
