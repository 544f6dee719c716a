// Package repro holds the reproducibility context of a pipeline: the seed every
// phase derives its randomness from, and the registry of pinned artifact versions.
package repro

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	mrand "math/rand/v2"
	"sync"

	"github.com/hochfrequenz/epistemic-engine/internal/domain"
)

// Pin is one artifact fixed to a version
type Pin struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Info is the reproducibility descriptor exposed to reports
type Info struct {
	Seed            int64 `json:"seed"`
	PinnedArtifacts []Pin `json:"pinned_artifacts"`
}

// Context is safe for concurrent use. The seed never changes after construction.
type Context struct {
	seed int64

	mu    sync.RWMutex
	pins  []Pin
	index map[string]int
}

// New creates a Context with the given seed
func New(seed int64) *Context {
	return &Context{
		seed:  seed,
		index: make(map[string]int),
	}
}

// NewRandom creates a Context with a freshly generated non-negative seed
func NewRandom() (*Context, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	return New(int64(binary.BigEndian.Uint64(b[:]) >> 1)), nil
}

// Seed returns the run seed
func (c *Context) Seed() int64 {
	return c.seed
}

// Pin fixes name to version. Pinning the same version again is a no-op; the
// returned bool reports whether a new pin was recorded.
func (c *Context) Pin(name, version string) (bool, error) {
	if name == "" || version == "" {
		return false, fmt.Errorf("pin requires a name and a version")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.index[name]; ok {
		if c.pins[i].Version == version {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s is pinned to %s, not %s", domain.ErrDuplicatePin, name, c.pins[i].Version, version)
	}
	c.index[name] = len(c.pins)
	c.pins = append(c.pins, Pin{Name: name, Version: version})
	return true, nil
}

// Version returns the pinned version of name
func (c *Context) Version(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.index[name]
	if !ok {
		return "", false
	}
	return c.pins[i].Version, true
}

// Info returns the seed and pins in insertion order
func (c *Context) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Info{
		Seed:            c.seed,
		PinnedArtifacts: append([]Pin{}, c.pins...),
	}
}

// Rand returns a generator private to one phase. The same seed and phase
// index always produce the same sequence.
func (c *Context) Rand(phaseIndex int) *mrand.Rand {
	return mrand.New(mrand.NewPCG(uint64(c.seed), uint64(phaseIndex)+0x9e3779b97f4a7c15))
}
