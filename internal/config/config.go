package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hochfrequenz/epistemic-engine/internal/audit"
	"github.com/hochfrequenz/epistemic-engine/internal/ethics"
	"github.com/hochfrequenz/epistemic-engine/internal/gate"
	"github.com/hochfrequenz/epistemic-engine/internal/pipeline"
	"github.com/hochfrequenz/epistemic-engine/internal/schedule"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General         GeneralConfig         `toml:"general"`
	Audit           AuditConfig           `toml:"audit"`
	Gates           GatesConfig           `toml:"gates"`
	Ethics          EthicsConfig          `toml:"ethics"`
	Resources       ResourcesConfig       `toml:"resources"`
	Notifications   NotificationsConfig   `toml:"notifications"`
	Reproducibility ReproducibilityConfig `toml:"reproducibility"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	PipelineID string `toml:"pipeline_id"`
	AuditDir   string `toml:"audit_dir"`
	StateDir   string `toml:"state_dir"`
	// Seed pins the random seed of every run, zero included. Unset draws a
	// fresh seed per invocation.
	Seed *int64 `toml:"seed"`
}

// AuditConfig holds audit chain settings
type AuditConfig struct {
	Hash string `toml:"hash"`
	// VerifySchedule is the cron expression "are watch" re-verifies the log on
	VerifySchedule string `toml:"verify_schedule"`
}

// GatesConfig holds human review gate settings
type GatesConfig struct {
	Enabled bool `toml:"enabled"`
	// Timeout is a Go duration; empty waits for a decision indefinitely
	Timeout string      `toml:"timeout"`
	Roles   []string    `toml:"roles"`
	Phases  []GatePhase `toml:"phase"`
}

// GatePhase requires a role to approve one phase
type GatePhase struct {
	Index int    `toml:"index"`
	Role  string `toml:"role"`
}

// EthicsConfig holds ethics audit settings
type EthicsConfig struct {
	Enabled   bool          `toml:"enabled"`
	Threshold float64       `toml:"threshold"`
	Axioms    []AxiomConfig `toml:"axiom"`
}

// AxiomConfig declares an additional axiom
type AxiomConfig struct {
	ID        string  `toml:"id"`
	Category  string  `toml:"category"`
	Statement string  `toml:"statement"`
	Weight    float64 `toml:"weight"`
}

// ResourcesConfig holds resource metering settings
type ResourcesConfig struct {
	Enabled       bool    `toml:"enabled"`
	DefaultBudget float64 `toml:"default_budget"`
	// Budgets maps phase names to per-phase budgets
	Budgets map[string]float64 `toml:"budgets"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// ReproducibilityConfig lists artifacts pinned at start-up
type ReproducibilityConfig struct {
	Pins []PinConfig `toml:"pins"`
}

// PinConfig pins one artifact version
type PinConfig struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	var phases []GatePhase
	for i := 0; i < pipeline.PhaseCount; i++ {
		if role, ok := pipeline.DefaultGates()[i]; ok {
			phases = append(phases, GatePhase{Index: i, Role: role})
		}
	}
	return &Config{
		General: GeneralConfig{
			PipelineID: "default",
			AuditDir:   filepath.Join(home, ".epistemic-engine", "audit"),
			StateDir:   filepath.Join(home, ".epistemic-engine", "state"),
		},
		Audit: AuditConfig{
			Hash:           "blake3",
			VerifySchedule: "@hourly",
		},
		Gates: GatesConfig{
			Enabled: true,
			Roles:   gate.DefaultLadder().Roles(),
			Phases:  phases,
		},
		Ethics: EthicsConfig{
			Enabled:   true,
			Threshold: ethics.DefaultThreshold,
		},
		Resources: ResourcesConfig{
			Enabled: true,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.General.AuditDir = ExpandPath(cfg.General.AuditDir)
	cfg.General.StateDir = ExpandPath(cfg.General.StateDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail at run time
func (c *Config) Validate() error {
	if c.General.PipelineID == "" {
		return fmt.Errorf("general.pipeline_id is required")
	}
	if strings.ContainsAny(c.General.PipelineID, `/\`) {
		return fmt.Errorf("general.pipeline_id %q must not contain path separators", c.General.PipelineID)
	}
	if _, err := audit.HasherFor(c.Audit.Hash); err != nil {
		return fmt.Errorf("audit.hash: %w", err)
	}
	if c.Audit.VerifySchedule != "" {
		if _, err := schedule.ParseCron(c.Audit.VerifySchedule); err != nil {
			return fmt.Errorf("audit.verify_schedule: %w", err)
		}
	}
	if _, err := c.GateTimeout(); err != nil {
		return err
	}
	ladder, err := c.Ladder()
	if err != nil {
		return err
	}
	seen := make(map[int]bool)
	for _, p := range c.Gates.Phases {
		if p.Index < 0 || p.Index >= pipeline.PhaseCount {
			return fmt.Errorf("gates.phase: unknown phase index %d", p.Index)
		}
		if seen[p.Index] {
			return fmt.Errorf("gates.phase: phase %d gated twice", p.Index)
		}
		seen[p.Index] = true
		if p.Role == "" {
			return fmt.Errorf("gates.phase: phase %d has no role", p.Index)
		}
		if !ladder.Has(p.Role) {
			return fmt.Errorf("gates.phase: role %q of phase %d is not in gates.roles", p.Role, p.Index)
		}
	}
	if c.Ethics.Threshold <= 0 || c.Ethics.Threshold > 1 {
		return fmt.Errorf("ethics.threshold must be in (0, 1], got %v", c.Ethics.Threshold)
	}
	for _, a := range c.Ethics.Axioms {
		if a.ID == "" {
			return fmt.Errorf("ethics.axiom: id is required")
		}
		if _, err := ethics.ParseCategory(a.Category); err != nil {
			return fmt.Errorf("ethics.axiom %s: %w", a.ID, err)
		}
	}
	if _, err := c.Budgets(); err != nil {
		return err
	}
	for _, p := range c.Reproducibility.Pins {
		if p.Name == "" || p.Version == "" {
			return fmt.Errorf("reproducibility.pins: name and version are required")
		}
	}
	return nil
}

// GateTimeout parses gates.timeout; empty means no deadline
func (c *Config) GateTimeout() (time.Duration, error) {
	if strings.TrimSpace(c.Gates.Timeout) == "" {
		return gate.NoTimeout, nil
	}
	d, err := time.ParseDuration(c.Gates.Timeout)
	if err != nil {
		return 0, fmt.Errorf("gates.timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("gates.timeout must not be negative")
	}
	return d, nil
}

// Ladder builds the role hierarchy from gates.roles
func (c *Config) Ladder() (*gate.Ladder, error) {
	ladder, err := gate.NewLadder(c.Gates.Roles...)
	if err != nil {
		return nil, fmt.Errorf("gates.roles: %w", err)
	}
	return ladder, nil
}

// GateMap returns the gated phases keyed by index
func (c *Config) GateMap() map[int]string {
	m := make(map[int]string, len(c.Gates.Phases))
	for _, p := range c.Gates.Phases {
		m[p.Index] = p.Role
	}
	return m
}

// Budgets resolves resources.budgets to phase indices
func (c *Config) Budgets() (map[int]float64, error) {
	m := make(map[int]float64, len(c.Resources.Budgets))
	for name, b := range c.Resources.Budgets {
		i, ok := pipeline.IndexOf(name)
		if !ok {
			return nil, fmt.Errorf("resources.budgets: unknown phase %q", name)
		}
		m[i] = b
	}
	return m, nil
}

// AuditPath is the audit log of the configured pipeline
func (c *Config) AuditPath() string {
	return filepath.Join(c.General.AuditDir, c.General.PipelineID+".jsonl")
}

// StorePath is the run snapshot database
func (c *Config) StorePath() string {
	return filepath.Join(c.General.StateDir, "runs.db")
}

// InboxDir is where out-of-process approvers drop decisions
func (c *Config) InboxDir() string {
	return filepath.Join(c.General.StateDir, "inbox")
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "epistemic-engine", "config.toml")
}
