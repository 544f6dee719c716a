package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hochfrequenz/epistemic-engine/internal/audit"
	"github.com/hochfrequenz/epistemic-engine/internal/config"
	"github.com/hochfrequenz/epistemic-engine/internal/engine"
	"github.com/hochfrequenz/epistemic-engine/internal/ethics"
	"github.com/hochfrequenz/epistemic-engine/internal/notify"
	"github.com/hochfrequenz/epistemic-engine/internal/pipeline"
	"github.com/hochfrequenz/epistemic-engine/internal/repro"
	"github.com/hochfrequenz/epistemic-engine/internal/resource"
	"github.com/hochfrequenz/epistemic-engine/internal/runstore"
	"gopkg.in/yaml.v3"
)

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("--log-format: unknown format %q", format)
}

func openStore(cfg *config.Config) (*runstore.Store, error) {
	if err := os.MkdirAll(cfg.General.StateDir, 0700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return runstore.New(cfg.StorePath())
}

// engineSettings are the per-invocation overrides of the config file
type engineSettings struct {
	AuditPath    string
	Seed         int64
	SeedSet      bool
	GatesEnabled bool
	EthicsOn     bool
	Store        engine.SnapshotStore
	Notifier     notify.Notifier
	Axioms       []config.AxiomConfig
	Logger       *slog.Logger
}

func settingsFrom(cfg *config.Config, logger *slog.Logger) engineSettings {
	s := engineSettings{
		AuditPath:    cfg.AuditPath(),
		GatesEnabled: cfg.Gates.Enabled,
		EthicsOn:     cfg.Ethics.Enabled,
		Notifier: notify.NewMultiNotifier(
			notify.NewDesktopNotifier(cfg.Notifications.Desktop),
			notify.NewSlackNotifier(cfg.Notifications.SlackWebhook),
		),
		Axioms: cfg.Ethics.Axioms,
		Logger: logger,
	}
	if seed := cfg.General.Seed; seed != nil {
		s.Seed, s.SeedSet = *seed, true
	}
	return s
}

// buildEngine opens the audit chain and wires an engine from cfg. The caller
// closes the returned chain.
func buildEngine(cfg *config.Config, s engineSettings) (*engine.Engine, *audit.Chain, error) {
	chain, err := audit.Open(s.AuditPath, audit.Options{Hash: cfg.Audit.Hash, Logger: s.Logger})
	if err != nil {
		return nil, nil, err
	}
	fail := func(err error) (*engine.Engine, *audit.Chain, error) {
		chain.Close()
		return nil, nil, err
	}

	ladder, err := cfg.Ladder()
	if err != nil {
		return fail(err)
	}
	phases, err := pipeline.Definitions(cfg.GateMap())
	if err != nil {
		return fail(err)
	}
	timeout, err := cfg.GateTimeout()
	if err != nil {
		return fail(err)
	}

	var rc *repro.Context
	if s.SeedSet {
		rc = repro.New(s.Seed)
	} else if rc, err = repro.NewRandom(); err != nil {
		return fail(err)
	}

	var provider pipeline.EthicsProvider = ethics.Disabled{}
	if s.EthicsOn {
		fw := ethics.NewFramework(cfg.Ethics.Threshold)
		for _, a := range s.Axioms {
			if err := fw.AddAxiom(a.ID, a.Category, a.Statement, a.Weight); err != nil {
				return fail(fmt.Errorf("ethics.axiom: %w", err))
			}
		}
		provider = fw
	}

	var costs pipeline.CostProvider = resource.Unmetered{}
	if cfg.Resources.Enabled {
		budgets, err := cfg.Budgets()
		if err != nil {
			return fail(err)
		}
		costs = resource.NewMeter(cfg.Resources.DefaultBudget, budgets)
	}

	eng, err := engine.New(engine.Options{
		PipelineID:   cfg.General.PipelineID,
		Phases:       phases,
		Audit:        chain,
		Repro:        rc,
		Roles:        ladder,
		Ethics:       provider,
		Costs:        costs,
		GatesEnabled: s.GatesEnabled,
		GateTimeout:  timeout,
		Store:        s.Store,
		Notifier:     s.Notifier,
		Logger:       s.Logger,
	})
	if err != nil {
		return fail(err)
	}
	for _, p := range cfg.Reproducibility.Pins {
		if err := eng.PinModel(p.Name, p.Version); err != nil {
			return fail(fmt.Errorf("reproducibility.pins: %w", err))
		}
	}
	return eng, chain, nil
}

// readInputs parses --inputs or --inputs-file. Files may be YAML or JSON.
func readInputs(inline, file string) (map[string]any, error) {
	if inline != "" && file != "" {
		return nil, fmt.Errorf("--inputs and --inputs-file are mutually exclusive")
	}
	var data []byte
	switch {
	case inline != "":
		data = []byte(inline)
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		data = b
	default:
		return map[string]any{}, nil
	}

	inputs := map[string]any{}
	if file != "" && !strings.EqualFold(filepath.Ext(file), ".json") {
		if err := yaml.Unmarshal(data, &inputs); err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
		return inputs, nil
	}
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("parse inputs: %w", err)
	}
	return inputs, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
