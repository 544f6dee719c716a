package main

import (
	"fmt"
	"io"

	"github.com/hochfrequenz/epistemic-engine/internal/config"
	"github.com/hochfrequenz/epistemic-engine/internal/engine"
	"github.com/hochfrequenz/epistemic-engine/internal/notify"
	"github.com/hochfrequenz/epistemic-engine/internal/repro"
	"github.com/spf13/cobra"
)

var demoSeed int64

func init() {
	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a seeded in-memory pipeline and print every report",
		Long: `Run a seeded pipeline over sample inputs with an in-memory audit chain.
Gates are auto-approved, a model is pinned and an extra axiom is registered,
so the output shows every report the engine produces.`,
		RunE: runDemo,
	}
	demoCmd.Flags().Int64Var(&demoSeed, "seed", 42, "random seed")
	rootCmd.AddCommand(demoCmd)
}

type demoReport struct {
	Result          engine.Result         `json:"result"`
	Reproducibility repro.Info            `json:"reproducibility"`
	Resources       engine.ResourceReport `json:"resource_report"`
	Ethics          engine.EthicsReport   `json:"ethics_report"`
	Gates           engine.GateReport     `json:"gate_report"`
	AuditRecords    int                   `json:"audit_records"`
	ChainValid      bool                  `json:"chain_valid"`
}

func demoInputs() map[string]any {
	return map[string]any{
		"title":  "Effect of sleep on recall",
		"source": "demo",
		"records": []any{
			map[string]any{"participant": "p1", "hours": 6.5, "recall": 0.62},
			map[string]any{"participant": "p2", "hours": 8.0, "recall": 0.81},
			map[string]any{"participant": "p3", "hours": 7.2, "recall": 0.70},
			map[string]any{"participant": "p4", "hours": 5.1, "recall": 0.49},
		},
	}
}

func runDemo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), logLevel, logFormat)
	if err != nil {
		return err
	}

	settings := settingsFrom(cfg, logger)
	settings.AuditPath = ""
	settings.Seed, settings.SeedSet = demoSeed, true
	settings.GatesEnabled = false
	settings.EthicsOn = true
	settings.Notifier = notify.NoopNotifier{}
	settings.Axioms = append(append([]config.AxiomConfig(nil), cfg.Ethics.Axioms...), config.AxiomConfig{
		ID:        "DEMO-001",
		Category:  "accountability",
		Statement: "Every run is attributable to a pipeline and a seed",
		Weight:    0.5,
	})

	eng, chain, err := buildEngine(cfg, settings)
	if err != nil {
		return err
	}
	defer chain.Close()

	if err := eng.PinModel("recall-model", "2.1.0"); err != nil {
		return err
	}

	result, err := eng.Execute(cmd.Context(), demoInputs())
	if err != nil {
		return err
	}
	trail := eng.AuditTrail()
	return writeDemoReport(cmd.OutOrStdout(), demoReport{
		Result:          result,
		Reproducibility: eng.ReproducibilityInfo(),
		Resources:       eng.ResourceReport(),
		Ethics:          eng.EthicsReport(),
		Gates:           eng.GateReport(),
		AuditRecords:    len(trail.Records),
		ChainValid:      trail.ChainValid,
	})
}

// writeDemoReport prints report and fails when the demo run did not complete
func writeDemoReport(w io.Writer, report demoReport) error {
	if err := printJSON(w, report); err != nil {
		return err
	}
	if !report.Result.Success {
		return fmt.Errorf("demo run %s did not complete: %s", report.Result.RunID, report.Result.Failure)
	}
	return nil
}
