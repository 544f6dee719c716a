package main

import (
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/hochfrequenz/epistemic-engine/internal/domain"
	"github.com/hochfrequenz/epistemic-engine/internal/inbox"
	"github.com/hochfrequenz/epistemic-engine/internal/pipeline"
	"github.com/hochfrequenz/epistemic-engine/tui"
	"github.com/spf13/cobra"
)

var (
	approveRole      string
	approveReject    bool
	approveRationale string
	reviewRole       string
)

func init() {
	approveCmd := &cobra.Command{
		Use:   "approve GATE_ID",
		Short: "Submit a decision for a pending gate",
		Long: `Submit a decision for a pending gate. The decision is dropped into the
inbox of the running pipeline, which applies it and records it on the audit
chain. Use --reject to reject instead of approve.`,
		Args: cobra.ExactArgs(1),
		RunE: runApprove,
	}
	approveCmd.Flags().StringVar(&approveRole, "role", "", "role of the approver (required)")
	approveCmd.Flags().BoolVar(&approveReject, "reject", false, "reject instead of approve")
	approveCmd.Flags().StringVar(&approveRationale, "rationale", "", "reason recorded with the decision")
	approveCmd.MarkFlagRequired("role")
	rootCmd.AddCommand(approveCmd)

	reviewCmd := &cobra.Command{
		Use:   "review",
		Short: "Open the gate review console",
		RunE:  runReview,
	}
	reviewCmd.Flags().StringVar(&reviewRole, "role", "", "role decisions are submitted under (required)")
	reviewCmd.MarkFlagRequired("role")
	rootCmd.AddCommand(reviewCmd)
}

func runApprove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ladder, err := cfg.Ladder()
	if err != nil {
		return err
	}
	if !ladder.Has(approveRole) {
		return fmt.Errorf("unknown role %q (known: %v)", approveRole, ladder.Roles())
	}

	gateID := args[0]
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	req, err := store.GetGate(gateID)
	if err != nil {
		return err
	}
	if req.Status != domain.GatePending {
		return fmt.Errorf("%w: %s is %s", domain.ErrGateAlreadyClosed, gateID, req.Status)
	}
	if !ladder.Outranks(approveRole, req.RequiredRole) {
		return fmt.Errorf("%w: %s needs %s", domain.ErrRoleMismatch, gateID, req.RequiredRole)
	}

	decision := domain.DecisionApprove
	if approveReject {
		decision = domain.DecisionReject
	}
	path, err := inbox.Write(cfg.InboxDir(), inbox.Request{
		GateID:    gateID,
		Decision:  string(decision),
		ActorRole: approveRole,
		Rationale: approveRationale,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s for gate %s (%s)\n", decision, gateID, path)
	return nil
}

func runReview(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ladder, err := cfg.Ladder()
	if err != nil {
		return err
	}
	if !ladder.Has(reviewRole) {
		return fmt.Errorf("unknown role %q (known: %v)", reviewRole, ladder.Roles())
	}
	phases, err := pipeline.Definitions(cfg.GateMap())
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	inboxDir := cfg.InboxDir()
	model := tui.NewModel(tui.ModelConfig{
		Source: store,
		Submit: func(gateID string, decision domain.Decision, actorRole, rationale string) error {
			req, err := store.GetGate(gateID)
			if err != nil {
				return err
			}
			if !ladder.Outranks(actorRole, req.RequiredRole) {
				return fmt.Errorf("%w: needs %s", domain.ErrRoleMismatch, req.RequiredRole)
			}
			_, err = inbox.Write(inboxDir, inbox.Request{
				GateID:    gateID,
				Decision:  string(decision),
				ActorRole: actorRole,
				Rationale: rationale,
			})
			return err
		},
		Role:   reviewRole,
		Phases: phases,
	})

	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}
