package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hochfrequenz/epistemic-engine/internal/schedule"
	"github.com/spf13/cobra"
)

var watchSchedule string

func init() {
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-verify the audit log on a schedule",
		Long: `Re-verify the audit log on a cron schedule until interrupted and notify
when the hash chain no longer verifies. The log is checked once at start-up.`,
		RunE: runWatch,
	}
	watchCmd.Flags().StringVar(&watchSchedule, "schedule", "", "cron expression (default audit.verify_schedule)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), logLevel, logFormat)
	if err != nil {
		return err
	}
	expr := watchSchedule
	if expr == "" {
		expr = cfg.Audit.VerifySchedule
	}
	if expr == "" {
		return fmt.Errorf("no schedule: set audit.verify_schedule or --schedule")
	}

	notifier := settingsFrom(cfg, logger).Notifier
	sched, err := schedule.New([]schedule.Job{
		schedule.AuditJob(expr, cfg.AuditPath(), cfg.Audit.Hash, notifier, logger),
	}, schedule.Options{Logger: logger})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Info("watching audit log", "path", cfg.AuditPath(), "schedule", expr)
	return sched.Run(ctx)
}
