package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hochfrequenz/epistemic-engine/internal/engine"
	"github.com/hochfrequenz/epistemic-engine/internal/inbox"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	runSeed       int64
	runInputs     string
	runInputsFile string
	runNoGates    bool
	runNoEthics   bool
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the pipeline once",
		Long: `Execute the pipeline once over the given inputs. Gated phases wait for a
decision submitted with "are approve" or "are review" from another terminal.
The result is printed as JSON; the command fails if the run did not complete.`,
		RunE: runRun,
	}
	runCmd.Flags().Int64Var(&runSeed, "seed", 0, "random seed (default from config, else random)")
	runCmd.Flags().StringVar(&runInputs, "inputs", "", "inputs as a JSON object")
	runCmd.Flags().StringVar(&runInputsFile, "inputs-file", "", "inputs file (YAML or JSON)")
	runCmd.Flags().BoolVar(&runNoGates, "no-gates", false, "auto-approve every gate (audited)")
	runCmd.Flags().BoolVar(&runNoEthics, "no-ethics", false, "skip ethics audits")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), logLevel, logFormat)
	if err != nil {
		return err
	}
	inputs, err := readInputs(runInputs, runInputsFile)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	settings := settingsFrom(cfg, logger)
	settings.Store = store
	if cmd.Flags().Changed("seed") {
		settings.Seed, settings.SeedSet = runSeed, true
	}
	if runNoGates {
		settings.GatesEnabled = false
	}
	if runNoEthics {
		settings.EthicsOn = false
	}
	eng, chain, err := buildEngine(cfg, settings)
	if err != nil {
		return err
	}
	defer chain.Close()

	watcher, err := inbox.New(cfg.InboxDir(), eng, logger)
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(context.Background())
	watchCtx, stopWatching := context.WithCancel(ctx)
	runDone := make(chan struct{})
	var result engine.Result

	g.Go(func() error {
		return watcher.Run(watchCtx)
	})
	g.Go(func() error {
		defer close(runDone)
		defer stopWatching()
		res, err := eng.Execute(ctx, inputs)
		result = res
		return err
	})
	g.Go(func() error {
		select {
		case <-runDone:
		case <-sigCtx.Done():
			run := eng.Status()
			if run.Status.IsActive() {
				if err := eng.Abort(run.RunID, "interrupted"); err != nil {
					logger.Warn("abort failed", "run_id", run.RunID, "err", err)
				}
			}
		}
		return nil
	})

	err = g.Wait()
	if result.RunID != "" {
		if perr := printJSON(cmd.OutOrStdout(), result); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("run %s did not complete: %s", result.RunID, result.Failure)
	}
	return nil
}
