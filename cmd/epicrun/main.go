package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hayashi-ek/epicrun/internal/driver"
	"github.com/hayashi-ek/epicrun/internal/lock"
	"github.com/hayashi-ek/epicrun/internal/model"
	"github.com/hayashi-ek/epicrun/internal/plandoc"
	"github.com/hayashi-ek/epicrun/internal/report"
	"github.com/hayashi-ek/epicrun/internal/scheduler"
	"github.com/hayashi-ek/epicrun/internal/store"
	"github.com/hayashi-ek/epicrun/internal/watch"
)

const version = "1.0.0"

var (
	flagRoot   string
	flagConfig string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "epicrun",
		Short:         "Wave-based dependency scheduler for agent-driven work",
		Long:          "epicrun executes an issue plan wave by wave, persisting resumable state and classifying failures along the way.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flagRoot, "root", ".epicrun", "state directory")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file path (default <root>/config.yaml)")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newUnlockCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "epicrun: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// errPartial marks a run that finished but left failed items behind.
var errPartial = errors.New("run completed with failed items")

// exitCode maps errors to the documented exit statuses: 2 for fatal
// errors and rejected input (bad plan, held lock), 1 for partial
// completion and everything else.
func exitCode(err error) int {
	switch {
	case errors.Is(err, plandoc.ErrInvalidPlan),
		errors.Is(err, lock.ErrLockHeld),
		errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, driver.ErrCannotResume),
		errors.Is(err, scheduler.ErrFatal):
		return 2
	default:
		return 1
	}
}

func loadSetup(runID string) (*store.Store, model.Config, error) {
	if err := model.ValidateRunID(runID); err != nil {
		return nil, model.Config{}, err
	}
	cfgPath := flagConfig
	if cfgPath == "" {
		cfgPath = flagRoot + "/config.yaml"
	}
	cfg, err := model.LoadConfig(cfgPath)
	if err != nil {
		return nil, model.Config{}, err
	}
	return store.New(flagRoot), cfg, nil
}

// signalContext cancels on SIGINT or SIGTERM. The driver treats the
// cancellation as a graceful shutdown request: no new items start and
// the run is persisted as interrupted.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newRunCommand() *cobra.Command {
	var (
		planPath    string
		force       bool
		fresh       bool
		project     bool
		epicPlans   []string
		maxParallel int
		maxRetries  int
		itemTimeout int
	)
	cmd := &cobra.Command{
		Use:   "run [run-id]",
		Short: "Start a new run from a plan document",
		Long:  "Start a new run from a plan document. When run-id is omitted a fresh one is generated and printed.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var runID string
			if len(args) == 1 {
				runID = args[0]
			} else {
				runID = model.NewRunID()
				fmt.Fprintf(os.Stderr, "run id: %s\n", runID)
			}
			st, cfg, err := loadSetup(runID)
			if err != nil {
				return err
			}
			if maxParallel > 0 {
				cfg.Scheduler.MaxParallel = maxParallel
			}
			if maxRetries > 0 {
				cfg.Scheduler.MaxRetries = maxRetries
			}
			if itemTimeout > 0 {
				cfg.Scheduler.ItemTimeoutSec = itemTimeout
			}
			plan, err := plandoc.Load(planPath)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()
			logger := log.New(os.Stderr, "", 0)
			opts := driver.Options{Force: force, Fresh: fresh}

			if project {
				paths, err := parseEpicPlans(epicPlans)
				if err != nil {
					return err
				}
				unit := driver.NewCommandUnit(cfg.Agent, "")
				pd := driver.NewProjectDriver(st, cfg, runID, unit, paths, logger, opts)
				err = pd.Run(ctx, plan)
				return finishRun(st, runID, err)
			}

			unit := driver.NewCommandUnit(cfg.Agent, st.LogDir(runID))
			d := driver.NewEpicDriver(st, cfg, runID, unit, logger, opts)
			err = d.Run(ctx, plan)
			return finishRun(st, runID, err)
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "execution plan document")
	cmd.Flags().BoolVar(&force, "force", false, "take over a lock held by a live process")
	cmd.Flags().BoolVar(&fresh, "fresh", false, "discard a prior completed run with the same id")
	cmd.Flags().BoolVar(&project, "project", false, "treat plan items as epics with their own plans")
	cmd.Flags().StringArrayVar(&epicPlans, "epic-plan", nil, "epic plan mapping, id=path (repeatable)")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "override scheduler.max_parallel")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "override scheduler.max_retries")
	cmd.Flags().IntVar(&itemTimeout, "item-timeout", 0, "override scheduler.item_timeout_sec (seconds)")
	cmd.MarkFlagRequired("plan")
	return cmd
}

func newResumeCommand() *cobra.Command {
	var (
		force     bool
		project   bool
		epicPlans []string
	)
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue an interrupted run from its persisted state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			st, cfg, err := loadSetup(runID)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()
			logger := log.New(os.Stderr, "", 0)
			opts := driver.Options{Force: force}

			if project {
				paths, err := parseEpicPlans(epicPlans)
				if err != nil {
					return err
				}
				unit := driver.NewCommandUnit(cfg.Agent, "")
				pd := driver.NewProjectDriver(st, cfg, runID, unit, paths, logger, opts)
				err = pd.Resume(ctx)
				return finishRun(st, runID, err)
			}

			unit := driver.NewCommandUnit(cfg.Agent, st.LogDir(runID))
			d := driver.NewEpicDriver(st, cfg, runID, unit, logger, opts)
			err = d.Resume(ctx)
			return finishRun(st, runID, err)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "take over a lock held by a live process")
	cmd.Flags().BoolVar(&project, "project", false, "treat plan items as epics with their own plans")
	cmd.Flags().StringArrayVar(&epicPlans, "epic-plan", nil, "epic plan mapping, id=path (repeatable)")
	return cmd
}

// finishRun prints the final report regardless of how the run ended and
// passes the driver error through for exit-code mapping. A run that
// completed around failed items is surfaced as a partial result.
func finishRun(st *store.Store, runID string, runErr error) error {
	state, err := st.Load(runID)
	if err == nil {
		plan, _ := st.LoadPlan(runID)
		fmt.Print(report.Render(state, plan))
	}
	if runErr != nil {
		return runErr
	}
	if err == nil && state.CountByStatus(model.StatusFailed) > 0 {
		return fmt.Errorf("%w (%d failed)", errPartial, state.CountByStatus(model.StatusFailed))
	}
	return nil
}

func newStatusCommand() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the current state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			st, _, err := loadSetup(runID)
			if err != nil {
				return err
			}

			render := func() {
				state, err := st.Load(runID)
				if err != nil {
					fmt.Fprintf(os.Stderr, "epicrun: %v\n", err)
					return
				}
				plan, _ := st.LoadPlan(runID)
				fmt.Print(report.Render(state, plan))
			}

			if !follow {
				if _, err := st.Load(runID); err != nil {
					return err
				}
				render()
				return nil
			}

			ctx, stop := signalContext()
			defer stop()
			return watch.Follow(ctx, st.StatePath(runID), render)
		},
	}
	cmd.Flags().BoolVar(&follow, "watch", false, "re-render whenever the state file changes")
	return cmd
}

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan document tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <path>",
		Short: "Check a plan document for structural problems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := plandoc.Load(args[0])
			if err != nil {
				return err
			}
			if err := plandoc.Validate(plan); err != nil {
				var verrs *plandoc.ValidationErrors
				if errors.As(err, &verrs) {
					fmt.Fprint(os.Stderr, verrs.FormatStderr())
					return plandoc.ErrInvalidPlan
				}
				return err
			}
			fmt.Printf("plan ok: %d waves, %d items\n", len(plan.Waves), plan.ItemCount())
			return nil
		},
	})
	return cmd
}

func newUnlockCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "unlock <run-id>",
		Short: "Release a run's lock",
		Long:  "Release a run's lock. A lock whose owner is dead is reclaimed; a live owner requires --force, which terminates it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			st, _, err := loadSetup(runID)
			if err != nil {
				return err
			}
			lm := lock.NewManager(st.LockPath(runID))
			rec, err := lm.Inspect()
			if err != nil {
				return err
			}
			if rec == nil {
				fmt.Printf("run %s is not locked\n", runID)
				return nil
			}
			tok, err := lm.Acquire(runID, force)
			if err != nil {
				return err
			}
			if err := lm.Release(tok); err != nil {
				return err
			}
			fmt.Printf("lock released (was held by pid %d on %s)\n", rec.PID, rec.Hostname)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "terminate a live lock owner before releasing")
	return cmd
}

func parseEpicPlans(entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("--project requires at least one --epic-plan id=path mapping")
	}
	paths := make(map[string]string, len(entries))
	for _, e := range entries {
		id, path, ok := strings.Cut(e, "=")
		if !ok || id == "" || path == "" {
			return nil, fmt.Errorf("invalid --epic-plan %q, want id=path", e)
		}
		paths[id] = path
	}
	return paths, nil
}
