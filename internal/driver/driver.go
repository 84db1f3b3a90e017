// Package driver owns the run lifecycle: lock acquisition, state
// initialization or resumption, the wave-by-wave loop, and the final
// persisted run status. It is the layer the CLI talks to.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/hayashi-ek/epicrun/internal/backoff"
	"github.com/hayashi-ek/epicrun/internal/executor"
	"github.com/hayashi-ek/epicrun/internal/lock"
	"github.com/hayashi-ek/epicrun/internal/model"
	"github.com/hayashi-ek/epicrun/internal/plandoc"
	"github.com/hayashi-ek/epicrun/internal/scheduler"
	"github.com/hayashi-ek/epicrun/internal/store"
)

// ErrCannotResume is returned when resume is requested for a run whose
// persisted status does not permit it.
var ErrCannotResume = errors.New("run cannot be resumed")

// Options carries the operator-facing knobs for one run invocation.
type Options struct {
	// Force terminates a live lock holder before takeover.
	Force bool
	// Fresh allows re-running a run id whose prior run completed.
	Fresh bool
}

// EpicDriver executes one run: the work items are issues grouped into
// waves by an execution plan.
type EpicDriver struct {
	store    *store.Store
	cfg      model.Config
	runID    string
	unit     executor.UnitOfWork
	logger   *log.Logger
	logLevel scheduler.LogLevel
	opts     Options

	artifacts scheduler.ArtifactChecker
}

func NewEpicDriver(st *store.Store, cfg model.Config, runID string,
	unit executor.UnitOfWork, logger *log.Logger, opts Options) *EpicDriver {
	d := &EpicDriver{
		store:    st,
		cfg:      cfg,
		runID:    runID,
		unit:     unit,
		logger:   logger,
		logLevel: scheduler.ParseLogLevel(cfg.Logging.Level),
		opts:     opts,
	}
	if cfg.Agent.ArtifactDir != "" {
		d.artifacts = &FileArtifactChecker{Dir: cfg.Agent.ArtifactDir}
	}
	return d
}

// SetArtifactChecker overrides the checker derived from configuration.
func (d *EpicDriver) SetArtifactChecker(ac scheduler.ArtifactChecker) {
	d.artifacts = ac
}

// Run executes the plan from the beginning. The plan must validate; it
// is persisted alongside the state so resume needs no external input.
func (d *EpicDriver) Run(ctx context.Context, plan *model.ExecutionPlan) error {
	if err := plandoc.Validate(plan); err != nil {
		return err
	}

	lm := lock.NewManager(d.store.LockPath(d.runID))
	if err := os.MkdirAll(d.store.RunDir(d.runID), 0755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	tok, err := lm.Acquire(d.runID, d.opts.Force)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := lm.Release(tok); relErr != nil {
			d.log(scheduler.LogLevelWarn, "lock_release run=%s err=%v", d.runID, relErr)
		}
	}()

	owner := d.owner(tok)
	if _, err := d.store.Initialize(d.runID, owner, plan, d.opts.Fresh); err != nil {
		return err
	}
	if err := d.store.SavePlan(d.runID, plan); err != nil {
		return err
	}

	return d.drive(ctx, plan)
}

// Resume continues a previously interrupted run from its persisted
// state. Completed waves are skipped; in-flight items from the crash are
// re-dispatched. A run that already completed is a no-op.
func (d *EpicDriver) Resume(ctx context.Context) error {
	// Existence check before locking; the authoritative load happens
	// again under the lock.
	if _, err := d.store.Load(d.runID); err != nil {
		return err
	}

	lm := lock.NewManager(d.store.LockPath(d.runID))
	tok, err := lm.Acquire(d.runID, d.opts.Force)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := lm.Release(tok); relErr != nil {
			d.log(scheduler.LogLevelWarn, "lock_release run=%s err=%v", d.runID, relErr)
		}
	}()

	state, err := d.store.Load(d.runID)
	if err != nil {
		return err
	}
	switch state.Status {
	case model.RunStatusCompleted:
		d.log(scheduler.LogLevelInfo, "resume_noop run=%s status=completed", d.runID)
		return nil
	case model.RunStatusFatalError:
		return fmt.Errorf("run %s ended with fatal_error: %w", d.runID, ErrCannotResume)
	}

	plan, err := d.store.LoadPlan(d.runID)
	if err != nil {
		return err
	}
	if err := plandoc.Validate(plan); err != nil {
		return err
	}

	if _, err := d.store.Update(d.runID, func(st *model.RunState) error {
		st.Owner = d.owner(tok)
		return nil
	}); err != nil {
		return err
	}

	return d.drive(ctx, plan)
}

func (d *EpicDriver) owner(tok lock.Token) model.Owner {
	hostname, _ := os.Hostname()
	return model.Owner{PID: os.Getpid(), Hostname: hostname, Token: tok.Value}
}

// drive walks the waves in order under an already-held lock, persisting
// the run status at every boundary so a crash at any point resumes
// cleanly.
func (d *EpicDriver) drive(ctx context.Context, plan *model.ExecutionPlan) error {
	if err := d.setRunning(); err != nil {
		return err
	}

	sched := d.newScheduler(plan)

	for _, wave := range plan.Waves {
		state, err := d.store.Load(d.runID)
		if err != nil {
			return err
		}
		if state.WaveCompleted(wave.Number) {
			d.log(scheduler.LogLevelDebug, "wave_skip run=%s wave=%d", d.runID, wave.Number)
			continue
		}
		if err := ctx.Err(); err != nil {
			return d.finish(model.RunStatusInterrupted, err)
		}

		if _, err := d.store.Update(d.runID, func(st *model.RunState) error {
			st.CurrentWave = wave.Number
			return nil
		}); err != nil {
			return err
		}
		d.log(scheduler.LogLevelInfo, "wave_start run=%s wave=%d items=%d",
			d.runID, wave.Number, len(wave.Items))

		err = sched.RunWave(ctx, wave)
		switch {
		case err == nil:
		case errors.Is(err, scheduler.ErrFatal):
			return d.finish(model.RunStatusFatalError, err)
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return d.finish(model.RunStatusInterrupted, err)
		default:
			return err
		}

		if _, err := d.store.Update(d.runID, func(st *model.RunState) error {
			if !st.WaveCompleted(wave.Number) {
				st.CompletedWaves = append(st.CompletedWaves, wave.Number)
			}
			return nil
		}); err != nil {
			return err
		}
	}

	// Failed items with exhausted retries do not block completion; they
	// stay visible in the final state and report.
	return d.finish(model.RunStatusCompleted, nil)
}

func (d *EpicDriver) setRunning() error {
	_, err := d.store.Update(d.runID, func(st *model.RunState) error {
		if st.Status == model.RunStatusRunning {
			// Crash recovery: the previous owner never persisted a
			// terminal or interrupted status.
			return nil
		}
		if err := model.ValidateRunTransition(st.Status, model.RunStatusRunning); err != nil {
			return err
		}
		st.Status = model.RunStatusRunning
		return nil
	})
	return err
}

// finish persists the final run status and returns cause unchanged.
func (d *EpicDriver) finish(status model.RunStatus, cause error) error {
	if _, err := d.store.Update(d.runID, func(st *model.RunState) error {
		if st.Status == status {
			return nil
		}
		if err := model.ValidateRunTransition(st.Status, status); err != nil {
			return err
		}
		st.Status = status
		return nil
	}); err != nil {
		if cause != nil {
			return fmt.Errorf("persist status %s after %v: %w", status, cause, err)
		}
		return err
	}
	d.log(scheduler.LogLevelInfo, "run_finished run=%s status=%s", d.runID, status)
	return cause
}

func (d *EpicDriver) newScheduler(plan *model.ExecutionPlan) *scheduler.Scheduler {
	pool := &executor.Pool{
		MaxParallel: int64(d.cfg.Scheduler.MaxParallel),
		ItemTimeout: time.Duration(d.cfg.Scheduler.ItemTimeoutSec) * time.Second,
	}
	policy := backoff.NewPolicy(
		time.Duration(d.cfg.Backoff.BaseSec)*time.Second,
		time.Duration(d.cfg.Backoff.MaxSec)*time.Second,
	)
	sched := scheduler.New(d.store, d.runID, plan, pool, d.unit, policy,
		d.cfg.Scheduler.MaxRetries, d.logger, d.logLevel)
	if d.artifacts != nil {
		sched.SetArtifactChecker(d.artifacts)
	}
	return sched
}

func (d *EpicDriver) log(level scheduler.LogLevel, format string, args ...any) {
	if level < d.logLevel || d.logger == nil {
		return
	}
	levelStr := "INFO"
	switch level {
	case scheduler.LogLevelDebug:
		levelStr = "DEBUG"
	case scheduler.LogLevelWarn:
		levelStr = "WARN"
	case scheduler.LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s driver: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
