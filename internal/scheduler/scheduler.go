// Package scheduler drives one wave of an execution plan at a time:
// dispatch eligible items to the executor, classify failures, retry with
// backoff, and short-circuit the whole run on a fatal classification.
//
// The scheduler is generic over the unit of work, so the same wave loop
// serves both granularities: issues within an epic, and epics within a
// project (where one "item" is an entire inner run).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hayashi-ek/epicrun/internal/backoff"
	"github.com/hayashi-ek/epicrun/internal/classify"
	"github.com/hayashi-ek/epicrun/internal/executor"
	"github.com/hayashi-ek/epicrun/internal/model"
	"github.com/hayashi-ek/epicrun/internal/store"
)

// ErrFatal is returned when any item in the run reaches fatal status.
// Fatal errors abort forward progress entirely; they are never isolated
// to a single wave.
var ErrFatal = errors.New("fatal error observed")

const maxErrorMessageLen = 500

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// ArtifactChecker is an optional collaborator consulted when an item's
// process outcome is a failure: a produced artifact (e.g. a merged PR
// URL) indicates the item actually delivered output despite the
// ambiguous exit.
type ArtifactChecker interface {
	Check(ctx context.Context, itemID string) (url string, ok bool)
}

// Scheduler runs waves for one run id against a store.
type Scheduler struct {
	store      *store.Store
	runID      string
	plan       *model.ExecutionPlan
	pool       *executor.Pool
	unit       executor.UnitOfWork
	policy     *backoff.Policy
	maxRetries int
	artifacts  ArtifactChecker
	logger     *log.Logger
	logLevel   LogLevel
}

func New(st *store.Store, runID string, plan *model.ExecutionPlan, pool *executor.Pool,
	unit executor.UnitOfWork, policy *backoff.Policy, maxRetries int,
	logger *log.Logger, logLevel LogLevel) *Scheduler {
	return &Scheduler{
		store:      st,
		runID:      runID,
		plan:       plan,
		pool:       pool,
		unit:       unit,
		policy:     policy,
		maxRetries: maxRetries,
		logger:     logger,
		logLevel:   logLevel,
	}
}

// SetArtifactChecker wires the optional plan-completion artifact probe.
func (s *Scheduler) SetArtifactChecker(ac ArtifactChecker) {
	s.artifacts = ac
}

// RunWave executes wave until it is complete: every item completed or
// fatal, or every remaining non-terminal item has exhausted maxRetries.
// Returns ErrFatal when any item in the run is fatal (observed before the
// first dispatch or produced by one), and ctx.Err() when shutdown cut
// dispatch short.
func (s *Scheduler) RunWave(ctx context.Context, wave model.Wave) error {
	for {
		state, err := s.store.Load(s.runID)
		if err != nil {
			return err
		}
		if state.AnyFatal() {
			return ErrFatal
		}

		eligible := s.eligibleItems(state, wave)
		if len(eligible) == 0 {
			s.log(LogLevelInfo, "wave_complete wave=%d", wave.Number)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		s.log(LogLevelInfo, "wave_dispatch wave=%d items=%d", wave.Number, len(eligible))

		if _, err := s.store.Update(s.runID, func(st *model.RunState) error {
			for _, id := range eligible {
				it := st.Items[id]
				if it.Status == "" {
					it.Status = model.StatusPending
				}
				if it.Status == model.StatusInProgress {
					// Crash or interruption left it mid-flight; re-dispatch as is.
					continue
				}
				if err := model.ValidateItemTransition(it.Status, model.StatusInProgress); err != nil {
					return fmt.Errorf("item %s: %w", id, err)
				}
				it.Status = model.StatusInProgress
				st.Items[id] = it
			}
			return nil
		}); err != nil {
			return err
		}

		work := make([]model.WorkItem, len(eligible))
		for i, id := range eligible {
			work[i] = s.plan.Item(id)
		}
		outcomes := s.pool.Run(ctx, work, s.unit)

		if err := s.applyOutcomes(ctx, wave, outcomes); err != nil {
			return err
		}

		state, err = s.store.Load(s.runID)
		if err != nil {
			return err
		}
		if state.AnyFatal() {
			return ErrFatal
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		remaining := s.eligibleItems(state, wave)
		if len(remaining) == 0 {
			s.log(LogLevelInfo, "wave_complete wave=%d", wave.Number)
			return nil
		}

		delay := s.policy.Delay(s.maxAttempts(state, remaining))
		s.log(LogLevelInfo, "wave_retry wave=%d remaining=%d delay=%s",
			wave.Number, len(remaining), delay)
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
}

// eligibleItems returns the wave's items that still need dispatch:
// pending, in_progress (crash recovery), and failed items whose attempt
// budget is not exhausted. Completed and fatal items never re-run.
func (s *Scheduler) eligibleItems(state *model.RunState, wave model.Wave) []string {
	var out []string
	for _, id := range wave.Items {
		it, ok := state.Items[id]
		if !ok {
			out = append(out, id)
			continue
		}
		switch it.Status {
		case model.StatusCompleted, model.StatusFatal:
		case model.StatusFailed:
			if it.Attempts < s.maxRetries {
				out = append(out, id)
			}
		default:
			out = append(out, id)
		}
	}
	return out
}

func (s *Scheduler) maxAttempts(state *model.RunState, ids []string) int {
	max := 1
	for _, id := range ids {
		if a := state.Items[id].Attempts; a > max {
			max = a
		}
	}
	return max
}

// applyOutcomes classifies each raw outcome and advances item state in
// one atomic update. Per-item failures are recorded, never propagated;
// only the fatal short-circuit escapes RunWave.
func (s *Scheduler) applyOutcomes(ctx context.Context, wave model.Wave, outcomes []executor.Outcome) error {
	type verdict struct {
		out  executor.Outcome
		kind classify.Kind
		prURL string
	}
	verdicts := make([]verdict, 0, len(outcomes))
	for _, out := range outcomes {
		v := verdict{out: out}
		if !out.Success {
			// An ambiguous exit may still have produced the artifact.
			if s.artifacts != nil {
				if url, ok := s.artifacts.Check(ctx, out.ItemID); ok {
					v.out.Success = true
					v.prURL = url
					s.log(LogLevelInfo, "artifact_upgrade item=%s url=%s", out.ItemID, url)
				}
			}
			if !v.out.Success {
				// A unit that already classified its own failure (a nested
				// run recording its kind) takes precedence over matching
				// phrases in the output text.
				if out.Kind != "" {
					v.kind = classify.Kind(out.Kind)
				} else {
					v.kind = classify.Classify(out.Output, out.TimedOut)
				}
			}
		}
		verdicts = append(verdicts, v)
	}

	_, err := s.store.Update(s.runID, func(st *model.RunState) error {
		for _, v := range verdicts {
			it := st.Items[v.out.ItemID]
			switch {
			case v.out.Success:
				it.Status = model.StatusCompleted
				if v.prURL != "" {
					it.PRURL = v.prURL
				}
				s.log(LogLevelInfo, "item_completed wave=%d item=%s attempts=%d",
					wave.Number, v.out.ItemID, it.Attempts)
			case classify.IsFatal(v.kind):
				it.Status = model.StatusFatal
				st.AppendError(v.out.ItemID, string(v.kind), tail(v.out.Output))
				s.log(LogLevelError, "item_fatal wave=%d item=%s kind=%s",
					wave.Number, v.out.ItemID, v.kind)
			default:
				it.Status = model.StatusFailed
				it.Attempts++
				st.AppendError(v.out.ItemID, string(v.kind), tail(v.out.Output))
				s.log(LogLevelWarn, "item_failed wave=%d item=%s kind=%s retryable=%v attempts=%d timed_out=%v",
					wave.Number, v.out.ItemID, v.kind, classify.IsRetryable(v.kind), it.Attempts, v.out.TimedOut)
			}
			st.Items[v.out.ItemID] = it
		}
		return nil
	})
	return err
}

// tail keeps the end of the output, where error markers usually are.
func tail(output string) string {
	output = strings.TrimSpace(output)
	if len(output) <= maxErrorMessageLen {
		return output
	}
	return "..." + output[len(output)-maxErrorMessageLen:]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) log(level LogLevel, format string, args ...any) {
	if level < s.logLevel || s.logger == nil {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s scheduler: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
