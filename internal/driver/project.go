package driver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hayashi-ek/epicrun/internal/executor"
	"github.com/hayashi-ek/epicrun/internal/model"
	"github.com/hayashi-ek/epicrun/internal/plandoc"
	"github.com/hayashi-ek/epicrun/internal/store"
)

// ProjectDriver runs a project plan whose work items are epics. The same
// wave machinery applies one level up: each epic is a unit of work whose
// execution is a full inner run with its own state, lock, and waves.
type ProjectDriver struct {
	store     *store.Store
	cfg       model.Config
	runID     string
	innerUnit executor.UnitOfWork
	planPaths map[string]string // epic id -> plan document path
	logger    *log.Logger
	opts      Options
}

func NewProjectDriver(st *store.Store, cfg model.Config, runID string,
	innerUnit executor.UnitOfWork, planPaths map[string]string,
	logger *log.Logger, opts Options) *ProjectDriver {
	return &ProjectDriver{
		store:     st,
		cfg:       cfg,
		runID:     runID,
		innerUnit: innerUnit,
		planPaths: planPaths,
		logger:    logger,
		opts:      opts,
	}
}

// Run executes the project plan. Every epic's plan document is loaded
// and validated up front so a malformed epic fails the whole project
// before any work starts.
func (p *ProjectDriver) Run(ctx context.Context, plan *model.ExecutionPlan) error {
	if err := plandoc.Validate(plan); err != nil {
		return err
	}

	epicPlans, err := p.loadEpicPlans(plan)
	if err != nil {
		return err
	}

	outer := NewEpicDriver(p.store, p.projectConfig(), p.runID,
		&epicRunner{
			store:  p.store,
			cfg:    p.cfg,
			unit:   p.innerUnit,
			plans:  epicPlans,
			logger: p.logger,
		}, p.logger, p.opts)
	return outer.Run(ctx, plan)
}

// Resume continues an interrupted project run from its persisted plan.
// Epic plan documents are re-read from the configured paths.
func (p *ProjectDriver) Resume(ctx context.Context) error {
	plan, err := p.store.LoadPlan(p.runID)
	if err != nil {
		return err
	}
	epicPlans, err := p.loadEpicPlans(plan)
	if err != nil {
		return err
	}

	outer := NewEpicDriver(p.store, p.projectConfig(), p.runID,
		&epicRunner{
			store:  p.store,
			cfg:    p.cfg,
			unit:   p.innerUnit,
			plans:  epicPlans,
			logger: p.logger,
		}, p.logger, p.opts)
	return outer.Resume(ctx)
}

// projectConfig derives the outer scheduling knobs. Epics run without a
// per-item timeout: an epic's duration is the sum of its own waves, and
// its inner items already carry the configured timeout.
func (p *ProjectDriver) projectConfig() model.Config {
	cfg := p.cfg
	cfg.Scheduler.ItemTimeoutSec = 0
	cfg.Agent.ArtifactDir = ""
	return cfg
}

// loadEpicPlans reads and validates every epic plan concurrently. All
// paths are checked before any load starts so a missing configuration
// fails fast with the epic named.
func (p *ProjectDriver) loadEpicPlans(plan *model.ExecutionPlan) (map[string]*model.ExecutionPlan, error) {
	var epicIDs []string
	for _, wave := range plan.Waves {
		for _, epicID := range wave.Items {
			if _, ok := p.planPaths[epicID]; !ok {
				return nil, fmt.Errorf("no plan document configured for epic %s", epicID)
			}
			epicIDs = append(epicIDs, epicID)
		}
	}

	var (
		g     errgroup.Group
		mu    sync.Mutex
		plans = make(map[string]*model.ExecutionPlan, len(epicIDs))
	)
	for _, epicID := range epicIDs {
		epicID := epicID
		path := p.planPaths[epicID]
		g.Go(func() error {
			ep, err := plandoc.Load(path)
			if err != nil {
				return fmt.Errorf("epic %s: %w", epicID, err)
			}
			if err := plandoc.Validate(ep); err != nil {
				return fmt.Errorf("epic %s: %w", epicID, err)
			}
			mu.Lock()
			plans[epicID] = ep
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return plans, nil
}

// epicRunner adapts one epic to the executor's unit-of-work contract.
// A failed inner run surfaces as a failed outcome carrying the inner
// run's last recorded failure kind, so the outer level inherits the
// classification the inner one already made instead of re-deriving it
// from message text.
type epicRunner struct {
	store  *store.Store
	cfg    model.Config
	unit   executor.UnitOfWork
	plans  map[string]*model.ExecutionPlan
	logger *log.Logger
}

func (r *epicRunner) Run(ctx context.Context, item model.WorkItem) executor.Outcome {
	epicID := item.ID
	inner := NewEpicDriver(r.store, r.cfg, epicID, r.unit, r.logger, Options{})

	var err error
	if r.epicResumable(epicID) {
		err = inner.Resume(ctx)
	} else {
		err = inner.Run(ctx, r.plans[epicID])
	}
	if err == nil {
		return executor.Outcome{ItemID: epicID, Success: true}
	}

	output, kind := r.failureDetail(epicID, err)
	return executor.Outcome{
		ItemID:  epicID,
		Success: false,
		Output:  output,
		Kind:    kind,
	}
}

// epicResumable reports whether the epic already has persisted state
// worth resuming. A prior completed run also resumes: Resume treats it
// as a no-op success, keeping outer retries idempotent.
func (r *epicRunner) epicResumable(epicID string) bool {
	state, err := r.store.Load(epicID)
	if err != nil {
		return false
	}
	return state.Status != model.RunStatusFatalError
}

// failureDetail composes the failed outcome. The inner run's last error
// record supplies both the display text and the pre-classified kind;
// the stored message is a truncated tail, so the kind must ride along
// explicitly rather than be re-derived from it.
func (r *epicRunner) failureDetail(epicID string, err error) (output, kind string) {
	out := fmt.Sprintf("epic %s: %v", epicID, err)
	if errors.Is(err, context.Canceled) {
		return out, ""
	}
	state, loadErr := r.store.Load(epicID)
	if loadErr != nil || len(state.Errors) == 0 {
		return out, ""
	}
	last := state.Errors[len(state.Errors)-1]
	return fmt.Sprintf("%s\nlast error (%s): %s", out, last.Kind, last.Message), last.Kind
}
