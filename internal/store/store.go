package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/hayashi-ek/epicrun/internal/model"
)

var (
	// ErrAlreadyExists is returned by Initialize when a non-resumable
	// state already exists for the run id.
	ErrAlreadyExists = errors.New("run state already exists")
	// ErrNotFound is returned by Load when no state exists.
	ErrNotFound = errors.New("run state not found")
)

// Store addresses one run's documents under root/runs/<runID>/.
// It guarantees atomicity of individual writes; cross-process mutual
// exclusion is the lock manager's job, and in-process callers serialize
// their own Update calls.
type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, "runs", runID)
}

func (s *Store) StatePath(runID string) string {
	return filepath.Join(s.RunDir(runID), "state.yaml")
}

func (s *Store) PlanPath(runID string) string {
	return filepath.Join(s.RunDir(runID), "plan.yaml")
}

func (s *Store) LockPath(runID string) string {
	return filepath.Join(s.RunDir(runID), "run.lock")
}

func (s *Store) LogDir(runID string) string {
	return filepath.Join(s.RunDir(runID), "logs")
}

// Initialize creates a fresh RunState for runID. It fails with
// ErrAlreadyExists if one is present, unless the prior run reached
// terminal completed status and fresh was requested.
func (s *Store) Initialize(runID string, owner model.Owner, plan *model.ExecutionPlan, fresh bool) (*model.RunState, error) {
	prior, err := s.Load(runID)
	switch {
	case err == nil:
		if !(fresh && prior.Status == model.RunStatusCompleted) {
			return nil, fmt.Errorf("run %s: %w (status %s)", runID, ErrAlreadyExists, prior.Status)
		}
	case errors.Is(err, ErrNotFound):
		// fresh start
	default:
		return nil, err
	}

	if err := os.MkdirAll(s.LogDir(runID), 0755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	state := model.NewRunState(runID, owner, plan)
	if err := AtomicWrite(s.StatePath(runID), state); err != nil {
		return nil, fmt.Errorf("persist initial state: %w", err)
	}
	return state, nil
}

// Load reads and validates the RunState for runID.
func (s *Store) Load(runID string) (*model.RunState, error) {
	data, err := os.ReadFile(s.StatePath(runID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	var state model.RunState
	if err := yamlv3.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	if state.FileType != model.FileTypeRunState {
		return nil, fmt.Errorf("state file for %s has file_type %q, want %q",
			runID, state.FileType, model.FileTypeRunState)
	}
	if state.RunID != runID {
		return nil, fmt.Errorf("state file run_id %q does not match %q", state.RunID, runID)
	}
	if state.Items == nil {
		state.Items = make(map[string]model.ItemState)
	}
	return &state, nil
}

// Update applies fn to the current on-disk state and persists the result
// atomically. The mutator must be pure over the passed state.
func (s *Store) Update(runID string, fn func(*model.RunState) error) (*model.RunState, error) {
	state, err := s.Load(runID)
	if err != nil {
		return nil, err
	}
	if err := fn(state); err != nil {
		return nil, err
	}
	state.UpdatedAt = time.Now().UTC().Format(model.TimestampLayout)
	if err := AtomicWrite(s.StatePath(runID), state); err != nil {
		return nil, fmt.Errorf("persist state: %w", err)
	}
	return state, nil
}

// SavePlan persists the accepted plan document alongside the state.
func (s *Store) SavePlan(runID string, plan *model.ExecutionPlan) error {
	if err := os.MkdirAll(s.RunDir(runID), 0755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	return AtomicWrite(s.PlanPath(runID), plan)
}

// LoadPlan reads the persisted plan for runID.
func (s *Store) LoadPlan(runID string) (*model.ExecutionPlan, error) {
	data, err := os.ReadFile(s.PlanPath(runID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("plan for run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var plan model.ExecutionPlan
	if err := yamlv3.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	return &plan, nil
}
