// Package model defines the data structures for epicrun's plans, run state,
// and configuration.
package model

import "time"

const (
	SchemaVersion     = 1
	FileTypeRunState  = "run_state"
	FileTypePlan      = "execution_plan"
	FileTypeLock      = "run_lock"
	TimestampLayout   = time.RFC3339
)

// Owner identifies the process that holds a run.
type Owner struct {
	PID      int    `yaml:"pid"`
	Hostname string `yaml:"hostname"`
	Token    string `yaml:"token"`
}

// ItemState is the per-work-item slice of a RunState. Attempts counts
// failed attempts: it is incremented on every in_progress → failed
// transition and never decreases.
type ItemState struct {
	Status   Status `yaml:"status"`
	Attempts int    `yaml:"attempts"`
	PRURL    string `yaml:"pr_url,omitempty"`
}

// ErrorRecord is one observed failure. Records are append-only.
type ErrorRecord struct {
	ItemID  string `yaml:"item_id"`
	Kind    string `yaml:"kind"`
	Message string `yaml:"message"`
	At      string `yaml:"at"`
}

// RunState is the single persisted record for one orchestration run.
// It is the sole basis for resumption.
type RunState struct {
	SchemaVersion  int                  `yaml:"schema_version"`
	FileType       string               `yaml:"file_type"`
	RunID          string               `yaml:"run_id"`
	Status         RunStatus            `yaml:"status"`
	Owner          Owner                `yaml:"owner"`
	CurrentWave    int                  `yaml:"current_wave"`
	CompletedWaves []int                `yaml:"completed_waves"`
	Items          map[string]ItemState `yaml:"items"`
	Errors         []ErrorRecord        `yaml:"errors"`
	CreatedAt      string               `yaml:"created_at"`
	UpdatedAt      string               `yaml:"updated_at"`
}

// NewRunState returns a fresh RunState for runID with every item from the
// plan set to pending.
func NewRunState(runID string, owner Owner, plan *ExecutionPlan) *RunState {
	now := time.Now().UTC().Format(TimestampLayout)
	items := make(map[string]ItemState)
	if plan != nil {
		for _, w := range plan.Waves {
			for _, id := range w.Items {
				items[id] = ItemState{Status: StatusPending}
			}
		}
	}
	return &RunState{
		SchemaVersion: SchemaVersion,
		FileType:      FileTypeRunState,
		RunID:         runID,
		Status:        RunStatusInitialized,
		Owner:         owner,
		CurrentWave:   0,
		Items:         items,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// WaveCompleted reports whether wave number n is recorded as completed.
func (s *RunState) WaveCompleted(n int) bool {
	for _, w := range s.CompletedWaves {
		if w == n {
			return true
		}
	}
	return false
}

// AnyFatal reports whether any item anywhere in the run has fatal status.
func (s *RunState) AnyFatal() bool {
	for _, it := range s.Items {
		if it.Status == StatusFatal {
			return true
		}
	}
	return false
}

// CountByStatus returns the number of items currently in status st.
func (s *RunState) CountByStatus(st Status) int {
	n := 0
	for _, it := range s.Items {
		if it.Status == st {
			n++
		}
	}
	return n
}

// AppendError records a classified failure for itemID.
func (s *RunState) AppendError(itemID, kind, message string) {
	s.Errors = append(s.Errors, ErrorRecord{
		ItemID:  itemID,
		Kind:    kind,
		Message: message,
		At:      time.Now().UTC().Format(TimestampLayout),
	})
}
