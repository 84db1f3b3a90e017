package model

import "fmt"

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusFatal      Status = "fatal"
)

type RunStatus string

const (
	RunStatusInitialized RunStatus = "initialized"
	RunStatusRunning     RunStatus = "running"
	RunStatusInterrupted RunStatus = "interrupted"
	RunStatusFatalError  RunStatus = "fatal_error"
	RunStatusCompleted   RunStatus = "completed"
)

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFatal:     true,
}

var terminalRunStatuses = map[RunStatus]bool{
	RunStatusFatalError: true,
	RunStatusCompleted:  true,
}

// Item transitions: pending → in_progress → completed|failed|fatal,
// failed → in_progress on retry. completed and fatal are terminal;
// failed becomes terminal for the run once attempts are exhausted, but
// that is a scheduler policy, not a transition rule.
var validItemTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInProgress: true,
	},
	StatusInProgress: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusFatal:     true,
	},
	StatusFailed: {
		StatusInProgress: true,
	},
}

var validRunTransitions = map[RunStatus]map[RunStatus]bool{
	RunStatusInitialized: {
		RunStatusRunning: true,
	},
	RunStatusRunning: {
		RunStatusInterrupted: true,
		RunStatusFatalError:  true,
		RunStatusCompleted:   true,
	},
	// resume path
	RunStatusInterrupted: {
		RunStatusRunning: true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func IsRunTerminal(s RunStatus) bool {
	return terminalRunStatuses[s]
}

func ValidateItemTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validItemTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid item transition: %q → %q", from, to)
	}
	return nil
}

func ValidateRunTransition(from, to RunStatus) error {
	if IsRunTerminal(from) {
		return fmt.Errorf("cannot transition from terminal run status %q", from)
	}
	allowed, ok := validRunTransitions[from]
	if !ok {
		return fmt.Errorf("unknown run status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid run transition: %q → %q", from, to)
	}
	return nil
}
