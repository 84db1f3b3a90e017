package model

import "testing"

func TestValidateItemTransition_Allowed(t *testing.T) {
	cases := []struct{ from, to Status }{
		{StatusPending, StatusInProgress},
		{StatusInProgress, StatusCompleted},
		{StatusInProgress, StatusFailed},
		{StatusInProgress, StatusFatal},
		{StatusFailed, StatusInProgress},
	}
	for _, c := range cases {
		if err := ValidateItemTransition(c.from, c.to); err != nil {
			t.Errorf("transition %s → %s should be allowed: %v", c.from, c.to, err)
		}
	}
}

func TestValidateItemTransition_Rejected(t *testing.T) {
	cases := []struct{ from, to Status }{
		{StatusPending, StatusCompleted},
		{StatusPending, StatusFailed},
		{StatusFailed, StatusCompleted},
		{StatusCompleted, StatusFailed},
		{StatusFatal, StatusInProgress},
		{StatusFatal, StatusPending},
	}
	for _, c := range cases {
		if err := ValidateItemTransition(c.from, c.to); err == nil {
			t.Errorf("transition %s → %s should be rejected", c.from, c.to)
		}
	}
}

func TestFatalIsTerminal(t *testing.T) {
	if !IsTerminal(StatusFatal) {
		t.Error("fatal must be terminal")
	}
	if !IsTerminal(StatusCompleted) {
		t.Error("completed must be terminal")
	}
	if IsTerminal(StatusFailed) {
		t.Error("failed is not a terminal transition state")
	}
}

func TestValidateRunTransition(t *testing.T) {
	if err := ValidateRunTransition(RunStatusInitialized, RunStatusRunning); err != nil {
		t.Errorf("initialized → running: %v", err)
	}
	if err := ValidateRunTransition(RunStatusInterrupted, RunStatusRunning); err != nil {
		t.Errorf("interrupted → running (resume): %v", err)
	}
	if err := ValidateRunTransition(RunStatusCompleted, RunStatusRunning); err == nil {
		t.Error("completed is terminal, transition must be rejected")
	}
	if err := ValidateRunTransition(RunStatusFatalError, RunStatusRunning); err == nil {
		t.Error("fatal_error is terminal, transition must be rejected")
	}
	if err := ValidateRunTransition(RunStatusInitialized, RunStatusCompleted); err == nil {
		t.Error("initialized → completed must pass through running")
	}
}
