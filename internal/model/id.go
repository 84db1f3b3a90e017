package model

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const runIDPrefix = "run"

var runIDRegex = regexp.MustCompile(`^run_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// NewRunID generates a fresh run identifier.
func NewRunID() string {
	return fmt.Sprintf("%s_%s", runIDPrefix, uuid.NewString())
}

// ValidateRunID accepts generated run identifiers as well as
// operator-chosen names (epic/issue numbers, slugs).
func ValidateRunID(id string) error {
	if id == "" {
		return fmt.Errorf("run id is empty")
	}
	if runIDRegex.MatchString(id) {
		return nil
	}
	if strings.ContainsAny(id, "/\\ \t\n") {
		return fmt.Errorf("run id %q contains path or whitespace characters", id)
	}
	return nil
}

// NewLockToken generates an opaque token identifying one lock acquisition.
func NewLockToken() string {
	return uuid.NewString()
}
