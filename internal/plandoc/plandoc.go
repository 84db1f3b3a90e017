// Package plandoc loads and validates execution plan documents. A plan
// is accepted or rejected whole, before any wave executes; the scheduler
// trusts an accepted plan's wave placement completely.
package plandoc

import (
	"errors"
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/hayashi-ek/epicrun/internal/model"
)

// ErrInvalidPlan marks a structurally malformed plan. The wrapped
// ValidationErrors carry the field-level detail.
var ErrInvalidPlan = errors.New("invalid execution plan")

// Load reads a plan document from path.
func Load(path string) (*model.ExecutionPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", path, err)
	}
	var plan model.ExecutionPlan
	if err := yamlv3.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	return &plan, nil
}

// Validate checks structural well-formedness: a non-empty wave list,
// non-empty item lists, ascending contiguous wave numbers from 1, and
// item ids unique across the whole plan. Dependency placement is the
// plan author's responsibility and is not re-validated here.
func Validate(plan *model.ExecutionPlan) error {
	errs := &ValidationErrors{}

	if plan == nil {
		return fmt.Errorf("%w: plan is nil", ErrInvalidPlan)
	}
	if len(plan.Waves) == 0 {
		errs.Add("waves", "at least one wave is required")
		return fmt.Errorf("%w:\n%w", ErrInvalidPlan, errs)
	}

	seen := make(map[string]int) // item id -> first wave number
	for i, wave := range plan.Waves {
		prefix := fmt.Sprintf("waves[%d]", i)

		if wave.Number != i+1 {
			errs.Add(prefix+".number",
				fmt.Sprintf("wave numbers must ascend from 1 without gaps, got %d at position %d", wave.Number, i+1))
		}
		if len(wave.Items) == 0 {
			errs.Add(prefix+".items", "wave has no work items")
		}
		for j, id := range wave.Items {
			itemPrefix := fmt.Sprintf("%s.items[%d]", prefix, j)
			if id == "" {
				errs.Add(itemPrefix, "empty work item id")
				continue
			}
			if first, dup := seen[id]; dup {
				errs.Add(itemPrefix,
					fmt.Sprintf("item %q already appears in wave %d", id, first))
				continue
			}
			seen[id] = wave.Number
		}
	}

	if errs.HasErrors() {
		return fmt.Errorf("%w:\n%w", ErrInvalidPlan, errs)
	}
	return nil
}
