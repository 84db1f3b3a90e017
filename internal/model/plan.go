package model

// WorkItem is one schedulable unit: an issue at the epic level, or an
// epic at the project level. DependsOn is informational; wave placement
// already encodes the resolved order.
type WorkItem struct {
	ID        string   `yaml:"id"`
	Title     string   `yaml:"title,omitempty"`
	DependsOn []string `yaml:"depends_on,omitempty"`
}

// Wave is one stage of an execution plan. All items in wave k are assumed
// by the plan author to depend only on items in waves < k; the scheduler
// trusts this and does not re-resolve the graph.
type Wave struct {
	Number      int      `yaml:"number"`
	Description string   `yaml:"description,omitempty"`
	Items       []string `yaml:"items"`
}

// ExecutionPlan is the ordered wave sequence for one run. Immutable once
// accepted.
type ExecutionPlan struct {
	SchemaVersion    int        `yaml:"schema_version"`
	FileType         string     `yaml:"file_type"`
	RunID            string     `yaml:"run_id,omitempty"`
	SuccessCriteria  string     `yaml:"success_criteria,omitempty"`
	EstimatedMinutes int        `yaml:"estimated_minutes,omitempty"`
	Items            []WorkItem `yaml:"work_items,omitempty"`
	Waves            []Wave     `yaml:"waves"`
}

// Item returns the WorkItem with the given id, falling back to a bare
// item when the plan carries no metadata for it.
func (p *ExecutionPlan) Item(id string) WorkItem {
	for _, it := range p.Items {
		if it.ID == id {
			return it
		}
	}
	return WorkItem{ID: id}
}

// ItemCount returns the total number of item slots across all waves.
func (p *ExecutionPlan) ItemCount() int {
	n := 0
	for _, w := range p.Waves {
		n += len(w.Items)
	}
	return n
}
