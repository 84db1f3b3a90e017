// Package report renders a human-readable summary of a run from its
// persisted state. The state and error list remain the source of truth;
// the report carries no additional semantics.
package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hayashi-ek/epicrun/internal/model"
)

// Stats is the aggregate view of one run.
type Stats struct {
	Total      int
	Completed  int
	Failed     int
	Fatal      int
	InProgress int
	Pending    int
}

func Collect(state *model.RunState) Stats {
	st := Stats{Total: len(state.Items)}
	for _, it := range state.Items {
		switch it.Status {
		case model.StatusCompleted:
			st.Completed++
		case model.StatusFailed:
			st.Failed++
		case model.StatusFatal:
			st.Fatal++
		case model.StatusInProgress:
			st.InProgress++
		default:
			st.Pending++
		}
	}
	return st
}

// Render produces the full text report. plan may be nil; wave grouping
// is then omitted.
func Render(state *model.RunState, plan *model.ExecutionPlan) string {
	var sb strings.Builder
	stats := Collect(state)

	fmt.Fprintf(&sb, "run %s: %s\n", state.RunID, state.Status)
	fmt.Fprintf(&sb, "items: %d total, %d completed, %d failed, %d fatal, %d in progress, %d pending\n",
		stats.Total, stats.Completed, stats.Failed, stats.Fatal, stats.InProgress, stats.Pending)
	fmt.Fprintf(&sb, "waves completed: %s\n", formatWaves(state.CompletedWaves))

	if plan != nil {
		for _, wave := range plan.Waves {
			desc := ""
			if wave.Description != "" {
				desc = ": " + wave.Description
			}
			fmt.Fprintf(&sb, "\nwave %d%s\n", wave.Number, desc)
			for _, id := range wave.Items {
				it := state.Items[id]
				line := fmt.Sprintf("  %-12s %s", id, it.Status)
				if it.Attempts > 0 {
					line += fmt.Sprintf(" (attempts: %d)", it.Attempts)
				}
				if it.PRURL != "" {
					line += " " + it.PRURL
				}
				sb.WriteString(line + "\n")
			}
		}
	} else {
		ids := make([]string, 0, len(state.Items))
		for id := range state.Items {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		sb.WriteString("\n")
		for _, id := range ids {
			it := state.Items[id]
			fmt.Fprintf(&sb, "  %-12s %s\n", id, it.Status)
		}
	}

	if len(state.Errors) > 0 {
		fmt.Fprintf(&sb, "\nerrors (%d):\n", len(state.Errors))
		for _, rec := range errTail(state.Errors, 10) {
			fmt.Fprintf(&sb, "  [%s] %s %s: %s\n", rec.At, rec.ItemID, rec.Kind, firstLine(rec.Message))
		}
	}

	return sb.String()
}

func formatWaves(waves []int) string {
	if len(waves) == 0 {
		return "none"
	}
	parts := make([]string, len(waves))
	for i, w := range waves {
		parts[i] = fmt.Sprintf("%d", w)
	}
	return strings.Join(parts, ", ")
}

func errTail(records []model.ErrorRecord, n int) []model.ErrorRecord {
	if len(records) <= n {
		return records
	}
	return records[len(records)-n:]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
