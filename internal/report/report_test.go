package report

import (
	"strings"
	"testing"

	"github.com/hayashi-ek/epicrun/internal/model"
)

func sampleState() *model.RunState {
	return &model.RunState{
		RunID:  "run_test",
		Status: model.RunStatusRunning,
		Items: map[string]model.ItemState{
			"alpha": {Status: model.StatusCompleted, Attempts: 1, PRURL: "https://example.com/pr/1"},
			"beta":  {Status: model.StatusFailed, Attempts: 2},
			"gamma": {Status: model.StatusPending},
		},
		CompletedWaves: []int{1},
		Errors: []model.ErrorRecord{
			{ItemID: "beta", Kind: "network", Message: "connection refused\nsecond line", At: "2026-08-31T00:00:00Z"},
		},
	}
}

func samplePlan() *model.ExecutionPlan {
	return &model.ExecutionPlan{
		Waves: []model.Wave{
			{Number: 1, Description: "foundation", Items: []string{"alpha"}},
			{Number: 2, Items: []string{"beta", "gamma"}},
		},
	}
}

func TestCollect(t *testing.T) {
	stats := Collect(sampleState())
	if stats.Total != 3 || stats.Completed != 1 || stats.Failed != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRender_WithPlan(t *testing.T) {
	out := Render(sampleState(), samplePlan())

	for _, want := range []string{
		"run run_test: running",
		"3 total, 1 completed, 1 failed",
		"waves completed: 1",
		"wave 1: foundation",
		"wave 2",
		"(attempts: 2)",
		"https://example.com/pr/1",
		"beta network: connection refused",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "second line") {
		t.Errorf("error message should be truncated to first line:\n%s", out)
	}
}

func TestRender_WithoutPlan(t *testing.T) {
	out := Render(sampleState(), nil)
	for _, id := range []string{"alpha", "beta", "gamma"} {
		if !strings.Contains(out, id) {
			t.Errorf("report missing item %s:\n%s", id, out)
		}
	}
}

func TestRender_NoWavesCompleted(t *testing.T) {
	st := sampleState()
	st.CompletedWaves = nil
	out := Render(st, nil)
	if !strings.Contains(out, "waves completed: none") {
		t.Errorf("expected none marker:\n%s", out)
	}
}
