package store

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/hayashi-ek/epicrun/internal/model"
)

func testPlan() *model.ExecutionPlan {
	return &model.ExecutionPlan{
		SchemaVersion: model.SchemaVersion,
		FileType:      model.FileTypePlan,
		Waves: []model.Wave{
			{Number: 1, Items: []string{"a", "b"}},
			{Number: 2, Items: []string{"c"}},
		},
	}
}

func TestInitialize_Fresh(t *testing.T) {
	s := New(t.TempDir())

	state, err := s.Initialize("run1", model.Owner{PID: os.Getpid()}, testPlan(), false)
	require.NoError(t, err)
	require.Equal(t, model.RunStatusInitialized, state.Status)
	require.Len(t, state.Items, 3)

	loaded, err := s.Load("run1")
	require.NoError(t, err)
	require.Equal(t, state.RunID, loaded.RunID)
}

func TestInitialize_AlreadyExists(t *testing.T) {
	s := New(t.TempDir())

	_, err := s.Initialize("run1", model.Owner{}, testPlan(), false)
	require.NoError(t, err)

	_, err = s.Initialize("run1", model.Owner{}, testPlan(), false)
	require.ErrorIs(t, err, ErrAlreadyExists)

	// fresh=true does not help while the run is non-terminal
	_, err = s.Initialize("run1", model.Owner{}, testPlan(), true)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestInitialize_FreshAfterCompleted(t *testing.T) {
	s := New(t.TempDir())

	_, err := s.Initialize("run1", model.Owner{}, testPlan(), false)
	require.NoError(t, err)

	_, err = s.Update("run1", func(st *model.RunState) error {
		st.Status = model.RunStatusCompleted
		return nil
	})
	require.NoError(t, err)

	state, err := s.Initialize("run1", model.Owner{}, testPlan(), true)
	require.NoError(t, err)
	require.Equal(t, model.RunStatusInitialized, state.Status)
	require.Equal(t, 0, state.Items["a"].Attempts)
}

func TestLoad_NotFound(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Load("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestUpdate_PersistsMutation(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Initialize("run1", model.Owner{}, testPlan(), false)
	require.NoError(t, err)

	_, err = s.Update("run1", func(st *model.RunState) error {
		it := st.Items["a"]
		it.Status = model.StatusInProgress
		st.Items["a"] = it
		return nil
	})
	require.NoError(t, err)

	loaded, err := s.Load("run1")
	require.NoError(t, err)
	require.Equal(t, model.StatusInProgress, loaded.Items["a"].Status)
}

func TestUpdate_MutatorErrorLeavesStateUntouched(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Initialize("run1", model.Owner{}, testPlan(), false)
	require.NoError(t, err)

	before, err := os.ReadFile(s.StatePath("run1"))
	require.NoError(t, err)

	_, err = s.Update("run1", func(st *model.RunState) error {
		st.Status = model.RunStatusFatalError
		return errors.New("boom")
	})
	require.Error(t, err)

	after, err := os.ReadFile(s.StatePath("run1"))
	require.NoError(t, err)
	require.Equal(t, before, after)
}

// A no-op resume (load, no execution) must leave the state file
// byte-for-byte identical.
func TestNoOpResume_Idempotent(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Initialize("run1", model.Owner{}, testPlan(), false)
	require.NoError(t, err)

	before, err := os.ReadFile(s.StatePath("run1"))
	require.NoError(t, err)

	loaded, err := s.Load("run1")
	require.NoError(t, err)

	after, err := os.ReadFile(s.StatePath("run1"))
	require.NoError(t, err)
	require.Equal(t, before, after)

	// And a reload serializes back to the same bytes.
	reser, err := yamlv3.Marshal(loaded)
	require.NoError(t, err)
	require.Equal(t, string(before), string(reser))
}

func TestSaveLoadPlan(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.SavePlan("run1", testPlan()))

	plan, err := s.LoadPlan("run1")
	require.NoError(t, err)
	require.Len(t, plan.Waves, 2)
	require.Equal(t, []string{"c"}, plan.Waves[1].Items)
}
