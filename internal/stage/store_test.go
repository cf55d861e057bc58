package stage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubforge/dubforge/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, s.Init("task-1", []string{"ja"}))
	return s
}

func TestStore_InitAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	st, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "task-1", st.TaskID)
	assert.Equal(t, []string{"ja"}, st.Targets)
	assert.False(t, st.CreatedAt.IsZero())
}

func TestStore_StageTransitions(t *testing.T) {
	s := newTestStore(t)
	name := QualifiedName(StageTranslate, "ja")

	require.NoError(t, s.MarkRunning(name))
	rec, ok := s.StageRecord(name)
	require.True(t, ok)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.NotNil(t, rec.StartedAt)

	require.NoError(t, s.MarkFinished(name, StatusDone, nil))
	rec, _ = s.StageRecord(name)
	assert.Equal(t, StatusDone, rec.Status)
	assert.NotNil(t, rec.FinishedAt)

	// A second run bumps attempts and clears the old error.
	require.NoError(t, s.MarkRunning(name))
	rec, _ = s.StageRecord(name)
	assert.Equal(t, 2, rec.Attempts)
	assert.Nil(t, rec.LastError)
}

func TestStore_QualifiedNamesSurviveReload(t *testing.T) {
	s := newTestStore(t)
	// Dots in stage keys must not be treated as JSON paths.
	require.NoError(t, s.MarkRunning("translate.ja"))
	require.NoError(t, s.MarkFinished("translate.ja", StatusDone, nil))

	st, err := s.Load()
	require.NoError(t, err)
	rec, ok := st.Stages["translate.ja"]
	require.True(t, ok, "qualified stage key must be a single map key")
	assert.Equal(t, StatusDone, rec.Status)
	assert.NotContains(t, st.Stages, "translate")
}

func TestStore_ModelSelectionPinned(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetModelSelection(&model.Choice{Name: "Qwen3-1.7B", Path: "/models/Qwen3-1.7B", MinFreeMiB: 4096}))

	st, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, st.ModelSelection)
	assert.Equal(t, "Qwen3-1.7B", st.ModelSelection.Name)
}

func TestStore_AddTargetIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddTarget("ko"))
	require.NoError(t, s.AddTarget("ko"))

	st, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"ja", "ko"}, st.Targets)
}

func TestStore_CrashBetweenTempAndRenameKeepsPrevious(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.MarkRunning("asr"))

	before, err := os.ReadFile(s.path)
	require.NoError(t, err)

	// Simulate the crash window: a temp file exists beside state.json
	// but was never renamed. The canonical file must be untouched.
	tmp := filepath.Join(filepath.Dir(s.path), ".state-crash.json")
	require.NoError(t, os.WriteFile(tmp, []byte("{garbage"), 0o644))

	after, err := os.ReadFile(s.path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	st, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, st.Stages["asr"].Status)
}

func TestStore_SnapshotDoesNotAliasStore(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.MarkRunning("asr"))

	snap, err := s.Snapshot()
	require.NoError(t, err)
	snap.Stages["asr"] = Record{Status: StatusFailed}

	rec, _ := s.StageRecord("asr")
	assert.Equal(t, StatusRunning, rec.Status)
}
