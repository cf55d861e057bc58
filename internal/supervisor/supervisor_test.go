package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubforge/dubforge/internal/config"
	"github.com/dubforge/dubforge/internal/orchestrator"
	"github.com/dubforge/dubforge/internal/stage"
)

const sampleSRT = `1
00:00:01,000 --> 00:00:03,000
今天天气真好

2
00:00:04,000 --> 00:00:06,500
我们出去走走吧
`

func newTestSupervisor(t *testing.T) (*Supervisor, string) {
	t.Helper()
	tasksDir := t.TempDir()
	orc := orchestrator.New(&config.Config{
		WorkerPoolSize:        4,
		TasksDir:              tasksDir,
		ModelsDir:             t.TempDir(),
		MaxTranslationRetries: 3,
	})
	return New(orc), tasksDir
}

func writeInputs(t *testing.T) (video, subtitle string) {
	t.Helper()
	dir := t.TempDir()
	video = filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(video, []byte("not really a video"), 0o644))
	subtitle = filepath.Join(dir, "clip.srt")
	require.NoError(t, os.WriteFile(subtitle, []byte(sampleSRT), 0o644))
	return video, subtitle
}

func TestValidateTargets(t *testing.T) {
	targets, err := ValidateTargets([]string{"ja", "ko", "en"})
	require.NoError(t, err)
	require.Len(t, targets, 3)
	assert.Equal(t, "ja", targets[0].Code)
	assert.NotEmpty(t, targets[0].Name)

	_, err = ValidateTargets([]string{"zz!"})
	assert.Error(t, err)

	_, err = ValidateTargets(nil)
	assert.Error(t, err)
}

func TestCreate_LaysOutTaskTree(t *testing.T) {
	s, tasksDir := newTestSupervisor(t)
	video, subtitle := writeInputs(t)

	taskID, err := s.Create(JobSpec{VideoPath: video, SubtitlePath: subtitle, Targets: []string{"ja"}})
	require.NoError(t, err)

	root := filepath.Join(tasksDir, taskID)
	for _, sub := range []string{"input", "processed", "outputs", filepath.Join("outputs", "ja")} {
		fi, err := os.Stat(filepath.Join(root, sub))
		require.NoError(t, err, sub)
		assert.True(t, fi.IsDir())
	}

	fi, err := os.Stat(filepath.Join(root, "input", "clip.mp4"))
	require.NoError(t, err)
	assert.Positive(t, fi.Size())

	fi, err = os.Stat(filepath.Join(root, "processed", "source_subtitle.srt"))
	require.NoError(t, err)
	assert.Positive(t, fi.Size())

	st, err := s.State(taskID)
	require.NoError(t, err)
	assert.Equal(t, taskID, st.TaskID)
	assert.Equal(t, []string{"ja"}, st.Targets)
}

func TestCreate_RejectsBadInputs(t *testing.T) {
	s, _ := newTestSupervisor(t)
	_, subtitle := writeInputs(t)

	_, err := s.Create(JobSpec{VideoPath: "clip.txt", SubtitlePath: subtitle, Targets: []string{"ja"}})
	assert.Error(t, err, "extension outside the allow-list")

	_, err = s.Create(JobSpec{VideoPath: "/nonexistent/clip.mp4", SubtitlePath: subtitle, Targets: []string{"ja"}})
	assert.Error(t, err)
}

func TestAddTarget_Idempotent(t *testing.T) {
	s, _ := newTestSupervisor(t)
	video, subtitle := writeInputs(t)
	taskID, err := s.Create(JobSpec{VideoPath: video, SubtitlePath: subtitle, Targets: []string{"ja"}})
	require.NoError(t, err)

	require.NoError(t, s.AddTarget(taskID, "ko"))
	require.NoError(t, s.AddTarget(taskID, "ko"))

	st, err := s.State(taskID)
	require.NoError(t, err)
	assert.Equal(t, []string{"ja", "ko"}, st.Targets)
}

func TestListResumable(t *testing.T) {
	s, _ := newTestSupervisor(t)
	video, subtitle := writeInputs(t)
	taskID, err := s.Create(JobSpec{VideoPath: video, SubtitlePath: subtitle, Targets: []string{"en"}})
	require.NoError(t, err)

	summaries, err := s.ListResumable()
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, taskID, summaries[0].TaskID)
	assert.True(t, summaries[0].Resumable)
	assert.Zero(t, summaries[0].Done)

	// Mark every stage done; the task is then complete, not resumable.
	store := stage.NewStore(s.orc.Layout.StatePath(taskID))
	_, err = store.Load()
	require.NoError(t, err)
	g := stage.Build([]string{"en"}, nil, nil)
	for name := range g.Nodes {
		require.NoError(t, store.MarkRunning(name))
		require.NoError(t, store.MarkFinished(name, stage.StatusDone, nil))
	}

	summaries, err = s.ListResumable()
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.False(t, summaries[0].Resumable)
}

func TestDelete_RemovesTaskTree(t *testing.T) {
	s, tasksDir := newTestSupervisor(t)
	video, subtitle := writeInputs(t)
	taskID, err := s.Create(JobSpec{VideoPath: video, SubtitlePath: subtitle, Targets: []string{"en"}})
	require.NoError(t, err)

	require.NoError(t, s.Delete(taskID))
	_, err = os.Stat(filepath.Join(tasksDir, taskID))
	assert.True(t, os.IsNotExist(err))
}
