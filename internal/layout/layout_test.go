package layout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubforge/dubforge/internal/xerrors"
)

func TestPathAlgebra(t *testing.T) {
	l := New("/base")

	assert.Equal(t, filepath.Join("/base", "t1"), l.TaskRoot("t1"))
	assert.Equal(t, filepath.Join("/base", "t1", "input"), l.InputDir("t1"))
	assert.Equal(t, filepath.Join("/base", "t1", "processed"), l.ProcessedDir("t1"))
	assert.Equal(t, filepath.Join("/base", "t1", "outputs", "ja"), l.LangDir("t1", "ja"))
	assert.Equal(t, filepath.Join("/base", "t1", "outputs", "ja", "cloned_audio"), l.ClonedAudioDir("t1", "ja"))
	assert.Equal(t, filepath.Join("/base", "t1", "state.json"), l.StatePath("t1"))
	assert.Equal(t, filepath.Join("/base", "t1", "outputs", "ja", "movie_ja.mp4"), l.ExportPath("t1", "ja", "movie.mkv"))
}

func TestSegmentAudioPath_EmbedsTimestamps(t *testing.T) {
	l := New("/base")
	p := l.SegmentAudioPath("t1", "en", 7, 1500, 3250)
	assert.Equal(t, "segment_7_1500_3250.wav", filepath.Base(p))
}

func TestEnsureStructure_Idempotent(t *testing.T) {
	l := New(t.TempDir())
	for i := 0; i < 3; i++ {
		require.NoError(t, l.EnsureStructure("t1"))
	}
	for _, dir := range []string{l.TaskRoot("t1"), l.InputDir("t1"), l.ProcessedDir("t1"), l.OutputsDir("t1")} {
		fi, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
	}
}

func TestFindInputVideo(t *testing.T) {
	l := New(t.TempDir())
	require.NoError(t, l.EnsureStructure("t1"))

	_, err := l.FindInputVideo("t1")
	require.Error(t, err)
	assert.True(t, xerrors.As(err, xerrors.InputNotFound))

	require.NoError(t, os.WriteFile(filepath.Join(l.InputDir("t1"), "notes.txt"), []byte("x"), 0o644))
	_, err = l.FindInputVideo("t1")
	assert.Error(t, err, "disallowed extensions are ignored")

	want := filepath.Join(l.InputDir("t1"), "clip.mkv")
	require.NoError(t, os.WriteFile(want, []byte("x"), 0o644))
	got, err := l.FindInputVideo("t1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDeleteTask_RemovesTreeAndClearsReadOnly(t *testing.T) {
	l := New(t.TempDir())
	require.NoError(t, l.EnsureStructure("t1"))
	locked := filepath.Join(l.ProcessedDir("t1"), "audio.wav")
	require.NoError(t, os.WriteFile(locked, []byte("pcm"), 0o644))
	require.NoError(t, os.Chmod(locked, 0o444))

	require.NoError(t, l.DeleteTask("t1"))
	_, err := os.Stat(l.TaskRoot("t1"))
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteTask_MissingIsNoop(t *testing.T) {
	l := New(t.TempDir())
	assert.NoError(t, l.DeleteTask("never-created"))
}

func TestIsAllowedInputExtension(t *testing.T) {
	assert.True(t, IsAllowedInputExtension(".MP4"))
	assert.True(t, IsAllowedInputExtension(".webm"))
	assert.False(t, IsAllowedInputExtension(".srt"))
}
