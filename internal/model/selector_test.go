package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModel lays down an intact candidate directory: both required
// config files non-empty plus one weight file over the 10 MiB floor.
func fakeModel(t *testing.T, root, name string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, f := range requiredFiles {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("{}"), 0o644))
	}
	weights := make([]byte, minWeightFileSize+1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.safetensors"), weights, 0o644))
}

func newTestSelector(root string, freeMiB []int, probeErr error) *Selector {
	s := NewSelector(root, nil, AggregateSum)
	s.probe = func() ([]int, error) { return freeMiB, probeErr }
	return s
}

func TestSelect_FallsBackByFreeMemory(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"Qwen3-4B-FP8", "Qwen3-4B", "Qwen3-1.7B"} {
		fakeModel(t, root, name)
	}

	// 6 GiB free: only the 4 GiB fallback candidate fits.
	s := newTestSelector(root, []int{6 * 1024}, nil)
	choice, err := s.Select()
	require.NoError(t, err)
	assert.Equal(t, "Qwen3-1.7B", choice.Name)
}

func TestSelect_PicksBestWhenMemoryAllows(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"Qwen3-4B-FP8", "Qwen3-4B", "Qwen3-1.7B"} {
		fakeModel(t, root, name)
	}

	s := newTestSelector(root, []int{24 * 1024}, nil)
	choice, err := s.Select()
	require.NoError(t, err)
	assert.Equal(t, "Qwen3-4B-FP8", choice.Name)
}

func TestSelect_SkipsCorruptedCandidate(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"Qwen3-4B-FP8", "Qwen3-4B", "Qwen3-1.7B"} {
		fakeModel(t, root, name)
	}
	// Truncate the best candidate's config.json to zero bytes.
	require.NoError(t, os.WriteFile(filepath.Join(root, "Qwen3-4B-FP8", "config.json"), nil, 0o644))

	s := newTestSelector(root, []int{64 * 1024}, nil)
	choice, err := s.Select()
	require.NoError(t, err)
	assert.Equal(t, "Qwen3-4B", choice.Name)
}

func TestSelect_ProbeFailureMeansSmallestModel(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"Qwen3-4B-FP8", "Qwen3-1.7B"} {
		fakeModel(t, root, name)
	}

	s := newTestSelector(root, nil, os.ErrNotExist)
	choice, err := s.Select()
	require.NoError(t, err)
	assert.Equal(t, "Qwen3-1.7B", choice.Name)
}

func TestSelect_NothingUsable(t *testing.T) {
	s := newTestSelector(t.TempDir(), []int{32 * 1024}, nil)
	_, err := s.Select()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MODEL_MISSING")
}

func TestCheckModelFiles_RejectsSmallWeights(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "tiny")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, f := range requiredFiles {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("{}"), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.bin"), make([]byte, 1024), 0o644))

	reason, ok := checkModelFiles(dir)
	assert.False(t, ok)
	assert.Contains(t, reason, "weight")
}

func TestFreeMiB_MaxAggregation(t *testing.T) {
	s := NewSelector(t.TempDir(), nil, AggregateMax)
	s.probe = func() ([]int, error) { return []int{8192, 4096}, nil }
	assert.Equal(t, uint64(8192), s.FreeMiB())

	s.Aggregation = AggregateSum
	assert.Equal(t, uint64(12288), s.FreeMiB())
}
