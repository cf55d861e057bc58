package subs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSRT = `1
00:00:01,000 --> 00:00:03,500
今天天气真好

2
00:00:04,000 --> 00:00:06,000
我们出去走走吧
`

func writeSRT(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.srt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestOpen_ParsesCues(t *testing.T) {
	_, cues, err := Open(writeSRT(t, sampleSRT))
	require.NoError(t, err)
	require.Len(t, cues, 2)

	assert.Equal(t, time.Second, cues[0].Start)
	assert.Equal(t, 3500*time.Millisecond, cues[0].End)
	assert.Equal(t, "今天天气真好", cues[0].Text)
	assert.Equal(t, 1, cues[1].Index)
}

func TestOpen_MissingFile(t *testing.T) {
	_, _, err := Open(filepath.Join(t.TempDir(), "absent.srt"))
	assert.Error(t, err)
}

func TestWriteSRT_RoundTrip(t *testing.T) {
	s, cues, err := Open(writeSRT(t, sampleSRT))
	require.NoError(t, err)

	cues[0].Text = "The weather is lovely today."
	cues[1].Text = "Let us take a walk."

	out := filepath.Join(t.TempDir(), "translated.srt")
	require.NoError(t, WriteSRT(s, cues, out))

	_, round, err := Open(out)
	require.NoError(t, err)
	require.Len(t, round, 2)
	for i := range cues {
		assert.Equal(t, cues[i].Start, round[i].Start)
		assert.Equal(t, cues[i].End, round[i].End)
		assert.Equal(t, cues[i].Text, round[i].Text)
	}
}
