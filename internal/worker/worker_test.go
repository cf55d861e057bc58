package worker

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressPattern(t *testing.T) {
	p := progressPattern("translate.ja")

	m := p.FindStringSubmatch("[translate.ja] progress: 3/10")
	require.NotNil(t, m)
	assert.Equal(t, "3", m[1])
	assert.Equal(t, "10", m[2])

	// Localized equivalents of "progress" match too.
	assert.NotNil(t, p.FindStringSubmatch("[translate.ja] 进度: 7/10"))
	assert.NotNil(t, p.FindStringSubmatch("[translate.ja] 進捗: 1/4"))

	// Another stage's tag never matches.
	assert.Nil(t, p.FindStringSubmatch("[asr] progress: 3/10"))
}

func TestExtractLastJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"single object", `{"ok":true}`, `{"ok":true}`},
		{"last of several", "{\"a\":1}\nlog line\n{\"b\":2}", `{"b":2}`},
		{"interleaved logs", "loading model...\n{\"result\":\"done\"}\nbye", `{"result":"done"}`},
		{"braces inside strings", `{"msg":"brace } inside"}`, `{"msg":"brace } inside"}`},
		{"array result", `[1,2,3]`, `[1,2,3]`},
		{"nested", `{"a":{"b":[1,{"c":2}]}}`, `{"a":{"b":[1,{"c":2}]}}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			raw, ok := extractLastJSON([]byte(c.in))
			require.True(t, ok)
			assert.JSONEq(t, c.want, string(raw))
		})
	}

	_, ok := extractLastJSON([]byte("no json here at all"))
	assert.False(t, ok)

	_, ok = extractLastJSON([]byte(`{"truncated": tru`))
	assert.False(t, ok)
}

func TestWriteConfigFile(t *testing.T) {
	cfg := Config{
		WorkerKind:  KindTranslate,
		Inputs:      map[string]string{"subtitle": "/tasks/t1/processed/source_subtitle.srt"},
		OutputDir:   "/tasks/t1/outputs/ja",
		ProgressTag: "translate.ja",
		Extra:       map[string]string{"target_language": "ja"},
	}
	path, err := writeConfigFile(cfg)
	require.NoError(t, err)
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var round Config
	require.NoError(t, json.Unmarshal(data, &round))
	assert.Equal(t, cfg.WorkerKind, round.WorkerKind)
	assert.Equal(t, cfg.OutputDir, round.OutputDir)
	assert.Equal(t, cfg.ProgressTag, round.ProgressTag)
	assert.Equal(t, "ja", round.Extra["target_language"])
}

func TestAtoiSafe(t *testing.T) {
	assert.Equal(t, 42, atoiSafe("42"))
	assert.Equal(t, 0, atoiSafe(""))
	assert.Equal(t, 7, atoiSafe("7x9"))
}

func TestRunnerSnapshot(t *testing.T) {
	r := NewRunner()
	assert.Empty(t, r.Snapshot())
}
