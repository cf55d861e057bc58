package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_FansOutPerLanguage(t *testing.T) {
	g := Build([]string{"ja", "ko"}, nil, nil)

	// 5 shared stages + 5 per-language stages per target.
	assert.Len(t, g.Nodes, 5+2*5)

	tr, ok := g.Nodes["translate.ja"]
	require.True(t, ok)
	assert.Equal(t, []string{"build_references"}, tr.Deps)
	assert.Equal(t, ClassGPU, tr.Class)

	val := g.Nodes["validate_length.ja"]
	require.NotNil(t, val)
	assert.Equal(t, []string{"translate.ja"}, val.Deps)
	assert.Equal(t, ClassCPU, val.Class)

	mux := g.Nodes["mux_video.ko"]
	require.NotNil(t, mux)
	assert.Equal(t, []string{"stitch_audio.ko"}, mux.Deps)
}

func TestReady_RespectsDependencies(t *testing.T) {
	g := Build([]string{"ja"}, nil, nil)
	st := &State{Stages: map[string]Record{}}
	for name := range g.Nodes {
		st.Stages[name] = Record{Status: StatusPending}
	}

	ready := g.Ready(st)
	require.Len(t, ready, 1)
	assert.Equal(t, StageUpload, ready[0].Name)

	// Completing the shared prefix makes only translate.ja eligible
	// among the per-language chain.
	for _, done := range []string{StageUpload, StageExtractAudio, StageASR, StageDiarize, StageBuildReferences} {
		st.Stages[done] = Record{Status: StatusDone}
	}
	ready = g.Ready(st)
	require.Len(t, ready, 1)
	assert.Equal(t, "translate.ja", ready[0].Name)
}

func TestReady_SkipsNonRunnable(t *testing.T) {
	g := Build([]string{"ja"}, nil, nil)
	st := &State{Stages: map[string]Record{}}
	for name := range g.Nodes {
		st.Stages[name] = Record{Status: StatusPending}
	}
	st.Stages[StageUpload] = Record{Status: StatusFailed}

	assert.Empty(t, g.Ready(st), "a failed root blocks the whole DAG")
}

func TestFinished(t *testing.T) {
	g := Build([]string{"ja"}, nil, nil)
	st := &State{Stages: map[string]Record{}}
	for name := range g.Nodes {
		st.Stages[name] = Record{Status: StatusDone}
	}
	allDone, anyFailed := g.Finished(st)
	assert.True(t, allDone)
	assert.False(t, anyFailed)

	st.Stages["clone_voice.ja"] = Record{Status: StatusFailed}
	allDone, anyFailed = g.Finished(st)
	assert.False(t, allDone)
	assert.True(t, anyFailed)
}

func TestQualifiedName(t *testing.T) {
	assert.Equal(t, "translate.ja", QualifiedName(StageTranslate, "ja"))
	assert.Equal(t, "asr", QualifiedName(StageASR, ""))

	stage, lang := SplitName("translate.ja")
	assert.Equal(t, "translate", stage)
	assert.Equal(t, "ja", lang)

	stage, lang = SplitName("asr")
	assert.Equal(t, "asr", stage)
	assert.Empty(t, lang)
}
