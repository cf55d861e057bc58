package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStricterInstruction(t *testing.T) {
	assert.Equal(t, "shorter", stricterInstruction(true, false))
	assert.Equal(t, "kana-preferred, no Han characters", stricterInstruction(false, true))
	assert.Equal(t, "shorter; kana-preferred, no Han characters", stricterInstruction(true, true))
}

func TestTTSKindFor(t *testing.T) {
	assert.Equal(t, "tts_indonesian", string(ttsKindFor("id")))
	assert.Equal(t, "tts_fish", string(ttsKindFor("ja")))
}
