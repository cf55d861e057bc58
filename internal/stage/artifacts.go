package stage

import (
	"encoding/json"
	"os"

	"github.com/dubforge/dubforge/internal/xerrors"
)

// SpeakerCluster holds the voice-cloning reference material for one
// diarized speaker.
type SpeakerCluster struct {
	ReferenceAudio string `json:"reference_audio"`
	ReferenceText  string `json:"reference_text"`
}

// SpeakerMap maps cue indices to speaker clusters. Written by the
// diarize worker into processed/speaker_map.json, read-only afterwards.
type SpeakerMap struct {
	CueSpeakers map[int]int            `json:"cue_speakers"`
	Clusters    map[int]SpeakerCluster `json:"clusters"`
}

// Segment is one cloned-voice segment artifact. MOSScore is
// populated when the TTS worker reports one, never computed here.
type Segment struct {
	CueIndex  int      `json:"cue_index"`
	SpeakerID int      `json:"speaker_id"`
	AudioPath string   `json:"audio_path"`
	DurationS float64  `json:"duration_s"`
	MOSScore  *float64 `json:"mos_score,omitempty"`
}

// LoadSpeakerMap reads and validates processed/speaker_map.json.
func LoadSpeakerMap(path string) (*SpeakerMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.InputNotFound, err, "reading speaker map").WithPath(path)
	}
	var sm SpeakerMap
	if err := json.Unmarshal(data, &sm); err != nil {
		return nil, xerrors.Wrap(xerrors.WorkerOutputMalformed, err, "speaker map is not valid JSON").WithPath(path)
	}
	return &sm, nil
}

// saveJSON marshals v to path; used for the per-language unit and
// segment manifests the orchestrator owns.
func saveJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.StateWriteFailed, err, "marshalling artifact manifest").WithPath(path)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return xerrors.Wrap(xerrors.StateWriteFailed, err, "writing artifact manifest").WithPath(path)
	}
	return nil
}

func loadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return xerrors.Wrap(xerrors.InputNotFound, err, "reading artifact manifest").WithPath(path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return xerrors.Wrap(xerrors.WorkerOutputMalformed, err, "artifact manifest is not valid JSON").WithPath(path)
	}
	return nil
}

// fileNonEmpty reports whether path exists with size > 0; the resume
// precondition for worker-produced files.
func fileNonEmpty(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Size() > 0
}
