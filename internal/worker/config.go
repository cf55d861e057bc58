// Package worker spawns external tools with a JSON config file,
// multiplexes their stdout/stderr, extracts progress lines, and
// classifies exits into the structured error taxonomy. The invocation
// contract is variant-agnostic: adding a new worker kind only adds a
// config schema and a result parser.
package worker

// Kind enumerates the worker capability variants. The orchestrator
// treats each as an opaque external collaborator; it never interprets
// worker semantics.
type Kind string

const (
	KindASR             Kind = "asr"
	KindDiarize         Kind = "diarize"
	KindBuildReferences Kind = "build_references"
	KindTranslate       Kind = "translate"
	KindTTSFish         Kind = "tts_fish"
	KindTTSXTTS         Kind = "tts_xtts"
	KindTTSIndonesian   Kind = "tts_indonesian"
	KindExtractAudio    Kind = "extract_audio"
	KindStitch          Kind = "stitch"
	KindMux             Kind = "mux"
)

// Config is the envelope every invocation receives as a JSON file:
// {<worker_specific_fields>, output_dir, progress_tag}. Inputs and
// Extra are typed maps rather than a free-form dictionary; a genuinely
// new field needs a schema decision here, not an interface{} escape
// hatch.
type Config struct {
	WorkerKind  Kind              `json:"worker_kind"`
	Inputs      map[string]string `json:"inputs"`
	OutputDir   string            `json:"output_dir"`
	ProgressTag string            `json:"progress_tag"`
	Extra       map[string]string `json:"extra,omitempty"`
}
