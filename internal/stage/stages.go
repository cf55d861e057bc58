package stage

import (
	"context"
	"encoding/json"
	"path/filepath"

	"github.com/dubforge/dubforge/internal/worker"
	"github.com/dubforge/dubforge/internal/xerrors"
)

// DefaultRunners binds every pipeline stage to its execution function.
// The supervisor builds the graph from this table.
func DefaultRunners() Runners {
	return Runners{
		StageUpload:          runUpload,
		StageExtractAudio:    runExtractAudio,
		StageASR:             runASR,
		StageDiarize:         runDiarize,
		StageBuildReferences: runBuildReferences,
		StageTranslate:       runTranslate,
		StageValidateLength:  runValidateLength,
		StageCloneVoice:      runCloneVoice,
		StageStitchAudio:     runStitchAudio,
		StageMuxVideo:        runMuxVideo,
	}
}

// DefaultVerifiers re-check a done stage's outputs on resume; a stage
// absent here is trusted on its recorded status alone.
func DefaultVerifiers() Verifiers {
	return Verifiers{
		StageExtractAudio: func(ec *ExecContext, node *Node) bool {
			return fileNonEmpty(ec.Layout.ExtractedAudioPath(ec.TaskID))
		},
		StageASR: func(ec *ExecContext, node *Node) bool {
			return fileNonEmpty(ec.Layout.SourceSubtitlePath(ec.TaskID))
		},
		StageDiarize: func(ec *ExecContext, node *Node) bool {
			return fileNonEmpty(ec.Layout.SpeakerMapPath(ec.TaskID))
		},
		StageTranslate: func(ec *ExecContext, node *Node) bool {
			return fileNonEmpty(unitsPath(ec, node.Lang))
		},
		StageValidateLength: func(ec *ExecContext, node *Node) bool {
			return fileNonEmpty(ec.Layout.TranslatedSubtitlePath(ec.TaskID, node.Lang))
		},
		StageCloneVoice: verifyCloneVoice,
		StageStitchAudio: func(ec *ExecContext, node *Node) bool {
			return fileNonEmpty(ec.Layout.StitchedAudioPath(ec.TaskID, node.Lang))
		},
		StageMuxVideo: func(ec *ExecContext, node *Node) bool {
			return fileNonEmpty(ec.Layout.FinalVideoPath(ec.TaskID, node.Lang))
		},
	}
}

// runUpload only verifies the inputs the supervisor placed at creation:
// the single source video and the source-language subtitle. It spawns
// no worker.
func runUpload(ctx context.Context, ec *ExecContext, node *Node) error {
	if _, err := ec.Layout.FindInputVideo(ec.TaskID); err != nil {
		return err
	}
	if !fileNonEmpty(ec.Layout.SourceSubtitlePath(ec.TaskID)) {
		return xerrors.New(xerrors.InputNotFound, "source subtitle missing").
			WithPath(ec.Layout.SourceSubtitlePath(ec.TaskID))
	}
	return nil
}

func runExtractAudio(ctx context.Context, ec *ExecContext, node *Node) error {
	video, err := ec.Layout.FindInputVideo(ec.TaskID)
	if err != nil {
		return err
	}
	cfg := worker.Config{
		WorkerKind:  worker.KindExtractAudio,
		Inputs:      map[string]string{"video": video},
		OutputDir:   ec.Layout.ProcessedDir(ec.TaskID),
		ProgressTag: node.Name,
	}
	_, err = ec.InvokeWorker(ctx, worker.KindExtractAudio, cfg, worker.Options{
		Stage:          node.Name,
		SilenceTimeout: silenceFor(worker.KindExtractAudio),
	})
	if err != nil {
		return err
	}
	if !fileNonEmpty(ec.Layout.ExtractedAudioPath(ec.TaskID)) {
		return xerrors.New(xerrors.WorkerOutputMalformed, "extract_audio produced no audio file").
			WithPath(ec.Layout.ExtractedAudioPath(ec.TaskID))
	}
	return nil
}

func runASR(ctx context.Context, ec *ExecContext, node *Node) error {
	cfg := worker.Config{
		WorkerKind: worker.KindASR,
		Inputs: map[string]string{
			"audio":    ec.Layout.ExtractedAudioPath(ec.TaskID),
			"subtitle": ec.Layout.SourceSubtitlePath(ec.TaskID),
		},
		OutputDir:   ec.Layout.ProcessedDir(ec.TaskID),
		ProgressTag: node.Name,
	}
	_, err := ec.InvokeWorker(ctx, worker.KindASR, cfg, worker.Options{
		Stage:          node.Name,
		SilenceTimeout: silenceFor(worker.KindASR),
	})
	return err
}

func runDiarize(ctx context.Context, ec *ExecContext, node *Node) error {
	cfg := worker.Config{
		WorkerKind: worker.KindDiarize,
		Inputs: map[string]string{
			"audio":    ec.Layout.ExtractedAudioPath(ec.TaskID),
			"subtitle": ec.Layout.SourceSubtitlePath(ec.TaskID),
		},
		OutputDir:   ec.Layout.ProcessedDir(ec.TaskID),
		ProgressTag: node.Name,
	}
	_, err := ec.InvokeWorker(ctx, worker.KindDiarize, cfg, worker.Options{
		Stage:          node.Name,
		SilenceTimeout: silenceFor(worker.KindDiarize),
	})
	if err != nil {
		return err
	}
	// The speaker map is the stage's contract; an exit-0 worker that
	// produced none is malformed output, not success.
	if _, err := LoadSpeakerMap(ec.Layout.SpeakerMapPath(ec.TaskID)); err != nil {
		return err
	}
	return nil
}

func runBuildReferences(ctx context.Context, ec *ExecContext, node *Node) error {
	cfg := worker.Config{
		WorkerKind: worker.KindBuildReferences,
		Inputs: map[string]string{
			"audio":       ec.Layout.ExtractedAudioPath(ec.TaskID),
			"speaker_map": ec.Layout.SpeakerMapPath(ec.TaskID),
		},
		OutputDir:   ec.Layout.SpeakerSegmentsDir(ec.TaskID),
		ProgressTag: node.Name,
	}
	_, err := ec.InvokeWorker(ctx, worker.KindBuildReferences, cfg, worker.Options{
		Stage:          node.Name,
		SilenceTimeout: silenceFor(worker.KindBuildReferences),
	})
	return err
}

// ttsKindFor picks the TTS variant per target language; Indonesian
// uses its own dedicated cloner, everything else defaults to the fish
// stack.
func ttsKindFor(lang string) worker.Kind {
	if lang == "id" {
		return worker.KindTTSIndonesian
	}
	return worker.KindTTSFish
}

// cloneResult is the TTS worker's final JSON line.
type cloneResult struct {
	Segments []Segment `json:"segments"`
}

func segmentsPath(ec *ExecContext, lang string) string {
	return filepath.Join(ec.Layout.LangDir(ec.TaskID, lang), "segments.json")
}

func runCloneVoice(ctx context.Context, ec *ExecContext, node *Node) error {
	lang := node.Lang
	if err := ec.Layout.EnsureLangDir(ec.TaskID, lang); err != nil {
		return err
	}
	kind := ttsKindFor(lang)
	cfg := worker.Config{
		WorkerKind: kind,
		Inputs: map[string]string{
			"subtitle":           ec.Layout.TranslatedSubtitlePath(ec.TaskID, lang),
			"speaker_map":        ec.Layout.SpeakerMapPath(ec.TaskID),
			"reference_segments": ec.Layout.SpeakerSegmentsDir(ec.TaskID),
		},
		OutputDir:   ec.Layout.ClonedAudioDir(ec.TaskID, lang),
		ProgressTag: node.Name,
		Extra:       map[string]string{"target_language": lang},
	}
	result, err := ec.InvokeWorker(ctx, kind, cfg, worker.Options{
		Stage:          node.Name,
		Language:       lang,
		SilenceTimeout: silenceFor(kind),
	})
	if err != nil {
		return err
	}

	var parsed cloneResult
	if err := json.Unmarshal(result.JSON, &parsed); err != nil {
		return xerrors.Wrap(xerrors.WorkerOutputMalformed, err, "clone_voice worker result")
	}
	for _, seg := range parsed.Segments {
		if !fileNonEmpty(seg.AudioPath) {
			return xerrors.New(xerrors.WorkerOutputMalformed, "cloned segment file missing or empty").
				WithPath(seg.AudioPath)
		}
	}
	return saveJSON(segmentsPath(ec, lang), parsed.Segments)
}

// verifyCloneVoice re-checks the segment manifest and every segment
// file it names; any gap downgrades the stage to retryable on resume.
func verifyCloneVoice(ec *ExecContext, node *Node) bool {
	var segments []Segment
	if err := loadJSON(segmentsPath(ec, node.Lang), &segments); err != nil {
		return false
	}
	if len(segments) == 0 {
		return false
	}
	for _, seg := range segments {
		if !fileNonEmpty(seg.AudioPath) {
			return false
		}
	}
	return true
}

func runStitchAudio(ctx context.Context, ec *ExecContext, node *Node) error {
	lang := node.Lang
	cfg := worker.Config{
		WorkerKind: worker.KindStitch,
		Inputs: map[string]string{
			"segments": segmentsPath(ec, lang),
			"subtitle": ec.Layout.TranslatedSubtitlePath(ec.TaskID, lang),
		},
		OutputDir:   ec.Layout.LangDir(ec.TaskID, lang),
		ProgressTag: node.Name,
	}
	_, err := ec.InvokeWorker(ctx, worker.KindStitch, cfg, worker.Options{
		Stage:          node.Name,
		Language:       lang,
		SilenceTimeout: silenceFor(worker.KindStitch),
	})
	if err != nil {
		return err
	}
	if !fileNonEmpty(ec.Layout.StitchedAudioPath(ec.TaskID, lang)) {
		return xerrors.New(xerrors.WorkerOutputMalformed, "stitch produced no audio file").
			WithPath(ec.Layout.StitchedAudioPath(ec.TaskID, lang))
	}
	return nil
}

func runMuxVideo(ctx context.Context, ec *ExecContext, node *Node) error {
	lang := node.Lang
	video, err := ec.Layout.FindInputVideo(ec.TaskID)
	if err != nil {
		return err
	}
	cfg := worker.Config{
		WorkerKind: worker.KindMux,
		Inputs: map[string]string{
			"video":    video,
			"audio":    ec.Layout.StitchedAudioPath(ec.TaskID, lang),
			"subtitle": ec.Layout.TranslatedSubtitlePath(ec.TaskID, lang),
		},
		OutputDir:   ec.Layout.LangDir(ec.TaskID, lang),
		ProgressTag: node.Name,
	}
	_, err = ec.InvokeWorker(ctx, worker.KindMux, cfg, worker.Options{
		Stage:          node.Name,
		Language:       lang,
		SilenceTimeout: silenceFor(worker.KindMux),
	})
	if err != nil {
		return err
	}
	if !fileNonEmpty(ec.Layout.FinalVideoPath(ec.TaskID, lang)) {
		return xerrors.New(xerrors.WorkerOutputMalformed, "mux produced no final video").
			WithPath(ec.Layout.FinalVideoPath(ec.TaskID, lang))
	}
	return nil
}
