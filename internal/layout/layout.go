// Package layout defines the canonical on-disk task tree and the pure
// path algebra over it: <base>/<task_id>/ holding input/, processed/,
// outputs/<lang>/ and state.json. External tooling depends on these
// paths, so they change together or not at all.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dubforge/dubforge/internal/xerrors"
)

// AllowedInputExtensions is the fixed allow-list for input/.
var AllowedInputExtensions = []string{".mp4", ".mkv", ".mov", ".avi", ".webm"}

// Layout is a pure, side-effect-free (except EnsureStructure/DeleteTask)
// path algebra rooted at BaseDir.
type Layout struct {
	BaseDir string
}

// New creates a Layout rooted at baseDir.
func New(baseDir string) *Layout {
	return &Layout{BaseDir: baseDir}
}

func (l *Layout) TaskRoot(taskID string) string {
	return filepath.Join(l.BaseDir, taskID)
}

func (l *Layout) InputDir(taskID string) string {
	return filepath.Join(l.TaskRoot(taskID), "input")
}

func (l *Layout) ProcessedDir(taskID string) string {
	return filepath.Join(l.TaskRoot(taskID), "processed")
}

func (l *Layout) OutputsDir(taskID string) string {
	return filepath.Join(l.TaskRoot(taskID), "outputs")
}

func (l *Layout) LangDir(taskID, lang string) string {
	return filepath.Join(l.OutputsDir(taskID), lang)
}

func (l *Layout) ClonedAudioDir(taskID, lang string) string {
	return filepath.Join(l.LangDir(taskID, lang), "cloned_audio")
}

// ExportPath constructs the final muxed-video export path for a language,
// named after the original input's basename.
func (l *Layout) ExportPath(taskID, lang, originalBasename string) string {
	base := strings.TrimSuffix(originalBasename, filepath.Ext(originalBasename))
	return filepath.Join(l.LangDir(taskID, lang), fmt.Sprintf("%s_%s.mp4", base, lang))
}

func (l *Layout) StatePath(taskID string) string {
	return filepath.Join(l.TaskRoot(taskID), "state.json")
}

func (l *Layout) SourceSubtitlePath(taskID string) string {
	return filepath.Join(l.ProcessedDir(taskID), "source_subtitle.srt")
}

func (l *Layout) ExtractedAudioPath(taskID string) string {
	return filepath.Join(l.ProcessedDir(taskID), "audio.wav")
}

func (l *Layout) SpeakerMapPath(taskID string) string {
	return filepath.Join(l.ProcessedDir(taskID), "speaker_map.json")
}

func (l *Layout) SpeakerSegmentsDir(taskID string) string {
	return filepath.Join(l.ProcessedDir(taskID), "speaker_segments")
}

func (l *Layout) TranslatedSubtitlePath(taskID, lang string) string {
	return filepath.Join(l.LangDir(taskID, lang), "translated.srt")
}

func (l *Layout) StitchedAudioPath(taskID, lang string) string {
	return filepath.Join(l.LangDir(taskID, lang), "stitched_audio.wav")
}

func (l *Layout) FinalVideoPath(taskID, lang string) string {
	return filepath.Join(l.LangDir(taskID, lang), "final_video.mp4")
}

// SegmentAudioPath names a cloned-voice segment file. The cue
// timestamps are embedded so downstream tools can recover cue timing
// without re-reading the subtitle.
func (l *Layout) SegmentAudioPath(taskID, lang string, cueIndex int, startMs, endMs int64) string {
	name := fmt.Sprintf("segment_%d_%d_%d.wav", cueIndex, startMs, endMs)
	return filepath.Join(l.ClonedAudioDir(taskID, lang), name)
}

// IsAllowedInputExtension reports whether ext (including the leading dot)
// is in the fixed input/ allow-list.
func IsAllowedInputExtension(ext string) bool {
	ext = strings.ToLower(ext)
	for _, allowed := range AllowedInputExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// FindInputVideo locates the single source video under input/: one
// file, extension in the allow-list.
func (l *Layout) FindInputVideo(taskID string) (string, error) {
	dir := l.InputDir(taskID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", xerrors.Wrap(xerrors.InputNotFound, err, "reading input directory").WithPath(dir)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if IsAllowedInputExtension(filepath.Ext(e.Name())) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", xerrors.New(xerrors.InputNotFound, "no source video with an allowed extension").WithPath(dir)
}

// EnsureStructure idempotently creates {root, input, processed, outputs}
// for taskID. Safe to call arbitrarily many times.
func (l *Layout) EnsureStructure(taskID string) error {
	dirs := []string{
		l.TaskRoot(taskID),
		l.InputDir(taskID),
		l.ProcessedDir(taskID),
		l.OutputsDir(taskID),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return xerrors.Wrap(xerrors.StateWriteFailed, err, "creating task directory").WithPath(dir)
		}
	}
	return nil
}

// EnsureLangDir idempotently creates outputs/<lang>/ and its
// cloned_audio subdirectory; targets may be added after task creation.
func (l *Layout) EnsureLangDir(taskID, lang string) error {
	for _, dir := range []string{l.LangDir(taskID, lang), l.ClonedAudioDir(taskID, lang)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return xerrors.Wrap(xerrors.StateWriteFailed, err, "creating language output directory").WithPath(dir)
		}
	}
	return nil
}

// DeleteTask recursively removes a task's root directory. On a
// permission/sharing error it clears read-only bits and retries up to
// three times with a 500ms backoff; antivirus scanners and media
// players commonly hold files under the tree open. On final failure it
// returns a RESOURCE_BUSY error naming the offending path.
func (l *Layout) DeleteTask(taskID string) error {
	root := l.TaskRoot(taskID)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}

	const maxAttempts = 3
	const backoff = 500 * time.Millisecond

	var lastErr error
	var lastPath string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr, lastPath = removeAllClearingReadOnly(root)
		if lastErr == nil {
			return nil
		}
		if attempt < maxAttempts {
			time.Sleep(backoff)
		}
	}
	return xerrors.Wrap(xerrors.ResourceBusy, lastErr, "task directory busy after retries").WithPath(lastPath)
}

// removeAllClearingReadOnly walks root, adding owner write permission
// to every entry that lacks it, then removes the tree with
// os.RemoveAll. On failure it returns the error together with root as
// the offending path; the individual entry that resisted removal is not
// identified.
func removeAllClearingReadOnly(root string) (error, string) {
	var firstErr error
	var firstPath string

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.Mode().Perm()&0o200 == 0 {
			_ = os.Chmod(path, info.Mode()|0o600)
		}
		return nil
	})
	if err != nil && firstErr == nil {
		firstErr, firstPath = err, root
	}

	if err := os.RemoveAll(root); err != nil {
		if firstErr == nil {
			firstErr, firstPath = err, root
		}
		return firstErr, firstPath
	}
	return nil, ""
}
