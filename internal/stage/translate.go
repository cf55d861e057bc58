package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/dubforge/dubforge/internal/worker"
	"github.com/dubforge/dubforge/internal/xerrors"
	"github.com/dubforge/dubforge/pkg/subs"
)

// UnitStatus tracks one cue's translation through the retry
// sub-protocol.
type UnitStatus string

const (
	UnitPending       UnitStatus = "pending"
	UnitTranslated    UnitStatus = "translated"
	UnitFlaggedLong   UnitStatus = "flagged_long"
	UnitFlaggedScript UnitStatus = "flagged_script"
	UnitAccepted      UnitStatus = "accepted"
	UnitFailed        UnitStatus = "failed"
)

// Unit is one cue's translation record, persisted per language as
// translation_units.json: translate writes the first-pass units and
// validate_length rewrites them once its rounds end. Intermediate
// rounds are not persisted, so a re-run of validate_length starts again
// from the file as last written.
type Unit struct {
	CueIndex       int        `json:"cue_index"`
	SourceText     string     `json:"source_text"`
	TargetLanguage string     `json:"target_language"`
	TargetText     string     `json:"target_text,omitempty"`
	Status         UnitStatus `json:"status"`
	Attempts       int        `json:"attempts"`
}

func unitsPath(ec *ExecContext, lang string) string {
	return filepath.Join(ec.Layout.LangDir(ec.TaskID, lang), "translation_units.json")
}

// translateResult is the translate worker's final JSON line.
type translateResult struct {
	Translations []struct {
		CueIndex int    `json:"cue_index"`
		Text     string `json:"text"`
	} `json:"translations"`
}

// requestTranslations invokes the translate worker for the given cue
// indices. instruction carries the retry sub-protocol's stricter prompt
// ("shorter", "kana-preferred") on resubmissions; empty on the first
// pass.
func requestTranslations(ctx context.Context, ec *ExecContext, node *Node, lang string, units []*Unit, instruction string) error {
	indices := make([]int, len(units))
	byIndex := make(map[int]*Unit, len(units))
	for i, u := range units {
		indices[i] = u.CueIndex
		byIndex[u.CueIndex] = u
	}
	idxJSON, err := json.Marshal(indices)
	if err != nil {
		return xerrors.Wrap(xerrors.StateWriteFailed, err, "marshalling cue indices")
	}

	cfg := worker.Config{
		WorkerKind: worker.KindTranslate,
		Inputs: map[string]string{
			"subtitle":   ec.Layout.SourceSubtitlePath(ec.TaskID),
			"model_path": ec.Model.Path,
		},
		OutputDir:   ec.Layout.LangDir(ec.TaskID, lang),
		ProgressTag: QualifiedName(StageTranslate, lang),
		Extra: map[string]string{
			"target_language": lang,
			"cue_indices":     string(idxJSON),
		},
	}
	if instruction != "" {
		cfg.Extra["instruction"] = instruction
	}

	result, err := ec.InvokeWorker(ctx, worker.KindTranslate, cfg, worker.Options{
		Stage:          node.Name,
		Language:       lang,
		SilenceTimeout: silenceFor(worker.KindTranslate),
	})
	if err != nil {
		return err
	}

	var parsed translateResult
	if err := json.Unmarshal(result.JSON, &parsed); err != nil {
		return xerrors.Wrap(xerrors.WorkerOutputMalformed, err, "translate worker result")
	}
	for _, tr := range parsed.Translations {
		u, ok := byIndex[tr.CueIndex]
		if !ok {
			continue
		}
		u.TargetText = tr.Text
		u.Status = UnitTranslated
		u.Attempts++
	}
	for _, u := range units {
		if u.Status == UnitPending {
			u.Status = UnitFailed
		}
	}
	return nil
}

// runTranslate builds one unit per cue and requests a first-pass
// translation for all of them. The scheduler already holds the
// GPU-exclusive token for this stage.
func runTranslate(ctx context.Context, ec *ExecContext, node *Node) error {
	lang := node.Lang
	if err := ec.Layout.EnsureLangDir(ec.TaskID, lang); err != nil {
		return err
	}

	_, cues, err := subs.Open(ec.Layout.SourceSubtitlePath(ec.TaskID))
	if err != nil {
		return err
	}

	units := make([]*Unit, len(cues))
	for i, c := range cues {
		units[i] = &Unit{
			CueIndex:       c.Index,
			SourceText:     c.Text,
			TargetLanguage: lang,
			Status:         UnitPending,
		}
	}

	if err := requestTranslations(ctx, ec, node, lang, units, ""); err != nil {
		return err
	}
	return saveJSON(unitsPath(ec, lang), units)
}

// stricterInstruction composes the resubmission prompt addition:
// "shorter" for flagged_long, plus the kana constraint for Japanese
// flagged_script.
func stricterInstruction(anyLong, anyScript bool) string {
	switch {
	case anyScript && anyLong:
		return "shorter; kana-preferred, no Han characters"
	case anyScript:
		return "kana-preferred, no Han characters"
	default:
		return "shorter"
	}
}

// runValidateLength applies the length/script policy to every unit
// and drives the per-cue resubmission loop, bounded by the configured
// retry budget. Cues still flagged after the last round are accepted
// as-is with a warning, never failed. Resubmissions re-enter the GPU
// via AcquireGPU since this stage itself is CPU-class.
func runValidateLength(ctx context.Context, ec *ExecContext, node *Node) error {
	lang := node.Lang
	var units []*Unit
	if err := loadJSON(unitsPath(ec, lang), &units); err != nil {
		return err
	}

	maxRounds := ec.Config.MaxTranslationRetries
	if maxRounds <= 0 {
		maxRounds = subs.MaxRetries
	}

	for round := 0; round < maxRounds; round++ {
		var flagged []*Unit
		anyLong, anyScript := false, false
		for _, u := range units {
			if u.Status == UnitAccepted || u.Status == UnitFailed {
				continue
			}
			eval := subs.Evaluate(u.SourceText, u.TargetText, lang)
			switch {
			case eval.FlaggedScript:
				u.Status = UnitFlaggedScript
				anyScript = true
				flagged = append(flagged, u)
			case eval.FlaggedLong:
				u.Status = UnitFlaggedLong
				anyLong = true
				flagged = append(flagged, u)
			default:
				u.Status = UnitAccepted
			}
		}
		if len(flagged) == 0 {
			break
		}
		if round == maxRounds-1 {
			// Retry budget exhausted: accept as-is with a warning.
			for _, u := range flagged {
				ec.Logger.Warn().
					Str("language", lang).
					Int("cue", u.CueIndex).
					Int("attempts", u.Attempts).
					Str("status", string(u.Status)).
					Msg("translation still flagged after retry budget, accepting as-is")
				u.Status = UnitAccepted
			}
			break
		}

		instruction := stricterInstruction(anyLong, anyScript)
		ec.PublishProgress(lang, node.Name, round*100/maxRounds,
			fmt.Sprintf("resubmitting %d flagged cue(s)", len(flagged)))

		release, err := ec.AcquireGPU(ctx)
		if err != nil {
			return err
		}
		err = requestTranslations(ctx, ec, node, lang, flagged, instruction)
		release()
		if err != nil {
			return err
		}
	}

	if err := saveJSON(unitsPath(ec, lang), units); err != nil {
		return err
	}
	return renderTranslatedSubtitle(ec, lang, units)
}

// renderTranslatedSubtitle writes outputs/<lang>/translated.srt from the
// accepted units, with final punctuation normalization.
func renderTranslatedSubtitle(ec *ExecContext, lang string, units []*Unit) error {
	src, cues, err := subs.Open(ec.Layout.SourceSubtitlePath(ec.TaskID))
	if err != nil {
		return err
	}
	byIndex := make(map[int]*Unit, len(units))
	for _, u := range units {
		byIndex[u.CueIndex] = u
	}
	for i := range cues {
		if u, ok := byIndex[cues[i].Index]; ok && u.TargetText != "" {
			cues[i].Text = subs.NormalizePunctuation(u.TargetText)
		}
	}
	return subs.WriteSRT(src, cues, ec.Layout.TranslatedSubtitlePath(ec.TaskID, lang))
}
