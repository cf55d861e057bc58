// Package stage holds the dubbing pipeline DAG, the bounded-pool
// scheduler with its GPU-exclusive token, per-stage retry, the
// translation length/script retry sub-protocol, and resume from
// state.json.
package stage

import (
	"strings"
	"time"

	"github.com/dubforge/dubforge/internal/model"
	"github.com/dubforge/dubforge/internal/xerrors"
)

// Status is one stage's lifecycle state as persisted in state.json.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusCancelling Status = "cancelling"
	StatusTimeout    Status = "timeout"
	StatusRetryable  Status = "retryable"
)

// Terminal reports whether a stage in this status will never run again
// without external intervention.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// Runnable reports whether the scheduler may start a stage in this
// status once its predecessors are done.
func (s Status) Runnable() bool {
	return s == StatusPending || s == StatusRetryable
}

// Canonical stage names. Per-language stages are qualified as
// "<name>.<lang>", e.g. "translate.ja".
const (
	StageUpload          = "upload"
	StageExtractAudio    = "extract_audio"
	StageASR             = "asr"
	StageDiarize         = "diarize"
	StageBuildReferences = "build_references"
	StageTranslate       = "translate"
	StageValidateLength  = "validate_length"
	StageCloneVoice      = "clone_voice"
	StageStitchAudio     = "stitch_audio"
	StageMuxVideo        = "mux_video"
)

// QualifiedName builds the per-language stage key used in state.json
// ("translate.ja"); lang is empty for shared stages.
func QualifiedName(stage, lang string) string {
	if lang == "" {
		return stage
	}
	return stage + "." + lang
}

// SplitName is the inverse of QualifiedName.
func SplitName(qualified string) (stage, lang string) {
	if i := strings.IndexByte(qualified, '.'); i >= 0 {
		return qualified[:i], qualified[i+1:]
	}
	return qualified, ""
}

// Record is one stage's entry in state.json.
type Record struct {
	Status     Status         `json:"status"`
	Attempts   int            `json:"attempts"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	LastError  *xerrors.Error `json:"last_error,omitempty"`
}

// State is the whole of state.json: the minimal metadata
// needed to resume a task without recomputation.
type State struct {
	TaskID         string            `json:"task_id"`
	CreatedAt      time.Time         `json:"created_at"`
	ModelSelection *model.Choice     `json:"model_selection,omitempty"`
	Targets        []string          `json:"targets"`
	Stages         map[string]Record `json:"stages"`
}

// HasTarget reports whether lang is already one of the task's targets.
func (st *State) HasTarget(lang string) bool {
	for _, t := range st.Targets {
		if t == lang {
			return true
		}
	}
	return false
}
