// Package model picks the translation model that fits the GPU memory
// actually free right now, with integrity checks over the candidate
// directories and a deterministic fallback chain.
package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dubforge/dubforge/internal/executil"
	"github.com/dubforge/dubforge/internal/xerrors"
)

const (
	probeTimeout = 10 * time.Second
	// minWeightFileSize is the smallest plausible weight shard; anything
	// under this is a truncated download, not a model.
	minWeightFileSize = 10 * 1024 * 1024
)

// requiredFiles must exist and be non-empty inside every candidate
// directory before it can be selected.
var requiredFiles = []string{"config.json", "tokenizer_config.json"}

// Candidate is one entry of the ordered preference list, largest and
// best first.
type Candidate struct {
	Name       string
	MinFreeMiB uint64
}

// DefaultPreference orders the shipped Qwen3 checkpoints largest and
// best first, each with the free VRAM it needs to load.
var DefaultPreference = []Candidate{
	{Name: "Qwen3-4B-FP8", MinFreeMiB: 20 * 1024},
	{Name: "Qwen3-4B", MinFreeMiB: 12 * 1024},
	{Name: "Qwen3-1.7B", MinFreeMiB: 4 * 1024},
}

// Choice is the pinned selection recorded into state.json. It is made
// once per job and never recomputed.
type Choice struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	MinFreeMiB uint64 `json:"min_free_mib"`
}

// Rejection explains why one candidate was passed over; the full list
// is attached to the MODEL_MISSING error when nothing qualifies.
type Rejection struct {
	Name   string
	Reason string
}

// Aggregation selects how free memory across multiple GPUs is combined.
type Aggregation string

const (
	AggregateSum Aggregation = "sum"
	AggregateMax Aggregation = "max"
)

// Selector walks a models root with an ordered preference list.
type Selector struct {
	ModelsRoot  string
	Preference  []Candidate
	Aggregation Aggregation
	logger      zerolog.Logger

	// probe is swappable for tests; defaults to the nvidia-smi probe.
	probe func() ([]int, error)
}

// NewSelector builds a Selector over modelsRoot with the given
// preference list (DefaultPreference when nil).
func NewSelector(modelsRoot string, preference []Candidate, agg Aggregation) *Selector {
	if len(preference) == 0 {
		preference = DefaultPreference
	}
	if agg == "" {
		agg = AggregateSum
	}
	return &Selector{
		ModelsRoot:  modelsRoot,
		Preference:  preference,
		Aggregation: agg,
		logger:      log.With().Str("component", "model").Logger(),
		probe: func() ([]int, error) {
			return executil.ProbeGPUFreeMemoryMiB(probeTimeout)
		},
	}
}

// FreeMiB probes the GPUs and aggregates free memory per the configured
// mode. A probe failure is reported as zero free memory, which steers
// selection to the smallest model instead of failing the job.
func (s *Selector) FreeMiB() uint64 {
	values, err := s.probe()
	if err != nil {
		s.logger.Warn().Err(err).Msg("GPU probe failed, assuming no free memory")
		return 0
	}
	var free uint64
	for _, v := range values {
		if v < 0 {
			continue
		}
		switch s.Aggregation {
		case AggregateMax:
			if uint64(v) > free {
				free = uint64(v)
			}
		default:
			free += uint64(v)
		}
	}
	return free
}

// Select walks the preference list and returns the first candidate
// whose memory requirement is met and whose files pass integrity
// checks. If none fits in memory, the smallest integrity-passing
// candidate is returned; if none passes at all, a MODEL_MISSING error
// listing every rejection is returned.
func (s *Selector) Select() (*Choice, error) {
	free := s.FreeMiB()
	s.logger.Info().
		Str("free", humanize.IBytes(free*1024*1024)).
		Str("aggregation", string(s.Aggregation)).
		Msg("GPU free memory probed")

	var rejections []Rejection
	var lastIntact *Choice

	for _, cand := range s.Preference {
		path := filepath.Join(s.ModelsRoot, cand.Name)
		if reason, ok := checkModelFiles(path); !ok {
			s.logger.Warn().
				Str("model", cand.Name).
				Str("reason", reason).
				Msg("CORRUPTED model candidate skipped")
			rejections = append(rejections, Rejection{Name: cand.Name, Reason: reason})
			continue
		}

		choice := &Choice{Name: cand.Name, Path: path, MinFreeMiB: cand.MinFreeMiB}
		lastIntact = choice

		if free >= cand.MinFreeMiB {
			s.logger.Info().
				Str("model", cand.Name).
				Str("required", humanize.IBytes(cand.MinFreeMiB*1024*1024)).
				Msg("model selected")
			return choice, nil
		}
		rejections = append(rejections, Rejection{
			Name: cand.Name,
			Reason: fmt.Sprintf("needs %s free, only %s available",
				humanize.IBytes(cand.MinFreeMiB*1024*1024), humanize.IBytes(free*1024*1024)),
		})
	}

	// Nothing fit in memory; fall back to the smallest intact candidate
	// rather than failing the job outright.
	if lastIntact != nil {
		s.logger.Warn().
			Str("model", lastIntact.Name).
			Msg("no candidate fits free GPU memory, falling back to smallest intact model")
		return lastIntact, nil
	}

	var sb strings.Builder
	for i, r := range rejections {
		if i > 0 {
			sb.WriteString("; ")
		}
		fmt.Fprintf(&sb, "%s: %s", r.Name, r.Reason)
	}
	return nil, xerrors.New(xerrors.ModelMissing, "no usable translation model: "+sb.String()).WithPath(s.ModelsRoot)
}

// checkModelFiles verifies a candidate directory: required config files
// present and non-empty, plus at least one weight file over 10 MiB.
func checkModelFiles(modelPath string) (reason string, ok bool) {
	info, err := os.Stat(modelPath)
	if err != nil || !info.IsDir() {
		return "directory not found", false
	}

	for _, name := range requiredFiles {
		fi, err := os.Stat(filepath.Join(modelPath, name))
		if err != nil {
			return "missing " + name, false
		}
		if fi.Size() == 0 {
			return name + " is empty", false
		}
	}

	entries, err := os.ReadDir(modelPath)
	if err != nil {
		return "unreadable directory", false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".safetensors" && ext != ".bin" {
			continue
		}
		fi, err := e.Info()
		if err == nil && fi.Size() > minWeightFileSize {
			return "", true
		}
	}
	return "no valid weight files (>10MiB)", false
}
