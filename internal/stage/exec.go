package stage

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dubforge/dubforge/internal/config"
	"github.com/dubforge/dubforge/internal/executil"
	"github.com/dubforge/dubforge/internal/layout"
	"github.com/dubforge/dubforge/internal/model"
	"github.com/dubforge/dubforge/internal/progress"
	"github.com/dubforge/dubforge/internal/worker"
	"github.com/dubforge/dubforge/internal/xerrors"
)

// RunFunc executes one stage instance. It returns nil on success or a
// structured error the scheduler classifies for retry.
type RunFunc func(ctx context.Context, ec *ExecContext, node *Node) error

// VerifyFunc re-checks a done stage's outputs on resume; returning
// false downgrades the stage to retryable.
type VerifyFunc func(ec *ExecContext, node *Node) bool

// ExecContext bundles the resources a stage needs: the task's layout
// and state store, the progress bus, the worker runner, and the pinned
// model choice. One value per task, shared by all its stages.
type ExecContext struct {
	TaskID string
	Layout *layout.Layout
	Store  *Store
	Bus    *progress.Bus
	Worker *worker.Runner
	Docker *worker.DockerRunner
	Config *config.Config
	Model  *model.Choice
	Logger zerolog.Logger

	// AcquireGPU blocks until the process-global GPU-exclusive token is
	// free and returns its release function. Only the translation retry
	// sub-protocol uses this directly; GPU-class stages are serialized
	// by the scheduler before Run is called.
	AcquireGPU func(ctx context.Context) (release func(), err error)
}

// PublishProgress forwards a stage's progress onto the bus.
func (ec *ExecContext) PublishProgress(lang, stageName string, pct int, msg string) {
	ec.Bus.Publish(ec.TaskID, progress.Message{
		Type:     progress.TypeProgress,
		Language: progress.Lang(lang),
		Stage:    stageName,
		Progress: pct,
		Message:  msg,
	})
}

// workerBinaryName maps a worker kind to its default executable name;
// a tool_paths config override wins.
func workerBinaryName(kind worker.Kind) string {
	return "dubforge-" + strings.ReplaceAll(string(kind), "_", "-")
}

const dockerPrefix = "docker:"

// InvokeWorker resolves the binary (or container) for kind, runs it
// with cfg, and forwards progress lines to the bus. It is the single
// funnel every worker-backed stage goes through.
func (ec *ExecContext) InvokeWorker(ctx context.Context, kind worker.Kind, cfg worker.Config, opts worker.Options) (*worker.Result, error) {
	override := ec.Config.ToolPath(string(kind))

	if opts.OnProgress == nil {
		stageName, lang := opts.Stage, opts.Language
		opts.OnProgress = func(done, total int, line string) {
			pct := 0
			if total > 0 {
				pct = done * 100 / total
			}
			ec.PublishProgress(lang, stageName, pct, line)
		}
	}

	// A "docker:<container>" override routes the invocation through the
	// container-backed runner instead of a local binary.
	if strings.HasPrefix(override, dockerPrefix) {
		container := strings.TrimPrefix(override, dockerPrefix)
		return ec.Docker.RunInContainer(ctx, container, cfg, opts)
	}

	binary, err := executil.FindBinary(workerBinaryName(kind), override)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.WorkerSpawnFailed, err, "locating worker binary")
	}
	opts.Binary = binary
	return ec.Worker.Run(ctx, cfg, opts)
}

// silenceFor returns the soft per-line-silence timeout for a worker
// kind: 10 min for TTS/ASR/diarization, 5 min for translation and the
// light CPU tools.
func silenceFor(kind worker.Kind) time.Duration {
	switch kind {
	case worker.KindASR, worker.KindDiarize, worker.KindTTSFish, worker.KindTTSXTTS, worker.KindTTSIndonesian:
		return worker.DefaultSilenceTimeoutHeavy
	default:
		return worker.DefaultSilenceTimeoutLight
	}
}
