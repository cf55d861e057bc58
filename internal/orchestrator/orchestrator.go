// Package orchestrator assembles the process-wide resources every job
// shares: the bounded worker pool, the GPU-exclusive token, the worker
// runners, the progress bus, and the task layout. Everything is held by
// one value created at supervisor construction and passed explicitly;
// there is no package-level state.
package orchestrator

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dubforge/dubforge/internal/config"
	"github.com/dubforge/dubforge/internal/layout"
	"github.com/dubforge/dubforge/internal/model"
	"github.com/dubforge/dubforge/internal/progress"
	"github.com/dubforge/dubforge/internal/worker"
)

// Orchestrator owns the process-global state. Everything else is
// per-task and lives in the supervisor's job bookkeeping.
type Orchestrator struct {
	Config   *config.Config
	Layout   *layout.Layout
	Bus      *progress.Bus
	Runner   *worker.Runner
	Docker   *worker.DockerRunner
	Selector *model.Selector

	// Pool bounds concurrent stage executions across all tasks
	// (semaphore of capacity N_workers); GPU serializes the
	// GPU-exclusive stage class (capacity 1).
	Pool chan struct{}
	GPU  chan struct{}

	Logger zerolog.Logger
}

// New wires an Orchestrator from resolved configuration.
func New(cfg *config.Config) *Orchestrator {
	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	return &Orchestrator{
		Config:   cfg,
		Layout:   layout.New(cfg.TasksDir),
		Bus:      progress.NewBus(),
		Runner:   worker.NewRunner(),
		Docker:   worker.NewDockerRunner(),
		Selector: model.NewSelector(cfg.ModelsDir, nil, model.Aggregation(cfg.GPUMemoryAggregation)),
		Pool:     make(chan struct{}, poolSize),
		GPU:      make(chan struct{}, 1),
		Logger:   log.With().Str("component", "orchestrator").Logger(),
	}
}

// AcquireGPU blocks until the GPU-exclusive token is free, returning
// its release function; used by the translation retry sub-protocol,
// which re-enters the GPU from a CPU-class stage.
func (o *Orchestrator) AcquireGPU(ctx context.Context) (func(), error) {
	select {
	case o.GPU <- struct{}{}:
		return func() { <-o.GPU }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
