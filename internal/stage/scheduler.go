package stage

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/rs/zerolog"

	"github.com/dubforge/dubforge/internal/progress"
	"github.com/dubforge/dubforge/internal/xerrors"
)

// Scheduler drives one task's DAG over the process-global worker pool
// and GPU-exclusive token.
type Scheduler struct {
	TaskID string
	Graph  *Graph
	Store  *Store
	Bus    *progress.Bus
	Pool   chan struct{} // global, capacity N_workers
	GPU    chan struct{} // global, capacity 1
	Exec   *ExecContext
	Logger zerolog.Logger
}

// result is one finished stage execution handed back to the dispatch
// loop.
type result struct {
	node *Node
	err  *xerrors.Error
}

// queued tracks when a node became eligible, for FIFO dispatch.
type queued struct {
	node       *Node
	eligibleAt time.Time
}

// Run executes the task's DAG to completion, retrying per stage policy,
// and returns nil when every stage is done. On failure or cancellation
// the first blocking error is returned; downstream stages are never
// started.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.prepare(); err != nil {
		return err
	}

	statuses := make(map[string]Status, len(s.Graph.Nodes))
	st, err := s.Store.Snapshot()
	if err != nil {
		return err
	}
	for name := range s.Graph.Nodes {
		statuses[name] = st.Stages[name].Status
	}

	var (
		queue      []queued
		enqueued   = make(map[string]bool)
		running    = 0
		resultCh   = make(chan result)
		firstError *xerrors.Error
		cancelled  = false
	)

	refill := func() {
		snap := &State{Stages: make(map[string]Record, len(statuses))}
		for name, status := range statuses {
			snap.Stages[name] = Record{Status: status}
		}
		// Every node made eligible by the same event shares one timestamp,
		// so the depth tie-break below decides their order.
		now := time.Now()
		for _, node := range s.Graph.Ready(snap) {
			if !enqueued[node.Name] {
				enqueued[node.Name] = true
				queue = append(queue, queued{node: node, eligibleAt: now})
			}
		}
		// FIFO by eligibility time; ties prefer stages deeper in a
		// target's chain so one language finishes first.
		sort.SliceStable(queue, func(i, j int) bool {
			if !queue[i].eligibleAt.Equal(queue[j].eligibleAt) {
				return queue[i].eligibleAt.Before(queue[j].eligibleAt)
			}
			return queue[i].node.depth > queue[j].node.depth
		})
	}

	dispatch := func() {
		for len(queue) > 0 && !cancelled && firstError == nil {
			select {
			case s.Pool <- struct{}{}:
			default:
				return
			}
			next := queue[0].node
			queue = queue[1:]
			statuses[next.Name] = StatusRunning
			running++

			go func(node *Node) {
				defer func() { <-s.Pool }()
				err := s.executeNode(ctx, node)
				resultCh <- result{node: node, err: err}
			}(next)
		}
	}

	refill()
	dispatch()

	// The pool is shared across tasks, so a queued stage may have to
	// wait for another task's stage to release a slot; the ticker
	// re-attempts dispatch while nothing of ours is running.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	ctxDone := ctx.Done()

	for running > 0 || (len(queue) > 0 && !cancelled && firstError == nil) {
		select {
		case <-ctxDone:
			ctxDone = nil
			cancelled = true
			queue = nil
			s.markRunningCancelling(statuses)
		case <-ticker.C:
		case res := <-resultCh:
			running--
			if ctx.Err() != nil && !cancelled {
				ctxDone = nil
				cancelled = true
				queue = nil
				s.markRunningCancelling(statuses)
			}
			status := s.finishNode(res, cancelled)
			statuses[res.node.Name] = status
			// A stage cancelled without a task-wide cancel (its worker
			// was killed externally) blocks its downstream like a
			// failure does.
			if status == StatusFailed || status == StatusTimeout || (status == StatusCancelled && !cancelled) {
				if firstError == nil {
					firstError = res.err
				}
			}
			if !cancelled && firstError == nil {
				refill()
			}
		}
		dispatch()
	}

	switch {
	case cancelled:
		s.markRunnableCancelled(statuses)
		s.Bus.Publish(s.TaskID, progress.Message{Type: progress.TypeError, Stage: "task", Error: "cancelled"})
		return xerrors.New(xerrors.Cancelled, "task cancelled")
	case firstError != nil:
		s.Bus.Publish(s.TaskID, progress.Message{Type: progress.TypeError, Stage: "task", Error: firstError.Error()})
		return firstError
	default:
		s.Bus.Publish(s.TaskID, progress.Message{Type: progress.TypeDone, Stage: "task", Progress: 100})
		return nil
	}
}

// prepare classifies every stage for this run:
// stages left running by a crashed process, timeouts, failures, and
// cancellations become retryable; done stages are re-verified against
// their own preconditions and downgraded when outputs are missing.
func (s *Scheduler) prepare() error {
	for name, node := range s.Graph.Nodes {
		rec, ok := s.Store.StageRecord(name)
		if !ok {
			if err := s.Store.MarkStatus(name, StatusPending); err != nil {
				return err
			}
			continue
		}
		switch rec.Status {
		case StatusDone:
			if node.Verify != nil && !node.Verify(s.Exec, node) {
				s.Logger.Warn().Str("stage", name).Msg("done stage failed output verification, downgrading to retryable")
				if err := s.Store.MarkStatus(name, StatusRetryable); err != nil {
					return err
				}
			}
		case StatusPending, StatusRetryable:
		default:
			// running/cancelling means the prior process died mid-stage;
			// timeout/failed/cancelled are re-runnable on an explicit
			// (re)start.
			if err := s.Store.MarkStatus(name, StatusRetryable); err != nil {
				return err
			}
		}
	}
	return nil
}

// executeNode runs one stage with its retry budget. Worker failures
// and timeouts retry up to the node's MaxAttempts with backoff;
// malformed output, invalid input, and cancellation abort immediately.
func (s *Scheduler) executeNode(ctx context.Context, node *Node) *xerrors.Error {
	policy := retrypolicy.Builder[any]().
		HandleIf(func(_ any, err error) bool {
			return isRetryableStageErr(err)
		}).
		AbortOnErrors(context.Canceled).
		WithMaxAttempts(node.MaxAttempts).
		ReturnLastFailure().
		WithBackoffFactor(500*time.Millisecond, 5*time.Second, 2.0).
		OnRetry(func(evt failsafe.ExecutionEvent[any]) {
			s.Logger.Warn().
				Str("stage", node.Name).
				Int("attempt", evt.Attempts()).
				Err(evt.LastError()).
				Msg("stage attempt failed, retrying")
		}).
		Build()

	_, err := failsafe.Get(func() (any, error) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := s.Store.MarkRunning(node.Name); err != nil {
			return nil, err
		}
		s.Exec.PublishProgress(node.Lang, node.Name, 0, "stage started")

		runCtx := ctx
		var cancel context.CancelFunc
		if node.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, node.Timeout)
			defer cancel()
		}

		if node.Class == ClassGPU {
			select {
			case s.GPU <- struct{}{}:
				defer func() { <-s.GPU }()
			case <-runCtx.Done():
				return nil, runCtx.Err()
			}
		}

		err := node.Run(runCtx, s.Exec, node)
		if err != nil && runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			// The per-stage hard timeout, not a task-wide cancel.
			return nil, xerrors.Wrap(xerrors.WorkerTimeout, err, "stage exceeded its hard timeout")
		}
		return nil, err
	}, policy)

	return asStageError(err)
}

// finishNode persists the outcome of one execution and emits the
// per-stage progress events.
func (s *Scheduler) finishNode(res result, cancelled bool) Status {
	node := res.node
	if res.err == nil {
		_ = s.Store.MarkFinished(node.Name, StatusDone, nil)
		s.Exec.PublishProgress(node.Lang, node.Name, 100, "stage finished")
		return StatusDone
	}

	status := StatusFailed
	switch {
	case cancelled || res.err.Kind == xerrors.Cancelled:
		status = StatusCancelled
	case res.err.Kind == xerrors.WorkerTimeout:
		status = StatusTimeout
	}
	_ = s.Store.MarkFinished(node.Name, status, res.err)
	s.Logger.Error().
		Str("stage", node.Name).
		Str("status", string(status)).
		Err(res.err).
		Msg("stage finished unsuccessfully")
	return status
}

func (s *Scheduler) markRunningCancelling(statuses map[string]Status) {
	for name, status := range statuses {
		if status == StatusRunning {
			_ = s.Store.MarkStatus(name, StatusCancelling)
		}
	}
}

// markRunnableCancelled settles every never-started stage once a
// cancel has drained the running set.
func (s *Scheduler) markRunnableCancelled(statuses map[string]Status) {
	for name, status := range statuses {
		if status.Runnable() || status == StatusCancelling {
			_ = s.Store.MarkStatus(name, StatusCancelled)
			statuses[name] = StatusCancelled
		}
	}
}

// isRetryableStageErr: worker spawn/exit/timeout failures retry,
// everything else surfaces.
func isRetryableStageErr(err error) bool {
	var xe *xerrors.Error
	if !errors.As(err, &xe) {
		return false
	}
	switch xe.Kind {
	case xerrors.WorkerExitNonzero, xerrors.WorkerSpawnFailed, xerrors.WorkerTimeout:
		return true
	default:
		return false
	}
}

// asStageError normalizes any error out of a stage run into the
// structured form persisted to state.json.
func asStageError(err error) *xerrors.Error {
	if err == nil {
		return nil
	}
	var xe *xerrors.Error
	if errors.As(err, &xe) {
		return xe
	}
	if errors.Is(err, context.Canceled) {
		return xerrors.New(xerrors.Cancelled, "stage cancelled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.WorkerTimeout, err, "stage deadline exceeded")
	}
	return xerrors.Wrap(xerrors.WorkerExitNonzero, err, "stage failed")
}
