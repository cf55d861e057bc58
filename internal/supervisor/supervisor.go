// Package supervisor owns job lifecycle: create, start, cancel, delete,
// plus the startup scan that surfaces resumable tasks without
// auto-resuming them, and the keep-awake hook held while any job runs.
package supervisor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	iso "github.com/barbashov/iso639-3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dubforge/dubforge/internal/layout"
	"github.com/dubforge/dubforge/internal/orchestrator"
	"github.com/dubforge/dubforge/internal/progress"
	"github.com/dubforge/dubforge/internal/stage"
	"github.com/dubforge/dubforge/internal/xerrors"
	"github.com/dubforge/dubforge/pkg/subs"
)

// JobSpec is the typed job description: no free-form
// dictionaries cross this boundary.
type JobSpec struct {
	VideoPath    string
	SubtitlePath string
	Targets      []string
}

// Target pairs a validated language code with its display name.
type Target struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// TaskSummary is one row of the startup scan (ListResumable).
type TaskSummary struct {
	TaskID    string    `json:"task_id"`
	CreatedAt time.Time `json:"created_at"`
	Targets   []string  `json:"targets"`
	Stages    int       `json:"stages"`
	Done      int       `json:"done"`
	Resumable bool      `json:"resumable"`
}

type job struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Supervisor owns job bookkeeping over a shared Orchestrator.
type Supervisor struct {
	orc    *orchestrator.Orchestrator
	power  powerManager
	logger zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

// New constructs a Supervisor over the given orchestrator resources.
func New(orc *orchestrator.Orchestrator) *Supervisor {
	return &Supervisor{
		orc:    orc,
		logger: log.With().Str("component", "supervisor").Logger(),
		jobs:   make(map[string]*job),
	}
}

// ValidateTargets normalizes and validates the 2-3 character language
// codes against ISO 639, resolving display names.
func ValidateTargets(codes []string) ([]Target, error) {
	if len(codes) == 0 {
		return nil, xerrors.New(xerrors.InputNotFound, "no target languages given")
	}
	targets := make([]Target, 0, len(codes))
	for _, code := range codes {
		lang := iso.FromAnyCode(code)
		if lang == nil {
			return nil, xerrors.New(xerrors.InputNotFound, "unknown language code: "+code)
		}
		targets = append(targets, Target{Code: code, Name: lang.Name})
	}
	return targets, nil
}

// Create allocates a task: id, directory tree, input video and source
// subtitle copied into place, initial state.json. The subtitle is
// parsed once here so an invalid file fails before any worker spawns.
func (s *Supervisor) Create(spec JobSpec) (string, error) {
	targets, err := ValidateTargets(spec.Targets)
	if err != nil {
		return "", err
	}

	if !layout.IsAllowedInputExtension(filepath.Ext(spec.VideoPath)) {
		return "", xerrors.New(xerrors.InputNotFound, "video extension not in allow-list").WithPath(spec.VideoPath)
	}
	if _, err := os.Stat(spec.VideoPath); err != nil {
		return "", xerrors.Wrap(xerrors.InputNotFound, err, "source video not found").WithPath(spec.VideoPath)
	}

	taskID := uuid.NewString()
	l := s.orc.Layout
	if err := l.EnsureStructure(taskID); err != nil {
		return "", err
	}
	for _, t := range targets {
		if err := l.EnsureLangDir(taskID, t.Code); err != nil {
			return "", err
		}
	}

	dst := filepath.Join(l.InputDir(taskID), filepath.Base(spec.VideoPath))
	if err := copyFile(spec.VideoPath, dst); err != nil {
		return "", err
	}

	// Normalize whatever subtitle format was given into the canonical
	// source SRT under processed/.
	src, cues, err := subs.Open(spec.SubtitlePath)
	if err != nil {
		return "", err
	}
	if err := subs.WriteSRT(src, cues, l.SourceSubtitlePath(taskID)); err != nil {
		return "", err
	}

	store := stage.NewStore(l.StatePath(taskID))
	codes := make([]string, len(targets))
	for i, t := range targets {
		codes[i] = t.Code
	}
	if err := store.Init(taskID, codes); err != nil {
		return "", err
	}

	s.logger.Info().Str("task", taskID).Strs("targets", codes).Msg("task created")
	return taskID, nil
}

// AddTarget registers another language on an existing task; re-adding
// an existing target is a no-op. The task picks the new chain up on its
// next start.
func (s *Supervisor) AddTarget(taskID, code string) error {
	if _, err := ValidateTargets([]string{code}); err != nil {
		return err
	}
	if err := s.orc.Layout.EnsureLangDir(taskID, code); err != nil {
		return err
	}
	store := stage.NewStore(s.orc.Layout.StatePath(taskID))
	if _, err := store.Load(); err != nil {
		return err
	}
	return store.AddTarget(code)
}

// Start spins up the scheduler for a task. Starting a task already
// running is a no-op; a finished or crashed task restarts from its
// resumable state. Model selection is pinned on first start and reused
// verbatim afterwards.
func (s *Supervisor) Start(taskID string) error {
	s.mu.Lock()
	if _, running := s.jobs[taskID]; running {
		s.mu.Unlock()
		return nil
	}
	j := &job{done: make(chan struct{})}
	s.jobs[taskID] = j
	s.mu.Unlock()

	store := stage.NewStore(s.orc.Layout.StatePath(taskID))
	st, err := store.Load()
	if err != nil {
		s.dropJob(taskID)
		return err
	}

	choice := st.ModelSelection
	if choice == nil {
		choice, err = s.orc.Selector.Select()
		if err != nil {
			s.dropJob(taskID)
			return err
		}
		if err := store.SetModelSelection(choice); err != nil {
			s.dropJob(taskID)
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel

	ec := &stage.ExecContext{
		TaskID:     taskID,
		Layout:     s.orc.Layout,
		Store:      store,
		Bus:        s.orc.Bus,
		Worker:     s.orc.Runner,
		Docker:     s.orc.Docker,
		Config:     s.orc.Config,
		Model:      choice,
		Logger:     s.logger.With().Str("task", taskID).Logger(),
		AcquireGPU: s.orc.AcquireGPU,
	}
	sched := &stage.Scheduler{
		TaskID: taskID,
		Graph:  stage.Build(st.Targets, stage.DefaultRunners(), stage.DefaultVerifiers()),
		Store:  store,
		Bus:    s.orc.Bus,
		Pool:   s.orc.Pool,
		GPU:    s.orc.GPU,
		Exec:   ec,
		Logger: ec.Logger,
	}

	s.power.jobStarted()
	go func() {
		defer func() {
			s.power.jobFinished()
			close(j.done)
			s.dropJob(taskID)
		}()
		j.err = sched.Run(ctx)
		if j.err != nil {
			s.logger.Error().Str("task", taskID).Err(j.err).Msg("job finished with error")
		} else {
			s.logger.Info().Str("task", taskID).Msg("job finished")
		}
	}()
	return nil
}

func (s *Supervisor) dropJob(taskID string) {
	s.mu.Lock()
	delete(s.jobs, taskID)
	s.mu.Unlock()
}

// Wait blocks until a running task finishes and returns its outcome;
// nil for a task not currently running.
func (s *Supervisor) Wait(taskID string) error {
	s.mu.Lock()
	j := s.jobs[taskID]
	s.mu.Unlock()
	if j == nil {
		return nil
	}
	<-j.done
	return j.err
}

// Cancel requests cancellation and waits for every worker to exit.
func (s *Supervisor) Cancel(taskID string) {
	s.mu.Lock()
	j := s.jobs[taskID]
	s.mu.Unlock()
	if j == nil {
		return
	}
	if j.cancel != nil {
		j.cancel()
	}
	<-j.done
}

// Delete cancels any live run, closes the task's progress topic with a
// terminal message, and removes the task tree.
func (s *Supervisor) Delete(taskID string) error {
	s.Cancel(taskID)
	s.orc.Bus.CloseTask(taskID, progress.Message{Type: progress.TypeDone, Stage: "task", Message: "task deleted"})
	return s.orc.Layout.DeleteTask(taskID)
}

// Running lists the ids of currently running jobs.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}

// ListResumable scans the task root and summarizes every task found.
// Tasks with a non-terminal stage set are flagged resumable; nothing is
// auto-resumed.
func (s *Supervisor) ListResumable() ([]TaskSummary, error) {
	entries, err := os.ReadDir(s.orc.Layout.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.InputNotFound, err, "reading task root").WithPath(s.orc.Layout.BaseDir)
	}

	var out []TaskSummary
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		taskID := e.Name()
		store := stage.NewStore(s.orc.Layout.StatePath(taskID))
		st, err := store.Load()
		if err != nil {
			s.logger.Warn().Str("task", taskID).Err(err).Msg("skipping task with unreadable state")
			continue
		}

		summary := TaskSummary{
			TaskID:    st.TaskID,
			CreatedAt: st.CreatedAt,
			Targets:   st.Targets,
		}
		expected := stage.Build(st.Targets, nil, nil)
		summary.Stages = len(expected.Nodes)
		for name := range expected.Nodes {
			rec := st.Stages[name]
			if rec.Status == stage.StatusDone {
				summary.Done++
			}
		}
		summary.Resumable = summary.Done < summary.Stages
		out = append(out, summary)
	}
	return out, nil
}

// State loads a task's current state.json.
func (s *Supervisor) State(taskID string) (*stage.State, error) {
	return stage.NewStore(s.orc.Layout.StatePath(taskID)).Load()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return xerrors.Wrap(xerrors.InputNotFound, err, "opening source file").WithPath(src)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return xerrors.Wrap(xerrors.StateWriteFailed, err, "creating destination file").WithPath(dst)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return xerrors.Wrap(xerrors.StateWriteFailed, err, "copying file").WithPath(dst)
	}
	return out.Sync()
}
