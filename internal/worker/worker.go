package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/dubforge/dubforge/internal/executil"
	"github.com/dubforge/dubforge/internal/xerrors"
)

// Default soft silence timeouts. TTS and ASR models take longer to
// emit a first line than the translation LLM does.
const (
	DefaultSilenceTimeoutHeavy = 10 * time.Minute
	DefaultSilenceTimeoutLight = 5 * time.Minute
	killGracePeriod            = 2 * time.Second
	defaultStderrTailLines     = 20
)

// progressPattern matches "[tag] progress: N/M" and a couple of
// localized equivalents for the word "progress".
var progressWord = `(?:progress|进度|進捗)`

func progressPattern(tag string) *regexp.Regexp {
	return regexp.MustCompile(`\[` + regexp.QuoteMeta(tag) + `\]\s+` + progressWord + `:\s+(\d+)/(\d+)`)
}

// ProgressFunc receives a (done, total) pair parsed off a worker's
// stderr, plus the raw line it came from.
type ProgressFunc func(done, total int, line string)

// Options configures a single worker invocation. Stage and Language only
// label the invocation for Snapshot()/logging; they carry no control-flow
// meaning inside this package.
type Options struct {
	Binary          string
	Args            []string
	Env             []string
	Stage           string
	Language        string
	SilenceTimeout  time.Duration
	HardTimeout     time.Duration
	StderrTailLines int
	OnProgress      ProgressFunc
	KeepConfigFile  bool // skip the success-path temp config cleanup
}

// Result is a successful invocation's parsed outcome: the final
// machine-readable JSON the worker printed, plus timing.
type Result struct {
	JSON     json.RawMessage
	ExitCode int
	Duration time.Duration
}

// Status is a read-only snapshot of a running invocation, exposed for
// diagnostics. It is never used for control flow.
type Status struct {
	ID        string
	PID       int
	Stage     string
	Language  string
	StartedAt time.Time
}

// Runner spawns worker processes and tracks the ones currently running
// for Snapshot(). It holds no other process-wide state.
type Runner struct {
	mu      sync.Mutex
	running map[string]*invocation
}

type invocation struct {
	Status
	cancel context.CancelFunc
}

// NewRunner constructs an empty Runner.
func NewRunner() *Runner {
	return &Runner{running: make(map[string]*invocation)}
}

// Snapshot lists every invocation presently running, for diagnostics
// only.
func (r *Runner) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.running))
	for _, inv := range r.running {
		out = append(out, inv.Status)
	}
	return out
}

// Run spawns opts.Binary with cfg serialized to a temp JSON config file
// passed as its sole argument, multiplexes stdout/stderr, forwards
// progress lines to opts.OnProgress, and classifies the outcome into
// the structured error taxonomy. ctx cancellation triggers
// SIGTERM-then-SIGKILL with a best-effort child-tree kill.
func (r *Runner) Run(ctx context.Context, cfg Config, opts Options) (*Result, error) {
	logger := log.With().Str("component", "worker").Str("stage", opts.Stage).Str("kind", string(cfg.WorkerKind)).Logger()

	configPath, err := writeConfigFile(cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.WorkerSpawnFailed, err, "writing worker config file")
	}
	cleanupConfig := func() {
		if !opts.KeepConfigFile {
			_ = os.Remove(configPath)
		}
	}

	silence := opts.SilenceTimeout
	if silence == 0 {
		silence = DefaultSilenceTimeoutLight
	}
	tailLines := opts.StderrTailLines
	if tailLines == 0 {
		tailLines = defaultStderrTailLines
	}

	runCtx, runCancel := context.WithCancel(ctx)
	if opts.HardTimeout > 0 {
		var hardCancel context.CancelFunc
		runCtx, hardCancel = context.WithTimeout(runCtx, opts.HardTimeout)
		defer hardCancel()
	}
	defer runCancel()

	args := append(append([]string{}, opts.Args...), configPath)
	cmd := executil.CommandContext(runCtx, opts.Binary, args...)
	// Replace the default immediate kill on cancellation with the
	// SIGTERM-then-SIGKILL walk over the whole child tree.
	cmd.Cancel = func() error {
		killProcessTree(cmd.Process.Pid)
		return nil
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cleanupConfig()
		return nil, xerrors.Wrap(xerrors.WorkerSpawnFailed, err, "opening stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cleanupConfig()
		return nil, xerrors.Wrap(xerrors.WorkerSpawnFailed, err, "opening stderr pipe")
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		cleanupConfig()
		return nil, xerrors.Wrap(xerrors.WorkerSpawnFailed, err, "starting worker process")
	}

	id := uuid.NewString()
	r.register(id, cmd.Process.Pid, opts.Stage, opts.Language, start, runCancel)
	defer r.unregister(id)

	var (
		mu       sync.Mutex
		lastLine = time.Now()
		combined []byte
		tail     []string
	)
	pattern := progressPattern(cfg.ProgressTag)

	drain := func(reader io.Reader, isStderr bool) {
		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			mu.Lock()
			lastLine = time.Now()
			combined = append(combined, []byte(line+"\n")...)
			if isStderr {
				tail = append(tail, line)
				if len(tail) > tailLines {
					tail = tail[len(tail)-tailLines:]
				}
			}
			mu.Unlock()

			if isStderr {
				if m := pattern.FindStringSubmatch(line); m != nil {
					done, total := atoiSafe(m[1]), atoiSafe(m[2])
					if opts.OnProgress != nil {
						opts.OnProgress(done, total, line)
					}
				}
				logger.Debug().Str("line", line).Msg("worker stderr")
			}
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); drain(stdout, false) }()
	go func() { defer wg.Done(); drain(stderr, true) }()

	watchdogDone := make(chan struct{})
	var timedOut bool
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-watchdogDone:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				idle := time.Since(lastLine)
				mu.Unlock()
				if idle > silence {
					mu.Lock()
					timedOut = true
					mu.Unlock()
					runCancel()
					return
				}
			}
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	close(watchdogDone)
	duration := time.Since(start)

	mu.Lock()
	finalTail := append([]string(nil), tail...)
	finalCombined := append([]byte(nil), combined...)
	wasTimeout := timedOut
	mu.Unlock()

	if ctx.Err() != nil && !wasTimeout {
		killProcessTree(cmd.Process.Pid)
		return nil, xerrors.New(xerrors.Cancelled, "worker cancelled by caller").WithTail(finalTail)
	}
	if wasTimeout {
		killProcessTree(cmd.Process.Pid)
		return nil, xerrors.New(xerrors.WorkerTimeout, fmt.Sprintf("no output for over %s", silence)).WithTail(finalTail)
	}

	exitCode := 0
	if waitErr != nil {
		exitCode = exitCodeOf(waitErr)
		if exitCode == 0 {
			exitCode = 1
		}
		return nil, xerrors.Wrap(xerrors.WorkerExitNonzero, waitErr, fmt.Sprintf("worker exited with code %d", exitCode)).WithTail(finalTail)
	}

	raw, ok := extractLastJSON(finalCombined)
	if !ok {
		return nil, xerrors.New(xerrors.WorkerOutputMalformed, "no well-formed JSON result found in worker output").WithTail(finalTail)
	}

	cleanupConfig()
	return &Result{JSON: raw, ExitCode: exitCode, Duration: duration}, nil
}

func (r *Runner) register(id string, pid int, stage, lang string, startedAt time.Time, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[id] = &invocation{
		Status: Status{ID: id, PID: pid, Stage: stage, Language: lang, StartedAt: startedAt},
		cancel: cancel,
	}
}

func (r *Runner) unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, id)
}

// killProcessTree sends SIGTERM to pid and its transitive children,
// waits killGracePeriod, then SIGKILLs whatever is left. Enumeration is
// best-effort: a child spawned between the walk and the kill escapes.
func killProcessTree(pid int) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}
	tree := collectTree(proc, 0)

	for _, p := range tree {
		_ = p.Terminate()
	}
	time.Sleep(killGracePeriod)
	for _, p := range tree {
		_ = p.Kill()
	}
}

func collectTree(proc *process.Process, depth int) []*process.Process {
	tree := []*process.Process{proc}
	if depth > 8 {
		return tree
	}
	children, _ := proc.Children()
	for _, c := range children {
		tree = append(tree, collectTree(c, depth+1)...)
	}
	return tree
}

func writeConfigFile(cfg Config) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp("", "dubforge-worker-*.json")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", err
	}
	return f.Name(), nil
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return n
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func exitCodeOf(err error) int {
	type exitCoder interface{ ExitCode() int }
	if ec, ok := err.(exitCoder); ok {
		return ec.ExitCode()
	}
	return -1
}

// extractLastJSON scans buf for the last well-formed top-level JSON
// object or array, tolerating interleaved log lines before and after
// it. Some workers merge stdout and stderr, so the result cannot be
// assumed to be the final line.
func extractLastJSON(buf []byte) (json.RawMessage, bool) {
	var best json.RawMessage
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i, b := range buf {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			if depth == 0 {
				start = i
			}
			depth++
		case '}', ']':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					candidate := buf[start : i+1]
					if json.Valid(candidate) {
						best = append(json.RawMessage(nil), candidate...)
					}
					start = -1
				}
			}
		}
	}
	return best, best != nil
}
