package stage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"github.com/dubforge/dubforge/internal/model"
	"github.com/dubforge/dubforge/internal/xerrors"
)

// Store serializes all writes to one task's state.json under a
// task-local lock. Transitions patch individual stage entries
// with sjson rather than re-marshalling the whole document; every flush
// goes through write-temp-then-rename so a crash between the two leaves
// the previous file intact.
type Store struct {
	path   string
	mu     sync.Mutex
	doc    []byte
	logger zerolog.Logger
}

// NewStore creates a Store over path without touching the filesystem;
// call Init for a fresh task or Load for an existing one.
func NewStore(path string) *Store {
	return &Store{
		path:   path,
		logger: log.With().Str("component", "state").Str("path", path).Logger(),
	}
}

// Init writes the initial state.json for a new task.
func (s *Store) Init(taskID string, targets []string) error {
	st := State{
		TaskID:    taskID,
		CreatedAt: time.Now().UTC(),
		Targets:   targets,
		Stages:    map[string]Record{},
	}
	doc, err := json.Marshal(st)
	if err != nil {
		return xerrors.Wrap(xerrors.StateWriteFailed, err, "marshalling initial state")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = doc
	return s.flushLocked()
}

// Load reads state.json from disk into the store's working document.
func (s *Store) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := os.ReadFile(s.path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.InputNotFound, err, "reading state file").WithPath(s.path)
	}
	var st State
	if err := json.Unmarshal(doc, &st); err != nil {
		return nil, xerrors.Wrap(xerrors.StateWriteFailed, err, "state file is not valid JSON").WithPath(s.path)
	}
	if st.Stages == nil {
		st.Stages = map[string]Record{}
	}
	s.doc = doc
	return &st, nil
}

// Snapshot returns a deep copy of the current state, safe to hand to a
// concurrently-running stage without aliasing the store's own document.
func (s *Store) Snapshot() (*State, error) {
	s.mu.Lock()
	doc := s.doc
	s.mu.Unlock()

	var st State
	if err := json.Unmarshal(doc, &st); err != nil {
		return nil, xerrors.Wrap(xerrors.StateWriteFailed, err, "snapshotting state")
	}
	if st.Stages == nil {
		st.Stages = map[string]Record{}
	}
	var out State
	if err := copier.CopyWithOption(&out, &st, copier.Option{DeepCopy: true}); err != nil {
		return nil, xerrors.Wrap(xerrors.StateWriteFailed, err, "copying state snapshot")
	}
	return &out, nil
}

// escapeStage escapes the dots of a qualified stage name ("translate.ja")
// so gjson/sjson treat it as one key, not a path.
func escapeStage(name string) string {
	return strings.ReplaceAll(name, ".", `\.`)
}

func stagePath(name, field string) string {
	return "stages." + escapeStage(name) + "." + field
}

// StageRecord reads one stage's current record; ok is false when the
// stage has never been touched.
func (s *Store) StageRecord(name string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw := gjson.GetBytes(s.doc, "stages."+escapeStage(name))
	if !raw.Exists() {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw.Raw), &rec); err != nil {
		return Record{}, false
	}
	return rec, true
}

// MarkRunning transitions a stage to running, stamps started_at, bumps
// attempts, and clears any previous error.
func (s *Store) MarkRunning(name string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	s.mu.Lock()
	defer s.mu.Unlock()

	attempts := gjson.GetBytes(s.doc, stagePath(name, "attempts")).Int()
	return s.patchLocked(name, map[string]interface{}{
		"status":     string(StatusRunning),
		"attempts":   attempts + 1,
		"started_at": now,
		"last_error": nil,
	})
}

// MarkStatus transitions a stage to a bare status without touching
// attempts or timestamps (used for pending, retryable, cancelling and
// cancelled).
func (s *Store) MarkStatus(name string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patchLocked(name, map[string]interface{}{"status": string(status)})
}

// MarkFinished transitions a stage to a terminal-ish status, stamps
// finished_at, and records the error if any.
func (s *Store) MarkFinished(name string, status Status, stageErr *xerrors.Error) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	fields := map[string]interface{}{
		"status":      string(status),
		"finished_at": now,
	}
	if stageErr != nil {
		fields["last_error"] = stageErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patchLocked(name, fields)
}

// SetModelSelection pins the model choice for the job's lifetime.
func (s *Store) SetModelSelection(choice *model.Choice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := sjson.SetBytes(s.doc, "model_selection", choice)
	if err != nil {
		return xerrors.Wrap(xerrors.StateWriteFailed, err, "patching model selection")
	}
	s.doc = doc
	return s.flushLocked()
}

// AddTarget appends a language target if absent.
func (s *Store) AddTarget(lang string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range gjson.GetBytes(s.doc, "targets").Array() {
		if t.String() == lang {
			return nil
		}
	}
	doc, err := sjson.SetBytes(s.doc, "targets.-1", lang)
	if err != nil {
		return xerrors.Wrap(xerrors.StateWriteFailed, err, "appending target")
	}
	s.doc = doc
	return s.flushLocked()
}

func (s *Store) patchLocked(name string, fields map[string]interface{}) error {
	doc := s.doc
	var err error
	for field, value := range fields {
		if value == nil {
			// Deleting an absent field is a no-op in sjson; an error here
			// leaves the document untouched.
			if deleted, derr := sjson.DeleteBytes(doc, stagePath(name, field)); derr == nil {
				doc = deleted
			}
			continue
		}
		doc, err = sjson.SetBytes(doc, stagePath(name, field), value)
		if err != nil {
			return xerrors.Wrap(xerrors.StateWriteFailed, err, "patching stage "+name)
		}
	}
	s.doc = doc
	return s.flushLocked()
}

// flushLocked persists the working document atomically. Callers hold mu.
func (s *Store) flushLocked() error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return xerrors.Wrap(xerrors.StateWriteFailed, err, "creating temp state file").WithPath(dir)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(pretty.Pretty(s.doc)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.StateWriteFailed, err, "writing temp state file").WithPath(tmpName)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.StateWriteFailed, err, "closing temp state file").WithPath(tmpName)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.StateWriteFailed, err, "renaming state file into place").WithPath(s.path)
	}
	return nil
}
