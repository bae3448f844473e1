// Package store persists runs and their execution state as YAML files under
// the .foreman working directory, with atomic writes, per-run locking, and
// corruption recovery.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/foreman/internal/lock"
	"github.com/msageha/foreman/internal/model"
	yamlutil "github.com/msageha/foreman/internal/yaml"
)

// DirName is the working directory Foreman keeps in a project root.
const DirName = ".foreman"

// Store is the file-backed persistence layer. All mutation goes through
// per-run keyed mutexes, so concurrent savers within one process never
// interleave a read-modify-write.
type Store struct {
	dir     string
	lockMap *lock.MutexMap
}

// New opens a store rooted at foremanDir (the .foreman directory itself).
func New(foremanDir string) *Store {
	return &Store{dir: foremanDir, lockMap: lock.NewMutexMap()}
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) RunPath(runID string) string {
	return filepath.Join(s.dir, "runs", runID+".yaml")
}

func (s *Store) StatePath(runID string) string {
	return filepath.Join(s.dir, "state", runID+".yaml")
}

// CancelPath is the cancel marker for a run. Its presence requests
// cooperative cancellation of an in-flight run.
func (s *Store) CancelPath(runID string) string {
	return filepath.Join(s.dir, "state", runID+".cancel")
}

// SaveRun persists the backlog file for a run, stamping schema metadata and
// the update time.
func (s *Store) SaveRun(run *model.Run) error {
	if run.RunID == "" {
		return fmt.Errorf("save run: empty run_id")
	}
	s.lockMap.Lock("run:" + run.RunID)
	defer s.lockMap.Unlock("run:" + run.RunID)

	run.SchemaVersion = yamlutil.CurrentSchemaVersion
	run.FileType = yamlutil.FileTypeRun
	run.UpdatedAt = nowStamp()
	if run.CreatedAt == "" {
		run.CreatedAt = run.UpdatedAt
	}

	path := s.RunPath(run.RunID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("ensure runs dir: %w", err)
	}
	return yamlutil.AtomicWrite(path, run)
}

// LoadRun reads the backlog file for a run. A corrupted file is quarantined
// and recovered (backup first, skeleton as last resort) before the read is
// retried once.
func (s *Store) LoadRun(runID string) (*model.Run, error) {
	s.lockMap.Lock("run:" + runID)
	defer s.lockMap.Unlock("run:" + runID)

	var run model.Run
	if err := s.loadValidated(s.RunPath(runID), yamlutil.FileTypeRun, &run); err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	return &run, nil
}

// SaveState persists the execution state for a run.
func (s *Store) SaveState(st *model.RunState) error {
	if st.RunID == "" {
		return fmt.Errorf("save state: empty run_id")
	}
	s.lockMap.Lock("state:" + st.RunID)
	defer s.lockMap.Unlock("state:" + st.RunID)

	st.SchemaVersion = yamlutil.CurrentSchemaVersion
	st.FileType = yamlutil.FileTypeRunState
	st.UpdatedAt = nowStamp()
	if st.CreatedAt == "" {
		st.CreatedAt = st.UpdatedAt
	}

	path := s.StatePath(st.RunID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("ensure state dir: %w", err)
	}
	return yamlutil.AtomicWrite(path, st)
}

// LoadState reads the execution state for a run, with the same recovery
// behavior as LoadRun.
func (s *Store) LoadState(runID string) (*model.RunState, error) {
	s.lockMap.Lock("state:" + runID)
	defer s.lockMap.Unlock("state:" + runID)

	var st model.RunState
	if err := s.loadValidated(s.StatePath(runID), yamlutil.FileTypeRunState, &st); err != nil {
		return nil, fmt.Errorf("load state %s: %w", runID, err)
	}
	if st.StoryStates == nil {
		st.StoryStates = make(map[string]model.StoryStatus)
	}
	if st.StoryResults == nil {
		st.StoryResults = make(map[string]model.StoryResult)
	}
	return &st, nil
}

// loadValidated reads and decodes a schema-stamped YAML file. On a corrupt
// file it runs quarantine recovery and retries the read once. Caller holds
// the relevant lock.
func (s *Store) loadValidated(path, fileType string, out any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yamlutil.ValidateSchemaHeaderFromBytes(content, fileType); err != nil {
		if rerr := yamlutil.RecoverCorruptedFile(s.dir, path, fileType); rerr != nil {
			return fmt.Errorf("corrupt file (%v), recovery failed: %w", err, rerr)
		}
		content, err = os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reread after recovery: %w", err)
		}
		if err := yamlutil.ValidateSchemaHeaderFromBytes(content, fileType); err != nil {
			return fmt.Errorf("recovered file still invalid: %w", err)
		}
	}

	return yamlv3.Unmarshal(content, out)
}

// ListRuns returns the IDs of all persisted runs, sorted so newer IDs come
// last (the ID embeds a creation timestamp).
func (s *Store) ListRuns() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "runs"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".bak") {
			continue
		}
		id := strings.TrimSuffix(name, ".yaml")
		if model.ValidateID(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// LatestRun returns the most recently created run ID, or "" when none exist.
func (s *Store) LatestRun() (string, error) {
	ids, err := s.ListRuns()
	if err != nil || len(ids) == 0 {
		return "", err
	}
	return ids[len(ids)-1], nil
}

// RequestCancel drops the cancel marker for a run.
func (s *Store) RequestCancel(runID string) error {
	path := s.CancelPath(runID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("ensure state dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(nowStamp()+"\n"), 0644); err != nil {
		return fmt.Errorf("write cancel marker: %w", err)
	}
	return nil
}

// CancelRequested reports whether the cancel marker exists.
func (s *Store) CancelRequested(runID string) bool {
	_, err := os.Stat(s.CancelPath(runID))
	return err == nil
}

// ClearCancel removes the cancel marker, if any.
func (s *Store) ClearCancel(runID string) {
	_ = os.Remove(s.CancelPath(runID))
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
