// Package runner executes a planned run: it sequences epics and stories,
// drives each story through the executor, records results as it goes, and
// keeps going past individual story failures.
package runner

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/foreman/internal/backlog"
	"github.com/msageha/foreman/internal/executor"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/store"
)

// Runner drives the execution phase of a run.
type Runner struct {
	store    *store.Store
	exec     *executor.Executor
	parallel int
	logger   *log.Logger
	logFile  io.Closer

	mu sync.Mutex // guards state mutation and saves during fan-out
}

// New creates a Runner that logs to .foreman/logs/runner.log. parallel <= 1
// selects strict sequential execution in the sequenced order.
func New(st *store.Store, exec *executor.Executor, parallel int) (*Runner, error) {
	logPath := filepath.Join(st.Dir(), "logs", "runner.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("ensure logs dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", logPath, err)
	}
	return newRunner(st, exec, parallel, logFile, logFile), nil
}

func newRunner(st *store.Store, exec *executor.Executor, parallel int, out io.Writer, closer io.Closer) *Runner {
	if parallel < 1 {
		parallel = 1
	}
	return &Runner{
		store:    st,
		exec:     exec,
		parallel: parallel,
		logger:   log.New(out, "", 0),
		logFile:  closer,
	}
}

// Close releases the log file handle.
func (r *Runner) Close() error {
	if r.logFile != nil {
		return r.logFile.Close()
	}
	return nil
}

// Execute runs every pending story of the run in dependency order. Stories
// already in a terminal state are skipped, so a cancelled or crashed run can
// be resumed. The returned state is the final persisted one.
func (r *Runner) Execute(ctx context.Context, runID string) (*model.RunState, error) {
	run, err := r.store.LoadRun(runID)
	if err != nil {
		return nil, err
	}
	state, err := r.store.LoadState(runID)
	if err != nil {
		return nil, err
	}

	// Sequencing never fails; a defective graph degrades to declaration
	// order for its cyclic remainder.
	state.EpicOrder = backlog.Sequence(run.EpicRefs())
	state.StoryOrder = make(map[string][]string, len(run.Epics))
	for _, epic := range run.Epics {
		state.StoryOrder[epic.ID] = backlog.Sequence(run.StoryRefs(epic.ID))
	}
	state.Status = model.RunExecuting
	if err := r.store.SaveState(state); err != nil {
		return nil, err
	}

	// A cancel marker or parent cancellation stops dispatch of new stories;
	// the in-flight story finishes its own shutdown.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	cancelCh, err := r.store.WatchCancel(runCtx, runID)
	if err != nil {
		return nil, err
	}
	go func() {
		select {
		case <-cancelCh:
			r.logf("cancel_requested run_id=%s", runID)
			cancel()
		case <-runCtx.Done():
		}
	}()

	storyByID := make(map[string]model.Story, len(run.Stories))
	for _, s := range run.Stories {
		storyByID[s.ID] = s
	}

	for _, epicID := range state.EpicOrder {
		if runCtx.Err() != nil {
			break
		}
		r.logf("epic_start run_id=%s epic_id=%s", runID, epicID)
		r.executeEpic(runCtx, run, state, storyByID, state.StoryOrder[epicID])
	}

	if runCtx.Err() != nil {
		state.Status = model.RunCancelled
	} else {
		state.Status = model.RunDone
	}
	r.store.ClearCancel(runID)

	if err := r.store.SaveState(state); err != nil {
		return nil, err
	}
	r.logf("run_end run_id=%s status=%s", runID, state.Status)
	return state, nil
}

// executeEpic runs one epic's stories in their sequenced order. With
// parallel > 1 the stories are dispatched in dependency waves through an
// errgroup; the order within a wave is still the sequenced order.
func (r *Runner) executeEpic(ctx context.Context, run *model.Run, state *model.RunState, storyByID map[string]model.Story, order []string) {
	if r.parallel <= 1 {
		for _, storyID := range order {
			if ctx.Err() != nil {
				return
			}
			r.executeStory(ctx, run, state, storyByID[storyID])
		}
		return
	}

	done := func(id string) bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return state.StoryStates[id].IsTerminal()
	}

	remaining := append([]string(nil), order...)
	for len(remaining) > 0 && ctx.Err() == nil {
		var wave, next []string
		for _, storyID := range remaining {
			if depsSatisfied(storyByID[storyID], storyByID, done) {
				wave = append(wave, storyID)
			} else {
				next = append(next, storyID)
			}
		}
		if len(wave) == 0 {
			// Unsatisfiable deps (cyclic remainder): fall back to running
			// the rest in sequenced order.
			wave, next = remaining, nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.parallel)
		for _, storyID := range wave {
			storyID := storyID
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				r.executeStory(gctx, run, state, storyByID[storyID])
				return nil
			})
		}
		_ = g.Wait()
		remaining = next
	}
}

// depsSatisfied reports whether every in-group dependency of the story has
// reached a terminal state. Failed dependencies still satisfy the gate; the
// run continues past failures by design of the backlog format.
func depsSatisfied(story model.Story, storyByID map[string]model.Story, done func(string) bool) bool {
	titleToID := func(ref string) string {
		if _, ok := storyByID[ref]; ok {
			return ref
		}
		for id, s := range storyByID {
			if s.Title == ref && s.EpicID == story.EpicID {
				return id
			}
		}
		return ""
	}

	for _, dep := range story.DependsOn {
		id := titleToID(dep)
		if id == "" || id == story.ID {
			continue // out-of-group or self edge, sequencing already dropped it
		}
		if !done(id) {
			return false
		}
	}
	return true
}

// executeStory runs one story unless it is already terminal, then persists
// the updated state.
func (r *Runner) executeStory(ctx context.Context, run *model.Run, state *model.RunState, story model.Story) {
	r.mu.Lock()
	if state.StoryStates[story.ID].IsTerminal() {
		r.mu.Unlock()
		r.logf("story_skip run_id=%s story_id=%s status=%s", run.RunID, story.ID, state.StoryStates[story.ID])
		return
	}
	state.StoryStates[story.ID] = model.StoryStreaming
	r.mu.Unlock()

	result := r.exec.ExecuteStory(ctx, run, story)

	r.mu.Lock()
	state.StoryStates[story.ID] = result.Status
	state.StoryResults[story.ID] = result
	if err := r.store.SaveState(state); err != nil {
		r.logf("state_save_failed run_id=%s story_id=%s error=%v", run.RunID, story.ID, err)
	}
	r.mu.Unlock()
}

func (r *Runner) logf(format string, args ...any) {
	r.logger.Printf("%s INFO runner: %s", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
}
