// Package planner turns a requirement into a validated run backlog through a
// fixed sequence of worker role calls: vision, then solution, then backlog
// generation. Each role call is grounded with retrieved exemplars when a
// vector store is configured.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/foreman/internal/backlog"
	"github.com/msageha/foreman/internal/events"
	"github.com/msageha/foreman/internal/exemplar"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/store"
	"github.com/msageha/foreman/internal/worker"
)

// Planner owns the planning pipeline for one working directory.
type Planner struct {
	worker    worker.Worker
	exemplars exemplar.Store
	store     *store.Store
	sink      events.Sink
	topK      int
	logger    *log.Logger
	logFile   io.Closer
}

// New creates a Planner that logs to .foreman/logs/planner.log.
func New(st *store.Store, w worker.Worker, ex exemplar.Store, sink events.Sink, topK int) (*Planner, error) {
	logPath := filepath.Join(st.Dir(), "logs", "planner.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("ensure logs dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", logPath, err)
	}
	return newPlanner(st, w, ex, sink, topK, logFile, logFile), nil
}

func newPlanner(st *store.Store, w worker.Worker, ex exemplar.Store, sink events.Sink, topK int, out io.Writer, closer io.Closer) *Planner {
	if ex == nil {
		ex = exemplar.Disabled{}
	}
	if sink == nil {
		sink = events.Discard
	}
	return &Planner{
		worker:    w,
		exemplars: ex,
		store:     st,
		sink:      sink,
		topK:      topK,
		logger:    log.New(out, "", 0),
		logFile:   closer,
	}
}

// Close releases the log file handle.
func (p *Planner) Close() error {
	if p.logFile != nil {
		return p.logFile.Close()
	}
	return nil
}

// Plan runs the full pipeline and persists the resulting run plus its
// initial execution state. A backlog that fails construction validation is
// not persisted; the validation errors come back as the error.
func (p *Planner) Plan(ctx context.Context, requirement string) (*model.Run, error) {
	runID, err := model.GenerateID(model.IDTypeRun)
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}

	session, err := p.worker.Open(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("open planning session: %w", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			p.logf("session_close_failed run_id=%s error=%v", runID, cerr)
		}
	}()

	run := &model.Run{RunID: runID, Requirement: requirement}
	p.logf("plan_start run_id=%s", runID)
	p.emitPhase(runID, "vision")

	run.Vision, err = p.roleCall(ctx, session, exemplar.TypeVision, requirement, visionPrompt(requirement))
	if err != nil {
		return nil, fmt.Errorf("vision role call: %w", err)
	}

	p.emitPhase(runID, "solution")
	run.Solution, err = p.roleCall(ctx, session, exemplar.TypeSolution, requirement, solutionPrompt(requirement, run.Vision))
	if err != nil {
		return nil, fmt.Errorf("solution role call: %w", err)
	}

	p.emitPhase(runID, "backlog")
	raw, err := p.roleCall(ctx, session, exemplar.TypeBacklog, requirement, backlogPrompt(requirement, run.Vision, run.Solution))
	if err != nil {
		return nil, fmt.Errorf("backlog role call: %w", err)
	}

	if err := p.decodeBacklog(run, raw); err != nil {
		return nil, fmt.Errorf("decode backlog: %w", err)
	}
	run.Title = deriveTitle(run)

	if verrs := ValidateRun(run); verrs != nil {
		p.logf("plan_invalid run_id=%s errors=%d", runID, len(verrs.Errors))
		return nil, verrs
	}

	if err := p.store.SaveRun(run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}
	if err := p.store.SaveState(initialState(run)); err != nil {
		return nil, fmt.Errorf("persist state: %w", err)
	}

	p.logf("plan_done run_id=%s epics=%d stories=%d", runID, len(run.Epics), len(run.Stories))
	return run, nil
}

// roleCall retrieves exemplars for one artifact type, folds them into the
// prompt, and makes a single worker call.
func (p *Planner) roleCall(ctx context.Context, session worker.Session, artifactType, query, prompt string) (string, error) {
	exemplars, err := p.exemplars.Search(ctx, artifactType, query, p.topK)
	if err != nil {
		// Retrieval is best effort; planning proceeds without prior art.
		p.logf("exemplar_search_failed type=%s error=%v", artifactType, err)
		exemplars = nil
	}
	if len(exemplars) > 0 {
		p.logf("exemplars_injected type=%s count=%d", artifactType, len(exemplars))
	}

	out, err := session.Final(ctx, withExemplars(prompt, exemplars))
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("empty %s response", artifactType)
	}
	return out, nil
}

// ValidateRun checks the epic sibling group and every per-epic story sibling
// group, pooling all errors. Returns nil when the run is valid.
func ValidateRun(run *model.Run) *backlog.ValidationErrors {
	all := &backlog.ValidationErrors{}

	if verrs := backlog.ValidateGroup(run.EpicRefs()); verrs != nil {
		all.Errors = append(all.Errors, verrs.Errors...)
	}
	for _, epic := range run.Epics {
		if verrs := backlog.ValidateGroup(run.StoryRefs(epic.ID)); verrs != nil {
			all.Errors = append(all.Errors, verrs.Errors...)
		}
	}

	if !all.HasErrors() {
		return nil
	}
	return all
}

// initialState builds the planned-but-not-executed state for a fresh run.
func initialState(run *model.Run) *model.RunState {
	st := &model.RunState{
		RunID:        run.RunID,
		Status:       model.RunPlanned,
		StoryStates:  make(map[string]model.StoryStatus, len(run.Stories)),
		StoryResults: make(map[string]model.StoryResult),
	}
	for _, s := range run.Stories {
		st.StoryStates[s.ID] = model.StoryPending
	}
	return st
}

func (p *Planner) emitPhase(runID, phase string) {
	rec := events.New(events.KindState)
	rec.RunID = runID
	rec.Payload = map[string]any{"phase": phase}
	p.sink.Emit(rec)
}

func (p *Planner) logf(format string, args ...any) {
	p.logger.Printf("%s INFO planner: %s", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
}

// deriveTitle uses the first epic's title as the run title when the backlog
// did not carry one.
func deriveTitle(run *model.Run) string {
	if run.Title != "" {
		return run.Title
	}
	if len(run.Epics) > 0 {
		return run.Epics[0].Title
	}
	return run.Requirement
}

// --- backlog decoding ---

// backlogPayload is the wire shape the worker is asked to produce. Sibling
// dependencies reference titles; IDs are assigned on this side.
type backlogPayload struct {
	Title string `json:"title"`
	Epics []struct {
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Rank        int      `json:"rank"`
		DependsOn   []string `json:"depends_on"`
	} `json:"epics"`
	Stories []struct {
		Epic        string   `json:"epic"`
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Rank        int      `json:"rank"`
		DependsOn   []string `json:"depends_on"`
		Acceptance  []string `json:"acceptance"`
		Tests       []string `json:"tests"`
		Tasks       []string `json:"tasks"`
	} `json:"stories"`
}

// decodeBacklog parses the worker's backlog JSON and materializes epics,
// stories, and tasks with fresh IDs. Stories naming an unknown epic fail the
// decode; rank and dependency mistakes are left for validation so the caller
// sees them all at once.
func (p *Planner) decodeBacklog(run *model.Run, raw string) error {
	var payload backlogPayload
	if err := json.Unmarshal([]byte(stripFences(raw)), &payload); err != nil {
		return fmt.Errorf("parse backlog JSON: %w", err)
	}
	if len(payload.Epics) == 0 {
		return fmt.Errorf("backlog has no epics")
	}

	run.Title = payload.Title

	epicIDByTitle := make(map[string]string, len(payload.Epics))
	for _, pe := range payload.Epics {
		id, err := model.GenerateID(model.IDTypeEpic)
		if err != nil {
			return err
		}
		epicIDByTitle[pe.Title] = id
		run.Epics = append(run.Epics, model.Epic{
			ID:          id,
			Title:       pe.Title,
			Description: pe.Description,
			Rank:        pe.Rank,
			DependsOn:   emptyIfNil(pe.DependsOn),
		})
	}

	for _, ps := range payload.Stories {
		epicID, ok := epicIDByTitle[ps.Epic]
		if !ok {
			return fmt.Errorf("story %q references unknown epic %q", ps.Title, ps.Epic)
		}
		storyID, err := model.GenerateID(model.IDTypeStory)
		if err != nil {
			return err
		}
		story := model.Story{
			ID:          storyID,
			EpicID:      epicID,
			Title:       ps.Title,
			Description: ps.Description,
			Rank:        ps.Rank,
			DependsOn:   emptyIfNil(ps.DependsOn),
			Acceptance:  ps.Acceptance,
			Tests:       ps.Tests,
		}
		for i, title := range ps.Tasks {
			taskID, err := model.GenerateID(model.IDTypeTask)
			if err != nil {
				return err
			}
			story.Tasks = append(story.Tasks, model.Task{
				ID:      taskID,
				StoryID: storyID,
				Title:   title,
				Rank:    i + 1,
			})
		}
		run.Stories = append(run.Stories, story)
	}

	return nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
