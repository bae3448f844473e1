package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/foreman/internal/events"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/worker"
)

// script is one attempt's worth of fake worker behavior.
type script struct {
	records []events.Record
	err     error
	panics  bool
}

type fakeSession struct {
	mu      sync.Mutex
	scripts []script
	streams int
	finals  int
	closes  int

	finalText string
	finalErr  error
	finalErrs []error
}

func (s *fakeSession) Stream(ctx context.Context, _ string, _ int) (*worker.Stream, error) {
	s.mu.Lock()
	idx := s.streams
	s.streams++
	s.mu.Unlock()

	var sc script
	if idx < len(s.scripts) {
		sc = s.scripts[idx]
	}
	if sc.panics {
		panic("scripted panic")
	}

	ch := make(chan events.Record)
	st, fail := worker.NewStream(ch)
	go func() {
		defer close(ch)
		for _, rec := range sc.records {
			select {
			case ch <- rec:
			case <-ctx.Done():
				return
			}
		}
		if sc.err != nil {
			fail(sc.err)
		}
	}()
	return st, nil
}

func (s *fakeSession) Final(context.Context, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.finals
	s.finals++
	if idx < len(s.finalErrs) && s.finalErrs[idx] != nil {
		return "", s.finalErrs[idx]
	}
	return s.finalText, s.finalErr
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

type fakeWorker struct {
	session *fakeSession
	openErr error
}

func (w *fakeWorker) Open(context.Context, string) (worker.Session, error) {
	if w.openErr != nil {
		return nil, w.openErr
	}
	return w.session, nil
}

// collector is a Sink capturing every emitted record.
type collector struct {
	mu   sync.Mutex
	recs []events.Record
}

func (c *collector) Emit(rec events.Record) {
	c.mu.Lock()
	c.recs = append(c.recs, rec)
	c.mu.Unlock()
}

func (c *collector) byKind(kind events.Kind) []events.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Record
	for _, r := range c.recs {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func testConfig() model.ExecutorConfig {
	return model.ExecutorConfig{
		MaxSteps:           40,
		LoopGuardEnabled:   true,
		LoopGuardWindow:    4,
		LoopGuardThreshold: 4,
		RetryAttempts:      3,
		RetryBaseSec:       0.001,
		MaxEventBytes:      16 * 1024,
	}
}

func testRun() (*model.Run, model.Story) {
	story := model.Story{
		ID:         "story_0000000001_bbbbbbbb",
		EpicID:     "epic_0000000001_aaaaaaaa",
		Title:      "LRU eviction",
		Rank:       1,
		Acceptance: []string{"evicts least recently used entry at capacity"},
	}
	run := &model.Run{
		RunID:    "run_0000000001_cccccccc",
		Title:    "build a cache",
		Vision:   "a fast read-through cache",
		Solution: "in-memory LRU in front of the database",
		Stories:  []model.Story{story},
	}
	return run, story
}

func newTestExecutor(w worker.Worker, sink events.Sink, cfg model.ExecutorConfig) *Executor {
	return newExecutor(w, sink, cfg, "error", io.Discard, nil)
}

func textRec(text string) events.Record {
	rec := events.New(events.KindText)
	rec.Text = text
	return rec
}

func toolRec(tool string, payload map[string]any) events.Record {
	rec := events.New(events.KindToolCall)
	rec.Tool = tool
	rec.Payload = payload
	return rec
}

func transientErr() error {
	return &worker.Error{Op: "chat completion", Transient: true, Err: errors.New("rate limited")}
}

func TestExecuteStory_Completed(t *testing.T) {
	session := &fakeSession{
		scripts: []script{{records: []events.Record{
			toolRec("write_file", map[string]any{"path": "lru.go"}),
			textRec("implemented eviction"),
		}}},
		finalText: "LRU eviction implemented and tested",
	}
	sink := &collector{}
	e := newTestExecutor(&fakeWorker{session: session}, sink, testConfig())
	run, story := testRun()

	result := e.ExecuteStory(context.Background(), run, story)

	assert.Equal(t, model.StoryCompleted, result.Status)
	assert.Equal(t, "LRU eviction implemented and tested", result.Summary)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 2, result.EventCount)
	assert.Empty(t, result.Error)
	assert.Equal(t, 1, session.finals)
	assert.Equal(t, 1, session.closes)

	results := sink.byKind(events.KindResult)
	require.Len(t, results, 1)
	assert.Equal(t, "completed", results[0].Payload["status"])
}

func TestExecuteStory_LoopGuardAborts(t *testing.T) {
	// The worker repeats one identical tool call well past the window.
	var recs []events.Record
	for i := 0; i < 10; i++ {
		recs = append(recs, toolRec("read_file", map[string]any{"path": "same.go"}))
	}
	session := &fakeSession{scripts: []script{{records: recs}}}
	sink := &collector{}
	e := newTestExecutor(&fakeWorker{session: session}, sink, testConfig())
	run, story := testRun()

	result := e.ExecuteStory(context.Background(), run, story)

	assert.Equal(t, model.StoryAbortedLoop, result.Status)
	assert.Equal(t, 0, session.finals, "loop abort must not ask for a final result")
	assert.Equal(t, 1, session.closes)
	assert.Equal(t, 1, result.Attempts, "loop abort is not retried")
	assert.Contains(t, result.Error, "loop detected")
	assert.Contains(t, result.Error, "read_file", "the abort reason names the repeated tool")
	assert.Contains(t, result.Error, "repeated 4 times")
}

func TestExecuteStory_DistinctToolCallsDoNotTrip(t *testing.T) {
	var recs []events.Record
	for i := 0; i < 10; i++ {
		recs = append(recs, toolRec("read_file", map[string]any{"path": fmt.Sprintf("f%d.go", i)}))
	}
	recs = append(recs, textRec("done"))
	session := &fakeSession{scripts: []script{{records: recs}}, finalText: "done"}
	e := newTestExecutor(&fakeWorker{session: session}, &collector{}, testConfig())
	run, story := testRun()

	result := e.ExecuteStory(context.Background(), run, story)
	assert.Equal(t, model.StoryCompleted, result.Status)
}

func TestExecuteStory_TransientFailuresThenSuccess(t *testing.T) {
	session := &fakeSession{
		scripts: []script{
			{err: transientErr()},
			{err: transientErr()},
			{records: []events.Record{textRec("third time lucky")}},
		},
		finalText: "done on the final attempt",
	}
	sink := &collector{}
	e := newTestExecutor(&fakeWorker{session: session}, sink, testConfig())
	run, story := testRun()

	result := e.ExecuteStory(context.Background(), run, story)

	assert.Equal(t, model.StoryCompleted, result.Status)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 1, session.closes)

	warnings := sink.byKind(events.KindWarning)
	assert.Len(t, warnings, 2, "each retry surfaces a warning record")
}

func TestExecuteStory_AllAttemptsExhausted(t *testing.T) {
	session := &fakeSession{
		scripts: []script{
			{err: transientErr()},
			{err: transientErr()},
			{err: transientErr()},
		},
	}
	e := newTestExecutor(&fakeWorker{session: session}, &collector{}, testConfig())
	run, story := testRun()

	result := e.ExecuteStory(context.Background(), run, story)

	assert.Equal(t, model.StoryAbortedError, result.Status)
	assert.Equal(t, 3, result.Attempts)
	assert.Contains(t, result.Error, "rate limited")
	assert.Equal(t, 1, session.closes)
}

func TestExecuteStory_FatalErrorIsNotRetried(t *testing.T) {
	fatal := &worker.Error{Op: "chat completion", Transient: false, Err: errors.New("invalid request")}
	session := &fakeSession{scripts: []script{{err: fatal}}}
	e := newTestExecutor(&fakeWorker{session: session}, &collector{}, testConfig())
	run, story := testRun()

	result := e.ExecuteStory(context.Background(), run, story)

	assert.Equal(t, model.StoryAbortedError, result.Status)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, session.streams, "no second attempt after a fatal error")
	assert.Contains(t, result.Error, "invalid request")
}

func TestExecuteStory_StepCeilingAborts(t *testing.T) {
	ceiling := &worker.Error{Op: "stream", Err: worker.ErrStepCeiling}
	session := &fakeSession{scripts: []script{{
		records: []events.Record{textRec("still going")},
		err:     ceiling,
	}}}
	e := newTestExecutor(&fakeWorker{session: session}, &collector{}, testConfig())
	run, story := testRun()

	result := e.ExecuteStory(context.Background(), run, story)

	assert.Equal(t, model.StoryAbortedError, result.Status)
	assert.Contains(t, result.Error, "step ceiling")
	assert.Equal(t, 1, session.streams)
}

func TestExecuteStory_SessionClosedOnPanic(t *testing.T) {
	session := &fakeSession{scripts: []script{{panics: true}}}
	e := newTestExecutor(&fakeWorker{session: session}, &collector{}, testConfig())
	run, story := testRun()

	result := e.ExecuteStory(context.Background(), run, story)

	assert.Equal(t, model.StoryAbortedError, result.Status)
	assert.Contains(t, result.Error, "panic")
	assert.Equal(t, 1, session.closes, "cleanup runs exactly once even on panic")
}

func TestExecuteStory_OpenFailure(t *testing.T) {
	e := newTestExecutor(&fakeWorker{openErr: errors.New("no credentials")}, &collector{}, testConfig())
	run, story := testRun()

	result := e.ExecuteStory(context.Background(), run, story)

	assert.Equal(t, model.StoryAbortedError, result.Status)
	assert.Contains(t, result.Error, "no credentials")
}

func TestExecuteStory_FinalizeFallsBackToLastText(t *testing.T) {
	session := &fakeSession{
		scripts:  []script{{records: []events.Record{textRec("wrote the cache")}}},
		finalErr: errors.New("final call failed"),
	}
	e := newTestExecutor(&fakeWorker{session: session}, &collector{}, testConfig())
	run, story := testRun()

	result := e.ExecuteStory(context.Background(), run, story)

	assert.Equal(t, model.StoryCompleted, result.Status)
	assert.Equal(t, "wrote the cache", result.Summary)
}

func TestExecuteStory_FinalizeRetriesTransient(t *testing.T) {
	session := &fakeSession{
		scripts:   []script{{records: []events.Record{textRec("intermediate text")}}},
		finalErrs: []error{transientErr()},
		finalText: "clean summary",
	}
	sink := &collector{}
	e := newTestExecutor(&fakeWorker{session: session}, sink, testConfig())
	run, story := testRun()

	result := e.ExecuteStory(context.Background(), run, story)

	assert.Equal(t, model.StoryCompleted, result.Status)
	assert.Equal(t, "clean summary", result.Summary, "a transient final failure is retried, not swallowed")
	assert.Equal(t, 2, session.finals)

	warnings := sink.byKind(events.KindWarning)
	assert.Len(t, warnings, 1, "each final retry surfaces a warning record")
}

func TestExecuteStory_FinalizeExhaustedUsesLastText(t *testing.T) {
	session := &fakeSession{
		scripts:   []script{{records: []events.Record{textRec("wrote the cache")}}},
		finalErrs: []error{transientErr(), transientErr(), transientErr()},
		finalText: "never reached",
	}
	e := newTestExecutor(&fakeWorker{session: session}, &collector{}, testConfig())
	run, story := testRun()

	result := e.ExecuteStory(context.Background(), run, story)

	assert.Equal(t, model.StoryCompleted, result.Status)
	assert.Equal(t, "wrote the cache", result.Summary)
	assert.Equal(t, 3, session.finals, "transient final failures use every attempt")
}

func TestExecuteStory_StateRecordsFollowMachine(t *testing.T) {
	session := &fakeSession{
		scripts:   []script{{records: []events.Record{textRec("ok")}}},
		finalText: "ok",
	}
	sink := &collector{}
	e := newTestExecutor(&fakeWorker{session: session}, sink, testConfig())
	run, story := testRun()

	e.ExecuteStory(context.Background(), run, story)

	states := sink.byKind(events.KindState)
	require.Len(t, states, 2)
	assert.Equal(t, "pending", states[0].Payload["from"])
	assert.Equal(t, "streaming", states[0].Payload["to"])
	assert.Equal(t, "streaming", states[1].Payload["from"])
	assert.Equal(t, "completed", states[1].Payload["to"])
}

func TestBuildTask_CarriesPlanContext(t *testing.T) {
	run, story := testRun()
	story.Tasks = []model.Task{{Title: "define the interface"}, {Title: "implement eviction"}}

	task := buildTask(run, story)

	assert.Contains(t, task, "build a cache")
	assert.Contains(t, task, "a fast read-through cache")
	assert.Contains(t, task, "LRU eviction")
	assert.Contains(t, task, "evicts least recently used entry")
	assert.Contains(t, task, "1. define the interface")
	assert.Contains(t, task, "respect the declared dependencies")
}

func TestLoopGuard_Observe(t *testing.T) {
	g := &loopGuard{enabled: true, window: 4, threshold: 4}

	for i := 0; i < 3; i++ {
		count, tripped := g.observe("sig_a")
		assert.Equal(t, i+1, count)
		assert.False(t, tripped)
	}
	count, tripped := g.observe("sig_a")
	assert.Equal(t, 4, count)
	assert.True(t, tripped, "fourth identical call within window trips")
}

func TestLoopGuard_WindowEvicts(t *testing.T) {
	g := &loopGuard{enabled: true, window: 3, threshold: 3}

	observe := func(sig string) bool {
		_, tripped := g.observe(sig)
		return tripped
	}
	assert.False(t, observe("a"))
	assert.False(t, observe("a"))
	assert.False(t, observe("b")) // window now a,a,b
	count, tripped := g.observe("a") // a,b,a: only two a's in window
	assert.Equal(t, 2, count)
	assert.False(t, tripped)
}

func TestLoopGuard_Disabled(t *testing.T) {
	g := &loopGuard{enabled: false, window: 2, threshold: 2}
	for i := 0; i < 10; i++ {
		_, tripped := g.observe("same")
		assert.False(t, tripped)
	}
}
