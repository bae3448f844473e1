// Package executor runs one story at a time against the external worker,
// bounding each invocation with a step ceiling, a repeated-action loop guard,
// and transient-failure retry with exponential backoff.
package executor

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/msageha/foreman/internal/events"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/worker"
)

// LogLevel controls logging verbosity.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Executor drives story invocations. One Executor serves a whole run; it is
// safe for concurrent ExecuteStory calls because all mutable state lives in
// the per-invocation frame.
type Executor struct {
	worker   worker.Worker
	sink     events.Sink
	config   model.ExecutorConfig
	logger   *log.Logger
	logFile  io.Closer
	logLevel LogLevel
}

// New creates an Executor that logs to .foreman/logs/executor.log.
func New(foremanDir string, w worker.Worker, sink events.Sink, cfg model.ExecutorConfig, logLevel string) (*Executor, error) {
	logPath := filepath.Join(foremanDir, "logs", "executor.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("ensure logs dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", logPath, err)
	}
	return newExecutor(w, sink, cfg, logLevel, logFile, logFile), nil
}

// newExecutor is the internal constructor that accepts an io.Writer for testing.
func newExecutor(w worker.Worker, sink events.Sink, cfg model.ExecutorConfig, logLevel string, out io.Writer, closer io.Closer) *Executor {
	if sink == nil {
		sink = events.Discard
	}
	return &Executor{
		worker:   w,
		sink:     sink,
		config:   cfg,
		logger:   log.New(out, "", 0),
		logFile:  closer,
		logLevel: parseLogLevel(logLevel),
	}
}

// Close releases the log file handle.
func (e *Executor) Close() error {
	if e.logFile != nil {
		return e.logFile.Close()
	}
	return nil
}

// invocation is the per-story mutable frame.
type invocation struct {
	run        *model.Run
	story      model.Story
	status     model.StoryStatus
	lastText   string
	eventCount int
	attempts   int
}

// streamOutcome classifies how one streaming attempt ended.
type streamOutcome int

const (
	streamCompleted streamOutcome = iota
	streamLoopTripped
	streamFailed
)

// ExecuteStory runs one story to a terminal status. It opens a worker
// session, streams the work with the loop guard engaged, retries transient
// failures with exponential backoff, and always closes the session exactly
// once, even when the stream panics.
func (e *Executor) ExecuteStory(ctx context.Context, run *model.Run, story model.Story) model.StoryResult {
	inv := &invocation{run: run, story: story, status: model.StoryPending}
	result := model.StoryResult{
		StoryID:   story.ID,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
	}

	e.log(LogLevelInfo, "story_start run_id=%s story_id=%s title=%q", run.RunID, story.ID, story.Title)

	status, summary, err := e.execute(ctx, inv)

	result.Status = status
	result.Summary = summary
	result.EventCount = inv.eventCount
	result.Attempts = inv.attempts
	result.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	if err != nil {
		result.Error = err.Error()
	}

	e.emitResult(inv, result)
	e.log(LogLevelInfo, "story_end run_id=%s story_id=%s status=%s attempts=%d events=%d",
		run.RunID, story.ID, status, inv.attempts, inv.eventCount)
	return result
}

// execute opens the session and runs the attempt loop. The session close is
// deferred here so it happens exactly once per invocation, for every exit
// path including panics.
func (e *Executor) execute(ctx context.Context, inv *invocation) (status model.StoryStatus, summary string, err error) {
	session, openErr := e.worker.Open(ctx, inv.run.RunID)
	if openErr != nil {
		return model.StoryAbortedError, "", fmt.Errorf("open session: %w", openErr)
	}

	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			e.log(LogLevelWarn, "session_close_failed story_id=%s error=%v", inv.story.ID, closeErr)
		}
		if r := recover(); r != nil {
			e.log(LogLevelError, "story_panic story_id=%s panic=%v", inv.story.ID, r)
			status = model.StoryAbortedError
			summary = ""
			err = fmt.Errorf("invocation panic: %v", r)
		}
	}()

	e.transition(inv, model.StoryStreaming)
	task := buildTask(inv.run, inv.story)

	attempts := e.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := e.backoff(ctx, inv, attempt, lastErr); err != nil {
				e.transition(inv, model.StoryAbortedError)
				return model.StoryAbortedError, "", fmt.Errorf("cancelled during backoff: %w", lastErr)
			}
			e.transition(inv, model.StoryStreaming)
		}
		inv.attempts = attempt + 1

		outcome, streamErr := e.streamOnce(ctx, session, inv, task)
		switch outcome {
		case streamLoopTripped:
			// Loop abort is terminal and never asks the worker for a final
			// result; the summary comes from the last text seen, if any.
			e.transition(inv, model.StoryAbortedLoop)
			return model.StoryAbortedLoop, inv.lastText, streamErr

		case streamCompleted:
			summary := e.finalize(ctx, session, inv)
			e.transition(inv, model.StoryCompleted)
			return model.StoryCompleted, summary, nil

		case streamFailed:
			lastErr = streamErr
			if !worker.Transient(streamErr) {
				e.transition(inv, model.StoryAbortedError)
				return model.StoryAbortedError, "", streamErr
			}
			e.log(LogLevelWarn, "attempt_failed story_id=%s attempt=%d/%d transient error=%v",
				inv.story.ID, attempt+1, attempts, streamErr)
		}
	}

	e.transition(inv, model.StoryAbortedError)
	return model.StoryAbortedError, "", fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}

// streamOnce runs a single streaming attempt, forwarding sanitized records
// to the sink and feeding tool calls through the loop guard. On a trip the
// attempt context is cancelled so the producer stops promptly.
func (e *Executor) streamOnce(ctx context.Context, session worker.Session, inv *invocation, task string) (streamOutcome, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, err := session.Stream(attemptCtx, task, e.config.MaxSteps)
	if err != nil {
		return streamFailed, err
	}

	guard := newLoopGuard(e.config)
	var loopErr error

	for rec := range st.C {
		rec.RunID = inv.run.RunID
		rec.StoryID = inv.story.ID
		inv.eventCount++

		if rec.Kind == events.KindText {
			inv.lastText = rec.Text
		}
		e.sink.Emit(rec.Sanitize(e.config.MaxEventBytes))

		if rec.IsToolCall() {
			if count, tripped := guard.observe(rec.Signature()); tripped {
				e.log(LogLevelWarn, "loop_guard_tripped story_id=%s tool=%s count=%d step=%d",
					inv.story.ID, rec.Tool, count, rec.Step)
				loopErr = fmt.Errorf("loop detected: tool call %s repeated %d times with identical arguments", rec.Tool, count)
				cancel()
				// Drain so the producer goroutine can exit.
				for range st.C {
				}
				break
			}
		}
	}

	if loopErr != nil {
		return streamLoopTripped, loopErr
	}
	if err := st.Err(); err != nil {
		return streamFailed, err
	}
	return streamCompleted, nil
}

// backoff waits base * 2^(attempt-1) before the next attempt and surfaces
// the wait as a warning record. Returns an error only when ctx ends first.
func (e *Executor) backoff(ctx context.Context, inv *invocation, attempt int, cause error) error {
	delay := time.Duration(e.config.RetryBaseSec * math.Pow(2, float64(attempt-1)) * float64(time.Second))

	rec := events.New(events.KindWarning)
	rec.RunID = inv.run.RunID
	rec.StoryID = inv.story.ID
	rec.Text = fmt.Sprintf("retrying after transient failure (attempt %d, backoff %s)", attempt+1, delay)
	if cause != nil {
		rec.Payload = map[string]any{"error": cause.Error()}
	}
	e.sink.Emit(rec.Sanitize(e.config.MaxEventBytes))

	e.log(LogLevelInfo, "retry_backoff story_id=%s attempt=%d delay=%s", inv.story.ID, attempt+1, delay)
	return sleepCtx(ctx, delay)
}

// finalize asks the worker for the final summary, retrying transient
// failures with the same backoff as the streaming phase. Only once the
// attempts are exhausted (or the failure is fatal) does the last
// intermediate text message stand in, so a completed stream never degrades
// to a failure at the finish line.
func (e *Executor) finalize(ctx context.Context, session worker.Session, inv *invocation) string {
	attempts := e.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := e.backoff(ctx, inv, attempt, lastErr); err != nil {
				break
			}
		}

		summary, err := session.Final(ctx, finalPrompt)
		if err == nil {
			if summary == "" {
				return inv.lastText
			}
			return summary
		}

		lastErr = err
		if !worker.Transient(err) {
			break
		}
		e.log(LogLevelWarn, "finalize_failed story_id=%s attempt=%d/%d transient error=%v",
			inv.story.ID, attempt+1, attempts, err)
	}

	e.log(LogLevelWarn, "finalize_exhausted story_id=%s error=%v (using last text)", inv.story.ID, lastErr)
	return inv.lastText
}

// transition moves the invocation through the story state machine and emits
// a state record. An illegal transition is a programming error; it is logged
// and the state is forced so the invocation still terminates.
func (e *Executor) transition(inv *invocation, to model.StoryStatus) {
	if err := model.ValidateStoryTransition(inv.status, to); err != nil {
		e.log(LogLevelError, "illegal_transition story_id=%s error=%v", inv.story.ID, err)
	}

	rec := events.New(events.KindState)
	rec.RunID = inv.run.RunID
	rec.StoryID = inv.story.ID
	rec.Payload = map[string]any{"from": string(inv.status), "to": string(to)}
	inv.status = to
	e.sink.Emit(rec)
}

func (e *Executor) emitResult(inv *invocation, result model.StoryResult) {
	rec := events.New(events.KindResult)
	rec.RunID = inv.run.RunID
	rec.StoryID = inv.story.ID
	rec.Text = result.Summary
	rec.Payload = map[string]any{
		"status":      string(result.Status),
		"attempts":    result.Attempts,
		"event_count": result.EventCount,
	}
	if result.Error != "" {
		rec.Payload["error"] = result.Error
	}
	e.sink.Emit(rec.Sanitize(e.config.MaxEventBytes))
}

// sleepCtx sleeps for d or returns early if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) log(level LogLevel, format string, args ...any) {
	if level < e.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	e.logger.Printf("%s %s executor: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
