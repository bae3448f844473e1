// Package worker defines the contract between the executor and the external
// generative worker, plus the production OpenAI-backed implementation and the
// process-wide pacing gate in front of it.
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/msageha/foreman/internal/events"
)

// ErrStepCeiling is reported by a stream that consumed its whole step budget
// without the worker producing a final answer.
var ErrStepCeiling = errors.New("step ceiling exceeded")

// Worker opens sessions against the external generative worker.
type Worker interface {
	// Open starts a session scoped to one run. The caller owns the session
	// and must Close it exactly once.
	Open(ctx context.Context, runID string) (Session, error)
}

// Session is one conversation with the worker. Sessions are not safe for
// concurrent use.
type Session interface {
	// Stream runs the task and returns a live stream of event records.
	// maxSteps bounds the number of worker turns; exceeding it terminates
	// the stream with ErrStepCeiling.
	Stream(ctx context.Context, task string, maxSteps int) (*Stream, error)

	// Final asks the worker for the final natural-language result of the
	// work done so far in this session.
	Final(ctx context.Context, task string) (string, error)

	// Close releases session resources. Safe to call once per session.
	Close() error
}

// Stream is a live sequence of event records from one task invocation.
// After C is closed, Err reports how the stream terminated.
type Stream struct {
	// C delivers records in order. Closed when the invocation ends.
	C <-chan events.Record

	mu  sync.Mutex
	err error
}

// Err reports the terminal error of the stream, nil on normal completion.
// Only meaningful after C has been closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// NewStream wires a record channel into a Stream. The producer sends on ch,
// then calls fail (or nothing, for normal completion) and closes ch.
// Exported for fake workers in tests.
func NewStream(ch <-chan events.Record) (st *Stream, fail func(error)) {
	st = &Stream{C: ch}
	return st, st.setErr
}
