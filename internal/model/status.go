package model

import "fmt"

// StoryStatus is the terminal-state classification of one story invocation.
type StoryStatus string

const (
	StoryPending      StoryStatus = "pending"
	StoryStreaming    StoryStatus = "streaming"
	StoryCompleted    StoryStatus = "completed"
	StoryAbortedLoop  StoryStatus = "aborted_loop"
	StoryAbortedError StoryStatus = "aborted_error"
)

// IsTerminal reports whether no further transition is possible.
func (s StoryStatus) IsTerminal() bool {
	switch s {
	case StoryCompleted, StoryAbortedLoop, StoryAbortedError:
		return true
	}
	return false
}

// validStoryTransitions encodes the executor state machine:
// pending → streaming → {completed | aborted_loop | aborted_error}.
// A retry restarts the whole streaming phase, so streaming → streaming is legal.
var validStoryTransitions = map[StoryStatus][]StoryStatus{
	StoryPending:   {StoryStreaming},
	StoryStreaming: {StoryStreaming, StoryCompleted, StoryAbortedLoop, StoryAbortedError},
}

// ValidateStoryTransition returns an error if from → to is not a legal move.
func ValidateStoryTransition(from, to StoryStatus) error {
	for _, allowed := range validStoryTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid story status transition: %s -> %s", from, to)
}

// RunStatus tracks a run through its lifecycle.
type RunStatus string

const (
	RunPlanning  RunStatus = "planning"
	RunPlanned   RunStatus = "planned"
	RunExecuting RunStatus = "executing"
	RunDone      RunStatus = "done"
	RunCancelled RunStatus = "cancelled"
)
