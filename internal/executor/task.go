package executor

import (
	"fmt"
	"strings"

	"github.com/msageha/foreman/internal/model"
)

// finalPrompt asks the worker for the invocation's final summary after the
// stream completed normally.
const finalPrompt = "The work for this story is done. Reply with a concise " +
	"summary of what was implemented and how the acceptance criteria are met. " +
	"Plain text only."

// planContextMax bounds how much of the run-level vision and solution text
// is carried into each story task.
const planContextMax = 2000

// buildTask assembles the task text for one story: run-level plan context,
// the story itself, its acceptance criteria, and its ordered task hints.
func buildTask(run *model.Run, story model.Story) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Project: %s\n", run.Title)
	if run.Vision != "" {
		fmt.Fprintf(&sb, "\nVision:\n%s\n", clip(run.Vision, planContextMax))
	}
	if run.Solution != "" {
		fmt.Fprintf(&sb, "\nSolution outline:\n%s\n", clip(run.Solution, planContextMax))
	}

	fmt.Fprintf(&sb, "\nStory: %s\n", story.Title)
	if story.Description != "" {
		fmt.Fprintf(&sb, "%s\n", story.Description)
	}

	if len(story.Acceptance) > 0 {
		sb.WriteString("\nAcceptance criteria:\n")
		for _, a := range story.Acceptance {
			fmt.Fprintf(&sb, "- %s\n", a)
		}
	}
	if len(story.Tests) > 0 {
		sb.WriteString("\nRequired tests:\n")
		for _, tc := range story.Tests {
			fmt.Fprintf(&sb, "- %s\n", tc)
		}
	}
	if len(story.Tasks) > 0 {
		sb.WriteString("\nSuggested task order:\n")
		for i, task := range story.Tasks {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, task.Title)
		}
		sb.WriteString("Work through these in order: respect the declared dependencies and the relative priority the numbering expresses.\n")
	}

	sb.WriteString("\nImplement this story now.")
	return sb.String()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
