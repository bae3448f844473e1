package planner

import (
	"fmt"
	"strings"

	"github.com/msageha/foreman/internal/exemplar"
)

func visionPrompt(requirement string) string {
	return fmt.Sprintf(`You are planning a software project.

Requirement:
%s

Write a short product vision for this requirement: the problem, who it is
for, and what done looks like. Plain text, a few paragraphs at most.`, requirement)
}

func solutionPrompt(requirement, vision string) string {
	return fmt.Sprintf(`You are planning a software project.

Requirement:
%s

Vision:
%s

Outline the technical solution: major components, how they interact, and the
order in which they should be built. Plain text.`, requirement, vision)
}

func backlogPrompt(requirement, vision, solution string) string {
	return fmt.Sprintf(`You are planning a software project.

Requirement:
%s

Vision:
%s

Solution outline:
%s

Break the work into epics and stories. Respond with JSON only, no prose, in
this shape:

{
  "title": "short project title",
  "epics": [
    {"title": "...", "description": "...", "rank": 1, "depends_on": []}
  ],
  "stories": [
    {"epic": "<epic title>", "title": "...", "description": "...", "rank": 1,
     "depends_on": [], "acceptance": ["..."], "tests": ["..."], "tasks": ["..."]}
  ]
}

Rules:
- rank is a positive integer priority within the sibling group; lower runs first
- ranks must be unique within each sibling group
- depends_on lists sibling titles; every non-lowest rank item needs at least one
- a dependency must have a strictly lower rank than the item that depends on it`, requirement, vision, solution)
}

// withExemplars folds retrieved prior art into a prompt. No exemplars means
// the prompt passes through untouched.
func withExemplars(prompt string, exemplars []exemplar.Exemplar) string {
	if len(exemplars) == 0 {
		return prompt
	}

	var sb strings.Builder
	sb.WriteString(prompt)
	sb.WriteString("\n\nPrior examples from similar projects, for grounding only:\n")
	for i, e := range exemplars {
		fmt.Fprintf(&sb, "\n[example %d: %s (similarity %.2f)]\n%s\n", i+1, e.Title, e.Score, e.Content)
	}
	return sb.String()
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag, so fenced JSON still decodes.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		// Drop the language tag line.
		first := strings.TrimSpace(s[:idx])
		if first == "" || !strings.ContainsAny(first, "{}[]") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
