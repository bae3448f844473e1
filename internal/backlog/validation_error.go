package backlog

import (
	"fmt"
	"strings"
)

// ErrorKind classifies a construction-time validation failure.
type ErrorKind string

const (
	KindInvalidRank       ErrorKind = "invalid_rank"
	KindDuplicateRank     ErrorKind = "duplicate_rank"
	KindMissingDependency ErrorKind = "missing_dependency"
	KindUnknownDependency ErrorKind = "unknown_dependency"
	KindSelfDependency    ErrorKind = "self_dependency"
	KindRankViolation     ErrorKind = "rank_violation"
)

type ValidationError struct {
	Kind      ErrorKind
	FieldPath string
	Message   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.FieldPath, e.Message)
}

// ValidationErrors collects every failure found in one sibling group so the
// caller sees the full picture in a single pass. Construction errors are
// fatal and never retried.
type ValidationErrors struct {
	Errors []ValidationError
}

func (ve *ValidationErrors) Add(kind ErrorKind, fieldPath, message string) {
	ve.Errors = append(ve.Errors, ValidationError{Kind: kind, FieldPath: fieldPath, Message: message})
}

func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

func (ve *ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve.Errors))
	for _, e := range ve.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "\n")
}

// HasKind reports whether any collected error carries the given kind.
func (ve *ValidationErrors) HasKind(kind ErrorKind) bool {
	for _, e := range ve.Errors {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// FormatStderr renders the collected errors one per line for CLI output.
func (ve *ValidationErrors) FormatStderr() string {
	var sb strings.Builder
	for _, e := range ve.Errors {
		fmt.Fprintf(&sb, "error: %s: %s: %s\n", e.Kind, e.FieldPath, e.Message)
	}
	return sb.String()
}
