package worker

import (
	"context"
	"errors"
	"fmt"
	"net"

	openai "github.com/sashabaranov/go-openai"
)

// Error wraps a failure at the worker boundary with its transience
// classification. The executor retries transient failures and aborts on
// everything else.
type Error struct {
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("worker %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether err carries a transient worker classification.
// Unclassified errors count as non-transient.
func Transient(err error) bool {
	var we *Error
	return errors.As(err, &we) && we.Transient
}

// classify wraps an API failure with its transience verdict. Rate limits,
// server-side errors, timeouts, and network failures are worth retrying;
// anything else (bad request, auth, cancellation) is not.
func classify(op string, err error) error {
	transient := false

	var apiErr *openai.APIError
	var netErr net.Error
	switch {
	case errors.As(err, &apiErr):
		transient = apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	case errors.Is(err, context.Canceled):
		transient = false
	case errors.Is(err, context.DeadlineExceeded):
		transient = true
	case errors.As(err, &netErr):
		transient = true
	}

	return &Error{Op: op, Transient: transient, Err: err}
}
