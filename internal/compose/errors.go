package compose

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidComposeSyntax = errors.New("invalid compose syntax")
	ErrStackNotFound        = errors.New("stack not found")
	ErrInvalidName          = errors.New("invalid stack name")
)

// OperationError reports a compose invocation that did not finish cleanly:
// non-zero exit, timeout, or a missing binary.
type OperationError struct {
	Stack    string
	Verb     string // compose sub-command, e.g. "up" or "pull"
	Message  string
	ExitCode int // -1 when the process never produced an exit status
	Err      error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("compose %s %s: %s", e.Verb, e.Stack, e.Message)
}

func (e *OperationError) Unwrap() error { return e.Err }
