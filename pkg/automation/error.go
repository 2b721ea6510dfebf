package automation

import (
	"errors"
	"fmt"
)

// EngineError is the error type for sequencing and lookup failures raised to
// callers of the engine API. Action-level failures are never wrapped in it;
// they are recorded in the StepResult instead.
type EngineError struct {
	Msg string
}

func (e *EngineError) Error() string {
	return e.Msg
}

// newEngineErrorf uses fmt.Sprintf(format, a...) to format the message
func newEngineErrorf(format string, a ...interface{}) error {
	return &EngineError{
		Msg: fmt.Sprintf(format, a...),
	}
}

// ErrUnknownProcess is returned when a trigger references a process name
// without a registered definition.
var ErrUnknownProcess = errors.New("unknown process definition")

// ErrInvalidState is returned when an operation targets an instance whose
// state does not allow it, e.g. a step execution against a terminal instance.
var ErrInvalidState = errors.New("invalid instance state")
