package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrUnreachableService = errors.New("generation service unreachable")
	ErrRemoteExecution    = errors.New("remote execution failed")
	ErrTimedOut           = errors.New("generation timed out")
	ErrNotReady           = errors.New("artifacts not ready")
	ErrCancelled          = errors.New("generation cancelled")
)

// RemoteExecutionError describes a job the generation service accepted but
// could not finish.
type RemoteExecutionError struct {
	PromptID         string
	NodeID           string
	NodeType         string
	ExceptionType    string
	ExceptionMessage string
}

func (e *RemoteExecutionError) Error() string {
	var b strings.Builder
	b.WriteString("remote execution failed")
	if e.NodeID != "" {
		fmt.Fprintf(&b, " at node %s", e.NodeID)
		if e.NodeType != "" {
			fmt.Fprintf(&b, " (%s)", e.NodeType)
		}
	}
	if msg := strings.TrimSpace(e.ExceptionMessage); msg != "" {
		b.WriteString(": ")
		if e.ExceptionType != "" {
			b.WriteString(e.ExceptionType + ": ")
		}
		b.WriteString(msg)
	}
	return b.String()
}

// Is lets errors.Is match the ErrRemoteExecution sentinel.
func (e *RemoteExecutionError) Is(target error) bool {
	return target == ErrRemoteExecution
}

// Validationf wraps ErrValidation with a formatted detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// StatusForError maps an error from the generation pipeline onto the terminal
// job status it represents.
func StatusForError(err error) JobStatus {
	switch {
	case err == nil:
		return JobStatusCompleted
	case errors.Is(err, ErrTimedOut):
		return JobStatusTimedOut
	case errors.Is(err, ErrCancelled):
		return JobStatusCancelled
	default:
		return JobStatusFailed
	}
}
