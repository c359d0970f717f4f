package executor

import (
	"fmt"
	"time"

	"taskflow/backend/internal/dag"
)

// TimeoutError is returned when a single attempt exceeds its kind's timeout.
type TimeoutError struct {
	Task    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %q timed out after %s", e.Task, e.Timeout)
}

// UnavailableError is returned when no executor can take a task: its kind is
// not registered at run time, or the worker pool refused the job.
type UnavailableError struct {
	Kind string
	Err  error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("no executor available for task kind %q: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("no executor available for task kind %q", e.Kind)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// TaskError is the final failure of a task after all attempts.
type TaskError struct {
	Task     string
	Attempts int
	Err      error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %q failed after %d attempt(s): %v", e.Task, e.Attempts, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// UnknownKindError rejects a definition that names an unregistered kind.
type UnknownKindError struct {
	Task string
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("task %q has unknown type %q", e.Task, e.Kind)
}

func (e *UnknownKindError) Is(target error) bool { return target == dag.ErrInvalidDefinition }

// ParamsError reports params that cannot be decoded into the kind's struct.
type ParamsError struct {
	Task string
	Kind string
	Err  error
}

func (e *ParamsError) Error() string {
	return fmt.Sprintf("task %q: invalid %s params: %v", e.Task, e.Kind, e.Err)
}

func (e *ParamsError) Unwrap() error { return e.Err }

func (e *ParamsError) Is(target error) bool { return target == dag.ErrInvalidDefinition }
