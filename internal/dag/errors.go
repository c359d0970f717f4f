package dag

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidDefinition is matched by every definition error in this package.
var ErrInvalidDefinition = errors.New("invalid workflow definition")

// CycleError reports one dependency cycle, first task repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Is(target error) bool { return target == ErrInvalidDefinition }

// UnknownDependencyError reports a dependency naming no task of the definition.
type UnknownDependencyError struct {
	Task       string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %q depends on unknown task %q", e.Task, e.Dependency)
}

func (e *UnknownDependencyError) Is(target error) bool { return target == ErrInvalidDefinition }

// DuplicateTaskNameError reports two tasks sharing a name.
type DuplicateTaskNameError struct {
	Name string
}

func (e *DuplicateTaskNameError) Error() string {
	return fmt.Sprintf("duplicate task name %q", e.Name)
}

func (e *DuplicateTaskNameError) Is(target error) bool { return target == ErrInvalidDefinition }

// InvalidTaskError reports a structurally unusable task (e.g. empty name).
type InvalidTaskError struct {
	Index  int
	Reason string
}

func (e *InvalidTaskError) Error() string {
	return fmt.Sprintf("task #%d: %s", e.Index, e.Reason)
}

func (e *InvalidTaskError) Is(target error) bool { return target == ErrInvalidDefinition }

// InvalidBranchTargetError reports a branch target that is not an immediate
// dependent of the decision task.
type InvalidBranchTargetError struct {
	Task   string
	Target string
}

func (e *InvalidBranchTargetError) Error() string {
	return fmt.Sprintf("branch task %q selects %q, which does not depend on it", e.Task, e.Target)
}

func (e *InvalidBranchTargetError) Is(target error) bool { return target == ErrInvalidDefinition }
