package models

import (
	"time"
)

// TaskType names a registered task kind.
type TaskType string

const (
	// TaskTypePython is the plain executable step. The dashboard labels plain
	// steps "python", so the wire name is kept.
	TaskTypePython TaskType = "python"
	TaskTypeHTTP   TaskType = "http"
	TaskTypeBranch TaskType = "branch"
)

// TaskSpec is a single node of a workflow graph.
type TaskSpec struct {
	Name         string         `json:"name" yaml:"name"`
	Type         TaskType       `json:"type" yaml:"type"`
	Params       map[string]any `json:"params" yaml:"params"`
	Dependencies []string       `json:"dependencies" yaml:"dependencies"`
}

// WorkflowDefinition is an immutable task graph. A stored definition is
// identified by the (ID, Version) pair; a new version is a new definition.
type WorkflowDefinition struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description" yaml:"description"`
	Version     string     `json:"version" yaml:"version"`
	Tags        []string   `json:"tags" yaml:"tags"`
	Owner       string     `json:"owner" yaml:"owner"`
	Tasks       []TaskSpec `json:"tasks" yaml:"tasks"`
	IsLatest    bool       `json:"isLatest" yaml:"-"`
	CreatedAt   time.Time  `json:"createdAt" yaml:"-"`
	UpdatedAt   time.Time  `json:"updatedAt" yaml:"-"`
}

// Clone returns a deep copy so a run never observes later edits.
func (w *WorkflowDefinition) Clone() *WorkflowDefinition {
	if w == nil {
		return nil
	}
	cp := *w
	cp.Tags = append([]string(nil), w.Tags...)
	cp.Tasks = make([]TaskSpec, len(w.Tasks))
	for i, t := range w.Tasks {
		cp.Tasks[i] = t.Clone()
	}
	return &cp
}

// Clone returns a deep copy of the task spec, including nested params.
func (t TaskSpec) Clone() TaskSpec {
	cp := t
	cp.Dependencies = append([]string(nil), t.Dependencies...)
	if t.Params != nil {
		cp.Params = cloneValue(t.Params).(map[string]any)
	}
	return cp
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = cloneValue(inner)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return val
	}
}
