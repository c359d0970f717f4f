package models

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle status of a Run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transition can occur.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunPaused, RunCompleted, RunFailed:
		return true
	}
	return false
}

// TaskStatus is the lifecycle status of a task within one run.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
	// TaskCancelled is assigned to tasks that never started because their run
	// was cancelled.
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskSkipped, TaskCancelled:
		return true
	}
	return false
}

// Satisfies reports whether a dependency in this status unblocks its dependents.
func (s TaskStatus) Satisfies() bool {
	return s == TaskSucceeded || s == TaskSkipped
}

// Trigger records what started a run.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
	TriggerAPI       Trigger = "api"
	TriggerOther     Trigger = "other"
)

func (t Trigger) Valid() bool {
	switch t {
	case TriggerManual, TriggerScheduled, TriggerAPI, TriggerOther:
		return true
	}
	return false
}

// TaskRunState is the per-run state of one TaskSpec.
type TaskRunState struct {
	Name      string     `json:"name"`
	Type      TaskType   `json:"type"`
	Status    TaskStatus `json:"status"`
	StartTime *time.Time `json:"startTime,omitempty"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Output    any        `json:"output,omitempty"`
	Error     string     `json:"error,omitempty"`
	Attempts  int        `json:"attempts"`
}

// Duration is derived from the recorded timestamps; zero until both are set.
func (t *TaskRunState) Duration() time.Duration {
	if t.StartTime == nil || t.EndTime == nil {
		return 0
	}
	return t.EndTime.Sub(*t.StartTime)
}

// MarshalJSON adds the derived duration in seconds.
func (t TaskRunState) MarshalJSON() ([]byte, error) {
	type wire TaskRunState
	return json.Marshal(struct {
		wire
		Duration *float64 `json:"duration"`
	}{wire: wire(t), Duration: seconds(t.StartTime, t.EndTime)})
}

// Run is one execution of a WorkflowDefinition snapshot.
type Run struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflowId"`
	WorkflowName    string         `json:"workflowName"`
	WorkflowVersion string         `json:"workflowVersion"`
	Status          RunStatus      `json:"status"`
	StartTime       time.Time      `json:"startTime"`
	EndTime         *time.Time     `json:"endTime,omitempty"`
	TriggeredBy     Trigger        `json:"triggeredBy"`
	Error           string         `json:"error,omitempty"`
	Tasks           []TaskRunState `json:"tasks"`
}

// Duration is derived from StartTime and EndTime; zero while the run is open.
func (r *Run) Duration() time.Duration {
	if r.EndTime == nil {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// Task returns the state of the named task, or nil.
func (r *Run) Task(name string) *TaskRunState {
	for i := range r.Tasks {
		if r.Tasks[i].Name == name {
			return &r.Tasks[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	cp := *r
	cp.EndTime = cloneTime(r.EndTime)
	cp.Tasks = make([]TaskRunState, len(r.Tasks))
	for i, t := range r.Tasks {
		t.StartTime = cloneTime(t.StartTime)
		t.EndTime = cloneTime(t.EndTime)
		t.Output = cloneValue(t.Output)
		cp.Tasks[i] = t
	}
	return &cp
}

// MarshalJSON adds the derived duration in seconds.
func (r Run) MarshalJSON() ([]byte, error) {
	type wire Run
	start := r.StartTime
	return json.Marshal(struct {
		wire
		Duration *float64 `json:"duration"`
	}{wire: wire(r), Duration: seconds(&start, r.EndTime)})
}

// TaskUpdate is a single state transition applied by the tracker.
type TaskUpdate struct {
	RunID    string
	Task     string
	Status   TaskStatus
	Output   any
	Error    string
	Attempts int
}

func seconds(start, end *time.Time) *float64 {
	if start == nil || end == nil {
		return nil
	}
	s := end.Sub(*start).Seconds()
	return &s
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
