// Package feed fans out run and task transition events to subscribers.
//
// Publishing never blocks: a subscriber that does not keep up misses events
// rather than stalling the engine.
package feed

import (
	"sync"
	"sync/atomic"
	"time"

	"taskflow/backend/pkg/models"
)

// EventType distinguishes run-level from task-level transitions.
type EventType string

const (
	EventRun  EventType = "run"
	EventTask EventType = "task"
)

// Event is one applied state transition.
type Event struct {
	Seq        uint64    `json:"seq"`
	Type       EventType `json:"type"`
	RunID      string    `json:"runId"`
	WorkflowID string    `json:"workflowId"`
	Task       string    `json:"task,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// RunEvent builds a run-level event.
func RunEvent(run *models.Run) Event {
	return Event{
		Type:       EventRun,
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Status:     string(run.Status),
		Error:      run.Error,
	}
}

// TaskEvent builds a task-level event.
func TaskEvent(run *models.Run, task *models.TaskRunState) Event {
	return Event{
		Type:       EventTask,
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Task:       task.Name,
		Status:     string(task.Status),
		Error:      task.Error,
	}
}

// Subscription receives events on C until Close.
type Subscription struct {
	C <-chan Event

	hub   *Hub
	id    uint64
	runID string
	ch    chan Event
	once  sync.Once
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub is the in-process event broker.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	seq     atomic.Uint64
	dropped atomic.Uint64
	onDrop  func(Event)
}

// NewHub creates an empty hub. onDrop, if non-nil, is called for every
// event a subscriber missed.
func NewHub(onDrop func(Event)) *Hub {
	return &Hub{subs: make(map[uint64]*Subscription), onDrop: onDrop}
}

// Subscribe registers a subscriber. An empty runID receives every run's events.
func (h *Hub) Subscribe(runID string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	s := &Subscription{C: ch, hub: h, id: h.nextID, runID: runID, ch: ch}
	h.subs[s.id] = s
	return s
}

// Publish stamps ev with a sequence number and timestamp and delivers it to
// matching subscribers without blocking.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	// Exclusive so every subscriber sees seq in increasing order.
	h.mu.Lock()
	defer h.mu.Unlock()
	ev.Seq = h.seq.Add(1)
	for _, s := range h.subs {
		if s.runID != "" && s.runID != ev.RunID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			h.dropped.Add(1)
			if h.onDrop != nil {
				h.onDrop(ev)
			}
		}
	}
}

// Dropped returns the number of deliveries missed by slow subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s.id)
	h.mu.Unlock()
	close(s.ch)
}
