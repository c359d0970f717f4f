package feed

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/backend/pkg/models"
)

func TestHub_FiltersByRun(t *testing.T) {
	h := NewHub(nil)
	all := h.Subscribe("", 10)
	one := h.Subscribe("run-1", 10)
	defer all.Close()
	defer one.Close()

	h.Publish(Event{Type: EventRun, RunID: "run-1", Status: "running"})
	h.Publish(Event{Type: EventRun, RunID: "run-2", Status: "running"})

	require.Len(t, all.C, 2)
	require.Len(t, one.C, 1)

	ev := <-one.C
	assert.Equal(t, "run-1", ev.RunID)
	assert.Equal(t, uint64(1), ev.Seq)
	assert.False(t, ev.Timestamp.IsZero())

	first, second := <-all.C, <-all.C
	assert.Less(t, first.Seq, second.Seq)
}

func TestHub_SlowSubscriberDropsWithoutBlocking(t *testing.T) {
	var drops atomic.Int32
	h := NewHub(func(Event) { drops.Add(1) })
	slow := h.Subscribe("", 1)
	defer slow.Close()

	for i := 0; i < 5; i++ {
		h.Publish(Event{Type: EventTask, RunID: "r", Task: "t"})
	}

	assert.Equal(t, uint64(4), h.Dropped())
	assert.Equal(t, int32(4), drops.Load())
	assert.Len(t, slow.C, 1)
}

func TestSubscription_Close(t *testing.T) {
	h := NewHub(nil)
	s := h.Subscribe("", 1)
	assert.Equal(t, 1, h.Subscribers())

	s.Close()
	s.Close()

	assert.Equal(t, 0, h.Subscribers())
	_, open := <-s.C
	assert.False(t, open)

	h.Publish(Event{RunID: "r"})
}

func TestEventBuilders(t *testing.T) {
	run := &models.Run{ID: "r1", WorkflowID: "wf", Status: models.RunFailed, Error: "run cancelled"}
	ev := RunEvent(run)
	assert.Equal(t, EventRun, ev.Type)
	assert.Equal(t, "failed", ev.Status)
	assert.Equal(t, "run cancelled", ev.Error)

	task := &models.TaskRunState{Name: "extract", Status: models.TaskSkipped}
	ev = TaskEvent(run, task)
	assert.Equal(t, EventTask, ev.Type)
	assert.Equal(t, "extract", ev.Task)
	assert.Equal(t, "skipped", ev.Status)
}
