package executor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/backend/internal/dag"
	"taskflow/backend/internal/logging"
	"taskflow/backend/pkg/models"
)

func newTestExecutor(settings map[string]Settings) *Executor {
	return New(configured(nil, settings), logging.Nop())
}

func configured(client *http.Client, settings map[string]Settings) *Registry {
	r := NewDefaultRegistry(client)
	for kind, s := range settings {
		if err := r.Configure(kind, s); err != nil {
			panic(err)
		}
	}
	return r
}

func stepTask(name string, params map[string]any) models.TaskSpec {
	return models.TaskSpec{Name: name, Type: models.TaskTypePython, Params: params}
}

func TestRun_StepDefaultOutput(t *testing.T) {
	e := newTestExecutor(nil)

	out := e.Run(context.Background(), Invocation{RunID: "r1", Task: stepTask("extract", nil)})

	assert.Equal(t, models.TaskSucceeded, out.Status)
	assert.Equal(t, "Processed extract", out.Output)
	assert.Equal(t, 1, out.Attempts)
	assert.NoError(t, out.Err)
}

func TestRun_StepResultWeaklyTyped(t *testing.T) {
	e := newTestExecutor(nil)

	out := e.Run(context.Background(), Invocation{Task: stepTask("score", map[string]any{
		"durationMs": "5",
		"result":     map[string]any{"score": 0.9},
	})})

	require.Equal(t, models.TaskSucceeded, out.Status)
	assert.Equal(t, map[string]any{"score": 0.9}, out.Output)
}

func TestRun_FailureIsTaskError(t *testing.T) {
	e := newTestExecutor(nil)

	out := e.Run(context.Background(), Invocation{Task: stepTask("boom", map[string]any{
		"fail":    true,
		"message": "disk full",
	})})

	assert.Equal(t, models.TaskFailed, out.Status)
	var taskErr *TaskError
	require.ErrorAs(t, out.Err, &taskErr)
	assert.Equal(t, 1, taskErr.Attempts)
	assert.Contains(t, out.Err.Error(), "disk full")
}

func TestRun_RetriesUntilSuccess(t *testing.T) {
	e := newTestExecutor(map[string]Settings{
		"python": {MaxAttempts: 3, Backoff: time.Millisecond},
	})

	out := e.Run(context.Background(), Invocation{Task: stepTask("flaky", map[string]any{
		"failAttempts": 2,
	})})

	assert.Equal(t, models.TaskSucceeded, out.Status)
	assert.Equal(t, 3, out.Attempts)
}

func TestRun_RetriesExhausted(t *testing.T) {
	e := newTestExecutor(map[string]Settings{
		"python": {MaxAttempts: 2, Backoff: time.Millisecond},
	})

	out := e.Run(context.Background(), Invocation{Task: stepTask("flaky", map[string]any{
		"failAttempts": 5,
	})})

	assert.Equal(t, models.TaskFailed, out.Status)
	assert.Equal(t, 2, out.Attempts)
}

func TestRun_Timeout(t *testing.T) {
	e := newTestExecutor(map[string]Settings{
		"python": {Timeout: 20 * time.Millisecond},
	})

	out := e.Run(context.Background(), Invocation{Task: stepTask("slow", map[string]any{
		"durationMs": 2000,
	})})

	assert.Equal(t, models.TaskFailed, out.Status)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, out.Err, &timeoutErr)
	assert.Equal(t, "slow", timeoutErr.Task)
}

func TestRun_ContextCancelledNotRetried(t *testing.T) {
	e := newTestExecutor(map[string]Settings{
		"python": {MaxAttempts: 5, Backoff: time.Millisecond},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := e.Run(ctx, Invocation{Task: stepTask("slow", map[string]any{"durationMs": 1000})})

	assert.Equal(t, models.TaskFailed, out.Status)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, 1, out.Attempts)
}

func TestRun_UnknownKind(t *testing.T) {
	e := newTestExecutor(nil)

	out := e.Run(context.Background(), Invocation{Task: models.TaskSpec{Name: "x", Type: "spark"}})

	assert.Equal(t, models.TaskFailed, out.Status)
	var unavailable *UnavailableError
	require.ErrorAs(t, out.Err, &unavailable)
	assert.Equal(t, "spark", unavailable.Kind)
}

func TestRun_InvalidParamsNotRetried(t *testing.T) {
	e := newTestExecutor(map[string]Settings{"python": {MaxAttempts: 3}})

	out := e.Run(context.Background(), Invocation{Task: stepTask("bad", map[string]any{
		"durationMs": -1,
	})})

	assert.Equal(t, models.TaskFailed, out.Status)
	assert.Equal(t, 0, out.Attempts)
	var paramsErr *ParamsError
	assert.ErrorAs(t, out.Err, &paramsErr)
}

func TestRun_HandlerPanic(t *testing.T) {
	r := NewRegistry()
	Register(r, "explode", Settings{MaxAttempts: 3}, func(ctx context.Context, inv Invocation, p struct{}) (any, error) {
		panic("kaboom")
	})
	e := New(r, logging.Nop())

	out := e.Run(context.Background(), Invocation{Task: models.TaskSpec{Name: "p", Type: "explode"}})

	assert.Equal(t, models.TaskFailed, out.Status)
	assert.Equal(t, 1, out.Attempts)
	assert.Contains(t, out.Err.Error(), "kaboom")
}

func TestRun_HTTP(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "run-7", r.Header.Get("X-Taskflow-Run"))
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	e := New(NewDefaultRegistry(srv.Client()), logging.Nop())
	out := e.Run(context.Background(), Invocation{
		RunID: "run-7",
		Task: models.TaskSpec{Name: "call", Type: models.TaskTypeHTTP, Params: map[string]any{
			"url":     srv.URL,
			"method":  "post",
			"headers": map[string]any{"X-Test": "yes"},
			"body":    map[string]any{"n": 1},
		}},
	})

	require.Equal(t, models.TaskSucceeded, out.Status, "%v", out.Err)
	assert.Equal(t, HTTPResult{StatusCode: http.StatusAccepted, Body: map[string]any{"ok": true}}, out.Output)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRun_HTTPClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	settings := map[string]Settings{"http": {MaxAttempts: 3, Backoff: time.Millisecond}}
	e := New(configured(srv.Client(), settings), logging.Nop())
	out := e.Run(context.Background(), Invocation{
		Task: models.TaskSpec{Name: "call", Type: models.TaskTypeHTTP, Params: map[string]any{"url": srv.URL}},
	})

	assert.Equal(t, models.TaskFailed, out.Status)
	assert.Contains(t, out.Err.Error(), "404")
	assert.Equal(t, int32(1), hits.Load())
}

func TestRun_HTTPServerErrorRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("fine"))
	}))
	defer srv.Close()

	settings := map[string]Settings{"http": {MaxAttempts: 3, Backoff: time.Millisecond}}
	e := New(configured(srv.Client(), settings), logging.Nop())
	out := e.Run(context.Background(), Invocation{
		Task: models.TaskSpec{Name: "call", Type: models.TaskTypeHTTP, Params: map[string]any{"url": srv.URL}},
	})

	require.Equal(t, models.TaskSucceeded, out.Status)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, "fine", out.Output.(HTTPResult).Body)
}

func TestRun_Branch(t *testing.T) {
	e := newTestExecutor(nil)
	params := map[string]any{
		"rules": []any{
			map[string]any{"fact": "score.grade", "equals": "A", "next": []any{"publish"}},
			map[string]any{"fact": "check", "equals": 3, "next": []any{"review"}},
		},
		"default": []any{"discard"},
	}

	tests := []struct {
		name   string
		inputs map[string]any
		want   []string
	}{
		{"nested fact", map[string]any{"score": map[string]any{"grade": "A"}}, []string{"publish"}},
		{"whole output compared by value", map[string]any{"check": float64(3)}, []string{"review"}},
		{"default", map[string]any{"score": map[string]any{"grade": "C"}}, []string{"discard"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := e.Run(context.Background(), Invocation{
				Task:   models.TaskSpec{Name: "decide", Type: models.TaskTypeBranch, Params: params},
				Inputs: tt.inputs,
			})
			require.Equal(t, models.TaskSucceeded, out.Status)
			assert.Equal(t, Decision{Next: tt.want}, out.Output)
		})
	}
}

func TestRun_BranchOnOwnParams(t *testing.T) {
	e := newTestExecutor(nil)
	decide := func(value any, inputs map[string]any) Outcome {
		return e.Run(context.Background(), Invocation{
			Task: models.TaskSpec{Name: "decide", Type: models.TaskTypeBranch, Params: map[string]any{
				"value":   value,
				"rules":   []any{map[string]any{"fact": "params.value", "equals": 11, "next": []any{"high"}}},
				"default": []any{"low"},
			}},
			Inputs: inputs,
		})
	}

	out := decide(11, nil)
	require.Equal(t, models.TaskSucceeded, out.Status)
	assert.Equal(t, Decision{Next: []string{"high"}}, out.Output)

	out = decide(5, nil)
	assert.Equal(t, Decision{Next: []string{"low"}}, out.Output)

	// An upstream task called params shadows the task's own params.
	out = decide(11, map[string]any{"params": map[string]any{"value": 2}})
	assert.Equal(t, Decision{Next: []string{"low"}}, out.Output)
}

func TestRun_BranchStaticNext(t *testing.T) {
	e := newTestExecutor(nil)

	out := e.Run(context.Background(), Invocation{Task: models.TaskSpec{
		Name: "decide", Type: models.TaskTypeBranch, Params: map[string]any{"next": []any{"Path_A"}},
	}})

	require.Equal(t, models.TaskSucceeded, out.Status)
	assert.Equal(t, Decision{Next: []string{"Path_A"}}, out.Output)
}

func TestRegistry_ValidateDefinition(t *testing.T) {
	r := NewDefaultRegistry(nil)
	def := &models.WorkflowDefinition{ID: "wf", Tasks: []models.TaskSpec{
		{Name: "decide", Type: models.TaskTypeBranch, Params: map[string]any{"next": []any{"a"}}},
		{Name: "a", Type: models.TaskTypePython, Dependencies: []string{"decide"}},
		{Name: "b", Type: models.TaskTypePython, Dependencies: []string{"decide"}},
	}}
	g, err := dag.Build(def.Tasks)
	require.NoError(t, err)
	assert.NoError(t, r.ValidateDefinition(def, g))

	def.Tasks[0].Params = map[string]any{"next": []any{"elsewhere"}}
	err = r.ValidateDefinition(def, g)
	var branchErr *dag.InvalidBranchTargetError
	require.ErrorAs(t, err, &branchErr)
	assert.ErrorIs(t, err, dag.ErrInvalidDefinition)

	def.Tasks[0].Type = "spark"
	err = r.ValidateDefinition(def, g)
	var kindErr *UnknownKindError
	require.ErrorAs(t, err, &kindErr)
	assert.True(t, errors.Is(err, dag.ErrInvalidDefinition))

	def.Tasks[0] = models.TaskSpec{Name: "decide", Type: models.TaskTypeHTTP, Params: map[string]any{"url": "ftp://x"}}
	err = r.ValidateDefinition(def, g)
	var paramsErr *ParamsError
	require.ErrorAs(t, err, &paramsErr)
}

func TestRegistry_ConfigureAndDescribe(t *testing.T) {
	r := NewDefaultRegistry(nil)
	require.NoError(t, r.Configure("http", Settings{Timeout: 5 * time.Second, MaxAttempts: 4}))
	assert.Error(t, r.Configure("spark", Settings{}))

	assert.Equal(t, []string{"branch", "http", "python"}, r.Names())

	kinds := r.Describe()
	require.Len(t, kinds, 3)
	assert.Equal(t, "http", kinds[1].Name)
	assert.Equal(t, "5s", kinds[1].Timeout)
	assert.Equal(t, 4, kinds[1].MaxAttempts)
	assert.NotNil(t, kinds[1].Params)
	assert.Equal(t, DefaultTimeout.String(), kinds[2].Timeout)
}
