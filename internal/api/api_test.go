package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/backend/internal/app"
	"taskflow/backend/internal/feed"
	"taskflow/backend/internal/logging"
	"taskflow/backend/internal/repository"
	"taskflow/backend/pkg/models"
)

type testEnv struct {
	app  *app.App
	echo *echo.Echo
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	a, err := app.New(context.Background(), app.Options{
		Store:   repository.NewMemoryStore(),
		Workers: 2,
		Logger:  logging.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = HTTPErrorHandler()
	health := NewHandler("1.2.0", a.Service, a.Store)
	RegisterHandlers(e, NewServer(a.Service, a.Hub, health, WithPingInterval(time.Second)), "")
	RegisterDocs(e)
	return &testEnv{app: a, echo: e}
}

func (env *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) wait(t *testing.T, runID string) *models.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := env.app.Service.WaitRun(ctx, runID)
	require.NoError(t, err)
	return run
}

func pipeline(id string) map[string]any {
	return map[string]any{
		"id":      id,
		"name":    "Pipeline " + id,
		"version": "1.0",
		"tasks": []map[string]any{
			{"name": "extract", "type": "python"},
			{"name": "load", "type": "python", "dependencies": []string{"extract"}},
		},
	}
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) models.ProblemDetails {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))
	var p models.ProblemDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/", "/health"} {
		rec := env.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var status models.HealthStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.Equal(t, "ok", status.Status)
		assert.Equal(t, "1.2.0", status.Version)
		assert.Equal(t, "ok", status.Checks["store"])
		require.NotNil(t, status.Workers)
		assert.Equal(t, 2, status.Workers.Size)
	}
}

func TestCreateWorkflow_StoresAndRuns(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/workflows", pipeline("etl"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var def models.WorkflowDefinition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &def))
	assert.Equal(t, "etl", def.ID)
	assert.True(t, def.IsLatest)

	runID := rec.Header().Get("X-Run-Id")
	require.NotEmpty(t, runID)
	assert.Equal(t, "/executions/"+runID, rec.Header().Get(echo.HeaderLocation))

	run := env.wait(t, runID)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, models.TriggerManual, run.TriggeredBy)

	// Resubmitting the same definition is not a new definition but is a new run.
	rec = env.do(t, http.MethodPost, "/workflows", pipeline("etl"))
	require.Equal(t, http.StatusOK, rec.Code)
	second := rec.Header().Get("X-Run-Id")
	assert.NotEqual(t, runID, second)
	env.wait(t, second)

	rec = env.do(t, http.MethodGet, "/executions?workflow_id=etl", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []models.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].ID)
}

func TestCreateWorkflow_WithoutRun(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/workflows?run=false", pipeline("etl"))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Run-Id"))

	rec = env.do(t, http.MethodGet, "/executions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = env.do(t, http.MethodPost, "/workflows/etl/runs?triggered_by=scheduled", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var run models.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, models.TriggerScheduled, run.TriggeredBy)
	assert.Equal(t, "1.0", run.WorkflowVersion)
	env.wait(t, run.ID)
}

func TestCreateWorkflow_Rejections(t *testing.T) {
	env := newTestEnv(t)

	cyclic := pipeline("loop")
	cyclic["tasks"] = []map[string]any{
		{"name": "a", "type": "python", "dependencies": []string{"b"}},
		{"name": "b", "type": "python", "dependencies": []string{"a"}},
	}
	rec := env.do(t, http.MethodPost, "/workflows", cyclic)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	p := decodeProblem(t, rec)
	assert.Contains(t, p.Detail, "cycle")
	assert.Equal(t, "/workflows", p.Instance)

	unknown := pipeline("spark")
	unknown["tasks"] = []map[string]any{{"name": "a", "type": "spark"}}
	rec = env.do(t, http.MethodPost, "/workflows", unknown)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/workflows", strings.NewReader("{not json"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	raw := httptest.NewRecorder()
	env.echo.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)

	rec = env.do(t, http.MethodPost, "/workflows?run=false", pipeline("etl"))
	require.Equal(t, http.StatusCreated, rec.Code)
	changed := pipeline("etl")
	changed["tasks"] = []map[string]any{{"name": "only", "type": "python"}}
	rec = env.do(t, http.MethodPost, "/workflows", changed)
	assert.Equal(t, http.StatusConflict, rec.Code)
	decodeProblem(t, rec)

	rec = env.do(t, http.MethodGet, "/executions", nil)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestListAndGetWorkflows(t *testing.T) {
	env := newTestEnv(t)

	v1 := pipeline("etl")
	v2 := pipeline("etl")
	v2["version"] = "2.0"
	for _, def := range []map[string]any{v1, v2, pipeline("report")} {
		rec := env.do(t, http.MethodPost, "/workflows?run=false", def)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/workflows", nil)
	var all []models.WorkflowDefinition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 3)

	rec = env.do(t, http.MethodGet, "/workflows?latest=true", nil)
	var latest []models.WorkflowDefinition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &latest))
	assert.Len(t, latest, 2)

	rec = env.do(t, http.MethodGet, "/workflows/etl", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var def models.WorkflowDefinition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &def))
	assert.Equal(t, "2.0", def.Version)

	rec = env.do(t, http.MethodGet, "/workflows/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/workflows?latest=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecutions(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/workflows", pipeline("etl"))
	require.Equal(t, http.StatusCreated, rec.Code)
	runID := rec.Header().Get("X-Run-Id")
	env.wait(t, runID)

	rec = env.do(t, http.MethodGet, "/executions/"+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var run map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "completed", run["status"])
	assert.Contains(t, run, "duration")

	rec = env.do(t, http.MethodGet, "/executions?status=failed", nil)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = env.do(t, http.MethodGet, "/executions?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/executions?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/executions/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	decodeProblem(t, rec)

	rec = env.do(t, http.MethodPost, "/executions/"+runID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/executions/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelExecution(t *testing.T) {
	env := newTestEnv(t)

	def := pipeline("slow")
	def["tasks"] = []map[string]any{
		{"name": "wait", "type": "python", "params": map[string]any{"durationMs": 300}},
		{"name": "after", "type": "python", "dependencies": []string{"wait"}},
	}
	rec := env.do(t, http.MethodPost, "/workflows", def)
	require.Equal(t, http.StatusCreated, rec.Code)
	runID := rec.Header().Get("X-Run-Id")

	rec = env.do(t, http.MethodPost, "/executions/"+runID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	run := env.wait(t, runID)
	assert.Equal(t, models.RunFailed, run.Status)
	assert.Equal(t, models.TaskCancelled, run.Task("after").Status)
}

func TestPauseAndResumeExecution(t *testing.T) {
	env := newTestEnv(t)

	def := pipeline("held")
	def["tasks"] = []map[string]any{
		{"name": "wait", "type": "python", "params": map[string]any{"durationMs": 200}},
		{"name": "after", "type": "python", "dependencies": []string{"wait"}},
	}
	rec := env.do(t, http.MethodPost, "/workflows", def)
	require.Equal(t, http.StatusCreated, rec.Code)
	runID := rec.Header().Get("X-Run-Id")

	rec = env.do(t, http.MethodPost, "/executions/"+runID+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var run models.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, models.RunPaused, run.Status)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		r, err := env.app.Service.GetRun(ctx, runID)
		return err == nil && r.Task("wait").Status == models.TaskSucceeded
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	held, err := env.app.Service.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunPaused, held.Status)
	assert.Equal(t, models.TaskPending, held.Task("after").Status)

	rec = env.do(t, http.MethodPost, "/executions/"+runID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	final := env.wait(t, runID)
	assert.Equal(t, models.RunCompleted, final.Status)
	assert.Equal(t, models.TaskSucceeded, final.Task("after").Status)

	rec = env.do(t, http.MethodPost, "/executions/"+runID+"/pause", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(t, http.MethodPost, "/executions/nope/resume", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTaskKinds(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/task-kinds", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var kinds []models.TaskKindInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &kinds))
	require.Len(t, kinds, 3)
	assert.Equal(t, "branch", kinds[0].Name)
	assert.NotNil(t, kinds[0].Params)
}

func TestDocs(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/openapi.yaml", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "openapi: 3.0.3")
	assert.Contains(t, rec.Body.String(), "http://example.com")

	rec = env.do(t, http.MethodGet, "/docs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `url: "/openapi.yaml"`)
}

func TestStreamEvents(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.echo)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return env.app.Hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	rec := env.do(t, http.MethodPost, "/workflows", pipeline("etl"))
	require.Equal(t, http.StatusCreated, rec.Code)
	runID := rec.Header().Get("X-Run-Id")

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var lastSeq uint64
	for {
		var ev feed.Event
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, runID, ev.RunID)
		assert.Greater(t, ev.Seq, lastSeq)
		lastSeq = ev.Seq
		if ev.Type == feed.EventRun && ev.Status == string(models.RunCompleted) {
			break
		}
	}
}

func TestStreamEvents_FilteredByRun(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.echo)
	defer srv.Close()

	rec := env.do(t, http.MethodPost, "/workflows?run=false", pipeline("etl"))
	require.Equal(t, http.StatusCreated, rec.Code)

	other := env.do(t, http.MethodPost, "/workflows/etl/runs", nil)
	require.Equal(t, http.StatusAccepted, other.Code)

	var run models.Run
	target := env.do(t, http.MethodPost, "/workflows/etl/runs", nil)
	require.NoError(t, json.Unmarshal(target.Body.Bytes(), &run))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?run_id=" + run.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Events already published are not replayed; the final state arrives
	// unless the run finished before the subscription.
	final := env.wait(t, run.ID)
	require.Equal(t, models.RunCompleted, final.Status)

	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	for {
		var ev feed.Event
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		assert.Equal(t, run.ID, ev.RunID)
	}
}
