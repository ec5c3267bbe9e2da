package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/fleetrules/action"
	"github.com/mohitkumar/fleetrules/analytics"
	"github.com/mohitkumar/fleetrules/condition"
	"github.com/mohitkumar/fleetrules/engine"
	"github.com/mohitkumar/fleetrules/metadata"
	"github.com/mohitkumar/fleetrules/model"
	"github.com/mohitkumar/fleetrules/persistence"
	"github.com/mohitkumar/fleetrules/persistence/memory"
	"github.com/mohitkumar/fleetrules/resolver"
	"github.com/mohitkumar/fleetrules/trigger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const speedingWorkflow = `{
	"name": "speeding alert",
	"is_active": true,
	"triggers": [{"event_type": "vehicle.speeding"}],
	"conditions": [
		{"field_path": "vehicle.speed", "operator": "greater_than", "value": 90, "logical_operator": "AND"}
	],
	"actions": [
		{"action_type": "create_alert", "order": 1, "parameters": {"title": "{vehicle.name} speeding", "severity": "warning"}}
	]
}`

type fixture struct {
	server     *Server
	handler    *engine.Engine
	executions persistence.ExecutionStorage
	alerts     *action.MemoryAlertService
}

type stubSubmitter struct {
	err error
}

func (s stubSubmitter) Submit(evt model.Event) error {
	return s.err
}

func newFixture(t *testing.T, submitter func(engine.Handler) Submitter) *fixture {
	entities := resolver.NewStaticLookup(&model.Entity{
		Ref:        model.EntityRef{Kind: model.ENTITY_VEHICLE, ID: "v1"},
		Attributes: map[string]any{"name": "Truck 7", "speed": 104.0},
	})
	alerts := action.NewMemoryAlertService()
	executor := action.NewExecutor(action.NewLogAction(), action.NewAlertAction(alerts),
		action.NewWebhookAction(action.NewHTTPWebhookClient(action.DefaultWebhookConfig())))
	svc := metadata.NewMetadataService(memory.NewWorkflowStorage(), executor)
	matcher := trigger.NewMatcher(svc, trigger.NewCandidateCache(time.Minute))
	svc.OnChange(matcher.Invalidate)
	executions := memory.NewExecutionStorage()
	reg := prometheus.NewRegistry()
	eng := engine.NewEngine(matcher, condition.NewEvaluator(nil), resolver.New(entities, 0), executor, executions,
		analytics.NewPrometheusDataCollector(reg))
	conf := ServerConfig{
		MetadataService: svc,
		Handler:         eng,
		Executions:      executions,
		Actions:         executor,
		Gatherer:        reg,
	}
	if submitter != nil {
		conf.Submitter = submitter(eng)
	}
	s, err := NewServer(conf)
	require.NoError(t, err)
	return &fixture{server: s, handler: eng, executions: executions, alerts: alerts}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if len(body) > 0 {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.server.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (f *fixture) createWorkflow(t *testing.T) *model.Workflow {
	rec := f.do(t, http.MethodPost, "/workflows", speedingWorkflow)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	wf := decodeBody[model.Workflow](t, rec)
	return &wf
}

const speedingEvent = `{"type": "vehicle.speeding", "source": {"kind": "vehicle", "id": "v1"}, "payload": {"speed": 104}}`

func TestServer(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T){
		"workflow crud":            testWorkflowCrud,
		"invalid workflow":         testInvalidWorkflow,
		"sync event":               testSyncEvent,
		"sync event client gone":   testSyncEventClientGone,
		"execution listing":        testExecutionListing,
		"malformed event":          testMalformedEvent,
		"action types and metrics": testActionTypesAndMetrics,
	} {
		t.Run(scenario, fn)
	}
}

func testWorkflowCrud(t *testing.T) {
	f := newFixture(t, nil)
	wf := f.createWorkflow(t)
	require.NotZero(t, wf.ID)
	require.Len(t, wf.Actions, 1)
	require.Equal(t, wf.ID, wf.Actions[0].WorkflowID)

	path := fmt.Sprintf("/workflows/%d", wf.ID)
	rec := f.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "speeding alert", decodeBody[model.Workflow](t, rec).Name)

	rec = f.do(t, http.MethodPut, path, `{
		"name": "renamed",
		"is_active": false,
		"triggers": [{"event_type": "vehicle.idling"}],
		"actions": [{"action_type": "log", "parameters": {"message": "idle"}}]
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeBody[model.Workflow](t, rec)
	require.Equal(t, wf.ID, updated.ID)
	require.Equal(t, "renamed", updated.Name)

	rec = f.do(t, http.MethodGet, "/workflows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody[[]*model.Workflow](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/workflows?tenant_id="+uuid.NewString(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody[[]*model.Workflow](t, rec), 0)

	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, path, "").Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, path, "").Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, path, "").Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, "/workflows/999", speedingWorkflow).Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/workflows?tenant_id=nope", "").Code)
}

func testInvalidWorkflow(t *testing.T) {
	f := newFixture(t, nil)
	for name, body := range map[string]string{
		"malformed json": `{"name": `,
		"unknown field":  `{"name": "x", "colour": "red"}`,
		"no triggers":    `{"name": "x", "actions": [{"action_type": "log", "parameters": {"message": "m"}}]}`,
		"bad action": `{"name": "x", "triggers": [{"event_type": "vehicle.speeding"}],
			"actions": [{"action_type": "create_alert", "parameters": {"title": "t"}}]}`,
		"unknown action": `{"name": "x", "triggers": [{"event_type": "vehicle.speeding"}],
			"actions": [{"action_type": "teleport"}]}`,
	} {
		rec := f.do(t, http.MethodPost, "/workflows", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, name)
		require.Contains(t, decodeBody[map[string]string](t, rec), "error", name)
	}
}

func testSyncEvent(t *testing.T) {
	f := newFixture(t, nil)
	wf := f.createWorkflow(t)

	rec := f.do(t, http.MethodPost, "/events", speedingEvent)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[eventResponse](t, rec)
	require.NotEmpty(t, res.EventID)
	require.Len(t, res.Executions, 1)
	require.Equal(t, wf.ID, res.Executions[0].WorkflowID)
	require.Equal(t, model.COMPLETED, res.Executions[0].Status)

	alerts := f.alerts.Alerts()
	require.Len(t, alerts, 1)
	require.Equal(t, "Truck 7 speeding", alerts[0].Title)

	rec = f.do(t, http.MethodGet, "/executions/"+res.Executions[0].ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	exec := decodeBody[model.Execution](t, rec)
	require.Equal(t, "execution started", exec.ExecutionLog[0].Message)
	require.Equal(t, "execution completed", exec.ExecutionLog[len(exec.ExecutionLog)-1].Message)

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/executions/"+uuid.NewString(), "").Code)
}

func testSyncEventClientGone(t *testing.T) {
	var calls atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	f := newFixture(t, nil)
	body := fmt.Sprintf(`{
		"name": "speeding webhook",
		"is_active": true,
		"triggers": [{"event_type": "vehicle.speeding"}],
		"actions": [
			{"action_type": "call_webhook", "order": 1, "stop_on_error": true, "parameters": {"url": %q, "body": {"vehicle": "{vehicle.name}"}}}
		]
	}`, hook.URL)
	rec := f.do(t, http.MethodPost, "/workflows", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/events?mode=sync", bytes.NewBufferString(speedingEvent)).WithContext(ctx)
	rec = httptest.NewRecorder()
	f.server.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decodeBody[eventResponse](t, rec)
	require.Len(t, res.Executions, 1)
	require.Equal(t, model.COMPLETED, res.Executions[0].Status, res.Executions[0].ErrorMessage)
	require.Equal(t, int32(1), calls.Load())

	stored, err := f.executions.Get(context.Background(), res.Executions[0].ID)
	require.NoError(t, err)
	require.Equal(t, model.COMPLETED, stored.Status)
}

func testExecutionListing(t *testing.T) {
	f := newFixture(t, nil)
	wf := f.createWorkflow(t)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/events", speedingEvent).Code)
	}

	type page struct {
		Executions []*model.Execution `json:"executions"`
		Limit      int                `json:"limit"`
		Offset     int                `json:"offset"`
	}
	rec := f.do(t, http.MethodGet, "/executions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	all := decodeBody[page](t, rec)
	require.Len(t, all.Executions, 3)
	require.Equal(t, persistence.DEFAULT_LIST_LIMIT, all.Limit)
	require.Empty(t, all.Executions[0].ExecutionLog)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/workflows/%d/executions?limit=2&offset=1", wf.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	paged := decodeBody[page](t, rec)
	require.Len(t, paged.Executions, 2)
	require.Equal(t, all.Executions[1].ID, paged.Executions[0].ID)

	rec = f.do(t, http.MethodGet, "/executions?status=failed", "")
	require.Len(t, decodeBody[page](t, rec).Executions, 0)

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rec = f.do(t, http.MethodGet, "/executions?from="+future, "")
	require.Len(t, decodeBody[page](t, rec).Executions, 0)

	rec = f.do(t, http.MethodGet, "/workflows/999/executions", "")
	require.Len(t, decodeBody[page](t, rec).Executions, 0)

	for _, q := range []string{"status=paused", "workflow_id=x", "from=yesterday", "limit=-1", "tenant_id=1"} {
		require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/executions?"+q, "").Code, q)
	}
}

func testMalformedEvent(t *testing.T) {
	f := newFixture(t, nil)
	for _, body := range []string{
		`{"type": `,
		`{"type": "vehicle.speeding", "source": {"kind": "boat", "id": "b1"}}`,
		`{"type": "vehicle.speeding", "source": {"kind": "vehicle", "id": ""}}`,
		`{"type": "", "source": {"kind": "vehicle", "id": "v1"}}`,
		`{"type": "vehicle.flying", "source": {"kind": "vehicle", "id": "v1"}}`,
		`{"type": "vehicle.speeding", "source": {"kind": "driver", "id": "d1"}}`,
	} {
		require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/events", body).Code, body)
	}
}

func testActionTypesAndMetrics(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/actions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []any{"call_webhook", "create_alert", "log"}, decodeBody[map[string]any](t, rec)["action_types"])

	f.createWorkflow(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/events", speedingEvent).Code)
	rec = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `fleetrules_executions_total{status="completed"} 1`)
}

func TestAsyncEvents(t *testing.T) {
	var dispatcher *engine.Dispatcher
	f := newFixture(t, func(h engine.Handler) Submitter {
		dispatcher = engine.NewDispatcher(h, engine.DispatcherConfig{Workers: 2, QueueCapacity: 8})
		return dispatcher
	})
	dispatcher.Start()
	defer dispatcher.Stop()
	f.createWorkflow(t)

	rec := f.do(t, http.MethodPost, "/events", speedingEvent)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Empty(t, decodeBody[eventResponse](t, rec).Executions)

	require.Eventually(t, func() bool {
		execs, err := f.executions.List(context.Background(), persistence.ExecutionFilter{Status: model.COMPLETED})
		return err == nil && len(execs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	rec = f.do(t, http.MethodPost, "/events?mode=sync", speedingEvent)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody[eventResponse](t, rec).Executions, 1)
}

func TestRejectedEvents(t *testing.T) {
	for name, tc := range map[string]struct {
		err  error
		code int
	}{
		"queue full": {err: engine.ErrQueueFull, code: http.StatusServiceUnavailable},
		"stopped":    {err: fmt.Errorf("submit: %w", engine.ErrDispatcherStopped), code: http.StatusServiceUnavailable},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, func(engine.Handler) Submitter { return stubSubmitter{err: tc.err} })
			require.Equal(t, tc.code, f.do(t, http.MethodPost, "/events", speedingEvent).Code)
		})
	}
}

func TestNewServerRequiresCollaborators(t *testing.T) {
	_, err := NewServer(ServerConfig{Port: 8080})
	require.Error(t, err)
}
