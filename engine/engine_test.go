package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/fleetrules/action"
	"github.com/mohitkumar/fleetrules/condition"
	"github.com/mohitkumar/fleetrules/metadata"
	"github.com/mohitkumar/fleetrules/model"
	"github.com/mohitkumar/fleetrules/persistence"
	"github.com/mohitkumar/fleetrules/persistence/memory"
	"github.com/mohitkumar/fleetrules/resolver"
	"github.com/mohitkumar/fleetrules/trigger"
	"github.com/stretchr/testify/require"
	"github.com/xeipuuv/gojsonschema"
)

const ACTION_PROBE model.ActionType = "probe"

// probeAction records invocations; {"fail": true} makes it fail and
// {"panic": true} makes it panic.
type probeAction struct {
	mu    sync.Mutex
	calls []string
}

func (p *probeAction) GetType() model.ActionType    { return ACTION_PROBE }
func (p *probeAction) Schema() *gojsonschema.Schema { return nil }
func (p *probeAction) Validate(def model.Action, params map[string]any) error {
	return nil
}

func (p *probeAction) Execute(ctx context.Context, def model.Action, params map[string]any, actx *action.Context) (map[string]any, error) {
	name, _ := params["name"].(string)
	p.mu.Lock()
	p.calls = append(p.calls, name)
	p.mu.Unlock()
	if params["panic"] == true {
		panic("probe exploded")
	}
	if params["fail"] == true {
		return nil, errors.New("probe failed")
	}
	return map[string]any{"name": name}, nil
}

func (p *probeAction) invoked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type fixture struct {
	engine     *Engine
	metadata   *metadata.MetadataServiceImpl
	executions persistence.ExecutionStorage
	probe      *probeAction
	alerts     *action.MemoryAlertService
	entities   *resolver.StaticLookup
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithStorage(t, memory.NewExecutionStorage())
}

func newFixtureWithStorage(t *testing.T, executions persistence.ExecutionStorage) *fixture {
	probe := &probeAction{}
	alerts := action.NewMemoryAlertService()
	entities := resolver.NewStaticLookup(
		&model.Entity{
			Ref:        model.EntityRef{Kind: model.ENTITY_VEHICLE, ID: "v1"},
			Attributes: map[string]any{"name": "Truck 7", "speed": 104.0, "ignition": true, "status": "active"},
			Relations:  map[string]*model.EntityRef{"driver": {Kind: model.ENTITY_DRIVER, ID: "d1"}},
		},
		&model.Entity{
			Ref:        model.EntityRef{Kind: model.ENTITY_DRIVER, ID: "d1"},
			Attributes: map[string]any{"name": "Ana"},
		},
	)
	executor := action.NewExecutor(
		probe,
		action.NewLogAction(),
		action.NewAlertAction(alerts),
		action.NewUpdateFieldAction(entities),
	)
	svc := metadata.NewMetadataService(memory.NewWorkflowStorage(), executor)
	matcher := trigger.NewMatcher(svc, trigger.NewCandidateCache(time.Minute))
	svc.OnChange(matcher.Invalidate)
	eng := NewEngine(matcher, condition.NewEvaluator(nil), resolver.New(entities, 0), executor, executions, nil)
	return &fixture{engine: eng, metadata: svc, executions: executions, probe: probe, alerts: alerts, entities: entities}
}

func (f *fixture) save(t *testing.T, wf model.Workflow) *model.Workflow {
	saved, err := f.metadata.SaveWorkflow(context.Background(), wf)
	require.NoError(t, err)
	return saved
}

func probe(order int, params string, stopOnError bool) model.Action {
	return model.Action{ActionType: ACTION_PROBE, Order: order, Parameters: json.RawMessage(params), StopOnError: stopOnError}
}

func speedingWorkflow(actions ...model.Action) model.Workflow {
	return model.Workflow{
		Name:     "speeding",
		IsActive: true,
		Triggers: []model.Trigger{{EventType: model.EVENT_VEHICLE_SPEEDING}},
		Actions:  actions,
	}
}

func emitSpeeding(t *testing.T, f *fixture, payload map[string]any) []*model.Execution {
	execs, err := f.engine.Emit(context.Background(), model.EVENT_VEHICLE_SPEEDING, nil,
		model.EntityRef{Kind: model.ENTITY_VEHICLE, ID: "v1"}, payload)
	require.NoError(t, err)
	return execs
}

func stored(t *testing.T, f *fixture, id string) *model.Execution {
	exec, err := f.executions.Get(context.Background(), id)
	require.NoError(t, err)
	return exec
}

func messages(exec *model.Execution) []string {
	out := make([]string, 0, len(exec.ExecutionLog))
	for _, e := range exec.ExecutionLog {
		out = append(out, e.Message)
	}
	return out
}

func TestEngine(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, f *fixture){
		"stop on error fails the execution":       testStopOnError,
		"failures without stop on error complete": testContinueOnError,
		"actions run in order":                    testActionOrder,
		"inactive workflows never run":            testInactive,
		"failing conditions create no execution":  testConditionsNotMet,
		"speeding with ignition":                  testSpeedingWithIgnition,
		"later actions see earlier mutations":     testSequentialMutation,
		"panicking action is an engine fault":     testPanic,
		"execution log survives json":             testLogRoundTrip,
		"invalid event is rejected":               testInvalidEvent,
		"tenant scoping":                          testTenantScoping,
		"workflow without actions completes":      testNoActions,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, newFixture(t))
		})
	}
}

func testStopOnError(t *testing.T, f *fixture) {
	f.save(t, speedingWorkflow(
		probe(1, `{"name":"one"}`, false),
		probe(2, `{"name":"two","fail":true}`, true),
		probe(3, `{"name":"three"}`, false),
	))
	execs := emitSpeeding(t, f, map[string]any{"speed": 101})
	require.Len(t, execs, 1)
	require.Equal(t, []string{"one", "two"}, f.probe.invoked())

	exec := stored(t, f, execs[0].ID)
	require.Equal(t, model.FAILED, exec.Status)
	require.NotNil(t, exec.CompletedAt)
	require.Contains(t, exec.ErrorMessage, "action 2")
	require.Contains(t, exec.ErrorMessage, "probe failed")
	require.Equal(t, []string{
		"execution started",
		"starting action 1", "action 1 completed",
		"starting action 2", "action 2 failed",
		"execution failed",
	}, messages(exec))
}

func testContinueOnError(t *testing.T, f *fixture) {
	f.save(t, speedingWorkflow(
		probe(1, `{"name":"one"}`, false),
		probe(2, `{"name":"two","fail":true}`, false),
		probe(3, `{"name":"three"}`, false),
	))
	execs := emitSpeeding(t, f, nil)
	require.Len(t, execs, 1)
	require.Equal(t, []string{"one", "two", "three"}, f.probe.invoked())

	exec := stored(t, f, execs[0].ID)
	require.Equal(t, model.COMPLETED, exec.Status)
	require.Empty(t, exec.ErrorMessage)
	require.Contains(t, messages(exec), "action 2 failed")
	require.Equal(t, "execution completed", exec.ExecutionLog[len(exec.ExecutionLog)-1].Message)
}

func testActionOrder(t *testing.T, f *fixture) {
	f.save(t, speedingWorkflow(
		probe(3, `{"name":"c"}`, false),
		probe(1, `{"name":"a"}`, false),
		probe(2, `{"name":"b"}`, false),
	))
	emitSpeeding(t, f, nil)
	require.Equal(t, []string{"a", "b", "c"}, f.probe.invoked())
}

func testInactive(t *testing.T, f *fixture) {
	wf := speedingWorkflow(probe(1, `{"name":"x"}`, false))
	wf.IsActive = false
	f.save(t, wf)
	require.Empty(t, emitSpeeding(t, f, nil))
	require.Empty(t, f.probe.invoked())
	all, err := f.executions.List(context.Background(), persistence.ExecutionFilter{})
	require.NoError(t, err)
	require.Empty(t, all)
}

func testConditionsNotMet(t *testing.T, f *fixture) {
	wf := speedingWorkflow(probe(1, `{"name":"x"}`, false))
	wf.Conditions = []model.Condition{{FieldPath: "vehicle.speed", Operator: "greater_than", Value: json.RawMessage(`200`)}}
	f.save(t, wf)
	require.Empty(t, emitSpeeding(t, f, nil))
	require.Empty(t, f.probe.invoked())
}

func testSpeedingWithIgnition(t *testing.T, f *fixture) {
	wf := speedingWorkflow(model.Action{
		ActionType: model.ACTION_CREATE_ALERT,
		Order:      1,
		Parameters: json.RawMessage(`{"title":"{vehicle.name} at {$.payload.speed} km/h","severity":"warning","message":"driver {vehicle.driver.name}"}`),
	})
	wf.Conditions = []model.Condition{
		{FieldPath: "vehicle.speed", Operator: "greater_than", Value: json.RawMessage(`90`), LogicalOperator: model.LOGICAL_AND, Order: 1},
		{FieldPath: "vehicle.ignition", Operator: "equals", Value: json.RawMessage(`true`), Order: 2},
	}
	saved := f.save(t, wf)

	execs := emitSpeeding(t, f, map[string]any{"speed": 104})
	require.Len(t, execs, 1)
	require.Equal(t, model.COMPLETED, stored(t, f, execs[0].ID).Status)
	alerts := f.alerts.Alerts()
	require.Len(t, alerts, 1)
	require.Equal(t, "Truck 7 at 104 km/h", alerts[0].Title)
	require.Equal(t, "driver Ana", alerts[0].Message)
	require.Equal(t, saved.ID, alerts[0].WorkflowID)
	require.Equal(t, execs[0].ID, alerts[0].ExecutionID)

	f.entities.Put(&model.Entity{
		Ref:        model.EntityRef{Kind: model.ENTITY_VEHICLE, ID: "v1"},
		Attributes: map[string]any{"name": "Truck 7", "speed": 104.0, "ignition": false},
	})
	require.Empty(t, emitSpeeding(t, f, map[string]any{"speed": 104}))
}

func testSequentialMutation(t *testing.T, f *fixture) {
	vehicle := model.ENTITY_VEHICLE
	f.save(t, speedingWorkflow(
		model.Action{ActionType: model.ACTION_UPDATE_FIELD, TargetModel: &vehicle, Order: 1,
			Parameters: json.RawMessage(`{"field":"status","value":"flagged"}`)},
		probe(2, `{"name":"{vehicle.status}"}`, false),
	))
	execs := emitSpeeding(t, f, nil)
	require.Len(t, execs, 1)
	require.Equal(t, []string{"flagged"}, f.probe.invoked())
}

func testPanic(t *testing.T, f *fixture) {
	f.save(t, speedingWorkflow(
		probe(1, `{"name":"boom","panic":true}`, false),
		probe(2, `{"name":"never"}`, false),
	))
	execs := emitSpeeding(t, f, nil)
	require.Len(t, execs, 1)
	require.Equal(t, []string{"boom"}, f.probe.invoked())
	exec := stored(t, f, execs[0].ID)
	require.Equal(t, model.FAILED, exec.Status)
	require.Contains(t, exec.ErrorMessage, "probe exploded")
	require.Equal(t, "engine fault", exec.ExecutionLog[len(exec.ExecutionLog)-1].Message)
}

func testLogRoundTrip(t *testing.T, f *fixture) {
	f.save(t, speedingWorkflow(probe(1, `{"name":"one"}`, false)))
	execs := emitSpeeding(t, f, map[string]any{"speed": 95})
	exec := stored(t, f, execs[0].ID)

	data, err := json.Marshal(exec)
	require.NoError(t, err)
	var decoded model.Execution
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.ExecutionLog, len(exec.ExecutionLog))
	for i := range exec.ExecutionLog {
		require.True(t, exec.ExecutionLog[i].Timestamp.Equal(decoded.ExecutionLog[i].Timestamp))
		require.Equal(t, exec.ExecutionLog[i].Message, decoded.ExecutionLog[i].Message)
	}
	require.Equal(t, float64(95), decoded.TriggerData["speed"])
	require.Equal(t, exec.TriggeredBy, decoded.TriggeredBy)
}

func testInvalidEvent(t *testing.T, f *fixture) {
	f.save(t, speedingWorkflow(probe(1, `{"name":"one"}`, false)))
	_, err := f.engine.Emit(context.Background(), model.EVENT_VEHICLE_SPEEDING, nil, model.EntityRef{Kind: "train", ID: "t1"}, nil)
	require.Error(t, err)
	require.Empty(t, f.probe.invoked())
}

func testTenantScoping(t *testing.T, f *fixture) {
	tenant := uuid.New()
	wf := speedingWorkflow(probe(1, `{"name":"tenant"}`, false))
	wf.TenantID = &tenant
	f.save(t, wf)
	f.save(t, speedingWorkflow(probe(1, `{"name":"global"}`, false)))

	execs, err := f.engine.Emit(context.Background(), model.EVENT_VEHICLE_SPEEDING, &tenant,
		model.EntityRef{Kind: model.ENTITY_VEHICLE, ID: "v1"}, nil)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.Equal(t, []string{"tenant"}, f.probe.invoked())
	require.Equal(t, tenant, *execs[0].TenantID)
}

func testNoActions(t *testing.T, f *fixture) {
	f.save(t, speedingWorkflow())
	execs := emitSpeeding(t, f, map[string]any{"speed": 120})
	require.Len(t, execs, 1)
	exec := stored(t, f, execs[0].ID)
	require.Equal(t, model.COMPLETED, exec.Status)
	require.NotNil(t, exec.CompletedAt)
	require.Empty(t, exec.ErrorMessage)
	require.Equal(t, []string{"execution started", "execution completed"}, messages(exec))
	require.Empty(t, f.probe.invoked())
}

// recordingStorage remembers the status of every saved execution.
type recordingStorage struct {
	persistence.ExecutionStorage
	mu       sync.Mutex
	statuses []model.ExecutionStatus
}

func (s *recordingStorage) Save(ctx context.Context, exec *model.Execution) error {
	s.mu.Lock()
	s.statuses = append(s.statuses, exec.Status)
	s.mu.Unlock()
	return s.ExecutionStorage.Save(ctx, exec)
}

func TestExecutionLifecycleWithoutActions(t *testing.T) {
	recorder := &recordingStorage{ExecutionStorage: memory.NewExecutionStorage()}
	f := newFixtureWithStorage(t, recorder)
	f.save(t, speedingWorkflow())
	execs := emitSpeeding(t, f, nil)
	require.Len(t, execs, 1)
	require.Equal(t, []model.ExecutionStatus{model.PENDING, model.RUNNING, model.COMPLETED}, recorder.statuses)
}

// failingStorage rejects every write after the first n.
type failingStorage struct {
	persistence.ExecutionStorage
	mu    sync.Mutex
	saves int
	after int
}

func (s *failingStorage) Save(ctx context.Context, exec *model.Execution) error {
	s.mu.Lock()
	s.saves++
	n := s.saves
	s.mu.Unlock()
	if n > s.after {
		return persistence.StorageLayerError{Message: fmt.Sprintf("save %d refused", n)}
	}
	return s.ExecutionStorage.Save(ctx, exec)
}

func TestStorageFaults(t *testing.T) {
	t.Run("no execution when creation fails", func(t *testing.T) {
		f := newFixtureWithStorage(t, &failingStorage{ExecutionStorage: memory.NewExecutionStorage(), after: 0})
		f.save(t, speedingWorkflow(probe(1, `{"name":"one"}`, false)))
		require.Empty(t, emitSpeeding(t, f, nil))
		require.Empty(t, f.probe.invoked())
	})

	t.Run("created execution is failed when running cannot be stored", func(t *testing.T) {
		inner := memory.NewExecutionStorage()
		f := newFixtureWithStorage(t, &failingStorage{ExecutionStorage: inner, after: 1})
		f.save(t, speedingWorkflow(probe(1, `{"name":"one"}`, false)))
		execs := emitSpeeding(t, f, nil)
		require.Len(t, execs, 1)
		require.Equal(t, model.FAILED, execs[0].Status)
		require.Contains(t, execs[0].ErrorMessage, "save 2 refused")
		require.Empty(t, f.probe.invoked())
	})
}
