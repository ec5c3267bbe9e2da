// Package storagetest holds the behaviour every storage implementation must
// share. Backends run it from their own tests.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/fleetrules/metadata"
	"github.com/mohitkumar/fleetrules/model"
	"github.com/mohitkumar/fleetrules/persistence"
	"github.com/stretchr/testify/require"
)

func execution(workflowID int64, tenant *uuid.UUID, startedAt time.Time) *model.Execution {
	wf := &model.Workflow{ID: workflowID}
	evt := model.NewEvent(model.EVENT_VEHICLE_SPEEDING, tenant, model.EntityRef{Kind: model.ENTITY_VEHICLE, ID: "v1"}, map[string]any{"speed": 101.5})
	exec := model.NewExecution(wf, evt)
	exec.StartedAt = startedAt.UTC().Truncate(time.Millisecond)
	return exec
}

func RunExecutionStorageTests(t *testing.T, newStorage func(t *testing.T) persistence.ExecutionStorage) {
	for scenario, fn := range map[string]func(t *testing.T, s persistence.ExecutionStorage){
		"save get and append log":          testSaveGetAppend,
		"terminal executions are immutable": testFinalized,
		"unknown ids are not found":         testNotFound,
		"list filters and pages":            testList,
		"list pages a workflow window":      testListWorkflowWindow,
		"list stale":                        testListStale,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, newStorage(t))
		})
	}
}

func testSaveGetAppend(t *testing.T, s persistence.ExecutionStorage) {
	ctx := context.Background()
	exec := execution(1, nil, time.Now())
	require.NoError(t, s.Save(ctx, exec))

	require.NoError(t, exec.Transition(model.RUNNING))
	require.NoError(t, s.Save(ctx, exec))
	first := exec.Log("execution started", nil)
	second := exec.Log("starting action 1", map[string]any{"action_id": float64(3)})
	require.NoError(t, s.AppendLog(ctx, exec.ID, first))
	require.NoError(t, s.AppendLog(ctx, exec.ID, second))

	got, err := s.Get(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, model.RUNNING, got.Status)
	require.Equal(t, exec.TriggeredBy, got.TriggeredBy)
	require.Equal(t, 101.5, got.TriggerData["speed"])
	require.Len(t, got.ExecutionLog, 2)
	require.Equal(t, "execution started", got.ExecutionLog[0].Message)
	require.Equal(t, "starting action 1", got.ExecutionLog[1].Message)
	require.Equal(t, float64(3), got.ExecutionLog[1].Data["action_id"])
	require.True(t, exec.StartedAt.Equal(got.StartedAt))
}

func testFinalized(t *testing.T, s persistence.ExecutionStorage) {
	ctx := context.Background()
	exec := execution(1, nil, time.Now())
	require.NoError(t, s.Save(ctx, exec))
	require.NoError(t, exec.Transition(model.RUNNING))
	require.NoError(t, s.Save(ctx, exec))
	require.NoError(t, exec.Transition(model.FAILED))
	exec.ErrorMessage = "action 2 failed"
	require.NoError(t, s.Save(ctx, exec))

	require.ErrorIs(t, s.AppendLog(ctx, exec.ID, model.LogEntry{Timestamp: time.Now(), Message: "late"}), persistence.ErrExecutionFinalized)
	exec.Status = model.COMPLETED
	require.ErrorIs(t, s.Save(ctx, exec), persistence.ErrExecutionFinalized)

	got, err := s.Get(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, model.FAILED, got.Status)
	require.Equal(t, "action 2 failed", got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)
}

func testNotFound(t *testing.T, s persistence.ExecutionStorage) {
	ctx := context.Background()
	id := uuid.New().String()
	_, err := s.Get(ctx, id)
	require.ErrorIs(t, err, persistence.ErrNotFound)
	require.ErrorIs(t, s.AppendLog(ctx, id, model.LogEntry{Message: "x"}), persistence.ErrNotFound)
}

func testList(t *testing.T, s persistence.ExecutionStorage) {
	ctx := context.Background()
	tenant := uuid.New()
	base := time.Now().Add(-time.Hour)
	var ids []string
	for i := 0; i < 5; i++ {
		wfID := int64(1)
		if i%2 == 1 {
			wfID = 2
		}
		exec := execution(wfID, &tenant, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.Save(ctx, exec))
		if i == 4 {
			require.NoError(t, exec.Transition(model.RUNNING))
			require.NoError(t, exec.Transition(model.COMPLETED))
			require.NoError(t, s.Save(ctx, exec))
		}
		ids = append(ids, exec.ID)
	}

	all, err := s.List(ctx, persistence.ExecutionFilter{TenantID: &tenant})
	require.NoError(t, err)
	require.Len(t, all, 5)
	require.Equal(t, ids[4], all[0].ID)
	require.Equal(t, ids[0], all[4].ID)

	wf := int64(1)
	byWorkflow, err := s.List(ctx, persistence.ExecutionFilter{WorkflowID: &wf})
	require.NoError(t, err)
	require.Equal(t, []string{ids[4], ids[2], ids[0]}, execIDs(byWorkflow))

	completed, err := s.List(ctx, persistence.ExecutionFilter{TenantID: &tenant, Status: model.COMPLETED})
	require.NoError(t, err)
	require.Equal(t, []string{ids[4]}, execIDs(completed))

	from, to := base.Add(time.Minute), base.Add(3*time.Minute)
	window, err := s.List(ctx, persistence.ExecutionFilter{TenantID: &tenant, From: &from, To: &to})
	require.NoError(t, err)
	require.Equal(t, []string{ids[2], ids[1]}, execIDs(window))

	page, err := s.List(ctx, persistence.ExecutionFilter{TenantID: &tenant, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Equal(t, []string{ids[3], ids[2]}, execIDs(page))

	past, err := s.List(ctx, persistence.ExecutionFilter{TenantID: &tenant, Offset: 10})
	require.NoError(t, err)
	require.Empty(t, past)
}

func testListWorkflowWindow(t *testing.T, s persistence.ExecutionStorage) {
	ctx := context.Background()
	wf := int64(7)
	base := time.Now().Add(-2 * time.Hour)
	var execs []*model.Execution
	for i := 0; i < 6; i++ {
		exec := execution(wf, nil, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.Save(ctx, exec))
		execs = append(execs, exec)
	}
	require.NoError(t, s.Save(ctx, execution(8, nil, base.Add(90*time.Second))))

	for name, tc := range map[string]struct {
		filter persistence.ExecutionFilter
		want   []int
	}{
		"first page":      {filter: persistence.ExecutionFilter{WorkflowID: &wf, Limit: 2}, want: []int{5, 4}},
		"middle page":     {filter: persistence.ExecutionFilter{WorkflowID: &wf, Limit: 2, Offset: 2}, want: []int{3, 2}},
		"short last page": {filter: persistence.ExecutionFilter{WorkflowID: &wf, Limit: 4, Offset: 4}, want: []int{1, 0}},
		"past the end":    {filter: persistence.ExecutionFilter{WorkflowID: &wf, Offset: 6}, want: []int{}},
		"window paged": {
			filter: persistence.ExecutionFilter{WorkflowID: &wf, From: &execs[1].StartedAt, To: &execs[5].StartedAt, Limit: 2, Offset: 1},
			want:   []int{3, 2},
		},
	} {
		t.Run(name, func(t *testing.T) {
			got, err := s.List(ctx, tc.filter)
			require.NoError(t, err)
			want := make([]string, 0, len(tc.want))
			for _, i := range tc.want {
				want = append(want, execs[i].ID)
			}
			require.Equal(t, want, execIDs(got))
		})
	}
}

func testListStale(t *testing.T, s persistence.ExecutionStorage) {
	ctx := context.Background()
	old := execution(1, nil, time.Now().Add(-2*time.Hour))
	require.NoError(t, s.Save(ctx, old))
	require.NoError(t, old.Transition(model.RUNNING))
	require.NoError(t, s.Save(ctx, old))

	done := execution(1, nil, time.Now().Add(-2*time.Hour))
	require.NoError(t, s.Save(ctx, done))
	require.NoError(t, done.Transition(model.FAILED))
	require.NoError(t, s.Save(ctx, done))

	fresh := execution(1, nil, time.Now())
	require.NoError(t, s.Save(ctx, fresh))

	stale, err := s.ListStale(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{old.ID}, execIDs(stale))
}

func execIDs(execs []*model.Execution) []string {
	out := make([]string, 0, len(execs))
	for _, e := range execs {
		out = append(out, e.ID)
	}
	return out
}

func workflow(name string, tenant *uuid.UUID, events ...model.EventType) *model.Workflow {
	wf := &model.Workflow{
		Name:      name,
		TenantID:  tenant,
		IsActive:  true,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		Actions:   []model.Action{{ActionType: model.ACTION_LOG, Parameters: []byte(`{"message":"hi"}`)}},
	}
	for _, e := range events {
		wf.Triggers = append(wf.Triggers, model.Trigger{EventType: e})
	}
	return wf
}

func RunWorkflowStorageTests(t *testing.T, newStorage func(t *testing.T) metadata.WorkflowStorage) {
	t.Run("save get and list by event type", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		ids := make([]int64, 0, 3)
		for _, wf := range []*model.Workflow{
			workflow("speeding", nil, model.EVENT_VEHICLE_SPEEDING),
			workflow("idle", nil, model.EVENT_VEHICLE_IDLING),
			workflow("both", nil, model.EVENT_VEHICLE_IDLING, model.EVENT_VEHICLE_SPEEDING),
		} {
			id, err := s.NextID(ctx)
			require.NoError(t, err)
			wf.ID = id
			require.NoError(t, s.SaveWorkflow(ctx, wf))
			ids = append(ids, id)
		}
		require.Less(t, ids[0], ids[1])

		got, err := s.GetWorkflow(ctx, ids[0])
		require.NoError(t, err)
		require.Equal(t, "speeding", got.Name)
		require.JSONEq(t, `{"message":"hi"}`, string(got.Actions[0].Parameters))

		speeding, err := s.ListByEventType(ctx, model.EVENT_VEHICLE_SPEEDING)
		require.NoError(t, err)
		names := []string{}
		for _, wf := range speeding {
			names = append(names, wf.Name)
		}
		require.ElementsMatch(t, []string{"speeding", "both"}, names)

		all, err := s.ListWorkflows(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
	})

	t.Run("updates replace triggers", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		wf := workflow("moving", nil, model.EVENT_VEHICLE_SPEEDING)
		id, err := s.NextID(ctx)
		require.NoError(t, err)
		wf.ID = id
		require.NoError(t, s.SaveWorkflow(ctx, wf))

		wf.Triggers = []model.Trigger{{EventType: model.EVENT_VEHICLE_IDLING}}
		require.NoError(t, s.SaveWorkflow(ctx, wf))

		speeding, err := s.ListByEventType(ctx, model.EVENT_VEHICLE_SPEEDING)
		require.NoError(t, err)
		require.Empty(t, speeding)
		idle, err := s.ListByEventType(ctx, model.EVENT_VEHICLE_IDLING)
		require.NoError(t, err)
		require.Len(t, idle, 1)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := newStorage(t).GetWorkflow(context.Background(), 987654)
		require.ErrorIs(t, err, persistence.ErrNotFound)
	})
}
