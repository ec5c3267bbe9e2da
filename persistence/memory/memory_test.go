package memory

import (
	"context"
	"testing"

	"github.com/mohitkumar/fleetrules/metadata"
	"github.com/mohitkumar/fleetrules/model"
	"github.com/mohitkumar/fleetrules/persistence"
	"github.com/mohitkumar/fleetrules/persistence/storagetest"
	"github.com/stretchr/testify/require"
)

func TestExecutionStorage(t *testing.T) {
	storagetest.RunExecutionStorageTests(t, func(t *testing.T) persistence.ExecutionStorage {
		return NewExecutionStorage()
	})
}

func TestWorkflowStorage(t *testing.T) {
	storagetest.RunWorkflowStorageTests(t, func(t *testing.T) metadata.WorkflowStorage {
		return NewWorkflowStorage()
	})
}

func TestStoredCopiesAreDetached(t *testing.T) {
	ctx := context.Background()
	execs := NewExecutionStorage()
	evt := model.NewEvent(model.EVENT_DEVICE_OFFLINE, nil, model.EntityRef{Kind: model.ENTITY_DEVICE, ID: "d1"}, map[string]any{"battery": 3})
	exec := model.NewExecution(&model.Workflow{ID: 4}, evt)
	require.NoError(t, execs.Save(ctx, exec))
	exec.TriggerData["battery"] = 99

	got, err := execs.Get(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, float64(3), got.TriggerData["battery"])
	got.TriggerData["battery"] = 50

	again, err := execs.Get(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, float64(3), again.TriggerData["battery"])

	listed, err := execs.List(ctx, persistence.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Nil(t, listed[0].ExecutionLog)

	workflows := NewWorkflowStorage()
	wf := &model.Workflow{ID: 10, Name: "low battery", Triggers: []model.Trigger{{EventType: model.EVENT_DEVICE_LOW_BATTERY}}}
	require.NoError(t, workflows.SaveWorkflow(ctx, wf))
	wf.Name = "changed"
	stored, err := workflows.GetWorkflow(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, "low battery", stored.Name)

	id, err := workflows.NextID(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(11), id)
}
