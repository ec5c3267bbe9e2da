package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecutionTransitions(t *testing.T) {
	wf := &Workflow{ID: 7}
	evt := NewEvent(EVENT_VEHICLE_SPEEDING, nil, EntityRef{Kind: ENTITY_VEHICLE, ID: "v1"}, map[string]any{"speed": 120})
	exec := NewExecution(wf, evt)
	require.Equal(t, PENDING, exec.Status)
	require.Equal(t, int64(7), exec.WorkflowID)
	require.Equal(t, float64(120), exec.TriggerData["speed"])

	require.Error(t, exec.Transition(COMPLETED))
	require.NoError(t, exec.Transition(RUNNING))
	require.Nil(t, exec.CompletedAt)
	require.NoError(t, exec.Transition(FAILED))
	require.NotNil(t, exec.CompletedAt)
	require.Error(t, exec.Transition(RUNNING))
	require.Error(t, exec.Transition(COMPLETED))
}

func TestTriggerDataIsSnapshot(t *testing.T) {
	payload := map[string]any{"speed": 80}
	evt := NewEvent(EVENT_VEHICLE_SPEEDING, nil, EntityRef{Kind: ENTITY_VEHICLE, ID: "v1"}, payload)
	payload["speed"] = 10
	exec := NewExecution(&Workflow{ID: 1}, evt)
	evt.Payload["speed"] = 20
	require.Equal(t, float64(80), exec.TriggerData["speed"])
}

func TestExecutionLogRoundTrip(t *testing.T) {
	exec := &Execution{ID: "e1", Status: RUNNING}
	base := time.Date(2024, 3, 1, 10, 0, 0, 123456789, time.UTC)
	exec.ExecutionLog = []LogEntry{
		{Timestamp: base, Message: "execution started", Data: map[string]any{"workflow_id": float64(3)}},
		{Timestamp: base.Add(time.Millisecond), Message: "starting action 1", Data: map[string]any{"action_type": "log"}},
		{Timestamp: base.Add(2 * time.Millisecond), Message: "action 1 failed", Data: map[string]any{"error": "boom", "nested": map[string]any{"ok": false}}},
		{Timestamp: base.Add(3 * time.Millisecond), Message: "no data"},
	}

	data, err := json.Marshal(exec.ExecutionLog)
	require.NoError(t, err)
	var decoded []LogEntry
	require.NoError(t, json.Unmarshal(data, &decoded))

	require.Len(t, decoded, len(exec.ExecutionLog))
	for i := range exec.ExecutionLog {
		require.True(t, exec.ExecutionLog[i].Timestamp.Equal(decoded[i].Timestamp), "entry %d timestamp", i)
		require.Equal(t, exec.ExecutionLog[i].Message, decoded[i].Message)
		require.Equal(t, exec.ExecutionLog[i].Data, decoded[i].Data)
	}
}
