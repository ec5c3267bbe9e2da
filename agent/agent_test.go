package agent

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/mohitkumar/fleetrules/action"
	"github.com/mohitkumar/fleetrules/analytics"
	"github.com/mohitkumar/fleetrules/config"
	"github.com/mohitkumar/fleetrules/engine"
	"github.com/mohitkumar/fleetrules/model"
	"github.com/mohitkumar/fleetrules/persistence"
	"github.com/mohitkumar/fleetrules/resolver"
	"github.com/stretchr/testify/require"
)

func memoryConfig(t *testing.T) config.Config {
	conf, err := config.Load("")
	require.NoError(t, err)
	conf.HttpPort = 0
	conf.EngineConfig.Reaper.Interval = 20 * time.Millisecond
	return *conf
}

func post(t *testing.T, h http.Handler, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, bytes.NewBufferString(body)))
	return rec
}

func TestAgent(t *testing.T) {
	entities := resolver.NewStaticLookup(&model.Entity{
		Ref:        model.EntityRef{Kind: model.ENTITY_VEHICLE, ID: "v1"},
		Attributes: map[string]any{"status": "active"},
	})
	alerts := action.NewMemoryAlertService()
	a, err := New(memoryConfig(t), Collaborators{Entities: entities, Alerts: alerts})
	require.NoError(t, err)
	require.NoError(t, a.Start(false))

	rec := post(t, a.Handler(), "/workflows", `{
		"name": "ignition off",
		"is_active": true,
		"triggers": [{"event_type": "vehicle.ignition_off"}],
		"actions": [
			{"action_type": "update_field", "target_model": "vehicle", "order": 1, "parameters": {"field": "status", "value": "parked"}},
			{"action_type": "create_alert", "order": 2, "parameters": {"title": "vehicle {vehicle.status}", "severity": "info"}}
		]
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = post(t, a.Handler(), "/events", `{"type": "vehicle.ignition_off", "source": {"kind": "vehicle", "id": "v1"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		execs, err := a.Executions().List(context.Background(), persistence.ExecutionFilter{Status: model.COMPLETED})
		return err == nil && len(execs) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, alerts.Alerts(), 1)
	require.Equal(t, "vehicle parked", alerts.Alerts()[0].Title)

	vehicle, err := entities.Fetch(context.Background(), model.ENTITY_VEHICLE, "v1")
	require.NoError(t, err)
	require.Equal(t, "parked", vehicle.Attributes["status"])

	require.NoError(t, a.Shutdown())
	require.NoError(t, a.Shutdown())
	require.ErrorIs(t, a.Dispatcher().Submit(model.NewEvent(model.EVENT_VEHICLE_IDLING, nil,
		model.EntityRef{Kind: model.ENTITY_VEHICLE, ID: "v1"}, nil)), engine.ErrDispatcherStopped)
}

func TestAgentReapsStaleExecutions(t *testing.T) {
	conf := memoryConfig(t)
	conf.EngineConfig.Reaper.StaleAfter = time.Millisecond
	a, err := New(conf, Collaborators{})
	require.NoError(t, err)

	stale := &model.Execution{
		ID:           "6c1f5c3e-8a0e-4c7a-9d8a-2f4f3c1b9e01",
		WorkflowID:   1,
		TriggeredBy:  "vehicle.speeding:e1",
		Status:       model.RUNNING,
		ExecutionLog: []model.LogEntry{},
		StartedAt:    time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, a.Executions().Save(context.Background(), stale))
	require.NoError(t, a.Start(false))
	defer a.Shutdown()

	require.Eventually(t, func() bool {
		exec, err := a.Executions().Get(context.Background(), stale.ID)
		return err == nil && exec.Status == model.FAILED
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAgentServesHttp(t *testing.T) {
	a, err := New(memoryConfig(t), Collaborators{})
	require.NoError(t, err)
	require.NoError(t, a.Start(true))
	require.NoError(t, a.Shutdown())
}

func TestAgentSetupErrors(t *testing.T) {
	for scenario, mutate := range map[string]func(c *config.Config){
		"unknown storage": func(c *config.Config) { c.StorageType = "dynamo" },
		"unknown collector": func(c *config.Config) {
			c.AnalyticsConfig.CollectorType = "STATSD"
		},
	} {
		t.Run(scenario, func(t *testing.T) {
			conf := memoryConfig(t)
			mutate(&conf)
			_, err := New(conf, Collaborators{})
			require.Error(t, err)
		})
	}
}

func TestAgentLogFileCollector(t *testing.T) {
	conf := memoryConfig(t)
	conf.AnalyticsConfig = analytics.DataCollectorConfig{
		CollectorType: analytics.LOG_FILE_DATA_COLLECTOR,
		FileName:      filepath.Join(t.TempDir(), "analytics.log"),
	}
	a, err := New(conf, Collaborators{})
	require.NoError(t, err)
	require.NoError(t, a.Start(false))
	require.NoError(t, a.Shutdown())
}
