package action

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/fleetrules/logger"
	"github.com/mohitkumar/fleetrules/model"
	"go.uber.org/zap"
)

const (
	SEVERITY_INFO     = "info"
	SEVERITY_WARNING  = "warning"
	SEVERITY_CRITICAL = "critical"
)

const alertSchema = `{
	"type": "object",
	"properties": {
		"title": {"type": "string", "minLength": 1},
		"severity": {"type": "string", "enum": ["info", "warning", "critical"]},
		"message": {"type": "string"},
		"alert_type": {"type": "string"}
	},
	"required": ["title", "severity"]
}`

type AlertSpec struct {
	ID          string          `json:"id"`
	TenantID    *uuid.UUID      `json:"tenant_id,omitempty"`
	WorkflowID  int64           `json:"workflow_id"`
	ExecutionID string          `json:"execution_id,omitempty"`
	EventID     string          `json:"event_id"`
	Source      model.EntityRef `json:"source"`
	Title       string          `json:"title"`
	Message     string          `json:"message,omitempty"`
	Severity    string          `json:"severity"`
	AlertType   string          `json:"alert_type,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AlertService is the alert subsystem of the platform.
type AlertService interface {
	CreateAlert(ctx context.Context, alert AlertSpec) (string, error)
}

var _ Action = new(alertAction)

type alertAction struct {
	baseAction
	alerts AlertService
}

func NewAlertAction(alerts AlertService) *alertAction {
	return &alertAction{
		baseAction: newBaseAction(model.ACTION_CREATE_ALERT, alertSchema),
		alerts:     alerts,
	}
}

func (a *alertAction) Execute(ctx context.Context, def model.Action, params map[string]any, actx *Context) (map[string]any, error) {
	if a.alerts == nil {
		return nil, fmt.Errorf("no alert service configured")
	}
	spec := AlertSpec{
		ID:        uuid.New().String(),
		Title:     stringParam(params, "title"),
		Message:   stringParam(params, "message"),
		Severity:  stringParam(params, "severity"),
		AlertType: stringParam(params, "alert_type"),
		CreatedAt: time.Now().UTC(),
	}
	if actx != nil {
		spec.TenantID = actx.Event.TenantID
		spec.EventID = actx.Event.ID
		spec.Source = actx.Event.Source
		if actx.Workflow != nil {
			spec.WorkflowID = actx.Workflow.ID
		}
		if actx.Execution != nil {
			spec.ExecutionID = actx.Execution.ID
		}
	}
	id, err := a.alerts.CreateAlert(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("creating alert: %w", err)
	}
	logger.Info("alert created", zap.String("alert", id), zap.String("severity", spec.Severity), zap.Int64("workflow", spec.WorkflowID))
	return map[string]any{"alert_id": id, "severity": spec.Severity}, nil
}

var _ AlertService = new(MemoryAlertService)

// MemoryAlertService keeps alerts in process, it serves tests and embedders
// without an alert subsystem.
type MemoryAlertService struct {
	mu     sync.Mutex
	alerts []AlertSpec
}

func NewMemoryAlertService() *MemoryAlertService {
	return &MemoryAlertService{}
}

func (s *MemoryAlertService) CreateAlert(ctx context.Context, alert AlertSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(alert.ID) == 0 {
		alert.ID = uuid.New().String()
	}
	s.alerts = append(s.alerts, alert)
	return alert.ID, nil
}

func (s *MemoryAlertService) Alerts() []AlertSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AlertSpec(nil), s.alerts...)
}
