package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ExecutionStatus string

const PENDING ExecutionStatus = "pending"
const RUNNING ExecutionStatus = "running"
const COMPLETED ExecutionStatus = "completed"
const FAILED ExecutionStatus = "failed"

func (s ExecutionStatus) Terminal() bool {
	return s == COMPLETED || s == FAILED
}

func (s ExecutionStatus) Valid() bool {
	switch s {
	case PENDING, RUNNING, COMPLETED, FAILED:
		return true
	}
	return false
}

var transitions = map[ExecutionStatus][]ExecutionStatus{
	PENDING: {RUNNING, FAILED},
	RUNNING: {COMPLETED, FAILED},
}

type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

type Execution struct {
	ID           string          `json:"id"`
	WorkflowID   int64           `json:"workflow_id"`
	TenantID     *uuid.UUID      `json:"tenant_id,omitempty"`
	TriggeredBy  string          `json:"triggered_by"`
	TriggerData  map[string]any  `json:"trigger_data"`
	Status       ExecutionStatus `json:"status"`
	ExecutionLog []LogEntry      `json:"execution_log"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// NewExecution creates a pending execution snapshotting the event payload.
func NewExecution(wf *Workflow, evt Event) *Execution {
	return &Execution{
		ID:           uuid.New().String(),
		WorkflowID:   wf.ID,
		TenantID:     evt.TenantID,
		TriggeredBy:  evt.TriggeredBy(),
		TriggerData:  CopyMap(evt.Payload),
		Status:       PENDING,
		ExecutionLog: []LogEntry{},
		StartedAt:    time.Now().UTC(),
	}
}

// Transition moves the execution through pending -> running ->
// completed|failed. Terminal states stamp CompletedAt.
func (e *Execution) Transition(to ExecutionStatus) error {
	for _, allowed := range transitions[e.Status] {
		if allowed == to {
			e.Status = to
			if to.Terminal() {
				now := time.Now().UTC()
				e.CompletedAt = &now
			}
			return nil
		}
	}
	return fmt.Errorf("invalid execution transition %s -> %s", e.Status, to)
}

func (e *Execution) Log(message string, data map[string]any) LogEntry {
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Message:   message,
		Data:      data,
	}
	e.ExecutionLog = append(e.ExecutionLog, entry)
	return entry
}

// Header returns a copy without the log, stores persist the two separately.
func (e *Execution) Header() Execution {
	h := *e
	h.ExecutionLog = nil
	return h
}
