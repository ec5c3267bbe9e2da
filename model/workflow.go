package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type LogicalOperator string

const LOGICAL_AND LogicalOperator = "AND"
const LOGICAL_OR LogicalOperator = "OR"

func ToLogicalOperator(op string) (LogicalOperator, error) {
	switch {
	case len(strings.TrimSpace(op)) == 0, strings.EqualFold(op, "and"):
		return LOGICAL_AND, nil
	case strings.EqualFold(op, "or"):
		return LOGICAL_OR, nil
	}
	return "", fmt.Errorf("invalid logical operator %s", op)
}

type ActionType string

const (
	ACTION_CREATE_ALERT ActionType = "create_alert"
	ACTION_UPDATE_FIELD ActionType = "update_field"
	ACTION_CALL_WEBHOOK ActionType = "call_webhook"
	ACTION_LOG          ActionType = "log"
)

// Workflow is a tenant scoped automation unit. It owns its triggers,
// conditions and actions; executions reference it by id.
type Workflow struct {
	ID          int64          `json:"id"`
	TenantID    *uuid.UUID     `json:"tenant_id,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	IsActive    bool           `json:"is_active"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Triggers    []Trigger      `json:"triggers"`
	Conditions  []Condition    `json:"conditions"`
	Actions     []Action       `json:"actions"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   *time.Time     `json:"deleted_at,omitempty"`
}

type Trigger struct {
	ID         int64          `json:"id"`
	WorkflowID int64          `json:"workflow_id"`
	EventType  EventType      `json:"event_type"`
	SourceKind *EntityKind    `json:"source_kind,omitempty"`
	EventData  map[string]any `json:"event_data,omitempty"`
	Order      int            `json:"order"`
}

type Condition struct {
	ID              int64           `json:"id"`
	WorkflowID      int64           `json:"workflow_id"`
	FieldPath       string          `json:"field_path"`
	Operator        string          `json:"operator"`
	Value           json.RawMessage `json:"value,omitempty"`
	LogicalOperator LogicalOperator `json:"logical_operator"`
	GroupID         int             `json:"group_id"`
	Order           int             `json:"order"`
}

type Action struct {
	ID          int64           `json:"id"`
	WorkflowID  int64           `json:"workflow_id"`
	ActionType  ActionType      `json:"action_type"`
	TargetModel *EntityKind     `json:"target_model,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Order       int             `json:"order"`
	StopOnError bool            `json:"stop_on_error"`
}

func (w *Workflow) IsDeleted() bool {
	return w.DeletedAt != nil
}

// IsTenantAgnostic reports whether a global workflow accepts events of
// every tenant.
func (w *Workflow) IsTenantAgnostic() bool {
	if w.TenantID != nil || w.Metadata == nil {
		return false
	}
	v, ok := w.Metadata["tenant_agnostic"].(bool)
	return ok && v
}

// SortedActions returns the actions in execution order. Ties keep their
// stored position.
func (w *Workflow) SortedActions() []Action {
	actions := append([]Action(nil), w.Actions...)
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Order < actions[j].Order
	})
	return actions
}

// ConditionGroups buckets conditions by group id, each bucket sorted by
// order, buckets returned by ascending group id.
func (w *Workflow) ConditionGroups() [][]Condition {
	byGroup := make(map[int][]Condition)
	var ids []int
	for _, c := range w.Conditions {
		if _, ok := byGroup[c.GroupID]; !ok {
			ids = append(ids, c.GroupID)
		}
		byGroup[c.GroupID] = append(byGroup[c.GroupID], c)
	}
	sort.Ints(ids)
	groups := make([][]Condition, 0, len(ids))
	for _, id := range ids {
		group := byGroup[id]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Order < group[j].Order
		})
		groups = append(groups, group)
	}
	return groups
}

// Params decodes the action parameters into a json object.
func (a Action) Params() (map[string]any, error) {
	params := make(map[string]any)
	if len(strings.TrimSpace(string(a.Parameters))) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(a.Parameters, &params); err != nil {
		return nil, fmt.Errorf("action %d parameters should be a json object: %w", a.ID, err)
	}
	return params, nil
}
