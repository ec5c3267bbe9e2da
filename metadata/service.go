package metadata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/fleetrules/condition"
	"github.com/mohitkumar/fleetrules/logger"
	"github.com/mohitkumar/fleetrules/model"
	"github.com/mohitkumar/fleetrules/persistence"
	"go.uber.org/zap"
)

var ErrInvalidWorkflow = errors.New("invalid workflow")

// ActionValidator checks an action definition at save time. *action.Executor
// implements it.
type ActionValidator interface {
	Validate(def model.Action) error
}

type MetadataService interface {
	SaveWorkflow(ctx context.Context, wf model.Workflow) (*model.Workflow, error)
	GetWorkflow(ctx context.Context, id int64) (*model.Workflow, error)
	DeleteWorkflow(ctx context.Context, id int64) error
	ListWorkflows(ctx context.Context, tenantID *uuid.UUID) ([]*model.Workflow, error)
	ListByEventType(ctx context.Context, eventType model.EventType) ([]*model.Workflow, error)
	ValidateWorkflow(wf model.Workflow) error
	OnChange(fn func())
	GetMetadataStorage() WorkflowStorage
}

var _ MetadataService = new(MetadataServiceImpl)

type MetadataServiceImpl struct {
	storage   WorkflowStorage
	actions   ActionValidator
	mu        sync.Mutex
	listeners []func()
}

func NewMetadataService(storage WorkflowStorage, actions ActionValidator) *MetadataServiceImpl {
	return &MetadataServiceImpl{
		storage: storage,
		actions: actions,
	}
}

// OnChange registers fn to run after every definition write.
func (s *MetadataServiceImpl) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *MetadataServiceImpl) changed() {
	s.mu.Lock()
	listeners := append([]func(){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidWorkflow, fmt.Sprintf(format, args...))
}

func (s *MetadataServiceImpl) ValidateWorkflow(wf model.Workflow) error {
	if len(strings.TrimSpace(wf.Name)) == 0 {
		return invalid("name can not be empty")
	}
	if v, ok := wf.Metadata["tenant_agnostic"]; ok {
		if _, isBool := v.(bool); !isBool {
			return invalid("metadata tenant_agnostic should be a boolean")
		}
		if wf.TenantID != nil && v == true {
			return invalid("tenant workflow %q can not be tenant agnostic", wf.Name)
		}
	}
	if len(wf.Triggers) == 0 {
		return invalid("workflow %q needs at least one trigger", wf.Name)
	}
	for i, t := range wf.Triggers {
		if !t.EventType.Valid() {
			return invalid("trigger %d has unknown event type %q", i, t.EventType)
		}
		if t.SourceKind != nil && !t.SourceKind.Valid() {
			return invalid("trigger %d has unknown source kind %q", i, *t.SourceKind)
		}
	}
	for i, c := range wf.Conditions {
		if _, err := model.ToLogicalOperator(string(c.LogicalOperator)); err != nil {
			return invalid("condition %d: %v", i, err)
		}
		if err := condition.Validate(c); err != nil {
			return invalid("condition %d: %v", i, err)
		}
	}
	for i, a := range wf.Actions {
		if s.actions == nil {
			break
		}
		if err := s.actions.Validate(a); err != nil {
			return invalid("action %d: %v", i, err)
		}
	}
	return nil
}

// SaveWorkflow validates and stores a definition. A zero id creates a new
// workflow; children are renumbered and owned by the saved workflow.
func (s *MetadataServiceImpl) SaveWorkflow(ctx context.Context, wf model.Workflow) (*model.Workflow, error) {
	if err := s.ValidateWorkflow(wf); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if wf.ID == 0 {
		id, err := s.storage.NextID(ctx)
		if err != nil {
			return nil, err
		}
		wf.ID = id
		wf.CreatedAt = now
	} else {
		existing, err := s.GetWorkflow(ctx, wf.ID)
		if err != nil {
			return nil, err
		}
		wf.CreatedAt = existing.CreatedAt
	}
	wf.UpdatedAt = now
	wf.DeletedAt = nil
	if err := s.own(ctx, &wf); err != nil {
		return nil, err
	}
	if err := s.storage.SaveWorkflow(ctx, &wf); err != nil {
		return nil, err
	}
	logger.Info("workflow saved", zap.Int64("workflow", wf.ID), zap.String("name", wf.Name))
	s.changed()
	return &wf, nil
}

func (s *MetadataServiceImpl) own(ctx context.Context, wf *model.Workflow) error {
	nextID := func() (int64, error) { return s.storage.NextID(ctx) }
	triggers := make([]model.Trigger, len(wf.Triggers))
	for i, t := range wf.Triggers {
		id, err := nextID()
		if err != nil {
			return err
		}
		t.ID, t.WorkflowID = id, wf.ID
		triggers[i] = t
	}
	conditions := make([]model.Condition, len(wf.Conditions))
	for i, c := range wf.Conditions {
		id, err := nextID()
		if err != nil {
			return err
		}
		op, _ := model.ToLogicalOperator(string(c.LogicalOperator))
		c.ID, c.WorkflowID, c.LogicalOperator = id, wf.ID, op
		conditions[i] = c
	}
	actions := make([]model.Action, len(wf.Actions))
	for i, a := range wf.Actions {
		id, err := nextID()
		if err != nil {
			return err
		}
		a.ID, a.WorkflowID = id, wf.ID
		actions[i] = a
	}
	wf.Triggers, wf.Conditions, wf.Actions = triggers, conditions, actions
	return nil
}

func (s *MetadataServiceImpl) GetWorkflow(ctx context.Context, id int64) (*model.Workflow, error) {
	wf, err := s.storage.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.IsDeleted() {
		return nil, fmt.Errorf("workflow %d: %w", id, persistence.ErrNotFound)
	}
	return wf, nil
}

// DeleteWorkflow soft deletes; executions keep referencing the id.
func (s *MetadataServiceImpl) DeleteWorkflow(ctx context.Context, id int64) error {
	wf, err := s.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	wf.DeletedAt = &now
	wf.UpdatedAt = now
	if err := s.storage.SaveWorkflow(ctx, wf); err != nil {
		return err
	}
	logger.Info("workflow deleted", zap.Int64("workflow", id))
	s.changed()
	return nil
}

// ListWorkflows lists live workflows; a nil tenant lists every tenant.
func (s *MetadataServiceImpl) ListWorkflows(ctx context.Context, tenantID *uuid.UUID) ([]*model.Workflow, error) {
	all, err := s.storage.ListWorkflows(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Workflow, 0, len(all))
	for _, wf := range all {
		if wf.IsDeleted() {
			continue
		}
		if tenantID != nil && (wf.TenantID == nil || *wf.TenantID != *tenantID) {
			continue
		}
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MetadataServiceImpl) ListByEventType(ctx context.Context, eventType model.EventType) ([]*model.Workflow, error) {
	all, err := s.storage.ListByEventType(ctx, eventType)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Workflow, 0, len(all))
	for _, wf := range all {
		if !wf.IsDeleted() {
			out = append(out, wf)
		}
	}
	return out, nil
}

func (s *MetadataServiceImpl) GetMetadataStorage() WorkflowStorage {
	return s.storage
}
