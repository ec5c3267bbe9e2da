package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mohitkumar/fleetrules/model"
	"github.com/mohitkumar/fleetrules/persistence"
)

var _ persistence.ExecutionStorage = new(executionStorage)

type executionStorage struct {
	mu         sync.RWMutex
	executions map[string]*model.Execution
}

func NewExecutionStorage() *executionStorage {
	return &executionStorage{
		executions: make(map[string]*model.Execution),
	}
}

func copyExecution(e *model.Execution, withLog bool) *model.Execution {
	out := *e
	out.TriggerData = model.CopyMap(e.TriggerData)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	if withLog {
		out.ExecutionLog = append([]model.LogEntry{}, e.ExecutionLog...)
	} else {
		out.ExecutionLog = nil
	}
	return &out
}

func (s *executionStorage) Save(ctx context.Context, exec *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.executions[exec.ID]
	if !ok {
		s.executions[exec.ID] = copyExecution(exec, true)
		return nil
	}
	if stored.Status.Terminal() {
		return fmt.Errorf("execution %s: %w", exec.ID, persistence.ErrExecutionFinalized)
	}
	updated := copyExecution(exec, false)
	updated.ExecutionLog = stored.ExecutionLog
	s.executions[exec.ID] = updated
	return nil
}

func (s *executionStorage) AppendLog(ctx context.Context, id string, entries ...model.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.executions[id]
	if !ok {
		return fmt.Errorf("execution %s: %w", id, persistence.ErrNotFound)
	}
	if stored.Status.Terminal() {
		return fmt.Errorf("execution %s: %w", id, persistence.ErrExecutionFinalized)
	}
	stored.ExecutionLog = append(stored.ExecutionLog, entries...)
	return nil
}

func (s *executionStorage) Get(ctx context.Context, id string) (*model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, persistence.ErrNotFound)
	}
	return copyExecution(stored, true), nil
}

func (s *executionStorage) List(ctx context.Context, filter persistence.ExecutionFilter) ([]*model.Execution, error) {
	s.mu.RLock()
	var out []*model.Execution
	for _, e := range s.executions {
		if filter.Matches(e) {
			out = append(out, copyExecution(e, false))
		}
	}
	s.mu.RUnlock()
	persistence.SortNewestFirst(out)
	return persistence.Page(out, filter), nil
}

func (s *executionStorage) ListStale(ctx context.Context, before time.Time) ([]*model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Execution
	for _, e := range s.executions {
		if !e.Status.Terminal() && e.StartedAt.Before(before) {
			out = append(out, copyExecution(e, false))
		}
	}
	persistence.SortNewestFirst(out)
	return out, nil
}
