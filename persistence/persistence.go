package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/fleetrules/model"
)

type StorageLayerError struct {
	Message string
}

func (e StorageLayerError) Error() string {
	return fmt.Sprintf("storage layer error %s", e.Message)
}

var (
	ErrNotFound           = errors.New("not found")
	ErrExecutionFinalized = errors.New("execution is finalized")
)

const DEFAULT_LIST_LIMIT = 50
const MAX_LIST_LIMIT = 500

// ExecutionStorage persists execution records. Save upserts the header
// (the log is only written on insert); AppendLog adds entries. Both reject
// writes once the stored execution is completed or failed.
type ExecutionStorage interface {
	Save(ctx context.Context, exec *model.Execution) error
	AppendLog(ctx context.Context, id string, entries ...model.LogEntry) error
	Get(ctx context.Context, id string) (*model.Execution, error)
	// List returns execution headers, newest first.
	List(ctx context.Context, filter ExecutionFilter) ([]*model.Execution, error)
	// ListStale returns pending or running executions started before t.
	ListStale(ctx context.Context, before time.Time) ([]*model.Execution, error)
}

type ExecutionFilter struct {
	WorkflowID *int64
	TenantID   *uuid.UUID
	Status     model.ExecutionStatus
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// Normalize clamps limit and offset.
func (f ExecutionFilter) Normalize() ExecutionFilter {
	if f.Limit <= 0 {
		f.Limit = DEFAULT_LIST_LIMIT
	}
	if f.Limit > MAX_LIST_LIMIT {
		f.Limit = MAX_LIST_LIMIT
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Matches applies every filter criterion except paging. From is inclusive,
// To exclusive.
func (f ExecutionFilter) Matches(e *model.Execution) bool {
	if f.WorkflowID != nil && e.WorkflowID != *f.WorkflowID {
		return false
	}
	if f.TenantID != nil && (e.TenantID == nil || *e.TenantID != *f.TenantID) {
		return false
	}
	if len(f.Status) > 0 && e.Status != f.Status {
		return false
	}
	if f.From != nil && e.StartedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !e.StartedAt.Before(*f.To) {
		return false
	}
	return true
}

// Page slices an already filtered, sorted result.
func Page[T any](items []T, f ExecutionFilter) []T {
	f = f.Normalize()
	if f.Offset >= len(items) {
		return []T{}
	}
	end := f.Offset + f.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[f.Offset:end]
}

// SortNewestFirst orders by start time descending, ties by id descending.
func SortNewestFirst(execs []*model.Execution) {
	sort.Slice(execs, func(i, j int) bool {
		if execs[i].StartedAt.Equal(execs[j].StartedAt) {
			return execs[i].ID > execs[j].ID
		}
		return execs[i].StartedAt.After(execs[j].StartedAt)
	})
}
