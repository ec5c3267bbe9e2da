package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mohitkumar/fleetrules/model"
	"github.com/mohitkumar/fleetrules/persistence"
)

var _ persistence.ExecutionStorage = new(executionStorage)

type executionStorage struct {
	pool *pgxpool.Pool
}

func NewExecutionStorage(pool *pgxpool.Pool) *executionStorage {
	return &executionStorage{pool: pool}
}

const terminalClause = `status NOT IN ('completed', 'failed')`

func (s *executionStorage) Save(ctx context.Context, exec *model.Execution) error {
	id, err := uuid.Parse(exec.ID)
	if err != nil {
		return fmt.Errorf("execution id %q: %w", exec.ID, err)
	}
	log := exec.ExecutionLog
	if log == nil {
		log = []model.LogEntry{}
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_executions
			(id, workflow_id, tenant_id, triggered_by, trigger_data, status, execution_log, started_at, completed_at, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			error_message = EXCLUDED.error_message
		WHERE workflow_executions.`+terminalClause,
		id, exec.WorkflowID, exec.TenantID, exec.TriggeredBy, model.CopyMap(exec.TriggerData), string(exec.Status),
		log, exec.StartedAt, exec.CompletedAt, exec.ErrorMessage)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s: %w", exec.ID, persistence.ErrExecutionFinalized)
	}
	return nil
}

func (s *executionStorage) AppendLog(ctx context.Context, id string, entries ...model.LogEntry) error {
	key, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("execution %s: %w", id, persistence.ErrNotFound)
	}
	if entries == nil {
		entries = []model.LogEntry{}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions SET execution_log = execution_log || $2::jsonb
		WHERE id = $1 AND `+terminalClause, key, entries)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM workflow_executions WHERE id = $1`, key).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("execution %s: %w", id, persistence.ErrNotFound)
	}
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return fmt.Errorf("execution %s: %w", id, persistence.ErrExecutionFinalized)
}

const headerColumns = `id::text, workflow_id, tenant_id::text, triggered_by, trigger_data, status, started_at, completed_at, error_message`

func scanHeader(row pgx.Row, extra ...any) (*model.Execution, error) {
	var exec model.Execution
	var tenant *string
	var status string
	dest := append([]any{&exec.ID, &exec.WorkflowID, &tenant, &exec.TriggeredBy, &exec.TriggerData, &status,
		&exec.StartedAt, &exec.CompletedAt, &exec.ErrorMessage}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if tenant != nil {
		t, err := uuid.Parse(*tenant)
		if err != nil {
			return nil, err
		}
		exec.TenantID = &t
	}
	exec.Status = model.ExecutionStatus(status)
	exec.StartedAt = exec.StartedAt.UTC()
	if exec.CompletedAt != nil {
		t := exec.CompletedAt.UTC()
		exec.CompletedAt = &t
	}
	return &exec, nil
}

func (s *executionStorage) Get(ctx context.Context, id string) (*model.Execution, error) {
	key, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("execution %s: %w", id, persistence.ErrNotFound)
	}
	var log []model.LogEntry
	row := s.pool.QueryRow(ctx, `SELECT `+headerColumns+`, execution_log FROM workflow_executions WHERE id = $1`, key)
	exec, err := scanHeader(row, &log)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, persistence.ErrNotFound)
	}
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	if log == nil {
		log = []model.LogEntry{}
	}
	exec.ExecutionLog = log
	return exec, nil
}

func (s *executionStorage) List(ctx context.Context, filter persistence.ExecutionFilter) ([]*model.Execution, error) {
	filter = filter.Normalize()
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.WorkflowID != nil {
		where = append(where, "workflow_id = "+arg(*filter.WorkflowID))
	}
	if filter.TenantID != nil {
		where = append(where, "tenant_id = "+arg(*filter.TenantID))
	}
	if len(filter.Status) > 0 {
		where = append(where, "status = "+arg(string(filter.Status)))
	}
	if filter.From != nil {
		where = append(where, "started_at >= "+arg(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "started_at < "+arg(*filter.To))
	}
	query := `SELECT ` + headerColumns + ` FROM workflow_executions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ` + arg(filter.Limit) + ` OFFSET ` + arg(filter.Offset)
	return s.query(ctx, query, args...)
}

func (s *executionStorage) ListStale(ctx context.Context, before time.Time) ([]*model.Execution, error) {
	return s.query(ctx, `SELECT `+headerColumns+` FROM workflow_executions
		WHERE status IN ('pending', 'running') AND started_at < $1
		ORDER BY started_at DESC, id DESC`, before)
}

func (s *executionStorage) query(ctx context.Context, query string, args ...any) ([]*model.Execution, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	defer rows.Close()
	out := make([]*model.Execution, 0)
	for rows.Next() {
		exec, err := scanHeader(rows)
		if err != nil {
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return out, nil
}
