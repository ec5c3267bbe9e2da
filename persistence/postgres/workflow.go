package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mohitkumar/fleetrules/metadata"
	"github.com/mohitkumar/fleetrules/model"
	"github.com/mohitkumar/fleetrules/persistence"
	"github.com/mohitkumar/fleetrules/util"
)

var _ metadata.WorkflowStorage = new(workflowStorage)

// workflowStorage stores each definition as one jsonb document. Trigger
// event types are denormalised into a text array for candidate lookups.
type workflowStorage struct {
	pool           *pgxpool.Pool
	encoderDecoder util.EncoderDecoder[model.Workflow]
}

func NewWorkflowStorage(pool *pgxpool.Pool) *workflowStorage {
	return &workflowStorage{
		pool:           pool,
		encoderDecoder: util.NewJsonEncoderDecoder[model.Workflow](),
	}
}

func (s *workflowStorage) NextID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('workflow_ids')`).Scan(&id); err != nil {
		return 0, persistence.StorageLayerError{Message: err.Error()}
	}
	return id, nil
}

func (s *workflowStorage) SaveWorkflow(ctx context.Context, wf *model.Workflow) error {
	data, err := s.encoderDecoder.Encode(*wf)
	if err != nil {
		return err
	}
	seen := map[model.EventType]bool{}
	eventTypes := make([]string, 0, len(wf.Triggers))
	for _, t := range wf.Triggers {
		if !seen[t.EventType] {
			seen[t.EventType] = true
			eventTypes = append(eventTypes, string(t.EventType))
		}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflows (id, tenant_id, name, event_types, definition, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			name = EXCLUDED.name,
			event_types = EXCLUDED.event_types,
			definition = EXCLUDED.definition,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at`,
		wf.ID, wf.TenantID, wf.Name, eventTypes, string(data), wf.UpdatedAt, wf.DeletedAt)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *workflowStorage) GetWorkflow(ctx context.Context, id int64) (*model.Workflow, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT definition FROM workflows WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workflow %d: %w", id, persistence.ErrNotFound)
	}
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return s.encoderDecoder.Decode(data)
}

func (s *workflowStorage) ListWorkflows(ctx context.Context) ([]*model.Workflow, error) {
	return s.query(ctx, `SELECT definition FROM workflows ORDER BY id`)
}

func (s *workflowStorage) ListByEventType(ctx context.Context, eventType model.EventType) ([]*model.Workflow, error) {
	return s.query(ctx, `SELECT definition FROM workflows WHERE $1 = ANY(event_types) ORDER BY id`, string(eventType))
}

func (s *workflowStorage) query(ctx context.Context, query string, args ...any) ([]*model.Workflow, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	defer rows.Close()
	out := make([]*model.Workflow, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		wf, err := s.encoderDecoder.Decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return out, nil
}
