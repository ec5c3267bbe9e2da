package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	rd "github.com/go-redis/redis/v9"
	"github.com/mohitkumar/fleetrules/logger"
	"github.com/mohitkumar/fleetrules/metadata"
	"github.com/mohitkumar/fleetrules/model"
	"github.com/mohitkumar/fleetrules/persistence"
	"github.com/mohitkumar/fleetrules/util"
	"go.uber.org/zap"
)

const WORKFLOW_DEF string = "WORKFLOW"
const WORKFLOW_SEQ string = "WORKFLOW_SEQ"
const WORKFLOW_EVENT_INDEX string = "WORKFLOW_EVENT"

var _ metadata.WorkflowStorage = new(redisWorkflowStorage)

// redisWorkflowStorage keeps every definition in one hash keyed by id and a
// set of workflow ids per trigger event type.
type redisWorkflowStorage struct {
	*baseDao
	workflowEncoderDecoder util.EncoderDecoder[model.Workflow]
}

func NewRedisWorkflowStorage(conf Config) *redisWorkflowStorage {
	return &redisWorkflowStorage{
		baseDao:                newBaseDao(conf),
		workflowEncoderDecoder: util.NewJsonEncoderDecoder[model.Workflow](),
	}
}

func (r *redisWorkflowStorage) eventIndex(eventType model.EventType) string {
	return r.getNamespaceKey(WORKFLOW_EVENT_INDEX, string(eventType))
}

func (r *redisWorkflowStorage) NextID(ctx context.Context) (int64, error) {
	id, err := r.redisClient.Incr(ctx, r.getNamespaceKey(WORKFLOW_SEQ)).Result()
	if err != nil {
		return 0, persistence.StorageLayerError{Message: err.Error()}
	}
	return id, nil
}

func eventTypes(wf *model.Workflow) map[model.EventType]struct{} {
	out := make(map[model.EventType]struct{}, len(wf.Triggers))
	for _, t := range wf.Triggers {
		out[t.EventType] = struct{}{}
	}
	return out
}

func (r *redisWorkflowStorage) SaveWorkflow(ctx context.Context, wf *model.Workflow) error {
	key := r.getNamespaceKey(WORKFLOW_DEF)
	field := strconv.FormatInt(wf.ID, 10)
	data, err := r.workflowEncoderDecoder.Encode(*wf)
	if err != nil {
		return err
	}
	current := eventTypes(wf)
	err = r.watch(ctx, func(tx *rd.Tx) error {
		previous := map[model.EventType]struct{}{}
		old, err := tx.HGet(ctx, key, field).Bytes()
		switch {
		case errors.Is(err, rd.Nil):
		case err != nil:
			return err
		default:
			stored, err := r.workflowEncoderDecoder.Decode(old)
			if err != nil {
				return err
			}
			previous = eventTypes(stored)
		}
		_, err = tx.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
			pipe.HSet(ctx, key, field, string(data))
			for et := range previous {
				if _, ok := current[et]; !ok {
					pipe.SRem(ctx, r.eventIndex(et), field)
				}
			}
			for et := range current {
				pipe.SAdd(ctx, r.eventIndex(et), field)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		logger.Error("error in saving workflow definition", zap.Int64("workflow", wf.ID), zap.Error(err))
		return storageError(err)
	}
	return nil
}

func (r *redisWorkflowStorage) GetWorkflow(ctx context.Context, id int64) (*model.Workflow, error) {
	data, err := r.redisClient.HGet(ctx, r.getNamespaceKey(WORKFLOW_DEF), strconv.FormatInt(id, 10)).Bytes()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, fmt.Errorf("workflow %d: %w", id, persistence.ErrNotFound)
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return r.workflowEncoderDecoder.Decode(data)
}

func (r *redisWorkflowStorage) ListWorkflows(ctx context.Context) ([]*model.Workflow, error) {
	values, err := r.redisClient.HVals(ctx, r.getNamespaceKey(WORKFLOW_DEF)).Result()
	if err != nil && !errors.Is(err, rd.Nil) {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	items := make([]any, 0, len(values))
	for _, v := range values {
		items = append(items, v)
	}
	return r.decodeAll(items)
}

func (r *redisWorkflowStorage) ListByEventType(ctx context.Context, eventType model.EventType) ([]*model.Workflow, error) {
	ids, err := r.redisClient.SMembers(ctx, r.eventIndex(eventType)).Result()
	if err != nil && !errors.Is(err, rd.Nil) {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	if len(ids) == 0 {
		return []*model.Workflow{}, nil
	}
	values, err := r.redisClient.HMGet(ctx, r.getNamespaceKey(WORKFLOW_DEF), ids...).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return r.decodeAll(values)
}

func (r *redisWorkflowStorage) decodeAll(values []any) ([]*model.Workflow, error) {
	out := make([]*model.Workflow, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		wf, err := r.workflowEncoderDecoder.Decode([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
