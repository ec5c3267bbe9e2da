package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	rd "github.com/go-redis/redis/v9"
	"github.com/mohitkumar/fleetrules/logger"
	"github.com/mohitkumar/fleetrules/model"
	"github.com/mohitkumar/fleetrules/persistence"
	"github.com/mohitkumar/fleetrules/util"
	"go.uber.org/zap"
)

const EXECUTION_KEY string = "EXECUTION"
const EXECUTION_LOG_KEY string = "EXECUTION_LOG"
const EXECUTIONS_INDEX string = "EXECUTIONS"
const ACTIVE_EXECUTIONS_INDEX string = "EXECUTIONS_ACTIVE"

var _ persistence.ExecutionStorage = new(redisExecutionStorage)

// redisExecutionStorage keeps the header as json under EXECUTION:<id>, the
// log as a list under EXECUTION_LOG:<id> and sorted set indexes scored by
// start time in microseconds.
type redisExecutionStorage struct {
	*baseDao
	headerEncoderDecoder util.EncoderDecoder[model.Execution]
	logEncoderDecoder    util.EncoderDecoder[model.LogEntry]
}

func NewRedisExecutionStorage(conf Config) *redisExecutionStorage {
	return &redisExecutionStorage{
		baseDao:              newBaseDao(conf),
		headerEncoderDecoder: util.NewJsonEncoderDecoder[model.Execution](),
		logEncoderDecoder:    util.NewJsonEncoderDecoder[model.LogEntry](),
	}
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func (r *redisExecutionStorage) headerKey(id string) string {
	return r.getNamespaceKey(EXECUTION_KEY, id)
}

func (r *redisExecutionStorage) logKey(id string) string {
	return r.getNamespaceKey(EXECUTION_LOG_KEY, id)
}

func (r *redisExecutionStorage) workflowIndex(workflowID int64) string {
	return r.getNamespaceKey(EXECUTIONS_INDEX, "WORKFLOW", strconv.FormatInt(workflowID, 10))
}

type getter interface {
	Get(ctx context.Context, key string) *rd.StringCmd
}

func (r *redisExecutionStorage) readHeader(ctx context.Context, cmd getter, id string) (*model.Execution, error) {
	data, err := cmd.Get(ctx, r.headerKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, fmt.Errorf("execution %s: %w", id, persistence.ErrNotFound)
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return r.headerEncoderDecoder.Decode(data)
}

func (r *redisExecutionStorage) Save(ctx context.Context, exec *model.Execution) error {
	key := r.headerKey(exec.ID)
	header, err := r.headerEncoderDecoder.Encode(exec.Header())
	if err != nil {
		return err
	}
	err = r.watch(ctx, func(tx *rd.Tx) error {
		stored, err := r.readHeader(ctx, tx, exec.ID)
		insert := errors.Is(err, persistence.ErrNotFound)
		if err != nil && !insert {
			return err
		}
		if !insert && stored.Status.Terminal() {
			return fmt.Errorf("execution %s: %w", exec.ID, persistence.ErrExecutionFinalized)
		}
		var entries []any
		if insert {
			for _, entry := range exec.ExecutionLog {
				data, err := r.logEncoderDecoder.Encode(entry)
				if err != nil {
					return err
				}
				entries = append(entries, string(data))
			}
		}
		member := rd.Z{Score: score(exec.StartedAt), Member: exec.ID}
		_, err = tx.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
			pipe.Set(ctx, key, header, 0)
			if insert {
				if len(entries) > 0 {
					pipe.RPush(ctx, r.logKey(exec.ID), entries...)
				}
				pipe.ZAdd(ctx, r.getNamespaceKey(EXECUTIONS_INDEX), member)
				pipe.ZAdd(ctx, r.workflowIndex(exec.WorkflowID), member)
			}
			if exec.Status.Terminal() {
				pipe.ZRem(ctx, r.getNamespaceKey(ACTIVE_EXECUTIONS_INDEX), exec.ID)
			} else {
				pipe.ZAdd(ctx, r.getNamespaceKey(ACTIVE_EXECUTIONS_INDEX), member)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		logger.Debug("error saving execution", zap.String("execution", exec.ID), zap.Error(err))
		return storageError(err)
	}
	return nil
}

func (r *redisExecutionStorage) AppendLog(ctx context.Context, id string, entries ...model.LogEntry) error {
	values := make([]any, 0, len(entries))
	for _, entry := range entries {
		data, err := r.logEncoderDecoder.Encode(entry)
		if err != nil {
			return err
		}
		values = append(values, string(data))
	}
	key := r.headerKey(id)
	err := r.watch(ctx, func(tx *rd.Tx) error {
		stored, err := r.readHeader(ctx, tx, id)
		if err != nil {
			return err
		}
		if stored.Status.Terminal() {
			return fmt.Errorf("execution %s: %w", id, persistence.ErrExecutionFinalized)
		}
		if len(values) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
			pipe.RPush(ctx, r.logKey(id), values...)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return storageError(err)
	}
	return nil
}

func (r *redisExecutionStorage) Get(ctx context.Context, id string) (*model.Execution, error) {
	exec, err := r.readHeader(ctx, r.redisClient, id)
	if err != nil {
		return nil, err
	}
	raw, err := r.redisClient.LRange(ctx, r.logKey(id), 0, -1).Result()
	if err != nil && !errors.Is(err, rd.Nil) {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	exec.ExecutionLog = make([]model.LogEntry, 0, len(raw))
	for _, item := range raw {
		entry, err := r.logEncoderDecoder.Decode([]byte(item))
		if err != nil {
			return nil, err
		}
		exec.ExecutionLog = append(exec.ExecutionLog, *entry)
	}
	return exec, nil
}

// List narrows by workflow and time through the indexes. Without tenant or
// status criteria the index range is exact, so Redis applies offset and count
// itself; otherwise the window is loaded and filtered on the headers.
func (r *redisExecutionStorage) List(ctx context.Context, filter persistence.ExecutionFilter) ([]*model.Execution, error) {
	filter = filter.Normalize()
	index := r.getNamespaceKey(EXECUTIONS_INDEX)
	if filter.WorkflowID != nil {
		index = r.workflowIndex(*filter.WorkflowID)
	}
	if filter.TenantID == nil && len(filter.Status) == 0 && microAligned(filter.From) && microAligned(filter.To) {
		opt := &rd.ZRangeBy{Min: "-inf", Max: "+inf", Offset: int64(filter.Offset), Count: int64(filter.Limit)}
		if filter.From != nil {
			opt.Min = strconv.FormatFloat(score(*filter.From), 'f', 0, 64)
		}
		if filter.To != nil {
			opt.Max = "(" + strconv.FormatFloat(score(*filter.To), 'f', 0, 64)
		}
		ids, err := r.redisClient.ZRevRangeByScore(ctx, index, opt).Result()
		if err != nil && !errors.Is(err, rd.Nil) {
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		execs, err := r.headers(ctx, ids, filter.Matches)
		if err != nil {
			return nil, err
		}
		persistence.SortNewestFirst(execs)
		return execs, nil
	}
	opt := &rd.ZRangeBy{Min: "-inf", Max: "+inf"}
	if filter.From != nil {
		opt.Min = strconv.FormatFloat(score(*filter.From), 'f', 0, 64)
	}
	if filter.To != nil {
		opt.Max = strconv.FormatFloat(score(*filter.To), 'f', 0, 64)
	}
	execs, err := r.load(ctx, index, opt, filter.Matches)
	if err != nil {
		return nil, err
	}
	persistence.SortNewestFirst(execs)
	return persistence.Page(execs, filter), nil
}

// microAligned reports whether a bound falls on a score boundary, which keeps
// the index range identical to the filter's From/To semantics.
func microAligned(t *time.Time) bool {
	return t == nil || t.Nanosecond()%int(time.Microsecond) == 0
}

func (r *redisExecutionStorage) ListStale(ctx context.Context, before time.Time) ([]*model.Execution, error) {
	opt := &rd.ZRangeBy{Min: "-inf", Max: "(" + strconv.FormatFloat(score(before), 'f', 0, 64)}
	execs, err := r.load(ctx, r.getNamespaceKey(ACTIVE_EXECUTIONS_INDEX), opt, func(e *model.Execution) bool {
		return !e.Status.Terminal() && e.StartedAt.Before(before)
	})
	if err != nil {
		return nil, err
	}
	persistence.SortNewestFirst(execs)
	return execs, nil
}

func (r *redisExecutionStorage) load(ctx context.Context, index string, opt *rd.ZRangeBy, keep func(*model.Execution) bool) ([]*model.Execution, error) {
	ids, err := r.redisClient.ZRangeByScore(ctx, index, opt).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return []*model.Execution{}, nil
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return r.headers(ctx, ids, keep)
}

func (r *redisExecutionStorage) headers(ctx context.Context, ids []string, keep func(*model.Execution) bool) ([]*model.Execution, error) {
	out := make([]*model.Execution, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, r.headerKey(id))
	}
	values, err := r.redisClient.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			logger.Warn("execution index points at a missing header", zap.String("execution", ids[i]))
			continue
		}
		exec, err := r.headerEncoderDecoder.Decode([]byte(s))
		if err != nil {
			return nil, err
		}
		if keep(exec) {
			out = append(out, exec)
		}
	}
	return out, nil
}
