package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	rd "github.com/go-redis/redis/v9"
	"github.com/mohitkumar/fleetrules/persistence"
)

// MAX_WATCH_RETRIES bounds optimistic transaction retries on contended keys.
const MAX_WATCH_RETRIES = 10

type baseDao struct {
	redisClient rd.UniversalClient
	namespace   string
}

func newBaseDao(conf Config) *baseDao {
	redisClient := rd.NewUniversalClient(&rd.UniversalOptions{
		Addrs:    conf.Addrs,
		Password: conf.Password,
		PoolSize: conf.PoolSize,
		DB:       conf.DB,
	})
	return &baseDao{
		redisClient: redisClient,
		namespace:   conf.Namespace,
	}
}

func (bs *baseDao) getNamespaceKey(args ...string) string {
	return fmt.Sprintf("%s:%s", bs.namespace, strings.Join(args, ":"))
}

func (bs *baseDao) Ping(ctx context.Context) error {
	if err := bs.redisClient.Ping(ctx).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (bs *baseDao) Close() error {
	return bs.redisClient.Close()
}

// watch runs fn in an optimistic transaction over keys, retrying when a
// watched key changes underneath it.
func (bs *baseDao) watch(ctx context.Context, fn func(tx *rd.Tx) error, keys ...string) error {
	for i := 0; i < MAX_WATCH_RETRIES; i++ {
		err := bs.redisClient.Watch(ctx, fn, keys...)
		if errors.Is(err, rd.TxFailedErr) {
			continue
		}
		return err
	}
	return persistence.StorageLayerError{Message: fmt.Sprintf("transaction on %s kept conflicting", strings.Join(keys, ","))}
}

func storageError(err error) error {
	var sle persistence.StorageLayerError
	if errors.Is(err, persistence.ErrNotFound) || errors.Is(err, persistence.ErrExecutionFinalized) || errors.As(err, &sle) {
		return err
	}
	return persistence.StorageLayerError{Message: err.Error()}
}
