package store

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/aiborg-ai/appboardguru-sub014/internal/core"
)

// RedisStore backs the VersionedStore with Redis for multi-pod deployments.
// Optimistic version checks run inside WATCH/MULTI so a concurrent writer
// aborts the transaction instead of clobbering the newer record.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "trust:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (rs *RedisStore) key(k string) string { return rs.keyPrefix + "rec:" + k }

func (rs *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	fields, err := rs.client.HGetAll(ctx, rs.key(key)).Result()
	if err != nil {
		return nil, core.WrapTransient(err, "redis HGETALL %s", key)
	}
	if len(fields) == 0 {
		return nil, core.NewError(core.KindNotFound, "record %s not found", key)
	}
	version, _ := strconv.ParseInt(fields["version"], 10, 64)
	return &Record{Key: key, Value: []byte(fields["value"]), Version: version}, nil
}

func (rs *RedisStore) Put(ctx context.Context, key string, value []byte) (int64, error) {
	k := rs.key(key)
	version, err := rs.client.HIncrBy(ctx, k, "version", 1).Result()
	if err != nil {
		return 0, core.WrapTransient(err, "redis HINCRBY %s", key)
	}
	if err := rs.client.HSet(ctx, k, "value", value).Err(); err != nil {
		return 0, core.WrapTransient(err, "redis HSET %s", key)
	}
	return version, nil
}

func (rs *RedisStore) PutIfVersion(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error) {
	k := rs.key(key)
	next := expectedVersion + 1

	txn := func(tx *redis.Tx) error {
		current := int64(0)
		raw, err := tx.HGet(ctx, k, "version").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			current, _ = strconv.ParseInt(raw, 10, 64)
		}
		if current != expectedVersion {
			return ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k, "value", value, "version", next)
			return nil
		})
		return err
	}

	err := rs.client.Watch(ctx, txn, k)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return 0, ErrVersionConflict
		}
		if errors.Is(err, redis.TxFailedErr) {
			// Another writer touched the key mid-transaction.
			return 0, ErrVersionConflict
		}
		return 0, core.WrapTransient(err, "redis WATCH %s", key)
	}
	return next, nil
}

func (rs *RedisStore) Delete(ctx context.Context, key string) error {
	if err := rs.client.Del(ctx, rs.key(key)).Err(); err != nil {
		return core.WrapTransient(err, "redis DEL %s", key)
	}
	return nil
}
