package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 5

// RedisStore implements Store on top of a Redis server.
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Dial connects to the Redis server behind a redis:// URL.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	created, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return created, nil
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) ([]byte, error) {
	v, err := s.rdb.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("hget %s %s: %w", key, field, err)
	}
	return v, nil
}

func (s *RedisStore) HSet(ctx context.Context, key, field string, value []byte) error {
	if err := s.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("hset %s %s: %w", key, field, err)
	}
	return nil
}

func (s *RedisStore) HSetIfAbsent(ctx context.Context, key, field string, value []byte) (bool, error) {
	created, err := s.rdb.HSetNX(ctx, key, field, value).Result()
	if err != nil {
		return false, fmt.Errorf("hsetnx %s %s: %w", key, field, err)
	}
	return created, nil
}

func (s *RedisStore) HSetIfAbsentLen(ctx context.Context, key, field string, value []byte) (bool, int64, error) {
	var (
		setnx *redis.BoolCmd
		hlen  *redis.IntCmd
	)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		setnx = pipe.HSetNX(ctx, key, field, value)
		hlen = pipe.HLen(ctx, key)
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("hsetnx+hlen %s %s: %w", key, field, err)
	}
	return setnx.Val(), hlen.Val(), nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if err := s.rdb.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("hdel %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	raw, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	out := make(map[string][]byte, len(raw))
	for k, v := range raw {
		out[k] = []byte(v)
	}
	return out, nil
}

func (s *RedisStore) HExists(ctx context.Context, key, field string) (bool, error) {
	ok, err := s.rdb.HExists(ctx, key, field).Result()
	if err != nil {
		return false, fmt.Errorf("hexists %s %s: %w", key, field, err)
	}
	return ok, nil
}

func (s *RedisStore) HLen(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.HLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("hlen %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) HPop(ctx context.Context, key, field string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)

	pop := func(tx *redis.Tx) error {
		v, err := tx.HGet(ctx, key, field).Bytes()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, key, field)
			return nil
		})
		if err != nil {
			return err
		}
		value, found = v, true
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, pop, key)
		if err == nil {
			return value, found, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, false, fmt.Errorf("hpop %s %s: %w", key, field, err)
	}
	return nil, false, fmt.Errorf("hpop %s %s: %w", key, field, ErrConflict)
}

func (s *RedisStore) DeleteIfValue(ctx context.Context, key string, value []byte) (bool, error) {
	var deleted bool

	del := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			deleted = false
			return nil
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(cur, value) {
			deleted = false
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err != nil {
			return err
		}
		deleted = true
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, del, key)
		if err == nil {
			return deleted, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return false, fmt.Errorf("delete %s if unchanged: %w", key, err)
	}
	return false, fmt.Errorf("delete %s if unchanged: %w", key, ErrConflict)
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// escapeGlob makes s match itself literally in a SCAN MATCH pattern.
func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}

func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, escapeGlob(prefix)+"*", 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("scan %s*: %w", prefix, err)
		}
		if len(keys) > 0 {
			n, err := s.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("delete %s*: %w", prefix, err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}
