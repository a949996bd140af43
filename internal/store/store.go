// Package store adapts an external key/value + list store (Redis) to the
// small set of primitives the rest of the controller needs: atomic list
// operations, a presence set, compare-and-set keys with TTL, and
// server-side scripted conditional updates for the lease manager. Every
// operation records its latency so slow Redis calls show up in the
// controller's own metrics rather than only in Redis's.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/shhac/automerge/internal/metrics"
)

// ErrNotFound is returned by single-value reads (KVGet, ListPopHead,
// ListPeek) when the key or index has nothing to return. Callers treat it
// as "absent", not as an infrastructure failure.
var ErrNotFound = errors.New("store: not found")

// Store is the contract the rest of the controller depends on. It is
// implemented by Redis, and by a fake in tests for packages that only need
// the logical behavior (internal/queue, internal/lease, internal/throttle
// tests use the fake; internal/store's own tests exercise the Redis
// implementation against miniredis).
type Store interface {
	ListPushTail(ctx context.Context, key, value string) error
	ListPopHead(ctx context.Context, key string) (string, error)
	ListLen(ctx context.Context, key string) (int64, error)
	ListPeek(ctx context.Context, key string, index int64) (string, error)
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	SetAdd(ctx context.Context, key, member string) (bool, error)
	SetContains(ctx context.Context, key, member string) (bool, error)
	SetRemove(ctx context.Context, key, member string) error

	KVSetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// KVSet unconditionally sets key to value with the given TTL,
	// overwriting any prior value. Used where the caller always wants the
	// newest value to win (the throttle marker).
	KVSet(ctx context.Context, key, value string, ttl time.Duration) error
	KVGet(ctx context.Context, key string) (string, error)
	KVDelete(ctx context.Context, key string) error

	HashSetIfAbsent(ctx context.Context, key, field, value string) (bool, error)
	HashDeleteField(ctx context.Context, key, field string) error

	// EnqueuePipeline adds member to the set at setKey and, only if it was
	// not already present, pushes value onto the tail of listKey and sets
	// field on the hash at hashKey if absent — all in one round trip. It
	// reports whether member was newly added to the set (false means a
	// duplicate: a dedup hit, and neither the list nor the hash changed).
	EnqueuePipeline(ctx context.Context, listKey, value, setKey, member, hashKey, hashField, hashValue string) (added bool, err error)

	// CompareAndSet atomically sets key to newValue with the given TTL iff
	// its current value equals expected. Used by the lease manager's
	// refresh.
	CompareAndSet(ctx context.Context, key, expected, newValue string, ttl time.Duration) (bool, error)

	// CompareAndDelete atomically deletes key iff its current value equals
	// expected. Used by the lease manager's release.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
}

// RedisStore implements Store over github.com/redis/go-redis/v9.
type RedisStore struct {
	rdb *redis.Client
	m   *metrics.Metrics
	log zerolog.Logger

	compareAndSet    *redis.Script
	compareAndDelete *redis.Script
	enqueuePipeline  *redis.Script
}

// New builds a RedisStore. rdb is expected to already be configured with
// the controller's redis_url.
func New(rdb *redis.Client, m *metrics.Metrics, log zerolog.Logger) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		m:   m,
		log: log.With().Str("component", "store").Logger(),
		compareAndSet: redis.NewScript(`
			if redis.call("GET", KEYS[1]) == ARGV[1] then
				redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
				return 1
			end
			return 0
		`),
		compareAndDelete: redis.NewScript(`
			if redis.call("GET", KEYS[1]) == ARGV[1] then
				redis.call("DEL", KEYS[1])
				return 1
			end
			return 0
		`),
		enqueuePipeline: redis.NewScript(`
			local added = redis.call("SADD", KEYS[2], ARGV[2])
			if added == 1 then
				redis.call("RPUSH", KEYS[1], ARGV[1])
				redis.call("HSETNX", KEYS[3], ARGV[3], ARGV[4])
			end
			return added
		`),
	}
}

func (s *RedisStore) observe(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	s.m.StoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.m.StoreOpErrors.WithLabelValues(op).Inc()
	}
	return err
}

func (s *RedisStore) ListPushTail(ctx context.Context, key, value string) error {
	return s.observe("list_push_tail", func() error {
		return s.rdb.RPush(ctx, key, value).Err()
	})
}

func (s *RedisStore) ListPopHead(ctx context.Context, key string) (string, error) {
	var out string
	err := s.observe("list_pop_head", func() error {
		v, err := s.rdb.LPop(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		out = v
		return err
	})
	return out, err
}

func (s *RedisStore) ListLen(ctx context.Context, key string) (int64, error) {
	var out int64
	err := s.observe("list_len", func() error {
		v, err := s.rdb.LLen(ctx, key).Result()
		out = v
		return err
	})
	return out, err
}

func (s *RedisStore) ListPeek(ctx context.Context, key string, index int64) (string, error) {
	var out string
	err := s.observe("list_peek", func() error {
		v, err := s.rdb.LIndex(ctx, key, index).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		out = v
		return err
	})
	return out, err
}

func (s *RedisStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var out []string
	err := s.observe("list_range", func() error {
		v, err := s.rdb.LRange(ctx, key, start, stop).Result()
		out = v
		return err
	})
	return out, err
}

func (s *RedisStore) SetAdd(ctx context.Context, key, member string) (bool, error) {
	var added bool
	err := s.observe("set_add", func() error {
		n, err := s.rdb.SAdd(ctx, key, member).Result()
		added = n > 0
		return err
	})
	return added, err
}

func (s *RedisStore) SetContains(ctx context.Context, key, member string) (bool, error) {
	var ok bool
	err := s.observe("set_contains", func() error {
		v, err := s.rdb.SIsMember(ctx, key, member).Result()
		ok = v
		return err
	})
	return ok, err
}

func (s *RedisStore) SetRemove(ctx context.Context, key, member string) error {
	return s.observe("set_remove", func() error {
		return s.rdb.SRem(ctx, key, member).Err()
	})
}

func (s *RedisStore) KVSetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.observe("kv_set_if_absent", func() error {
		v, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
		ok = v
		return err
	})
	return ok, err
}

func (s *RedisStore) KVSet(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.observe("kv_set", func() error {
		return s.rdb.Set(ctx, key, value, ttl).Err()
	})
}

func (s *RedisStore) KVGet(ctx context.Context, key string) (string, error) {
	var out string
	err := s.observe("kv_get", func() error {
		v, err := s.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		out = v
		return err
	})
	return out, err
}

func (s *RedisStore) KVDelete(ctx context.Context, key string) error {
	return s.observe("kv_delete", func() error {
		return s.rdb.Del(ctx, key).Err()
	})
}

func (s *RedisStore) HashSetIfAbsent(ctx context.Context, key, field, value string) (bool, error) {
	var ok bool
	err := s.observe("hash_set_if_absent", func() error {
		v, err := s.rdb.HSetNX(ctx, key, field, value).Result()
		ok = v
		return err
	})
	return ok, err
}

func (s *RedisStore) HashDeleteField(ctx context.Context, key, field string) error {
	return s.observe("hash_delete_field", func() error {
		return s.rdb.HDel(ctx, key, field).Err()
	})
}

// EnqueuePipeline adds member to setKey and, only if that add is new, pushes
// value onto listKey and sets hashField on hashKey. Gating the list push on
// the set add inside one script (rather than pipelining all three
// unconditionally) keeps a dedup hit from mutating the list at all (I2).
func (s *RedisStore) EnqueuePipeline(ctx context.Context, listKey, value, setKey, member, hashKey, hashField, hashValue string) (bool, error) {
	var added bool
	err := s.observe("enqueue_pipeline", func() error {
		v, err := s.enqueuePipeline.Run(ctx, s.rdb, []string{listKey, setKey, hashKey}, value, member, hashField, hashValue).Int64()
		if err != nil {
			return err
		}
		added = v == 1
		return nil
	})
	return added, err
}

func (s *RedisStore) CompareAndSet(ctx context.Context, key, expected, newValue string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.observe("script_compare_and_set", func() error {
		v, err := s.compareAndSet.Run(ctx, s.rdb, []string{key}, expected, newValue, ttl.Milliseconds()).Int64()
		ok = v == 1
		return err
	})
	return ok, err
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	var ok bool
	err := s.observe("script_compare_and_delete", func() error {
		v, err := s.compareAndDelete.Run(ctx, s.rdb, []string{key}, expected).Int64()
		ok = v == 1
		return err
	})
	return ok, err
}

var _ Store = (*RedisStore)(nil)
