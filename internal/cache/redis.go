package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultRedisTimeout = 2 * time.Second

// Redis is a Store shared between processes. Payloads live in a hash and
// insertion order in a sorted set scored by a monotonic sequence.
type Redis struct {
	rdb      *redis.Client
	capacity int
	timeout  time.Duration

	dataKey  string
	orderKey string
	seqKey   string
}

// NewRedis creates a Redis store under the key prefix. A non-positive
// capacity means DefaultCapacity.
func NewRedis(rdb *redis.Client, prefix string, capacity int) *Redis {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if prefix == "" {
		prefix = "docmux"
	}
	return &Redis{
		rdb:      rdb,
		capacity: capacity,
		timeout:  defaultRedisTimeout,
		dataKey:  prefix + ":cache:data",
		orderKey: prefix + ":cache:order",
		seqKey:   prefix + ":cache:seq",
	}
}

// DialRedis connects to addr and verifies the server answers.
func DialRedis(ctx context.Context, addr, prefix string, capacity int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}
	return NewRedis(rdb, prefix, capacity), nil
}

func (r *Redis) Get(token string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	data, err := r.rdb.HGet(ctx, r.dataKey, token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s from redis: %w", token, err)
	}
	return data, true, nil
}

func (r *Redis) Put(token string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	seq, err := r.rdb.Incr(ctx, r.seqKey).Result()
	if err != nil {
		return fmt.Errorf("failed to advance redis cache sequence: %w", err)
	}

	var evict *redis.StringSliceCmd
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.dataKey, token, data)
		pipe.ZAdd(ctx, r.orderKey, &redis.Z{Score: float64(seq), Member: token})
		// Everything older than the newest capacity entries.
		evict = pipe.ZRange(ctx, r.orderKey, 0, int64(-r.capacity-1))
		pipe.ZRemRangeByRank(ctx, r.orderKey, 0, int64(-r.capacity-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write %s to redis: %w", token, err)
	}

	if stale := evict.Val(); len(stale) > 0 {
		if err := r.rdb.HDel(ctx, r.dataKey, stale...).Err(); err != nil {
			return fmt.Errorf("failed to evict redis cache entries: %w", err)
		}
	}
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
