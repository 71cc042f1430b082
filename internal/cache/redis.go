package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the shared tier. Values are opaque bytes; a missing key is
// reported as ok=false with a nil error.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "rag:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) valueKey(key string) string { return r.prefix + "cache:" + key }
func (r *Redis) indexKey(ref string) string { return r.prefix + "idx:" + ref }
func (r *Redis) genKey(ref string) string   { return r.prefix + "gen:" + ref }
func (r *Redis) channel() string            { return r.prefix + "cache:invalidate" }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.valueKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return val, true, nil
}

// Set stores value and records key under every ref so the entry can be found
// again at invalidation time.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration, refs []string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.valueKey(key), value, ttl)
		for _, ref := range refs {
			idx := r.indexKey(ref)
			pipe.SAdd(ctx, idx, key)
			pipe.Expire(ctx, idx, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.valueKey(k)
	}
	return r.client.Del(ctx, full...).Err()
}

// DropIndex deletes every entry recorded under ref and the index itself.
func (r *Redis) DropIndex(ctx context.Context, ref string) (int, error) {
	idx := r.indexKey(ref)
	keys, err := r.client.SMembers(ctx, idx).Result()
	if err != nil {
		return 0, fmt.Errorf("cache index %s: %w", idx, err)
	}
	if err := r.Delete(ctx, keys...); err != nil {
		return 0, fmt.Errorf("cache drop %s: %w", idx, err)
	}
	if err := r.client.Del(ctx, idx).Err(); err != nil {
		return 0, fmt.Errorf("cache drop %s: %w", idx, err)
	}
	return len(keys), nil
}

// Generation reads the invalidation counter for ref. An unset counter is 0.
func (r *Redis) Generation(ctx context.Context, ref string) (int64, error) {
	n, err := r.client.Get(ctx, r.genKey(ref)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cache generation %s: %w", ref, err)
	}
	return n, nil
}

func (r *Redis) BumpGeneration(ctx context.Context, ref string) (int64, error) {
	n, err := r.client.Incr(ctx, r.genKey(ref)).Result()
	if err != nil {
		return 0, fmt.Errorf("cache bump generation %s: %w", ref, err)
	}
	return n, nil
}

// Publish tells other instances to drop their local entries for ref.
func (r *Redis) Publish(ctx context.Context, ref string) error {
	return r.client.Publish(ctx, r.channel(), ref).Err()
}

func (r *Redis) Subscribe(ctx context.Context) *redis.PubSub {
	return r.client.Subscribe(ctx, r.channel())
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
