// Package db provides the three storage clients backing the StageGate
// pipeline: the Redis key-value store (hot tier, counters, rate-limiter
// state), the Postgres relational store (warm tier, interactions, reviews,
// protocol state) and the CouchDB document store (cold tier, embedded
// memories).
package db

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"stagegate.evalgo.org/common"
)

// KV is the connection-pooled key-value store client. A single instance is
// shared per process; go-redis pools connections internally. Every method
// takes a context so callers control deadlines. Connection errors surface
// as common.ErrTransient; a missing key is reported via the ok/exists
// return values rather than an error.
type KV struct {
	client *redis.Client
}

// NewKV creates the shared key-value client from a redis:// URL and
// verifies connectivity with a ping. A positive opTimeout bounds every
// read and write on the socket.
func NewKV(ctx context.Context, url string, opTimeout time.Duration) (*KV, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, common.NewValidation("invalid redis url: %v", err)
	}
	if opTimeout > 0 {
		opts.ReadTimeout = opTimeout
		opts.WriteTimeout = opTimeout
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, common.NewTransient(err, "failed to connect to key-value store")
	}

	return &KV{client: client}, nil
}

// NewKVFromClient wraps an existing client. Used by tests with miniredis.
func NewKVFromClient(client *redis.Client) *KV {
	return &KV{client: client}
}

// Close releases the connection pool.
func (k *KV) Close() error { return k.client.Close() }

// Ping verifies store availability.
func (k *KV) Ping(ctx context.Context) error {
	if err := k.client.Ping(ctx).Err(); err != nil {
		return common.NewTransient(err, "key-value store ping failed")
	}
	return nil
}

// wrap translates driver errors into the taxonomy. redis.Nil is not an
// error at this layer.
func wrap(err error, op string) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	return common.NewTransient(err, "kv %s failed", op)
}

// Get returns the string value at key. ok is false when the key is absent.
func (k *KV) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	value, err = k.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err, "GET")
	}
	return value, true, nil
}

// Set stores value at key with the given TTL. A zero TTL means no expiry.
func (k *KV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap(k.client.Set(ctx, key, value, ttl).Err(), "SET")
}

// GetDel atomically reads and removes key. Used to consume one-time
// passes.
func (k *KV) GetDel(ctx context.Context, key string) (value string, ok bool, err error) {
	value, err = k.client.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err, "GETDEL")
	}
	return value, true, nil
}

// IncrWithExpiry increments the counter at key and refreshes its TTL in a
// single pipeline round trip. Returns the post-increment value.
func (k *KV) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := k.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, wrap(err, "INCR/EXPIRE")
	}
	return incr.Val(), nil
}

// Hash field operations, backing the hot memory tier.

func (k *KV) HSet(ctx context.Context, key, field, value string) error {
	return wrap(k.client.HSet(ctx, key, field, value).Err(), "HSET")
}

func (k *KV) HGet(ctx context.Context, key, field string) (value string, ok bool, err error) {
	value, err = k.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err, "HGET")
	}
	return value, true, nil
}

func (k *KV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := k.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrap(err, "HGETALL")
	}
	return fields, nil
}

func (k *KV) HDel(ctx context.Context, key string, fields ...string) error {
	return wrap(k.client.HDel(ctx, key, fields...).Err(), "HDEL")
}

// Expire refreshes the TTL on key.
func (k *KV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrap(k.client.Expire(ctx, key, ttl).Err(), "EXPIRE")
}

// List operations, backing per-user queues and capped monitoring records.

func (k *KV) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return wrap(k.client.LPush(ctx, key, args...).Err(), "LPUSH")
}

func (k *KV) LTrim(ctx context.Context, key string, start, stop int64) error {
	return wrap(k.client.LTrim(ctx, key, start, stop).Err(), "LTRIM")
}

func (k *KV) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	values, err := k.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrap(err, "LRANGE")
	}
	return values, nil
}

func (k *KV) LIndex(ctx context.Context, key string, index int64) (value string, ok bool, err error) {
	value, err = k.client.LIndex(ctx, key, index).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err, "LINDEX")
	}
	return value, true, nil
}

func (k *KV) LLen(ctx context.Context, key string) (int64, error) {
	n, err := k.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, wrap(err, "LLEN")
	}
	return n, nil
}

// PushCapped appends value to a list, trims it to the cap and refreshes
// the TTL in one pipeline. Used for monitoring records like
// rate_limit_violation and health_alerts.
func (k *KV) PushCapped(ctx context.Context, key, value string, cap int64, ttl time.Duration) error {
	pipe := k.client.Pipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, cap-1)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return wrap(err, "LPUSH/LTRIM")
}

// Sorted-set operations, backing violation histories.

func (k *KV) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return wrap(k.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(), "ZADD")
}

func (k *KV) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	members, err := k.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, wrap(err, "ZRANGEBYSCORE")
	}
	return members, nil
}

func (k *KV) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	n, err := k.client.ZCount(ctx, key, formatScore(min), formatScore(max)).Result()
	if err != nil {
		return 0, wrap(err, "ZCOUNT")
	}
	return n, nil
}

func (k *KV) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return wrap(k.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err(), "ZREMRANGEBYSCORE")
}

// Delete removes keys.
func (k *KV) Delete(ctx context.Context, keys ...string) error {
	return wrap(k.client.Del(ctx, keys...).Err(), "DEL")
}

// Incr increments a plain counter without touching its TTL.
func (k *KV) Incr(ctx context.Context, key string) (int64, error) {
	n, err := k.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, wrap(err, "INCR")
	}
	return n, nil
}

// IncrByFloat adds delta to a float counter.
func (k *KV) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	n, err := k.client.IncrByFloat(ctx, key, delta).Result()
	if err != nil {
		return 0, wrap(err, "INCRBYFLOAT")
	}
	return n, nil
}

// NegInf and PosInf are sentinel scores for unbounded range queries.
var (
	NegInf = math.Inf(-1)
	PosInf = math.Inf(1)
)

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}
