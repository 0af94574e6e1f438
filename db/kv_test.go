package db

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKV(t *testing.T) (*KV, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewKVFromClient(client), mr
}

func TestKVGetSet(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()

	_, ok, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set(ctx, "k", "v", time.Minute))
	v, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestKVIncrWithExpiry(t *testing.T) {
	kv, mr := newTestKV(t)
	ctx := context.Background()

	n, err := kv.IncrWithExpiry(ctx, "window:u1:100", 120*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = kv.IncrWithExpiry(ctx, "window:u1:100", 120*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.True(t, mr.TTL("window:u1:100") > 0)
}

func TestKVHashOps(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.HSet(ctx, "memory:hot:u1", "m1", `{"content":"a"}`))
	require.NoError(t, kv.HSet(ctx, "memory:hot:u1", "m2", `{"content":"b"}`))

	v, ok, err := kv.HGet(ctx, "memory:hot:u1", "m1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"content":"a"}`, v)

	all, err := kv.HGetAll(ctx, "memory:hot:u1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, kv.HDel(ctx, "memory:hot:u1", "m1"))
	_, ok, err = kv.HGet(ctx, "memory:hot:u1", "m1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKVPushCapped(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, kv.PushCapped(ctx, "health_alerts", "alert", 5, time.Hour))
	}

	n, err := kv.LLen(ctx, "health_alerts")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestKVSortedSetRange(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()

	now := float64(time.Now().Unix())
	require.NoError(t, kv.ZAdd(ctx, "violations", now-100, "old"))
	require.NoError(t, kv.ZAdd(ctx, "violations", now, "recent"))

	members, err := kv.ZRangeByScore(ctx, "violations", now-50, PosInf)
	require.NoError(t, err)
	assert.Equal(t, []string{"recent"}, members)

	require.NoError(t, kv.ZRemRangeByScore(ctx, "violations", NegInf, now-50))
	count, err := kv.ZCount(ctx, "violations", NegInf, PosInf)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestKVGetDel(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "protocol:otp:u1", "1", time.Hour))

	v, ok, err := kv.GetDel(ctx, "protocol:otp:u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	_, ok, err = kv.GetDel(ctx, "protocol:otp:u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKVTransientErrorOnClosedServer(t *testing.T) {
	kv, mr := newTestKV(t)
	mr.Close()

	err := kv.Set(context.Background(), "k", "v", 0)
	require.Error(t, err)
}
