package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMemoryLocker_SerializesSameKey(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "inc-1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(ctx, "inc-1")
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second holder never acquired the key")
	}
}

func TestMemoryLocker_DifferentKeysIndependent(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	u1, err := l.Lock(ctx, "inc-1")
	require.NoError(t, err)
	u2, err := l.Lock(ctx, "inc-2")
	require.NoError(t, err)
	assert.Equal(t, 2, l.Held())

	u1()
	u2()
	assert.Equal(t, 0, l.Held())
}

func TestMemoryLocker_ContextCancelled(t *testing.T) {
	l := NewMemoryLocker()
	unlock, err := l.Lock(context.Background(), "inc-1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = l.Lock(ctx, "inc-1")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

type fakeRedis struct {
	mu      sync.Mutex
	values  map[string]interface{}
	evals   int
	failSet error
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet != nil {
		return redis.NewBoolResult(false, f.failSet)
	}
	if _, ok := f.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = value
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evals++
	if f.values[keys[0]] == args[0] {
		delete(f.values, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestRedisLocker_AcquireAndRelease(t *testing.T) {
	rdb := &fakeRedis{values: map[string]interface{}{}}
	l := NewRedisLocker(zaptest.NewLogger(t), rdb, time.Minute)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "inc-1")
	require.NoError(t, err)
	assert.Contains(t, rdb.values, "soar:lock:inc-1")

	waitCtx, cancel := context.WithTimeout(ctx, 80*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "inc-1")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	unlock()
	unlock()
	assert.Equal(t, 1, rdb.evals)
	assert.NotContains(t, rdb.values, "soar:lock:inc-1")

	again, err := l.Lock(ctx, "inc-1")
	require.NoError(t, err)
	again()
}

func TestRedisLocker_SetError(t *testing.T) {
	rdb := &fakeRedis{values: map[string]interface{}{}, failSet: errors.New("connection refused")}
	l := NewRedisLocker(zaptest.NewLogger(t), rdb, 0)

	_, err := l.Lock(context.Background(), "inc-1")
	assert.Error(t, err)
}
