package storageopt

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSlowQueryDetector_Threshold(t *testing.T) {
	var syncCalls atomic.Int32
	var asyncCalls atomic.Int32
	d, err := NewSlowQueryDetector(SlowQueryOptions[string]{
		Threshold: 100 * time.Millisecond,
		SyncHook:  func(context.Context, string) { syncCalls.Add(1) },
		AsyncHook: func(string) { asyncCalls.Add(1) },
	})
	require.NoError(t, err)

	ctx := context.Background()
	assert.False(t, d.Observe(ctx, "fast", 10*time.Millisecond))
	assert.True(t, d.Observe(ctx, "slow", 100*time.Millisecond))
	assert.True(t, d.Observe(ctx, "slower", time.Second))

	d.Close()
	d.Close()

	assert.Equal(t, int32(2), syncCalls.Load())
	assert.Equal(t, int32(2), asyncCalls.Load())
	assert.Equal(t, int64(2), d.Count())
	// 关闭后仍可判定，只是不再投递异步钩子
	assert.True(t, d.Observe(ctx, "after-close", time.Second))
	assert.Equal(t, int32(2), asyncCalls.Load())
}

func TestSlowQueryDetector_Disabled(t *testing.T) {
	d, err := NewSlowQueryDetector(SlowQueryOptions[int]{})
	require.NoError(t, err)
	defer d.Close()
	assert.False(t, d.Observe(context.Background(), 1, time.Hour))
}

func TestCounters(t *testing.T) {
	var q QueryCounter
	q.Record(nil)
	q.Record(errors.New("x"))
	assert.Equal(t, int64(2), q.Queries())
	assert.Equal(t, int64(1), q.Errors())

	var h HealthCounter
	h.Record(nil)
	assert.Equal(t, int64(1), h.Pings())
	assert.Zero(t, h.Errors())
}

func TestHealthContext(t *testing.T) {
	ctx, cancel := HealthContext(context.Background(), 0)
	cancel()
	_, ok := ctx.Deadline()
	assert.False(t, ok)

	ctx, cancel = HealthContext(context.Background(), time.Second)
	defer cancel()
	_, ok = ctx.Deadline()
	assert.True(t, ok)
}

func TestOffset(t *testing.T) {
	off, lim, err := Offset(3, 20)
	require.NoError(t, err)
	assert.Equal(t, 40, off)
	assert.Equal(t, 20, lim)

	_, lim, err = Offset(1, MaxPageSize*5)
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, lim)

	_, _, err = Offset(0, 10)
	assert.ErrorIs(t, err, ErrInvalidPage)
	_, _, err = Offset(1, 0)
	assert.ErrorIs(t, err, ErrInvalidPageSize)
	_, _, err = Offset(math.MaxInt, 10)
	assert.ErrorIs(t, err, ErrPageOverflow)
}
