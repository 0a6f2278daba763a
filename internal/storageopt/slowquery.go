package storageopt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/omeyang/xsched/pkg/observability/xlog"
	"github.com/omeyang/xsched/pkg/util/xpool"
)

// 异步钩子默认值
const (
	DefaultAsyncWorkers   = 2
	DefaultAsyncQueueSize = 256
)

// SlowQueryOptions 慢查询检测配置
//
// SyncHook 在查询路径上同步执行，应保持轻量；
// AsyncHook 通过 worker pool 执行，队列满时丢弃。两者可同时设置。
type SlowQueryOptions[T any] struct {
	// Threshold 为 0 时禁用检测
	Threshold time.Duration

	SyncHook  func(ctx context.Context, info T)
	AsyncHook func(info T)

	AsyncWorkers   int
	AsyncQueueSize int
	Logger         xlog.Logger
}

// SlowQueryDetector 慢查询检测器
type SlowQueryDetector[T any] struct {
	opts    SlowQueryOptions[T]
	counter SlowQueryCounter

	mu     sync.RWMutex
	pool   *xpool.Pool[T]
	closed bool
}

// NewSlowQueryDetector 创建检测器；设置 AsyncHook 时立即创建 worker pool
func NewSlowQueryDetector[T any](opts SlowQueryOptions[T]) (*SlowQueryDetector[T], error) {
	if opts.AsyncWorkers <= 0 {
		opts.AsyncWorkers = DefaultAsyncWorkers
	}
	if opts.AsyncQueueSize <= 0 {
		opts.AsyncQueueSize = DefaultAsyncQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = xlog.Nop()
	}
	d := &SlowQueryDetector[T]{opts: opts}
	if opts.AsyncHook != nil {
		pool, err := xpool.New(opts.AsyncWorkers, opts.AsyncQueueSize, opts.AsyncHook,
			xpool.WithLogger(opts.Logger), xpool.WithName("slow-query"))
		if err != nil {
			return nil, fmt.Errorf("storageopt: create async pool: %w", err)
		}
		d.pool = pool
	}
	return d, nil
}

// Threshold 当前阈值
func (d *SlowQueryDetector[T]) Threshold() time.Duration {
	return d.opts.Threshold
}

// Observe 耗时达到阈值时触发钩子，返回是否判定为慢查询
func (d *SlowQueryDetector[T]) Observe(ctx context.Context, info T, elapsed time.Duration) bool {
	if d.opts.Threshold <= 0 || elapsed < d.opts.Threshold {
		return false
	}
	d.counter.Inc()
	if d.opts.SyncHook != nil {
		d.opts.SyncHook(ctx, info)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.closed && d.pool != nil {
		// 队列满时丢弃通知
		_ = d.pool.Submit(info) //nolint:errcheck // 降级行为
	}
	return true
}

// Count 已检测到的慢查询次数
func (d *SlowQueryDetector[T]) Count() int64 {
	return d.counter.Count()
}

// Close 关闭异步 pool，等待已入队的通知处理完，可重复调用
func (d *SlowQueryDetector[T]) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	pool := d.pool
	d.pool = nil
	d.mu.Unlock()

	if pool != nil {
		_ = pool.Close() //nolint:errcheck // 仅首次关闭会成功
	}
}
