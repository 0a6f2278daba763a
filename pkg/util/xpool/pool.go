package xpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/omeyang/xsched/pkg/observability/xlog"
)

// 参数上限
const (
	MaxWorkers   = 1 << 10
	MaxQueueSize = 1 << 20
)

// Option Pool 配置
type Option func(*options)

type options struct {
	logger xlog.Logger
	name   string
}

// WithLogger 设置记录 panic 的 logger，nil 被忽略
func WithLogger(l xlog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithName 设置 pool 名称，出现在日志中
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// Pool 泛型 worker pool
type Pool[T any] struct {
	handler func(T)
	queue   chan T
	opts    options

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	processed atomic.Int64
	panics    atomic.Int64
}

// New 创建并立即启动 pool
func New[T any](workers, queueSize int, handler func(T), opts ...Option) (*Pool[T], error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if workers < 1 || workers > MaxWorkers {
		return nil, fmt.Errorf("%w: %d", ErrInvalidWorkers, workers)
	}
	if queueSize < 1 || queueSize > MaxQueueSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQueueSize, queueSize)
	}
	o := options{logger: xlog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Pool[T]{
		handler: handler,
		queue:   make(chan T, queueSize),
		opts:    o,
	}
	p.wg.Add(workers)
	for range workers {
		go p.worker()
	}
	return p, nil
}

func (p *Pool[T]) worker() {
	defer p.wg.Done()
	for task := range p.queue {
		p.run(task)
	}
}

func (p *Pool[T]) run(task T) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.opts.logger.Error(context.Background(), "xpool: handler panic recovered",
				slog.String("pool", p.opts.name), slog.Any("panic", r))
		}
	}()
	p.handler(task)
	p.processed.Add(1)
}

// Submit 非阻塞提交任务
func (p *Pool[T]) Submit(task T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolStopped
	}
	select {
	case p.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close 停止接收任务并等待剩余任务完成，重复调用返回 ErrPoolStopped
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

// Processed 已成功处理的任务数
func (p *Pool[T]) Processed() int64 { return p.processed.Load() }

// Panics 已恢复的 panic 次数
func (p *Pool[T]) Panics() int64 { return p.panics.Load() }

// Pending 队列中等待处理的任务数
func (p *Pool[T]) Pending() int { return len(p.queue) }
