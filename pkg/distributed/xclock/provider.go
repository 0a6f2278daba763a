package xclock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omeyang/xsched/pkg/observability/xlog"
)

// TimeSource 服务器时间来源，xstore.Store 实现了该接口
type TimeSource interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// Sample 一次采样的结果
type Sample struct {
	// ServerTime 服务器返回的时间
	ServerTime time.Time
	// Latency 往返延迟
	Latency time.Duration
	// SampledAt 发起请求时的本地时间
	SampledAt time.Time
}

// anchor 推算所需的快照，整体替换
type anchor struct {
	// server 本地时刻 local 对应的服务器时间
	server time.Time
	local  time.Time
	sample Sample
}

// Provider 服务器时间估算器，并发安全
type Provider struct {
	src  TimeSource
	opts *options

	snap atomic.Pointer[anchor]
	// refreshMu 串行化采样，避免并发 Refresh 互相覆盖
	refreshMu sync.Mutex

	lifeMu  sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New 创建 Provider，需调用 Start 完成首次采样
func New(src TimeSource, opts ...Option) (*Provider, error) {
	if src == nil {
		return nil, ErrNilTimeSource
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(slog.String("component", "xclock"))
	return &Provider{src: src, opts: o}, nil
}

// Start 同步采样一次，成功后启动后台刷新
//
// ctx 只约束首次采样；后台刷新只由 Close 停止。重复调用直接返回 nil。
func (p *Provider) Start(ctx context.Context) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.started {
		return nil
	}
	if err := p.Refresh(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.done = make(chan struct{})
	p.started = true
	go p.loop(loopCtx)
	return nil
}

func (p *Provider) loop(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.opts.clock.After(p.opts.refreshInterval):
		}
		if err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
			p.opts.logger.Warn(ctx, "refresh server time failed, keeping previous sample", xlog.Err(err))
		}
	}
}

// Refresh 立即进行一轮采样
//
// 全部失败时返回 ErrSampleFailed，之前的快照保持不变。
func (p *Provider) Refresh(ctx context.Context) error {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	var (
		best    *anchor
		lastErr error
	)
	for range p.opts.samples {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		a, err := p.sampleOnce(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if best == nil || a.sample.Latency < best.sample.Latency {
			best = a
		}
	}
	if best == nil {
		return fmt.Errorf("%w: %w", ErrSampleFailed, lastErr)
	}
	p.snap.Store(best)
	p.opts.logger.Debug(ctx, "server time sampled",
		slog.Time("server_time", best.sample.ServerTime),
		slog.Duration("latency", best.sample.Latency))
	return nil
}

func (p *Provider) sampleOnce(ctx context.Context) (*anchor, error) {
	sctx, cancel := context.WithTimeout(ctx, p.opts.sampleTimeout)
	defer cancel()

	t0 := p.opts.clock.Now()
	st, err := p.src.ServerTime(sctx)
	if err != nil {
		return nil, err
	}
	lat := p.opts.clock.Now().Sub(t0)
	if lat < 0 {
		lat = 0
	}
	return &anchor{
		// 服务器大约在往返中点读取时间
		server: st.Add(-lat / 2),
		local:  t0,
		sample: Sample{ServerTime: st.UTC(), Latency: lat, SampledAt: t0},
	}, nil
}

// UtcNow 估算的服务器当前时间（UTC）
func (p *Provider) UtcNow() (time.Time, error) {
	a := p.snap.Load()
	if a == nil {
		return time.Time{}, ErrNotInitialized
	}
	return a.server.Add(p.opts.clock.Now().Sub(a.local)).UTC(), nil
}

// LastSample 当前锚点对应的采样，未初始化时 ok 为 false
func (p *Provider) LastSample() (Sample, bool) {
	a := p.snap.Load()
	if a == nil {
		return Sample{}, false
	}
	return a.sample, true
}

// Close 停止后台刷新并等待其退出，可重复调用
func (p *Provider) Close() error {
	p.lifeMu.Lock()
	if p.closed {
		p.lifeMu.Unlock()
		return nil
	}
	p.closed = true
	cancel, done := p.cancel, p.done
	p.lifeMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}
