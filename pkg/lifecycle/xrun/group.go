package xrun

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Group 基于 errgroup 的成员组
//
// Go / GoWithName / Cancel 可并发调用，Wait 只应调用一次。
type Group struct {
	eg       *errgroup.Group
	ctx      context.Context
	causeCtx context.Context
	cancel   context.CancelCauseFunc
	opts     *groupOptions
}

// NewGroup 创建 Group，返回的 context 在任一成员出错或 Cancel 时取消
func NewGroup(ctx context.Context, opts ...Option) (*Group, context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	causeCtx, cancel := context.WithCancelCause(ctx)
	eg, egCtx := errgroup.WithContext(causeCtx)
	return &Group{eg: eg, ctx: egCtx, causeCtx: causeCtx, cancel: cancel, opts: o}, egCtx
}

// Go 启动成员
func (g *Group) Go(fn func(ctx context.Context) error) {
	g.GoWithName("", fn)
}

// GoWithName 启动带名称的成员，退出时记录日志
func (g *Group) GoWithName(name string, fn func(ctx context.Context) error) {
	g.eg.Go(func() error {
		if fn == nil {
			return ErrNilFunc
		}
		err := fn(g.ctx)
		if name != "" {
			attrs := []slog.Attr{slog.String("group", g.opts.name), slog.String("member", name)}
			if err != nil && !errors.Is(err, context.Canceled) {
				g.opts.logger.Warn(g.ctx, "member exited with error", append(attrs, slog.Any("error", err))...)
			} else {
				g.opts.logger.Debug(g.ctx, "member stopped", attrs...)
			}
		}
		return err
	})
}

// Cancel 以 cause 为原因取消所有成员，Wait 会返回该 cause
func (g *Group) Cancel(cause error) {
	g.cancel(cause)
}

// Context 返回成员共享的 context
func (g *Group) Context() context.Context {
	return g.ctx
}

// Wait 等待全部成员退出
//
// 普通的 context.Canceled 被视为正常退出；Cancel 传入的显式原因会被保留。
func (g *Group) Wait() error {
	defer g.cancel(nil)
	err := g.eg.Wait()

	cause := context.Cause(g.causeCtx)
	explicit := cause != nil && !errors.Is(cause, context.Canceled)

	if errors.Is(err, context.Canceled) && g.causeCtx.Err() != nil {
		if explicit {
			return cause
		}
		return nil
	}
	if err == nil && explicit {
		return cause
	}
	return err
}

// Run 运行成员直到全部退出、任一出错或收到信号
func Run(ctx context.Context, opts []Option, members ...func(ctx context.Context) error) error {
	g, _ := NewGroup(ctx, opts...)

	if len(g.opts.signals) > 0 {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, g.opts.signals...)
		defer signal.Stop(sigCh)

		g.Go(func(ctx context.Context) error {
			select {
			case sig := <-sigCh:
				g.opts.logger.Info(ctx, "received signal", slog.String("signal", sig.String()))
				g.Cancel(&SignalError{Signal: sig})
				return nil
			case <-ctx.Done():
				return nil
			}
		})
	}
	// 成员全部退出后取消信号监听
	var remaining atomic.Int32
	remaining.Store(int32(len(members)))
	if len(members) == 0 {
		g.cancel(nil)
	}
	for _, m := range members {
		g.Go(func(ctx context.Context) error {
			defer func() {
				if remaining.Add(-1) == 0 {
					g.cancel(nil)
				}
			}()
			if m == nil {
				return ErrNilFunc
			}
			return m(ctx)
		})
	}
	return g.Wait()
}
