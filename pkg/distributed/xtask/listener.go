package xtask

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omeyang/xsched/pkg/distributed/xlease"
	"github.com/omeyang/xsched/pkg/lifecycle/xrun"
	"github.com/omeyang/xsched/pkg/util/xpool"
)

// ListenerState 监听器状态：Stopped → Starting → Running → Stopping → Stopped
type ListenerState int32

const (
	ListenerStopped ListenerState = iota
	ListenerStarting
	ListenerRunning
	ListenerStopping
)

func (s ListenerState) String() string {
	switch s {
	case ListenerStopped:
		return "Stopped"
	case ListenerStarting:
		return "Starting"
	case ListenerRunning:
		return "Running"
	case ListenerStopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

// callbackQueueSize 订阅回调的积压上限，超出的事件被丢弃
const callbackQueueSize = 64

type listener struct {
	m *Manager

	mu    sync.Mutex
	state atomic.Int32
	group *xrun.Group
	pool  *xpool.Pool[CycleEvent]
	done  chan struct{}

	subMu   sync.RWMutex
	subs    map[uint64]func(CycleEvent)
	nextSub uint64

	errMu   sync.Mutex
	lastErr error

	// 以下字段只由主循环访问
	leases    map[string]*xlease.LockInfo
	lastSweep time.Time
	lastPrune time.Time
}

func newListener(m *Manager) *listener {
	done := make(chan struct{})
	close(done)
	return &listener{
		m:      m,
		done:   done,
		subs:   make(map[uint64]func(CycleEvent)),
		leases: make(map[string]*xlease.LockInfo),
	}
}

func (l *listener) current() ListenerState { return ListenerState(l.state.Load()) }

func (l *listener) stopping() bool { return l.current() == ListenerStopping }

// StartListener 在 delay 之后开始调度循环；已在运行时直接返回
func (m *Manager) StartListener(delay time.Duration) error {
	l := m.listener
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.current() {
	case ListenerStarting, ListenerRunning:
		return nil
	case ListenerStopping:
		return ErrListenerStopping
	}
	pool, err := xpool.New(1, callbackQueueSize, l.dispatch,
		xpool.WithLogger(m.logger), xpool.WithName("xtask-callbacks"))
	if err != nil {
		return err
	}
	g, _ := xrun.NewGroup(context.Background(),
		xrun.WithLogger(m.logger), xrun.WithName("xtask-listener"))
	done := make(chan struct{})
	l.group, l.pool, l.done = g, pool, done
	l.state.Store(int32(ListenerStarting))

	g.GoWithName("main-loop", func(ctx context.Context) error {
		return l.mainLoop(ctx, max(delay, 0))
	})
	go func() {
		err := g.Wait()
		if err != nil && !errors.Is(err, errListenerStopped) {
			l.setErr(err)
		}
		l.state.Store(int32(ListenerStopped))
		m.logger.Info(context.Background(), "listener stopped")
		close(done)
		// 回调内部可能正在 StopListener(true)，先 close(done) 再等回调排空
		_ = pool.Close()
	}()
	m.logger.Info(context.Background(), "listener starting", slog.Duration("delay", delay))
	return nil
}

// StopListener 请求停止；wait 为 true 时阻塞到主循环与所有执行结束
//
// 正在执行的任务收到协作式取消，不响应的任务在 2×AliveCycle 后被强制中止。
// 已排队的订阅事件可能在返回之后才送达；订阅回调中调用也不会死锁。
func (m *Manager) StopListener(wait bool) {
	l := m.listener
	l.mu.Lock()
	switch l.current() {
	case ListenerStarting, ListenerRunning:
		l.state.Store(int32(ListenerStopping))
		l.group.Cancel(errListenerStopped)
	}
	done := l.done
	l.mu.Unlock()
	if wait {
		<-done
	}
}

// WaitTillListenerStops 等待监听器停止或 ctx 结束
func (m *Manager) WaitTillListenerStops(ctx context.Context) error {
	m.listener.mu.Lock()
	done := m.listener.done
	m.listener.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerState 当前状态
func (m *Manager) ListenerState() ListenerState { return m.listener.current() }

// LatestListenerError 最近一轮调度的错误，ctx 取消不计入
func (m *Manager) LatestListenerError() error {
	m.listener.errMu.Lock()
	defer m.listener.errMu.Unlock()
	return m.listener.lastErr
}

func (l *listener) setErr(err error) {
	l.errMu.Lock()
	l.lastErr = err
	l.errMu.Unlock()
}

// SubscribeToListener 订阅每轮调度结束的事件，返回取消订阅函数
//
// 回调在单独的协程中依次执行，慢回调导致积压时新事件被丢弃。
func (m *Manager) SubscribeToListener(cb func(CycleEvent)) (unsubscribe func()) {
	if cb == nil {
		return func() {}
	}
	l := m.listener
	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = cb
	l.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.subMu.Lock()
			delete(l.subs, id)
			l.subMu.Unlock()
		})
	}
}

func (l *listener) publish(ev CycleEvent) {
	l.subMu.RLock()
	n := len(l.subs)
	l.subMu.RUnlock()
	if n == 0 {
		return
	}
	if err := l.pool.Submit(ev); err != nil {
		l.m.logger.Warn(context.Background(), "cycle event dropped",
			slog.Int64("cycle", ev.Cycle), slog.Any("error", err))
	}
}

func (l *listener) dispatch(ev CycleEvent) {
	l.subMu.RLock()
	cbs := make([]func(CycleEvent), 0, len(l.subs))
	for _, cb := range l.subs {
		cbs = append(cbs, cb)
	}
	l.subMu.RUnlock()
	for _, cb := range cbs {
		l.invoke(cb, ev)
	}
}

func (l *listener) invoke(cb func(CycleEvent), ev CycleEvent) {
	defer func() {
		if r := recover(); r != nil {
			l.m.logger.Error(context.Background(), "listener subscriber panicked",
				slog.Int64("cycle", ev.Cycle), slog.Any("panic", r))
		}
	}()
	cb(ev)
}

func (l *listener) mainLoop(ctx context.Context, delay time.Duration) error {
	if !l.sleep(ctx, delay) {
		return nil
	}
	l.state.CompareAndSwap(int32(ListenerStarting), int32(ListenerRunning))
	l.m.logger.Info(ctx, "listener running",
		slog.Duration("main_loop_wait", l.m.opts.MainLoopWait),
		slog.Int("max_worker_threads", l.m.opts.MaxWorkerThreads))
	for {
		l.m.cycle(ctx)
		if !l.sleep(ctx, l.m.opts.MainLoopWait) {
			return nil
		}
	}
}

// sleep 等待 d，ctx 结束时返回 false
func (l *listener) sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	select {
	case <-l.m.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// lease 每个任务类型复用同一个租约句柄
func (l *listener) lease(identifier string) *xlease.LockInfo {
	info, ok := l.leases[identifier]
	if !ok {
		info = xlease.NewLockInfo(identifier)
		l.leases[identifier] = info
	}
	return info
}
