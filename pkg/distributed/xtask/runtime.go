package xtask

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/omeyang/xsched/pkg/distributed/xlease"
	"github.com/omeyang/xsched/pkg/observability/xlog"
	"github.com/omeyang/xsched/pkg/observability/xmetrics"
	"github.com/omeyang/xsched/pkg/storage/xstore"
)

// Runtime 任务函数与监听器之间的通道
//
// 长任务应周期性调用 SendAliveSignal，间隔不超过 AliveCycle；
// 超过 AliveCycle 未发信号会收到协作式取消，超过 2×AliveCycle 被强制中止。
type Runtime struct {
	ex *execution
}

// TaskID single_tasks.id
func (rt *Runtime) TaskID() int64 { return rt.ex.row.ID }

// Identifier 任务类型标识
func (rt *Runtime) Identifier() uuid.UUID { return rt.ex.reg.identifier }

// IsCancellationRequested 监听器是否已请求取消
func (rt *Runtime) IsCancellationRequested() bool { return rt.ex.cancelRequested.Load() }

// SendAliveSignal 报告任务仍在推进
func (rt *Runtime) SendAliveSignal() { rt.ex.alive() }

// ExecutionResult 一次执行的结果
type ExecutionResult struct {
	TaskID     int64
	Identifier uuid.UUID
	Name       string
	// Status 写入的终态；任务函数未开始时为 StatusScheduled
	Status                Status
	TaskStarted           bool
	CancellationRequested bool
	Err                   error
}

// execution 本轮领取的一个任务
type execution struct {
	m     *Manager
	row   xstore.SingleTaskRow
	reg   *registration
	lease *xlease.LockInfo
	log   xlog.Logger

	// ctx 任务函数使用，只由协作式取消或强制中止取消
	ctx    context.Context
	cancel context.CancelCauseFunc

	lastAlive       atomic.Int64
	cancelRequested atomic.Bool
	started         atomic.Bool
	// lockWillBeReleased 进入收尾后不再续租或中止
	lockWillBeReleased atomic.Bool
	runAt              atomic.Int64

	abortOnce sync.Once
	aborted   chan struct{}
	done      chan struct{}
	result    ExecutionResult
}

func newExecution(ctx context.Context, m *Manager, row xstore.SingleTaskRow, reg *registration, lease *xlease.LockInfo) *execution {
	bodyCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	ex := &execution{
		m:       m,
		row:     row,
		reg:     reg,
		lease:   lease,
		log:     m.logger.With(slog.Int64("task_id", row.ID), slog.String("task", reg.name)),
		ctx:     bodyCtx,
		cancel:  cancel,
		aborted: make(chan struct{}),
		done:    make(chan struct{}),
		result: ExecutionResult{
			TaskID:     row.ID,
			Identifier: reg.identifier,
			Name:       reg.name,
			Status:     StatusScheduled,
		},
	}
	ex.alive()
	return ex
}

func (ex *execution) alive() {
	ex.lastAlive.Store(ex.m.clock.Now().UnixNano())
}

func (ex *execution) sinceAlive() time.Duration {
	return ex.m.clock.Now().Sub(time.Unix(0, ex.lastAlive.Load()))
}

func (ex *execution) finished() bool {
	select {
	case <-ex.done:
		return true
	default:
		return false
	}
}

// requestCancel 协作式取消：置标志并取消任务 ctx
func (ex *execution) requestCancel(reason string) {
	if ex.cancelRequested.CompareAndSwap(false, true) {
		ex.cancel(ErrCancellationRequested)
		ex.log.Info(ex.ctx, "task cancellation requested", slog.String("reason", reason))
	}
}

// abort 强制中止，任务协程此后不再被等待
func (ex *execution) abort(reason string) {
	ex.abortOnce.Do(func() {
		if ex.lockWillBeReleased.Load() {
			return
		}
		ex.cancelRequested.Store(true)
		ex.cancel(ErrForceAborted)
		ex.log.Warn(ex.ctx, "task force aborted", slog.String("reason", reason),
			slog.Duration("since_alive", ex.sinceAlive()))
		close(ex.aborted)
	})
}

// run 标记 Running → 执行任务函数 → 写入终态 → 释放租约
func (ex *execution) run(ctx context.Context) {
	defer close(ex.done)
	defer ex.cancel(nil)

	ex.alive()
	if ex.cancelRequested.Load() {
		ex.result.CancellationRequested = true
		ex.release(ctx)
		return
	}
	until, _ := ex.lease.State().LockedUntil()
	runAt, ok, err := ex.m.store.MarkRunning(ctx, ex.row.ID, until)
	if err != nil || !ok {
		if err != nil {
			ex.result.Err = err
			ex.log.Warn(ctx, "mark task running failed", xlog.Err(err))
		}
		ex.release(ctx)
		return
	}
	ex.runAt.Store(runAt)
	ex.started.Store(true)
	ex.result.TaskStarted = true
	ex.m.stats.executed.Add(1)

	spanCtx, span := xmetrics.Start(ex.ctx, ex.m.observer, xmetrics.SpanOptions{
		Component: "xtask",
		Operation: "execute",
		Kind:      xmetrics.KindInternal,
		Attrs: []xmetrics.Attr{
			xmetrics.String("task", ex.reg.name),
			xmetrics.Int64("task_id", ex.row.ID),
		},
	})

	bodyDone := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				bodyDone <- fmt.Errorf("%w: %v", errTaskPanic, r)
			}
		}()
		bodyDone <- ex.reg.invoke(spanCtx, &Runtime{ex: ex}, ex.row.JSONParameters)
	}()

	status := StatusCompleted
	select {
	case err := <-bodyDone:
		if err != nil {
			ex.result.Err = err
			ex.log.Warn(ctx, "task returned error", xlog.Err(err))
		}
		if ex.cancelRequested.Load() {
			status = StatusCompletedCancelled
		}
	case <-ex.aborted:
		status = StatusCompletedAborted
		ex.result.Err = ErrForceAborted
	}
	ex.finalize(ctx, status)
	span.End(xmetrics.Result{Status: xmetrics.Status(status.String()), Err: ex.result.Err})
}

func (ex *execution) finalize(ctx context.Context, status Status) {
	ex.lockWillBeReleased.Store(true)
	ex.result.Status = status
	ex.result.CancellationRequested = ex.cancelRequested.Load()

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	ok, err := ex.m.store.CompleteTask(fctx, ex.row.ID, ex.runAt.Load(), status)
	switch {
	case err != nil:
		ex.log.Error(ctx, "persist task status failed", slog.String("status", status.String()), xlog.Err(err))
	case !ok:
		ex.log.Warn(ctx, "task row changed by another process", slog.String("status", status.String()))
	default:
		ex.log.Debug(ctx, "task finished", slog.String("status", status.String()))
	}
	ex.m.stats.finished(status)
	ex.release(fctx)
}

func (ex *execution) release(ctx context.Context) {
	ex.lockWillBeReleased.Store(true)
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	ex.m.locks.Release(rctx, ex.lease)
}

// supervise 一次生命周期检查，由主循环每 100ms 调用
func (ex *execution) supervise() {
	if ex.lockWillBeReleased.Load() {
		return
	}
	if !ex.started.Load() {
		if ex.m.listener.stopping() {
			ex.requestCancel("listener stopping")
		}
		return
	}
	since := ex.sinceAlive()
	if !ex.lease.HasLock() {
		ex.abort("lease lost")
		return
	}
	if since > ex.reg.lockCycle {
		ex.abort("no alive signal within lock cycle")
		return
	}
	if since > ex.reg.aliveCycle {
		ex.requestCancel("no alive signal within alive cycle")
	} else if ex.m.listener.stopping() {
		ex.requestCancel("listener stopping")
	}
	if d, ok := ex.lease.PeriodSinceLockTimeout(); ok && d >= -ex.lease.State().Timeout()/2 {
		ex.renew()
	}
}

// renew 续租并把新的 locked_until 写回任务行
func (ex *execution) renew() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ex.ctx), finalizeTimeout)
	defer cancel()
	ok, err := ex.m.locks.TryRenewLock(ctx, ex.lease, xlease.WithRenewTimeout(ex.reg.lockCycle))
	if err != nil || !ok {
		ex.log.Warn(ctx, "task lease renewal failed", xlog.Err(err))
		return
	}
	until, _ := ex.lease.State().LockedUntil()
	ok, err = ex.m.store.ExtendTaskLock(ctx, ex.row.ID, ex.runAt.Load(), until)
	if err != nil || !ok {
		ex.log.Warn(ctx, "extend task locked_until failed", slog.Bool("matched", ok), xlog.Err(err))
	}
}
