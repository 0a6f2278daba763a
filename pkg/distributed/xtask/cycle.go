package xtask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/omeyang/xsched/pkg/distributed/xlease"
	"github.com/omeyang/xsched/pkg/observability/xlog"
	"github.com/omeyang/xsched/pkg/observability/xmetrics"
	"github.com/omeyang/xsched/pkg/storage/xstore"
)

// CycleEvent 一轮调度的结果，发布给订阅者
type CycleEvent struct {
	Cycle     int64
	StartedAt time.Time
	Duration  time.Duration
	// Claimed 获得租约并开始处理的任务数
	Claimed int
	// Skipped 因租约被占用而跳过的任务数
	Skipped int
	Results []ExecutionResult
	Err     error
}

// cycle 一轮调度：维护 → 领取 → 执行并监管 → 发布事件
func (m *Manager) cycle(ctx context.Context) {
	n := m.stats.cycles.Add(1)
	start := m.clock.Now()
	ctx, span := xmetrics.Start(ctx, m.observer, xmetrics.SpanOptions{
		Component: "xtask",
		Operation: "cycle",
		Kind:      xmetrics.KindInternal,
		Attrs:     []xmetrics.Attr{xmetrics.Int64("cycle", n)},
	})

	ev := CycleEvent{Cycle: n, StartedAt: start}
	var errs []error
	if err := m.maintain(ctx); err != nil {
		errs = append(errs, err)
	}
	execs, skipped, err := m.claim(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	ev.Claimed, ev.Skipped = len(execs), skipped
	if len(execs) > 0 {
		ev.Results = m.run(ctx, execs)
	}
	ev.Err = errors.Join(errs...)
	ev.Duration = m.clock.Now().Sub(start)
	m.stats.lastCycleAt.Store(start.UnixNano())

	if ev.Err != nil && ctx.Err() == nil {
		m.listener.setErr(ev.Err)
		m.logger.Warn(ctx, "listener cycle failed", slog.Int64("cycle", n), xlog.Err(ev.Err))
	}
	span.End(xmetrics.Result{Err: ev.Err, Attrs: []xmetrics.Attr{
		xmetrics.Int64("claimed", int64(ev.Claimed)),
		xmetrics.Int64("skipped", int64(ev.Skipped)),
	}})
	m.listener.publish(ev)
}

// maintain 在 RecurrentSingleTaskLock 下做清理、修剪与周期任务补发
//
// 拿不到锁说明另一进程正在做，本轮直接跳过。
func (m *Manager) maintain(ctx context.Context) error {
	info := m.tryGlobalLock(ctx, RecurrentSingleTaskLock)
	if info == nil {
		return nil
	}
	defer m.locks.Release(context.WithoutCancel(ctx), info)

	l := m.listener
	now := m.clock.Now()
	var errs []error
	if l.lastSweep.IsZero() || now.Sub(l.lastSweep) >= m.opts.SweepInterval {
		n, err := m.store.SweepAbandoned(ctx, m.opts.AbandonWindow)
		if err != nil {
			errs = append(errs, err)
		} else {
			l.lastSweep = now
			if n > 0 {
				m.stats.abandonedSwept.Add(n)
				m.logger.Warn(ctx, "abandoned tasks swept", slog.Int64("count", n))
			}
		}
	}
	if l.lastPrune.IsZero() || now.Sub(l.lastPrune) >= m.opts.PruneInterval {
		n, err := m.store.PruneCompleted(ctx, m.opts.KeepCompleted)
		if err != nil {
			errs = append(errs, err)
		} else {
			l.lastPrune = now
			if n > 0 {
				m.logger.Debug(ctx, "completed recurrent tasks pruned", slog.Int64("count", n))
			}
		}
	}
	if err := m.reconcile(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// reconcile 为到期的周期定义插入下一个实例
func (m *Manager) reconcile(ctx context.Context) error {
	if n, err := m.store.DedupeRecurrent(ctx); err != nil {
		return err
	} else if n > 0 {
		m.logger.Info(ctx, "duplicate recurrent definitions disabled", slog.Int64("count", n))
	}
	defs, err := m.store.ListRecurrent(ctx, true)
	if err != nil || len(defs) == 0 {
		return err
	}
	now, err := m.store.ServerTime(ctx)
	if err != nil {
		return err
	}
	for _, def := range defs {
		latest, err := m.store.LatestForRecurrent(ctx, def.ID)
		if err != nil {
			return err
		}
		due, err := recurrentDue(def, latest, now)
		if err != nil {
			m.logger.Warn(ctx, "skip recurrent definition", slog.Int64("recurrent_id", def.ID), xlog.Err(err))
			continue
		}
		if !due {
			continue
		}
		rid := def.ID
		id, err := m.store.InsertSingleTask(ctx, xstore.NewSingleTask{
			Identifier:      def.Identifier,
			RecurrentTaskID: &rid,
		})
		if err != nil {
			return err
		}
		m.stats.recurrentFired.Add(1)
		m.logger.Debug(ctx, "recurrent task fired", slog.Int64("recurrent_id", rid), slog.Int64("task_id", id))
	}
	return nil
}

// recurrentDue 最近的实例不存在，或已结束且距其最后状态变更已超过间隔
func recurrentDue(def xstore.RecurrentTaskRow, latest *xstore.SingleTaskRow, now time.Time) (bool, error) {
	if latest == nil {
		return true, nil
	}
	if !latest.Status.IsTerminal() {
		return false, nil
	}
	changed := time.UnixMilli(latest.StatusChangedAt).UTC()
	if def.CronSpec != "" {
		sched, err := cronParser.Parse(def.CronSpec)
		if err != nil {
			return false, fmt.Errorf("%w: %q: %w", ErrInvalidCronSpec, def.CronSpec, err)
		}
		return !now.Before(sched.Next(changed)), nil
	}
	return now.Sub(changed) > time.Duration(def.IntervalMs)*time.Millisecond, nil
}

// claim 在 ReadPendingTasksLock 下读取到期任务并为每个任务类型取得租约
//
// 同一批次中同一类型只领取第一条：租约按类型划分，后面的行留给下一轮。
func (m *Manager) claim(ctx context.Context) ([]*execution, int, error) {
	info := m.tryGlobalLock(ctx, ReadPendingTasksLock)
	if info == nil {
		return nil, 0, nil
	}
	defer m.locks.Release(context.WithoutCancel(ctx), info)

	rows, err := m.store.PendingTasks(ctx, m.identifiers(), m.opts.MaxWorkerThreads)
	if err != nil {
		return nil, 0, err
	}
	var (
		execs   []*execution
		skipped int
		seen    = make(map[string]struct{}, len(rows))
	)
	for _, row := range rows {
		id, err := uuid.Parse(row.Identifier)
		if err != nil {
			continue
		}
		reg, ok := m.lookup(id)
		if !ok {
			continue
		}
		if _, dup := seen[row.Identifier]; dup {
			continue
		}
		seen[row.Identifier] = struct{}{}

		lease := m.listener.lease(row.Identifier)
		ok, err = m.locks.TryRenewLock(ctx, lease,
			xlease.WithRenewTimeout(reg.lockCycle), xlease.WithRetryLock(true))
		if err != nil {
			m.stats.claimed.Add(int64(len(execs)))
			m.stats.skipped.Add(int64(skipped))
			return execs, skipped, err
		}
		if !ok {
			skipped++
			continue
		}
		execs = append(execs, newExecution(ctx, m, row, reg, lease))
	}
	m.stats.claimed.Add(int64(len(execs)))
	m.stats.skipped.Add(int64(skipped))
	return execs, skipped, nil
}

// run 在受限的 errgroup 中执行任务，同时在当前协程监管生命周期
func (m *Manager) run(ctx context.Context, execs []*execution) []ExecutionResult {
	var eg errgroup.Group
	eg.SetLimit(m.opts.MaxWorkerThreads)
	for _, ex := range execs {
		eg.Go(func() error {
			ex.run(ctx)
			return nil
		})
	}
	m.supervise(execs)
	_ = eg.Wait()

	results := make([]ExecutionResult, 0, len(execs))
	for _, ex := range execs {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		m.locks.Release(rctx, ex.lease)
		cancel()
		results = append(results, ex.result)
	}
	return results
}

// supervise 每 lifetimeTick 检查一次，直到所有执行结束
//
// 监听器停止时不退出：正在运行的任务先收到取消，必要时被中止。
func (m *Manager) supervise(execs []*execution) {
	for {
		pending := 0
		for _, ex := range execs {
			if ex.finished() {
				continue
			}
			pending++
			ex.supervise()
		}
		if pending == 0 {
			return
		}
		<-m.clock.After(lifetimeTick)
	}
}
