package xtask

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/robfig/cron/v3"

	"github.com/omeyang/xsched/pkg/distributed/xlease"
	"github.com/omeyang/xsched/pkg/observability/xlog"
	"github.com/omeyang/xsched/pkg/observability/xmetrics"
	"github.com/omeyang/xsched/pkg/storage/xstore"
)

// Store 调度需要的数据库操作，*xstore.Store 实现了该接口
type Store interface {
	ServerTime(ctx context.Context) (time.Time, error)

	InsertSingleTask(ctx context.Context, t xstore.NewSingleTask) (int64, error)
	DeleteScheduledTask(ctx context.Context, id int64) (bool, error)
	GetSingleTask(ctx context.Context, id int64) (*xstore.SingleTaskRow, error)
	ListSingleTasks(ctx context.Context, f xstore.TaskFilter) ([]xstore.SingleTaskRow, int64, error)
	PendingTasks(ctx context.Context, identifiers []string, limit int) ([]xstore.SingleTaskRow, error)
	MarkRunning(ctx context.Context, id int64, lockedUntil time.Time) (int64, bool, error)
	ExtendTaskLock(ctx context.Context, id, runAt int64, lockedUntil time.Time) (bool, error)
	CompleteTask(ctx context.Context, id, runAt int64, status xstore.TaskStatus) (bool, error)
	SweepAbandoned(ctx context.Context, window time.Duration) (int64, error)
	PruneCompleted(ctx context.Context, keep int) (int64, error)

	UpsertRecurrent(ctx context.Context, spec xstore.RecurrentSpec) (int64, error)
	DisableRecurrent(ctx context.Context, identifier string) (int64, error)
	DedupeRecurrent(ctx context.Context) (int64, error)
	ListRecurrent(ctx context.Context, enabledOnly bool) ([]xstore.RecurrentTaskRow, error)
	LatestForRecurrent(ctx context.Context, recurrentID int64) (*xstore.SingleTaskRow, error)
}

// cronParser 标准 5 段表达式，另支持 @every / @hourly 等描述符
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Manager 任务管理器：任务类型注册、入队与监听器生命周期
type Manager struct {
	store    Store
	locks    *xlease.Manager
	opts     Options
	clock    clock.Clock
	logger   xlog.Logger
	observer xmetrics.Observer

	regMu    sync.RWMutex
	registry map[uuid.UUID]*registration

	listener *listener
	stats    stats
}

// New 创建任务管理器
func New(store Store, locks *xlease.Manager, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if locks == nil {
		return nil, ErrNilLocks
	}
	m := &Manager{
		store:    store,
		locks:    locks,
		opts:     DefaultOptions(),
		clock:    clock.WallClock,
		logger:   xlog.Nop(),
		registry: make(map[uuid.UUID]*registration),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.opts.Validate(); err != nil {
		return nil, err
	}
	if m.opts.GlobalLockTimeout == 0 {
		m.opts.GlobalLockTimeout = locks.Config().DefaultTimeout
	}
	if err := locks.Config().CheckTimeout(m.opts.GlobalLockTimeout); err != nil {
		return nil, fmt.Errorf("%w: global lock timeout: %w", ErrInvalidOptions, err)
	}
	m.logger = m.logger.With(slog.String("component", "xtask"))
	m.listener = newListener(m)
	return m, nil
}

// Options 生效的配置
func (m *Manager) Options() Options { return m.opts }

// EnqueueSingleTask 按标识入队；param 的类型必须与注册时一致，无参数任务传 nil
func (m *Manager) EnqueueSingleTask(ctx context.Context, identifier uuid.UUID, param any, delay time.Duration) (int64, error) {
	reg, ok := m.lookup(identifier)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotRegistered, identifier)
	}
	raw, err := reg.encode(param)
	if err != nil {
		return 0, err
	}
	return m.enqueue(ctx, reg, raw, delay, nil)
}

func (m *Manager) enqueue(ctx context.Context, reg *registration, raw *string, delay time.Duration, recurrentID *int64) (int64, error) {
	id, err := m.store.InsertSingleTask(ctx, xstore.NewSingleTask{
		Identifier:      reg.identifier.String(),
		JSONParameters:  raw,
		Delay:           delay,
		RecurrentTaskID: recurrentID,
	})
	if err != nil {
		return 0, err
	}
	m.logger.Debug(ctx, "task enqueued", slog.Int64("task_id", id),
		slog.String("task", reg.name), slog.Duration("delay", delay))
	return id, nil
}

// RemoveSingleTask 删除仍处于 Scheduled 的任务；已被领取时返回 false
func (m *Manager) RemoveSingleTask(ctx context.Context, id int64) (bool, error) {
	return m.store.DeleteScheduledTask(ctx, id)
}

// GetSingleTask 读取任务行
func (m *Manager) GetSingleTask(ctx context.Context, id int64) (*xstore.SingleTaskRow, error) {
	return m.store.GetSingleTask(ctx, id)
}

// ListSingleTasks 分页列出任务
func (m *Manager) ListSingleTasks(ctx context.Context, f xstore.TaskFilter) ([]xstore.SingleTaskRow, int64, error) {
	return m.store.ListSingleTasks(ctx, f)
}

// EnqueueRecurrentTask 写入或更新周期任务定义，返回定义 id
//
// 在 EnqueueRecurrentTaskLock 下执行，集群内的并发写入被串行化；
// 同一标识的重复定义被禁用，只保留最早的一条。
func (m *Manager) EnqueueRecurrentTask(ctx context.Context, identifier uuid.UUID, interval time.Duration) (int64, error) {
	if interval < MinRecurrentInterval {
		return 0, fmt.Errorf("%w: %s", ErrIntervalTooSmall, interval)
	}
	return m.upsertRecurrent(ctx, identifier, xstore.RecurrentSpec{
		Identifier: identifier.String(),
		Interval:   interval,
	})
}

// EnqueueRecurrentCronTask 按 cron 表达式触发的周期任务
//
// 下一次触发时间从上一个实例的最后状态变更时间算起。
func (m *Manager) EnqueueRecurrentCronTask(ctx context.Context, identifier uuid.UUID, spec string) (int64, error) {
	if _, err := cronParser.Parse(spec); err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidCronSpec, spec, err)
	}
	return m.upsertRecurrent(ctx, identifier, xstore.RecurrentSpec{
		Identifier: identifier.String(),
		CronSpec:   spec,
	})
}

func (m *Manager) upsertRecurrent(ctx context.Context, identifier uuid.UUID, spec xstore.RecurrentSpec) (int64, error) {
	if _, ok := m.lookup(identifier); !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotRegistered, identifier)
	}
	var id int64
	err := m.withGlobalLock(ctx, EnqueueRecurrentTaskLock, func(ctx context.Context) error {
		var err error
		id, err = m.store.UpsertRecurrent(ctx, spec)
		return err
	})
	if err != nil {
		return 0, err
	}
	m.logger.Info(ctx, "recurrent task enqueued", slog.Int64("recurrent_id", id),
		slog.String("identifier", spec.Identifier),
		slog.Duration("interval", spec.Interval), slog.String("cron", spec.CronSpec))
	return id, nil
}

// DisableRecurrentTask 禁用该标识的周期定义，已入队的实例不受影响
func (m *Manager) DisableRecurrentTask(ctx context.Context, identifier uuid.UUID) (int64, error) {
	var n int64
	err := m.withGlobalLock(ctx, EnqueueRecurrentTaskLock, func(ctx context.Context) error {
		var err error
		n, err = m.store.DisableRecurrent(ctx, identifier.String())
		return err
	})
	return n, err
}

// withGlobalLock 等待全局锁后执行 fn，结束后释放
func (m *Manager) withGlobalLock(ctx context.Context, resource uuid.UUID, fn func(ctx context.Context) error) error {
	wait := min(enqueueLockWait, m.locks.Config().MaxWaitTime)
	ok, info, err := m.locks.WaitForLock(ctx, resource.String(), wait, xlease.WithTimeout(m.opts.GlobalLockTimeout))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockTimeout, resource)
	}
	defer m.locks.Release(context.WithoutCancel(ctx), info)
	return fn(ctx)
}

// tryGlobalLock 尝试一次全局锁，拿不到时返回 nil 句柄
func (m *Manager) tryGlobalLock(ctx context.Context, resource uuid.UUID) *xlease.LockInfo {
	ok, info, err := m.locks.TryLock(ctx, resource.String(), xlease.WithTimeout(m.opts.GlobalLockTimeout))
	if err != nil || !ok {
		return nil
	}
	return info
}
