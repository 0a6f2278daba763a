package xtask

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/omeyang/xsched/pkg/observability/xlog"
	"github.com/omeyang/xsched/pkg/observability/xmetrics"
	"github.com/omeyang/xsched/pkg/storage/xstore"
)

// Status 任务状态
type Status = xstore.TaskStatus

const (
	StatusScheduled          = xstore.StatusScheduled
	StatusRunning            = xstore.StatusRunning
	StatusCompleted          = xstore.StatusCompleted
	StatusCompletedCancelled = xstore.StatusCompletedCancelled
	StatusCompletedAborted   = xstore.StatusCompletedAborted
	StatusCompletedAbandoned = xstore.StatusCompletedAbandoned
)

// 集群范围的全局锁资源
var (
	// RecurrentSingleTaskLock 清理与周期任务补发
	RecurrentSingleTaskLock = uuid.MustParse("5d0b0b1e-8c2a-4f39-9a4e-0d6f2d1c7a01")
	// ReadPendingTasksLock 领取待执行任务
	ReadPendingTasksLock = uuid.MustParse("5d0b0b1e-8c2a-4f39-9a4e-0d6f2d1c7a02")
	// EnqueueRecurrentTaskLock 写入周期任务定义
	EnqueueRecurrentTaskLock = uuid.MustParse("5d0b0b1e-8c2a-4f39-9a4e-0d6f2d1c7a03")
)

const (
	DefaultMainLoopWait     = 10 * time.Second
	DefaultMaxWorkerThreads = 7
	DefaultAliveCycle       = 60 * time.Second

	// MinRecurrentInterval 周期任务的最小间隔
	MinRecurrentInterval = time.Second

	defaultSweepInterval = 30 * time.Second
	defaultPruneInterval = 60 * time.Second
	defaultAbandonWindow = 7 * 24 * time.Hour
	defaultKeepCompleted = 100

	// lifetimeTick 生命周期管理的轮询间隔
	lifetimeTick = 100 * time.Millisecond
	// finalizeTimeout 写入终态与释放租约的时限，不受监听器停止影响
	finalizeTimeout = 5 * time.Second
	// enqueueLockWait 写入周期任务时等待全局锁的上限
	enqueueLockWait = 30 * time.Second
)

// Options 监听器配置
type Options struct {
	// MainLoopWait 两轮调度之间的等待，>= 1ms
	MainLoopWait time.Duration `koanf:"main_loop_wait"`
	// MaxWorkerThreads 每轮最多领取并并发执行的任务数，>= 1
	MaxWorkerThreads int `koanf:"max_worker_threads"`

	SweepInterval time.Duration `koanf:"sweep_interval"`
	PruneInterval time.Duration `koanf:"prune_interval"`
	// AbandonWindow 清理只检查 scheduled_at 在该窗口内的 Running 行
	AbandonWindow time.Duration `koanf:"abandon_window"`
	// KeepCompleted 每个周期任务保留的已结束记录数
	KeepCompleted int `koanf:"keep_completed"`
	// GlobalLockTimeout 全局锁的租期，0 表示使用锁管理器的默认租期
	GlobalLockTimeout time.Duration `koanf:"global_lock_timeout"`
}

// DefaultOptions 10s 调度间隔、7 个工作协程
func DefaultOptions() Options {
	return Options{
		MainLoopWait:     DefaultMainLoopWait,
		MaxWorkerThreads: DefaultMaxWorkerThreads,
		SweepInterval:    defaultSweepInterval,
		PruneInterval:    defaultPruneInterval,
		AbandonWindow:    defaultAbandonWindow,
		KeepCompleted:    defaultKeepCompleted,
	}
}

// Validate 负值非法，零值取默认值
func (o *Options) Validate() error {
	if o.MainLoopWait < 0 || o.MaxWorkerThreads < 0 || o.SweepInterval < 0 ||
		o.PruneInterval < 0 || o.AbandonWindow < 0 || o.KeepCompleted < 0 || o.GlobalLockTimeout < 0 {
		return fmt.Errorf("%w: negative value in %+v", ErrInvalidOptions, *o)
	}
	d := DefaultOptions()
	if o.MainLoopWait == 0 {
		o.MainLoopWait = d.MainLoopWait
	}
	if o.MainLoopWait < time.Millisecond {
		return fmt.Errorf("%w: main loop wait %s < 1ms", ErrInvalidOptions, o.MainLoopWait)
	}
	if o.MaxWorkerThreads == 0 {
		o.MaxWorkerThreads = d.MaxWorkerThreads
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = d.SweepInterval
	}
	if o.PruneInterval == 0 {
		o.PruneInterval = d.PruneInterval
	}
	if o.AbandonWindow == 0 {
		o.AbandonWindow = d.AbandonWindow
	}
	if o.KeepCompleted == 0 {
		o.KeepCompleted = d.KeepCompleted
	}
	return nil
}

// Settings 任务类型的注册参数
type Settings struct {
	Identifier uuid.UUID
	// Name 仅用于日志
	Name string
	// AliveCycle 存活信号的最长间隔，默认 60s；租期为它的两倍
	AliveCycle time.Duration
}

// lockCycle 2×AliveCycle，溢出时夹到最大值
func lockCycle(alive time.Duration) time.Duration {
	if alive > math.MaxInt64/2 {
		return math.MaxInt64
	}
	return 2 * alive
}

// Option Manager 选项
type Option func(*Manager)

// WithOptions 监听器配置，New 中统一校验
func WithOptions(o Options) Option {
	return func(m *Manager) { m.opts = o }
}

func WithLogger(l xlog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithObserver 调度周期与任务结果的指标与追踪
func WithObserver(o xmetrics.Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithClock 本地时钟，用于等待与存活信号计时
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}
