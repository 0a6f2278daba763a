package xlease

import (
	"time"

	"github.com/omeyang/xsched/pkg/observability/xlog"
	"github.com/omeyang/xsched/pkg/observability/xmetrics"
	"github.com/omeyang/xsched/pkg/resilience/xbreaker"
	"github.com/omeyang/xsched/pkg/util/xproc"
)

// Option Manager 选项
type Option func(*Manager)

// WithConfig 替换默认配置，New 中统一校验
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithOwner 指定持有者身份，默认 xproc.CurrentOwner()
func WithOwner(machine string, pid int64) Option {
	return func(m *Manager) {
		if machine != "" {
			m.owner = xproc.Owner{Machine: machine, PID: pid}
		}
	}
}

func WithLogger(l xlog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithObserver 锁操作的指标与追踪
func WithObserver(o xmetrics.Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithBreaker 数据库调用经过熔断器；打开期间直接按"未获得锁"处理
func WithBreaker(b *xbreaker.Breaker) Option {
	return func(m *Manager) { m.breaker = b }
}

// LockOption TryLock / WaitForLock 选项
type LockOption func(*lockOptions)

type lockOptions struct {
	timeout time.Duration
}

// WithTimeout 租期，默认 Config.DefaultTimeout
func WithTimeout(d time.Duration) LockOption {
	return func(o *lockOptions) { o.timeout = d }
}

// RenewOption TryRenewLock 选项
type RenewOption func(*renewOptions)

type renewOptions struct {
	timeout   time.Duration
	retryLock bool
}

// WithRenewTimeout 新租期，默认沿用句柄当前租期
func WithRenewTimeout(d time.Duration) RenewOption {
	return func(o *renewOptions) { o.timeout = d }
}

// WithRetryLock 续租失败时尝试重新加锁并接管结果
func WithRetryLock(retry bool) RenewOption {
	return func(o *renewOptions) { o.retryLock = retry }
}
