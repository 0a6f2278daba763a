package xlease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/omeyang/xsched/pkg/observability/xlog"
	"github.com/omeyang/xsched/pkg/observability/xmetrics"
	"github.com/omeyang/xsched/pkg/resilience/xbreaker"
	"github.com/omeyang/xsched/pkg/resilience/xretry"
	"github.com/omeyang/xsched/pkg/storage/xstore"
	"github.com/omeyang/xsched/pkg/util/xproc"
)

// Store 锁管理器需要的数据库语句，*xstore.Store 实现了该接口
type Store interface {
	ReadLock(ctx context.Context, resource string) (xstore.LockSnapshot, error)
	EnsureLockRow(ctx context.Context, resource string) error
	AcquireLock(ctx context.Context, c xstore.LockClaim) (time.Time, bool, error)
	RenewLock(ctx context.Context, c xstore.LockClaim) (time.Time, bool, error)
	ReleaseLock(ctx context.Context, c xstore.LockClaim) (bool, error)
}

// 锁操作的观测结果
const (
	statusAcquired xmetrics.Status = "acquired"
	statusBusy     xmetrics.Status = "busy"
	statusRenewed  xmetrics.Status = "renewed"
	statusLost     xmetrics.Status = "lost"
	statusReleased xmetrics.Status = "released"
	statusExpired  xmetrics.Status = "expired"
)

// Manager 租约锁管理器，并发安全
type Manager struct {
	store    Store
	clock    Clock
	cfg      Config
	owner    xproc.Owner
	logger   xlog.Logger
	observer xmetrics.Observer
	breaker  *xbreaker.Breaker
}

// New 创建锁管理器
func New(store Store, clock Clock, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if clock == nil {
		return nil, ErrNilClock
	}
	m := &Manager{
		store:  store,
		clock:  clock,
		cfg:    DefaultConfig(),
		owner:  xproc.CurrentOwner(),
		logger: xlog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.cfg.Validate(); err != nil {
		return nil, err
	}
	m.logger = m.logger.With(slog.String("component", "xlease"))
	return m, nil
}

// Config 生效的配置
func (m *Manager) Config() Config { return m.cfg }

// Owner 写入锁行的持有者身份
func (m *Manager) Owner() xproc.Owner { return m.owner }

// nextReference token 加一；到达 MaxInt32 后回绕为 1，0 保留给"从未加锁"
func nextReference(ref int64) int64 {
	if ref < 0 || ref >= math.MaxInt32 {
		return 1
	}
	return ref + 1
}

func (m *Manager) lockTimeout(opts []LockOption) (time.Duration, error) {
	o := lockOptions{timeout: m.cfg.DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if err := m.cfg.CheckTimeout(o.timeout); err != nil {
		return 0, err
	}
	return o.timeout, nil
}

// TryLock 尝试加锁一次
//
// 返回的句柄总是非 nil（参数错误除外），未获得锁时处于未持有状态。
func (m *Manager) TryLock(ctx context.Context, resource string, opts ...LockOption) (bool, *LockInfo, error) {
	if strings.TrimSpace(resource) == "" {
		return false, nil, ErrEmptyResource
	}
	timeout, err := m.lockTimeout(opts)
	if err != nil {
		return false, nil, err
	}
	info := NewLockInfo(resource)
	if st, ok := m.acquire(ctx, resource, timeout); ok {
		info.swap(st)
		return true, info, nil
	}
	return false, info, nil
}

// WaitForLock 以固定间隔重试加锁，直到成功或 waitTime 用尽
//
// 超时返回 (false, info, nil)；ctx 被取消时返回 ctx 的错误。
func (m *Manager) WaitForLock(ctx context.Context, resource string, waitTime time.Duration, opts ...LockOption) (bool, *LockInfo, error) {
	if waitTime < 0 || waitTime > m.cfg.MaxWaitTime {
		return false, nil, fmt.Errorf("%w: %s not in [0, %s]", ErrInvalidWaitTime, waitTime, m.cfg.MaxWaitTime)
	}
	if waitTime == 0 {
		return m.TryLock(ctx, resource, opts...)
	}
	if strings.TrimSpace(resource) == "" {
		return false, nil, ErrEmptyResource
	}
	timeout, err := m.lockTimeout(opts)
	if err != nil {
		return false, nil, err
	}
	info := NewLockInfo(resource)

	wctx, cancel := context.WithTimeout(ctx, waitTime)
	defer cancel()
	retryOpts := append(xretry.Fixed(m.cfg.RetryInterval), xretry.UntilSucceeded())
	err = xretry.Do(wctx, func() error {
		// 语句本身使用外层 ctx，避免等待时限在一次 UPDATE 中途把它打断
		st, ok := m.acquire(ctx, resource, timeout)
		if !ok {
			return errLockBusy
		}
		info.swap(st)
		return nil
	}, retryOpts...)
	if err == nil {
		return true, info, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, info, ctxErr
	}
	return false, info, nil
}

// TryRenewLock 延长句柄持有的租约
//
// 未启用 WithRetryLock 时只续租仍有效、仍属于自己的租约；启用后续租失败
// 会再尝试加锁一次并接管结果。返回的 error 只有参数错误与 ctx 取消。
func (m *Manager) TryRenewLock(ctx context.Context, info *LockInfo, opts ...RenewOption) (bool, error) {
	if info == nil {
		return false, ErrNilLockInfo
	}
	o := renewOptions{timeout: info.State().Timeout()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout == 0 {
		o.timeout = m.cfg.DefaultTimeout
	}
	if err := m.cfg.CheckTimeout(o.timeout); err != nil {
		return false, err
	}

	if err := info.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer info.sem.Release(1)

	if st, ok := m.renew(ctx, info.State(), o.timeout); ok {
		info.swap(st)
		return true, nil
	}
	if !o.retryLock {
		return false, nil
	}
	if st, ok := m.acquire(ctx, info.resource, o.timeout); ok {
		info.swap(st)
		return true, nil
	}
	return false, nil
}

// Release 释放句柄持有的租约，可重复调用
//
// 句柄未持有或租约已自然过期时返回 true；租约在有效期内被他人接管时
// 句柄同样被重置，但返回 false。数据库错误时句柄保持不变，调用方可以重试。
func (m *Manager) Release(ctx context.Context, info *LockInfo) bool {
	if info == nil {
		return false
	}
	if err := info.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	defer info.sem.Release(1)

	st := info.State()
	if _, held := st.LockedUntil(); !held {
		return true
	}
	ctx, span := m.start(ctx, "release", st.resource)
	claim := m.claim(st.resource, st.reference, 0)
	var ok bool
	err := m.guard(ctx, func() error {
		var err error
		ok, err = m.store.ReleaseLock(ctx, claim)
		return err
	})
	if err != nil {
		m.storeError(ctx, "release", st.resource, err)
		span.End(xmetrics.Result{Err: err})
		return false
	}
	info.reset()
	if !ok {
		if !st.HasLock() {
			span.End(xmetrics.Result{Status: statusExpired})
			return true
		}
		span.End(xmetrics.Result{Status: statusLost})
		return false
	}
	span.End(xmetrics.Result{Status: statusReleased})
	return true
}

// acquire 读 token → 必要时插入占位行 → 条件更新
func (m *Manager) acquire(ctx context.Context, resource string, timeout time.Duration) (*LockState, bool) {
	ctx, span := m.start(ctx, "acquire", resource)

	var snap xstore.LockSnapshot
	err := m.guard(ctx, func() error {
		var err error
		snap, err = m.store.ReadLock(ctx, resource)
		return err
	})
	if err != nil {
		m.storeError(ctx, "read lock", resource, err)
		span.End(xmetrics.Result{Err: err})
		return nil, false
	}
	if !snap.Exists {
		if err := m.guard(ctx, func() error { return m.store.EnsureLockRow(ctx, resource) }); err != nil {
			m.storeError(ctx, "insert lock row", resource, err)
			span.End(xmetrics.Result{Err: err})
			return nil, false
		}
		snap = xstore.LockSnapshot{Exists: true, Free: true}
	}
	if !snap.Free {
		span.End(xmetrics.Result{Status: statusBusy})
		return nil, false
	}

	claim := m.claim(resource, snap.Reference, timeout)
	st, ok, err := m.update(ctx, claim, m.store.AcquireLock)
	switch {
	case err != nil && !ok:
		m.storeError(ctx, "acquire", resource, err)
		span.End(xmetrics.Result{Err: err})
		return nil, false
	case !ok:
		span.End(xmetrics.Result{Status: statusBusy})
		return nil, false
	}
	span.End(xmetrics.Result{Status: statusAcquired, Attrs: []xmetrics.Attr{xmetrics.Int64("reference", claim.Next)}})
	return st, true
}

func (m *Manager) renew(ctx context.Context, cur *LockState, timeout time.Duration) (*LockState, bool) {
	if _, held := cur.LockedUntil(); !held {
		return nil, false
	}
	ctx, span := m.start(ctx, "renew", cur.resource)
	claim := m.claim(cur.resource, cur.reference, timeout)
	st, ok, err := m.update(ctx, claim, m.store.RenewLock)
	switch {
	case err != nil && !ok:
		m.storeError(ctx, "renew", cur.resource, err)
		span.End(xmetrics.Result{Err: err})
		return nil, false
	case !ok:
		span.End(xmetrics.Result{Status: statusLost})
		return nil, false
	}
	span.End(xmetrics.Result{Status: statusRenewed})
	return st, true
}

// update 执行加锁或续租的条件更新并构造新状态
//
// 更新成功但回读 locked_until 失败时，用更新前估算的服务器时间加租期
// 作为截止时间：它不晚于数据库实际写入的值。
func (m *Manager) update(ctx context.Context, claim xstore.LockClaim,
	stmt func(context.Context, xstore.LockClaim) (time.Time, bool, error)) (*LockState, bool, error) {
	before, clockErr := m.clock.UtcNow()

	var (
		until time.Time
		ok    bool
	)
	err := m.guard(ctx, func() error {
		var err error
		until, ok, err = stmt(ctx, claim)
		return err
	})
	if ok && err != nil {
		if clockErr != nil {
			// 无法估算截止时间，宁可当作未持有：租约到期后自然释放
			m.logger.Error(ctx, "lock updated but expiry unknown",
				slog.String("resource", claim.Resource), xlog.Err(errors.Join(err, clockErr)))
			return nil, false, err
		}
		m.logger.Warn(ctx, "read back locked_until failed, using estimate",
			slog.String("resource", claim.Resource), xlog.Err(err))
		until = before.Add(claim.Timeout)
	} else if err != nil || !ok {
		return nil, false, err
	}
	return &LockState{
		resource:    claim.Resource,
		lockedUntil: until,
		timeout:     claim.Timeout,
		reference:   claim.Next,
		clock:       m.clock,
	}, true, nil
}

func (m *Manager) claim(resource string, ref int64, timeout time.Duration) xstore.LockClaim {
	return xstore.LockClaim{
		Resource: resource,
		Expected: ref,
		Next:     nextReference(ref),
		Timeout:  timeout,
		Machine:  m.owner.Machine,
		PID:      m.owner.PID,
	}
}

func (m *Manager) guard(ctx context.Context, fn func() error) error {
	if m.breaker == nil {
		return fn()
	}
	return m.breaker.Do(ctx, fn)
}

func (m *Manager) start(ctx context.Context, op, resource string) (context.Context, xmetrics.Span) {
	return xmetrics.Start(ctx, m.observer, xmetrics.SpanOptions{
		Component: "xlease",
		Operation: op,
		Kind:      xmetrics.KindClient,
		Attrs:     []xmetrics.Attr{xmetrics.String("resource", resource)},
	})
}

func (m *Manager) storeError(ctx context.Context, op, resource string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if xbreaker.IsBreakerError(err) {
		m.logger.Debug(ctx, op+" skipped by breaker", slog.String("resource", resource))
		return
	}
	m.logger.Warn(ctx, op+" failed, treating lock as not acquired",
		slog.String("resource", resource), xlog.Err(err))
}
