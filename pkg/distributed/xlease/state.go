package xlease

import (
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Clock 服务器时间估算，xclock.Provider 实现了该接口
type Clock interface {
	UtcNow() (time.Time, error)
}

// LockState 锁句柄在某一时刻的不可变快照
type LockState struct {
	resource string
	// lockedUntil 零值表示未持有
	lockedUntil time.Time
	timeout     time.Duration
	reference   int64
	clock       Clock
}

func unlockedState(resource string) *LockState {
	return &LockState{resource: resource}
}

// Resource 资源 GUID
func (s *LockState) Resource() string { return s.resource }

// LockedUntil 数据库写入的租约截止时间，未持有时 ok 为 false
func (s *LockState) LockedUntil() (t time.Time, ok bool) {
	return s.lockedUntil, !s.lockedUntil.IsZero()
}

// Timeout 本次租期
func (s *LockState) Timeout() time.Duration { return s.timeout }

// Reference 当前 fencing token，未持有时为 0
func (s *LockState) Reference() int64 { return s.reference }

// HasLock 租约截止时间严格晚于估算的服务器当前时间
//
// 时钟不可用时返回 false。
func (s *LockState) HasLock() bool {
	if s.lockedUntil.IsZero() || s.clock == nil {
		return false
	}
	now, err := s.clock.UtcNow()
	if err != nil {
		return false
	}
	return s.lockedUntil.After(now)
}

// HalfTime 续租阈值：lockedUntil - timeout/2
func (s *LockState) HalfTime() (time.Time, bool) {
	if s.lockedUntil.IsZero() {
		return time.Time{}, false
	}
	return s.lockedUntil.Add(-s.timeout / 2), true
}

// PeriodSinceLockTimeout 租约过期至今的时长，仍有效时为负
func (s *LockState) PeriodSinceLockTimeout() (time.Duration, bool) {
	if s.lockedUntil.IsZero() || s.clock == nil {
		return 0, false
	}
	now, err := s.clock.UtcNow()
	if err != nil {
		return 0, false
	}
	return now.Sub(s.lockedUntil), true
}

// LockInfo 锁句柄
//
// 由调用方持有，只被 Manager 修改。状态通过 atomic.Pointer 整体替换，
// 读方不会看到半更新的状态；sem 串行化同一句柄上的续租与释放。
type LockInfo struct {
	resource string
	state    atomic.Pointer[LockState]
	sem      *semaphore.Weighted
}

// NewLockInfo 创建未持有状态的句柄
func NewLockInfo(resource string) *LockInfo {
	l := &LockInfo{resource: resource, sem: semaphore.NewWeighted(1)}
	l.state.Store(unlockedState(resource))
	return l
}

// Resource 资源 GUID
func (l *LockInfo) Resource() string { return l.resource }

// State 当前快照
func (l *LockInfo) State() *LockState { return l.state.Load() }

func (l *LockInfo) HasLock() bool    { return l.State().HasLock() }
func (l *LockInfo) Reference() int64 { return l.State().Reference() }

func (l *LockInfo) HalfTime() (time.Time, bool) { return l.State().HalfTime() }

func (l *LockInfo) PeriodSinceLockTimeout() (time.Duration, bool) {
	return l.State().PeriodSinceLockTimeout()
}

func (l *LockInfo) swap(s *LockState) { l.state.Store(s) }

func (l *LockInfo) reset() { l.state.Store(unlockedState(l.resource)) }
