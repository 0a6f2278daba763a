package xstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LockSnapshot 加锁前读到的锁行状态
type LockSnapshot struct {
	Exists    bool
	Reference int64
	// Free locked_until 为空或早于数据库当前时间
	Free bool
}

// LockClaim 一次条件更新的参数
//
// Expected 是调用方认为当前持有的 fencing token，Next 是更新成功后的新值。
type LockClaim struct {
	Resource string
	Expected int64
	Next     int64
	Timeout  time.Duration
	Machine  string
	PID      int64
}

// ReadLock 读取锁行的 token 与空闲状态
func (s *Store) ReadLock(ctx context.Context, resource string) (LockSnapshot, error) {
	q := "SELECT lock_reference, CASE WHEN locked_until IS NULL OR locked_until < " + s.now +
		" THEN 1 ELSE 0 END FROM distributed_locks WHERE resource = ?"
	var snap LockSnapshot
	var free int
	err := s.db.WithContext(ctx).Raw(q, resource).Row().Scan(&snap.Reference, &free)
	if errors.Is(err, sql.ErrNoRows) {
		return LockSnapshot{}, nil
	}
	if err != nil {
		return LockSnapshot{}, fmt.Errorf("xstore: read lock %s: %w", resource, err)
	}
	snap.Exists = true
	snap.Free = free == 1
	return snap, nil
}

// EnsureLockRow 插入 token 为 0 的占位行，已存在时什么也不做
func (s *Store) EnsureLockRow(ctx context.Context, resource string) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&LockRow{Resource: resource}).Error
	if err != nil {
		return fmt.Errorf("xstore: insert lock row %s: %w", resource, err)
	}
	return nil
}

// AcquireLock 仅当 token 未变且锁空闲时占有锁
//
// 成功时返回数据库写入的 locked_until。
func (s *Store) AcquireLock(ctx context.Context, c LockClaim) (time.Time, bool, error) {
	res := s.db.WithContext(ctx).Model(&LockRow{}).
		Where("resource = ? AND lock_reference = ?", c.Resource, c.Expected).
		Where("(locked_until IS NULL OR locked_until < " + s.now + ")").
		Updates(map[string]any{
			"lock_reference":    c.Next,
			"locked_at":         gorm.Expr(s.now),
			"locked_until":      s.nowPlus(c.Timeout),
			"timeout":           c.Timeout.Milliseconds(),
			"locked_by_machine": c.Machine,
			"locked_by_pid":     c.PID,
		})
	return s.claimResult(ctx, c, res, "acquire")
}

// RenewLock 仅当调用方仍是未过期的持有者时延长租期并推进 token
func (s *Store) RenewLock(ctx context.Context, c LockClaim) (time.Time, bool, error) {
	res := s.db.WithContext(ctx).Model(&LockRow{}).
		Where("resource = ? AND lock_reference = ?", c.Resource, c.Expected).
		Where("locked_by_machine = ? AND locked_by_pid = ?", c.Machine, c.PID).
		Where("locked_until > " + s.now).
		Where("timeout > 0").
		Updates(map[string]any{
			"lock_reference": c.Next,
			"locked_until":   s.nowPlus(c.Timeout),
			"timeout":        c.Timeout.Milliseconds(),
		})
	return s.claimResult(ctx, c, res, "renew")
}

// ReleaseLock 仅当调用方仍是未过期的持有者时释放锁并推进 token
func (s *Store) ReleaseLock(ctx context.Context, c LockClaim) (bool, error) {
	res := s.db.WithContext(ctx).Model(&LockRow{}).
		Where("resource = ? AND lock_reference = ?", c.Resource, c.Expected).
		Where("locked_by_machine = ? AND locked_by_pid = ?", c.Machine, c.PID).
		Where("locked_until > " + s.now).
		Updates(map[string]any{
			"lock_reference": c.Next,
			"locked_until":   nil,
			"locked_at":      nil,
			"timeout":        0,
		})
	if res.Error != nil {
		return false, fmt.Errorf("xstore: release lock %s: %w", c.Resource, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) claimResult(ctx context.Context, c LockClaim, res *gorm.DB, op string) (time.Time, bool, error) {
	if res.Error != nil {
		return time.Time{}, false, fmt.Errorf("xstore: %s lock %s: %w", op, c.Resource, res.Error)
	}
	if res.RowsAffected != 1 {
		return time.Time{}, false, nil
	}
	var until sql.NullInt64
	err := s.db.WithContext(ctx).Model(&LockRow{}).
		Select("locked_until").
		Where("resource = ? AND lock_reference = ?", c.Resource, c.Next).
		Row().Scan(&until)
	if err != nil || !until.Valid {
		// 行已经更新成功：返回 ok=true 和错误，由调用方估算 locked_until
		return time.Time{}, true, fmt.Errorf("xstore: read back lock %s: %w", c.Resource, errors.Join(err, errNullLockedUntil(until)))
	}
	return time.UnixMilli(until.Int64).UTC(), true, nil
}

func errNullLockedUntil(v sql.NullInt64) error {
	if v.Valid {
		return nil
	}
	return errors.New("locked_until is null")
}

// ListLocks 列出所有锁行
func (s *Store) ListLocks(ctx context.Context) ([]LockRow, error) {
	var rows []LockRow
	if err := s.db.WithContext(ctx).Order("resource").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("xstore: list locks: %w", err)
	}
	return rows, nil
}

// GetLock 读取单个锁行
func (s *Store) GetLock(ctx context.Context, resource string) (*LockRow, error) {
	var row LockRow
	if err := s.db.WithContext(ctx).Where("resource = ?", resource).Take(&row).Error; err != nil {
		return nil, notFound(err)
	}
	return &row, nil
}
