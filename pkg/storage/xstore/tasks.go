package xstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/omeyang/xsched/internal/storageopt"
)

// NewSingleTask 插入参数
type NewSingleTask struct {
	Identifier      string
	JSONParameters  *string
	Delay           time.Duration
	RecurrentTaskID *int64
}

// InsertSingleTask 插入一条 Scheduled 任务，scheduled_at = 数据库当前时间 + Delay
func (s *Store) InsertSingleTask(ctx context.Context, t NewSingleTask) (int64, error) {
	now, err := s.serverNowMs(ctx)
	if err != nil {
		return 0, err
	}
	delay := t.Delay
	if delay < 0 {
		delay = 0
	}
	row := SingleTaskRow{
		Identifier:      t.Identifier,
		JSONParameters:  t.JSONParameters,
		ScheduledAt:     now + delay.Milliseconds(),
		Status:          StatusScheduled,
		StatusChangedAt: now,
		RecurrentTaskID: t.RecurrentTaskID,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("xstore: insert single task: %w", err)
	}
	return row.ID, nil
}

// DeleteScheduledTask 仅删除仍处于 Scheduled 的任务
func (s *Store) DeleteScheduledTask(ctx context.Context, id int64) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, StatusScheduled).
		Delete(&SingleTaskRow{})
	if res.Error != nil {
		return false, fmt.Errorf("xstore: delete task %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// GetSingleTask 按 id 读取
func (s *Store) GetSingleTask(ctx context.Context, id int64) (*SingleTaskRow, error) {
	var row SingleTaskRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, notFound(err)
	}
	return &row, nil
}

// TaskFilter 列表过滤条件，零值字段不参与过滤
type TaskFilter struct {
	Status     *TaskStatus
	Identifier string
	Page       int
	PageSize   int
}

// ListSingleTasks 按 id 倒序分页列出任务，同时返回总数
func (s *Store) ListSingleTasks(ctx context.Context, f TaskFilter) ([]SingleTaskRow, int64, error) {
	if f.Page == 0 {
		f.Page = 1
	}
	if f.PageSize == 0 {
		f.PageSize = 50
	}
	offset, limit, err := storageopt.Offset(f.Page, f.PageSize)
	if err != nil {
		return nil, 0, err
	}
	q := s.db.WithContext(ctx).Model(&SingleTaskRow{})
	if f.Status != nil {
		q = q.Where("status = ?", *f.Status)
	}
	if f.Identifier != "" {
		q = q.Where("identifier = ?", f.Identifier)
	}
	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("xstore: count tasks: %w", err)
	}
	var rows []SingleTaskRow
	if err := q.Session(&gorm.Session{}).Order("id DESC").Offset(offset).Limit(limit).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("xstore: list tasks: %w", err)
	}
	return rows, total, nil
}

// PendingTasks 取到期的 Scheduled 任务，按 (scheduled_at, id) 排序
//
// identifiers 为空时返回空结果：进程只领取自己注册过的任务类型。
func (s *Store) PendingTasks(ctx context.Context, identifiers []string, limit int) ([]SingleTaskRow, error) {
	if len(identifiers) == 0 || limit <= 0 {
		return nil, nil
	}
	var rows []SingleTaskRow
	err := s.db.WithContext(ctx).
		Where("status = ? AND identifier IN ?", StatusScheduled, identifiers).
		Where("scheduled_at <= " + s.now).
		Order("scheduled_at, id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("xstore: read pending tasks: %w", err)
	}
	return rows, nil
}

// MarkRunning Scheduled → Running，返回本次运行的 last_run_at
//
// ok 为 false 表示任务已不是 Scheduled（被其他进程领取或被删除）。
func (s *Store) MarkRunning(ctx context.Context, id int64, lockedUntil time.Time) (runAt int64, ok bool, err error) {
	now, err := s.serverNowMs(ctx)
	if err != nil {
		return 0, false, err
	}
	res := s.db.WithContext(ctx).Model(&SingleTaskRow{}).
		Where("id = ? AND status = ?", id, StatusScheduled).
		Updates(map[string]any{
			"status":            StatusRunning,
			"status_changed_at": now,
			"last_run_at":       now,
			"locked_until":      lockedUntil.UnixMilli(),
		})
	if res.Error != nil {
		return 0, false, fmt.Errorf("xstore: mark task %d running: %w", id, res.Error)
	}
	return now, res.RowsAffected == 1, nil
}

// ExtendTaskLock 同步续租后的 locked_until，以 last_run_at 确认仍是同一次运行
func (s *Store) ExtendTaskLock(ctx context.Context, id, runAt int64, lockedUntil time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&SingleTaskRow{}).
		Where("id = ? AND status = ? AND last_run_at = ?", id, StatusRunning, runAt).
		Update("locked_until", lockedUntil.UnixMilli())
	if res.Error != nil {
		return false, fmt.Errorf("xstore: extend task %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// CompleteTask 写入终态，以 last_run_at 确认仍是同一次运行
func (s *Store) CompleteTask(ctx context.Context, id, runAt int64, status TaskStatus) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("xstore: %s is not a terminal status", status)
	}
	res := s.db.WithContext(ctx).Model(&SingleTaskRow{}).
		Where("id = ? AND status = ? AND last_run_at = ?", id, StatusRunning, runAt).
		Updates(map[string]any{
			"status":            status,
			"status_changed_at": gorm.Expr(s.now),
			"locked_until":      nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("xstore: complete task %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ForceStatus 无条件改写任务状态并清空 locked_until，用于运维修复
func (s *Store) ForceStatus(ctx context.Context, id int64, status TaskStatus) (bool, error) {
	res := s.db.WithContext(ctx).Model(&SingleTaskRow{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            status,
			"status_changed_at": gorm.Expr(s.now),
			"locked_until":      nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("xstore: force task %d status: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// SweepAbandoned 把租约已过期的 Running 任务标记为 CompletedAbandoned
//
// 只检查 scheduled_at 在 window 之内的任务，更早的行不再被扫描。
func (s *Store) SweepAbandoned(ctx context.Context, window time.Duration) (int64, error) {
	res := s.db.WithContext(ctx).Model(&SingleTaskRow{}).
		Where("status = ?", StatusRunning).
		Where("(locked_until IS NULL OR locked_until < " + s.now + ")").
		Where("scheduled_at > "+s.now+" - ?", window.Milliseconds()).
		Updates(map[string]any{
			"status":            StatusCompletedAbandoned,
			"status_changed_at": gorm.Expr(s.now),
			"locked_until":      nil,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("xstore: sweep abandoned: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// PruneCompleted 每个周期任务只保留最新的 keep 条已结束记录
func (s *Store) PruneCompleted(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	db := s.db.WithContext(ctx)
	var recurrentIDs []int64
	err := db.Model(&SingleTaskRow{}).
		Where("recurrent_task_id IS NOT NULL AND status >= ?", StatusCompleted).
		Distinct("recurrent_task_id").
		Pluck("recurrent_task_id", &recurrentIDs).Error
	if err != nil {
		return 0, fmt.Errorf("xstore: list recurrent ids: %w", err)
	}

	var pruned int64
	for _, rid := range recurrentIDs {
		var cut []int64
		err := db.Model(&SingleTaskRow{}).
			Where("recurrent_task_id = ? AND status >= ?", rid, StatusCompleted).
			Order("id DESC").Offset(keep).Limit(1).
			Pluck("id", &cut).Error
		if err != nil {
			return pruned, fmt.Errorf("xstore: find prune cutoff: %w", err)
		}
		if len(cut) == 0 {
			continue
		}
		res := db.Where("recurrent_task_id = ? AND status >= ? AND id <= ?", rid, StatusCompleted, cut[0]).
			Delete(&SingleTaskRow{})
		if res.Error != nil {
			return pruned, fmt.Errorf("xstore: prune recurrent %d: %w", rid, res.Error)
		}
		pruned += res.RowsAffected
	}
	return pruned, nil
}
