package xstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// RecurrentSpec 周期任务定义，Interval 与 CronSpec 二选一
type RecurrentSpec struct {
	Identifier string
	Interval   time.Duration
	CronSpec   string
}

// UpsertRecurrent 写入周期任务
//
// 已有启用的同名定义时更新最早的一条，其余重复行被禁用；否则插入新行。
func (s *Store) UpsertRecurrent(ctx context.Context, spec RecurrentSpec) (int64, error) {
	var id int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []RecurrentTaskRow
		if err := tx.Where("identifier = ? AND enabled = ?", spec.Identifier, true).
			Order("id").Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			row := RecurrentTaskRow{
				Identifier: spec.Identifier,
				IntervalMs: spec.Interval.Milliseconds(),
				CronSpec:   spec.CronSpec,
				Enabled:    true,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			id = row.ID
			return nil
		}

		id = rows[0].ID
		if err := tx.Model(&RecurrentTaskRow{}).Where("id = ?", id).Updates(map[string]any{
			"interval_ms": spec.Interval.Milliseconds(),
			"cron_spec":   spec.CronSpec,
		}).Error; err != nil {
			return err
		}
		if len(rows) > 1 {
			return tx.Model(&RecurrentTaskRow{}).
				Where("identifier = ? AND id <> ? AND enabled = ?", spec.Identifier, id, true).
				Update("enabled", false).Error
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("xstore: upsert recurrent %s: %w", spec.Identifier, err)
	}
	return id, nil
}

// DisableRecurrent 禁用该标识的所有周期定义，返回受影响行数
func (s *Store) DisableRecurrent(ctx context.Context, identifier string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&RecurrentTaskRow{}).
		Where("identifier = ? AND enabled = ?", identifier, true).
		Update("enabled", false)
	if res.Error != nil {
		return 0, fmt.Errorf("xstore: disable recurrent %s: %w", identifier, res.Error)
	}
	return res.RowsAffected, nil
}

// DedupeRecurrent 每个标识只保留 id 最小的启用定义
func (s *Store) DedupeRecurrent(ctx context.Context) (int64, error) {
	type dup struct {
		Identifier string
		KeepID     int64
	}
	var dups []dup
	db := s.db.WithContext(ctx)
	err := db.Model(&RecurrentTaskRow{}).
		Select("identifier, MIN(id) AS keep_id").
		Where("enabled = ?", true).
		Group("identifier").
		Having("COUNT(*) > 1").
		Scan(&dups).Error
	if err != nil {
		return 0, fmt.Errorf("xstore: find duplicate recurrent tasks: %w", err)
	}
	var disabled int64
	for _, d := range dups {
		res := db.Model(&RecurrentTaskRow{}).
			Where("identifier = ? AND id <> ? AND enabled = ?", d.Identifier, d.KeepID, true).
			Update("enabled", false)
		if res.Error != nil {
			return disabled, fmt.Errorf("xstore: disable duplicate %s: %w", d.Identifier, res.Error)
		}
		disabled += res.RowsAffected
	}
	return disabled, nil
}

// ListRecurrent 列出周期定义
func (s *Store) ListRecurrent(ctx context.Context, enabledOnly bool) ([]RecurrentTaskRow, error) {
	q := s.db.WithContext(ctx).Order("id")
	if enabledOnly {
		q = q.Where("enabled = ?", true)
	}
	var rows []RecurrentTaskRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("xstore: list recurrent: %w", err)
	}
	return rows, nil
}

// LatestForRecurrent 周期定义最近生成的一条任务，没有时返回 nil
func (s *Store) LatestForRecurrent(ctx context.Context, recurrentID int64) (*SingleTaskRow, error) {
	var rows []SingleTaskRow
	err := s.db.WithContext(ctx).
		Where("recurrent_task_id = ?", recurrentID).
		Order("id DESC").Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("xstore: latest task for recurrent %d: %w", recurrentID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}
