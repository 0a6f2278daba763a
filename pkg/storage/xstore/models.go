package xstore

import (
	"fmt"
	"strings"
)

// LockRow distributed_locks 表，一个资源一行
type LockRow struct {
	Resource      string `gorm:"column:resource;primaryKey;size:36"`
	LockReference int64  `gorm:"column:lock_reference;not null;default:0"`
	LockedAt      *int64 `gorm:"column:locked_at"`
	LockedUntil   *int64 `gorm:"column:locked_until"`
	// Timeout 最近一次加锁的租期（毫秒），释放后为 0
	Timeout         int64  `gorm:"column:timeout;not null;default:0"`
	LockedByMachine string `gorm:"column:locked_by_machine;size:255;not null;default:''"`
	LockedByPID     int64  `gorm:"column:locked_by_pid;not null;default:0"`
}

func (LockRow) TableName() string { return "distributed_locks" }

// TaskStatus single_tasks.status 的取值
type TaskStatus int

const (
	StatusScheduled TaskStatus = iota
	StatusRunning
	StatusCompleted
	StatusCompletedCancelled
	StatusCompletedAborted
	StatusCompletedAbandoned
)

var statusNames = [...]string{
	"Scheduled",
	"Running",
	"Completed",
	"CompletedCancelled",
	"CompletedAborted",
	"CompletedAbandoned",
}

func (s TaskStatus) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("TaskStatus(%d)", int(s))
}

// IsTerminal 是否为 Completed* 之一
func (s TaskStatus) IsTerminal() bool {
	return s >= StatusCompleted && s <= StatusCompletedAbandoned
}

// ParseTaskStatus 按名称（大小写不敏感）或序号解析状态
func ParseTaskStatus(v string) (TaskStatus, error) {
	v = strings.TrimSpace(v)
	for i, name := range statusNames {
		if strings.EqualFold(name, v) || v == fmt.Sprint(i) {
			return TaskStatus(i), nil
		}
	}
	return 0, fmt.Errorf("xstore: unknown task status %q", v)
}

// SingleTaskRow single_tasks 表
type SingleTaskRow struct {
	ID              int64      `gorm:"column:id;primaryKey;autoIncrement"`
	Identifier      string     `gorm:"column:identifier;size:36;not null;index"`
	JSONParameters  *string    `gorm:"column:json_parameters;type:text"`
	ScheduledAt     int64      `gorm:"column:scheduled_at;not null;index:idx_single_tasks_pending,priority:2"`
	Status          TaskStatus `gorm:"column:status;not null;default:0;index:idx_single_tasks_pending,priority:1"`
	StatusChangedAt int64      `gorm:"column:status_changed_at;not null"`
	LastRunAt       *int64     `gorm:"column:last_run_at"`
	LockedUntil     *int64     `gorm:"column:locked_until"`
	RecurrentTaskID *int64     `gorm:"column:recurrent_task_id;index"`
}

func (SingleTaskRow) TableName() string { return "single_tasks" }

// RecurrentTaskRow recurrent_tasks 表
//
// IntervalMs 与 CronSpec 二选一：CronSpec 非空时按 cron 表达式触发。
type RecurrentTaskRow struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Identifier string `gorm:"column:identifier;size:36;not null;index"`
	IntervalMs int64  `gorm:"column:interval_ms;not null"`
	CronSpec   string `gorm:"column:cron_spec;size:255;not null"`
	Enabled    bool   `gorm:"column:enabled;not null"`
}

func (RecurrentTaskRow) TableName() string { return "recurrent_tasks" }
