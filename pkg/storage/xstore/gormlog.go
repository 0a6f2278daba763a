package xstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/omeyang/xsched/internal/storageopt"
	"github.com/omeyang/xsched/pkg/observability/xlog"
)

// SlowQuery 慢查询信息
type SlowQuery struct {
	SQL     string
	Rows    int64
	Elapsed time.Duration
}

var _ gormlogger.Interface = (*gormLogger)(nil)

// gormLogger 把 gorm 的日志与 Trace 接到 xlog、慢查询检测和计数器上
type gormLogger struct {
	logger  xlog.Logger
	level   gormlogger.LogLevel
	logSQL  bool
	slow    *storageopt.SlowQueryDetector[SlowQuery]
	queries *storageopt.QueryCounter
}

func newGormLogger(l xlog.Logger, logSQL bool, slow *storageopt.SlowQueryDetector[SlowQuery], q *storageopt.QueryCounter) *gormLogger {
	return &gormLogger{logger: l, level: gormlogger.Warn, logSQL: logSQL, slow: slow, queries: q}
}

func (g *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	c := *g
	c.level = level
	return &c
}

func (g *gormLogger) Info(ctx context.Context, msg string, data ...any) {
	if g.level >= gormlogger.Info {
		g.logger.Info(ctx, fmt.Sprintf(msg, data...))
	}
}

func (g *gormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if g.level >= gormlogger.Warn {
		g.logger.Warn(ctx, fmt.Sprintf(msg, data...))
	}
}

func (g *gormLogger) Error(ctx context.Context, msg string, data ...any) {
	if g.level >= gormlogger.Error {
		g.logger.Error(ctx, fmt.Sprintf(msg, data...))
	}
}

func (g *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = nil
	}
	g.queries.Record(err)

	if g.slow.Threshold() > 0 && elapsed >= g.slow.Threshold() {
		sql, rows := fc()
		g.slow.Observe(ctx, SlowQuery{SQL: sql, Rows: rows, Elapsed: elapsed}, elapsed)
	}
	if err != nil && g.level >= gormlogger.Error {
		sql, _ := fc()
		// 调用方（锁、任务）会自行决定如何处理错误，这里只留痕
		g.logger.Debug(ctx, "sql error", slog.String("sql", sql), xlog.Err(err))
		return
	}
	if g.logSQL {
		sql, rows := fc()
		g.logger.Debug(ctx, "sql", slog.String("sql", sql), slog.Int64("rows", rows), slog.Duration("elapsed", elapsed))
	}
}
