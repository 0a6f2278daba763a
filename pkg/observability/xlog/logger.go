package xlog

import (
	"context"
	"log/slog"
	"runtime"
	"time"
)

var _ LoggerWithLevel = (*slogLogger)(nil)

// slogLogger 基于 slog.Handler 的实现
type slogLogger struct {
	handler   slog.Handler
	levelVar  *slog.LevelVar
	addSource bool
}

func (l *slogLogger) log(ctx context.Context, level slog.Level, msg string, attrs []slog.Attr) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.handler.Enabled(ctx, level) {
		return
	}
	var pc uintptr
	if l.addSource {
		var pcs [1]uintptr
		// Callers → log → Debug/Info/... → 调用方
		runtime.Callers(3, pcs[:])
		pc = pcs[0]
	}
	r := slog.NewRecord(time.Now(), level, msg, pc)
	r.AddAttrs(attrs...)
	// 写入失败不向业务扩散
	_ = l.handler.Handle(ctx, r) //nolint:errcheck // 日志写入失败不影响调用方
}

func (l *slogLogger) Debug(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelDebug, msg, attrs)
}

func (l *slogLogger) Info(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelInfo, msg, attrs)
}

func (l *slogLogger) Warn(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelWarn, msg, attrs)
}

func (l *slogLogger) Error(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelError, msg, attrs)
}

func (l *slogLogger) With(attrs ...slog.Attr) Logger {
	if len(attrs) == 0 {
		return l
	}
	return &slogLogger{
		handler:   l.handler.WithAttrs(attrs),
		levelVar:  l.levelVar,
		addSource: l.addSource,
	}
}

func (l *slogLogger) WithGroup(name string) Logger {
	if name == "" {
		return l
	}
	return &slogLogger{
		handler:   l.handler.WithGroup(name),
		levelVar:  l.levelVar,
		addSource: l.addSource,
	}
}

func (l *slogLogger) SetLevel(level Level) {
	l.levelVar.Set(slog.Level(level))
}

func (l *slogLogger) GetLevel() Level {
	return Level(l.levelVar.Level())
}

func (l *slogLogger) Enabled(ctx context.Context, level Level) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	return l.handler.Enabled(ctx, slog.Level(level))
}

// FromSlog 将现有的 slog.Handler 包装为 Logger，级别由 handler 自身决定。
func FromSlog(h slog.Handler) Logger {
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelDebug)
	return &slogLogger{handler: h, levelVar: lv}
}

// =============================================================================
// Nop
// =============================================================================

type nopLogger struct{}

var nop Logger = nopLogger{}

// Nop 返回丢弃所有输出的 Logger
func Nop() Logger { return nop }

func (nopLogger) Debug(context.Context, string, ...slog.Attr) {}
func (nopLogger) Info(context.Context, string, ...slog.Attr)  {}
func (nopLogger) Warn(context.Context, string, ...slog.Attr)  {}
func (nopLogger) Error(context.Context, string, ...slog.Attr) {}
func (n nopLogger) With(...slog.Attr) Logger                  { return n }
func (n nopLogger) WithGroup(string) Logger                   { return n }

// Err 构造统一的错误属性
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.String("error", err.Error())
}
