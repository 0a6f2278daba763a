// Package xlog 提供基于 log/slog 的结构化日志。
//
// 所有日志方法都要求传入 context.Context，属性只接受 slog.Attr。
// 组件通过 WithLogger 之类的选项接收 Logger，不依赖全局实例；
// 未配置时使用 Nop()。
//
// 基本用法：
//
//	logger, cleanup, err := xlog.New().
//	    SetLevelString("debug").
//	    SetFormat("json").
//	    SetRotation("/var/log/xsched/app.log").
//	    Build()
//	if err != nil {
//	    return err
//	}
//	defer cleanup()
//
//	logger.Info(ctx, "listener started", slog.Int("workers", 7))
package xlog
