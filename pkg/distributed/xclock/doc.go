// Package xclock 估算数据库服务器的当前时间。
//
// 租约锁的过期判断以数据库时间为准：各进程本地时钟可能存在偏差，
// 但所有进程都读同一台数据库的时钟。Provider 周期性采样服务器时间，
// 取往返延迟最小的一次作为锚点，此后用本地单调时钟推算。
//
// 基本用法：
//
//	p, err := xclock.New(store, xclock.WithLogger(logger))
//	if err != nil { ... }
//	if err := p.Start(ctx); err != nil { ... }
//	defer p.Close()
//
//	now, err := p.UtcNow()
//
// 本地时间来自 github.com/juju/clock，测试中可替换为 testclock。
package xclock
