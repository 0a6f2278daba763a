// Package xtask 基于租约锁的分布式任务调度。
//
// 多个进程共享同一个数据库。任务以 single_tasks 行的形式入队，
// 监听器（listener）周期性地领取到期任务：先取得该任务类型的租约锁，
// 再把行从 Scheduled 改为 Running，然后在受限的工作协程中执行。
// 同一任务类型在整个集群中同一时刻最多只有一个实例在运行。
//
// 运行中的任务必须定期调用 Runtime.SendAliveSignal 并检查
// Runtime.IsCancellationRequested（或 ctx）：
//
//   - 超过 AliveCycle 没有存活信号：请求协作式取消，ctx 被取消；
//   - 超过 2×AliveCycle 没有存活信号，或租约丢失：强制中止，
//     任务记为 CompletedAborted，执行协程被放弃（不再等待）。
//
// 进程崩溃后遗留的 Running 行由清理步骤标记为 CompletedAbandoned。
// 清理只检查 scheduled_at 在最近 7 天内的行；一个卡住却仍在发送存活信号的
// 任务会一直续租，这一情况不会被检测到。
//
// 基本用法：
//
//	m, _ := xtask.New(store, locks, xtask.WithLogger(logger))
//	def, _ := xtask.Register(m, xtask.Settings{Identifier: id, Name: "cleanup"},
//		func(ctx context.Context, rt *xtask.Runtime) error { ... })
//	_ = m.StartListener(0)
//	defer m.StopListener(true)
//	_, _ = def.Enqueue(ctx, 0)
package xtask
