// Package distributed 提供分布式协调相关的子包。
//
// 子包列表：
//   - xclock: 以数据库服务器时间为基准的时钟估算
//   - xlease: 基于关系数据库的租约锁，带 fencing token
//   - xtask: 基于租约锁的分布式任务调度（单次任务、周期任务、存活监管）
//
// 设计原则：
//   - 数据库是唯一的跨进程共享资源，所有判定以服务器时间为准
//   - 锁与任务的状态变更都是单条条件 UPDATE，以影响行数判定成败
package distributed
