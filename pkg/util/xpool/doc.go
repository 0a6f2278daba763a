// Package xpool 提供泛型的有界 worker pool。
//
// 队列满时 Submit 立即返回 ErrQueueFull 而不阻塞调用方；
// Close 拒绝新任务并等待队列中已有任务处理完。
// handler 的 panic 会被恢复并记录，不影响其他任务。
package xpool
