// Package xproc 提供进程身份信息：进程 ID、进程名与机器名。
//
// 锁管理器用 CurrentOwner() 作为 distributed_locks 行上的持有者身份
// （locked_by_machine / locked_by_pid）。
package xproc
