// Package xbreaker 基于 sony/gobreaker/v2 的熔断器。
//
// 租约锁管理器可选地用它包住对数据库的条件更新：数据库持续故障时
// 快速返回"未获得锁"，而不是让每个调用者都等到语句超时。
//
// context.Canceled 不计为失败。
package xbreaker
