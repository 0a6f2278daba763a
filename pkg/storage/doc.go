// Package storage 提供数据存储相关的子包。
//
// 子包列表：
//   - xstore: 基于 gorm 的锁表与任务表访问，支持 sqlite / mysql / postgres
package storage
