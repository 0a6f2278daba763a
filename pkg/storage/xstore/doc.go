// Package xstore 是调度系统唯一的跨进程共享状态：基于 gorm 的三张表
// （distributed_locks / single_tasks / recurrent_tasks）以及数据库侧的"当前时间"。
//
// 支持的方言：
//   - sqlite（modernc.org/sqlite，纯 Go，无需 cgo）
//   - mysql
//   - postgres
//
// 所有时间戳以 BIGINT Unix 毫秒保存，涉及"现在"的比较一律在数据库侧求值，
// 保证多台机器之间不依赖本地时钟。
//
// 锁相关的语句从不嵌套在调用方事务中：每条条件 UPDATE 独立提交，
// 是否成功只看 RowsAffected。
package xstore
