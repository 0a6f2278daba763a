// Package xlease 基于关系数据库的租约锁。
//
// 每个资源（GUID）在 distributed_locks 表中占一行。加锁、续租、释放都是
// 一条带条件的 UPDATE：条件中包含调用方认为自己持有的 fencing token，
// 过期判断使用数据库自己的时钟，受影响行数为 1 即成功。每次成功的
// 加锁/续租/释放都会推进 token，迟到的重放请求因此无法覆盖新持有者。
//
// 锁句柄 LockInfo 内部保存一个不可变的 LockState，状态变化时整体替换。
// HasLock 用 xclock 估算的服务器时间判断租约是否仍然有效。
//
// 数据库错误不会返回给调用方：记录日志后按"未获得锁"处理。
// 返回的 error 只表示参数错误或 ctx 被取消。
//
//	m, _ := xlease.New(store, clock, xlease.WithLogger(logger))
//	ok, info, err := m.TryLock(ctx, resource, xlease.WithTimeout(30*time.Second))
//	if err != nil || !ok { ... }
//	defer m.Release(ctx, info)
package xlease
