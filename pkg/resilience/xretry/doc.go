// Package xretry 是 avast/retry-go/v5 的薄包装。
//
// 调用方通过本包的别名配置重试，不直接依赖 retry-go：
//
//	err := xretry.Do(ctx, func() error {
//	    return store.Ping(ctx)
//	}, xretry.Attempts(5), xretry.Delay(200*time.Millisecond))
//
// Do 始终把 ctx 交给 retry-go，ctx 取消即停止重试。
// 用 Permanent 标记的错误不会被重试。
package xretry
