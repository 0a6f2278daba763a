// Package xrun 管理一组长期运行的 goroutine：任一返回错误或 context 取消时，
// 其余成员都会收到取消信号，Wait 返回第一个有意义的错误。
//
// Run 在 Group 之上增加了系统信号处理，适合进程入口：
//
//	err := xrun.Run(ctx, func(ctx context.Context) error {
//	    return listener.Serve(ctx)
//	})
//	if errors.Is(err, xrun.ErrSignal) {
//	    // 正常退出
//	}
package xrun
