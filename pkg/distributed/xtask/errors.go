package xtask

import "errors"

var (
	ErrNilStore = errors.New("xtask: nil store")
	ErrNilLocks = errors.New("xtask: nil lock manager")
	ErrNilFunc  = errors.New("xtask: nil task function")

	// ErrEmptyIdentifier 任务标识为 uuid.Nil
	ErrEmptyIdentifier = errors.New("xtask: empty task identifier")

	// ErrDuplicateIdentifier 同一标识重复注册
	ErrDuplicateIdentifier = errors.New("xtask: task identifier already registered")

	// ErrNotRegistered 标识未在本 Manager 注册
	ErrNotRegistered = errors.New("xtask: task identifier not registered")

	// ErrParameterMismatch 参数类型与注册时不一致
	ErrParameterMismatch = errors.New("xtask: parameter type mismatch")

	// ErrInvalidAliveCycle 由 AliveCycle 推导的租期超出锁管理器的范围
	ErrInvalidAliveCycle = errors.New("xtask: alive cycle out of lock bounds")

	// ErrIntervalTooSmall 周期任务间隔小于 1s
	ErrIntervalTooSmall = errors.New("xtask: recurrent interval below 1s")

	// ErrInvalidCronSpec cron 表达式无法解析
	ErrInvalidCronSpec = errors.New("xtask: invalid cron spec")

	// ErrLockTimeout 等待全局锁超时
	ErrLockTimeout = errors.New("xtask: timed out waiting for global lock")

	// ErrInvalidOptions 配置非法
	ErrInvalidOptions = errors.New("xtask: invalid options")

	// ErrCancellationRequested 任务 ctx 的取消原因：监听器请求协作式取消
	ErrCancellationRequested = errors.New("xtask: cancellation requested")

	// ErrForceAborted 任务 ctx 的取消原因：任务被强制中止
	ErrForceAborted = errors.New("xtask: task force aborted")
)

// ErrListenerStopping 监听器正在停止，需等待其停止后再启动
var ErrListenerStopping = errors.New("xtask: listener is stopping")

// errListenerStopped 停止监听器时 xrun.Group 的取消原因
var errListenerStopped = errors.New("xtask: listener stopped")

// errTaskPanic 任务函数 panic
var errTaskPanic = errors.New("xtask: task panicked")
