package xlease

import "errors"

var (
	ErrNilStore      = errors.New("xlease: nil store")
	ErrNilClock      = errors.New("xlease: nil clock")
	ErrNilLockInfo   = errors.New("xlease: nil lock info")
	ErrEmptyResource = errors.New("xlease: empty resource")

	// ErrInvalidTimeout 租期不在 [MinTimeout, MaxTimeout] 内
	ErrInvalidTimeout = errors.New("xlease: timeout out of range")

	// ErrInvalidWaitTime 等待时间为负或超过 MaxWaitTime
	ErrInvalidWaitTime = errors.New("xlease: wait time out of range")

	// ErrInvalidConfig 配置自相矛盾
	ErrInvalidConfig = errors.New("xlease: invalid config")

	// errLockBusy WaitForLock 重试循环内部使用
	errLockBusy = errors.New("xlease: lock busy")
)
