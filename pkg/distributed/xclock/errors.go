package xclock

import "errors"

var (
	// ErrNilTimeSource 未提供时间源
	ErrNilTimeSource = errors.New("xclock: nil time source")

	// ErrNotInitialized 尚未成功采样过
	ErrNotInitialized = errors.New("xclock: server time not sampled yet")

	// ErrSampleFailed 一轮采样全部失败
	ErrSampleFailed = errors.New("xclock: all samples failed")

	// ErrClosed Provider 已关闭
	ErrClosed = errors.New("xclock: provider closed")
)
