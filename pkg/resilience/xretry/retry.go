package xretry

import (
	"context"
	"errors"
	"time"

	retry "github.com/avast/retry-go/v5"
)

type (
	// Option retry-go 配置选项
	Option = retry.Option

	// DelayTypeFunc 延迟计算函数
	DelayTypeFunc = retry.DelayTypeFunc

	// DelayContext 延迟计算上下文
	DelayContext = retry.DelayContext
)

var (
	// Attempts 总尝试次数（含首次），0 表示无限
	Attempts = retry.Attempts

	// UntilSucceeded 无限重试，直到成功或 ctx 结束
	UntilSucceeded = retry.UntilSucceeded

	Delay     = retry.Delay
	MaxDelay  = retry.MaxDelay
	MaxJitter = retry.MaxJitter
	DelayType = retry.DelayType
	OnRetry   = retry.OnRetry

	// LastErrorOnly 只返回最后一次的错误
	LastErrorOnly = retry.LastErrorOnly

	FixedDelay   = retry.FixedDelay
	BackOffDelay = retry.BackOffDelay
	RandomDelay  = retry.RandomDelay
	CombineDelay = retry.CombineDelay
)

// permanentError 包装不应重试的错误
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记 err 为不可重试，nil 原样返回
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 判断错误链中是否存在 Permanent 标记
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do 执行带重试的操作
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	return retry.New(withDefaults(ctx, opts)...).Do(fn)
}

// DoWithData 执行带重试且有返回值的操作
func DoWithData[T any](ctx context.Context, fn func() (T, error), opts ...Option) (T, error) {
	return retry.NewWithData[T](withDefaults(ctx, opts)...).Do(fn)
}

// Fixed 固定间隔重试的常用组合：无抖动，只返回最后一次错误
func Fixed(interval time.Duration) []Option {
	return []Option{
		Delay(interval),
		DelayType(FixedDelay),
		MaxJitter(0),
		LastErrorOnly(true),
	}
}

// withDefaults 先放默认选项，调用方的选项追加在后以便覆盖
func withDefaults(ctx context.Context, opts []Option) []Option {
	all := make([]Option, 0, len(opts)+2)
	all = append(all,
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool { return !IsPermanent(err) }),
	)
	return append(all, opts...)
}
