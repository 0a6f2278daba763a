package xmetrics

import "context"

// Kind 跨度类型
type Kind int

const (
	KindInternal Kind = iota
	KindClient
)

// Status 观测结果状态
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Attr 观测属性
type Attr struct {
	Key   string
	Value any
}

// String / Int64 / Bool 构造属性的便捷函数
func String(k, v string) Attr      { return Attr{Key: k, Value: v} }
func Int64(k string, v int64) Attr { return Attr{Key: k, Value: v} }
func Bool(k string, v bool) Attr   { return Attr{Key: k, Value: v} }

// SpanOptions 跨度创建参数
type SpanOptions struct {
	Component string
	Operation string
	Kind      Kind
	Attrs     []Attr
}

// Result 跨度结束结果
//
// Status 为空时按 Err 推导；Status 可以是业务自定义值（如 acquired / busy）。
type Result struct {
	Status Status
	Err    error
	Attrs  []Attr
}

// Span 一次观测
type Span interface {
	End(result Result)
}

// Observer 观测入口
type Observer interface {
	Start(ctx context.Context, opts SpanOptions) (context.Context, Span)
}

// NoopObserver 空实现
type NoopObserver struct{}

func (NoopObserver) Start(ctx context.Context, _ SpanOptions) (context.Context, Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx, NoopSpan{}
}

// NoopSpan 空跨度
type NoopSpan struct{}

func (NoopSpan) End(Result) {}

// Start 使用 observer 开始观测，observer 为 nil 时返回空跨度，返回值永不为 nil
func Start(ctx context.Context, observer Observer, opts SpanOptions) (context.Context, Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	if observer == nil {
		return ctx, NoopSpan{}
	}
	retCtx, span := observer.Start(ctx, opts)
	if retCtx == nil {
		retCtx = ctx
	}
	if span == nil {
		span = NoopSpan{}
	}
	return retCtx, span
}

func resolveStatus(r Result) Status {
	if r.Status != "" {
		return r.Status
	}
	if r.Err != nil {
		return StatusError
	}
	return StatusOK
}
