package xclock

import (
	"time"

	"github.com/juju/clock"

	"github.com/omeyang/xsched/pkg/observability/xlog"
)

const (
	DefaultSamples         = 3
	DefaultRefreshInterval = 60 * time.Second
	DefaultSampleTimeout   = 5 * time.Second
)

// Option Provider 选项
type Option func(*options)

type options struct {
	clock           clock.Clock
	samples         int
	refreshInterval time.Duration
	sampleTimeout   time.Duration
	logger          xlog.Logger
}

func defaultOptions() *options {
	return &options{
		clock:           clock.WallClock,
		samples:         DefaultSamples,
		refreshInterval: DefaultRefreshInterval,
		sampleTimeout:   DefaultSampleTimeout,
		logger:          xlog.Nop(),
	}
}

// WithClock 替换本地时钟，测试中传入 testclock
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithSamples 每轮采样的往返次数，默认 3
func WithSamples(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.samples = n
		}
	}
}

// WithRefreshInterval 后台刷新间隔，默认 60s
func WithRefreshInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.refreshInterval = d
		}
	}
}

// WithSampleTimeout 单次往返的超时，默认 5s
func WithSampleTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sampleTimeout = d
		}
	}
}

// WithLogger 刷新失败时写日志
func WithLogger(l xlog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
