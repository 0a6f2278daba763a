package xlease

import (
	"fmt"
	"time"
)

const (
	DefaultMinTimeout    = time.Second
	DefaultMaxTimeout    = 5 * time.Minute
	DefaultLeaseTimeout  = time.Minute
	DefaultMaxWaitTime   = 5 * time.Minute
	DefaultRetryInterval = time.Second
)

// Config 锁管理器配置
type Config struct {
	MinTimeout     time.Duration `koanf:"min_timeout"`
	MaxTimeout     time.Duration `koanf:"max_timeout"`
	DefaultTimeout time.Duration `koanf:"default_timeout"`
	MaxWaitTime    time.Duration `koanf:"max_wait_time"`
	// RetryInterval WaitForLock 两次尝试之间的固定间隔
	RetryInterval time.Duration `koanf:"retry_interval"`
}

// DefaultConfig 1s–5min 的租期范围，默认租期 1min
func DefaultConfig() Config {
	return Config{
		MinTimeout:     DefaultMinTimeout,
		MaxTimeout:     DefaultMaxTimeout,
		DefaultTimeout: DefaultLeaseTimeout,
		MaxWaitTime:    DefaultMaxWaitTime,
		RetryInterval:  DefaultRetryInterval,
	}
}

// Validate 零值字段取默认值，并检查 Min <= Default <= Max
func (c *Config) Validate() error {
	d := DefaultConfig()
	if c.MinTimeout <= 0 {
		c.MinTimeout = d.MinTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = d.MaxTimeout
	}
	if c.MaxWaitTime <= 0 {
		c.MaxWaitTime = d.MaxWaitTime
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.MinTimeout > c.MaxTimeout {
		return fmt.Errorf("%w: min timeout %s > max timeout %s", ErrInvalidConfig, c.MinTimeout, c.MaxTimeout)
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = min(max(d.DefaultTimeout, c.MinTimeout), c.MaxTimeout)
	}
	return c.CheckTimeout(c.DefaultTimeout)
}

// CheckTimeout 租期是否在允许范围内
func (c Config) CheckTimeout(d time.Duration) error {
	if d < c.MinTimeout || d > c.MaxTimeout {
		return fmt.Errorf("%w: %s not in [%s, %s]", ErrInvalidTimeout, d, c.MinTimeout, c.MaxTimeout)
	}
	return nil
}
