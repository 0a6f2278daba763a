package xstore

import (
	"fmt"
	"strings"
	"time"
)

// 方言名称，与 gorm Dialector.Name() 一致
const (
	DialectSQLite   = "sqlite"
	DialectMySQL    = "mysql"
	DialectPostgres = "postgres"
)

// Config 数据库配置
type Config struct {
	// Dialect sqlite / mysql / postgres
	Dialect string `koanf:"dialect"`

	// DSN 连接串。sqlite 推荐：
	//   file:/var/lib/xsched/xsched.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate
	DSN string `koanf:"dsn"`

	// MaxOpenConns sqlite 默认 1，其余默认 16
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`

	// SlowThreshold 慢查询阈值，0 关闭
	SlowThreshold time.Duration `koanf:"slow_threshold"`

	// LogSQL 以 debug 级别记录每条 SQL
	LogSQL bool `koanf:"log_sql"`

	// ConnectAttempts 启动时 ping 的最大尝试次数
	ConnectAttempts uint `koanf:"connect_attempts"`

	// AutoMigrate Open 时建表
	AutoMigrate bool `koanf:"auto_migrate"`
}

// DefaultConfig 返回本地 sqlite 的默认配置
func DefaultConfig() Config {
	return Config{
		Dialect:         DialectSQLite,
		DSN:             "file:xsched.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate",
		SlowThreshold:   200 * time.Millisecond,
		ConnectAttempts: 5,
		AutoMigrate:     true,
	}
}

// Validate 校验并补全默认值
func (c *Config) Validate() error {
	c.Dialect = strings.ToLower(strings.TrimSpace(c.Dialect))
	switch c.Dialect {
	case DialectSQLite, DialectMySQL, DialectPostgres:
	case "postgresql", "pg":
		c.Dialect = DialectPostgres
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedDialect, c.Dialect)
	}
	if strings.TrimSpace(c.DSN) == "" {
		return ErrEmptyDSN
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 16
		if c.Dialect == DialectSQLite {
			c.MaxOpenConns = 1
		}
	}
	if c.MaxIdleConns <= 0 || c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = c.MaxOpenConns
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = 1
	}
	return nil
}
