package xstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	// 纯 Go sqlite 驱动，注册名 "sqlite"
	_ "modernc.org/sqlite"

	"github.com/omeyang/xsched/internal/storageopt"
	"github.com/omeyang/xsched/pkg/observability/xlog"
	"github.com/omeyang/xsched/pkg/resilience/xretry"
)

// 各方言下"数据库当前时间（Unix 毫秒）"的表达式
var nowExpressions = map[string]string{
	DialectSQLite:   "CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)",
	DialectMySQL:    "CAST(UNIX_TIMESTAMP(NOW(3)) * 1000 AS SIGNED)",
	DialectPostgres: "CAST(EXTRACT(EPOCH FROM clock_timestamp()) * 1000 AS BIGINT)",
}

// Option Store 选项
type Option func(*storeOptions)

type storeOptions struct {
	logger   xlog.Logger
	slowHook func(SlowQuery)
}

// WithLogger 设置 logger，SQL 错误与慢查询会写入其中
func WithLogger(l xlog.Logger) Option {
	return func(o *storeOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSlowQueryHook 慢查询的异步通知，不阻塞查询路径
func WithSlowQueryHook(fn func(SlowQuery)) Option {
	return func(o *storeOptions) { o.slowHook = fn }
}

// Store 数据库访问入口，并发安全
type Store struct {
	db      *gorm.DB
	sqlDB   *sql.DB
	dialect string
	now     string
	cfg     Config
	logger  xlog.Logger

	slow    *storageopt.SlowQueryDetector[SlowQuery]
	queries *storageopt.QueryCounter
	health  storageopt.HealthCounter
	closed  atomic.Bool
}

// Open 连接数据库，按配置重试 ping，并在 AutoMigrate 时建表
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := storeOptions{logger: xlog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With(slog.String("component", "xstore"), slog.String("dialect", cfg.Dialect))

	slow, err := storageopt.NewSlowQueryDetector(storageopt.SlowQueryOptions[SlowQuery]{
		Threshold: cfg.SlowThreshold,
		SyncHook: func(ctx context.Context, q SlowQuery) {
			logger.Warn(ctx, "slow query", slog.String("sql", q.SQL),
				slog.Duration("elapsed", q.Elapsed), slog.Int64("rows", q.Rows))
		},
		AsyncHook: o.slowHook,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	queries := &storageopt.QueryCounter{}
	db, err := gorm.Open(dialector(cfg), &gorm.Config{
		Logger:                 newGormLogger(logger, cfg.LogSQL, slow, queries),
		NowFunc:                func() time.Time { return time.Now().UTC() },
		SkipDefaultTransaction: true,
	})
	if err != nil {
		slow.Close()
		return nil, fmt.Errorf("xstore: open %s: %w", cfg.Dialect, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		slow.Close()
		return nil, fmt.Errorf("xstore: get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &Store{
		db:      db,
		sqlDB:   sqlDB,
		dialect: cfg.Dialect,
		now:     nowExpressions[cfg.Dialect],
		cfg:     cfg,
		logger:  logger,
		slow:    slow,
		queries: queries,
	}

	err = xretry.Do(ctx, func() error {
		return s.Health(ctx)
	}, xretry.Attempts(cfg.ConnectAttempts), xretry.Delay(200*time.Millisecond),
		xretry.MaxDelay(2*time.Second), xretry.LastErrorOnly(true),
		xretry.OnRetry(func(n uint, err error) {
			logger.Warn(ctx, "database not ready, retrying", slog.Uint64("attempt", uint64(n)+1), xlog.Err(err))
		}))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("xstore: ping %s: %w", cfg.Dialect, err), s.Close())
	}

	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			return nil, errors.Join(err, s.Close())
		}
	}
	logger.Info(ctx, "store opened", slog.Int("max_open_conns", cfg.MaxOpenConns))
	return s, nil
}

func dialector(cfg Config) gorm.Dialector {
	switch cfg.Dialect {
	case DialectMySQL:
		return mysql.Open(cfg.DSN)
	case DialectPostgres:
		return postgres.Open(cfg.DSN)
	default:
		return sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: cfg.DSN})
	}
}

// Migrate 创建或升级三张表
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&LockRow{}, &SingleTaskRow{}, &RecurrentTaskRow{}); err != nil {
		return fmt.Errorf("xstore: migrate: %w", err)
	}
	return nil
}

// Close 关闭连接池，可重复调用
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.slow.Close()
	return s.sqlDB.Close()
}

// DB 底层 gorm 实例
func (s *Store) DB() *gorm.DB { return s.db }

// Dialect 当前方言
func (s *Store) Dialect() string { return s.dialect }

// Health ping 数据库
func (s *Store) Health(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	hctx, cancel := storageopt.HealthContext(ctx, storageopt.DefaultHealthTimeout)
	defer cancel()
	err := s.sqlDB.PingContext(hctx)
	s.health.Record(err)
	return err
}

// ServerTime 数据库当前时间（UTC，毫秒精度）
func (s *Store) ServerTime(ctx context.Context) (time.Time, error) {
	ms, err := s.serverNowMs(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (s *Store) serverNowMs(ctx context.Context) (int64, error) {
	var ms int64
	if err := s.db.WithContext(ctx).Raw("SELECT " + s.now).Row().Scan(&ms); err != nil {
		return 0, fmt.Errorf("xstore: read server time: %w", err)
	}
	return ms, nil
}

// nowPlus 返回 "数据库当前时间 + d" 的 SQL 表达式
func (s *Store) nowPlus(d time.Duration) any {
	return gorm.Expr(s.now+" + ?", d.Milliseconds())
}

// Stats 存储层统计
type Stats struct {
	Queries     int64 `json:"queries"`
	Errors      int64 `json:"errors"`
	SlowQueries int64 `json:"slow_queries"`
	Pings       int64 `json:"pings"`
	PingErrors  int64 `json:"ping_errors"`
}

// Stats 返回统计快照
func (s *Store) Stats() Stats {
	return Stats{
		Queries:     s.queries.Queries(),
		Errors:      s.queries.Errors(),
		SlowQueries: s.slow.Count(),
		Pings:       s.health.Pings(),
		PingErrors:  s.health.Errors(),
	}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
