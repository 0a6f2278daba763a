package xstore

import "errors"

var (
	// ErrUnsupportedDialect 不支持的数据库方言
	ErrUnsupportedDialect = errors.New("xstore: unsupported dialect")

	// ErrEmptyDSN 未配置 DSN
	ErrEmptyDSN = errors.New("xstore: empty dsn")

	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("xstore: record not found")

	// ErrClosed Store 已关闭
	ErrClosed = errors.New("xstore: store is closed")
)
