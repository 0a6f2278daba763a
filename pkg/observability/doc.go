// Package observability 提供可观测性相关的子包。
//
// 子包列表：
//   - xlog: 结构化日志，基于 log/slog 扩展，支持文件轮转与运行时调级
//   - xmetrics: 统一观测接口，默认空实现，可接 OpenTelemetry
package observability
