// Package xmetrics 提供统一的观测接口（Observer/Span），
// 一次 Start/End 同时产生一个 trace span、一次计数和一次耗时记录。
//
// 组件只依赖 Observer 接口；默认使用 NoopObserver，
// 需要指标时通过 NewOTelObserver 接入 OpenTelemetry。
//
// 指标：
//   - xsched.operation.total     计数，维度 component / operation / status
//   - xsched.operation.duration  直方图（秒），维度同上
package xmetrics
