// Package storageopt 提供存储层共享的小工具：慢查询检测、计数器、
// 健康检查超时和分页参数校验。
//
// 本包是 internal 包，仅供 pkg/storage 下的实现使用。
package storageopt
