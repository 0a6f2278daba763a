// Package util 提供通用工具相关的子包。
//
// 子包列表：
//   - xjson: JSON 编解码，任务参数的存储格式与命令行输出
//   - xpool: 泛型 Worker Pool，可配置 worker/队列大小、优雅关闭
//   - xproc: 进程信息查询，PID、进程名与锁持有者身份
package util
