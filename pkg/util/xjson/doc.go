// Package xjson JSON 工具函数。
//
// Encode / Decode 处理任务参数在 single_tasks.json_parameters 列中的存取，
// Pretty 用于命令行输出。
package xjson
