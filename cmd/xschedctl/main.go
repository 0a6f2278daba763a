// xschedctl 是 xsched 调度库的运维命令行工具。
//
// 用法:
//
//	xschedctl [全局选项] <命令> [命令参数]
//
// 全局选项:
//
//	-c, --config   配置文件路径（yaml / json），为空时使用本地 sqlite 默认配置
//	-t, --timeout  单条命令的超时时间 (默认: 30s)
//
// 命令:
//
//	migrate              创建或升级表结构
//	locks                列出租约锁
//	tasks                列出单次任务（--status / --identifier / --limit）
//	recurrent            列出周期任务定义（--all 包含已禁用）
//	sweep                执行一次遗弃任务清理
//	repair <id> <status> 强制改写任务状态
//	now                  估算数据库服务器时间
//	serve                运行只做维护的监听器（清理、修剪、周期任务补发）
//
// 退出码:
//
//	0: 成功
//	1: 执行失败
//	2: 参数错误
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v3"
)

const defaultTimeout = 30 * time.Second

// 版本信息，通过 -ldflags "-X main.Version=..." 注入
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run(context.Background(), os.Args, os.Stdout, os.Stderr))
}

func createApp(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "xschedctl",
		Usage:     "xsched 任务调度运维工具",
		Version:   fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径",
				Sources: cli.EnvVars("XSCHED_CONFIG"),
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "单条命令的超时时间（serve 不受限）",
				Value:   defaultTimeout,
			},
		},
		Commands: createCommands(),
		// 设计决策: 退出码统一由 run() 映射，禁止 urfave/cli 直接 os.Exit。
		ExitErrHandler: func(_ context.Context, cmd *cli.Command, err error) {
			if _, ok := err.(cli.ExitCoder); ok {
				fmt.Fprintln(cmd.Root().ErrWriter, err)
			}
		},
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	app := createApp(stdout, stderr)
	if err := app.Run(ctx, args); err != nil {
		var usageErr *usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintf(stderr, "参数错误: %v\n", usageErr)
			return 2
		}
		fmt.Fprintf(stderr, "错误: %v\n", err)
		return 1
	}
	return 0
}
