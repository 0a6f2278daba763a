package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/omeyang/xsched/pkg/config/xconf"
	"github.com/omeyang/xsched/pkg/distributed/xclock"
	"github.com/omeyang/xsched/pkg/distributed/xlease"
	"github.com/omeyang/xsched/pkg/distributed/xtask"
	"github.com/omeyang/xsched/pkg/lifecycle/xrun"
	"github.com/omeyang/xsched/pkg/observability/xlog"
	"github.com/omeyang/xsched/pkg/observability/xmetrics"
	"github.com/omeyang/xsched/pkg/resilience/xbreaker"
	"github.com/omeyang/xsched/pkg/storage/xstore"
	"github.com/omeyang/xsched/pkg/util/xjson"
)

// usageError 参数错误，退出码 2
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func createCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:   "migrate",
			Usage:  "创建或升级表结构",
			Action: withStore(false, cmdMigrate),
		},
		{
			Name:   "locks",
			Usage:  "列出租约锁",
			Action: withStore(false, cmdLocks),
		},
		{
			Name:  "tasks",
			Usage: "列出单次任务",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Usage: "按状态过滤（名称或序号）"},
				&cli.StringFlag{Name: "identifier", Aliases: []string{"i"}, Usage: "按任务类型过滤"},
				&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "最多显示条数", Value: 50},
			},
			Action: withStore(false, cmdTasks),
		},
		{
			Name:  "recurrent",
			Usage: "列出周期任务定义",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "all", Usage: "包含已禁用的定义"},
			},
			Action: withStore(false, cmdRecurrent),
		},
		{
			Name:  "sweep",
			Usage: "执行一次遗弃任务清理",
			Flags: []cli.Flag{
				&cli.DurationFlag{Name: "window", Usage: "只检查 scheduled_at 在该窗口内的任务", Value: 7 * 24 * time.Hour},
			},
			Action: withStore(false, cmdSweep),
		},
		{
			Name:      "repair",
			Usage:     "强制改写任务状态",
			ArgsUsage: "<id> <status>",
			Action:    withStore(false, cmdRepair),
		},
		{
			Name:   "now",
			Usage:  "估算数据库服务器时间",
			Action: withStore(false, cmdNow),
		},
		{
			Name:   "serve",
			Usage:  "运行只做维护的监听器，收到 SIGINT / SIGTERM 后停止",
			Action: cmdServe,
		},
	}
}

// env 一条命令的运行环境
type env struct {
	cfg    config
	loader *xconf.Loader
	logger xlog.LoggerWithLevel
	store  *xstore.Store
	cmd    *cli.Command
}

func (e *env) print(v any) {
	fmt.Fprintln(e.cmd.Root().Writer, xjson.Pretty(v))
}

func setup(ctx context.Context, cmd *cli.Command, migrate bool) (*env, func(), error) {
	cfg, loader, err := loadConfig(cmd.String("config"))
	if err != nil {
		return nil, nil, err
	}
	logger, closeLog, err := cfg.Log.Builder().SetOutput(cmd.Root().ErrWriter).Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	store, err := openStore(ctx, cfg, logger, migrate)
	if err != nil {
		_ = closeLog()
		return nil, nil, err
	}
	cleanup := func() {
		_ = store.Close()
		_ = closeLog()
	}
	return &env{cfg: cfg, loader: loader, logger: logger, store: store, cmd: cmd}, cleanup, nil
}

// withStore 打开配置、日志与数据库，并为命令加上 --timeout
func withStore(migrate bool, fn func(ctx context.Context, e *env) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		if d := cmd.Duration("timeout"); d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		e, cleanup, err := setup(ctx, cmd, migrate)
		if err != nil {
			return err
		}
		defer cleanup()
		return fn(ctx, e)
	}
}

func cmdMigrate(ctx context.Context, e *env) error {
	if err := e.store.Migrate(ctx); err != nil {
		return err
	}
	e.print(map[string]string{"dialect": e.store.Dialect(), "status": "migrated"})
	return nil
}

func cmdLocks(ctx context.Context, e *env) error {
	rows, err := e.store.ListLocks(ctx)
	if err != nil {
		return err
	}
	type lockView struct {
		Resource    string `json:"resource"`
		Reference   int64  `json:"reference"`
		LockedUntil string `json:"locked_until,omitempty"`
		Owner       string `json:"owner,omitempty"`
	}
	out := make([]lockView, 0, len(rows))
	for _, r := range rows {
		v := lockView{Resource: r.Resource, Reference: r.LockReference}
		if r.LockedUntil != nil {
			v.LockedUntil = formatMs(*r.LockedUntil)
		}
		if r.LockedByMachine != "" {
			v.Owner = r.LockedByMachine + ":" + strconv.FormatInt(r.LockedByPID, 10)
		}
		out = append(out, v)
	}
	e.print(out)
	return nil
}

type taskView struct {
	ID              int64   `json:"id"`
	Identifier      string  `json:"identifier"`
	Status          string  `json:"status"`
	ScheduledAt     string  `json:"scheduled_at"`
	StatusChangedAt string  `json:"status_changed_at"`
	LockedUntil     string  `json:"locked_until,omitempty"`
	RecurrentTaskID *int64  `json:"recurrent_task_id,omitempty"`
	Parameters      *string `json:"parameters,omitempty"`
}

func toTaskView(r xstore.SingleTaskRow) taskView {
	v := taskView{
		ID:              r.ID,
		Identifier:      r.Identifier,
		Status:          r.Status.String(),
		ScheduledAt:     formatMs(r.ScheduledAt),
		StatusChangedAt: formatMs(r.StatusChangedAt),
		RecurrentTaskID: r.RecurrentTaskID,
		Parameters:      r.JSONParameters,
	}
	if r.LockedUntil != nil {
		v.LockedUntil = formatMs(*r.LockedUntil)
	}
	return v
}

func cmdTasks(ctx context.Context, e *env) error {
	limit := e.cmd.Int("limit")
	if limit < 1 {
		return usagef("--limit must be positive, got %d", limit)
	}
	f := xstore.TaskFilter{Identifier: e.cmd.String("identifier"), Page: 1, PageSize: int(limit)}
	if s := e.cmd.String("status"); s != "" {
		st, err := xstore.ParseTaskStatus(s)
		if err != nil {
			return usagef("%v", err)
		}
		f.Status = &st
	}
	rows, total, err := e.store.ListSingleTasks(ctx, f)
	if err != nil {
		return err
	}
	views := make([]taskView, 0, len(rows))
	for _, r := range rows {
		views = append(views, toTaskView(r))
	}
	e.print(map[string]any{"total": total, "tasks": views})
	return nil
}

func cmdRecurrent(ctx context.Context, e *env) error {
	rows, err := e.store.ListRecurrent(ctx, !e.cmd.Bool("all"))
	if err != nil {
		return err
	}
	type recurrentView struct {
		ID         int64  `json:"id"`
		Identifier string `json:"identifier"`
		Interval   string `json:"interval,omitempty"`
		Cron       string `json:"cron,omitempty"`
		Enabled    bool   `json:"enabled"`
	}
	out := make([]recurrentView, 0, len(rows))
	for _, r := range rows {
		v := recurrentView{ID: r.ID, Identifier: r.Identifier, Cron: r.CronSpec, Enabled: r.Enabled}
		if r.CronSpec == "" {
			v.Interval = (time.Duration(r.IntervalMs) * time.Millisecond).String()
		}
		out = append(out, v)
	}
	e.print(out)
	return nil
}

func cmdSweep(ctx context.Context, e *env) error {
	window := e.cmd.Duration("window")
	if window <= 0 {
		return usagef("--window must be positive, got %s", window)
	}
	n, err := e.store.SweepAbandoned(ctx, window)
	if err != nil {
		return err
	}
	e.print(map[string]int64{"abandoned": n})
	return nil
}

func cmdRepair(ctx context.Context, e *env) error {
	args := e.cmd.Args()
	if args.Len() != 2 {
		return usagef("repair requires <id> <status>")
	}
	id, err := strconv.ParseInt(args.Get(0), 10, 64)
	if err != nil || id <= 0 {
		return usagef("invalid task id %q", args.Get(0))
	}
	status, err := xstore.ParseTaskStatus(args.Get(1))
	if err != nil {
		return usagef("%v", err)
	}
	ok, err := e.store.ForceStatus(ctx, id, status)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %d: %w", id, xstore.ErrNotFound)
	}
	row, err := e.store.GetSingleTask(ctx, id)
	if err != nil {
		return err
	}
	e.logger.Warn(ctx, "task status forced", slog.Int64("task_id", id), slog.String("status", status.String()))
	e.print(toTaskView(*row))
	return nil
}

func cmdNow(ctx context.Context, e *env) error {
	p, err := xclock.New(e.store, xclock.WithLogger(e.logger))
	if err != nil {
		return err
	}
	defer p.Close() //nolint:errcheck // 未启动后台刷新
	if err := p.Refresh(ctx); err != nil {
		return err
	}
	now, err := p.UtcNow()
	if err != nil {
		return err
	}
	sample, _ := p.LastSample()
	e.print(map[string]string{
		"server_time": now.Format(time.RFC3339Nano),
		"local_time":  time.Now().UTC().Format(time.RFC3339Nano),
		"latency":     sample.Latency.String(),
		"sampled_at":  sample.SampledAt.UTC().Format(time.RFC3339Nano),
	})
	return nil
}

// cmdServe 维护监听器：不注册任务类型，只做清理、修剪与周期任务补发
//
// 配置文件变更后重新加载日志级别。
func cmdServe(ctx context.Context, cmd *cli.Command) error {
	e, cleanup, err := setup(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer cleanup()

	clk, err := xclock.New(e.store, xclock.WithLogger(e.logger))
	if err != nil {
		return err
	}
	if err := clk.Start(ctx); err != nil {
		return err
	}
	defer clk.Close() //nolint:errcheck // 退出路径

	var observer xmetrics.Observer = xmetrics.NoopObserver{}
	if e.cfg.Metrics.Enabled {
		if observer, err = xmetrics.NewOTelObserver(); err != nil {
			return err
		}
	}
	leaseOpts := []xlease.Option{
		xlease.WithConfig(e.cfg.Lease),
		xlease.WithLogger(e.logger),
		xlease.WithObserver(observer),
	}
	if e.cfg.Breaker.Enabled {
		b := xbreaker.NewBreaker("xsched-locks",
			xbreaker.WithTripPolicy(xbreaker.NewConsecutiveFailures(e.cfg.Breaker.Failures)),
			xbreaker.WithOnStateChange(func(name string, from, to xbreaker.State) {
				e.logger.Warn(context.Background(), "breaker state changed",
					slog.String("breaker", name), slog.String("from", from.String()), slog.String("to", to.String()))
			}))
		leaseOpts = append(leaseOpts, xlease.WithBreaker(b))
	}
	locks, err := xlease.New(e.store, clk, leaseOpts...)
	if err != nil {
		return err
	}
	m, err := xtask.New(e.store, locks,
		xtask.WithOptions(e.cfg.Tasks), xtask.WithLogger(e.logger), xtask.WithObserver(observer))
	if err != nil {
		return err
	}
	unsubscribe := m.SubscribeToListener(func(ev xtask.CycleEvent) {
		if ev.Err != nil {
			e.logger.Warn(context.Background(), "maintenance cycle failed",
				slog.Int64("cycle", ev.Cycle), xlog.Err(ev.Err))
		}
	})
	defer unsubscribe()

	members := []func(ctx context.Context) error{
		func(ctx context.Context) error {
			if err := m.StartListener(0); err != nil {
				return err
			}
			<-ctx.Done()
			m.StopListener(true)
			e.logger.Info(ctx, "listener stats", slog.String("stats", xjson.Pretty(m.Stats())))
			return nil
		},
	}
	if e.loader != nil {
		members = append(members, func(ctx context.Context) error {
			return e.loader.Watch(ctx, 0, func(l *xconf.Loader, err error) {
				reloadLogLevel(ctx, e.logger, l, err)
			})
		})
	}
	err = xrun.Run(ctx, []xrun.Option{xrun.WithLogger(e.logger), xrun.WithName("xschedctl")}, members...)
	if errors.Is(err, xrun.ErrSignal) {
		return nil
	}
	return err
}

// reloadLogLevel 配置重载后只应用日志级别，其余配置需要重启生效
func reloadLogLevel(ctx context.Context, logger xlog.LoggerWithLevel, l *xconf.Loader, err error) {
	if err != nil {
		logger.Warn(ctx, "config reload failed", xlog.Err(err))
		return
	}
	var lc xlog.Config
	if err := l.Unmarshal("log", &lc); err != nil {
		logger.Warn(ctx, "config reload failed", xlog.Err(err))
		return
	}
	level, err := xlog.ParseLevel(lc.Level)
	if err != nil {
		logger.Warn(ctx, "invalid log level in config", slog.String("level", lc.Level))
		return
	}
	if level != logger.GetLevel() {
		logger.SetLevel(level)
		logger.Info(ctx, "log level changed", slog.String("level", level.String()))
	}
}

func formatMs(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}
