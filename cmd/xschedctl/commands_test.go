package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/omeyang/xsched/pkg/config/xconf"
	"github.com/omeyang/xsched/pkg/observability/xlog"
	"github.com/omeyang/xsched/pkg/storage/xstore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

type fixture struct {
	config string
	store  *xstore.Store
}

// newFixture 写入指向临时 sqlite 文件的配置并完成建表
func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate",
		filepath.Join(dir, "ctl.db"))
	cfg := fmt.Sprintf("log:\n  level: error\nstore:\n  dialect: sqlite\n  dsn: %q\n", dsn)
	path := filepath.Join(dir, "xsched.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))

	out, code := runCLI(t, path, "migrate")
	require.Equal(t, 0, code, out)

	s, err := xstore.Open(context.Background(), xstore.Config{Dialect: xstore.DialectSQLite, DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return fixture{config: path, store: s}
}

func runCLI(t *testing.T, config string, args ...string) (string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	all := append([]string{"xschedctl", "--config", config}, args...)
	code := run(context.Background(), all, &stdout, &stderr)
	return stdout.String() + stderr.String(), code
}

func (f fixture) insert(t *testing.T, delay time.Duration) int64 {
	t.Helper()
	id, err := f.store.InsertSingleTask(context.Background(), xstore.NewSingleTask{
		Identifier: "8f14e45f-ceea-467f-a8f0-000000000001",
		Delay:      delay,
	})
	require.NoError(t, err)
	return id
}

func TestMigrate(t *testing.T) {
	f := newFixture(t)
	out, code := runCLI(t, f.config, "migrate")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, `"status": "migrated"`)
	assert.Contains(t, out, `"dialect": "sqlite"`)
}

func TestTasks(t *testing.T) {
	f := newFixture(t)
	first := f.insert(t, time.Hour)
	second := f.insert(t, time.Hour)
	_, err := f.store.ForceStatus(context.Background(), second, xstore.StatusCompleted)
	require.NoError(t, err)

	out, code := runCLI(t, f.config, "tasks", "--status", "scheduled")
	require.Equal(t, 0, code, out)
	var res struct {
		Total int64      `json:"total"`
		Tasks []taskView `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, int64(1), res.Total)
	require.Len(t, res.Tasks, 1)
	assert.Equal(t, first, res.Tasks[0].ID)
	assert.Equal(t, "Scheduled", res.Tasks[0].Status)

	out, code = runCLI(t, f.config, "tasks", "--limit", "1")
	require.Equal(t, 0, code, out)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, int64(2), res.Total)
	assert.Len(t, res.Tasks, 1)

	_, code = runCLI(t, f.config, "tasks", "--status", "bogus")
	assert.Equal(t, 2, code)
	_, code = runCLI(t, f.config, "tasks", "--limit", "0")
	assert.Equal(t, 2, code)
}

func TestRepairAndSweep(t *testing.T) {
	f := newFixture(t)
	id := f.insert(t, time.Hour)

	out, code := runCLI(t, f.config, "repair", strconv.FormatInt(id, 10), "Running")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, `"status": "Running"`)

	out, code = runCLI(t, f.config, "sweep")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, `"abandoned": 1`)

	row, err := f.store.GetSingleTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, xstore.StatusCompletedAbandoned, row.Status)

	_, code = runCLI(t, f.config, "repair", "999999", "Completed")
	assert.Equal(t, 1, code)
	_, code = runCLI(t, f.config, "repair", strconv.FormatInt(id, 10))
	assert.Equal(t, 2, code)
	_, code = runCLI(t, f.config, "repair", "abc", "Completed")
	assert.Equal(t, 2, code)
	_, code = runCLI(t, f.config, "repair", strconv.FormatInt(id, 10), "Finished")
	assert.Equal(t, 2, code)
	_, code = runCLI(t, f.config, "sweep", "--window", "0s")
	assert.Equal(t, 2, code)
}

func TestRecurrentAndLocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.UpsertRecurrent(ctx, xstore.RecurrentSpec{Identifier: "a", Interval: time.Minute})
	require.NoError(t, err)
	_, err = f.store.UpsertRecurrent(ctx, xstore.RecurrentSpec{Identifier: "b", CronSpec: "@hourly"})
	require.NoError(t, err)
	_, err = f.store.DisableRecurrent(ctx, "b")
	require.NoError(t, err)

	out, code := runCLI(t, f.config, "recurrent")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, `"interval": "1m0s"`)
	assert.NotContains(t, out, "@hourly")

	out, code = runCLI(t, f.config, "recurrent", "--all")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "@hourly")

	require.NoError(t, f.store.EnsureLockRow(ctx, "5d0b0b1e-8c2a-4f39-9a4e-0d6f2d1c7a01"))
	out, code = runCLI(t, f.config, "locks")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "5d0b0b1e-8c2a-4f39-9a4e-0d6f2d1c7a01")
}

func TestNow(t *testing.T) {
	f := newFixture(t)
	out, code := runCLI(t, f.config, "now")
	require.Equal(t, 0, code, out)
	var res map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	ts, err := time.Parse(time.RFC3339Nano, res["server_time"])
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, time.Minute)
	assert.NotEmpty(t, res["latency"])
}

func TestLoadConfig(t *testing.T) {
	cfg, l, err := loadConfig("")
	require.NoError(t, err)
	assert.Nil(t, l)
	assert.Equal(t, xstore.DialectSQLite, cfg.Store.Dialect)
	assert.Equal(t, 10*time.Second, cfg.Tasks.MainLoopWait)

	path := filepath.Join(t.TempDir(), "c.yaml")
	body := "tasks:\n  main_loop_wait: 2s\n  max_worker_threads: 3\nlease:\n  default_timeout: 30s\nbreaker:\n  enabled: true\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, l, err = loadConfig(path)
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, 2*time.Second, cfg.Tasks.MainLoopWait)
	assert.Equal(t, 3, cfg.Tasks.MaxWorkerThreads)
	assert.Equal(t, 30*time.Second, cfg.Lease.DefaultTimeout)
	assert.True(t, cfg.Breaker.Enabled)
	assert.Equal(t, uint32(5), cfg.Breaker.Failures, "unset keys keep defaults")

	_, _, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestReloadLogLevel(t *testing.T) {
	logger, closeLog, err := xlog.New().SetOutput(io.Discard).SetLevelString("info").Build()
	require.NoError(t, err)
	defer closeLog() //nolint:errcheck

	l, err := xconf.LoadBytes([]byte("log:\n  level: debug\n"), xconf.FormatYAML)
	require.NoError(t, err)
	reloadLogLevel(context.Background(), logger, l, nil)
	assert.Equal(t, xlog.LevelDebug, logger.GetLevel())

	l, err = xconf.LoadBytes([]byte("log:\n  level: loud\n"), xconf.FormatYAML)
	require.NoError(t, err)
	reloadLogLevel(context.Background(), logger, l, nil)
	assert.Equal(t, xlog.LevelDebug, logger.GetLevel(), "invalid level is ignored")

	reloadLogLevel(context.Background(), logger, l, assert.AnError)
	assert.Equal(t, xlog.LevelDebug, logger.GetLevel())
}
