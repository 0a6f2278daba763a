package xtask

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omeyang/xsched/pkg/distributed/xclock"
	"github.com/omeyang/xsched/pkg/distributed/xlease"
	"github.com/omeyang/xsched/pkg/storage/xstore"
)

// fastLeaseConfig 租期下限 50ms，允许毫秒级的 AliveCycle
func fastLeaseConfig() xlease.Config {
	return xlease.Config{
		MinTimeout:     50 * time.Millisecond,
		MaxTimeout:     time.Minute,
		DefaultTimeout: 5 * time.Second,
		MaxWaitTime:    10 * time.Second,
		RetryInterval:  20 * time.Millisecond,
	}
}

func fastOptions() Options {
	return Options{
		MainLoopWait:     20 * time.Millisecond,
		MaxWorkerThreads: DefaultMaxWorkerThreads,
	}
}

type env struct {
	store *xstore.Store
	clock *xclock.Provider
}

func newEnv(t *testing.T) env {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate",
		filepath.Join(t.TempDir(), "tasks.db"))
	s, err := xstore.Open(context.Background(), xstore.Config{
		Dialect:     xstore.DialectSQLite,
		DSN:         dsn,
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	p, err := xclock.New(s)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Close() })
	return env{store: s, clock: p}
}

func (e env) locks(t *testing.T, machine string) *xlease.Manager {
	t.Helper()
	l, err := xlease.New(e.store, e.clock,
		xlease.WithConfig(fastLeaseConfig()), xlease.WithOwner(machine, 1))
	require.NoError(t, err)
	return l
}

// manager 创建 Manager，测试结束时停止监听器
func (e env) manager(t *testing.T, machine string, opts ...Option) *Manager {
	t.Helper()
	all := append([]Option{WithOptions(fastOptions())}, opts...)
	m, err := New(e.store, e.locks(t, machine), all...)
	require.NoError(t, err)
	t.Cleanup(func() { m.StopListener(true) })
	return m
}

func (e env) status(t *testing.T, id int64) Status {
	t.Helper()
	row, err := e.store.GetSingleTask(context.Background(), id)
	require.NoError(t, err)
	return row.Status
}

// results 收集订阅事件中的执行结果
type results struct {
	mu   sync.Mutex
	byID map[int64]ExecutionResult
}

func collect(m *Manager) *results {
	r := &results{byID: make(map[int64]ExecutionResult)}
	m.SubscribeToListener(func(ev CycleEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, res := range ev.Results {
			if res.TaskStarted {
				r.byID[res.TaskID] = res
			}
		}
	})
	return r
}

func (r *results) get(id int64) (ExecutionResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.byID[id]
	return res, ok
}

func (r *results) wait(t *testing.T, id int64, timeout time.Duration) ExecutionResult {
	t.Helper()
	var res ExecutionResult
	require.Eventually(t, func() bool {
		var ok bool
		res, ok = r.get(id)
		return ok
	}, timeout, 10*time.Millisecond, "no result for task %d", id)
	return res
}
