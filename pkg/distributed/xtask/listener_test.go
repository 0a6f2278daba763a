package xtask

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	N    int    `json:"n"`
	Note string `json:"note"`
}

func TestListener_SingleTaskLifecycle(t *testing.T) {
	e := newEnv(t)
	m := e.manager(t, "node-a")
	ctx := context.Background()

	var calls atomic.Int64
	got := make(chan payload, 1)
	def, err := RegisterWithParams(m, Settings{Identifier: uuid.New(), Name: "lifecycle", AliveCycle: time.Second},
		func(ctx context.Context, rt *Runtime, p payload) error {
			calls.Add(1)
			rt.SendAliveSignal()
			got <- p
			return nil
		})
	require.NoError(t, err)
	res := collect(m)

	id, err := def.Enqueue(ctx, payload{N: 7, Note: "hi"}, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, e.status(t, id))

	require.NoError(t, m.StartListener(0))
	select {
	case p := <-got:
		assert.Equal(t, payload{N: 7, Note: "hi"}, p)
	case <-time.After(5 * time.Second):
		t.Fatal("task never ran")
	}

	r := res.wait(t, id, 5*time.Second)
	assert.Equal(t, StatusCompleted, r.Status)
	assert.True(t, r.TaskStarted)
	assert.False(t, r.CancellationRequested)
	assert.NoError(t, r.Err)
	assert.Equal(t, StatusCompleted, e.status(t, id))

	// 后续轮次不会再执行
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), calls.Load())

	row, err := m.GetSingleTask(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, row.LastRunAt)
	assert.Nil(t, row.LockedUntil)

	st := m.Stats()
	assert.Equal(t, "Running", st.State)
	assert.GreaterOrEqual(t, st.Executed, int64(1))
	assert.GreaterOrEqual(t, st.Completed, int64(1))
	assert.False(t, st.LastCycleAt.IsZero())
	assert.NoError(t, m.LatestListenerError())
}

func TestListener_MultiManagerExactlyOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	const (
		types   = 3
		perType = 4
	)
	var mu sync.Mutex
	runs := make(map[int64]int)
	body := func(_ context.Context, rt *Runtime) error {
		mu.Lock()
		runs[rt.TaskID()]++
		mu.Unlock()
		return nil
	}

	ids := make([]uuid.UUID, types)
	for i := range ids {
		ids[i] = uuid.New()
	}
	a := e.manager(t, "node-a")
	b := e.manager(t, "node-b")
	for _, m := range []*Manager{a, b} {
		for _, id := range ids {
			_, err := Register(m, Settings{Identifier: id, AliveCycle: time.Second}, body)
			require.NoError(t, err)
		}
	}

	var tasks []int64
	for i := range types * perType {
		m := a
		if i%2 == 1 {
			m = b
		}
		id, err := m.EnqueueSingleTask(ctx, ids[i%types], nil, 0)
		require.NoError(t, err)
		tasks = append(tasks, id)
	}

	require.NoError(t, a.StartListener(0))
	require.NoError(t, b.StartListener(0))

	require.Eventually(t, func() bool {
		for _, id := range tasks {
			if e.status(t, id) != StatusCompleted {
				return false
			}
		}
		return true
	}, 15*time.Second, 20*time.Millisecond)

	a.StopListener(true)
	b.StopListener(true)

	mu.Lock()
	defer mu.Unlock()
	for _, id := range tasks {
		assert.Equal(t, 1, runs[id], "task %d", id)
	}
	assert.Equal(t, int64(len(tasks)), a.Stats().Executed+b.Stats().Executed)
}

func TestListener_RecurrentFiresMoreThanOnce(t *testing.T) {
	e := newEnv(t)
	m := e.manager(t, "node-a")

	var calls atomic.Int64
	def, err := Register(m, Settings{Identifier: uuid.New(), AliveCycle: time.Second},
		func(context.Context, *Runtime) error {
			calls.Add(1)
			return nil
		})
	require.NoError(t, err)
	_, err = def.EnqueueRecurrent(context.Background(), time.Second)
	require.NoError(t, err)

	require.NoError(t, m.StartListener(0))
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 10*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, m.Stats().RecurrentFired, int64(2))
}

func TestListener_SilentTaskCancelledThenAborted(t *testing.T) {
	e := newEnv(t)
	m := e.manager(t, "node-a")

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	cause := make(chan error, 1)
	def, err := Register(m, Settings{Identifier: uuid.New(), AliveCycle: 200 * time.Millisecond},
		func(ctx context.Context, rt *Runtime) error {
			<-ctx.Done()
			cause <- context.Cause(ctx)
			// 收到取消后仍不退出，也不再发送存活信号
			<-release
			return nil
		})
	require.NoError(t, err)
	res := collect(m)

	id, err := def.Enqueue(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, m.StartListener(0))

	select {
	case err := <-cause:
		assert.ErrorIs(t, err, ErrCancellationRequested)
	case <-time.After(5 * time.Second):
		t.Fatal("task was never cancelled")
	}

	r := res.wait(t, id, 5*time.Second)
	assert.Equal(t, StatusCompletedAborted, r.Status)
	assert.True(t, r.TaskStarted)
	assert.True(t, r.CancellationRequested)
	assert.ErrorIs(t, r.Err, ErrForceAborted)
	assert.Equal(t, StatusCompletedAborted, e.status(t, id))
	assert.GreaterOrEqual(t, m.Stats().Aborted, int64(1))
}

func TestListener_AbandonedTaskSwept(t *testing.T) {
	e := newEnv(t)
	m := e.manager(t, "node-a")
	ctx := context.Background()

	def, err := Register(m, Settings{Identifier: uuid.New(), AliveCycle: time.Second}, noop)
	require.NoError(t, err)
	id, err := def.Enqueue(ctx, time.Hour)
	require.NoError(t, err)
	// 模拟领取后崩溃：Running 且没有有效租约
	_, err = e.store.ForceStatus(ctx, id, StatusRunning)
	require.NoError(t, err)

	require.NoError(t, m.StartListener(0))
	require.Eventually(t, func() bool {
		return e.status(t, id) == StatusCompletedAbandoned
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(1), m.Stats().AbandonedSwept)
}

func TestListener_AliveTaskCompletes(t *testing.T) {
	if testing.Short() {
		t.Skip("runs for 3s")
	}
	e := newEnv(t)
	m := e.manager(t, "node-a")

	def, err := Register(m, Settings{Identifier: uuid.New(), AliveCycle: time.Second},
		func(ctx context.Context, rt *Runtime) error {
			deadline := time.Now().Add(3 * time.Second)
			for time.Now().Before(deadline) {
				if rt.IsCancellationRequested() {
					return ctx.Err()
				}
				rt.SendAliveSignal()
				time.Sleep(100 * time.Millisecond)
			}
			return nil
		})
	require.NoError(t, err)
	res := collect(m)

	id, err := def.Enqueue(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, m.StartListener(0))

	r := res.wait(t, id, 10*time.Second)
	assert.True(t, r.TaskStarted)
	assert.False(t, r.CancellationRequested)
	assert.Equal(t, StatusCompleted, r.Status)
	assert.NoError(t, r.Err)
}

func TestListener_StopCancelsRunningTask(t *testing.T) {
	e := newEnv(t)
	m := e.manager(t, "node-a")

	started := make(chan struct{})
	def, err := Register(m, Settings{Identifier: uuid.New(), AliveCycle: 5 * time.Second},
		func(ctx context.Context, rt *Runtime) error {
			close(started)
			<-ctx.Done()
			return nil
		})
	require.NoError(t, err)
	id, err := def.Enqueue(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, m.StartListener(0))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}
	m.StopListener(true)
	assert.Equal(t, ListenerStopped, m.ListenerState())
	assert.Equal(t, StatusCompletedCancelled, e.status(t, id))
	assert.Equal(t, int64(1), m.Stats().Cancelled)
}

func TestListener_TaskErrorAndPanic(t *testing.T) {
	e := newEnv(t)
	m := e.manager(t, "node-a")
	ctx := context.Background()

	boom := errors.New("boom")
	failing, err := Register(m, Settings{Identifier: uuid.New(), AliveCycle: time.Second},
		func(context.Context, *Runtime) error { return boom })
	require.NoError(t, err)
	panicking, err := Register(m, Settings{Identifier: uuid.New(), AliveCycle: time.Second},
		func(context.Context, *Runtime) error { panic("kaboom") })
	require.NoError(t, err)
	res := collect(m)

	fid, err := failing.Enqueue(ctx, 0)
	require.NoError(t, err)
	pid, err := panicking.Enqueue(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, m.StartListener(0))

	r := res.wait(t, fid, 5*time.Second)
	assert.Equal(t, StatusCompleted, r.Status)
	assert.ErrorIs(t, r.Err, boom)

	r = res.wait(t, pid, 5*time.Second)
	assert.Equal(t, StatusCompleted, r.Status)
	assert.ErrorIs(t, r.Err, errTaskPanic)
	assert.Equal(t, StatusCompleted, e.status(t, pid))
}

func TestListener_StartStop(t *testing.T) {
	e := newEnv(t)
	m := e.manager(t, "node-a")

	require.NoError(t, m.StartListener(time.Hour))
	require.NoError(t, m.StartListener(0), "start is idempotent")
	assert.Equal(t, ListenerStarting, m.ListenerState())

	m.StopListener(true)
	assert.Equal(t, ListenerStopped, m.ListenerState())
	m.StopListener(true)
	require.NoError(t, m.WaitTillListenerStops(context.Background()))

	// 停止后可以再次启动
	require.NoError(t, m.StartListener(0))
	require.Eventually(t, func() bool { return m.ListenerState() == ListenerRunning },
		5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.WaitTillListenerStops(ctx), context.DeadlineExceeded)

	m.StopListener(false)
	require.NoError(t, m.WaitTillListenerStops(context.Background()))
	assert.Equal(t, ListenerStopped, m.ListenerState())
}

func TestSubscribeToListener(t *testing.T) {
	e := newEnv(t)
	m := e.manager(t, "node-a")

	var a, b atomic.Int64
	unsubA := m.SubscribeToListener(func(CycleEvent) { a.Add(1) })
	m.SubscribeToListener(func(CycleEvent) { panic("bad subscriber") })
	m.SubscribeToListener(func(CycleEvent) { b.Add(1) })
	assert.NotNil(t, m.SubscribeToListener(nil))

	require.NoError(t, m.StartListener(0))
	require.Eventually(t, func() bool { return a.Load() >= 2 && b.Load() >= 2 },
		5*time.Second, 10*time.Millisecond)

	unsubA()
	unsubA()
	seen := a.Load()
	before := b.Load()
	require.Eventually(t, func() bool { return b.Load() >= before+2 }, 5*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, a.Load(), seen+1, "at most one event already queued before unsubscribe")
}

func TestListener_StopFromSubscriber(t *testing.T) {
	e := newEnv(t)
	m := e.manager(t, "node-a")

	var first atomic.Bool
	stopped := make(chan ListenerState, 1)
	m.SubscribeToListener(func(CycleEvent) {
		if !first.CompareAndSwap(false, true) {
			return
		}
		m.StopListener(true)
		stopped <- m.ListenerState()
	})
	require.NoError(t, m.StartListener(0))

	select {
	case st := <-stopped:
		assert.Equal(t, ListenerStopped, st)
	case <-time.After(5 * time.Second):
		t.Fatal("StopListener(true) inside a subscriber never returned")
	}
	require.NoError(t, m.WaitTillListenerStops(context.Background()))

	// 监听器没有卡在 Stopping，可以再次启动
	require.NoError(t, m.StartListener(0))
	require.Eventually(t, func() bool { return m.ListenerState() == ListenerRunning },
		5*time.Second, 10*time.Millisecond)
}

func TestListener_LeaseLostAborts(t *testing.T) {
	e := newEnv(t)
	m := e.manager(t, "node-a")

	identifier := uuid.New()
	started := make(chan struct{})
	cause := make(chan error, 1)
	def, err := Register(m, Settings{Identifier: identifier, AliveCycle: 300 * time.Millisecond},
		func(ctx context.Context, rt *Runtime) error {
			close(started)
			// 一直发送存活信号，只有租约丢失才会触发中止
			for ctx.Err() == nil {
				rt.SendAliveSignal()
				time.Sleep(20 * time.Millisecond)
			}
			cause <- context.Cause(ctx)
			return nil
		})
	require.NoError(t, err)
	res := collect(m)

	id, err := def.Enqueue(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, m.StartListener(0))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}
	// 另一个进程接管了该类型的租约
	require.NoError(t, e.store.DB().Exec(
		"UPDATE distributed_locks SET lock_reference = lock_reference + 100 WHERE resource = ?",
		identifier.String()).Error)

	r := res.wait(t, id, 5*time.Second)
	assert.Equal(t, StatusCompletedAborted, r.Status)
	assert.True(t, r.TaskStarted)
	assert.ErrorIs(t, r.Err, ErrForceAborted)
	assert.Equal(t, StatusCompletedAborted, e.status(t, id))

	select {
	case err := <-cause:
		assert.ErrorIs(t, err, ErrForceAborted)
	case <-time.After(5 * time.Second):
		t.Fatal("task context was not cancelled after abort")
	}
}

func TestListener_RenewalExtendsTaskRow(t *testing.T) {
	e := newEnv(t)
	m := e.manager(t, "node-a")

	started := make(chan struct{})
	finish := make(chan struct{})
	def, err := Register(m, Settings{Identifier: uuid.New(), AliveCycle: 300 * time.Millisecond},
		func(ctx context.Context, rt *Runtime) error {
			close(started)
			for {
				select {
				case <-finish:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(20 * time.Millisecond):
					rt.SendAliveSignal()
				}
			}
		})
	require.NoError(t, err)
	res := collect(m)

	id, err := def.Enqueue(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, m.StartListener(0))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}
	lockedUntil := func() int64 {
		row, err := e.store.GetSingleTask(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, row.LockedUntil)
		return *row.LockedUntil
	}
	first := lockedUntil()
	require.Eventually(t, func() bool { return lockedUntil() > first },
		5*time.Second, 20*time.Millisecond, "locked_until was never extended")
	assert.Equal(t, StatusRunning, e.status(t, id))

	close(finish)
	r := res.wait(t, id, 5*time.Second)
	assert.Equal(t, StatusCompleted, r.Status)
	assert.False(t, r.CancellationRequested)
	assert.NoError(t, r.Err)
}
