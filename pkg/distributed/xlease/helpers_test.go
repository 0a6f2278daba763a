package xlease

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omeyang/xsched/pkg/distributed/xclock"
	"github.com/omeyang/xsched/pkg/observability/xmetrics"
	"github.com/omeyang/xsched/pkg/storage/xstore"
)

// fastConfig 租期下限放宽到 50ms，让过期类用例在毫秒级完成
func fastConfig() Config {
	return Config{
		MinTimeout:     50 * time.Millisecond,
		MaxTimeout:     time.Minute,
		DefaultTimeout: 5 * time.Second,
		MaxWaitTime:    10 * time.Second,
		RetryInterval:  20 * time.Millisecond,
	}
}

func newTestStore(t *testing.T) *xstore.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate",
		filepath.Join(t.TempDir(), "lease.db"))
	s, err := xstore.Open(context.Background(), xstore.Config{
		Dialect:     xstore.DialectSQLite,
		DSN:         dsn,
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestClock(t *testing.T, src xclock.TimeSource) *xclock.Provider {
	t.Helper()
	p, err := xclock.New(src)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Close() })
	return p
}

type env struct {
	store *xstore.Store
	clock *xclock.Provider
}

func newEnv(t *testing.T) env {
	t.Helper()
	s := newTestStore(t)
	return env{store: s, clock: newTestClock(t, s)}
}

func (e env) manager(t *testing.T, machine string, opts ...Option) *Manager {
	t.Helper()
	all := append([]Option{WithConfig(fastConfig()), WithOwner(machine, 1)}, opts...)
	m, err := New(e.store, e.clock, all...)
	require.NoError(t, err)
	return m
}

type fixedClock struct {
	now time.Time
	err error
}

func (c fixedClock) UtcNow() (time.Time, error) { return c.now, c.err }

// failingStore 所有语句都返回 err
type failingStore struct {
	calls atomic.Int64
	err   error
}

func (s *failingStore) ReadLock(context.Context, string) (xstore.LockSnapshot, error) {
	s.calls.Add(1)
	return xstore.LockSnapshot{}, s.err
}

func (s *failingStore) EnsureLockRow(context.Context, string) error {
	s.calls.Add(1)
	return s.err
}

func (s *failingStore) AcquireLock(context.Context, xstore.LockClaim) (time.Time, bool, error) {
	s.calls.Add(1)
	return time.Time{}, false, s.err
}

func (s *failingStore) RenewLock(context.Context, xstore.LockClaim) (time.Time, bool, error) {
	s.calls.Add(1)
	return time.Time{}, false, s.err
}

func (s *failingStore) ReleaseLock(context.Context, xstore.LockClaim) (bool, error) {
	s.calls.Add(1)
	return false, s.err
}

// recordingObserver 记录 "operation:status"
type recordingObserver struct {
	mu      sync.Mutex
	results []string
}

func (r *recordingObserver) Start(ctx context.Context, opts xmetrics.SpanOptions) (context.Context, xmetrics.Span) {
	return ctx, &recordingSpan{r: r, op: opts.Operation}
}

func (r *recordingObserver) Results() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.results...)
}

type recordingSpan struct {
	r  *recordingObserver
	op string
}

func (s *recordingSpan) End(res xmetrics.Result) {
	status := res.Status
	if status == "" {
		status = xmetrics.StatusOK
		if res.Err != nil {
			status = xmetrics.StatusError
		}
	}
	s.r.mu.Lock()
	s.r.results = append(s.r.results, s.op+":"+string(status))
	s.r.mu.Unlock()
}
