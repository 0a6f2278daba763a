package xclock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	localEpoch  = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	serverEpoch = time.Date(2030, 1, 1, 0, 0, 5, 0, time.UTC)
)

// roundTrip 返回一个模拟耗时 lat 的 ServerTime 实现
func roundTrip(clk *testclock.Clock, st time.Time, lat time.Duration) func(context.Context) (time.Time, error) {
	return func(context.Context) (time.Time, error) {
		clk.Advance(lat)
		return st, nil
	}
}

func TestNew_NilSource(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrNilTimeSource)
}

func TestUtcNow_NotInitialized(t *testing.T) {
	ctrl := gomock.NewController(t)
	p, err := New(NewMockTimeSource(ctrl))
	require.NoError(t, err)

	_, err = p.UtcNow()
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, ok := p.LastSample()
	assert.False(t, ok)
}

func TestStart_KeepsMinimumLatencySample(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := NewMockTimeSource(ctrl)
	clk := testclock.NewClock(localEpoch)

	gomock.InOrder(
		src.EXPECT().ServerTime(gomock.Any()).DoAndReturn(roundTrip(clk, serverEpoch, 200*time.Millisecond)),
		src.EXPECT().ServerTime(gomock.Any()).DoAndReturn(roundTrip(clk, serverEpoch.Add(time.Second), 20*time.Millisecond)),
		src.EXPECT().ServerTime(gomock.Any()).DoAndReturn(roundTrip(clk, serverEpoch.Add(2*time.Second), 100*time.Millisecond)),
	)

	p, err := New(src, WithClock(clk))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Close()

	s, ok := p.LastSample()
	require.True(t, ok)
	assert.Equal(t, 20*time.Millisecond, s.Latency)
	assert.Equal(t, serverEpoch.Add(time.Second), s.ServerTime)

	// 锚点：第二次采样在本地 +200ms 发起，服务器时间减去半个往返
	// 当前本地时间 +320ms，已经过去 120ms
	now, err := p.UtcNow()
	require.NoError(t, err)
	assert.Equal(t, serverEpoch.Add(time.Second-10*time.Millisecond+120*time.Millisecond), now)

	clk.Advance(time.Second)
	later, err := p.UtcNow()
	require.NoError(t, err)
	assert.Equal(t, time.Second, later.Sub(now))
}

func TestStart_AllSamplesFail(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := NewMockTimeSource(ctrl)
	boom := errors.New("db down")
	src.EXPECT().ServerTime(gomock.Any()).Return(time.Time{}, boom).Times(DefaultSamples)

	p, err := New(src, WithClock(testclock.NewClock(localEpoch)))
	require.NoError(t, err)

	err = p.Start(context.Background())
	assert.ErrorIs(t, err, ErrSampleFailed)
	assert.ErrorIs(t, err, boom)
	_, err = p.UtcNow()
	assert.ErrorIs(t, err, ErrNotInitialized)
	require.NoError(t, p.Close())
}

func TestRefresh_PartialFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := NewMockTimeSource(ctrl)
	gomock.InOrder(
		src.EXPECT().ServerTime(gomock.Any()).Return(time.Time{}, errors.New("timeout")),
		src.EXPECT().ServerTime(gomock.Any()).Return(serverEpoch, nil),
	)

	p, err := New(src, WithClock(testclock.NewClock(localEpoch)), WithSamples(2))
	require.NoError(t, err)
	require.NoError(t, p.Refresh(context.Background()))

	now, err := p.UtcNow()
	require.NoError(t, err)
	assert.Equal(t, serverEpoch, now)
}

func TestRefresh_FailureKeepsPreviousSnapshot(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := NewMockTimeSource(ctrl)
	clk := testclock.NewClock(localEpoch)
	gomock.InOrder(
		src.EXPECT().ServerTime(gomock.Any()).Return(serverEpoch, nil),
		src.EXPECT().ServerTime(gomock.Any()).Return(time.Time{}, errors.New("db down")),
	)

	p, err := New(src, WithClock(clk), WithSamples(1))
	require.NoError(t, err)
	require.NoError(t, p.Refresh(context.Background()))

	clk.Advance(3 * time.Second)
	assert.ErrorIs(t, p.Refresh(context.Background()), ErrSampleFailed)

	now, err := p.UtcNow()
	require.NoError(t, err)
	assert.Equal(t, serverEpoch.Add(3*time.Second), now)
}

func TestStart_BackgroundRefresh(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := NewMockTimeSource(ctrl)
	clk := testclock.NewClock(localEpoch)
	// 服务器时钟比第一次采样快了 2s
	gomock.InOrder(
		src.EXPECT().ServerTime(gomock.Any()).Return(serverEpoch, nil),
		src.EXPECT().ServerTime(gomock.Any()).Return(serverEpoch.Add(62*time.Second), nil),
	)

	p, err := New(src, WithClock(clk), WithSamples(1), WithRefreshInterval(time.Minute))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Close()

	require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 1))
	require.Eventually(t, func() bool {
		s, _ := p.LastSample()
		return s.ServerTime.Equal(serverEpoch.Add(62 * time.Second))
	}, time.Second, 5*time.Millisecond)

	now, err := p.UtcNow()
	require.NoError(t, err)
	assert.Equal(t, serverEpoch.Add(62*time.Second), now)
}

func TestStart_Idempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := NewMockTimeSource(ctrl)
	src.EXPECT().ServerTime(gomock.Any()).Return(serverEpoch, nil).Times(1)

	p, err := New(src, WithClock(testclock.NewClock(localEpoch)), WithSamples(1))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Start(context.Background()), ErrClosed)
}

func TestStart_RefreshOutlivesStartContext(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := NewMockTimeSource(ctrl)
	clk := testclock.NewClock(localEpoch)
	gomock.InOrder(
		src.EXPECT().ServerTime(gomock.Any()).Return(serverEpoch, nil),
		src.EXPECT().ServerTime(gomock.Any()).Return(serverEpoch.Add(62*time.Second), nil),
	)

	ctx, cancel := context.WithCancel(context.Background())
	p, err := New(src, WithClock(clk), WithSamples(1), WithRefreshInterval(time.Minute))
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx))
	defer p.Close()

	// 请求级 ctx 结束后后台刷新仍在进行
	cancel()
	require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 1))
	require.Eventually(t, func() bool {
		s, _ := p.LastSample()
		return s.ServerTime.Equal(serverEpoch.Add(62 * time.Second))
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Close())
	_, err = p.UtcNow()
	assert.NoError(t, err)
}
