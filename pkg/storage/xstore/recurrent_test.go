package xstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertRecurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ident := uuid.NewString()

	id1, err := s.UpsertRecurrent(ctx, RecurrentSpec{Identifier: ident, Interval: 5 * time.Second})
	require.NoError(t, err)
	id2, err := s.UpsertRecurrent(ctx, RecurrentSpec{Identifier: ident, Interval: 10 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	rows, err := s.ListRecurrent(ctx, true)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(10000), rows[0].IntervalMs)
	assert.True(t, rows[0].Enabled)
}

func TestDedupeAndDisableRecurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ident := uuid.NewString()

	// 模拟并发写入产生的重复行
	for range 3 {
		row := RecurrentTaskRow{Identifier: ident, IntervalMs: 1000, Enabled: true}
		require.NoError(t, s.DB().Create(&row).Error)
	}

	n, err := s.DedupeRecurrent(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	enabled, err := s.ListRecurrent(ctx, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)

	all, err := s.ListRecurrent(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, all[0].ID, enabled[0].ID, "the oldest definition survives")

	n, err = s.DisableRecurrent(ctx, ident)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	enabled, err = s.ListRecurrent(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, enabled)
}

func TestLatestForRecurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ident := uuid.NewString()
	rid, err := s.UpsertRecurrent(ctx, RecurrentSpec{Identifier: ident, CronSpec: "*/5 * * * *"})
	require.NoError(t, err)

	latest, err := s.LatestForRecurrent(ctx, rid)
	require.NoError(t, err)
	assert.Nil(t, latest)

	insertTask(t, s, ident, 0, &rid)
	second := insertTask(t, s, ident, 0, &rid)

	latest, err = s.LatestForRecurrent(ctx, rid)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second, latest.ID)
}
