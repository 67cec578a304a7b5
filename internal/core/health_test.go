package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breathsync/breathsync/internal/clock"
	"github.com/breathsync/breathsync/internal/messaging"
)

func newTestHealth(t *testing.T, start time.Time) (*SyncHealth, *clock.Fixed, *[]messaging.Notification) {
	t.Helper()
	clk := clock.NewFixed(start)
	bus := messaging.NewBus(nil)
	var raised []messaging.Notification
	messaging.On(bus, func(n messaging.Notification) { raised = append(raised, n) })
	return NewSyncHealth(newTestAccounts(t), clk, bus, nil), clk, &raised
}

func TestSyncHealth_FirstFailureStartsCounting(t *testing.T) {
	start := time.Date(2018, 1, 1, 9, 0, 0, 0, time.UTC)
	h, _, raised := newTestHealth(t, start)
	ctx := context.Background()

	ok, err := h.RecordResult(ctx, false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, *raised)

	status, err := h.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, status.LastSuccess)
	require.NotNil(t, status.LastFailure)
	assert.True(t, status.LastSuccess.Equal(start))
	assert.True(t, status.LastFailure.Equal(start))
}

func TestSyncHealth_RaisesOnceAfterFourteenDays(t *testing.T) {
	start := time.Date(2018, 1, 1, 9, 0, 0, 0, time.UTC)
	h, clk, raised := newTestHealth(t, start)
	ctx := context.Background()

	_, err := h.RecordResult(ctx, true)
	require.NoError(t, err)

	clk.Advance(13*24*time.Hour + 23*time.Hour)
	ok, err := h.RecordResult(ctx, false)
	require.NoError(t, err)
	assert.False(t, ok, "13 whole days is not enough")

	clk.Advance(time.Hour)
	ok, err = h.RecordResult(ctx, false)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, *raised, 1)
	assert.Equal(t, NotificationNoCloudSync, (*raised)[0].ID)

	clk.Advance(24 * time.Hour)
	ok, err = h.RecordResult(ctx, false)
	require.NoError(t, err)
	assert.False(t, ok, "already raised for this streak")
	assert.Len(t, *raised, 1)

	status, err := h.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.NotificationRaised)
	assert.Equal(t, 15, status.DaysSinceSuccess)
}

func TestSyncHealth_SuccessResetsStreak(t *testing.T) {
	start := time.Date(2018, 1, 1, 9, 0, 0, 0, time.UTC)
	h, clk, raised := newTestHealth(t, start)
	ctx := context.Background()

	_, err := h.RecordResult(ctx, true)
	require.NoError(t, err)
	clk.Advance(14 * 24 * time.Hour)
	ok, err := h.RecordResult(ctx, false)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.RecordResult(ctx, true)
	require.NoError(t, err)
	status, err := h.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.NotificationRaised)
	assert.Equal(t, 0, status.DaysSinceSuccess)

	clk.Advance(14 * 24 * time.Hour)
	ok, err = h.RecordResult(ctx, false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, *raised, 2)
}
