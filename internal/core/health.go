package core

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/breathsync/breathsync/internal/clock"
	"github.com/breathsync/breathsync/internal/messaging"
)

// MaxDaysWithoutSync is how long sync may keep failing before the user is told.
const MaxDaysWithoutSync = 14

// NotificationNoCloudSync is raised when sync failed for MaxDaysWithoutSync days.
const NotificationNoCloudSync = "NO_CLOUD_SYNC_FOR_14_DAYS"

// SyncHealth tracks sync outcomes and raises the no-sync notification.
// NOTE: it only observes; it never triggers a sync.
type SyncHealth struct {
	accounts *AccountStore
	clock    clock.TimeService
	bus      *messaging.Bus
	logger   *zap.Logger
}

// NewSyncHealth creates a sync health monitor.
func NewSyncHealth(accounts *AccountStore, clk clock.TimeService, bus *messaging.Bus, logger *zap.Logger) *SyncHealth {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncHealth{accounts: accounts, clock: clk, bus: bus, logger: logger}
}

func wholeDays(from, to time.Time) int {
	return int(to.Sub(from) / (24 * time.Hour))
}

// RecordResult stores the outcome of a sync cycle. It reports whether the
// no-sync notification was raised by this call.
func (h *SyncHealth) RecordResult(ctx context.Context, success bool) (bool, error) {
	now := h.clock.Now()

	if success {
		return false, h.accounts.RecordSyncSuccess(ctx, now)
	}

	times, err := h.accounts.SyncTimes(ctx)
	if err != nil {
		return false, err
	}

	if times.LastSuccess == nil {
		// First sync attempt failed: start counting from now.
		if err := h.accounts.RecordSyncSuccess(ctx, now); err != nil {
			return false, err
		}
		return false, h.accounts.RecordSyncFailure(ctx, now)
	}

	if err := h.accounts.RecordSyncFailure(ctx, now); err != nil {
		return false, err
	}

	lastSuccess := *times.LastSuccess
	if prev := times.LastFailure; prev != nil && prev.After(lastSuccess) &&
		wholeDays(lastSuccess, *prev) >= MaxDaysWithoutSync {
		// Already raised for this failure streak.
		return false, nil
	}
	if !now.After(lastSuccess) || wholeDays(lastSuccess, now) < MaxDaysWithoutSync {
		return false, nil
	}

	h.logger.Warn("no successful sync", zap.Int("days", wholeDays(lastSuccess, now)))
	if err := h.accounts.SetNoSyncNotified(ctx, true); err != nil {
		return false, err
	}
	if h.bus != nil {
		h.bus.Publish(messaging.Notification{ID: NotificationNoCloudSync, Reason: "no successful sync for 14 days"})
	}
	return true, nil
}

// SyncHealthStatus is the observed sync state.
type SyncHealthStatus struct {
	LastSuccess        *time.Time
	LastFailure        *time.Time
	DaysSinceSuccess   int
	NotificationRaised bool
}

// Status returns the current sync health.
func (h *SyncHealth) Status(ctx context.Context) (*SyncHealthStatus, error) {
	times, err := h.accounts.SyncTimes(ctx)
	if err != nil {
		return nil, err
	}
	status := &SyncHealthStatus{
		LastSuccess:        times.LastSuccess,
		LastFailure:        times.LastFailure,
		NotificationRaised: times.NoSyncNotified,
	}
	if times.LastSuccess != nil {
		status.DaysSinceSuccess = wholeDays(*times.LastSuccess, h.clock.Now())
	}
	return status, nil
}
