package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/breathsync/breathsync/internal/clock"
	"github.com/breathsync/breathsync/internal/messaging"
	"github.com/breathsync/breathsync/internal/model"
)

// DefaultDaysInCache is the trailing window kept in memory.
const DefaultDaysInCache = 30

// TrackingSource reports the earliest recorded data.
type TrackingSource interface {
	EarliestInhaleEventTime(ctx context.Context) (*time.Time, error)
	EarliestPrescriptionDate(ctx context.Context) (*time.Time, error)
}

// HistoryCache keeps the last N days of collated history in memory.
//
// Rules:
// - Reads inside [today-N, today] are served from memory once the first refresh finished
// - Reads outside the window go straight to the collator and do not touch the cache
// - The cached slice is replaced wholesale, never mutated
// - At most one refresh runs; triggers during a refresh coalesce into one more
type HistoryCache struct {
	collator    HistoryProvider
	tracking    TrackingSource
	clock       clock.TimeService
	bus         *messaging.Bus
	logger      *zap.Logger
	daysInCache int

	mu             sync.RWMutex
	cached         []model.HistoryDay
	valid          bool
	refreshing     bool
	pending        bool
	pendingObjects []any
	listeners      []func(context.Context, []model.HistoryDay)

	sub    *messaging.Subscription
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHistoryCache creates a cache over collator. A non-positive daysInCache
// uses DefaultDaysInCache.
func NewHistoryCache(collator HistoryProvider, tracking TrackingSource, clk clock.TimeService, bus *messaging.Bus, daysInCache int, logger *zap.Logger) *HistoryCache {
	if daysInCache <= 0 {
		daysInCache = DefaultDaysInCache
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HistoryCache{
		collator:    collator,
		tracking:    tracking,
		clock:       clk,
		bus:         bus,
		logger:      logger,
		daysInCache: daysInCache,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start subscribes to analysis updates and triggers the first refresh.
func (h *HistoryCache) Start() {
	if h.bus != nil {
		h.sub = messaging.On(h.bus, func(m messaging.AnalysisDataUpdated) {
			h.Refresh(m.Objects)
		})
	}
	h.Refresh(nil)
}

// Stop unsubscribes and waits for a running refresh to finish.
func (h *HistoryCache) Stop() {
	h.sub.Unsubscribe()
	h.cancel()
	h.wg.Wait()
}

// Wait blocks until no refresh is running.
func (h *HistoryCache) Wait() {
	h.wg.Wait()
}

// OnRefresh registers f to receive every refreshed window.
func (h *HistoryCache) OnRefresh(f func(context.Context, []model.HistoryDay)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, f)
	h.mu.Unlock()
}

// IsValid reports whether a refresh has completed.
func (h *HistoryCache) IsValid() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.valid
}

// DaysInCache returns the window size.
func (h *HistoryCache) DaysInCache() int {
	return h.daysInCache
}

// Refresh recomputes the window in the background. objects are the changed
// entities that caused it and travel with the HistoryUpdated message.
func (h *HistoryCache) Refresh(objects []any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.refreshing {
		h.pending = true
		h.pendingObjects = append(h.pendingObjects, objects...)
		return
	}
	h.refreshing = true
	h.wg.Add(1)
	go h.run(objects)
}

func (h *HistoryCache) run(objects []any) {
	defer h.wg.Done()

	for {
		today := h.clock.Today()
		start := time.Now()
		days, err := h.collator.GetHistory(h.ctx, today.AddDays(-h.daysInCache), today)
		if err != nil {
			h.logger.Warn("history refresh failed", zap.Error(err))
			days = []model.HistoryDay{}
		}

		h.mu.Lock()
		h.cached = days
		h.valid = true
		listeners := append([]func(context.Context, []model.HistoryDay){}, h.listeners...)
		more := h.pending
		next := h.pendingObjects
		h.pending = false
		h.pendingObjects = nil
		if !more {
			h.refreshing = false
		}
		h.mu.Unlock()

		h.logger.Debug("history refreshed",
			zap.Int("days", len(days)),
			zap.Duration("took", time.Since(start)))

		if err == nil {
			for _, f := range listeners {
				f(h.ctx, days)
			}
			if h.bus != nil {
				h.bus.Publish(messaging.HistoryUpdated{Objects: objects})
			}
		}

		if !more {
			return
		}
		objects = next
	}
}

// GetHistory returns history for start..end inclusive. The end is clamped to
// today and reversed endpoints are swapped.
func (h *HistoryCache) GetHistory(ctx context.Context, start, end model.Date) ([]model.HistoryDay, error) {
	if start.After(end) {
		start, end = end, start
	}
	today := h.clock.Today()
	if end.After(today) {
		end = today
	}
	if start.After(end) {
		start = end
	}

	h.mu.RLock()
	valid, cached := h.valid, h.cached
	h.mu.RUnlock()

	if valid && !start.Before(today.AddDays(-h.daysInCache)) {
		out := make([]model.HistoryDay, 0, end.DaysSince(start)+1)
		for _, day := range cached {
			if !day.Day.Before(start) && !day.Day.After(end) {
				out = append(out, day)
			}
		}
		return out, nil
	}

	days, err := h.collator.GetHistory(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to collate history: %w", err)
	}
	return days, nil
}

// TrackingStartDate returns the date of the first inhale event, else of the
// first prescription, else nil.
func (h *HistoryCache) TrackingStartDate(ctx context.Context) (*model.Date, error) {
	loc := h.clock.Now().Location()

	first, err := h.tracking.EarliestInhaleEventTime(ctx)
	if err != nil {
		return nil, err
	}
	if first == nil {
		if first, err = h.tracking.EarliestPrescriptionDate(ctx); err != nil {
			return nil, err
		}
	}
	if first == nil {
		return nil, nil
	}
	d := model.DateOf(first.In(loc))
	return &d, nil
}
