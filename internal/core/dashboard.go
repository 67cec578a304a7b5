package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/breathsync/breathsync/internal/clock"
	"github.com/breathsync/breathsync/internal/messaging"
	"github.com/breathsync/breathsync/internal/model"
)

// Summary message ids, highest priority first.
const (
	SummaryOveruse            = "OVERUSE"
	SummaryNoInhalers         = "NO_INHALERS"
	SummaryEmptyInhaler       = "EMPTY_INHALER"
	SummaryEnvironmentMessage = "ENVIRONMENT_MESSAGE"
	SummaryNeutralMessage     = "NEUTRAL_MESSAGE"
)

var summaryOrder = map[string]int{
	SummaryOveruse:            0,
	SummaryNoInhalers:         1,
	SummaryEmptyInhaler:       2,
	SummaryEnvironmentMessage: 3,
	SummaryNeutralMessage:     4,
}

// SummaryInfo is one dashboard summary message.
type SummaryInfo struct {
	ID   string            `json:"id"`
	Data map[string]string `json:"data,omitempty"`
}

// SummaryQueue is the ordered set of dashboard summary messages. Each id
// appears at most once.
type SummaryQueue struct {
	mu       sync.Mutex
	messages []SummaryInfo
	bus      *messaging.Bus
}

// NewSummaryQueue creates an empty queue publishing changes on bus.
func NewSummaryQueue(bus *messaging.Bus) *SummaryQueue {
	return &SummaryQueue{bus: bus}
}

// Add inserts msg unless a message with the same id is queued.
func (q *SummaryQueue) Add(msg SummaryInfo) {
	q.mu.Lock()
	for _, m := range q.messages {
		if m.ID == msg.ID {
			q.mu.Unlock()
			return
		}
	}
	q.messages = append(q.messages, msg)
	sort.SliceStable(q.messages, func(i, j int) bool {
		return summaryRank(q.messages[i].ID) < summaryRank(q.messages[j].ID)
	})
	ids := q.idsLocked()
	q.mu.Unlock()

	q.publish(ids)
}

// Remove drops the message with id, if queued.
func (q *SummaryQueue) Remove(id string) {
	q.mu.Lock()
	idx := -1
	for i, m := range q.messages {
		if m.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return
	}
	q.messages = append(q.messages[:idx], q.messages[idx+1:]...)
	ids := q.idsLocked()
	q.mu.Unlock()

	q.publish(ids)
}

// Top returns the highest priority message, or nil.
func (q *SummaryQueue) Top() *SummaryInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return nil
	}
	top := q.messages[0]
	return &top
}

// Messages returns a copy of the queue.
func (q *SummaryQueue) Messages() []SummaryInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]SummaryInfo(nil), q.messages...)
}

func (q *SummaryQueue) idsLocked() []string {
	ids := make([]string, len(q.messages))
	for i, m := range q.messages {
		ids[i] = m.ID
	}
	return ids
}

func (q *SummaryQueue) publish(ids []string) {
	if q.bus != nil {
		q.bus.Publish(messaging.SummaryUpdated{IDs: ids})
	}
}

func summaryRank(id string) int {
	if r, ok := summaryOrder[id]; ok {
		return r
	}
	return len(summaryOrder)
}

// DeviceSource lists the paired devices and resolves their medication.
type DeviceSource interface {
	Devices(ctx context.Context) ([]model.Device, error)
	MedicationByDrugUID(drugUID string) *model.Medication
}

// Dashboard keeps the summary queue in line with today's history and the
// paired devices.
type Dashboard struct {
	history HistoryProvider
	devices DeviceSource
	clock   clock.TimeService
	queue   *SummaryQueue
	bus     *messaging.Bus
	logger  *zap.Logger
	sub     *messaging.Subscription
}

// NewDashboard creates a dashboard.
func NewDashboard(history HistoryProvider, devices DeviceSource, clk clock.TimeService, queue *SummaryQueue, bus *messaging.Bus, logger *zap.Logger) *Dashboard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dashboard{
		history: history,
		devices: devices,
		clock:   clk,
		queue:   queue,
		bus:     bus,
		logger:  logger,
	}
}

// Start recomputes the summary on every history update.
func (d *Dashboard) Start() {
	if d.bus == nil {
		return
	}
	d.sub = messaging.On(d.bus, func(messaging.HistoryUpdated) {
		if err := d.Recompute(context.Background()); err != nil {
			d.logger.Warn("dashboard recompute failed", zap.Error(err))
		}
	})
}

// Stop ends the subscription.
func (d *Dashboard) Stop() {
	d.sub.Unsubscribe()
}

// Queue returns the summary queue.
func (d *Dashboard) Queue() *SummaryQueue {
	return d.queue
}

// Recompute updates OVERUSE, NO_INHALERS and EMPTY_INHALER.
func (d *Dashboard) Recompute(ctx context.Context) error {
	today := d.clock.Today()
	days, err := d.history.GetHistory(ctx, today, today)
	if err != nil {
		return fmt.Errorf("failed to load today's history: %w", err)
	}
	if len(days) > 0 && days[0].RelieverUsage() == model.RelieverUsageHigh {
		d.queue.Add(SummaryInfo{ID: SummaryOveruse})
	} else {
		d.queue.Remove(SummaryOveruse)
	}

	active, err := d.activeDevices(ctx)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		d.queue.Add(SummaryInfo{ID: SummaryNoInhalers})
		return nil
	}

	d.queue.Remove(SummaryNoInhalers)
	d.queue.Remove(SummaryEmptyInhaler)
	for i := range active {
		if active[i].IsNearEmpty() {
			d.queue.Add(SummaryInfo{
				ID:   SummaryEmptyInhaler,
				Data: map[string]string{"Name": active[i].Nickname},
			})
			break
		}
	}
	return nil
}

func (d *Dashboard) activeDevices(ctx context.Context) ([]model.Device, error) {
	devices, err := d.devices.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load devices: %w", err)
	}
	active := make([]model.Device, 0, len(devices))
	for _, dev := range devices {
		if !dev.IsActive {
			continue
		}
		if dev.Medication == nil {
			dev.Medication = d.devices.MedicationByDrugUID(dev.DrugUID)
		}
		active = append(active, dev)
	}
	return active, nil
}

// Overview is a read-only summary of today.
type Overview struct {
	GeneratedAt     time.Time
	Today           model.Date
	RelieverUsage   model.RelieverUsage
	RelieverDoses   int
	TooSoonDoses    int
	InvalidDoses    int
	Overdose        bool
	PIF             *int
	ActiveDevices   int
	NearEmpty       []string
	SummaryMessages []SummaryInfo
}

// GetOverview returns today's figures and the queued summary messages.
func (d *Dashboard) GetOverview(ctx context.Context) (*Overview, error) {
	today := d.clock.Today()
	o := &Overview{GeneratedAt: d.clock.Now(), Today: today, RelieverUsage: model.RelieverUsageNone}

	days, err := d.history.GetHistory(ctx, today, today)
	if err != nil {
		return nil, fmt.Errorf("failed to load today's history: %w", err)
	}
	if len(days) > 0 {
		day := days[0]
		o.RelieverUsage = day.RelieverUsage()
		o.RelieverDoses = len(day.RelieverDoses)
		o.TooSoonDoses = day.TooSoonCount()
		o.InvalidDoses = len(day.InvalidDoses)
		o.Overdose = day.IsOverdose()
		o.PIF = day.PIF
	}

	active, err := d.activeDevices(ctx)
	if err != nil {
		return nil, err
	}
	o.ActiveDevices = len(active)
	for i := range active {
		if active[i].IsNearEmpty() {
			o.NearEmpty = append(o.NearEmpty, active[i].Nickname)
		}
	}
	o.SummaryMessages = d.queue.Messages()
	return o, nil
}
