package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/breathsync/breathsync/internal/clock"
	"github.com/breathsync/breathsync/internal/dhp"
	"github.com/breathsync/breathsync/internal/messaging"
	"github.com/breathsync/breathsync/internal/model"
	"github.com/breathsync/breathsync/internal/session"
)

// State is the sync manager state.
type State int

const (
	StateIdle State = iota
	StateSyncing
	StateUploading
	StateDownloading
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateUploading:
		return "uploading"
	case StateDownloading:
		return "downloading"
	}
	return "unknown"
}

// Monitoring events posted as messaging.SystemMonitor.
const (
	MonitorCloudSync          = "CloudSync"
	MonitorMoreThan100Inhales = "MoreThan100InhalesSynced"
)

const (
	monitoredInhaleEventCount  = 100
	acceptableServerTimeSkew   = 5 * time.Second
	goodInhalationNotification = "InhalationsFeedbackTurnOffGoodInhalationNotification"
)

// LocalStore is the part of the local store the manager reads changes from
// and merges downloads into. core.Store implements it.
type LocalStore interface {
	ChangedObjects(ctx context.Context, notAfter time.Time) (*model.CloudObjectContainer, error)
	Settings(ctx context.Context) ([]model.ReminderSetting, error)
	SetChanged(ctx context.Context, c *model.CloudObjectContainer, changed bool) error
	Merge(ctx context.Context, c *model.CloudObjectContainer) error
}

// HealthRecorder records the outcome of a sync cycle. core.SyncHealth implements it.
type HealthRecorder interface {
	RecordResult(ctx context.Context, success bool) (bool, error)
}

// Manager runs one sync cycle at a time:
// IDLE -> (UPLOADING | DOWNLOADING)* -> IDLE.
type Manager struct {
	service *CloudService
	store   LocalStore
	session *session.Session
	clock   clock.TimeService
	bus     *messaging.Bus
	health  HealthRecorder
	logger  *zap.Logger

	mu                     sync.Mutex
	state                  State
	syncStart              *time.Time
	uploadData             *model.CloudObjectContainer
	hasDownloaded          bool
	hasDownloadedRxAndDevs bool
	done                   chan struct{}
	lastResult             bool
}

// NewManager creates a sync manager. health may be nil.
func NewManager(service *CloudService, store LocalStore, sess *session.Session, clk clock.TimeService, bus *messaging.Bus, health HealthRecorder, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		service:    service,
		store:      store,
		session:    sess,
		clock:      clk,
		bus:        bus,
		health:     health,
		logger:     logger,
		uploadData: &model.CloudObjectContainer{},
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// HasSynced reports whether a first sync completed.
func (m *Manager) HasSynced() bool {
	return !m.service.IsFirstSync()
}

// Sync starts a sync cycle. It returns false when one is already running.
// The cycle fetches the server time, then uploads and downloads until
// nothing is left.
func (m *Manager) Sync(ctx context.Context) bool {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return false
	}
	now := m.clock.Now()
	m.syncStart = &now
	m.state = StateSyncing
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info("sync started")
	m.publish(messaging.SyncStarted{})

	m.service.GetServerTimeAsync(func(serverTime *time.Time) {
		if serverTime == nil {
			m.fail(ctx, "failed to get server time")
			return
		}
		m.session.SetServerTime(*serverTime, m.clock.Now())
		m.continueSync(ctx)
	})
	return true
}

// Wait blocks until the running cycle went idle and returns its result.
func (m *Manager) Wait(ctx context.Context) (bool, error) {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastResult, nil
}

// Run starts a cycle and waits for it.
func (m *Manager) Run(ctx context.Context) (bool, error) {
	if !m.Sync(ctx) {
		return false, fmt.Errorf("sync already running")
	}
	return m.Wait(ctx)
}

func (m *Manager) continueSync(ctx context.Context) {
	if err := m.gatherUploadData(ctx); err != nil {
		m.logger.Error("failed to gather changed objects", zap.Error(err))
	}

	m.mu.Lock()
	switch {
	case m.uploadData.HasData():
		m.state = StateUploading
		data := m.uploadData
		m.mu.Unlock()
		m.logger.Info("uploading", zap.String("objects", data.ObjectCountString()))
		m.service.UploadAsync(data, func(success bool) { m.uploadCompleted(ctx, success) })

	case m.service.IsFirstSync() && !m.hasDownloadedRxAndDevs:
		m.state = StateDownloading
		m.mu.Unlock()
		m.logger.Info("downloading prescriptions and devices")
		m.service.DownloadPrescriptionsAndDevicesAsync(func(success bool, data *model.CloudObjectContainer, more bool, commit func() error) {
			m.downloadCompleted(ctx, success, data, more, commit)
		})

	case !m.hasDownloaded:
		m.state = StateDownloading
		m.mu.Unlock()
		m.logger.Info("downloading")
		m.service.DownloadAsync(ctx, func(success bool, data *model.CloudObjectContainer, more bool, commit func() error) {
			m.downloadCompleted(ctx, success, data, more, commit)
		})

	default:
		m.mu.Unlock()
		m.publish(messaging.SyncComplete{})
		m.idle(ctx, true)
	}
}

// estimatedServerTime is the server time at sync start plus the time
// elapsed since, plus a small allowance. Without a server time the local
// clock is used.
func (m *Manager) estimatedServerTime() time.Time {
	now := m.clock.Now()
	st := m.session.ServerTime()

	m.mu.Lock()
	start := m.syncStart
	m.mu.Unlock()

	if st == nil || start == nil {
		return now
	}
	return st.Add(now.Add(acceptableServerTimeSkew).Sub(*start))
}

func fillOffset(t *model.Tracked, offset int) {
	if t.ServerTimeOffset == nil {
		o := offset
		t.ServerTimeOffset = &o
	}
}

// gatherUploadData collects the changed objects not newer than the
// estimated server time, stamps missing server time offsets and clears
// their changed flag. Reminder settings are skipped on the first sync and
// otherwise uploaded all together when any changed.
func (m *Manager) gatherUploadData(ctx context.Context) error {
	m.mu.Lock()
	m.uploadData = &model.CloudObjectContainer{}
	m.mu.Unlock()

	offset := dhp.UnknownServerTimeOffset
	if o := m.session.ServerTimeOffset(); o != nil {
		offset = *o
	}
	serverTime := m.estimatedServerTime()

	data, err := m.store.ChangedObjects(ctx, serverTime)
	if err != nil {
		return fmt.Errorf("failed to load changed objects: %w", err)
	}
	data.Settings = nil

	for i := range data.Prescriptions {
		fillOffset(&data.Prescriptions[i].Tracked, offset)
	}
	for i := range data.Devices {
		fillOffset(&data.Devices[i].Tracked, offset)
	}
	for i := range data.InhaleEvents {
		fillOffset(&data.InhaleEvents[i].Tracked, offset)
	}
	for i := range data.DSAs {
		fillOffset(&data.DSAs[i].Tracked, offset)
	}
	for i := range data.Profiles {
		fillOffset(&data.Profiles[i].Tracked, offset)
	}

	if !m.service.IsFirstSync() {
		settings, err := m.changedSettings(ctx, serverTime, offset)
		if err != nil {
			return err
		}
		data.Settings = settings
	}

	if !data.HasData() {
		return nil
	}
	if err := m.store.SetChanged(ctx, data, false); err != nil {
		return fmt.Errorf("failed to clear changed flags: %w", err)
	}

	m.mu.Lock()
	m.uploadData = data
	m.mu.Unlock()
	return nil
}

func (m *Manager) changedSettings(ctx context.Context, serverTime time.Time, offset int) ([]model.ReminderSetting, error) {
	all, err := m.store.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	settings := make([]model.ReminderSetting, 0, len(all))
	anyChanged := false
	for _, s := range all {
		if s.Name == goodInhalationNotification {
			continue
		}
		if s.ChangeTime.After(serverTime) {
			return nil, nil
		}
		anyChanged = anyChanged || s.HasChanged
		fillOffset(&s.Tracked, offset)
		settings = append(settings, s)
	}
	if !anyChanged {
		return nil, nil
	}
	return settings, nil
}

func (m *Manager) uploadCompleted(ctx context.Context, success bool) {
	m.mu.Lock()
	data := m.uploadData
	m.mu.Unlock()

	if !success {
		m.resetUploadedChangedFlags(ctx, data)
		m.fail(ctx, "upload failed")
		return
	}
	if len(data.InhaleEvents) > monitoredInhaleEventCount {
		m.publish(messaging.SystemMonitor{Event: MonitorMoreThan100Inhales, Detail: fmt.Sprintf("%d uploaded", len(data.InhaleEvents))})
	}
	m.continueSync(ctx)
}

// resetUploadedChangedFlags marks the objects of a failed upload as
// changed again so the next cycle retries them.
func (m *Manager) resetUploadedChangedFlags(ctx context.Context, data *model.CloudObjectContainer) {
	if err := m.store.SetChanged(ctx, data, true); err != nil {
		m.logger.Error("failed to reset changed flags", zap.Error(err))
	}
}

func (m *Manager) downloadCompleted(ctx context.Context, success bool, data *model.CloudObjectContainer, moreDataExists bool, commit func() error) {
	m.mu.Lock()
	m.hasDownloaded = true
	m.mu.Unlock()

	if !success {
		m.fail(ctx, "download failed")
		return
	}

	if err := m.merge(ctx, data); err != nil {
		m.logger.Error("failed to merge downloaded data", zap.Error(err))
		m.fail(ctx, "merge failed")
		return
	}
	if commit != nil {
		if err := commit(); err != nil {
			m.logger.Error("failed to commit watermarks", zap.Error(err))
			m.fail(ctx, "commit failed")
			return
		}
	}

	m.mu.Lock()
	switch {
	case moreDataExists:
		m.hasDownloadedRxAndDevs = true
		m.hasDownloaded = false
	case m.service.IsFirstSync():
		// The first sync downloads twice.
		m.hasDownloaded = false
		m.service.SetFirstSync(false)
	}
	m.mu.Unlock()

	if len(data.InhaleEvents) > monitoredInhaleEventCount {
		m.publish(messaging.SystemMonitor{Event: MonitorMoreThan100Inhales, Detail: fmt.Sprintf("%d downloaded", len(data.InhaleEvents))})
	}
	m.continueSync(ctx)
}

// merge writes the batch to the local store and tells history consumers.
func (m *Manager) merge(ctx context.Context, data *model.CloudObjectContainer) error {
	if !data.HasData() {
		return nil
	}
	m.logger.Info("merging", zap.String("objects", data.ObjectCountString()))
	if err := m.store.Merge(ctx, data); err != nil {
		return err
	}

	m.publish(messaging.ModelUpdated{Container: data, Summary: data.ObjectCountString()})

	var changed []any
	for i := range data.InhaleEvents {
		changed = append(changed, data.InhaleEvents[i])
	}
	for i := range data.Devices {
		changed = append(changed, data.Devices[i])
	}
	for i := range data.DSAs {
		changed = append(changed, data.DSAs[i])
	}
	if len(changed) > 0 || len(data.Prescriptions) > 0 {
		m.publish(messaging.AnalysisDataUpdated{Objects: changed})
	}
	return nil
}

func (m *Manager) fail(ctx context.Context, reason string) {
	m.logger.Warn("sync failed", zap.String("reason", reason))
	m.publish(messaging.SyncFailed{Reason: reason})
	m.idle(ctx, false)
}

// idle ends the cycle: posts the timing, updates sync health and wakes Wait.
func (m *Manager) idle(ctx context.Context, succeeded bool) {
	m.mu.Lock()
	var elapsed time.Duration
	if m.syncStart != nil {
		elapsed = m.clock.Now().Sub(*m.syncStart)
		m.syncStart = nil
	}
	m.hasDownloaded = false
	m.mu.Unlock()

	m.publish(messaging.SystemMonitor{
		Event:  MonitorCloudSync,
		Detail: fmt.Sprintf("succeeded=%t elapsed=%s", succeeded, elapsed),
	})
	m.logger.Info("sync idle", zap.Bool("succeeded", succeeded), zap.Duration("elapsed", elapsed))

	if m.health != nil {
		if _, err := m.health.RecordResult(ctx, succeeded); err != nil {
			m.logger.Error("failed to record sync result", zap.Error(err))
		}
	}

	m.mu.Lock()
	m.state = StateIdle
	m.lastResult = succeeded
	done := m.done
	m.done = nil
	m.mu.Unlock()
	if done != nil {
		close(done)
	}
}

func (m *Manager) publish(msg messaging.Message) {
	if m.bus != nil {
		m.bus.Publish(msg)
	}
}
