package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/breathsync/breathsync/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "breathsync-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	db, err := OpenEncryptedDB(filepath.Join(tmpDir, "store.db"), "test-passphrase")
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := NewStore(db.DB())
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("failed to initialize: %v", err)
	}
	return store
}

var est = time.FixedZone("EST", -5*3600)

func testEvent(uid int, at time.Time, peak int) model.InhaleEvent {
	_, offset := at.Zone()
	return model.InhaleEvent{
		EventUID:              uid,
		DeviceSerialNumber:    "SN-1",
		DrugUID:               "AAA030",
		EventTime:             at,
		TimezoneOffsetMinutes: offset / 60,
		InhalePeak:            peak,
		IsValidInhale:         true,
		Tracked:               model.Tracked{ChangeTime: at, HasChanged: true},
	}
}

func TestStore_InhaleEventsRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2018, 1, 10, 8, 0, 0, 0, est)
	for i := 0; i < 5; i++ {
		e := testEvent(i+1, base.Add(time.Duration(i)*24*time.Hour), 1000+i)
		if err := store.SaveInhaleEvent(ctx, &e); err != nil {
			t.Fatalf("failed to save event: %v", err)
		}
	}

	events, err := store.InhaleEvents(ctx, base.Add(24*time.Hour), base.Add(3*24*time.Hour))
	if err != nil {
		t.Fatalf("failed to query events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventUID != 2 || events[1].EventUID != 3 {
		t.Errorf("unexpected order: %d, %d", events[0].EventUID, events[1].EventUID)
	}
	if !events[0].EventTime.Equal(base.Add(24 * time.Hour)) {
		t.Errorf("event time not preserved: %v", events[0].EventTime)
	}

	earliest, err := store.EarliestInhaleEventTime(ctx)
	if err != nil {
		t.Fatalf("failed to get earliest: %v", err)
	}
	if earliest == nil || !earliest.Equal(base) {
		t.Errorf("expected earliest %v, got %v", base, earliest)
	}
}

func TestStore_EarliestOnEmptyStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	earliest, err := store.EarliestPrescriptionDate(ctx)
	if err != nil {
		t.Fatalf("failed to get earliest: %v", err)
	}
	if earliest != nil {
		t.Errorf("expected nil, got %v", earliest)
	}

	if _, err := store.Consent(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Device(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_MedicationLookup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	med := &model.Medication{DrugUID: "AAA030", BrandName: "ProAir", TherapyType: model.TherapyReliever, MinimumDoseInterval: 240}
	if err := store.SaveMedication(ctx, med); err != nil {
		t.Fatalf("failed to save medication: %v", err)
	}

	got := store.MedicationByDrugUID("AAA030")
	if got == nil || got.BrandName != "ProAir" || !got.IsReliever() {
		t.Errorf("unexpected medication: %+v", got)
	}
	if store.MedicationByDrugUID("nope") != nil {
		t.Error("unknown drug should resolve to nil")
	}
}

func TestStore_FeelingsAndConnections(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	day := model.NewDate(2018, 1, 15)
	f := &model.DailyUserFeeling{Date: day, Time: day.In(est).Add(9 * time.Hour), UserFeeling: model.UserFeelingOK}
	if err := store.SaveFeeling(ctx, f); err != nil {
		t.Fatalf("failed to save feeling: %v", err)
	}
	f.UserFeeling = model.UserFeelingPoor
	if err := store.SaveFeeling(ctx, f); err != nil {
		t.Fatalf("failed to replace feeling: %v", err)
	}

	feelings, err := store.Feelings(ctx, day.AddDays(-1), day)
	if err != nil {
		t.Fatalf("failed to get feelings: %v", err)
	}
	if len(feelings) != 1 || feelings[day].UserFeeling != model.UserFeelingPoor {
		t.Errorf("unexpected feelings: %+v", feelings)
	}

	for _, sn := range []string{"SN-1", "SN-2", "SN-1"} {
		if err := store.RecordConnection(ctx, sn, day); err != nil {
			t.Fatalf("failed to record connection: %v", err)
		}
	}
	counts, err := store.ConnectedInhalerCounts(ctx, day, day)
	if err != nil {
		t.Fatalf("failed to count connections: %v", err)
	}
	if counts[day] != 2 {
		t.Errorf("expected 2 connected inhalers, got %d", counts[day])
	}
}

func TestStore_ChangedObjects(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2018, 1, 16, 8, 0, 0, 0, est)
	old := testEvent(1, now.Add(-time.Hour), 900)
	future := testEvent(2, now.Add(time.Hour), 900)
	synced := testEvent(3, now.Add(-2*time.Hour), 900)
	synced.HasChanged = false
	for _, e := range []*model.InhaleEvent{&old, &future, &synced} {
		if err := store.SaveInhaleEvent(ctx, e); err != nil {
			t.Fatalf("failed to save event: %v", err)
		}
	}
	setting := &model.ReminderSetting{Name: "daily", IsEnabled: true, Tracked: model.Tracked{ChangeTime: now.Add(-time.Minute), HasChanged: true}}
	if err := store.SaveSetting(ctx, setting); err != nil {
		t.Fatalf("failed to save setting: %v", err)
	}

	changed, err := store.ChangedObjects(ctx, now)
	if err != nil {
		t.Fatalf("failed to get changed objects: %v", err)
	}
	if len(changed.InhaleEvents) != 1 || changed.InhaleEvents[0].EventUID != 1 {
		t.Fatalf("expected only event 1, got %+v", changed.InhaleEvents)
	}
	if len(changed.Settings) != 1 {
		t.Fatalf("expected 1 setting, got %d", len(changed.Settings))
	}

	if err := store.SetChanged(ctx, changed, false); err != nil {
		t.Fatalf("failed to clear changed flags: %v", err)
	}
	again, err := store.ChangedObjects(ctx, now)
	if err != nil {
		t.Fatalf("failed to get changed objects: %v", err)
	}
	if again.HasData() {
		t.Errorf("expected nothing changed, got %s", again.ObjectCountString())
	}
}

func TestStore_MergeKeepsLocalChanges(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2018, 1, 16, 8, 0, 0, 0, est)
	local := &model.Device{SerialNumber: "SN-1", DrugUID: "AAA030", Nickname: "Kitchen", IsActive: true,
		Tracked: model.Tracked{ChangeTime: now, HasChanged: true}}
	if err := store.SaveDevice(ctx, local); err != nil {
		t.Fatalf("failed to save device: %v", err)
	}

	downloaded := &model.CloudObjectContainer{
		Devices:      []model.Device{{SerialNumber: "SN-1", DrugUID: "AAA030", Nickname: "Car", IsActive: true}},
		InhaleEvents: []model.InhaleEvent{testEvent(7, now.Add(-time.Hour), 1200)},
		Profiles:     []model.UserProfile{{ProfileID: "p-1", FirstName: "Jane", IsAccountOwner: true}},
	}
	if err := store.Merge(ctx, downloaded); err != nil {
		t.Fatalf("failed to merge: %v", err)
	}

	device, err := store.Device(ctx, "SN-1")
	if err != nil {
		t.Fatalf("failed to get device: %v", err)
	}
	if device.Nickname != "Kitchen" {
		t.Errorf("local change should win, got nickname %q", device.Nickname)
	}

	events, err := store.InhaleEvents(ctx, now.Add(-24*time.Hour), now)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) != 1 || events[0].HasChanged {
		t.Fatalf("merged event should be stored unchanged: %+v", events)
	}

	profiles, err := store.Profiles(ctx)
	if err != nil {
		t.Fatalf("failed to get profiles: %v", err)
	}
	if len(profiles) != 1 || profiles[0].FirstName != "Jane" {
		t.Errorf("unexpected profiles: %+v", profiles)
	}

	pending, err := store.Journal().GetPendingOperations(ctx)
	if err != nil {
		t.Fatalf("failed to get pending operations: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("merge should leave no pending journal entries, got %d", len(pending))
	}
}

func TestStore_MergeOnlyNewerCloudCopies(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2018, 1, 16, 8, 0, 0, 0, est)
	local := &model.Device{SerialNumber: "SN-1", DrugUID: "AAA030", Nickname: "Newer", IsActive: true,
		Tracked: model.Tracked{ChangeTime: now}}
	if err := store.SaveDevice(ctx, local); err != nil {
		t.Fatalf("failed to save device: %v", err)
	}
	event := testEvent(7, now, 1200)
	event.HasChanged = false
	if err := store.SaveInhaleEvent(ctx, &event); err != nil {
		t.Fatalf("failed to save event: %v", err)
	}

	merge := func(nickname string, changeTime time.Time, eventTime time.Time, peak int) {
		t.Helper()
		e := testEvent(7, eventTime, peak)
		c := &model.CloudObjectContainer{
			Devices: []model.Device{{SerialNumber: "SN-1", DrugUID: "AAA030", Nickname: nickname, IsActive: true,
				Tracked: model.Tracked{ChangeTime: changeTime}}},
			InhaleEvents: []model.InhaleEvent{e},
		}
		if err := store.Merge(ctx, c); err != nil {
			t.Fatalf("failed to merge: %v", err)
		}
	}
	check := func(wantNickname string, wantPeak int) {
		t.Helper()
		device, err := store.Device(ctx, "SN-1")
		if err != nil {
			t.Fatalf("failed to get device: %v", err)
		}
		if device.Nickname != wantNickname {
			t.Errorf("nickname = %q, want %q", device.Nickname, wantNickname)
		}
		events, err := store.InhaleEvents(ctx, now.Add(-24*time.Hour), now.Add(24*time.Hour))
		if err != nil {
			t.Fatalf("failed to get events: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("expected one event, got %d", len(events))
		}
		if events[0].InhalePeak != wantPeak {
			t.Errorf("peak = %d, want %d", events[0].InhalePeak, wantPeak)
		}
	}

	// Older cloud copies are ignored.
	merge("Older", now.Add(-48*time.Hour), now.Add(-time.Minute), 900)
	check("Newer", 1200)

	// Same version is not newer either.
	merge("Same", now, now, 950)
	check("Newer", 1200)

	merge("Newest", now.Add(time.Hour), now.Add(time.Minute), 1500)
	check("Newest", 1500)
}

func TestJournalManager_Operations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	jm := store.Journal()

	opID, err := jm.BeginOperation(ctx, "merge_download", "3 device(s); ")
	if err != nil {
		t.Fatalf("failed to begin operation: %v", err)
	}

	pending, err := jm.GetPendingOperations(ctx)
	if err != nil {
		t.Fatalf("failed to get pending operations: %v", err)
	}
	if len(pending) != 1 || pending[0].State != "pending" || pending[0].OperationType != "merge_download" {
		t.Fatalf("unexpected pending operations: %+v", pending)
	}

	if err := jm.CommitOperation(ctx, opID); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
	pending, _ = jm.GetPendingOperations(ctx)
	if len(pending) != 1 || pending[0].State != "committed" {
		t.Fatalf("expected committed operation, got %+v", pending)
	}

	if err := jm.SyncOperation(ctx, opID); err != nil {
		t.Fatalf("failed to sync: %v", err)
	}
	pending, _ = jm.GetPendingOperations(ctx)
	if len(pending) != 0 {
		t.Errorf("expected no pending operations, got %d", len(pending))
	}
}

func TestJournalManager_Rollback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	jm := store.Journal()

	opID, _ := jm.BeginOperation(ctx, "set_changed", "")
	if err := jm.RollbackOperation(ctx, opID, "simulated failure"); err != nil {
		t.Fatalf("failed to rollback: %v", err)
	}

	pending, _ := jm.GetPendingOperations(ctx)
	if len(pending) != 0 {
		t.Errorf("rolled back operation should not be pending")
	}

	var state, errMsg string
	store.DB().QueryRowContext(ctx, `SELECT state, error FROM journal WHERE operation_id = ?`, opID).Scan(&state, &errMsg)
	if state != "rolled_back" || errMsg != "simulated failure" {
		t.Errorf("unexpected journal row: %s / %s", state, errMsg)
	}
}
