package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breathsync/breathsync/internal/clock"
	"github.com/breathsync/breathsync/internal/core"
	"github.com/breathsync/breathsync/internal/dhp"
	"github.com/breathsync/breathsync/internal/model"
	"github.com/breathsync/breathsync/internal/provider"
	"github.com/breathsync/breathsync/internal/session"
)

// scriptedTransport answers requests with handle and records them.
type scriptedTransport struct {
	mu       sync.Mutex
	requests []*dhp.Request
	handle   func(n int, req *dhp.Request) (*dhp.Result, error)
}

func (s *scriptedTransport) ID() string   { return "scripted" }
func (s *scriptedTransport) Type() string { return "scripted" }

func (s *scriptedTransport) CheckHealth(ctx context.Context) provider.HealthState {
	return provider.HealthStateHealthy
}

func (s *scriptedTransport) Execute(ctx context.Context, req *dhp.Request) (*dhp.Result, error) {
	s.mu.Lock()
	n := len(s.requests)
	s.requests = append(s.requests, req)
	handle := s.handle
	s.mu.Unlock()
	return handle(n, req)
}

func (s *scriptedTransport) messageIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.requests))
	for i, r := range s.requests {
		ids[i] = r.API.MessageID()
	}
	return ids
}

func (s *scriptedTransport) requestsFor(api dhp.API) []*dhp.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*dhp.Request
	for _, r := range s.requests {
		if r.API.ID == api.ID {
			out = append(out, r)
		}
	}
	return out
}

func respond(t *testing.T, body map[string]any) *dhp.Result {
	t.Helper()
	if _, ok := body["responseCode"]; !ok {
		body["responseCode"] = dhp.ResponseCodeSuccess
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return &dhp.Result{StatusCode: http.StatusOK, Body: raw}
}

func serverError() *dhp.Result {
	return &dhp.Result{StatusCode: http.StatusInternalServerError}
}

func retrieval(t *testing.T, inhaler, nonInhaler string, more bool, objs ...dhp.Object) *dhp.Result {
	t.Helper()
	additional := "FALSE"
	if more {
		additional = dhp.AdditionalDataTrue
	}
	if objs == nil {
		objs = []dhp.Object{}
	}
	return respond(t, map[string]any{
		"inhalerSynchTime_GMT":     inhaler,
		"nonInhalerSynchTime_GMT":  nonInhaler,
		"additionalDocumentsExist": additional,
		"returnObjects":            objs,
	})
}

var proAir = model.Medication{
	DrugUID:                 dhp.DrugUIDProAir,
	BrandName:               "ProAir",
	TherapyType:             model.TherapyReliever,
	MinimumDoseInterval:     240,
	OverdoseInhalationCount: 12,
	NearEmptyDoseCount:      20,
}

var syncNow = time.Date(2018, 1, 16, 13, 30, 0, 0, time.UTC)

type harness struct {
	clock     *clock.Fixed
	session   *session.Session
	store     *core.Store
	accounts  *core.AccountStore
	transport *scriptedTransport
	queue     *core.RequestQueue
	conv      *dhp.Converter
	service   *CloudService
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "breathsync-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	db, err := core.OpenEncryptedDB(filepath.Join(tmpDir, "store.db"), "test-passphrase")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	store := core.NewStore(db.DB())
	require.NoError(t, store.Initialize(ctx))
	accounts := core.NewAccountStore(db.DB())
	require.NoError(t, accounts.EnsureSchema(ctx))
	require.NoError(t, store.SaveMedication(ctx, &proAir))

	transport := &scriptedTransport{}
	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(transport))
	require.NoError(t, registry.SetPrimary(transport.ID()))
	queue := core.NewRequestQueue(registry, nil, nil)

	clk := clock.NewFixed(syncNow)
	sess := session.New(session.Options{
		AppName:          "BreathSync",
		AppVersion:       "1.0.0",
		InstallationUUID: "install-1",
	})
	sess.SetAccount("fed-1", "jane", "jane@example.com")
	sess.SetActiveProfile("profile-1")

	conv := dhp.NewConverter(sess, clk, store)
	return &harness{
		clock:     clk,
		session:   sess,
		store:     store,
		accounts:  accounts,
		transport: transport,
		queue:     queue,
		conv:      conv,
		service:   NewCloudService(queue, conv, sess, accounts, opts, nil),
	}
}

func inhaleEvent(uid int, at time.Time) model.InhaleEvent {
	return model.InhaleEvent{
		EventUID:           uid,
		DeviceSerialNumber: "SN-1",
		DrugUID:            dhp.DrugUIDProAir,
		EventTime:          at,
		InhalePeak:         900,
		IsValidInhale:      true,
		Tracked:            model.Tracked{ChangeTime: at, HasChanged: true},
	}
}

func eventsContainer(n int) *model.CloudObjectContainer {
	c := &model.CloudObjectContainer{}
	for i := 0; i < n; i++ {
		c.InhaleEvents = append(c.InhaleEvents, inhaleEvent(i+1, syncNow.Add(-time.Duration(n-i)*time.Hour)))
	}
	return c
}

func uploadedEventIDs(t *testing.T, reqs []*dhp.Request) [][]string {
	t.Helper()
	var batches [][]string
	for _, r := range reqs {
		payload, ok := r.Payload.(dhp.UploadPayload)
		require.True(t, ok)
		var ids []string
		for _, obj := range payload.Objects {
			ma, ok := obj.(*dhp.MedicationAdministration)
			require.True(t, ok)
			ids = append(ids, ma.EventID)
		}
		batches = append(batches, ids)
	}
	return batches
}

func TestUpload_Batching(t *testing.T) {
	tests := []struct {
		objects, max, batches int
	}{
		{7, 3, 3},
		{6, 3, 2},
		{1, 100, 1},
		{5, 1, 5},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_by_%d", tt.objects, tt.max), func(t *testing.T) {
			h := newHarness(t, Options{MaxUploadObjects: tt.max})
			h.transport.handle = func(int, *dhp.Request) (*dhp.Result, error) {
				return respond(t, map[string]any{}), nil
			}

			data := eventsContainer(tt.objects)
			var results []bool
			h.service.UploadAsync(data, func(ok bool) { results = append(results, ok) })
			h.queue.Wait()

			assert.Equal(t, []bool{true}, results)
			batches := uploadedEventIDs(t, h.transport.requestsFor(dhp.APIDataSynchronization))
			require.Len(t, batches, tt.batches)

			var all []string
			for _, b := range batches {
				assert.LessOrEqual(t, len(b), tt.max)
				all = append(all, b...)
			}
			var want []string
			for i := range data.InhaleEvents {
				want = append(want, data.InhaleEvents[i].UniqueID())
			}
			assert.Equal(t, want, all)
		})
	}
}

func TestUpload_Empty(t *testing.T) {
	h := newHarness(t, Options{})
	called := false
	h.service.UploadAsync(&model.CloudObjectContainer{}, func(ok bool) { called = ok })
	assert.True(t, called)
	assert.Empty(t, h.transport.messageIDs())
}

func TestUpload_FailureStopsBatches(t *testing.T) {
	h := newHarness(t, Options{MaxUploadObjects: 2})
	h.transport.handle = func(n int, _ *dhp.Request) (*dhp.Result, error) {
		if n == 1 {
			return nil, errors.New("connection reset")
		}
		return respond(t, map[string]any{}), nil
	}

	var results []bool
	h.service.UploadAsync(eventsContainer(6), func(ok bool) { results = append(results, ok) })
	h.queue.Wait()

	assert.Equal(t, []bool{false}, results)
	assert.Len(t, h.transport.requestsFor(dhp.APIDataSynchronization), 2)
}

func TestUpload_PayloadAndSourceTime(t *testing.T) {
	for _, suppress := range []bool{false, true} {
		t.Run(fmt.Sprintf("suppress=%t", suppress), func(t *testing.T) {
			h := newHarness(t, Options{SuppressSourceTime: suppress})
			h.transport.handle = func(int, *dhp.Request) (*dhp.Result, error) {
				return respond(t, map[string]any{}), nil
			}
			h.session.SetRole(dhp.RoleGuardian)

			data := eventsContainer(1)
			data.Settings = []model.ReminderSetting{
				{Name: "morning", IsEnabled: true, RepeatType: model.RepeatDaily, TimeOfDay: 8 * 3600, Tracked: model.Tracked{ChangeTime: syncNow.Add(-time.Hour)}},
			}
			h.service.UploadAsync(data, func(bool) {})
			h.queue.Wait()

			reqs := h.transport.requestsFor(dhp.APIDataSynchronization)
			require.Len(t, reqs, 1)
			assert.Equal(t, dhp.ObjectDataSynch, reqs[0].ObjectName)
			payload := reqs[0].Payload.(dhp.UploadPayload)
			assert.Equal(t, "fed-1", payload.InvokingExternalEntityID)
			assert.Equal(t, dhp.RoleGuardian, payload.InvokingRole)
			assert.Equal(t, "profile-1", payload.PatientExternalEntityID)
			assert.Equal(t, dhp.ExecutionAsynchronous, payload.APIExecutionMode)
			require.Len(t, payload.Objects, 2)

			_, isBundle := payload.Objects[1].(*dhp.UserPreferenceSettings)
			assert.True(t, isBundle, "settings travel as one bundle at the end")

			env := dhp.Envelope(payload.Objects[0])
			assert.Equal(t, dhp.APIDataSynchronization.MessageID(), env.MessageID)
			assert.Equal(t, "install-1", env.UUID)
			assert.Equal(t, "BreathSync", env.AppName)
			if suppress {
				assert.Equal(t, dhp.FormatGMT(data.InhaleEvents[0].EventTime, false), env.SourceTimeGMT)
			} else {
				assert.Equal(t, dhp.FormatGMT(syncNow, false), env.SourceTimeGMT)
			}
		})
	}
}

func TestDownload_Pagination(t *testing.T) {
	h := newHarness(t, Options{DownloadObjectThreshold: 5})
	marks := []string{
		"2018-01-11T10:00:00.000",
		"2018-01-12T10:00:00.000",
		"2018-01-13T10:00:00.000",
		"2018-01-14T10:00:00.000",
	}
	h.transport.handle = func(n int, _ *dhp.Request) (*dhp.Result, error) {
		e1 := inhaleEvent(2*n+1, syncNow.Add(-time.Duration(n+1)*time.Hour))
		e2 := inhaleEvent(2*n+2, syncNow.Add(-time.Duration(n+1)*time.Hour+time.Minute))
		return retrieval(t, marks[n], marks[n], true, h.conv.InhaleEventToWire(&e1), h.conv.InhaleEventToWire(&e2)), nil
	}

	var (
		calls   int
		success bool
		data    *model.CloudObjectContainer
		more    bool
		commit  func() error
	)
	h.service.DownloadAsync(context.Background(), func(ok bool, c *model.CloudObjectContainer, m bool, cm func() error) {
		calls++
		success, data, more, commit = ok, c, m, cm
	})
	h.queue.Wait()

	require.Equal(t, 1, calls)
	assert.True(t, success)
	assert.Equal(t, 6, data.ObjectCount(), "stops once the threshold is crossed")
	assert.True(t, more, "server still holds data")
	require.NotNil(t, commit)

	reqs := h.transport.requestsFor(dhp.APIRetrieval)
	require.Len(t, reqs, 3)
	first := reqs[0].Payload.(dhp.RetrievalPayload)
	assert.Equal(t, "1970-01-01T00:00:00.000", first.InhalerSynchTimeGMT)
	assert.Equal(t, dhp.RetrievalTypeSync, first.RetrievalType)
	assert.Equal(t, "jane", first.Username)
	second := reqs[1].Payload.(dhp.RetrievalPayload)
	assert.Equal(t, marks[0], second.InhalerSynchTimeGMT, "next page continues from the candidate watermark")

	ctx := context.Background()
	w, err := h.accounts.Watermarks(ctx)
	require.NoError(t, err)
	assert.Nil(t, w.LastInhalerSyncTime, "nothing persisted before commit")

	require.NoError(t, commit())
	w, err = h.accounts.Watermarks(ctx)
	require.NoError(t, err)
	require.NotNil(t, w.LastInhalerSyncTime)
	require.NotNil(t, w.LastNonInhalerSyncTime)
	assert.Equal(t, marks[2], dhp.FormatGMT(*w.LastInhalerSyncTime, true))
	assert.Equal(t, marks[2], dhp.FormatGMT(*w.LastNonInhalerSyncTime, true))
}

func TestDownload_ExhaustsServer(t *testing.T) {
	h := newHarness(t, Options{DownloadObjectThreshold: 100})
	h.transport.handle = func(n int, _ *dhp.Request) (*dhp.Result, error) {
		e := inhaleEvent(n+1, syncNow.Add(-time.Hour))
		return retrieval(t, "2018-01-15T10:00:00.000", "2018-01-15T11:00:00.000", n < 1, h.conv.InhaleEventToWire(&e)), nil
	}

	var more bool
	var data *model.CloudObjectContainer
	h.service.DownloadAsync(context.Background(), func(ok bool, c *model.CloudObjectContainer, m bool, _ func() error) {
		data, more = c, m
	})
	h.queue.Wait()

	assert.Len(t, h.transport.requestsFor(dhp.APIRetrieval), 2)
	assert.Len(t, data.InhaleEvents, 2)
	assert.False(t, more)
}

func TestDownload_FailureKeepsWatermarks(t *testing.T) {
	h := newHarness(t, Options{DownloadObjectThreshold: 100})
	h.transport.handle = func(n int, _ *dhp.Request) (*dhp.Result, error) {
		if n == 1 {
			return serverError(), nil
		}
		e := inhaleEvent(1, syncNow.Add(-time.Hour))
		return retrieval(t, "2018-01-15T10:00:00.000", "2018-01-15T11:00:00.000", true, h.conv.InhaleEventToWire(&e)), nil
	}

	var (
		success = true
		more    bool
		data    *model.CloudObjectContainer
		commit  func() error
	)
	h.service.DownloadAsync(context.Background(), func(ok bool, c *model.CloudObjectContainer, m bool, cm func() error) {
		success, data, more, commit = ok, c, m, cm
	})
	h.queue.Wait()

	assert.False(t, success)
	assert.Len(t, data.InhaleEvents, 1, "partial data is handed back")
	assert.True(t, more)
	assert.Nil(t, commit)

	w, err := h.accounts.Watermarks(context.Background())
	require.NoError(t, err)
	assert.Nil(t, w.LastInhalerSyncTime)

	// The next download starts from the persisted watermarks again.
	h.transport.handle = func(int, *dhp.Request) (*dhp.Result, error) {
		return retrieval(t, "2018-01-15T10:00:00.000", "2018-01-15T11:00:00.000", false), nil
	}
	h.service.DownloadAsync(context.Background(), func(bool, *model.CloudObjectContainer, bool, func() error) {})
	h.queue.Wait()
	reqs := h.transport.requestsFor(dhp.APIRetrieval)
	last := reqs[len(reqs)-1].Payload.(dhp.RetrievalPayload)
	assert.Equal(t, "1970-01-01T00:00:00.000", last.InhalerSynchTimeGMT)
}

func TestDownload_FirstSettingsBundleOnly(t *testing.T) {
	h := newHarness(t, Options{})
	first := h.conv.SettingsToWire([]model.ReminderSetting{{Name: "a", IsEnabled: true}, {Name: "b"}})
	second := h.conv.SettingsToWire([]model.ReminderSetting{{Name: "c"}})
	h.transport.handle = func(int, *dhp.Request) (*dhp.Result, error) {
		return retrieval(t, "2018-01-15T10:00:00.000", "2018-01-15T11:00:00.000", false, first, second), nil
	}

	var data *model.CloudObjectContainer
	h.service.DownloadAsync(context.Background(), func(_ bool, c *model.CloudObjectContainer, _ bool, _ func() error) { data = c })
	h.queue.Wait()

	require.Len(t, data.Settings, 2)
	assert.Equal(t, "a", data.Settings[0].Name)
	assert.Equal(t, "b", data.Settings[1].Name)
}

func TestDownloadPrescriptionsAndDevices(t *testing.T) {
	h := newHarness(t, Options{})
	rx := model.Prescription{DrugUID: dhp.DrugUIDProAir, DosesPerDay: 2, InhalesPerDose: 1, PrescriptionDate: syncNow.AddDate(0, 0, -5)}
	dev := model.Device{SerialNumber: "SN-1", DrugUID: dhp.DrugUIDProAir, IsActive: true, RemainingDoseCount: 150}
	h.transport.handle = func(_ int, req *dhp.Request) (*dhp.Result, error) {
		switch req.API.ID {
		case dhp.APIPrescriptionList.ID:
			return respond(t, map[string]any{"returnObjects": []dhp.Object{h.conv.PrescriptionToWire(&rx)}}), nil
		case dhp.APIDeviceList.ID:
			return respond(t, map[string]any{"returnObjects": []dhp.Object{h.conv.DeviceToWire(&dev)}}), nil
		}
		return serverError(), nil
	}

	var (
		success bool
		more    bool
		data    *model.CloudObjectContainer
		commit  func() error
	)
	h.service.DownloadPrescriptionsAndDevicesAsync(func(ok bool, c *model.CloudObjectContainer, m bool, cm func() error) {
		success, data, more, commit = ok, c, m, cm
	})
	h.queue.Wait()

	assert.Equal(t, []string{"M035", "M036"}, h.transport.messageIDs())
	assert.True(t, success)
	assert.True(t, more)
	assert.Nil(t, commit)
	require.Len(t, data.Prescriptions, 1)
	require.Len(t, data.Devices, 1)
	assert.Equal(t, "SN-1", data.Devices[0].SerialNumber)
	assert.True(t, data.Devices[0].IsActive)
}

func TestDownloadPrescriptionsAndDevices_ShortCircuits(t *testing.T) {
	h := newHarness(t, Options{})
	h.transport.handle = func(int, *dhp.Request) (*dhp.Result, error) {
		return serverError(), nil
	}

	success := true
	var more bool
	h.service.DownloadPrescriptionsAndDevicesAsync(func(ok bool, _ *model.CloudObjectContainer, m bool, _ func() error) {
		success, more = ok, m
	})
	h.queue.Wait()

	assert.Equal(t, []string{"M035"}, h.transport.messageIDs())
	assert.False(t, success)
	assert.True(t, more)
}

func TestGetServerTime(t *testing.T) {
	h := newHarness(t, Options{})
	h.transport.handle = func(int, *dhp.Request) (*dhp.Result, error) {
		return respond(t, map[string]any{"serverTime_GMT": "2018-01-16T13:30:10"}), nil
	}

	var got *time.Time
	h.service.GetServerTimeAsync(func(st *time.Time) { got = st })
	h.queue.Wait()

	require.NotNil(t, got)
	assert.True(t, got.Equal(syncNow.Add(10*time.Second)))
}

func TestInit_FirstSync(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	require.NoError(t, h.service.Init(ctx))
	assert.True(t, h.service.IsFirstSync())

	at := syncNow
	require.NoError(t, h.accounts.SaveWatermarks(ctx, model.SyncWatermarks{LastInhalerSyncTime: &at, LastNonInhalerSyncTime: &at}))
	require.NoError(t, h.service.Init(ctx))
	assert.False(t, h.service.IsFirstSync())
}
