// Package syncer moves local changes to the health data platform and merges
// platform data back into the local store.
//
// CloudService owns the request level pipelines (batched upload, paginated
// download, the prescriptions and devices fetch). Manager drives them as a
// state machine for one sync cycle.
//
// INVARIANTS:
//   - Every request goes through the RequestQueue: one in flight, FIFO callbacks.
//   - Upload batches and download pages are strictly sequential.
//   - Watermarks are persisted only from the commit callback, after the
//     caller merged the downloaded batch.
package syncer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/breathsync/breathsync/internal/dhp"
	"github.com/breathsync/breathsync/internal/model"
	"github.com/breathsync/breathsync/internal/session"
)

// Executor submits one platform request. core.RequestQueue implements it.
type Executor interface {
	Add(req *dhp.Request, callback dhp.Callback)
}

// WatermarkStore is the durable home of the sync watermarks.
type WatermarkStore interface {
	Watermarks(ctx context.Context) (model.SyncWatermarks, error)
	SaveWatermarks(ctx context.Context, w model.SyncWatermarks) error
}

// UploadCallback receives the outcome of UploadAsync.
type UploadCallback func(success bool)

// DownloadCallback receives the outcome of a download. commit is nil on
// failure; otherwise the caller invokes it once data is merged.
type DownloadCallback func(success bool, data *model.CloudObjectContainer, moreDataExists bool, commit func() error)

// ServerTimeCallback receives the platform clock, nil on failure.
type ServerTimeCallback func(serverTime *time.Time)

// Options configures a CloudService.
type Options struct {
	MaxUploadObjects        int
	DownloadObjectThreshold int
	// SuppressSourceTime keeps the converter's source time on uploaded
	// objects instead of stamping the clock at batch time.
	SuppressSourceTime bool
}

// CloudService implements the upload and download pipelines.
type CloudService struct {
	queue      Executor
	conv       *dhp.Converter
	session    *session.Session
	watermarks WatermarkStore
	logger     *zap.Logger
	opts       Options

	mu              sync.Mutex
	firstSync       bool
	objectsToUpload []dhp.Object
	didUpload       UploadCallback
	downloaded      *model.CloudObjectContainer
	candidate       *model.SyncWatermarks
	didDownload     DownloadCallback
	listDownload    *model.CloudObjectContainer
}

// NewCloudService creates a cloud service.
func NewCloudService(queue Executor, conv *dhp.Converter, sess *session.Session, watermarks WatermarkStore, opts Options, logger *zap.Logger) *CloudService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxUploadObjects <= 0 {
		opts.MaxUploadObjects = 100
	}
	if opts.DownloadObjectThreshold <= 0 {
		opts.DownloadObjectThreshold = 150
	}
	return &CloudService{
		queue:      queue,
		conv:       conv,
		session:    sess,
		watermarks: watermarks,
		logger:     logger,
		opts:       opts,
		firstSync:  true,
		downloaded: &model.CloudObjectContainer{},
	}
}

// Init reads the persisted watermarks. A sync is a first sync until both
// watermarks exist.
func (s *CloudService) Init(ctx context.Context) error {
	w, err := s.watermarks.Watermarks(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.firstSync = w.LastInhalerSyncTime == nil || w.LastNonInhalerSyncTime == nil
	s.mu.Unlock()
	return nil
}

// IsFirstSync reports whether no sync completed yet.
func (s *CloudService) IsFirstSync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstSync
}

// SetFirstSync overrides the first sync flag.
func (s *CloudService) SetFirstSync(first bool) {
	s.mu.Lock()
	s.firstSync = first
	s.mu.Unlock()
}

func (s *CloudService) invokingIdentity() (federationID, role, patientID string) {
	role = s.session.Role()
	if role == dhp.RoleGuardian {
		patientID = s.session.ActiveProfileID()
	}
	return s.session.FederationID(), role, patientID
}

// --- upload ---

// UploadAsync converts data to wire objects and uploads them in batches of
// at most MaxUploadObjects. done runs once: after the last batch succeeded
// or after the first batch failed.
func (s *CloudService) UploadAsync(data *model.CloudObjectContainer, done UploadCallback) {
	objs := make([]dhp.Object, 0, data.ObjectCount())
	for i := range data.Prescriptions {
		objs = append(objs, s.conv.PrescriptionToWire(&data.Prescriptions[i]))
	}
	for i := range data.Devices {
		objs = append(objs, s.conv.DeviceToWire(&data.Devices[i]))
	}
	for i := range data.InhaleEvents {
		objs = append(objs, s.conv.InhaleEventToWire(&data.InhaleEvents[i]))
	}
	for i := range data.DSAs {
		objs = append(objs, s.conv.FeelingToWire(&data.DSAs[i]))
	}
	for i := range data.Profiles {
		objs = append(objs, s.conv.ProfileToWire(&data.Profiles[i], s.session.Role(), true))
	}
	if len(data.Settings) > 0 {
		objs = append(objs, s.conv.SettingsToWire(data.Settings))
	}

	s.logger.Debug("upload requested", zap.Int("objects", len(objs)))
	if len(objs) == 0 {
		done(true)
		return
	}

	s.mu.Lock()
	s.objectsToUpload = objs
	s.didUpload = done
	s.mu.Unlock()

	s.uploadBatch()
}

func (s *CloudService) uploadBatch() {
	api := dhp.APIDataSynchronization

	s.mu.Lock()
	n := len(s.objectsToUpload)
	if n > s.opts.MaxUploadObjects {
		n = s.opts.MaxUploadObjects
	}
	batch := append([]dhp.Object(nil), s.objectsToUpload[:n]...)
	s.mu.Unlock()

	for _, obj := range batch {
		s.conv.AddCommonAttributes(obj, dhp.CommonOptions{
			MessageID:      api.MessageID(),
			WithUUID:       true,
			WithSourceTime: !s.opts.SuppressSourceTime,
		})
	}

	federationID, role, patientID := s.invokingIdentity()
	payload := dhp.UploadPayload{
		InvokingExternalEntityID: federationID,
		InvokingRole:             role,
		PatientExternalEntityID:  patientID,
		APIExecutionMode:         dhp.ExecutionAsynchronous,
		Objects:                  batch,
	}
	if s.session.IsClinical() {
		payload.PatientStudyHashKey = s.session.StudyHashKey()
	}

	s.logger.Debug("uploading batch", zap.Int("objects", len(batch)))
	s.queue.Add(&dhp.Request{API: api, ObjectName: dhp.ObjectDataSynch, Payload: payload}, s.uploadCompleted)
}

func (s *CloudService) uploadCompleted(success bool, message string, _ []byte) {
	s.logger.Debug("upload batch completed", zap.Bool("success", success), zap.String("message", message))

	s.mu.Lock()
	if success && len(s.objectsToUpload) > s.opts.MaxUploadObjects {
		s.objectsToUpload = s.objectsToUpload[s.opts.MaxUploadObjects:]
		s.mu.Unlock()
		s.uploadBatch()
		return
	}
	if success {
		s.objectsToUpload = nil
	}
	done := s.didUpload
	s.didUpload = nil
	s.mu.Unlock()

	if !success {
		s.logger.Warn("upload failed", zap.String("message", message))
	}
	if done != nil {
		done(success)
	}
}

// --- download ---

// DownloadAsync fetches everything changed on the platform since the
// watermarks. Pages are requested until the platform has no more data or
// the accumulated object count reaches DownloadObjectThreshold.
func (s *CloudService) DownloadAsync(ctx context.Context, done DownloadCallback) {
	s.mu.Lock()
	s.downloaded = &model.CloudObjectContainer{}
	s.didDownload = done
	s.mu.Unlock()

	s.downloadPage(ctx)
}

func epoch() time.Time { return time.Unix(0, 0).UTC() }

// currentWatermarks returns the in-memory candidates, else the persisted
// watermarks, else the epoch.
func (s *CloudService) currentWatermarks(ctx context.Context) (inhaler, nonInhaler time.Time, err error) {
	s.mu.Lock()
	candidate := s.candidate
	s.mu.Unlock()

	persisted, err := s.watermarks.Watermarks(ctx)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	inhaler, nonInhaler = epoch(), epoch()
	if persisted.LastInhalerSyncTime != nil {
		inhaler = *persisted.LastInhalerSyncTime
	}
	if persisted.LastNonInhalerSyncTime != nil {
		nonInhaler = *persisted.LastNonInhalerSyncTime
	}
	if candidate != nil {
		if candidate.LastInhalerSyncTime != nil {
			inhaler = *candidate.LastInhalerSyncTime
		}
		if candidate.LastNonInhalerSyncTime != nil {
			nonInhaler = *candidate.LastNonInhalerSyncTime
		}
	}
	return inhaler, nonInhaler, nil
}

func (s *CloudService) downloadPage(ctx context.Context) {
	inhaler, nonInhaler, err := s.currentWatermarks(ctx)
	if err != nil {
		s.logger.Error("failed to read watermarks", zap.Error(err))
		s.finishDownload(false, true, false)
		return
	}

	api := dhp.APIRetrieval
	federationID, role, patientID := s.invokingIdentity()
	payload := dhp.RetrievalPayload{
		MessageID:                api.MessageID(),
		AppName:                  s.session.AppName(),
		AppVersionNumber:         s.session.AppVersion(),
		UUID:                     s.session.InstallationUUID(),
		InhalerSynchTimeGMT:      dhp.FormatGMT(inhaler, true),
		NonInhalerSynchTimeGMT:   dhp.FormatGMT(nonInhaler, true),
		InvokingExternalEntityID: federationID,
		InvokingRole:             role,
		PatientExternalEntityID:  patientID,
		Username:                 s.session.Username(),
		RetrievalType:            dhp.RetrievalTypeSync,
		APIExecutionMode:         dhp.ExecutionSynchronous,
	}

	s.logger.Debug("requesting page",
		zap.String("inhaler_since", payload.InhalerSynchTimeGMT),
		zap.String("non_inhaler_since", payload.NonInhalerSynchTimeGMT))
	s.queue.Add(&dhp.Request{API: api, Payload: payload}, func(success bool, message string, body []byte) {
		s.downloadCompleted(ctx, success, message, body)
	})
}

func (s *CloudService) downloadCompleted(ctx context.Context, success bool, message string, body []byte) {
	s.logger.Debug("page completed", zap.Bool("success", success), zap.String("message", message))
	if !success {
		s.logger.Warn("download failed", zap.String("message", message))
		s.finishDownload(false, true, false)
		return
	}

	resp, err := dhp.ParseRetrieval(body)
	if err != nil {
		s.logger.Warn("download failed", zap.Error(err))
		s.finishDownload(false, true, false)
		return
	}

	moreDataExists := false
	if resp.InhalerSynchTimeGMT != "" && resp.NonInhalerSynchTimeGMT != "" && resp.AdditionalDocumentsExist != "" {
		inhaler, nonInhaler, err := s.currentWatermarks(ctx)
		if err != nil {
			s.logger.Error("failed to read watermarks", zap.Error(err))
			s.finishDownload(false, true, false)
			return
		}
		if t := dhp.ParseGMT(resp.InhalerSynchTimeGMT); t != nil {
			inhaler = *t
		}
		if t := dhp.ParseGMT(resp.NonInhalerSynchTimeGMT); t != nil {
			nonInhaler = *t
		}

		s.mu.Lock()
		s.appendObjects(s.downloaded, dhp.DecodeObjects(resp.ReturnObjects), true)
		s.candidate = &model.SyncWatermarks{LastInhalerSyncTime: &inhaler, LastNonInhalerSyncTime: &nonInhaler}
		count := s.downloaded.ObjectCount()
		s.mu.Unlock()

		more := resp.MoreDataExists()
		exceeded := count >= s.opts.DownloadObjectThreshold
		if more && !exceeded {
			s.downloadPage(ctx)
			return
		}
		moreDataExists = more && exceeded
	}

	s.finishDownload(true, moreDataExists, true)
}

// finishDownload hands the accumulated batch to the caller. The commit
// callback is only offered on success.
func (s *CloudService) finishDownload(success, moreDataExists, withCommit bool) {
	s.mu.Lock()
	data := s.downloaded
	done := s.didDownload
	s.didDownload = nil
	if !success {
		s.candidate = nil
	}
	s.mu.Unlock()

	var commit func() error
	if withCommit {
		commit = s.commitWatermarks
	}
	if done != nil {
		done(success, data, moreDataExists, commit)
	}
}

func (s *CloudService) commitWatermarks() error {
	s.mu.Lock()
	candidate := s.candidate
	s.candidate = nil
	s.mu.Unlock()

	if candidate == nil {
		return nil
	}
	if err := s.watermarks.SaveWatermarks(context.Background(), *candidate); err != nil {
		return err
	}
	s.logger.Debug("watermarks committed",
		zap.Any("inhaler", candidate.LastInhalerSyncTime),
		zap.Any("non_inhaler", candidate.LastNonInhalerSyncTime))
	return nil
}

// appendObjects converts wire objects into c. Objects that do not convert
// are dropped. Only the first settings bundle is used.
func (s *CloudService) appendObjects(c *model.CloudObjectContainer, objs []dhp.Object, withSettings bool) {
	settingsSeen := false
	for _, obj := range objs {
		if !dhp.IsValid(obj) {
			s.logger.Warn("dropping object", zap.String("kind", obj.Kind()), zap.String("status", dhp.Envelope(obj).DocumentStatus))
			continue
		}
		switch o := obj.(type) {
		case *dhp.PrescriptionMedicationOrder:
			if p := s.conv.PrescriptionFromWire(o); p != nil {
				c.Prescriptions = append(c.Prescriptions, *p)
			}
		case *dhp.MedicalDeviceInfo:
			if d := s.conv.DeviceFromWire(o); d != nil {
				c.Devices = append(c.Devices, *d)
			}
		case *dhp.MedicationAdministration:
			if e := s.conv.InhaleEventFromWire(o); e != nil {
				c.InhaleEvents = append(c.InhaleEvents, *e)
			}
		case *dhp.QuestionnaireResponse:
			if f := s.conv.FeelingFromWire(o); f != nil {
				c.DSAs = append(c.DSAs, *f)
			}
		case *dhp.UserPreferenceSettings:
			if withSettings && !settingsSeen {
				c.Settings = append(c.Settings, s.conv.SettingsFromWire(o)...)
				settingsSeen = true
			}
		case *dhp.ProfileInfo:
			if p := s.conv.ProfileFromWire(o); p != nil {
				c.Profiles = append(c.Profiles, *p)
			}
		}
	}
}

// --- prescriptions and devices ---

// DownloadPrescriptionsAndDevicesAsync fetches the prescription list, then
// the device list, outside the watermark mechanism. done always reports
// more data, so the caller continues with a regular download.
func (s *CloudService) DownloadPrescriptionsAndDevicesAsync(done DownloadCallback) {
	s.mu.Lock()
	s.listDownload = &model.CloudObjectContainer{}
	s.mu.Unlock()

	s.requestList(dhp.APIPrescriptionList, func(ok bool) {
		if !ok {
			done(false, s.listDownloadSnapshot(), true, nil)
			return
		}
		s.requestList(dhp.APIDeviceList, func(ok bool) {
			done(ok, s.listDownloadSnapshot(), true, nil)
		})
	})
}

func (s *CloudService) listDownloadSnapshot() *model.CloudObjectContainer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listDownload
}

func (s *CloudService) requestList(api dhp.API, next func(ok bool)) {
	federationID, role, patientID := s.invokingIdentity()
	payload := dhp.ListPayload{
		MessageID:                api.MessageID(),
		AppName:                  s.session.AppName(),
		AppVersionNumber:         s.session.AppVersion(),
		UUID:                     s.session.InstallationUUID(),
		InvokingExternalEntityID: federationID,
		InvokingRole:             role,
		PatientExternalEntityID:  patientID,
		APIExecutionMode:         dhp.ExecutionSynchronous,
	}

	s.queue.Add(&dhp.Request{API: api, Payload: payload}, func(success bool, message string, body []byte) {
		s.logger.Debug("list completed",
			zap.String("message_id", api.MessageID()),
			zap.Bool("success", success),
			zap.String("message", message))
		if !success {
			next(false)
			return
		}
		objs, err := dhp.ParseList(body)
		if err != nil {
			s.logger.Warn("failed to parse list", zap.Error(err))
			next(false)
			return
		}

		s.mu.Lock()
		s.appendObjects(s.listDownload, objs, false)
		s.mu.Unlock()
		next(true)
	})
}

// --- server time ---

// GetServerTimeAsync fetches the platform clock.
func (s *CloudService) GetServerTimeAsync(done ServerTimeCallback) {
	api := dhp.APIGetServerTime
	payload := dhp.ServerTimePayload{
		MessageID:        api.MessageID(),
		AppName:          s.session.AppName(),
		AppVersionNumber: s.session.AppVersion(),
		UUID:             s.session.InstallationUUID(),
	}

	s.queue.Add(&dhp.Request{API: api, Payload: payload}, func(success bool, message string, body []byte) {
		if !success {
			s.logger.Warn("server time request failed", zap.String("message", message))
			done(nil)
			return
		}
		resp, err := dhp.ParseServerTime(body)
		if err != nil {
			s.logger.Warn("server time request failed", zap.Error(err))
			done(nil)
			return
		}
		done(dhp.ParseGMT(resp.ServerTimeGMT))
	})
}
