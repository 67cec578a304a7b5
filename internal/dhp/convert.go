package dhp

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/breathsync/breathsync/internal/clock"
	"github.com/breathsync/breathsync/internal/model"
	"github.com/breathsync/breathsync/internal/session"
)

// MedicationLookup resolves reference medication data by drug identifier.
type MedicationLookup interface {
	MedicationByDrugUID(drugUID string) *model.Medication
}

// Converter maps local entities to wire objects and back. It reads the
// session for identity fields and the clock for source time stamping.
type Converter struct {
	session *session.Session
	clock   clock.TimeService
	meds    MedicationLookup
}

// NewConverter creates a converter.
func NewConverter(sess *session.Session, clk clock.TimeService, meds MedicationLookup) *Converter {
	return &Converter{session: sess, clock: clk, meds: meds}
}

// CommonOptions controls AddCommonAttributes.
type CommonOptions struct {
	MessageID      string
	Classification string
	WithUUID       bool
	WithSourceTime bool
}

// AddCommonAttributes stamps the shared attribute block onto obj. The source
// time, when requested, comes from the clock and never from the entity.
func (c *Converter) AddCommonAttributes(obj Object, opts CommonOptions) {
	env := obj.common()
	env.MessageID = opts.MessageID
	env.AppName = c.session.AppName()
	env.AppVersionNumber = c.session.AppVersion()
	if opts.WithUUID {
		env.UUID = c.session.InstallationUUID()
	}
	env.DataEntryClassification = opts.Classification
	if env.DataEntryClassification == "" {
		env.DataEntryClassification = ClassificationManual
	}
	if opts.WithSourceTime {
		now := c.clock.Now()
		env.SourceTimeGMT = FormatGMT(now, false)
		env.SourceTimeTZ = GMTOffsetOf(now.Add(SourceTimeSkew))
	}
}

func (c *Converter) stampSourceTime(env *Common, t time.Time) {
	if t.IsZero() {
		return
	}
	env.SourceTimeGMT = FormatGMT(t, false)
	env.SourceTimeTZ = GMTOffsetOf(t)
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// DeviceToWire converts a device.
func (c *Converter) DeviceToWire(d *model.Device) *MedicalDeviceInfo {
	obj := &MedicalDeviceInfo{
		SerialNumber:         OrUnknown(d.SerialNumber),
		AuthenticationKey:    OrUnknown(d.AuthenticationKey),
		DrugID:               OrUnknown(deviceDrugUID(d)),
		ManufacturerName:     OrUnknown(d.ManufacturerName),
		HardwareRevision:     OrUnknown(d.HardwareRevision),
		SoftwareRevision:     OrUnknown(d.SoftwareRevision),
		DeviceClassification: DeviceClassificationSmartInhaler,
		DeviceType:           DeviceTypeMDI,
		DeviceTechnology:     DeviceTechnologyProAirDigihaler,
		DeviceName:           DeviceNameProAirDigihaler,
		LotCode:              OrUnknown(d.LotCode),
		DateCode:             OrUnknown(d.DateCode),
		DoseCount:            strconv.Itoa(d.DoseCount),
		RemainingDoseCount:   strconv.Itoa(d.RemainingDoseCount),
		LastRecord:           strconv.Itoa(d.LastRecordID),
		LastConnectionDate:   MinConnectionDate,
		NickName:             PackNickname(d.InhalerNameType, d.Nickname),
		DeviceStatus:         DeviceStatusDeleted,
	}

	// the platform requires an expiration date
	if d.ExpirationDate == nil {
		expiry := c.clock.Now().AddDate(DefaultExpirationYears, 0, 0)
		obj.ExpirationDate = FormatDate(model.DateOf(expiry))
	} else {
		obj.ExpirationDate = FormatDate(*d.ExpirationDate)
	}
	if d.LastConnection != nil {
		obj.LastConnectionDate = FormatGMT(*d.LastConnection, false)
	}
	if d.IsActive {
		obj.DeviceStatus = DeviceStatusActive
	}

	obj.ObjectName = obj.Kind()
	obj.ExternalEntityID = c.session.ActiveProfileID()
	c.stampSourceTime(&obj.Common, d.ChangeTime)
	obj.ServerTimeOffset = FormatServerTimeOffset(d.ServerTimeOffset)
	return obj
}

func deviceDrugUID(d *model.Device) string {
	if d.Medication != nil {
		return d.Medication.DrugUID
	}
	return d.DrugUID
}

// DeviceFromWire converts a device. It returns nil when the drug is unknown locally.
func (c *Converter) DeviceFromWire(obj *MedicalDeviceInfo) *model.Device {
	med := c.meds.MedicationByDrugUID(FromUnknown(obj.DrugID))
	if med == nil {
		return nil
	}

	d := &model.Device{
		SerialNumber:       FromUnknown(obj.SerialNumber),
		AuthenticationKey:  FromUnknown(obj.AuthenticationKey),
		DrugUID:            med.DrugUID,
		Medication:         med,
		ManufacturerName:   FromUnknown(obj.ManufacturerName),
		HardwareRevision:   FromUnknown(obj.HardwareRevision),
		SoftwareRevision:   FromUnknown(obj.SoftwareRevision),
		LotCode:            FromUnknown(obj.LotCode),
		DateCode:           FromUnknown(obj.DateCode),
		ExpirationDate:     ParseGMTDate(FromUnknown(obj.ExpirationDate)),
		DoseCount:          IntOrZero(obj.DoseCount),
		RemainingDoseCount: IntOrZero(obj.RemainingDoseCount),
		LastRecordID:       IntOrZero(obj.LastRecord),
		LastConnection:     ParseGMT(FromUnknown(obj.LastConnectionDate)),
		IsActive:           FromUnknown(obj.DeviceStatus) == DeviceStatusActive,
	}
	d.InhalerNameType, d.Nickname = UnpackNickname(obj.NickName)
	d.ChangeTime = timeOrZero(ParseGMT(FromUnknown(obj.SourceTimeGMT)))
	d.ServerTimeOffset = ParseServerTimeOffset(obj.ServerTimeOffset)
	return d
}

// PackNickname builds the composite "CATEGORY (text)" nickname.
func PackNickname(nameType model.InhalerNameType, nickname string) string {
	return fmt.Sprintf("%s (%s)", strings.ToUpper(string(nameType)), OrUnknown(nickname))
}

// UnpackNickname splits a composite nickname on the first '('. Without the
// delimiter the whole string is the nickname and there is no category.
func UnpackNickname(packed string) (model.InhalerNameType, string) {
	idx := strings.Index(packed, "(")
	if idx == -1 {
		return "", FromUnknown(packed)
	}

	end := len(packed)
	if strings.HasSuffix(packed, ")") {
		end--
	}
	text := ""
	if end > idx+1 {
		text = packed[idx+1 : end]
	}
	nameType, _ := model.ParseInhalerNameType(packed[:idx])
	return nameType, FromUnknown(text)
}

// InhaleEventToWire converts an inhale event.
func (c *Converter) InhaleEventToWire(e *model.InhaleEvent) *MedicationAdministration {
	obj := &MedicationAdministration{
		EventID:                    OrUnknown(e.UniqueID()),
		DeviceSerialNumber:         OrUnknown(e.DeviceSerialNumber),
		MedicationEventUID:         strconv.Itoa(e.EventUID),
		MedicationEventTime:        strconv.FormatInt(e.EventTime.Unix(), 10),
		MedicationEventTimeTZ:      FormatGMTOffset(e.TimezoneOffsetMinutes),
		MedicationStartOffset:      strconv.Itoa(e.InhaleEventTime),
		MedicationStartOffsetUOM:   UOMMilliseconds,
		MedicationDuration:         strconv.Itoa(e.InhaleDuration),
		MedicationDurationUOM:      UOMMilliseconds,
		MedicationPeakFlow:         strconv.Itoa(e.InhalePeak * 100),
		MedicationPeakFlowUOM:      UOMMilliliterPerMinute,
		MedicationPeakOffset:       strconv.Itoa(e.InhaleTimeToPeak),
		MedicationPeakOffsetUOM:    UOMMilliseconds,
		MedicationVolume:           strconv.Itoa(e.InhaleVolume),
		MedicationVolumeUOM:        UOMMilliliter,
		MedicationEventDuration:    strconv.Itoa(e.CloseTime),
		MedicationEventDurationUOM: UOMSeconds,
		DoseID:                     strconv.Itoa(e.DoseID),
		CartridgeID:                OrUnknown(e.CartridgeUID),
		DrugID:                     OrUnknown(e.DrugUID),
		UpperThresholdOffset:       strconv.Itoa(e.UpperThresholdTime),
		UpperThresholdOffsetUOM:    UOMMilliseconds,
		UpperThresholdDuration:     strconv.Itoa(e.UpperThresholdDuration),
		UpperThresholdDurationUOM:  UOMMilliseconds,
		IsInvalidMedication:        strconv.FormatBool(!e.IsValidInhale),
		Status:                     strconv.Itoa(e.Status),
	}
	obj.ObjectName = obj.Kind()
	obj.ExternalEntityID = c.session.ActiveProfileID()
	obj.SourceTimeGMT = FormatGMT(e.EventTime, false)
	obj.SourceTimeTZ = FormatGMTOffset(e.TimezoneOffsetMinutes)
	obj.ServerTimeOffset = FormatServerTimeOffset(e.ServerTimeOffset)
	return obj
}

// InhaleEventFromWire converts an inhale event. It returns nil without an event time.
func (c *Converter) InhaleEventFromWire(obj *MedicationAdministration) *model.InhaleEvent {
	if obj.MedicationEventTime == "" {
		return nil
	}
	secs, err := strconv.ParseInt(obj.MedicationEventTime, 10, 64)
	if err != nil {
		return nil
	}

	isInvalid := obj.IsInvalidMedication
	if isInvalid == "" {
		isInvalid = "true"
	}

	e := &model.InhaleEvent{
		DeviceSerialNumber:     FromUnknown(obj.DeviceSerialNumber),
		EventUID:               IntOrZero(obj.MedicationEventUID),
		EventTime:              time.Unix(secs, 0).UTC(),
		InhaleEventTime:        IntOrZero(obj.MedicationStartOffset),
		InhaleDuration:         IntOrZero(obj.MedicationDuration),
		InhalePeak:             IntOrZero(obj.MedicationPeakFlow) / 100,
		InhaleTimeToPeak:       IntOrZero(obj.MedicationPeakOffset),
		InhaleVolume:           IntOrZero(obj.MedicationVolume),
		CloseTime:              IntOrZero(obj.MedicationEventDuration),
		Status:                 IntOrZero(obj.Status),
		IsValidInhale:          !strings.EqualFold(isInvalid, "true"),
		DoseID:                 IntOrZero(obj.DoseID),
		CartridgeUID:           FromUnknown(obj.CartridgeID),
		DrugUID:                FromUnknown(obj.DrugID),
		UpperThresholdTime:     IntOrZero(obj.UpperThresholdOffset),
		UpperThresholdDuration: IntOrZero(obj.UpperThresholdDuration),
		TimezoneOffsetMinutes:  ParseGMTOffset(FromUnknown(obj.SourceTimeTZ)),
	}
	e.ChangeTime = timeOrZero(ParseGMT(FromUnknown(obj.SourceTimeGMT)))
	e.ServerTimeOffset = ParseServerTimeOffset(obj.ServerTimeOffset)
	return e
}

// PrescriptionToWire converts a prescription.
func (c *Converter) PrescriptionToWire(p *model.Prescription) *PrescriptionMedicationOrder {
	drugID := p.DrugUID
	if p.Medication != nil {
		drugID = p.Medication.DrugUID
	}
	obj := &PrescriptionMedicationOrder{
		DrugID:          drugID,
		Doses:           strconv.Itoa(p.DosesPerDay),
		DosesUOM:        UOMUnit,
		DoseQuantity:    strconv.Itoa(p.InhalesPerDose),
		DoseQuantityUOM: UOMUnit,
	}
	if !p.PrescriptionDate.IsZero() {
		obj.DateWritten = FormatGMT(p.PrescriptionDate, false)
	}
	obj.ObjectName = obj.Kind()
	obj.ExternalEntityID = c.session.ActiveProfileID()
	c.stampSourceTime(&obj.Common, p.ChangeTime)
	obj.ServerTimeOffset = FormatServerTimeOffset(p.ServerTimeOffset)
	return obj
}

// PrescriptionFromWire converts a prescription. An unknown drug yields an
// empty medication rather than dropping the record.
func (c *Converter) PrescriptionFromWire(obj *PrescriptionMedicationOrder) *model.Prescription {
	drugID := FromUnknown(obj.DrugID)
	med := c.meds.MedicationByDrugUID(drugID)
	if med == nil {
		med = &model.Medication{}
	}
	p := &model.Prescription{
		DrugUID:          drugID,
		Medication:       med,
		DosesPerDay:      IntOrZero(obj.Doses),
		InhalesPerDose:   IntOrZero(obj.DoseQuantity),
		PrescriptionDate: timeOrZero(ParseGMT(FromUnknown(obj.DateWritten))),
	}
	p.ChangeTime = timeOrZero(ParseGMT(FromUnknown(obj.SourceTimeGMT)))
	p.ServerTimeOffset = ParseServerTimeOffset(obj.ServerTimeOffset)
	return p
}

// FeelingToWire converts a daily user feeling entry.
func (c *Converter) FeelingToWire(f *model.DailyUserFeeling) *QuestionnaireResponse {
	obj := &QuestionnaireResponse{
		Text:        FeelingQuestionnaireText,
		AnswerValue: strconv.Itoa(int(f.UserFeeling)),
	}
	if !f.Date.IsZero() {
		obj.Date = FormatDate(f.Date)
	}
	obj.ObjectName = obj.Kind()
	obj.ExternalEntityID = c.session.ActiveProfileID()
	c.stampSourceTime(&obj.Common, f.Time)
	obj.ServerTimeOffset = FormatServerTimeOffset(f.ServerTimeOffset)
	return obj
}

// FeelingFromWire converts a daily user feeling entry. It returns nil for
// questionnaires other than the daily feeling or an out of range answer.
func (c *Converter) FeelingFromWire(obj *QuestionnaireResponse) *model.DailyUserFeeling {
	if obj.Text != FeelingQuestionnaireText {
		return nil
	}
	answer := IntOrZero(obj.AnswerValue)
	if answer < int(model.UserFeelingGood) || answer > int(model.UserFeelingPoor) {
		return nil
	}

	f := &model.DailyUserFeeling{UserFeeling: model.UserFeeling(answer)}
	if d := ParseGMTDate(FromUnknown(obj.Date)); d != nil {
		f.Date = *d
	}
	if t := ParseGMT(FromUnknown(obj.SourceTimeGMT)); t != nil {
		zone := time.FixedZone("", ParseGMTOffset(FromUnknown(obj.SourceTimeTZ))*60)
		f.Time = t.In(zone)
		f.ChangeTime = f.Time
	}
	f.ServerTimeOffset = ParseServerTimeOffset(obj.ServerTimeOffset)
	return f
}

// SettingsToWire wraps every reminder setting into one bundle. The bundle
// carries the change time and server offset of the newest setting.
func (c *Converter) SettingsToWire(settings []model.ReminderSetting) *UserPreferenceSettings {
	obj := &UserPreferenceSettings{Setting: make([]Setting, 0, len(settings))}

	changeTime := time.Unix(0, 0).UTC()
	var serverTimeOffset *int
	for i := range settings {
		if changeTime.Before(settings[i].ChangeTime) {
			changeTime = settings[i].ChangeTime
			serverTimeOffset = settings[i].ServerTimeOffset
		}
	}

	for i := range settings {
		obj.Setting = append(obj.Setting, settingToWire(&settings[i], changeTime))
	}

	obj.ObjectName = obj.Kind()
	obj.SourceTimeGMT = FormatGMT(changeTime, false)
	obj.SourceTimeTZ = GMTOffsetOf(c.clock.Now())
	obj.ServerTimeOffset = FormatServerTimeOffset(serverTimeOffset)
	obj.ExternalEntityID = c.session.ActiveProfileID()
	return obj
}

func settingToWire(s *model.ReminderSetting, changeTime time.Time) Setting {
	day := model.DateOf(changeTime.UTC()).In(time.UTC)
	at := day.Add(time.Duration(s.TimeOfDay) * time.Second)
	return Setting{
		SettingName:     s.Name,
		SettingDataType: SettingDataTypeBoolean,
		SettingValue:    strconv.FormatBool(s.IsEnabled),
		SettingStatus:   string(s.RepeatType),
		SettingDate:     FormatGMT(at, false),
	}
}

// SettingsFromWire unpacks a settings bundle. Every setting takes the
// bundle's change time.
func (c *Converter) SettingsFromWire(obj *UserPreferenceSettings) []model.ReminderSetting {
	changeTime := timeOrZero(ParseGMT(FromUnknown(obj.SourceTimeGMT)))
	offset := ParseServerTimeOffset(obj.ServerTimeOffset)

	out := make([]model.ReminderSetting, 0, len(obj.Setting))
	for _, s := range obj.Setting {
		rs := model.ReminderSetting{
			Name:       s.SettingName,
			IsEnabled:  strings.EqualFold(s.SettingValue, "true"),
			RepeatType: model.RepeatType(s.SettingStatus),
		}
		if at := ParseGMT(s.SettingDate); at != nil {
			rs.TimeOfDay = at.Hour()*3600 + at.Minute()*60 + at.Second()
		}
		rs.ChangeTime = changeTime
		rs.ServerTimeOffset = offset
		out = append(out, rs)
	}
	return out
}

// ProfileToWire converts a profile. role defaults to patient. The object
// name and server offset are only sent for sync uploads.
func (c *Converter) ProfileToWire(p *model.UserProfile, role string, forUpload bool) *ProfileInfo {
	if role == "" {
		role = RolePatient
	}
	obj := &ProfileInfo{
		Role:           role,
		Username:       c.session.Username(),
		EmailID:        OrUnknown(c.session.EmailID()),
		FirstName:      p.FirstName,
		LastName:       p.LastName,
		Gender:         Unknown,
		AddressZip:     Unknown,
		AddressState:   Unknown,
		AddressCountry: Unknown,
		IsAdult:        strconv.FormatBool(p.IsAccountOwner),
	}
	if p.DateOfBirth != nil {
		obj.DateOfBirth = FormatDate(*p.DateOfBirth)
	}
	if role == RoleGuardian {
		obj.RelationshipStatus = "active"
	}
	obj.ExternalEntityID = p.ProfileID
	if forUpload {
		obj.ObjectName = obj.Kind()
		obj.ServerTimeOffset = FormatServerTimeOffset(p.ServerTimeOffset)
	}
	return obj
}

// ProfileFromWire converts a profile. Downloaded profiles are always active.
func (c *Converter) ProfileFromWire(obj *ProfileInfo) *model.UserProfile {
	return &model.UserProfile{
		ProfileID:      obj.ExternalEntityID,
		FirstName:      obj.FirstName,
		LastName:       obj.LastName,
		DateOfBirth:    ParseGMTDate(FromUnknown(obj.DateOfBirth)),
		IsAccountOwner: obj.IsAdult == "true",
		IsActive:       true,
		Created:        ParseGMT(FromUnknown(obj.SourceTimeGMT)),
	}
}

// ConsentToWire converts the consent record. Missing dates fall back to now.
func (c *Converter) ConsentToWire(consent *model.ConsentData, status string, externalEntityID string) *ConsentInfo {
	now := c.clock.Now()
	if st := c.session.ServerTime(); st != nil {
		now = *st
	}

	obj := &ConsentInfo{
		Status:                     status,
		AcceptIndicator:            "true",
		ConsentEnabledStatus:       strconv.FormatBool(status == ConsentStatusActive),
		HistoricalDataIndicator:    "true",
		PrivacyNoticeReadIndicator: "true",
		ConsentType:                ConsentTypeCloud,
		ConsentAuditableEventDate:  FormatGMT(now, false),
		ConsentStartDate:           FormatGMT(now, false),
	}
	if consent != nil {
		obj.TermsAndConditions = consent.TermsAndConditions
		obj.PrivacyNotice = consent.PrivacyNotice
		if consent.ConsentStartDate != nil {
			obj.ConsentStartDate = FormatGMT(*consent.ConsentStartDate, false)
		}
		if consent.ConsentEndDate != nil {
			obj.ConsentEndDate = FormatGMT(*consent.ConsentEndDate, false)
		}
		obj.HistoricalDataIndicator = strconv.FormatBool(consent.HistoricalDataShare)
	}
	obj.ObjectName = obj.Kind()
	obj.DataEntryClassification = ClassificationManual
	obj.ExternalEntityID = externalEntityID
	return obj
}

// ConsentFromWire converts the consent record.
func (c *Converter) ConsentFromWire(obj *ConsentInfo) *model.ConsentData {
	return &model.ConsentData{
		HasConsented:        obj.ConsentEnabledStatus == "true" || obj.Status == ConsentStatusActive,
		TermsAndConditions:  obj.TermsAndConditions,
		PrivacyNotice:       obj.PrivacyNotice,
		ConsentStartDate:    ParseGMT(obj.ConsentStartDate),
		ConsentEndDate:      ParseGMT(obj.ConsentEndDate),
		Status:              obj.Status,
		ConsentType:         obj.ConsentType,
		HistoricalDataShare: obj.HistoricalDataIndicator == "true",
	}
}
