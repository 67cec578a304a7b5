package dhp

// Common is the attribute block shared by every object sent to or received
// from the platform. Entity objects embed it.
type Common struct {
	ObjectName              string `json:"objectName,omitempty"`
	MessageID               string `json:"messageID,omitempty"`
	UUID                    string `json:"UUID,omitempty"`
	AppName                 string `json:"appName,omitempty"`
	AppVersionNumber        string `json:"appVersionNumber,omitempty"`
	SourceTimeGMT           string `json:"sourceTime_GMT,omitempty"`
	SourceTimeTZ            string `json:"sourceTime_TZ,omitempty"`
	DataEntryClassification string `json:"dataEntryClassification,omitempty"`
	ServerTimeOffset        string `json:"serverTimeOffset,omitempty"`
	ExternalEntityID        string `json:"externalEntityID,omitempty"`
	DocumentStatus          string `json:"documentStatus,omitempty"`
}

func (c *Common) common() *Common { return c }

// Object is one wire record of any kind.
type Object interface {
	common() *Common
	// Kind is the objectName this type is sent with.
	Kind() string
}

// Envelope returns the shared attribute block of obj.
func Envelope(obj Object) *Common { return obj.common() }

// IsValid reports whether obj carries its own object name and either no
// document status or a successful one.
func IsValid(obj Object) bool {
	c := obj.common()
	return c.ObjectName == obj.Kind() && (c.DocumentStatus == "" || c.DocumentStatus == DocumentStatusOK)
}

// MedicalDeviceInfo is the wire form of a device.
type MedicalDeviceInfo struct {
	SerialNumber         string `json:"serialNumber,omitempty"`
	AuthenticationKey    string `json:"authenticationKey,omitempty"`
	DrugID               string `json:"drugID,omitempty"`
	ManufacturerName     string `json:"manufacturerName,omitempty"`
	HardwareRevision     string `json:"hardwareRevision,omitempty"`
	SoftwareRevision     string `json:"softwareRevision,omitempty"`
	LotCode              string `json:"lotCode,omitempty"`
	DateCode             string `json:"dateCode,omitempty"`
	ExpirationDate       string `json:"expirationDate,omitempty"`
	DoseCount            string `json:"doseCount,omitempty"`
	RemainingDoseCount   string `json:"remainingDoseCount,omitempty"`
	LastRecord           string `json:"lastRecord,omitempty"`
	LastConnectionDate   string `json:"lastConnectionDate,omitempty"`
	NickName             string `json:"nickName,omitempty"`
	DeviceStatus         string `json:"deviceStatus,omitempty"`
	DeviceClassification string `json:"deviceClassification,omitempty"`
	DeviceType           string `json:"deviceType,omitempty"`
	DeviceTechnology     string `json:"deviceTechnology,omitempty"`
	DeviceName           string `json:"deviceName,omitempty"`
	Common
}

func (*MedicalDeviceInfo) Kind() string { return ObjectMedicalDeviceInfo }

// MedicationAdministration is the wire form of an inhale event.
type MedicationAdministration struct {
	EventID                    string `json:"eventID,omitempty"`
	DeviceSerialNumber         string `json:"deviceSerialNumber,omitempty"`
	MedicationEventUID         string `json:"medicationEventUID,omitempty"`
	MedicationEventTime        string `json:"medicationEventTime,omitempty"`
	MedicationEventTimeTZ      string `json:"medicationEventTime_TZ,omitempty"`
	MedicationStartOffset      string `json:"medicationStartOffset,omitempty"`
	MedicationStartOffsetUOM   string `json:"medicationStartOffsetUOM,omitempty"`
	MedicationDuration         string `json:"medicationDuration,omitempty"`
	MedicationDurationUOM      string `json:"medicationDurationUOM,omitempty"`
	MedicationPeakFlow         string `json:"medicationPeakFlow,omitempty"`
	MedicationPeakFlowUOM      string `json:"medicationPeakFlowUOM,omitempty"`
	MedicationPeakOffset       string `json:"medicationPeakOffset,omitempty"`
	MedicationPeakOffsetUOM    string `json:"medicationPeakOffsetUOM,omitempty"`
	MedicationVolume           string `json:"medicationVolume,omitempty"`
	MedicationVolumeUOM        string `json:"medicationVolumeUOM,omitempty"`
	MedicationEventDuration    string `json:"medicationEventDuration,omitempty"`
	MedicationEventDurationUOM string `json:"medicationEventDurationUOM,omitempty"`
	DoseID                     string `json:"doseID,omitempty"`
	CartridgeID                string `json:"cartridgeID,omitempty"`
	DrugID                     string `json:"drugID,omitempty"`
	UpperThresholdOffset       string `json:"upperThresholdOffset,omitempty"`
	UpperThresholdOffsetUOM    string `json:"upperThresholdOffsetUOM,omitempty"`
	UpperThresholdDuration     string `json:"upperThresholdDuration,omitempty"`
	UpperThresholdDurationUOM  string `json:"upperThresholdDurationUOM,omitempty"`
	IsInvalidMedication        string `json:"isInvalidMedication,omitempty"`
	Status                     string `json:"status,omitempty"`
	Common
}

func (*MedicationAdministration) Kind() string { return ObjectMedicationAdministration }

// PrescriptionMedicationOrder is the wire form of a prescription.
type PrescriptionMedicationOrder struct {
	DrugID          string `json:"drugID,omitempty"`
	Doses           string `json:"doses,omitempty"`
	DosesUOM        string `json:"dosesUOM,omitempty"`
	DoseQuantity    string `json:"doseQuantity,omitempty"`
	DoseQuantityUOM string `json:"doseQuantityUOM,omitempty"`
	DateWritten     string `json:"dateWritten,omitempty"`
	Common
}

func (*PrescriptionMedicationOrder) Kind() string { return ObjectPrescription }

// QuestionnaireResponse is the wire form of a daily feeling entry.
type QuestionnaireResponse struct {
	Text        string `json:"text,omitempty"`
	AnswerValue string `json:"answerValue,omitempty"`
	Date        string `json:"date,omitempty"`
	Common
}

func (*QuestionnaireResponse) Kind() string { return ObjectQuestionnaireResponse }

// Setting is one reminder inside a settings bundle. It has no envelope.
type Setting struct {
	SettingName     string `json:"settingName,omitempty"`
	SettingDataType string `json:"settingDataType,omitempty"`
	SettingValue    string `json:"settingValue,omitempty"`
	SettingStatus   string `json:"settingStatus,omitempty"`
	SettingDate     string `json:"settingDate,omitempty"`
}

// UserPreferenceSettings bundles every reminder setting into one object.
type UserPreferenceSettings struct {
	Setting []Setting `json:"setting,omitempty"`
	Common
}

func (*UserPreferenceSettings) Kind() string { return ObjectUserPreferenceSettings }

// ProfileInfo is the wire form of a user profile.
type ProfileInfo struct {
	EmailID            string `json:"emailID,omitempty"`
	Username           string `json:"username,omitempty"`
	FirstName          string `json:"firstName,omitempty"`
	LastName           string `json:"lastName,omitempty"`
	Gender             string `json:"gender,omitempty"`
	IsAdult            string `json:"isAdult,omitempty"`
	Role               string `json:"role,omitempty"`
	RelationshipStatus string `json:"relationshipStatus,omitempty"`
	AddressState       string `json:"addressState,omitempty"`
	AddressZip         string `json:"addressZip,omitempty"`
	AddressCountry     string `json:"addressCountry,omitempty"`
	DateOfBirth        string `json:"dateofBirth,omitempty"`
	Common
}

func (*ProfileInfo) Kind() string { return ObjectProfileInfo }

// ConsentInfo is the wire form of the user's consent.
type ConsentInfo struct {
	Role                       string `json:"role,omitempty"`
	Username                   string `json:"username,omitempty"`
	ProgramID                  string `json:"programID,omitempty"`
	TermsAndConditions         string `json:"termsAndConditions,omitempty"`
	PrivacyNotice              string `json:"privacyNotice,omitempty"`
	PrivacyNoticeReadIndicator string `json:"privacyNoticeReadIndicator,omitempty"`
	ConsentStartDate           string `json:"consentStartDate,omitempty"`
	ConsentEndDate             string `json:"consentEndDate,omitempty"`
	Status                     string `json:"status,omitempty"`
	AcceptIndicator            string `json:"acceptIndicator,omitempty"`
	HistoricalDataIndicator    string `json:"historicalDataIndicator,omitempty"`
	ConsentAuditableEventDate  string `json:"consentAuditableEventDate,omitempty"`
	ConsentEnabledStatus       string `json:"consentEnabledStatus,omitempty"`
	ConsentType                string `json:"consentType,omitempty"`
	Common
}

func (*ConsentInfo) Kind() string { return ObjectConsentInfo }
