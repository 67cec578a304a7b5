// Package dhp implements the wire format of the remote health data platform:
// the string-typed objects exchanged with it, the conversions between those
// objects and local entities, the API catalogue and response parsing.
//
// INVARIANTS:
//   - Blank local strings go out as "Unknown" and "Unknown" comes back as "".
//   - Absent numeric fields parse as 0.
//   - Timestamps are rendered in GMT; the zone offset travels separately.
//   - FromWire conversions never fail. A nil or false result means "skip this record".
package dhp

import "time"

// Unknown is the sentinel sent for blank string fields.
const Unknown = "Unknown"

// Object names used as the objectName discriminator.
const (
	ObjectMedicalDeviceInfo        = "medical_device_info"
	ObjectMedicationAdministration = "medication_administration"
	ObjectPrescription             = "prescription_medication_order"
	ObjectQuestionnaireResponse    = "questionnaire_response"
	ObjectUserPreferenceSettings   = "user_preference_settings"
	ObjectSetting                  = "setting"
	ObjectProfileInfo              = "profile_info"
	ObjectConsentInfo              = "consent_info"
	ObjectDataSynch                = "dataSynch"
)

// Data entry classification.
const (
	ClassificationManual    = "manual"
	ClassificationAutomated = "automated"
)

// API execution modes.
const (
	ExecutionSynchronous  = "synchronous"
	ExecutionAsynchronous = "asynchronous"
)

// Roles.
const (
	RolePatient  = "patient"
	RoleGuardian = "guardian"
)

// Drug identifiers known to the platform.
const (
	DrugUIDProAir = "745750"
	DrugUIDFP     = "745752"
)

// Device descriptors sent with every medical_device_info.
const (
	DeviceClassificationSmartInhaler = "Smart Inhaler"
	DeviceTypeMDI                    = "mdi"
	DeviceTechnologyProAirDigihaler  = "ProAir Digihaler"
	DeviceNameProAirDigihaler        = "ProAir HFA Digihaler"
	DeviceStatusActive               = "1"
	DeviceStatusDeleted              = "0"
)

// Units of measure.
const (
	UOMMilliliter          = "ml"
	UOMSeconds             = "seconds"
	UOMMilliliterPerMinute = "ml/minute"
	UOMMilliseconds        = "milliseconds"
	UOMUnit                = "unit"
)

// FeelingQuestionnaireText tags questionnaire responses that carry the daily feeling.
const FeelingQuestionnaireText = "dailyFeeling"

// Setting value types.
const SettingDataTypeBoolean = "boolean"

// Response codes.
const (
	ResponseCodeSuccess = "Success"
	DocumentStatusOK    = "Success"
	RetrievalTypeSync   = "DataSyncRetrieval"
	AdditionalDataTrue  = "TRUE"
)

// Consent values.
const (
	ConsentTypeCloud      = "cloudConsent"
	ConsentStatusActive   = "Active"
	ConsentStatusInactive = "Inactive"
)

// UnknownServerTimeOffset is stored when the server time offset can never be determined.
const UnknownServerTimeOffset = 999999999

// UnknownServerTimeOffsetString is its wire form.
const UnknownServerTimeOffsetString = "unknown"

// SourceTimeSkew is applied to the clock before deriving the source time zone,
// so a client slightly ahead of the server is not rejected.
const SourceTimeSkew = -2 * time.Second

// MinConnectionDate is sent for devices that never connected.
const MinConnectionDate = "2016-01-01T00:00:00"

// DefaultExpirationYears is used for devices without an expiration date.
const DefaultExpirationYears = 10
