// Package model defines the core domain models for BreathSync.
// Entities are owned by the local store; the history and sync layers only read
// them or hand back fresh copies.
package model

import (
	"strconv"
	"strings"
	"time"
)

// Tracked holds the change-tracking state every synced entity carries.
type Tracked struct {
	ChangeTime       time.Time `json:"change_time"`
	ServerTimeOffset *int      `json:"server_time_offset,omitempty"`
	HasChanged       bool      `json:"has_changed"`
}

// TherapyType classifies a medication.
type TherapyType string

const (
	TherapyReliever   TherapyType = "reliever"
	TherapyController TherapyType = "controller"
)

// Medication is reference data describing a drug.
type Medication struct {
	DrugUID                 string      `json:"drug_uid"`
	BrandName               string      `json:"brand_name"`
	GenericName             string      `json:"generic_name"`
	TherapyType             TherapyType `json:"therapy_type"`
	MinimumDoseInterval     int         `json:"minimum_dose_interval"` // minutes
	OverdoseInhalationCount int         `json:"overdose_inhalation_count"`
	InitialDoseCount        int         `json:"initial_dose_count"`
	NearEmptyDoseCount      int         `json:"near_empty_dose_count"`
}

// IsReliever reports whether the medication is an as-needed rescue drug.
func (m *Medication) IsReliever() bool {
	return m != nil && m.TherapyType == TherapyReliever
}

// Prescription links a medication to a dosing schedule.
type Prescription struct {
	DrugUID          string      `json:"drug_uid"`
	Medication       *Medication `json:"medication,omitempty"`
	DosesPerDay      int         `json:"doses_per_day"`
	InhalesPerDose   int         `json:"inhales_per_dose"`
	PrescriptionDate time.Time   `json:"prescription_date"`
	Tracked
}

// InhalerNameType is the category part of a device nickname.
type InhalerNameType string

const (
	InhalerNameHome   InhalerNameType = "HOME"
	InhalerNameCarry  InhalerNameType = "CARRY"
	InhalerNameOther  InhalerNameType = "OTHER"
	InhalerNameCustom InhalerNameType = "CUSTOM"
)

// ParseInhalerNameType maps a (case-insensitive) name to an InhalerNameType.
func ParseInhalerNameType(s string) (InhalerNameType, bool) {
	switch InhalerNameType(strings.ToUpper(strings.TrimSpace(s))) {
	case InhalerNameHome:
		return InhalerNameHome, true
	case InhalerNameCarry:
		return InhalerNameCarry, true
	case InhalerNameOther:
		return InhalerNameOther, true
	case InhalerNameCustom:
		return InhalerNameCustom, true
	}
	return "", false
}

// Device is a paired smart inhaler.
type Device struct {
	SerialNumber       string          `json:"serial_number"`
	AuthenticationKey  string          `json:"authentication_key"`
	DrugUID            string          `json:"drug_uid"`
	Medication         *Medication     `json:"medication,omitempty"`
	ManufacturerName   string          `json:"manufacturer_name"`
	HardwareRevision   string          `json:"hardware_revision"`
	SoftwareRevision   string          `json:"software_revision"`
	LotCode            string          `json:"lot_code"`
	DateCode           string          `json:"date_code"`
	ExpirationDate     *Date           `json:"expiration_date,omitempty"`
	DoseCount          int             `json:"dose_count"`
	RemainingDoseCount int             `json:"remaining_dose_count"`
	LastRecordID       int             `json:"last_record_id"`
	LastConnection     *time.Time      `json:"last_connection,omitempty"`
	Nickname           string          `json:"nickname"`
	InhalerNameType    InhalerNameType `json:"inhaler_name_type"`
	IsActive           bool            `json:"is_active"`
	Tracked
}

// IsNearEmpty reports whether the remaining doses reached the medication's
// near-empty count. Unknown medication is never near empty.
func (d *Device) IsNearEmpty() bool {
	return d.Medication != nil && d.RemainingDoseCount <= d.Medication.NearEmptyDoseCount
}

// InhaleEvent is a raw device-sourced inhalation record.
type InhaleEvent struct {
	EventUID               int       `json:"event_uid"`
	DeviceSerialNumber     string    `json:"device_serial_number"`
	DrugUID                string    `json:"drug_uid"`
	EventTime              time.Time `json:"event_time"`
	TimezoneOffsetMinutes  int       `json:"timezone_offset_minutes"`
	InhaleEventTime        int       `json:"inhale_event_time"` // start offset, ms
	InhaleDuration         int       `json:"inhale_duration"`
	InhalePeak             int       `json:"inhale_peak"`
	InhaleTimeToPeak       int       `json:"inhale_time_to_peak"`
	InhaleVolume           int       `json:"inhale_volume"`
	Status                 int       `json:"status"`
	IsValidInhale          bool      `json:"is_valid_inhale"`
	CloseTime              int       `json:"close_time"`
	DoseID                 int       `json:"dose_id"`
	CartridgeUID           string    `json:"cartridge_uid"`
	UpperThresholdTime     int       `json:"upper_threshold_time"`
	UpperThresholdDuration int       `json:"upper_threshold_duration"`
	Tracked
}

// UniqueID identifies an event across devices.
func (e *InhaleEvent) UniqueID() string {
	return e.DeviceSerialNumber + ":" + strconv.Itoa(e.EventUID)
}

// PeakInspiratoryFlow returns the peak flow used for effort classification.
func (e *InhaleEvent) PeakInspiratoryFlow() int {
	return e.InhalePeak
}

// HasIssues reports whether the device flagged anything about the event.
func (e *InhaleEvent) HasIssues() bool {
	return e.Status != 0
}

// LocalDate returns the calendar date of the event in its own timezone offset.
func (e *InhaleEvent) LocalDate() Date {
	zone := time.FixedZone("", e.TimezoneOffsetMinutes*60)
	return DateOf(e.EventTime.In(zone))
}

// UserFeeling is the answer to the daily self assessment.
type UserFeeling int

const (
	UserFeelingGood UserFeeling = iota
	UserFeelingOK
	UserFeelingPoor
)

// DailyUserFeeling is one daily self assessment entry.
type DailyUserFeeling struct {
	Date        Date        `json:"date"`
	Time        time.Time   `json:"time"`
	UserFeeling UserFeeling `json:"user_feeling"`
	Tracked
}

// RepeatType is how often a reminder fires.
type RepeatType string

const (
	RepeatNone  RepeatType = "none"
	RepeatDaily RepeatType = "daily"
)

// ReminderSetting is a user reminder preference.
type ReminderSetting struct {
	Name       string     `json:"name"`
	IsEnabled  bool       `json:"is_enabled"`
	RepeatType RepeatType `json:"repeat_type"`
	TimeOfDay  int        `json:"time_of_day"` // seconds after midnight
	Tracked
}

// UserProfile is an account owner or dependent profile.
type UserProfile struct {
	ProfileID      string     `json:"profile_id"`
	FirstName      string     `json:"first_name"`
	LastName       string     `json:"last_name"`
	IsAccountOwner bool       `json:"is_account_owner"`
	IsActive       bool       `json:"is_active"`
	IsEmancipated  bool       `json:"is_emancipated"`
	DateOfBirth    *Date      `json:"date_of_birth,omitempty"`
	Created        *time.Time `json:"created,omitempty"`
	Tracked
}

// ConsentData records the user's acceptance of terms and privacy notice.
type ConsentData struct {
	HasConsented        bool       `json:"has_consented"`
	TermsAndConditions  string     `json:"terms_and_conditions"`
	PrivacyNotice       string     `json:"privacy_notice"`
	ConsentStartDate    *time.Time `json:"consent_start_date,omitempty"`
	ConsentEndDate      *time.Time `json:"consent_end_date,omitempty"`
	Status              string     `json:"status"`
	ConsentType         string     `json:"consent_type"`
	HistoricalDataShare bool       `json:"historical_data_share"`
}

// SyncWatermarks is the pair of instants up to which data has been synced.
type SyncWatermarks struct {
	LastInhalerSyncTime    *time.Time `json:"last_inhaler_sync_time,omitempty"`
	LastNonInhalerSyncTime *time.Time `json:"last_non_inhaler_sync_time,omitempty"`
}

// UserAccount is the persisted account record.
type UserAccount struct {
	FederationID string    `json:"federation_id"`
	Username     string    `json:"username"`
	Created      time.Time `json:"created"`
	SyncWatermarks
}
