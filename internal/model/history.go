package model

// RelieverUsage buckets the number of reliever inhalations in a day.
type RelieverUsage string

const (
	RelieverUsageNone   RelieverUsage = "none"
	RelieverUsageNormal RelieverUsage = "normal"
	RelieverUsageHigh   RelieverUsage = "high"
)

// HighRelieverUsageCount is the inhalation count at which usage is HIGH.
const HighRelieverUsageCount = 5

// RelieverUsageFromCount maps an inhalation count to a usage level.
func RelieverUsageFromCount(count int) RelieverUsage {
	switch {
	case count <= 0:
		return RelieverUsageNone
	case count < HighRelieverUsageCount:
		return RelieverUsageNormal
	default:
		return RelieverUsageHigh
	}
}

// HistoryDose groups the raw events that make up one dose of one drug.
type HistoryDose struct {
	DrugUID    string        `json:"drug_uid"`
	Events     []InhaleEvent `json:"events"`
	IsReliever bool          `json:"is_reliever"`
	HasIssues  bool          `json:"has_issues"`
	IsTooSoon  bool          `json:"is_too_soon"`
}

// HistoryDay is the aggregate for one calendar date.
type HistoryDay struct {
	Day                   Date              `json:"day"`
	DailyUserFeeling      *DailyUserFeeling `json:"daily_user_feeling,omitempty"`
	PIF                   *int              `json:"pif,omitempty"`
	RelieverDoses         []HistoryDose     `json:"reliever_doses"`
	InvalidDoses          []HistoryDose     `json:"invalid_doses"`
	SystemErrorDoses      []HistoryDose     `json:"system_error_doses"`
	Prescriptions         []Prescription    `json:"prescriptions"`
	ConnectedInhalerCount int               `json:"connected_inhaler_count"`
}

// NewHistoryDay returns an empty aggregate for day.
func NewHistoryDay(day Date) HistoryDay {
	return HistoryDay{
		Day:              day,
		RelieverDoses:    []HistoryDose{},
		InvalidDoses:     []HistoryDose{},
		SystemErrorDoses: []HistoryDose{},
		Prescriptions:    []Prescription{},
	}
}

// RelieverEventCount counts raw events across the reliever doses.
func (h *HistoryDay) RelieverEventCount() int {
	n := 0
	for _, dose := range h.RelieverDoses {
		n += len(dose.Events)
	}
	return n
}

// RelieverUsage counts reliever events plus invalid events that are not system errors.
func (h *HistoryDay) RelieverUsage() RelieverUsage {
	count := h.RelieverEventCount()
	for _, dose := range h.InvalidDoses {
		for i := range dose.Events {
			if dose.Events[i].InhalationEffort() != EffortSystemError {
				count++
			}
		}
	}
	return RelieverUsageFromCount(count)
}

// IsOverdose reports whether the reliever inhalations reached the overdose
// count of the first applicable prescription's medication.
func (h *HistoryDay) IsOverdose() bool {
	if len(h.Prescriptions) == 0 {
		return false
	}
	med := h.Prescriptions[0].Medication
	if med == nil || med.OverdoseInhalationCount <= 0 {
		return false
	}
	return h.RelieverEventCount() >= med.OverdoseInhalationCount
}

// TooSoonCount counts reliever doses taken inside the minimum dose interval.
func (h *HistoryDay) TooSoonCount() int {
	n := 0
	for _, dose := range h.RelieverDoses {
		if dose.IsTooSoon {
			n++
		}
	}
	return n
}
