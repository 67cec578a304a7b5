package model

// Inhale status bit flags reported by the device.
const (
	InhaleStatusTimeout              = 1 << 0
	InhaleStatusBadData              = 1 << 1
	InhaleStatusMultipleInhalations  = 1 << 2
	InhaleStatusUnexpectedExhalation = 1 << 3
	InhaleStatusTimestampError       = 1 << 4
	InhaleStatusNoInhalation         = 1 << 5
	InhaleStatusInhaleParameterError = 1 << 6
	inhaleStatusSystemErrors         = InhaleStatusBadData | InhaleStatusTimestampError | InhaleStatusInhaleParameterError
)

// Peak inspiratory flow thresholds used to grade a valid inhalation.
const (
	HighInhalationThreshold = 2000
	LowInhalationThreshold  = 450
	NoInhalationThreshold   = 300
)

// InhalationEffort grades a single inhale event.
type InhalationEffort int

const (
	EffortGoodInhalation InhalationEffort = iota
	EffortLowInhalation
	EffortNoInhalation
	EffortExhalation
	EffortSystemError
	EffortError
)

var effortNames = map[InhalationEffort]string{
	EffortGoodInhalation: "GOOD_INHALATION",
	EffortLowInhalation:  "LOW_INHALATION",
	EffortNoInhalation:   "NO_INHALATION",
	EffortExhalation:     "EXHALATION",
	EffortSystemError:    "SYSTEM_ERROR",
	EffortError:          "ERROR",
}

func (e InhalationEffort) String() string {
	if name, ok := effortNames[e]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsAcceptable reports whether the inhalation counts as a taken dose.
func (e InhalationEffort) IsAcceptable() bool {
	return e == EffortGoodInhalation || e == EffortLowInhalation
}

// HasSystemErrors reports whether the status carries a device system error.
func HasSystemErrors(status int) bool {
	return status&inhaleStatusSystemErrors != 0
}

// InhalationEffort classifies the event from its validity, status flags and peak flow.
func (e *InhaleEvent) InhalationEffort() InhalationEffort {
	if !e.IsValidInhale {
		switch {
		case e.Status&InhaleStatusUnexpectedExhalation != 0:
			return EffortExhalation
		case HasSystemErrors(e.Status):
			return EffortSystemError
		default:
			return EffortNoInhalation
		}
	}

	pif := e.PeakInspiratoryFlow()
	switch {
	case pif < NoInhalationThreshold:
		return EffortNoInhalation
	case pif <= LowInhalationThreshold:
		return EffortLowInhalation
	case pif <= HighInhalationThreshold:
		return EffortGoodInhalation
	default:
		return EffortError
	}
}
