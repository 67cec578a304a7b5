package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/breathsync/breathsync/internal/model"
)

// MedicationSource resolves medications by drug id.
type MedicationSource interface {
	MedicationByDrugUID(drugUID string) *model.Medication
}

// Explainer tells why each dose of a day was classified the way it was.
// Read-only.
type Explainer struct {
	history HistoryProvider
	meds    MedicationSource
}

// NewExplainer creates a new explainer.
func NewExplainer(history HistoryProvider, meds MedicationSource) *Explainer {
	return &Explainer{history: history, meds: meds}
}

// Dose categories.
const (
	DoseCategoryReliever    = "reliever"
	DoseCategoryInvalid     = "invalid"
	DoseCategorySystemError = "system_error"
)

// DoseExplanation describes one dose.
type DoseExplanation struct {
	Time      time.Time
	DrugUID   string
	Brand     string
	Category  string
	Effort    string
	PIF       int
	TooSoon   bool
	HasIssues bool
	Reasons   []string
}

// DayExplanation describes one day of history.
type DayExplanation struct {
	Day                   model.Date
	RelieverUsage         model.RelieverUsage
	Overdose              bool
	OverdoseThreshold     int
	PIF                   *int
	ConnectedInhalerCount int
	Feeling               *model.UserFeeling
	Prescriptions         []string
	Doses                 []DoseExplanation
}

// ExplainDay returns the explanation for day.
func (e *Explainer) ExplainDay(ctx context.Context, day model.Date) (*DayExplanation, error) {
	days, err := e.history.GetHistory(ctx, day, day)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	if len(days) == 0 {
		return nil, fmt.Errorf("no history for %s", day)
	}
	h := days[0]

	exp := &DayExplanation{
		Day:                   h.Day,
		RelieverUsage:         h.RelieverUsage(),
		Overdose:              h.IsOverdose(),
		PIF:                   h.PIF,
		ConnectedInhalerCount: h.ConnectedInhalerCount,
	}
	if h.DailyUserFeeling != nil {
		f := h.DailyUserFeeling.UserFeeling
		exp.Feeling = &f
	}
	for _, p := range h.Prescriptions {
		name := p.DrugUID
		if p.Medication != nil && p.Medication.BrandName != "" {
			name = p.Medication.BrandName
		}
		exp.Prescriptions = append(exp.Prescriptions,
			fmt.Sprintf("%s since %s", name, model.DateOf(p.PrescriptionDate)))
	}
	if len(h.Prescriptions) > 0 && h.Prescriptions[0].Medication != nil {
		exp.OverdoseThreshold = h.Prescriptions[0].Medication.OverdoseInhalationCount
	}

	for _, dose := range h.RelieverDoses {
		exp.Doses = append(exp.Doses, e.explainDose(dose, DoseCategoryReliever))
	}
	for _, dose := range h.InvalidDoses {
		exp.Doses = append(exp.Doses, e.explainDose(dose, DoseCategoryInvalid))
	}
	for _, dose := range h.SystemErrorDoses {
		exp.Doses = append(exp.Doses, e.explainDose(dose, DoseCategorySystemError))
	}
	sort.SliceStable(exp.Doses, func(i, j int) bool {
		return exp.Doses[i].Time.Before(exp.Doses[j].Time)
	})

	return exp, nil
}

func (e *Explainer) explainDose(dose model.HistoryDose, category string) DoseExplanation {
	out := DoseExplanation{
		DrugUID:   dose.DrugUID,
		Category:  category,
		TooSoon:   dose.IsTooSoon,
		HasIssues: dose.HasIssues,
	}
	med := e.meds.MedicationByDrugUID(dose.DrugUID)
	if med != nil {
		out.Brand = med.BrandName
	}

	if len(dose.Events) > 0 {
		ev := dose.Events[0]
		out.Time = ev.EventTime.In(time.FixedZone("", ev.TimezoneOffsetMinutes*60))
		out.Effort = ev.InhalationEffort().String()
		out.PIF = ev.PeakInspiratoryFlow()
		out.Reasons = statusReasons(ev.Status)
		if !ev.IsValidInhale {
			out.Reasons = append(out.Reasons, "device marked the inhale invalid")
		}
	}

	switch category {
	case DoseCategoryReliever:
		if dose.IsTooSoon && med != nil {
			out.Reasons = append(out.Reasons,
				fmt.Sprintf("taken within %d minutes of the previous dose", med.MinimumDoseInterval))
		}
	case DoseCategoryInvalid:
		out.Reasons = append(out.Reasons, fmt.Sprintf("effort %s is not an acceptable inhalation", out.Effort))
	case DoseCategorySystemError:
		out.Reasons = append(out.Reasons, "device reported a system error")
	}
	return out
}

var statusFlagNames = []struct {
	flag int
	name string
}{
	{model.InhaleStatusTimeout, "timeout"},
	{model.InhaleStatusBadData, "bad data"},
	{model.InhaleStatusMultipleInhalations, "multiple inhalations"},
	{model.InhaleStatusUnexpectedExhalation, "unexpected exhalation"},
	{model.InhaleStatusTimestampError, "timestamp error"},
	{model.InhaleStatusNoInhalation, "no inhalation"},
	{model.InhaleStatusInhaleParameterError, "inhale parameter error"},
}

func statusReasons(status int) []string {
	var reasons []string
	for _, f := range statusFlagNames {
		if status&f.flag != 0 {
			reasons = append(reasons, "status: "+f.name)
		}
	}
	return reasons
}
