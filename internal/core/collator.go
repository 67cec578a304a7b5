package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/breathsync/breathsync/internal/clock"
	"github.com/breathsync/breathsync/internal/model"
)

// HistorySource is the read side of the local store used by collation.
type HistorySource interface {
	InhaleEvents(ctx context.Context, from, to time.Time) ([]model.InhaleEvent, error)
	Medications(ctx context.Context) ([]model.Medication, error)
	Prescriptions(ctx context.Context) ([]model.Prescription, error)
	Feelings(ctx context.Context, from, to model.Date) (map[model.Date]model.DailyUserFeeling, error)
	ConnectedInhalerCounts(ctx context.Context, from, to model.Date) (map[model.Date]int, error)
}

// HistoryProvider returns one HistoryDay per date in a range.
type HistoryProvider interface {
	GetHistory(ctx context.Context, start, end model.Date) ([]model.HistoryDay, error)
}

// Collator merges inhale events, prescriptions, feelings and connection
// records into per-day history. It holds no state between calls.
type Collator struct {
	source HistorySource
	clock  clock.TimeService
	logger *zap.Logger
}

// NewCollator creates a collation engine over source.
func NewCollator(source HistorySource, clk clock.TimeService, logger *zap.Logger) *Collator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collator{source: source, clock: clk, logger: logger}
}

// GetHistory returns the history for start..end inclusive, ascending by date.
// Reversed endpoints are swapped.
func (c *Collator) GetHistory(ctx context.Context, start, end model.Date) ([]model.HistoryDay, error) {
	if start.After(end) {
		start, end = end, start
	}
	loc := c.clock.Now().Location()

	// Event dates are taken in each event's own offset, so query one day
	// wider on each side and drop what falls outside afterwards.
	events, err := c.source.InhaleEvents(ctx, start.AddDays(-1).In(loc), end.AddDays(2).In(loc))
	if err != nil {
		return nil, fmt.Errorf("failed to load inhale events: %w", err)
	}
	medications, err := c.source.Medications(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load medications: %w", err)
	}
	prescriptions, err := c.source.Prescriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load prescriptions: %w", err)
	}
	feelings, err := c.source.Feelings(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load feelings: %w", err)
	}
	connections, err := c.source.ConnectedInhalerCounts(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load connections: %w", err)
	}

	dates := model.DateRange(start, end)
	days := make(map[model.Date]*model.HistoryDay, len(dates))
	for _, d := range dates {
		day := model.NewHistoryDay(d)
		days[d] = &day
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].EventTime.Before(events[j].EventTime)
	})

	byDrug := make(map[string]*model.Medication, len(medications))
	for i := range medications {
		med := &medications[i]
		byDrug[med.DrugUID] = med
		// Controller doses are not collated.
		if !med.IsReliever() {
			continue
		}
		collateReliever(med, events, days)
	}

	attachPrescriptions(days, prescriptions, byDrug, loc)

	result := make([]model.HistoryDay, 0, len(dates))
	for _, d := range dates {
		day := days[d]
		if f, ok := feelings[d]; ok {
			feeling := f
			day.DailyUserFeeling = &feeling
		}
		day.ConnectedInhalerCount = connections[d]
		day.PIF = averagePIF(day.RelieverDoses)
		result = append(result, *day)
	}

	c.logger.Debug("collated history",
		zap.String("start", start.String()),
		zap.String("end", end.String()),
		zap.Int("events", len(events)))

	return result, nil
}

// collateReliever walks the medication's events in time order. Events dated
// outside the range are skipped and do not count for the too-soon check.
func collateReliever(med *model.Medication, events []model.InhaleEvent, days map[model.Date]*model.HistoryDay) {
	var last *model.InhaleEvent

	for i := range events {
		event := events[i]
		if event.DrugUID != med.DrugUID {
			continue
		}
		day, ok := days[event.LocalDate()]
		if !ok {
			continue
		}

		dose := model.HistoryDose{
			DrugUID:    med.DrugUID,
			Events:     []model.InhaleEvent{event},
			IsReliever: true,
			HasIssues:  event.HasIssues(),
		}

		switch effort := event.InhalationEffort(); {
		case effort.IsAcceptable():
			if last != nil {
				interval := int(event.EventTime.Sub(last.EventTime) / time.Minute)
				dose.IsTooSoon = interval < med.MinimumDoseInterval
			}
			day.RelieverDoses = append(day.RelieverDoses, dose)
			last = &event
		case effort == model.EffortSystemError:
			day.SystemErrorDoses = append(day.SystemErrorDoses, dose)
		default:
			day.InvalidDoses = append(day.InvalidDoses, dose)
		}
	}
}

// attachPrescriptions gives each day the prescriptions dated strictly before
// it, newest first. A day with none gets every prescription.
func attachPrescriptions(days map[model.Date]*model.HistoryDay, prescriptions []model.Prescription, byDrug map[string]*model.Medication, loc *time.Location) {
	resolved := make([]model.Prescription, 0, len(prescriptions))
	for _, p := range prescriptions {
		if med, ok := byDrug[p.DrugUID]; ok {
			m := *med
			p.Medication = &m
		}
		resolved = append(resolved, p)
	}
	sort.SliceStable(resolved, func(i, j int) bool {
		return resolved[i].PrescriptionDate.After(resolved[j].PrescriptionDate)
	})

	for d, day := range days {
		applicable := make([]model.Prescription, 0, len(resolved))
		for _, p := range resolved {
			if model.DateOf(p.PrescriptionDate.In(loc)).Before(d) {
				applicable = append(applicable, p)
			}
		}
		if len(applicable) == 0 {
			applicable = append(applicable, resolved...)
		}
		day.Prescriptions = applicable
	}
}

func averagePIF(doses []model.HistoryDose) *int {
	total, count := 0, 0
	for _, dose := range doses {
		for i := range dose.Events {
			total += dose.Events[i].PeakInspiratoryFlow()
			count++
		}
	}
	if count == 0 {
		return nil
	}
	avg := total / count
	return &avg
}
