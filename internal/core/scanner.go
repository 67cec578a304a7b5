package core

import (
	"context"
	"fmt"
	"time"
)

// Scanner runs read-only consistency checks over the local store.
// It reports; it never repairs.
type Scanner struct {
	store *Store
}

// NewScanner creates a new scanner.
func NewScanner(store *Store) *Scanner {
	return &Scanner{store: store}
}

// ScanResult contains scan findings.
type ScanResult struct {
	ScanTime     time.Time     `json:"scan_time"`
	OKCount      int           `json:"ok_count"`
	WarningCount int           `json:"warning_count"`
	ErrorCount   int           `json:"error_count"`
	Findings     []ScanFinding `json:"findings"`
}

// ScanFinding is an individual finding.
type ScanFinding struct {
	Severity    string `json:"severity"` // "ok", "warning", "error"
	Category    string `json:"category"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion,omitempty"`
}

func (r *ScanResult) add(f ScanFinding) {
	switch f.Severity {
	case "error":
		r.ErrorCount++
	case "warning":
		r.WarningCount++
	default:
		r.OKCount++
	}
	r.Findings = append(r.Findings, f)
}

// ScanStore checks the schema, pending uploads, the journal and references
// to unknown medications.
func (s *Scanner) ScanStore(ctx context.Context) (*ScanResult, error) {
	result := &ScanResult{ScanTime: time.Now()}
	db := s.store.DB()

	var schemaVersion string
	db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = 'schema_version'`).Scan(&schemaVersion)
	if schemaVersion == "" {
		result.add(ScanFinding{
			Severity:    "error",
			Category:    "schema",
			Description: "Missing schema version",
			Suggestion:  "Reinitialize the store with 'breathsync init'",
		})
		return result, nil
	}
	result.add(ScanFinding{Severity: "ok", Category: "schema", Description: "Schema version: " + schemaVersion})

	for _, table := range entityTables {
		var total, changed int
		err := db.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT COUNT(*), COALESCE(SUM(has_changed), 0) FROM %s`, table)).Scan(&total, &changed)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		f := ScanFinding{
			Severity:    "ok",
			Category:    table,
			Description: fmt.Sprintf("%d rows", total),
		}
		if changed > 0 {
			f.Severity = "warning"
			f.Description = fmt.Sprintf("%d rows, %d not yet uploaded", total, changed)
			f.Suggestion = "Run 'breathsync sync upload'"
		}
		result.add(f)
	}

	pending, err := s.store.Journal().GetPendingOperations(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		result.add(ScanFinding{
			Severity:    "warning",
			Category:    "journal",
			Description: fmt.Sprintf("%d pending journal entries", len(pending)),
			Suggestion:  "Run 'breathsync sync download' to merge again",
		})
	} else {
		result.add(ScanFinding{Severity: "ok", Category: "journal", Description: "No pending journal entries"})
	}

	meds, err := s.store.Medications(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(meds))
	for _, m := range meds {
		known[m.DrugUID] = true
	}

	devices, err := s.store.Devices(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if !known[d.DrugUID] {
			result.add(ScanFinding{
				Severity:    "warning",
				Category:    "devices",
				Description: fmt.Sprintf("device %s uses unknown drug %q", d.SerialNumber, d.DrugUID),
				Suggestion:  "Add the medication reference data",
			})
		}
	}

	prescriptions, err := s.store.Prescriptions(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range prescriptions {
		if !known[p.DrugUID] {
			result.add(ScanFinding{
				Severity:    "warning",
				Category:    "prescriptions",
				Description: fmt.Sprintf("prescription for unknown drug %q", p.DrugUID),
				Suggestion:  "Add the medication reference data",
			})
		}
	}

	return result, nil
}
