package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/breathsync/breathsync/internal/model"
)

// ErrNotFound is returned when a keyed lookup has no row.
var ErrNotFound = errors.New("not found")

// Entity tables share one layout: a string key, a sort key used for range
// queries, the change tracking columns and the JSON encoded entity.
const (
	tableMedications   = "medications"
	tablePrescriptions = "prescriptions"
	tableDevices       = "devices"
	tableInhaleEvents  = "inhale_events"
	tableFeelings      = "daily_feelings"
	tableSettings      = "reminder_settings"
	tableProfiles      = "profiles"
	tableConsent       = "consent"
)

var entityTables = []string{
	tableMedications, tablePrescriptions, tableDevices, tableInhaleEvents,
	tableFeelings, tableSettings, tableProfiles, tableConsent,
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store is the encrypted local store of synced entities.
// It is the SOURCE OF TRUTH for everything the history and sync layers read.
type Store struct {
	db      *sql.DB
	mu      sync.RWMutex
	journal *JournalManager
}

// NewStore creates a store on an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, journal: NewJournalManager(db)}
}

// Journal returns the store's journal.
func (s *Store) Journal() *JournalManager {
	return s.journal
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Initialize creates the schema if it doesn't exist.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range entityTables {
		schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id              TEXT PRIMARY KEY,
    sort_key        INTEGER NOT NULL DEFAULT 0,
    change_time     INTEGER NOT NULL DEFAULT 0,
    has_changed     INTEGER NOT NULL DEFAULT 0,
    data            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_sort ON %[1]s(sort_key);
CREATE INDEX IF NOT EXISTS idx_%[1]s_changed ON %[1]s(has_changed, change_time);
`, table)
		if _, err := s.db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", table, err)
		}
	}

	schema := `
-- Devices seen per calendar day
CREATE TABLE IF NOT EXISTS device_connections (
    serial_number   TEXT NOT NULL,
    day             INTEGER NOT NULL,
    PRIMARY KEY (serial_number, day)
);

-- Write-ahead journal
CREATE TABLE IF NOT EXISTS journal (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    operation_id    TEXT NOT NULL UNIQUE,
    operation_type  TEXT NOT NULL,
    payload         TEXT NOT NULL,
    state           TEXT NOT NULL DEFAULT 'pending'
                    CHECK(state IN ('pending', 'committed', 'synced', 'rolled_back')),
    error           TEXT,
    created_at      TEXT NOT NULL DEFAULT (datetime('now')),
    completed_at    TEXT
);
CREATE INDEX IF NOT EXISTS idx_journal_state ON journal(state);

-- Store metadata
CREATE TABLE IF NOT EXISTS store_meta (
    key             TEXT PRIMARY KEY,
    value           TEXT NOT NULL
);

INSERT OR IGNORE INTO store_meta (key, value) VALUES
    ('schema_version', '1.0'),
    ('created_at', datetime('now'));
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func dateKey(d model.Date) int64 {
	return int64(d.Year*10000 + int(d.Month)*100 + d.Day)
}

func dateFromKey(k int64) model.Date {
	return model.NewDate(int(k/10000), time.Month(k/100%100), int(k%100))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// put inserts or replaces one entity. With onlyUnchanged set, an existing row
// is replaced only when it carries no local change and the incoming copy is
// newer: later event time for inhale events, later change time otherwise.
func put(ctx context.Context, ex execer, table, id string, sortKey int64, tracked *model.Tracked, v any, onlyUnchanged bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", table, id, err)
	}

	var changeTime int64
	var hasChanged bool
	if tracked != nil {
		changeTime = millis(tracked.ChangeTime)
		hasChanged = tracked.HasChanged
	}

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (id, sort_key, change_time, has_changed, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sort_key = excluded.sort_key,
			change_time = excluded.change_time,
			has_changed = excluded.has_changed,
			data = excluded.data
	`, table)
	if onlyUnchanged {
		version := "change_time"
		if table == tableInhaleEvents {
			version = "sort_key"
		}
		query += fmt.Sprintf(" WHERE %[1]s.has_changed = 0 AND excluded.%[2]s > %[1]s.%[2]s", table, version)
	}

	if _, err := ex.ExecContext(ctx, query, id, sortKey, changeTime, boolInt(hasChanged), string(data)); err != nil {
		return fmt.Errorf("failed to save %s %s: %w", table, id, err)
	}
	return nil
}

func (s *Store) rows(ctx context.Context, table, where string, args ...any) ([][]byte, error) {
	query := fmt.Sprintf("SELECT data FROM %s", table)
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY sort_key ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", table, err)
		}
		out = append(out, []byte(data))
	}
	return out, rows.Err()
}

func decodeAll[T any](table string, raw [][]byte) ([]T, error) {
	out := make([]T, 0, len(raw))
	for _, data := range raw {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", table, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func list[T any](ctx context.Context, s *Store, table, where string, args ...any) ([]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := s.rows(ctx, table, where, args...)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](table, raw)
}

// --- Medications ---

// SaveMedication stores reference medication data.
func (s *Store) SaveMedication(ctx context.Context, m *model.Medication) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(ctx, s.db, tableMedications, m.DrugUID, 0, nil, m, false)
}

// Medications returns all known medications.
func (s *Store) Medications(ctx context.Context) ([]model.Medication, error) {
	return list[model.Medication](ctx, s, tableMedications, "")
}

// MedicationByDrugUID returns the medication or nil when it is unknown.
func (s *Store) MedicationByDrugUID(drugUID string) *model.Medication {
	meds, err := list[model.Medication](context.Background(), s, tableMedications, "id = ?", drugUID)
	if err != nil || len(meds) == 0 {
		return nil
	}
	return &meds[0]
}

// --- Prescriptions ---

func prescriptionID(p *model.Prescription) string {
	return p.DrugUID + "|" + strconv.FormatInt(millis(p.PrescriptionDate), 10)
}

func putPrescription(ctx context.Context, ex execer, p *model.Prescription, onlyUnchanged bool) error {
	return put(ctx, ex, tablePrescriptions, prescriptionID(p), millis(p.PrescriptionDate), &p.Tracked, p, onlyUnchanged)
}

// SavePrescription stores a prescription.
func (s *Store) SavePrescription(ctx context.Context, p *model.Prescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putPrescription(ctx, s.db, p, false)
}

// Prescriptions returns every prescription ordered by prescription date.
func (s *Store) Prescriptions(ctx context.Context) ([]model.Prescription, error) {
	return list[model.Prescription](ctx, s, tablePrescriptions, "")
}

// EarliestPrescriptionDate returns the oldest prescription date, if any.
func (s *Store) EarliestPrescriptionDate(ctx context.Context) (*time.Time, error) {
	return s.earliest(ctx, tablePrescriptions)
}

// --- Devices ---

func putDevice(ctx context.Context, ex execer, d *model.Device, onlyUnchanged bool) error {
	return put(ctx, ex, tableDevices, d.SerialNumber, 0, &d.Tracked, d, onlyUnchanged)
}

// SaveDevice stores a device.
func (s *Store) SaveDevice(ctx context.Context, d *model.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putDevice(ctx, s.db, d, false)
}

// Devices returns every device.
func (s *Store) Devices(ctx context.Context) ([]model.Device, error) {
	return list[model.Device](ctx, s, tableDevices, "")
}

// Device returns one device by serial number.
func (s *Store) Device(ctx context.Context, serial string) (*model.Device, error) {
	devices, err := list[model.Device](ctx, s, tableDevices, "id = ?", serial)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("device %s: %w", serial, ErrNotFound)
	}
	return &devices[0], nil
}

// --- Inhale events ---

func putInhaleEvent(ctx context.Context, ex execer, e *model.InhaleEvent, onlyUnchanged bool) error {
	return put(ctx, ex, tableInhaleEvents, e.UniqueID(), millis(e.EventTime), &e.Tracked, e, onlyUnchanged)
}

// SaveInhaleEvent stores an inhale event.
func (s *Store) SaveInhaleEvent(ctx context.Context, e *model.InhaleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putInhaleEvent(ctx, s.db, e, false)
}

// InhaleEvents returns events with from <= event time < to, oldest first.
func (s *Store) InhaleEvents(ctx context.Context, from, to time.Time) ([]model.InhaleEvent, error) {
	return list[model.InhaleEvent](ctx, s, tableInhaleEvents, "sort_key >= ? AND sort_key < ?", from.UnixMilli(), to.UnixMilli())
}

// EarliestInhaleEventTime returns the oldest event time, if any.
func (s *Store) EarliestInhaleEventTime(ctx context.Context) (*time.Time, error) {
	return s.earliest(ctx, tableInhaleEvents)
}

func (s *Store) earliest(ctx context.Context, table string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ms sql.NullInt64
	query := fmt.Sprintf("SELECT MIN(sort_key) FROM %s", table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&ms); err != nil {
		return nil, fmt.Errorf("failed to query earliest %s: %w", table, err)
	}
	if !ms.Valid {
		return nil, nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t, nil
}

// --- Daily user feelings ---

func putFeeling(ctx context.Context, ex execer, f *model.DailyUserFeeling, onlyUnchanged bool) error {
	return put(ctx, ex, tableFeelings, f.Date.String(), dateKey(f.Date), &f.Tracked, f, onlyUnchanged)
}

// SaveFeeling stores the feeling entry for its date, replacing any earlier one.
func (s *Store) SaveFeeling(ctx context.Context, f *model.DailyUserFeeling) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putFeeling(ctx, s.db, f, false)
}

// Feelings returns the feeling entries between from and to inclusive, keyed by date.
func (s *Store) Feelings(ctx context.Context, from, to model.Date) (map[model.Date]model.DailyUserFeeling, error) {
	feelings, err := list[model.DailyUserFeeling](ctx, s, tableFeelings, "sort_key BETWEEN ? AND ?", dateKey(from), dateKey(to))
	if err != nil {
		return nil, err
	}
	out := make(map[model.Date]model.DailyUserFeeling, len(feelings))
	for _, f := range feelings {
		out[f.Date] = f
	}
	return out, nil
}

// --- Reminder settings ---

func putSetting(ctx context.Context, ex execer, rs *model.ReminderSetting, onlyUnchanged bool) error {
	return put(ctx, ex, tableSettings, rs.Name, 0, &rs.Tracked, rs, onlyUnchanged)
}

// SaveSetting stores a reminder setting.
func (s *Store) SaveSetting(ctx context.Context, rs *model.ReminderSetting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putSetting(ctx, s.db, rs, false)
}

// Settings returns every reminder setting.
func (s *Store) Settings(ctx context.Context) ([]model.ReminderSetting, error) {
	return list[model.ReminderSetting](ctx, s, tableSettings, "")
}

// --- Profiles ---

func putProfile(ctx context.Context, ex execer, p *model.UserProfile, onlyUnchanged bool) error {
	return put(ctx, ex, tableProfiles, p.ProfileID, 0, &p.Tracked, p, onlyUnchanged)
}

// SaveProfile stores a profile.
func (s *Store) SaveProfile(ctx context.Context, p *model.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putProfile(ctx, s.db, p, false)
}

// Profiles returns every profile.
func (s *Store) Profiles(ctx context.Context) ([]model.UserProfile, error) {
	return list[model.UserProfile](ctx, s, tableProfiles, "")
}

// --- Consent ---

// SaveConsent stores the consent record.
func (s *Store) SaveConsent(ctx context.Context, c *model.ConsentData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(ctx, s.db, tableConsent, "consent", 0, nil, c, false)
}

// Consent returns the consent record or ErrNotFound.
func (s *Store) Consent(ctx context.Context) (*model.ConsentData, error) {
	consents, err := list[model.ConsentData](ctx, s, tableConsent, "")
	if err != nil {
		return nil, err
	}
	if len(consents) == 0 {
		return nil, fmt.Errorf("consent: %w", ErrNotFound)
	}
	return &consents[0], nil
}

// --- Connections ---

// RecordConnection notes that a device connected on day.
func (s *Store) RecordConnection(ctx context.Context, serial string, day model.Date) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO device_connections (serial_number, day) VALUES (?, ?)
	`, serial, dateKey(day))
	if err != nil {
		return fmt.Errorf("failed to record connection: %w", err)
	}
	return nil
}

// ConnectedInhalerCounts returns the number of distinct devices seen per day.
func (s *Store) ConnectedInhalerCounts(ctx context.Context, from, to model.Date) (map[model.Date]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT day, COUNT(*) FROM device_connections
		WHERE day BETWEEN ? AND ?
		GROUP BY day
	`, dateKey(from), dateKey(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	out := make(map[model.Date]int)
	for rows.Next() {
		var day int64
		var count int
		if err := rows.Scan(&day, &count); err != nil {
			return nil, fmt.Errorf("failed to scan connection count: %w", err)
		}
		out[dateFromKey(day)] = count
	}
	return out, rows.Err()
}

// --- Sync support ---

// ChangedObjects gathers every locally changed entity whose change time is
// not after notAfter.
func (s *Store) ChangedObjects(ctx context.Context, notAfter time.Time) (*model.CloudObjectContainer, error) {
	where := "has_changed = 1 AND change_time <= ?"
	limit := notAfter.UnixMilli()
	c := &model.CloudObjectContainer{}

	var err error
	if c.Prescriptions, err = list[model.Prescription](ctx, s, tablePrescriptions, where, limit); err != nil {
		return nil, err
	}
	if c.Devices, err = list[model.Device](ctx, s, tableDevices, where, limit); err != nil {
		return nil, err
	}
	if c.InhaleEvents, err = list[model.InhaleEvent](ctx, s, tableInhaleEvents, where, limit); err != nil {
		return nil, err
	}
	if c.DSAs, err = list[model.DailyUserFeeling](ctx, s, tableFeelings, where, limit); err != nil {
		return nil, err
	}
	if c.Settings, err = list[model.ReminderSetting](ctx, s, tableSettings, where, limit); err != nil {
		return nil, err
	}
	if c.Profiles, err = list[model.UserProfile](ctx, s, tableProfiles, where, limit); err != nil {
		return nil, err
	}
	return c, nil
}

// SetChanged rewrites every entity of c with the given change flag.
func (s *Store) SetChanged(ctx context.Context, c *model.CloudObjectContainer, changed bool) error {
	return s.apply(ctx, "set_changed", c, func(t *model.Tracked) { t.HasChanged = changed }, false)
}

// Merge writes downloaded entities inside one journaled transaction. Rows
// with a pending local change are kept; they win on the next upload. Other
// existing rows are only replaced by a newer cloud copy.
func (s *Store) Merge(ctx context.Context, c *model.CloudObjectContainer) error {
	return s.apply(ctx, "merge_download", c, func(t *model.Tracked) { t.HasChanged = false }, true)
}

func (s *Store) apply(ctx context.Context, opType string, c *model.CloudObjectContainer, mark func(*model.Tracked), onlyUnchanged bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	opID, err := s.journal.BeginOperation(ctx, opType, c.ObjectCountString())
	if err != nil {
		return err
	}

	err = s.applyTx(ctx, c, mark, onlyUnchanged)
	if err != nil {
		s.journal.RollbackOperation(ctx, opID, err.Error())
		return err
	}

	if err := s.journal.CommitOperation(ctx, opID); err != nil {
		return err
	}
	return s.journal.SyncOperation(ctx, opID)
}

func (s *Store) applyTx(ctx context.Context, c *model.CloudObjectContainer, mark func(*model.Tracked), onlyUnchanged bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range c.Prescriptions {
		p := c.Prescriptions[i]
		mark(&p.Tracked)
		if err := putPrescription(ctx, tx, &p, onlyUnchanged); err != nil {
			return err
		}
	}
	for i := range c.Devices {
		d := c.Devices[i]
		mark(&d.Tracked)
		if err := putDevice(ctx, tx, &d, onlyUnchanged); err != nil {
			return err
		}
	}
	for i := range c.InhaleEvents {
		e := c.InhaleEvents[i]
		mark(&e.Tracked)
		if err := putInhaleEvent(ctx, tx, &e, onlyUnchanged); err != nil {
			return err
		}
	}
	for i := range c.DSAs {
		f := c.DSAs[i]
		mark(&f.Tracked)
		if err := putFeeling(ctx, tx, &f, onlyUnchanged); err != nil {
			return err
		}
	}
	for i := range c.Settings {
		rs := c.Settings[i]
		mark(&rs.Tracked)
		if err := putSetting(ctx, tx, &rs, onlyUnchanged); err != nil {
			return err
		}
	}
	for i := range c.Profiles {
		p := c.Profiles[i]
		mark(&p.Tracked)
		if err := putProfile(ctx, tx, &p, onlyUnchanged); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// --- JournalManager ---

// JournalEntry is one journaled operation.
type JournalEntry struct {
	ID            int64
	OperationID   string
	OperationType string
	Payload       string
	State         string
	CreatedAt     time.Time
}

// JournalManager manages the write-ahead journal for crash safety.
type JournalManager struct {
	db *sql.DB
	mu sync.Mutex
}

// NewJournalManager creates a new journal manager.
func NewJournalManager(db *sql.DB) *JournalManager {
	return &JournalManager{db: db}
}

// BeginOperation starts a new journaled operation.
// INVARIANT: Journal entry MUST be written BEFORE any store mutation.
func (jm *JournalManager) BeginOperation(ctx context.Context, opType string, payload string) (string, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	opID := uuid.New().String()

	query := `
		INSERT INTO journal (operation_id, operation_type, payload, state)
		VALUES (?, ?, ?, 'pending')
	`
	_, err := jm.db.ExecContext(ctx, query, opID, opType, payload)
	if err != nil {
		return "", fmt.Errorf("failed to begin operation: %w", err)
	}

	return opID, nil
}

// CommitOperation marks an operation as committed.
func (jm *JournalManager) CommitOperation(ctx context.Context, opID string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	query := `UPDATE journal SET state = 'committed' WHERE operation_id = ?`
	_, err := jm.db.ExecContext(ctx, query, opID)
	if err != nil {
		return fmt.Errorf("failed to commit operation: %w", err)
	}

	return nil
}

// SyncOperation marks an operation as synced (fully complete).
func (jm *JournalManager) SyncOperation(ctx context.Context, opID string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	query := `UPDATE journal SET state = 'synced', completed_at = datetime('now') WHERE operation_id = ?`
	_, err := jm.db.ExecContext(ctx, query, opID)
	if err != nil {
		return fmt.Errorf("failed to sync operation: %w", err)
	}

	return nil
}

// RollbackOperation marks an operation as rolled back.
func (jm *JournalManager) RollbackOperation(ctx context.Context, opID string, errMsg string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	query := `UPDATE journal SET state = 'rolled_back', error = ?, completed_at = datetime('now') WHERE operation_id = ?`
	_, err := jm.db.ExecContext(ctx, query, errMsg, opID)
	if err != nil {
		return fmt.Errorf("failed to rollback operation: %w", err)
	}

	return nil
}

// GetPendingOperations returns operations that need recovery.
func (jm *JournalManager) GetPendingOperations(ctx context.Context) ([]*JournalEntry, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	query := `
		SELECT id, operation_id, operation_type, payload, state, created_at
		FROM journal WHERE state IN ('pending', 'committed')
		ORDER BY created_at ASC
	`
	rows, err := jm.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending operations: %w", err)
	}
	defer rows.Close()

	var entries []*JournalEntry
	for rows.Next() {
		var entry JournalEntry
		var createdAt string
		err := rows.Scan(&entry.ID, &entry.OperationID, &entry.OperationType,
			&entry.Payload, &entry.State, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entry.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdAt)
		entries = append(entries, &entry)
	}

	return entries, nil
}
