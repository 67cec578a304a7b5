package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/breathsync/breathsync/internal/model"
)

// AccountStore persists the signed-in account, its sync watermarks and the
// sync health timestamps. There is at most one account row.
type AccountStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewAccountStore creates an account store.
func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

// EnsureSchema creates the account table if needed.
func (a *AccountStore) EnsureSchema(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS account (
			id                    INTEGER PRIMARY KEY CHECK (id = 1),
			federation_id         TEXT NOT NULL DEFAULT '',
			username              TEXT NOT NULL DEFAULT '',
			created               INTEGER NOT NULL DEFAULT 0,
			last_inhaler_sync     INTEGER,
			last_non_inhaler_sync INTEGER,
			last_sync_success     INTEGER,
			last_sync_failure     INTEGER,
			no_sync_notified      INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create account table: %w", err)
	}
	return nil
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timeFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64).UTC()
	return &t
}

// Account returns the stored account or ErrNotFound.
func (a *AccountStore) Account(ctx context.Context) (*model.UserAccount, error) {
	var acc model.UserAccount
	var created int64
	var inhaler, nonInhaler sql.NullInt64

	err := a.db.QueryRowContext(ctx, `
		SELECT federation_id, username, created, last_inhaler_sync, last_non_inhaler_sync
		FROM account WHERE id = 1
	`).Scan(&acc.FederationID, &acc.Username, &created, &inhaler, &nonInhaler)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	acc.Created = time.UnixMilli(created).UTC()
	acc.LastInhalerSyncTime = timeFromNull(inhaler)
	acc.LastNonInhalerSyncTime = timeFromNull(nonInhaler)
	return &acc, nil
}

// SaveAccount stores the account identity. Watermarks are left untouched.
func (a *AccountStore) SaveAccount(ctx context.Context, acc *model.UserAccount) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO account (id, federation_id, username, created) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			federation_id = excluded.federation_id,
			username = excluded.username,
			created = excluded.created
	`, acc.FederationID, acc.Username, millis(acc.Created))
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// Watermarks returns the persisted sync watermarks. Both are nil before the
// first committed download.
func (a *AccountStore) Watermarks(ctx context.Context) (model.SyncWatermarks, error) {
	var inhaler, nonInhaler sql.NullInt64
	err := a.db.QueryRowContext(ctx, `
		SELECT last_inhaler_sync, last_non_inhaler_sync FROM account WHERE id = 1
	`).Scan(&inhaler, &nonInhaler)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SyncWatermarks{}, nil
	}
	if err != nil {
		return model.SyncWatermarks{}, fmt.Errorf("failed to load watermarks: %w", err)
	}
	return model.SyncWatermarks{
		LastInhalerSyncTime:    timeFromNull(inhaler),
		LastNonInhalerSyncTime: timeFromNull(nonInhaler),
	}, nil
}

// SaveWatermarks persists w. A watermark never moves backwards and a nil
// watermark keeps the stored value.
func (a *AccountStore) SaveWatermarks(ctx context.Context, w model.SyncWatermarks) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	current, err := a.Watermarks(ctx)
	if err != nil {
		return err
	}
	next := model.SyncWatermarks{
		LastInhalerSyncTime:    later(current.LastInhalerSyncTime, w.LastInhalerSyncTime),
		LastNonInhalerSyncTime: later(current.LastNonInhalerSyncTime, w.LastNonInhalerSyncTime),
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO account (id, last_inhaler_sync, last_non_inhaler_sync) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_inhaler_sync = excluded.last_inhaler_sync,
			last_non_inhaler_sync = excluded.last_non_inhaler_sync
	`, nullMillis(next.LastInhalerSyncTime), nullMillis(next.LastNonInhalerSyncTime))
	if err != nil {
		return fmt.Errorf("failed to save watermarks: %w", err)
	}
	return nil
}

func later(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}

// SyncTimes is the sync health state.
type SyncTimes struct {
	LastSuccess    *time.Time
	LastFailure    *time.Time
	NoSyncNotified bool
}

// SyncTimes returns the last sync success and failure.
func (a *AccountStore) SyncTimes(ctx context.Context) (SyncTimes, error) {
	var success, failure sql.NullInt64
	var notified int
	err := a.db.QueryRowContext(ctx, `
		SELECT last_sync_success, last_sync_failure, no_sync_notified FROM account WHERE id = 1
	`).Scan(&success, &failure, &notified)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncTimes{}, nil
	}
	if err != nil {
		return SyncTimes{}, fmt.Errorf("failed to load sync times: %w", err)
	}
	return SyncTimes{
		LastSuccess:    timeFromNull(success),
		LastFailure:    timeFromNull(failure),
		NoSyncNotified: notified != 0,
	}, nil
}

// RecordSyncSuccess stores a successful sync and clears the notified flag.
func (a *AccountStore) RecordSyncSuccess(ctx context.Context, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO account (id, last_sync_success, no_sync_notified) VALUES (1, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			last_sync_success = excluded.last_sync_success,
			no_sync_notified = 0
	`, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record sync success: %w", err)
	}
	return nil
}

// RecordSyncFailure stores a failed sync.
func (a *AccountStore) RecordSyncFailure(ctx context.Context, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO account (id, last_sync_failure) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET last_sync_failure = excluded.last_sync_failure
	`, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record sync failure: %w", err)
	}
	return nil
}

// SetNoSyncNotified marks the no-sync notification as raised.
func (a *AccountStore) SetNoSyncNotified(ctx context.Context, notified bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO account (id, no_sync_notified) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET no_sync_notified = excluded.no_sync_notified
	`, boolInt(notified))
	if err != nil {
		return fmt.Errorf("failed to update notification flag: %w", err)
	}
	return nil
}
