// Package cli provides the engine integration for the BreathSync CLI.
// This file wires the components and implements the commands.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/breathsync/breathsync/internal/clock"
	"github.com/breathsync/breathsync/internal/config"
	"github.com/breathsync/breathsync/internal/core"
	"github.com/breathsync/breathsync/internal/dhp"
	"github.com/breathsync/breathsync/internal/logger"
	"github.com/breathsync/breathsync/internal/messaging"
	"github.com/breathsync/breathsync/internal/model"
	"github.com/breathsync/breathsync/internal/provider"
	"github.com/breathsync/breathsync/internal/provider/dhphttp"
	"github.com/breathsync/breathsync/internal/session"
	"github.com/breathsync/breathsync/internal/syncer"
)

// Engine holds the BreathSync components.
type Engine struct {
	Config     *config.Config
	Logger     *zap.Logger
	DB         *core.EncryptedDB
	Store      *core.Store
	Accounts   *core.AccountStore
	Requests   *core.RequestQueue
	Transports *provider.DefaultRegistry
	Session    *session.Session
	Clock      clock.TimeService
	Bus        *messaging.Bus
	Converter  *dhp.Converter
	Collator   *core.Collator
	History    *core.HistoryCache
	Snapshots  *core.SnapshotManager
	Dashboard  *core.Dashboard
	Health     *core.SyncHealth
	Explainer  *core.Explainer
	Scanner    *core.Scanner
	Cloud      *syncer.CloudService
	Sync       *syncer.Manager
	ConfigDir  string

	redis     *redis.Client
	forwarder *messaging.StreamForwarder
	started   bool
}

// Reference medications known to the platform.
var defaultMedications = []model.Medication{
	{
		DrugUID:                 dhp.DrugUIDProAir,
		BrandName:               "ProAir Digihaler",
		GenericName:             "albuterol sulfate",
		TherapyType:             model.TherapyReliever,
		MinimumDoseInterval:     240,
		OverdoseInhalationCount: 12,
		InitialDoseCount:        200,
		NearEmptyDoseCount:      20,
	},
	{
		DrugUID:                 dhp.DrugUIDFP,
		BrandName:               "ArmonAir Digihaler",
		GenericName:             "fluticasone propionate",
		TherapyType:             model.TherapyController,
		MinimumDoseInterval:     720,
		OverdoseInhalationCount: 4,
		InitialDoseCount:        60,
		NearEmptyDoseCount:      10,
	},
}

// Global engine instance
var engine *Engine

func configPath(cfgDir string) string {
	return filepath.Join(cfgDir, config.FileName)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level := cfg.Log.Level
	switch {
	case verbose:
		level = "debug"
	case quiet:
		level = "error"
	}
	if cfg.Log.Format == "json" {
		return logger.NewLogger(level, cfg.Log.Format, "breathsync")
	}
	return logger.NewCLILogger(level)
}

// InitEngine loads the configuration and wires every component.
func InitEngine() (*Engine, error) {
	cfgDir := getConfigDir()

	cfg, err := config.Load(configPath(cfgDir))
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	dbPath := cfg.Database.Path
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(cfgDir, dbPath)
	}
	db, err := core.OpenEncryptedDB(dbPath, cfg.Database.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx := context.Background()
	store := core.NewStore(db.DB())
	if err := store.Initialize(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	accounts := core.NewAccountStore(db.DB())
	if err := accounts.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	// Transports
	registry := provider.NewRegistry()
	clk := clock.NewSystem(cfg.Location())
	sess := session.New(session.Options{
		AppName:          cfg.App.Name,
		AppVersion:       cfg.App.Version,
		InstallationUUID: cfg.App.InstallationID,
		Clinical:         cfg.App.Clinical,
		StudyHashKey:     cfg.App.StudyHashKey,
		Role:             cfg.App.DefaultRole,
		EmailID:          cfg.App.EmailID,
	})
	if err := sess.SetAccessToken(cfg.DHP.AccessToken); err != nil {
		log.Warn("access token carries no usable claims", zap.Error(err))
	}
	transport := dhphttp.New(dhphttp.Options{
		BaseURL:    cfg.DHP.BaseURL,
		Timeout:    cfg.DHP.Timeout,
		RetryCount: cfg.DHP.RetryCount,
		Token:      sess.AccessToken,
	}, log)
	if err := registry.Register(transport); err != nil {
		db.Close()
		return nil, err
	}
	if err := registry.SetPrimary(transport.ID()); err != nil {
		db.Close()
		return nil, err
	}

	requests := core.NewRequestQueue(registry, db.DB(), log)
	if err := requests.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	e := &Engine{
		Config:     cfg,
		Logger:     log,
		DB:         db,
		Store:      store,
		Accounts:   accounts,
		Requests:   requests,
		Transports: registry,
		Session:    sess,
		Clock:      clk,
		Bus:        messaging.NewBus(log),
		ConfigDir:  cfgDir,
	}
	if err := e.restoreIdentity(ctx); err != nil {
		e.Close()
		return nil, err
	}

	e.Converter = dhp.NewConverter(sess, clk, store)
	e.Collator = core.NewCollator(store, clk, log)
	e.History = core.NewHistoryCache(e.Collator, store, clk, e.Bus, cfg.History.DaysInCache, log)
	e.Dashboard = core.NewDashboard(e.History, store, clk, core.NewSummaryQueue(e.Bus), e.Bus, log)
	e.Health = core.NewSyncHealth(accounts, clk, e.Bus, log)
	e.Explainer = core.NewExplainer(e.History, store)
	e.Scanner = core.NewScanner(store)

	if cfg.Redis.Enabled {
		e.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		e.Snapshots = core.NewSnapshotManager(core.NewRedisKVStore(e.redis), cfg.Redis.SnapshotTTL, log)
		e.History.OnRefresh(func(ctx context.Context, days []model.HistoryDay) {
			if err := e.Snapshots.Save(ctx, sess.ActiveProfileID(), clk.Now(), days); err != nil {
				log.Warn("failed to store history snapshot", zap.Error(err))
			}
		})
		e.forwarder = messaging.NewStreamForwarder(e.redis, cfg.Redis.Stream, log)
		e.forwarder.Start(e.Bus)
	}

	e.Cloud = syncer.NewCloudService(requests, e.Converter, sess, accounts, syncer.Options{
		MaxUploadObjects:        cfg.DHP.MaxUploadObjects,
		DownloadObjectThreshold: cfg.DHP.DownloadObjectThreshold,
	}, log)
	if err := e.Cloud.Init(ctx); err != nil {
		e.Close()
		return nil, err
	}
	e.Sync = syncer.NewManager(e.Cloud, store, sess, clk, e.Bus, e.Health, log)

	return e, nil
}

// restoreIdentity fills the session from the stored account and profiles
// when the access token did not carry them.
func (e *Engine) restoreIdentity(ctx context.Context) error {
	if e.Session.FederationID() == "" {
		acc, err := e.Accounts.Account(ctx)
		switch {
		case err == nil:
			e.Session.SetAccount(acc.FederationID, acc.Username, "")
		case errors.Is(err, core.ErrNotFound):
		default:
			return err
		}
	}

	profiles, err := e.Store.Profiles(ctx)
	if err != nil {
		return err
	}
	active := e.Session.FederationID()
	for _, p := range profiles {
		if p.IsAccountOwner && p.IsActive {
			active = p.ProfileID
			break
		}
	}
	e.Session.SetActiveProfile(active)
	return nil
}

// GetEngine returns the engine, initializing if needed.
func GetEngine() (*Engine, error) {
	if engine != nil {
		return engine, nil
	}

	var err error
	engine, err = InitEngine()
	return engine, err
}

// Start runs the history cache and dashboard and waits for the first refresh.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return nil
	}
	e.History.Start()
	e.Dashboard.Start()
	e.started = true
	e.History.Wait()
	return e.Dashboard.Recompute(ctx)
}

// Close stops the background components and closes the database.
func (e *Engine) Close() error {
	if e.started {
		e.Dashboard.Stop()
		e.History.Stop()
		e.started = false
	}
	if e.forwarder != nil {
		e.forwarder.Stop()
	}
	if e.redis != nil {
		e.redis.Close()
	}
	return e.DB.Close()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- Command Implementations ---

// RunInit creates the configuration directory, writes a default config when
// none exists and seeds the reference medications.
func RunInit() error {
	cfgDir := getConfigDir()
	if err := os.MkdirAll(cfgDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	path := configPath(cfgDir)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if dryRun {
			fmt.Printf("Would write %s\n", path)
			return nil
		}
		if err := config.Default().Save(path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
	}

	e, err := GetEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := context.Background()
	for i := range defaultMedications {
		if err := e.Store.SaveMedication(ctx, &defaultMedications[i]); err != nil {
			return err
		}
	}

	status, err := e.DB.GetEncryptionStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Initialized BreathSync in %s\n", cfgDir)
	fmt.Printf("  Database:    %s\n", e.DB.Path())
	if status.IsEncrypted {
		fmt.Printf("  Encryption:  SQLCipher %s (%s)\n", status.CipherVersion, status.KeyDerivation)
	} else {
		fmt.Println("  Encryption:  off (set BREATHSYNC_PASSPHRASE to enable)")
	}
	fmt.Printf("  Medications: %d\n", len(defaultMedications))
	return nil
}

// HistoryOptions selects the history range to print.
type HistoryOptions struct {
	From         string
	To           string
	FromSnapshot bool
	JSON         bool
}

func parseDay(s string, fallback model.Date) (model.Date, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := model.ParseDate(s)
	if err != nil {
		return model.Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return d, nil
}

// RunHistory prints the collated history for a date range.
func RunHistory(opts HistoryOptions) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	defer e.Close()
	ctx := context.Background()

	var days []model.HistoryDay
	if opts.FromSnapshot {
		if e.Snapshots == nil {
			return fmt.Errorf("history snapshots need redis.enabled")
		}
		snap, err := e.Snapshots.Load(ctx, e.Session.ActiveProfileID())
		if errors.Is(err, core.ErrCacheMiss) {
			fmt.Println("No history snapshot stored.")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("Snapshot taken %s\n", snap.TakenAt.Format(time.RFC3339))
		days = snap.Days
	} else {
		today := e.Clock.Today()
		from, err := parseDay(opts.From, today.AddDays(-6))
		if err != nil {
			return err
		}
		to, err := parseDay(opts.To, today)
		if err != nil {
			return err
		}
		if err := e.Start(ctx); err != nil {
			return err
		}
		if days, err = e.History.GetHistory(ctx, from, to); err != nil {
			return err
		}
	}

	if opts.JSON {
		return printJSON(days)
	}

	fmt.Printf("%-12s %-8s %-9s %-7s %-8s %-5s %s\n", "DATE", "RELIEVER", "USAGE", "INVALID", "OVERDOSE", "PIF", "INHALERS")
	for i := range days {
		day := &days[i]
		pif := "-"
		if day.PIF != nil {
			pif = fmt.Sprintf("%d", *day.PIF)
		}
		overdose := ""
		if day.IsOverdose() {
			overdose = "yes"
		}
		fmt.Printf("%-12s %-8d %-9s %-7d %-8s %-5s %d\n",
			day.Day, len(day.RelieverDoses), day.RelieverUsage(), len(day.InvalidDoses), overdose, pif, day.ConnectedInhalerCount)
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// RunSync runs one full sync cycle.
func RunSync() error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := signalContext()
	defer cancel()

	sub := messaging.On(e.Bus, func(m messaging.ModelUpdated) {
		fmt.Printf("  merged %s\n", m.Summary)
	})
	defer sub.Unsubscribe()

	fmt.Println("Syncing...")
	ok, err := e.Sync.Run(ctx)
	if err != nil {
		return err
	}
	e.Requests.Wait()
	if !ok {
		return fmt.Errorf("sync failed, local changes are kept for the next attempt")
	}
	fmt.Println("Sync complete.")
	return nil
}

// RunSyncUpload uploads the locally changed objects without downloading.
func RunSyncUpload() error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	defer e.Close()
	ctx := context.Background()

	data, err := e.Store.ChangedObjects(ctx, e.Clock.Now())
	if err != nil {
		return err
	}
	if !data.HasData() {
		fmt.Println("Nothing to upload.")
		return nil
	}
	if e.Cloud.IsFirstSync() {
		data.Settings = nil
	}
	fmt.Printf("Uploading %s\n", data.ObjectCountString())
	if dryRun {
		return nil
	}

	done := make(chan bool, 1)
	e.Cloud.UploadAsync(data, func(success bool) { done <- success })
	if !<-done {
		return fmt.Errorf("upload failed")
	}
	e.Requests.Wait()
	if err := e.Store.SetChanged(ctx, data, false); err != nil {
		return err
	}
	fmt.Println("Upload complete.")
	return nil
}

type downloadResult struct {
	success bool
	data    *model.CloudObjectContainer
	more    bool
	commit  func() error
}

// RunSyncDownload downloads and merges platform data until none is left.
func RunSyncDownload() error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := signalContext()
	defer cancel()

	for {
		results := make(chan downloadResult, 1)
		e.Cloud.DownloadAsync(ctx, func(success bool, data *model.CloudObjectContainer, more bool, commit func() error) {
			results <- downloadResult{success, data, more, commit}
		})

		var res downloadResult
		select {
		case res = <-results:
		case <-ctx.Done():
			return ctx.Err()
		}
		e.Requests.Wait()
		if !res.success {
			return fmt.Errorf("download failed")
		}

		if res.data.HasData() {
			if err := e.Store.Merge(ctx, res.data); err != nil {
				return err
			}
			fmt.Printf("  merged %s\n", res.data.ObjectCountString())
		}
		if res.commit != nil {
			if err := res.commit(); err != nil {
				return err
			}
		}
		if !res.more {
			break
		}
	}
	e.Cloud.SetFirstSync(false)
	fmt.Println("Download complete.")
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// RunStatus prints sync watermarks, queue state, sync health and today's summary.
func RunStatus(asJSON bool) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	defer e.Close()
	ctx := context.Background()

	watermarks, err := e.Accounts.Watermarks(ctx)
	if err != nil {
		return err
	}
	queue, err := e.Requests.GetStatus(ctx)
	if err != nil {
		return err
	}
	health, err := e.Health.Status(ctx)
	if err != nil {
		return err
	}
	pending, err := e.Store.ChangedObjects(ctx, e.Clock.Now())
	if err != nil {
		return err
	}
	if err := e.Start(ctx); err != nil {
		return err
	}
	overview, err := e.Dashboard.GetOverview(ctx)
	if err != nil {
		return err
	}

	if asJSON {
		return printJSON(map[string]any{
			"watermarks": watermarks,
			"queue":      queue,
			"health":     health,
			"pending":    pending.ObjectCount(),
			"overview":   overview,
		})
	}

	fmt.Println("Account")
	fmt.Printf("  Federation ID:     %s\n", e.Session.FederationID())
	fmt.Printf("  Active profile:    %s\n", e.Session.ActiveProfileID())
	fmt.Println()
	fmt.Println("Sync")
	fmt.Printf("  First sync:        %t\n", e.Cloud.IsFirstSync())
	fmt.Printf("  Inhaler data:      %s\n", formatTime(watermarks.LastInhalerSyncTime))
	fmt.Printf("  Non-inhaler data:  %s\n", formatTime(watermarks.LastNonInhalerSyncTime))
	fmt.Printf("  Last success:      %s\n", formatTime(health.LastSuccess))
	fmt.Printf("  Last failure:      %s\n", formatTime(health.LastFailure))
	if health.NotificationRaised {
		fmt.Printf("  No successful sync for %d days\n", health.DaysSinceSuccess)
	}
	if pending.HasData() {
		fmt.Printf("  Pending upload:    %s\n", pending.ObjectCountString())
	} else {
		fmt.Println("  Pending upload:    none")
	}
	fmt.Printf("  Requests today:    %d completed, %d failed\n", queue.CompletedToday, queue.FailedToday)
	fmt.Println()
	fmt.Printf("Today (%s)\n", overview.Today)
	fmt.Printf("  Reliever usage:    %s (%d doses, %d too soon)\n", overview.RelieverUsage, overview.RelieverDoses, overview.TooSoonDoses)
	fmt.Printf("  Active inhalers:   %d\n", overview.ActiveDevices)
	if len(overview.NearEmpty) > 0 {
		fmt.Printf("  Near empty:        %s\n", strings.Join(overview.NearEmpty, ", "))
	}
	for _, msg := range overview.SummaryMessages {
		fmt.Printf("  ! %s\n", msg.ID)
	}
	return nil
}

// RunExplain prints why each dose of a day was classified the way it was.
func RunExplain(date string, asJSON bool) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	defer e.Close()
	ctx := context.Background()

	day, err := parseDay(date, e.Clock.Today())
	if err != nil {
		return err
	}
	exp, err := e.Explainer.ExplainDay(ctx, day)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(exp)
	}

	fmt.Printf("%s: reliever usage %s", exp.Day, exp.RelieverUsage)
	if exp.Overdose {
		fmt.Printf(", overdose (threshold %d)", exp.OverdoseThreshold)
	}
	fmt.Println()
	if len(exp.Prescriptions) > 0 {
		fmt.Printf("Prescriptions: %s\n", strings.Join(exp.Prescriptions, ", "))
	}
	if len(exp.Doses) == 0 {
		fmt.Println("No doses recorded.")
		return nil
	}
	for _, dose := range exp.Doses {
		fmt.Printf("  %s  %-10s %-12s %s\n", dose.Time.Local().Format("15:04:05"), dose.Brand, dose.Category, dose.Effort)
		for _, reason := range dose.Reasons {
			fmt.Printf("      - %s\n", reason)
		}
	}
	return nil
}

// RunScan runs the read-only store consistency checks.
func RunScan() error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	result, err := e.Scanner.ScanStore(context.Background())
	if err != nil {
		return err
	}
	for _, f := range result.Findings {
		fmt.Printf("[%s] %s: %s\n", strings.ToUpper(f.Severity), f.Category, f.Description)
		if f.Suggestion != "" {
			fmt.Printf("        %s\n", f.Suggestion)
		}
	}
	fmt.Printf("\n%d ok, %d warnings, %d errors\n", result.OKCount, result.WarningCount, result.ErrorCount)
	if result.ErrorCount > 0 {
		return fmt.Errorf("scan found %d errors", result.ErrorCount)
	}
	return nil
}
