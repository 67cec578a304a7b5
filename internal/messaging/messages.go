package messaging

import "github.com/breathsync/breathsync/internal/model"

// Topics.
const (
	TopicAnalysisDataUpdated = "analysis_data_updated"
	TopicHistoryUpdated      = "history_updated"
	TopicModelUpdated        = "model_updated"
	TopicSyncStarted         = "sync_started"
	TopicSyncComplete        = "sync_complete"
	TopicSyncFailed          = "sync_failed"
	TopicSummaryUpdated      = "summary_updated"
	TopicSystemMonitor       = "system_monitor"
	TopicNotification        = "notification"
)

// AnalysisDataUpdated asks history consumers to recompute. Objects holds the
// changed entities (inhale events, devices, feelings) that caused it.
type AnalysisDataUpdated struct {
	Objects []any `json:"objects,omitempty"`
}

func (AnalysisDataUpdated) Topic() string { return TopicAnalysisDataUpdated }

// HistoryUpdated is published after the history window was recomputed.
type HistoryUpdated struct {
	Objects []any `json:"objects,omitempty"`
}

func (HistoryUpdated) Topic() string { return TopicHistoryUpdated }

// ModelUpdated is published after downloaded data was merged into the local store.
type ModelUpdated struct {
	Container *model.CloudObjectContainer `json:"-"`
	Summary   string                      `json:"summary"`
}

func (ModelUpdated) Topic() string { return TopicModelUpdated }

type SyncStarted struct{}

func (SyncStarted) Topic() string { return TopicSyncStarted }

// SyncComplete is published when a full sync cycle finished successfully.
type SyncComplete struct{}

func (SyncComplete) Topic() string { return TopicSyncComplete }

// SyncFailed carries the reason a sync cycle stopped.
type SyncFailed struct {
	Reason string `json:"reason"`
}

func (SyncFailed) Topic() string { return TopicSyncFailed }

// SummaryUpdated is published when the dashboard summary queue changed.
type SummaryUpdated struct {
	IDs []string `json:"ids"`
}

func (SummaryUpdated) Topic() string { return TopicSummaryUpdated }

// SystemMonitor carries diagnostics about sync behaviour.
type SystemMonitor struct {
	Event  string `json:"event"`
	Detail string `json:"detail"`
}

func (SystemMonitor) Topic() string { return TopicSystemMonitor }

// Notification asks the presentation layer to show a user notification.
type Notification struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

func (Notification) Topic() string { return TopicNotification }
