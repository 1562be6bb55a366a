package model

import "time"

// SyncState is the coordinator's position in its state machine.
type SyncState string

const (
	SyncIdle        SyncState = "idle"
	SyncInitialSync SyncState = "initial_sync"
	SyncSyncing     SyncState = "syncing"
	SyncOnline      SyncState = "online"
	SyncError       SyncState = "error"
)

// SyncProgress reports long-running sync progress (initial backfill).
type SyncProgress struct {
	Phase   string
	Current int
	Total   int
	Message string
}

// SyncStatus is the per-account sync state visible to subscribers.
// It is mutated exclusively by the sync coordinator.
type SyncStatus struct {
	AccountID      string
	State          SyncState
	IsOnline       bool
	LastSync       *time.Time
	Error          string
	PendingActions int
	CurrentFolder  string
	Progress       *SyncProgress
}
