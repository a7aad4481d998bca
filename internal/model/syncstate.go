package model

import "time"

// SyncPhase is the lifecycle state of one account's synchronization.
type SyncPhase string

const (
	SyncIdle    SyncPhase = "idle"
	SyncRunning SyncPhase = "syncing"
	SyncFailed  SyncPhase = "error"
	SyncPaused  SyncPhase = "paused"
)

// SyncState holds the per-account sync status driving scheduler
// backoff decisions. A failed pass increments Retries; a successful
// pass resets them and stamps LastSuccess.
type SyncState struct {
	AccountID   string
	Phase       SyncPhase
	LastSuccess time.Time
	Retries     int

	// Reason is the error description when Phase is SyncFailed.
	Reason string
}
