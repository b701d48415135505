package models

import "time"

type JobKind string

const (
	JobKindFull        JobKind = "full"
	JobKindIncremental JobKind = "incremental"
)

// Valid reports whether k is a known kind.
func (k JobKind) Valid() bool {
	return k == JobKindFull || k == JobKindIncremental
}

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobError   JobStatus = "error"
)

// Terminal reports whether the job can no longer change.
func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobError
}

// SyncJob is one durable sync request. Retries reuse the row and bump Attempt.
type SyncJob struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"account_id"`
	Kind           JobKind    `json:"kind"`
	Status         JobStatus  `json:"status"`
	Attempt        int        `json:"attempt"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Error          string     `json:"error,omitempty"`
	CountProcessed int        `json:"count_processed"`
	CountSkipped   int        `json:"count_skipped"`
	LeaseOwner     string     `json:"-"`
	LeaseExpiresAt *time.Time `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
}

// SyncRequest is the trigger payload.
type SyncRequest struct {
	Kind      JobKind `json:"kind"`
	Immediate bool    `json:"immediate"`
}

// SyncAccepted acknowledges a trigger. The job runs asynchronously.
type SyncAccepted struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
	Kind   JobKind   `json:"kind"`
}

type SyncState string

const (
	SyncIdle    SyncState = "idle"
	SyncSyncing SyncState = "syncing"
	SyncFailed  SyncState = "error"
)

type SyncCounts struct {
	Total  int `json:"total"`
	Unread int `json:"unread"`
}

// SyncStatus is polled by the UI.
type SyncStatus struct {
	Status     SyncState  `json:"status"`
	LastSyncAt *time.Time `json:"last_sync_at"`
	Error      string     `json:"error,omitempty"`
	Counts     SyncCounts `json:"counts"`
}
