package models

import "time"

// OperationType identifies what a queued SyncOperation will do once
// connectivity returns.
type OperationType string

const (
	OpPush OperationType = "push"
)

// SyncOperation is a deferred remote mutation, created when a push cannot be
// delivered immediately. It is destroyed when it succeeds or exceeds the
// retry ceiling, at which point the failure is surfaced as a warning.
type SyncOperation struct {
	ID         string        `json:"id"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
	Type       OperationType `json:"operationType"`
	Collection string        `json:"collection"`
	Records    []Record      `json:"payload"`
	RetryCount int           `json:"retryCount"`
}
