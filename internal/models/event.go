package models

import "time"

// EventKind identifies a lifecycle event.
type EventKind string

// Lifecycle events emitted by the engines.
const (
	EventBackupSuccess  EventKind = "backup_success"
	EventBackupFailed   EventKind = "backup_failed"
	EventRestoreSuccess EventKind = "restore_success"
	EventRestoreFailed  EventKind = "restore_failed"
	EventConnectionLost EventKind = "connection_lost"
)

// Failure reports whether the event describes a failed operation.
func (k EventKind) Failure() bool {
	return k == EventBackupFailed || k == EventRestoreFailed
}

// Event is a notification payload.
type Event struct {
	Kind          EventKind
	Title         string
	Message       string
	Configuration string // display name of the owning configuration
	Timestamp     time.Time
	Details       map[string]string
}
