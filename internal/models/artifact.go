package models

import "time"

// ArtifactStatus is the outcome of a backup attempt.
type ArtifactStatus string

// Artifact statuses.
const (
	ArtifactSuccess ArtifactStatus = "success"
	ArtifactFailed  ArtifactStatus = "failed"
)

// Artifact is the metadata record of one backup attempt.
// Failed attempts have an empty Path and zero Size.
type Artifact struct {
	ID              int64
	ConfigurationID int64
	Filename        string
	Path            string
	Size            int64
	Checksum        string // hex SHA-256, empty for legacy records
	Status          ArtifactStatus
	Error           string
	Manual          bool
	CreatedAt       time.Time
}
