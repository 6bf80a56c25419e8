package models

import (
	"errors"
	"fmt"
)

// Error kinds. Callers match them with errors.Is.
var (
	ErrConfiguration      = errors.New("configuration error")
	ErrUnreachable        = errors.New("appliance unreachable")
	ErrTimeout            = errors.New("appliance request timed out")
	ErrTLS                = errors.New("TLS verification failed")
	ErrInvalidCredentials = errors.New("invalid appliance password")
	ErrSessionExpired     = errors.New("session expired")
	ErrArtifactMissing    = errors.New("backup file not found")
	ErrIntegrity          = errors.New("backup file corrupted (checksum mismatch)")
	ErrStorage            = errors.New("storage error")
	ErrNotFound           = errors.New("not found")
)

// IsConnectivity reports whether err is a transport-level failure.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrTLS)
}

// StatusError is returned when the appliance answers with an unexpected HTTP status.
type StatusError struct {
	Endpoint   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Endpoint, e.StatusCode)
}
