// Package credentials resolves the appliance connection settings.
package credentials

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fgeck/gocheckpoint/internal/models"
)

// Environment variables consulted when the config file leaves a field empty.
const (
	EnvURL       = "PIHOLE_URL"
	EnvPassword  = "PIHOLE_PASSWORD"
	EnvVerifySSL = "PIHOLE_VERIFY_SSL"
)

// Source looks up credentials. Lookup fails with models.ErrConfiguration when
// the URL or password is unset.
type Source interface {
	Lookup() (models.Credentials, error)
	Configured() bool
}

// Impl resolves credentials from the config file first, then the environment.
// The environment is read on every lookup so rotated secrets are picked up.
type Impl struct {
	mu     sync.RWMutex
	file   models.PiholeConfig
	getenv func(string) string
}

// New creates a credential source backed by the process environment.
func New(file models.PiholeConfig) *Impl {
	return &Impl{file: file, getenv: os.Getenv}
}

// NewWithEnv creates a credential source with a custom env lookup (for testing).
func NewWithEnv(file models.PiholeConfig, getenv func(string) string) *Impl {
	return &Impl{file: file, getenv: getenv}
}

// Update replaces the config file values after a reload.
func (s *Impl) Update(file models.PiholeConfig) {
	s.mu.Lock()
	s.file = file
	s.mu.Unlock()
}

// Lookup returns the current credentials.
func (s *Impl) Lookup() (models.Credentials, error) {
	s.mu.RLock()
	file := s.file
	s.mu.RUnlock()

	creds := models.Credentials{
		URL:      file.URL,
		Password: file.Password,
	}
	if creds.URL == "" {
		creds.URL = s.getenv(EnvURL)
	}
	if creds.Password == "" {
		creds.Password = s.getenv(EnvPassword)
	}

	if file.VerifySSL != nil {
		creds.VerifySSL = *file.VerifySSL
	} else {
		creds.VerifySSL = parseBool(s.getenv(EnvVerifySSL))
	}

	if creds.URL == "" {
		return models.Credentials{}, fmt.Errorf("%w: %s environment variable is required", models.ErrConfiguration, EnvURL)
	}
	if creds.Password == "" {
		return models.Credentials{}, fmt.Errorf("%w: %s environment variable is required", models.ErrConfiguration, EnvPassword)
	}

	return creds, nil
}

// Configured reports whether a lookup would currently succeed.
func (s *Impl) Configured() bool {
	_, err := s.Lookup()
	return err == nil
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true
	}
	return false
}
