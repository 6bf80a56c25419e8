// Package restore uploads a stored snapshot back to the appliance.
package restore

import (
	"context"
	"fmt"

	"github.com/fgeck/gocheckpoint/internal/metrics"
	"github.com/fgeck/gocheckpoint/internal/models"
	"github.com/fgeck/gocheckpoint/internal/services/artifact"
	"github.com/fgeck/gocheckpoint/internal/services/credentials"
	"github.com/fgeck/gocheckpoint/internal/services/notify"
	"github.com/fgeck/gocheckpoint/internal/services/pihole"
	"github.com/rs/zerolog"
)

// Service defines the interface for restores.
type Service interface {
	Restore(ctx context.Context, cfg *models.Configuration, a *models.Artifact) (map[string]any, error)
}

// Impl implements the restore Service interface.
type Impl struct {
	creds     credentials.Source
	clients   pihole.Factory
	artifacts artifact.Service
	sink      notify.Sink
	logger    zerolog.Logger
}

// New creates a new restore engine.
func New(
	logger zerolog.Logger,
	creds credentials.Source,
	clients pihole.Factory,
	artifacts artifact.Service,
	sink notify.Sink,
) *Impl {
	return &Impl{
		creds:     creds,
		clients:   clients,
		artifacts: artifacts,
		sink:      sink,
		logger:    logger,
	}
}

// Restore verifies the artifact and uploads it. The appliance's import
// result is returned as decoded JSON.
func (s *Impl) Restore(ctx context.Context, cfg *models.Configuration, a *models.Artifact) (map[string]any, error) {
	logger := s.logger.With().
		Str("configuration", cfg.Name).
		Str("filename", a.Filename).
		Logger()

	logger.Info().Msg("starting restore")

	result, err := s.restore(ctx, a)
	metrics.RecordRestore(cfg.Name, err)
	if err != nil {
		logger.Error().Err(err).Msg("restore failed")
		s.sink.Notify(models.Event{
			Kind:          models.EventRestoreFailed,
			Title:         "Restore Failed",
			Message:       fmt.Sprintf("Restoring %s to the appliance failed.", a.Filename),
			Configuration: cfg.Name,
			Details: map[string]string{
				"Filename": a.Filename,
				"Error":    err.Error(),
			},
		})
		return nil, err
	}

	logger.Info().Msg("restore completed")

	s.sink.Notify(models.Event{
		Kind:          models.EventRestoreSuccess,
		Title:         "Restore Successful",
		Message:       fmt.Sprintf("Configuration restored from %s.", a.Filename),
		Configuration: cfg.Name,
		Details: map[string]string{
			"Filename":    a.Filename,
			"Backup date": a.CreatedAt.Format("2006-01-02 15:04:05"),
		},
	})

	return result, nil
}

func (s *Impl) restore(ctx context.Context, a *models.Artifact) (map[string]any, error) {
	// Integrity first; upload is never attempted with a bad file.
	if err := s.artifacts.Verify(a); err != nil {
		return nil, err
	}

	creds, err := s.creds.Lookup()
	if err != nil {
		return nil, err
	}
	client := s.clients(creds)

	data, err := s.artifacts.Read(a.Path)
	if err != nil {
		return nil, err
	}

	return client.UploadBundle(ctx, data)
}
