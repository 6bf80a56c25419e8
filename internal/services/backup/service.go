// Package backup creates configuration snapshots of a Pi-hole appliance.
package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/gocheckpoint/internal/metrics"
	"github.com/fgeck/gocheckpoint/internal/models"
	"github.com/fgeck/gocheckpoint/internal/services/artifact"
	"github.com/fgeck/gocheckpoint/internal/services/credentials"
	"github.com/fgeck/gocheckpoint/internal/services/notify"
	"github.com/fgeck/gocheckpoint/internal/services/pihole"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// Service defines the interface for backup creation.
type Service interface {
	CreateBackup(ctx context.Context, cfg *models.Configuration, manual bool) (*models.Artifact, error)
}

// Configurations records the outcome of an attempt on its configuration.
type Configurations interface {
	RecordSuccess(ctx context.Context, id int64, at time.Time) error
	RecordFailure(ctx context.Context, id int64, message string) error
}

// Impl implements the backup Service interface.
type Impl struct {
	creds     credentials.Source
	clients   pihole.Factory
	artifacts artifact.Service
	configs   Configurations
	sink      notify.Sink
	clock     clock.Clock
	logger    zerolog.Logger
}

// New creates a new backup engine.
func New(
	logger zerolog.Logger,
	creds credentials.Source,
	clients pihole.Factory,
	artifacts artifact.Service,
	configs Configurations,
	sink notify.Sink,
) *Impl {
	return NewWithClock(logger, creds, clients, artifacts, configs, sink, clock.WallClock)
}

// NewWithClock creates a new backup engine with a custom clock (for testing).
func NewWithClock(
	logger zerolog.Logger,
	creds credentials.Source,
	clients pihole.Factory,
	artifacts artifact.Service,
	configs Configurations,
	sink notify.Sink,
	clk clock.Clock,
) *Impl {
	return &Impl{
		creds:     creds,
		clients:   clients,
		artifacts: artifacts,
		configs:   configs,
		sink:      sink,
		clock:     clk,
		logger:    logger,
	}
}

// CreateBackup downloads the appliance's Teleporter bundle, stores it and
// records the attempt. On failure a failed record is written, the
// configuration's last error is updated and the original error is returned.
func (s *Impl) CreateBackup(ctx context.Context, cfg *models.Configuration, manual bool) (*models.Artifact, error) {
	startTime := s.clock.Now()
	filename := artifact.NewFilename(cfg.Name, startTime)
	logger := s.logger.With().
		Str("configuration", cfg.Name).
		Str("filename", filename).
		Bool("manual", manual).
		Logger()

	logger.Info().Msg("starting backup")

	// Bookkeeping must land even if the caller gave up.
	bookCtx := context.WithoutCancel(ctx)

	var path string
	a, err := s.create(ctx, bookCtx, cfg, filename, manual, &path)
	if err != nil {
		metrics.RecordBackup(cfg.Name, err, s.clock.Now().Sub(startTime), 0, time.Time{})
		s.recordFailure(bookCtx, logger, cfg, filename, path, manual, err)
		return nil, err
	}

	if err := s.configs.RecordSuccess(bookCtx, cfg.ID, a.CreatedAt); err != nil {
		logger.Error().Err(err).Msg("failed to record success on configuration")
	}

	metrics.RecordBackup(cfg.Name, nil, s.clock.Now().Sub(startTime), a.Size, a.CreatedAt)

	logger.Info().
		Int64("size", a.Size).
		Str("checksum", a.Checksum).
		Dur("duration", s.clock.Now().Sub(startTime)).
		Msg("backup completed")

	s.sink.Notify(models.Event{
		Kind:          models.EventBackupSuccess,
		Title:         "Backup Successful",
		Message:       fmt.Sprintf("Configuration backup of %s created.", cfg.Name),
		Configuration: cfg.Name,
		Timestamp:     a.CreatedAt,
		Details: map[string]string{
			"Filename":  a.Filename,
			"File size": humanize.Bytes(uint64(a.Size)),
			"Trigger":   trigger(manual),
		},
	})

	return a, nil
}

// create runs the sequential steps of one attempt. path is set as soon as a
// file may exist on disk.
func (s *Impl) create(
	ctx, bookCtx context.Context,
	cfg *models.Configuration,
	filename string,
	manual bool,
	path *string,
) (*models.Artifact, error) {
	creds, err := s.creds.Lookup()
	if err != nil {
		return nil, err
	}

	data, err := s.clients(creds).DownloadBundle(ctx)
	if err != nil {
		return nil, err
	}

	written, size, err := s.artifacts.Write(filename, data)
	*path = written
	if err != nil {
		return nil, err
	}

	checksum, err := s.artifacts.Checksum(written)
	if err != nil {
		return nil, err
	}

	a := &models.Artifact{
		ConfigurationID: cfg.ID,
		Filename:        filename,
		Path:            written,
		Size:            size,
		Checksum:        checksum,
		Status:          models.ArtifactSuccess,
		Manual:          manual,
		CreatedAt:       s.clock.Now(),
	}
	if err := s.artifacts.Record(bookCtx, a); err != nil {
		return nil, fmt.Errorf("recording backup: %w", err)
	}

	return a, nil
}

func (s *Impl) recordFailure(
	ctx context.Context,
	logger zerolog.Logger,
	cfg *models.Configuration,
	filename, path string,
	manual bool,
	cause error,
) {
	logger.Error().Err(cause).Msg("backup failed")

	if path != "" {
		if err := s.artifacts.RemoveFile(path); err != nil {
			logger.Warn().Err(err).Msg("failed to remove partial backup file")
		}
	}

	failed := &models.Artifact{
		ConfigurationID: cfg.ID,
		Filename:        filename,
		Status:          models.ArtifactFailed,
		Error:           cause.Error(),
		Manual:          manual,
		CreatedAt:       s.clock.Now(),
	}
	if err := s.artifacts.Record(ctx, failed); err != nil {
		logger.Error().Err(err).Msg("failed to record failed backup")
	}

	if err := s.configs.RecordFailure(ctx, cfg.ID, cause.Error()); err != nil {
		logger.Error().Err(err).Msg("failed to record error on configuration")
	}

	s.sink.Notify(models.Event{
		Kind:          models.EventBackupFailed,
		Title:         "Backup Failed",
		Message:       fmt.Sprintf("Configuration backup of %s failed.", cfg.Name),
		Configuration: cfg.Name,
		Timestamp:     failed.CreatedAt,
		Details: map[string]string{
			"Error":   cause.Error(),
			"Trigger": trigger(manual),
		},
	})
}

func trigger(manual bool) string {
	if manual {
		return "manual"
	}
	return "scheduled"
}
