// Package runner connects triggers (scheduler, CLI) to the backup, restore and
// retention engines.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fgeck/gocheckpoint/internal/metrics"
	"github.com/fgeck/gocheckpoint/internal/models"
	"github.com/fgeck/gocheckpoint/internal/services/artifact"
	"github.com/fgeck/gocheckpoint/internal/services/backup"
	"github.com/fgeck/gocheckpoint/internal/services/credentials"
	"github.com/fgeck/gocheckpoint/internal/services/notify"
	"github.com/fgeck/gocheckpoint/internal/services/pihole"
	"github.com/fgeck/gocheckpoint/internal/services/restore"
	"github.com/fgeck/gocheckpoint/internal/services/retention"
	"github.com/fgeck/gocheckpoint/internal/services/store"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
)

// Service defines the interface for the runner.
type Service interface {
	RunBackup(ctx context.Context, configID int64, manual bool) (*models.Artifact, error)
	RunAll(ctx context.Context, manual bool) (Summary, error)
	RunRetention(ctx context.Context) (int, error)
	Restore(ctx context.Context, artifactID int64) (map[string]any, error)
	DeleteArtifact(ctx context.Context, artifactID int64) error
	DeleteConfiguration(ctx context.Context, configID int64) error
	CheckConnection(ctx context.Context) (map[string]any, error)
	SyncConfigurations(ctx context.Context, configs []models.Configuration) error
}

// Configurations is the part of the metadata store the runner manages.
type Configurations interface {
	UpsertConfiguration(ctx context.Context, cfg models.Configuration) (*models.Configuration, error)
	DeactivateMissing(ctx context.Context, names []string) (int64, error)
	GetConfiguration(ctx context.Context, id int64) (*models.Configuration, error)
	ListConfigurations(ctx context.Context, activeOnly bool) ([]models.Configuration, error)
	DeleteConfiguration(ctx context.Context, id int64) error
}

// Summary is the outcome of RunAll.
type Summary struct {
	Succeeded int
	Failed    int
}

// Impl implements the runner Service interface.
type Impl struct {
	configs   Configurations
	artifacts artifact.Service
	backups   backup.Service
	restores  restore.Service
	retention retention.Service
	creds     credentials.Source
	clients   pihole.Factory
	sink      notify.Sink
	logger    zerolog.Logger

	mu        sync.Mutex
	reachable *bool // nil until the first check
}

// New creates a runner wired to the default engines.
func New(
	logger zerolog.Logger,
	st store.Service,
	artifacts artifact.Service,
	creds credentials.Source,
	clients pihole.Factory,
	sink notify.Sink,
) *Impl {
	return NewWithServices(
		logger,
		st,
		artifacts,
		backup.New(logger, creds, clients, artifacts, st, sink),
		restore.New(logger, creds, clients, artifacts, sink),
		retention.New(logger, artifacts, st),
		creds,
		clients,
		sink,
	)
}

// NewWithServices creates a runner with custom engines (for testing).
func NewWithServices(
	logger zerolog.Logger,
	configs Configurations,
	artifacts artifact.Service,
	backups backup.Service,
	restores restore.Service,
	retentionSvc retention.Service,
	creds credentials.Source,
	clients pihole.Factory,
	sink notify.Sink,
) *Impl {
	return &Impl{
		configs:   configs,
		artifacts: artifacts,
		backups:   backups,
		restores:  restores,
		retention: retentionSvc,
		creds:     creds,
		clients:   clients,
		sink:      sink,
		logger:    logger,
	}
}

// SyncConfigurations writes the configurations declared in the config file to
// the store. Stored configurations missing from the file are deactivated,
// keeping their backups.
func (s *Impl) SyncConfigurations(ctx context.Context, configs []models.Configuration) error {
	names := make([]string, 0, len(configs))
	for _, cfg := range configs {
		if _, err := s.configs.UpsertConfiguration(ctx, cfg); err != nil {
			return err
		}
		names = append(names, cfg.Name)
	}

	deactivated, err := s.configs.DeactivateMissing(ctx, names)
	if err != nil {
		return err
	}

	s.logger.Info().
		Int("configurations", len(configs)).
		Int64("deactivated", deactivated).
		Msg("configurations synchronised")

	return nil
}

// RunBackup backs up one configuration. Scheduled runs of an inactive
// configuration are refused; manual runs are allowed.
func (s *Impl) RunBackup(ctx context.Context, configID int64, manual bool) (*models.Artifact, error) {
	cfg, err := s.configs.GetConfiguration(ctx, configID)
	if err != nil {
		return nil, fmt.Errorf("loading configuration %d: %w", configID, err)
	}
	if !manual && !cfg.Active {
		return nil, fmt.Errorf("%w: configuration %q is inactive", models.ErrConfiguration, cfg.Name)
	}
	return s.backup(ctx, cfg, manual)
}

// RunAll backs up every active configuration. A failing or panicking
// configuration never prevents the others from running.
func (s *Impl) RunAll(ctx context.Context, manual bool) (Summary, error) {
	startTime := time.Now()
	var summary Summary

	configs, err := s.configs.ListConfigurations(ctx, true)
	if err != nil {
		return summary, fmt.Errorf("listing configurations: %w", err)
	}

	s.logger.Info().Int("configurations", len(configs)).Msg("starting backup run")

	for i := range configs {
		if _, err := s.backup(ctx, &configs[i], manual); err != nil {
			summary.Failed++
			continue
		}
		summary.Succeeded++
	}

	s.logger.Info().
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Dur("duration", time.Since(startTime)).
		Msg("backup run completed")

	return summary, nil
}

func (s *Impl) backup(ctx context.Context, cfg *models.Configuration, manual bool) (*models.Artifact, error) {
	var (
		catcher panics.Catcher
		a       *models.Artifact
		err     error
	)
	catcher.Try(func() {
		a, err = s.backups.CreateBackup(ctx, cfg, manual)
	})
	if r := catcher.Recovered(); r != nil {
		err = r.AsError()
		s.logger.Error().Err(err).Str("configuration", cfg.Name).Msg("backup panicked")
	}
	return a, err
}

// RunRetention applies every active configuration's retention policy.
func (s *Impl) RunRetention(ctx context.Context) (int, error) {
	deleted, err := s.retention.EnforceAll(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("retention cleanup failed")
		return deleted, err
	}
	return deleted, nil
}

// Restore uploads a stored artifact back to the appliance.
func (s *Impl) Restore(ctx context.Context, artifactID int64) (map[string]any, error) {
	a, err := s.artifacts.Get(ctx, artifactID)
	if err != nil {
		return nil, fmt.Errorf("loading backup %d: %w", artifactID, err)
	}
	cfg, err := s.configs.GetConfiguration(ctx, a.ConfigurationID)
	if err != nil {
		return nil, fmt.Errorf("loading configuration of backup %d: %w", artifactID, err)
	}
	return s.restores.Restore(ctx, cfg, a)
}

// DeleteArtifact removes a backup file and then its record. The record is
// kept when the file cannot be removed.
func (s *Impl) DeleteArtifact(ctx context.Context, artifactID int64) error {
	a, err := s.artifacts.Get(ctx, artifactID)
	if err != nil {
		return fmt.Errorf("loading backup %d: %w", artifactID, err)
	}
	if err := s.artifacts.Delete(ctx, a); err != nil {
		return err
	}
	s.logger.Info().Str("filename", a.Filename).Msg("backup deleted")
	return nil
}

// DeleteConfiguration removes every backup file of a configuration and then
// the configuration, whose records go with it. Nothing is deleted from the
// store when a file cannot be removed.
func (s *Impl) DeleteConfiguration(ctx context.Context, configID int64) error {
	cfg, err := s.configs.GetConfiguration(ctx, configID)
	if err != nil {
		return fmt.Errorf("loading configuration %d: %w", configID, err)
	}

	artifacts, err := s.artifacts.List(ctx, configID, "")
	if err != nil {
		return fmt.Errorf("listing backups of %q: %w", cfg.Name, err)
	}
	for _, a := range artifacts {
		if err := s.artifacts.RemoveFile(a.Path); err != nil {
			return fmt.Errorf("deleting backups of %q: %w", cfg.Name, err)
		}
	}

	if err := s.configs.DeleteConfiguration(ctx, configID); err != nil {
		return fmt.Errorf("deleting configuration %q: %w", cfg.Name, err)
	}

	s.logger.Info().
		Str("configuration", cfg.Name).
		Int("backups", len(artifacts)).
		Msg("configuration deleted")

	return nil
}

// CheckConnection probes the appliance. A connection_lost event is sent when
// the appliance becomes unreachable after being reachable or unchecked, once
// per outage.
func (s *Impl) CheckConnection(ctx context.Context) (map[string]any, error) {
	creds, err := s.creds.Lookup()
	if err != nil {
		return nil, err
	}

	info, err := s.clients(creds).CheckReachability(ctx)
	up := err == nil
	metrics.SetApplianceUp(up)

	s.mu.Lock()
	wasUp := s.reachable == nil || *s.reachable
	recovered := s.reachable != nil && !*s.reachable && up
	s.reachable = &up
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn().Err(err).Str("url", creds.URL).Msg("appliance unreachable")
		if wasUp {
			s.sink.Notify(models.Event{
				Kind:    models.EventConnectionLost,
				Title:   "Pi-hole Unreachable",
				Message: "The Pi-hole appliance could not be reached.",
				Details: map[string]string{
					"URL":   creds.URL,
					"Error": err.Error(),
				},
			})
		}
		return nil, err
	}

	if recovered {
		s.logger.Info().Str("url", creds.URL).Msg("appliance reachable again")
	}

	return info, nil
}
