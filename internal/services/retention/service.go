// Package retention enforces keep-count and max-age policies over stored artifacts.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fgeck/gocheckpoint/internal/metrics"
	"github.com/fgeck/gocheckpoint/internal/models"
	"github.com/fgeck/gocheckpoint/internal/services/artifact"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// FailedRecordTTL is how long failed attempt records are kept.
const FailedRecordTTL = 7 * 24 * time.Hour

// Service defines the interface for retention enforcement.
type Service interface {
	Enforce(ctx context.Context, cfg *models.Configuration) (int, error)
	EnforceAll(ctx context.Context) (int, error)
}

// Configurations lists the configurations retention runs over.
type Configurations interface {
	ListConfigurations(ctx context.Context, activeOnly bool) ([]models.Configuration, error)
}

// Impl implements the retention Service interface.
type Impl struct {
	artifacts artifact.Service
	configs   Configurations
	clock     clock.Clock
	logger    zerolog.Logger
}

// New creates a new retention engine.
func New(logger zerolog.Logger, artifacts artifact.Service, configs Configurations) *Impl {
	return NewWithClock(logger, artifacts, configs, clock.WallClock)
}

// NewWithClock creates a new retention engine with a custom clock (for testing).
func NewWithClock(logger zerolog.Logger, artifacts artifact.Service, configs Configurations, clk clock.Clock) *Impl {
	return &Impl{
		artifacts: artifacts,
		configs:   configs,
		clock:     clk,
		logger:    logger,
	}
}

// Enforce applies the policy of one configuration and returns how many
// successful artifacts were deleted. The count pass runs first and the age
// pass sees its result. Failed records older than FailedRecordTTL are removed
// too but not counted.
func (s *Impl) Enforce(ctx context.Context, cfg *models.Configuration) (int, error) {
	logger := s.logger.With().Str("configuration", cfg.Name).Logger()
	now := s.clock.Now()

	var (
		deleted int
		errs    []error
	)

	if cfg.KeepCount > 0 {
		successful, err := s.artifacts.List(ctx, cfg.ID, models.ArtifactSuccess)
		if err != nil {
			return 0, fmt.Errorf("listing backups of %q: %w", cfg.Name, err)
		}
		if len(successful) > cfg.KeepCount {
			n, err := s.evict(ctx, logger, successful[cfg.KeepCount:], "keep_count")
			deleted += n
			if err != nil {
				errs = append(errs, err)
			}
		}
	}

	if cfg.MaxAgeDays > 0 {
		successful, err := s.artifacts.List(ctx, cfg.ID, models.ArtifactSuccess)
		if err != nil {
			return deleted, fmt.Errorf("listing backups of %q: %w", cfg.Name, err)
		}
		cutoff := now.Add(-time.Duration(cfg.MaxAgeDays) * 24 * time.Hour)
		n, err := s.evict(ctx, logger, olderThan(successful, cutoff), "max_age_days")
		deleted += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	failed, err := s.artifacts.List(ctx, cfg.ID, models.ArtifactFailed)
	if err != nil {
		errs = append(errs, fmt.Errorf("listing failed attempts of %q: %w", cfg.Name, err))
	} else {
		n, err := s.evict(ctx, logger, olderThan(failed, now.Add(-FailedRecordTTL)), "failed_ttl")
		if err != nil {
			errs = append(errs, err)
		}
		if n > 0 {
			logger.Info().Int("count", n).Msg("removed stale failed backup records")
		}
		metrics.RecordRetention(0, n)
	}

	metrics.RecordRetention(deleted, 0)
	if deleted > 0 {
		logger.Info().Int("deleted", deleted).Msg("retention policy applied")
	}

	return deleted, errors.Join(errs...)
}

// EnforceAll runs Enforce for every active configuration. A failing
// configuration is logged and does not stop the others.
func (s *Impl) EnforceAll(ctx context.Context) (int, error) {
	configs, err := s.configs.ListConfigurations(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("listing configurations: %w", err)
	}

	total := 0
	for i := range configs {
		cfg := &configs[i]
		n, err := s.Enforce(ctx, cfg)
		total += n
		if err != nil {
			s.logger.Error().Err(err).Str("configuration", cfg.Name).Msg("retention failed")
		}
	}

	s.logger.Info().Int("deleted", total).Int("configurations", len(configs)).Msg("retention sweep completed")

	return total, nil
}

func (s *Impl) evict(ctx context.Context, logger zerolog.Logger, victims []models.Artifact, reason string) (int, error) {
	var (
		n    int
		errs []error
	)
	for i := range victims {
		a := &victims[i]
		if err := s.artifacts.Evict(ctx, a); err != nil {
			logger.Error().Err(err).Str("filename", a.Filename).Msg("failed to delete backup")
			errs = append(errs, err)
			continue
		}
		logger.Debug().Str("filename", a.Filename).Str("reason", reason).Msg("backup deleted")
		n++
	}
	return n, errors.Join(errs...)
}

func olderThan(artifacts []models.Artifact, cutoff time.Time) []models.Artifact {
	var result []models.Artifact
	for _, a := range artifacts {
		if a.CreatedAt.Before(cutoff) {
			result = append(result, a)
		}
	}
	return result
}
