package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fgeck/gocheckpoint/internal/config"
	"github.com/fgeck/gocheckpoint/internal/models"
	"github.com/fgeck/gocheckpoint/internal/services/artifact"
	"github.com/fgeck/gocheckpoint/internal/services/credentials"
	"github.com/fgeck/gocheckpoint/internal/services/notify"
	"github.com/fgeck/gocheckpoint/internal/services/pihole"
	"github.com/fgeck/gocheckpoint/internal/services/runner"
	"github.com/fgeck/gocheckpoint/internal/services/store"
	"github.com/rs/zerolog/log"
)

const drainTimeout = 30 * time.Second

var errConfigRequired = errors.New("config file is required (--config)")

// app holds the services shared by every command.
type app struct {
	cfg        *models.AppConfig
	parser     *config.Parser
	store      *store.Impl
	artifacts  *artifact.Impl
	creds      *credentials.Impl
	dispatcher *notify.Dispatcher
	runner     *runner.Impl
}

// loadConfig reads and validates the config file.
func loadConfig() (*config.Parser, *models.AppConfig, error) {
	if configFile == "" {
		return nil, nil, errConfigRequired
	}

	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return nil, nil, err
	}

	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return nil, nil, err
	}

	return parser, cfg, nil
}

// openApp loads the config, opens the store and writes the file's
// configurations to it.
func openApp(ctx context.Context) (*app, error) {
	parser, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, log.Logger, cfg.Storage.Database)
	if err != nil {
		log.Error().Err(err).Msg("failed to open metadata store")
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		parser:    parser,
		store:     st,
		artifacts: artifact.New(log.Logger, st, cfg.Storage.BackupDir),
		creds:     credentials.New(cfg.Pihole),
		dispatcher: notify.NewDispatcher(
			log.Logger,
			notify.FilterFrom(cfg.Notifications),
			notify.TargetsFrom(log.Logger, cfg.Notifications),
			cfg.Notifications.QueueSize,
			cfg.Notifications.Workers,
		),
	}
	a.runner = runner.New(log.Logger, st, a.artifacts, a.creds, pihole.NewFactory(log.Logger), a.dispatcher)

	if err := a.runner.SyncConfigurations(ctx, cfg.Configurations); err != nil {
		a.close()
		return nil, fmt.Errorf("synchronising configurations: %w", err)
	}

	log.Debug().
		Str("config", configFile).
		Str("backup_dir", cfg.Storage.BackupDir).
		Int("configurations", len(cfg.Configurations)).
		Msg("configuration loaded")

	return a, nil
}

// configuration resolves a configuration by name.
func (a *app) configuration(ctx context.Context, name string) (*models.Configuration, error) {
	return a.store.GetConfigurationByName(ctx, name)
}

// close waits for queued notifications and closes the store.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := a.dispatcher.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("notifications not delivered before shutdown")
	}
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close metadata store")
	}
}
