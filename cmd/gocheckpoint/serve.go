package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fgeck/gocheckpoint/internal/config"
	"github.com/fgeck/gocheckpoint/internal/models"
	"github.com/fgeck/gocheckpoint/internal/server"
	"github.com/fgeck/gocheckpoint/internal/services/scheduler"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the backup scheduler",
	Long: `Run scheduled backups, retention cleanup and connection checks until
interrupted. Changes to the config file are applied without a restart.

When server.listen is set, /metrics, /healthz and /readyz are served there.`,
	RunE: serve,
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	opts, err := scheduler.OptionsFrom(a.cfg.Scheduler)
	if err != nil {
		return err
	}
	sched := scheduler.New(log.Logger, a.runner, a.store, a.store, opts)
	if err := sched.Start(ctx); err != nil {
		log.Error().Err(err).Msg("failed to start scheduler")
		return err
	}

	a.parser.Watch(func(cfg *models.AppConfig, err error) {
		reloadCtx := context.WithoutCancel(ctx)
		if err == nil {
			err = config.Validate(cfg)
		}
		if err != nil {
			log.Error().Err(err).Msg("config reload rejected, keeping previous configuration")
			return
		}
		a.creds.Update(cfg.Pihole)
		if err := a.runner.SyncConfigurations(reloadCtx, cfg.Configurations); err != nil {
			log.Error().Err(err).Msg("failed to apply reloaded configurations")
			return
		}
		if err := sched.Sync(reloadCtx); err != nil {
			log.Error().Err(err).Msg("failed to reschedule after reload")
			return
		}
		log.Info().Str("config", configFile).Msg("configuration reloaded")
	})

	var srv *http.Server
	if a.cfg.Server.Listen != "" {
		srv = &http.Server{
			Addr:              a.cfg.Server.Listen,
			Handler:           server.NewRouter(log.Logger, a.store),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("listen", srv.Addr).Msg("metrics listener started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	<-ctx.Done()
	log.Warn().Msg("received signal, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("running jobs did not finish before shutdown")
	}

	return nil
}
