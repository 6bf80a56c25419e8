// Package scheduler runs backups, retention and housekeeping on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fgeck/gocheckpoint/internal/metrics"
	"github.com/fgeck/gocheckpoint/internal/models"
	"github.com/juju/clock"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/semaphore"
)

// Fixed job ids.
const (
	RetentionJobID  = "retention_cleanup"
	RefreshJobID    = "refresh_schedules"
	ConnectionJobID = "connection_check"

	backupJobPrefix = "backup_"
)

// Defaults applied by New for zero option values.
const (
	DefaultWorkers           = 4
	DefaultMisfireGrace      = 5 * time.Minute
	DefaultRefreshInterval   = 5 * time.Minute
	DefaultRetentionSchedule = "0 4 * * *"
)

// Runner executes the work behind each job.
type Runner interface {
	RunBackup(ctx context.Context, configID int64, manual bool) (*models.Artifact, error)
	RunRetention(ctx context.Context) (int, error)
	CheckConnection(ctx context.Context) (map[string]any, error)
}

// Configurations lists the configurations backup jobs are derived from.
type Configurations interface {
	ListConfigurations(ctx context.Context, activeOnly bool) ([]models.Configuration, error)
}

// JobState persists the next due time of each job.
type JobState interface {
	JobNextRun(ctx context.Context, jobID string) (time.Time, bool, error)
	SaveJobNextRun(ctx context.Context, jobID string, next time.Time) error
	DeleteJob(ctx context.Context, jobID string) error
}

// Options configures a Scheduler.
type Options struct {
	Location                *time.Location
	Workers                 int
	MisfireGrace            time.Duration
	RefreshInterval         time.Duration
	RetentionSchedule       string
	ConnectionCheckInterval time.Duration // 0 disables the connection check
}

// OptionsFrom converts the scheduler section of the config file.
func OptionsFrom(settings models.SchedulerSettings) (Options, error) {
	loc := time.Local
	if settings.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(settings.Timezone)
		if err != nil {
			return Options{}, fmt.Errorf("%w: timezone %q: %w", models.ErrConfiguration, settings.Timezone, err)
		}
	}
	return Options{
		Location:                loc,
		Workers:                 settings.Workers,
		MisfireGrace:            settings.MisfireGrace,
		RefreshInterval:         settings.RefreshInterval,
		RetentionSchedule:       settings.RetentionSchedule,
		ConnectionCheckInterval: settings.ConnectionCheckInterval,
	}, nil
}

// JobInfo describes an installed job.
type JobInfo struct {
	ID   string
	Spec string
	Next time.Time
}

type job struct {
	id       string
	spec     string
	schedule cron.Schedule
	entry    cron.EntryID
	run      func(ctx context.Context) error
	due      time.Time
}

// Scheduler owns the cron timer, the installed jobs and the set of jobs in
// flight. A job id is never run twice at the same time, even across
// re-installation.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	configs Configurations
	state   JobState
	clock   clock.Clock
	opts    Options
	sem     *semaphore.Weighted
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu      sync.Mutex
	jobs    map[string]*job
	running map[string]bool
	stopped bool
}

// New creates a scheduler. Nothing runs until Start.
func New(logger zerolog.Logger, runner Runner, configs Configurations, state JobState, opts Options) *Scheduler {
	return NewWithClock(logger, runner, configs, state, opts, clock.WallClock)
}

// NewWithClock creates a scheduler with a custom clock (for testing).
func NewWithClock(
	logger zerolog.Logger,
	runner Runner,
	configs Configurations,
	state JobState,
	opts Options,
	clk clock.Clock,
) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MisfireGrace <= 0 {
		opts.MisfireGrace = DefaultMisfireGrace
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.RetentionSchedule == "" {
		opts.RetentionSchedule = DefaultRetentionSchedule
	}

	cronLog := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(opts.Location),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog)),
		),
		runner:  runner,
		configs: configs,
		state:   state,
		clock:   clk,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.Workers)),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*job),
		running: make(map[string]bool),
	}
}

// BackupJobID returns the job id of a configuration's backup job.
func BackupJobID(configID int64) string {
	return fmt.Sprintf("%s%d", backupJobPrefix, configID)
}

// CronSpec derives the cron expression of a configuration's backup job.
// It returns false when the configuration must not be scheduled.
func CronSpec(cfg models.Configuration) (string, bool) {
	if !cfg.Active {
		return "", false
	}
	switch cfg.Cadence {
	case models.CadenceHourly:
		return fmt.Sprintf("%d * * * *", cfg.Minute), true
	case models.CadenceDaily:
		return fmt.Sprintf("%d %d * * *", cfg.Minute, cfg.Hour), true
	case models.CadenceWeekly:
		// Cron counts days from Sunday, configurations from Monday.
		return fmt.Sprintf("%d %d * * %d", cfg.Minute, cfg.Hour, (cfg.DayOfWeek+1)%7), true
	}
	return "", false
}

// Start installs the housekeeping jobs and the backup jobs and starts the timer.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.install(ctx, RetentionJobID, s.opts.RetentionSchedule, func(ctx context.Context) error {
		_, err := s.runner.RunRetention(ctx)
		return err
	}); err != nil {
		return err
	}

	if err := s.install(ctx, RefreshJobID, every(s.opts.RefreshInterval), s.Sync); err != nil {
		return err
	}

	if s.opts.ConnectionCheckInterval > 0 {
		if err := s.install(ctx, ConnectionJobID, every(s.opts.ConnectionCheckInterval), func(ctx context.Context) error {
			// The runner logs and notifies reachability changes itself.
			_, _ = s.runner.CheckConnection(ctx)
			return nil
		}); err != nil {
			return err
		}
	}

	if err := s.Sync(ctx); err != nil {
		return err
	}

	s.cron.Start()

	s.logger.Info().
		Str("timezone", s.opts.Location.String()).
		Int("workers", s.opts.Workers).
		Dur("misfire_grace", s.opts.MisfireGrace).
		Msg("scheduler started")

	return nil
}

// Sync re-derives the backup jobs from the active configurations. Jobs whose
// schedule did not change keep their timer; jobs of configurations that are
// gone or inactive are removed along with their persisted state.
func (s *Scheduler) Sync(ctx context.Context) error {
	configs, err := s.configs.ListConfigurations(ctx, true)
	if err != nil {
		return fmt.Errorf("listing configurations: %w", err)
	}

	want := make(map[string]bool, len(configs))
	var errs []string
	for _, cfg := range configs {
		spec, ok := CronSpec(cfg)
		if !ok {
			continue
		}
		id := BackupJobID(cfg.ID)
		want[id] = true

		configID := cfg.ID
		if err := s.install(ctx, id, spec, func(ctx context.Context) error {
			_, err := s.runner.RunBackup(ctx, configID, false)
			return err
		}); err != nil {
			errs = append(errs, err.Error())
		}
	}

	s.mu.Lock()
	var stale []string
	for id, j := range s.jobs {
		if strings.HasPrefix(id, backupJobPrefix) && !want[id] {
			s.cron.Remove(j.entry)
			delete(s.jobs, id)
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		if err := s.state.DeleteJob(ctx, id); err != nil {
			s.logger.Warn().Err(err).Str("job", id).Msg("failed to delete job state")
		}
		s.logger.Info().Str("job", id).Msg("job removed")
	}

	if len(errs) > 0 {
		return fmt.Errorf("installing jobs: %s", strings.Join(errs, "; "))
	}
	return nil
}

// install adds or replaces a job. A job with an unchanged spec keeps its
// timer. A newly installed job whose persisted due time was missed by less
// than the misfire grace is run once immediately.
func (s *Scheduler) install(ctx context.Context, id, spec string, run func(ctx context.Context) error) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("%w: job %s: invalid schedule %q: %w", models.ErrConfiguration, id, spec, err)
	}

	s.mu.Lock()
	if existing, ok := s.jobs[id]; ok {
		if existing.spec == spec {
			existing.run = run
			s.mu.Unlock()
			return nil
		}
		s.cron.Remove(existing.entry)
		delete(s.jobs, id)
	}

	j := &job{
		id:       id,
		spec:     spec,
		schedule: schedule,
		run:      run,
		due:      schedule.Next(s.now()),
	}
	j.entry = s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(id) }))
	s.jobs[id] = j
	s.mu.Unlock()

	s.logger.Info().Str("job", id).Str("spec", spec).Time("next_run", j.due).Msg("job installed")

	missed, ok, err := s.state.JobNextRun(ctx, id)
	if err != nil {
		s.logger.Warn().Err(err).Str("job", id).Msg("failed to load job state")
	}
	if ok {
		now := s.now()
		switch {
		case !missed.Before(now):
		case now.Sub(missed) <= s.opts.MisfireGrace:
			s.logger.Info().Str("job", id).Time("due", missed).Msg("running missed job")
			s.dispatch(j, missed)
		default:
			s.logger.Warn().Str("job", id).Time("due", missed).Msg("missed job dropped")
			metrics.RecordSkip(id, metrics.SkipMisfire)
		}
	}

	s.persist(ctx, id, j.due)
	return nil
}

// fire is called by the cron timer. It never blocks on the job itself.
func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	due := j.due
	j.due = j.schedule.Next(s.now())
	next := j.due
	s.mu.Unlock()

	s.persist(s.ctx, id, next)
	s.dispatch(j, due)
}

func (s *Scheduler) dispatch(j *job, due time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if s.running[j.id] {
		s.logger.Warn().Str("job", j.id).Msg("job still running, skipping")
		metrics.RecordSkip(j.id, metrics.SkipRunning)
		return
	}
	s.running[j.id] = true
	run := j.run

	s.wg.Go(func() {
		defer s.finish(j.id)
		s.execute(j.id, run, due)
	})
}

func (s *Scheduler) execute(id string, run func(ctx context.Context) error, due time.Time) {
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	if late := s.now().Sub(due); late > s.opts.MisfireGrace {
		s.logger.Warn().Str("job", id).Dur("late", late).Msg("job missed its start window, skipping")
		metrics.RecordSkip(id, metrics.SkipMisfire)
		return
	}

	startTime := s.clock.Now()
	s.logger.Debug().Str("job", id).Msg("job started")

	var catcher panics.Catcher
	var err error
	catcher.Try(func() {
		err = run(context.WithoutCancel(s.ctx))
	})
	if r := catcher.Recovered(); r != nil {
		err = r.AsError()
	}

	if err != nil {
		s.logger.Error().Err(err).Str("job", id).Msg("job failed")
		return
	}
	s.logger.Debug().Str("job", id).Dur("duration", s.clock.Now().Sub(startTime)).Msg("job completed")
}

func (s *Scheduler) finish(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

func (s *Scheduler) persist(ctx context.Context, id string, next time.Time) {
	if err := s.state.SaveJobNextRun(ctx, id, next); err != nil {
		s.logger.Warn().Err(err).Str("job", id).Msg("failed to save job state")
	}
}

// Jobs returns the installed jobs ordered by id.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		result = append(result, JobInfo{ID: j.id, Spec: j.spec, Next: j.due})
	}
	sort.Slice(result, func(i, k int) bool { return result[i].ID < result[k].ID })
	return result
}

// Stop stops the timer, abandons jobs still waiting for a worker and waits
// for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}

func (s *Scheduler) now() time.Time {
	return s.clock.Now().In(s.opts.Location)
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
