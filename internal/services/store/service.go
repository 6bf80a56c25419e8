// Package store persists configurations, artifact records and scheduler state
// in a relational database (sqlite by default, postgres via DSN).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/gocheckpoint/internal/models"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/mattn/go-sqlite3"    // registers the "sqlite3" driver
	"github.com/rs/zerolog"
)

// Service defines the metadata operations used by the engines and the CLI.
type Service interface {
	UpsertConfiguration(ctx context.Context, cfg models.Configuration) (*models.Configuration, error)
	GetConfiguration(ctx context.Context, id int64) (*models.Configuration, error)
	GetConfigurationByName(ctx context.Context, name string) (*models.Configuration, error)
	ListConfigurations(ctx context.Context, activeOnly bool) ([]models.Configuration, error)
	DeactivateMissing(ctx context.Context, names []string) (int64, error)
	DeleteConfiguration(ctx context.Context, id int64) error
	RecordSuccess(ctx context.Context, id int64, at time.Time) error
	RecordFailure(ctx context.Context, id int64, message string) error

	InsertArtifact(ctx context.Context, a *models.Artifact) error
	GetArtifact(ctx context.Context, id int64) (*models.Artifact, error)
	ListArtifacts(ctx context.Context, configID int64, status models.ArtifactStatus) ([]models.Artifact, error)
	DeleteArtifact(ctx context.Context, id int64) error

	JobNextRun(ctx context.Context, jobID string) (time.Time, bool, error)
	SaveJobNextRun(ctx context.Context, jobID string, next time.Time) error
	DeleteJob(ctx context.Context, jobID string) error

	Ping(ctx context.Context) error
	Close() error
}

// dialect captures the differences between the supported databases.
type dialect struct {
	name        string
	driver      string
	schema      []string
	dollarBinds bool
}

var sqliteDialect = dialect{
	name:   "sqlite",
	driver: "sqlite3",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS configurations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			cadence TEXT NOT NULL,
			hour INTEGER NOT NULL DEFAULT 3,
			minute INTEGER NOT NULL DEFAULT 0,
			day_of_week INTEGER NOT NULL DEFAULT 0,
			keep_count INTEGER NOT NULL DEFAULT 10,
			max_age_days INTEGER NOT NULL DEFAULT 30,
			active BOOLEAN NOT NULL DEFAULT 1,
			last_success_at TIMESTAMP NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			configuration_id INTEGER NOT NULL REFERENCES configurations(id) ON DELETE CASCADE,
			filename TEXT NOT NULL UNIQUE,
			path TEXT NOT NULL DEFAULT '',
			size INTEGER NOT NULL DEFAULT 0,
			checksum TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			manual BOOLEAN NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_configuration ON artifacts (configuration_id, status, created_at)`,
		`CREATE TABLE IF NOT EXISTS scheduler_jobs (
			id TEXT PRIMARY KEY,
			next_run_at TIMESTAMP NOT NULL
		)`,
	},
}

var postgresDialect = dialect{
	name:        "postgres",
	driver:      "pgx",
	dollarBinds: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS configurations (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			cadence TEXT NOT NULL,
			hour INTEGER NOT NULL DEFAULT 3,
			minute INTEGER NOT NULL DEFAULT 0,
			day_of_week INTEGER NOT NULL DEFAULT 0,
			keep_count INTEGER NOT NULL DEFAULT 10,
			max_age_days INTEGER NOT NULL DEFAULT 30,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			last_success_at TIMESTAMPTZ NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id BIGSERIAL PRIMARY KEY,
			configuration_id BIGINT NOT NULL REFERENCES configurations(id) ON DELETE CASCADE,
			filename TEXT NOT NULL UNIQUE,
			path TEXT NOT NULL DEFAULT '',
			size BIGINT NOT NULL DEFAULT 0,
			checksum TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			manual BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_configuration ON artifacts (configuration_id, status, created_at)`,
		`CREATE TABLE IF NOT EXISTS scheduler_jobs (
			id TEXT PRIMARY KEY,
			next_run_at TIMESTAMPTZ NOT NULL
		)`,
	},
}

// Impl implements the Service interface on database/sql.
type Impl struct {
	db      *sql.DB
	dialect dialect
	logger  zerolog.Logger
	now     func() time.Time
}

// Open connects to dsn and applies the schema. A DSN starting with
// postgres:// or postgresql:// selects postgres; anything else is a sqlite
// file path, optionally prefixed with sqlite://.
func Open(ctx context.Context, logger zerolog.Logger, dsn string) (*Impl, error) {
	d, source, err := resolve(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driver, source)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", d.name, err)
	}
	if d.name == sqliteDialect.name {
		// sqlite serialises writers anyway; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	s := &Impl{
		db:      db,
		dialect: d,
		logger:  logger,
		now:     time.Now,
	}

	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug().Str("driver", d.name).Msg("metadata store ready")

	return s, nil
}

func resolve(dsn string) (dialect, string, error) {
	switch {
	case dsn == "":
		return dialect{}, "", fmt.Errorf("%w: database DSN is empty", models.ErrConfiguration)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgresDialect, dsn, nil
	}

	path := strings.TrimPrefix(dsn, "sqlite://")
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return dialect{}, "", fmt.Errorf("%w: creating database directory: %v", models.ErrStorage, err)
		}
	}

	return sqliteDialect, "file:" + path + "?_foreign_keys=1&_busy_timeout=5000", nil
}

// Migrate creates missing tables and indexes.
func (s *Impl) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *Impl) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Impl) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Impl) rebind(query string) string {
	if !s.dialect.dollarBinds {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// timestamp normalises times to UTC at the precision both databases keep.
func timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

const configurationColumns = `id, name, cadence, hour, minute, day_of_week, keep_count, max_age_days,
	active, last_success_at, last_error, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanConfiguration(row scanner) (*models.Configuration, error) {
	var (
		c           models.Configuration
		cadence     string
		lastSuccess sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.Name, &cadence, &c.Hour, &c.Minute, &c.DayOfWeek, &c.KeepCount,
		&c.MaxAgeDays, &c.Active, &lastSuccess, &c.LastError, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Cadence = models.Cadence(cadence)
	if lastSuccess.Valid {
		t := lastSuccess.Time.UTC()
		c.LastSuccessAt = &t
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

// UpsertConfiguration inserts or updates a configuration by name. Only schedule
// and policy fields are written; status fields are left untouched.
func (s *Impl) UpsertConfiguration(ctx context.Context, cfg models.Configuration) (*models.Configuration, error) {
	now := timestamp(s.now())

	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO configurations (name, cadence, hour, minute, day_of_week, keep_count, max_age_days, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			cadence = excluded.cadence,
			hour = excluded.hour,
			minute = excluded.minute,
			day_of_week = excluded.day_of_week,
			keep_count = excluded.keep_count,
			max_age_days = excluded.max_age_days,
			active = excluded.active,
			updated_at = excluded.updated_at
		RETURNING id`),
		cfg.Name, string(cfg.Cadence), cfg.Hour, cfg.Minute, cfg.DayOfWeek, cfg.KeepCount, cfg.MaxAgeDays,
		cfg.Active, now, now,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("upserting configuration %q: %w", cfg.Name, err)
	}

	return s.GetConfiguration(ctx, id)
}

// GetConfiguration returns the configuration with the given id.
func (s *Impl) GetConfiguration(ctx context.Context, id int64) (*models.Configuration, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+configurationColumns+` FROM configurations WHERE id = ?`), id)
	c, err := scanConfiguration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("configuration %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading configuration %d: %w", id, err)
	}
	return c, nil
}

// GetConfigurationByName returns the configuration with the given display name.
func (s *Impl) GetConfigurationByName(ctx context.Context, name string) (*models.Configuration, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+configurationColumns+` FROM configurations WHERE name = ?`), name)
	c, err := scanConfiguration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("configuration %q: %w", name, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading configuration %q: %w", name, err)
	}
	return c, nil
}

// ListConfigurations returns configurations ordered by id.
func (s *Impl) ListConfigurations(ctx context.Context, activeOnly bool) ([]models.Configuration, error) {
	query := `SELECT ` + configurationColumns + ` FROM configurations`
	var args []any
	if activeOnly {
		query += ` WHERE active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing configurations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []models.Configuration
	for rows.Next() {
		c, err := scanConfiguration(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning configuration: %w", err)
		}
		result = append(result, *c)
	}

	return result, rows.Err()
}

// DeactivateMissing marks every active configuration whose name is not in
// names as inactive and returns how many were changed.
func (s *Impl) DeactivateMissing(ctx context.Context, names []string) (int64, error) {
	query := `UPDATE configurations SET active = ?, updated_at = ? WHERE active = ?`
	args := []any{false, timestamp(s.now()), true}
	if len(names) > 0 {
		query += ` AND name NOT IN (` + strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ") + `)`
		for _, name := range names {
			args = append(args, name)
		}
	}

	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("deactivating configurations: %w", err)
	}
	return res.RowsAffected()
}

// DeleteConfiguration removes a configuration; its artifact records cascade.
func (s *Impl) DeleteConfiguration(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM configurations WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting configuration %d: %w", id, err)
	}
	return expectOne(res, fmt.Sprintf("configuration %d", id))
}

// RecordSuccess sets the last-success timestamp and clears the last error.
func (s *Impl) RecordSuccess(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE configurations SET last_success_at = ?, last_error = '', updated_at = ? WHERE id = ?`),
		timestamp(at), timestamp(s.now()), id)
	if err != nil {
		return fmt.Errorf("recording success for configuration %d: %w", id, err)
	}
	return expectOne(res, fmt.Sprintf("configuration %d", id))
}

// RecordFailure overwrites the last error; the last-success timestamp is kept.
func (s *Impl) RecordFailure(ctx context.Context, id int64, message string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE configurations SET last_error = ?, updated_at = ? WHERE id = ?`),
		message, timestamp(s.now()), id)
	if err != nil {
		return fmt.Errorf("recording failure for configuration %d: %w", id, err)
	}
	return expectOne(res, fmt.Sprintf("configuration %d", id))
}

const artifactColumns = `id, configuration_id, filename, path, size, checksum, status, error, manual, created_at`

func scanArtifact(row scanner) (*models.Artifact, error) {
	var (
		a      models.Artifact
		status string
	)
	if err := row.Scan(&a.ID, &a.ConfigurationID, &a.Filename, &a.Path, &a.Size, &a.Checksum,
		&status, &a.Error, &a.Manual, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Status = models.ArtifactStatus(status)
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

// InsertArtifact stores a new record and sets its ID. A zero CreatedAt is
// filled with the current time.
func (s *Impl) InsertArtifact(ctx context.Context, a *models.Artifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	a.CreatedAt = timestamp(a.CreatedAt)

	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO artifacts (configuration_id, filename, path, size, checksum, status, error, manual, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		a.ConfigurationID, a.Filename, a.Path, a.Size, a.Checksum, string(a.Status), a.Error, a.Manual, a.CreatedAt,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("inserting artifact %s: %w", a.Filename, err)
	}
	return nil
}

// GetArtifact returns the artifact record with the given id.
func (s *Impl) GetArtifact(ctx context.Context, id int64) (*models.Artifact, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`), id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading artifact %d: %w", id, err)
	}
	return a, nil
}

// ListArtifacts returns records newest first. A zero configID lists every
// configuration; an empty status lists both outcomes.
func (s *Impl) ListArtifacts(ctx context.Context, configID int64, status models.ArtifactStatus) ([]models.Artifact, error) {
	var (
		where []string
		args  []any
	)
	if configID != 0 {
		where = append(where, "configuration_id = ?")
		args = append(args, configID)
	}
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, string(status))
	}

	query := `SELECT ` + artifactColumns + ` FROM artifacts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []models.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning artifact: %w", err)
		}
		result = append(result, *a)
	}

	return result, rows.Err()
}

// DeleteArtifact removes one artifact record.
func (s *Impl) DeleteArtifact(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM artifacts WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting artifact %d: %w", id, err)
	}
	return expectOne(res, fmt.Sprintf("artifact %d", id))
}

// JobNextRun returns the persisted next due time of a scheduler job.
func (s *Impl) JobNextRun(ctx context.Context, jobID string) (time.Time, bool, error) {
	var next time.Time
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT next_run_at FROM scheduler_jobs WHERE id = ?`), jobID).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	return next.UTC(), true, nil
}

// SaveJobNextRun persists the next due time of a scheduler job.
func (s *Impl) SaveJobNextRun(ctx context.Context, jobID string, next time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO scheduler_jobs (id, next_run_at) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET next_run_at = excluded.next_run_at`),
		jobID, timestamp(next))
	if err != nil {
		return fmt.Errorf("saving job %s: %w", jobID, err)
	}
	return nil
}

// DeleteJob forgets the persisted state of a scheduler job.
func (s *Impl) DeleteJob(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM scheduler_jobs WHERE id = ?`), jobID); err != nil {
		return fmt.Errorf("deleting job %s: %w", jobID, err)
	}
	return nil
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, models.ErrNotFound)
	}
	return nil
}
