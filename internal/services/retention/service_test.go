package retention

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fgeck/gocheckpoint/internal/models"
	"github.com/fgeck/gocheckpoint/internal/services/artifact"
	"github.com/fgeck/gocheckpoint/internal/services/store"
	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

var testNow = time.Date(2026, 6, 1, 4, 0, 0, 0, time.UTC)

// failingLists makes List fail for one configuration.
type failingLists struct {
	artifact.Service
	configID int64
}

func (f *failingLists) List(ctx context.Context, configID int64, status models.ArtifactStatus) ([]models.Artifact, error) {
	if configID == f.configID {
		return nil, errors.New("disk I/O error")
	}
	return f.Service.List(ctx, configID, status)
}

type fixture struct {
	engine    *Impl
	store     *store.Impl
	artifacts *artifact.Impl
	dir       string
	seq       int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.Open(context.Background(), testLogger(), filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	dir := filepath.Join(t.TempDir(), "backups")
	artifacts := artifact.New(testLogger(), st, dir)

	return &fixture{
		engine:    NewWithClock(testLogger(), artifacts, st, testclock.NewClock(testNow)),
		store:     st,
		artifacts: artifacts,
		dir:       dir,
	}
}

func (f *fixture) config(t *testing.T, name string, keep, maxAge int, active bool) *models.Configuration {
	t.Helper()
	cfg, err := f.store.UpsertConfiguration(context.Background(), models.Configuration{
		Name: name, Cadence: models.CadenceDaily, KeepCount: keep, MaxAgeDays: maxAge, Active: active,
	})
	require.NoError(t, err)
	return cfg
}

// successful stores a bundle file and its record created age ago.
func (f *fixture) successful(t *testing.T, cfg *models.Configuration, age time.Duration) *models.Artifact {
	t.Helper()
	f.seq++
	name := fmt.Sprintf("backup_%03d.zip", f.seq)
	path, size, err := f.artifacts.Write(name, []byte(name))
	require.NoError(t, err)

	a := &models.Artifact{
		ConfigurationID: cfg.ID, Filename: name, Path: path, Size: size,
		Status: models.ArtifactSuccess, CreatedAt: testNow.Add(-age),
	}
	require.NoError(t, f.artifacts.Record(context.Background(), a))
	return a
}

func (f *fixture) failed(t *testing.T, cfg *models.Configuration, age time.Duration) *models.Artifact {
	t.Helper()
	f.seq++
	a := &models.Artifact{
		ConfigurationID: cfg.ID, Filename: fmt.Sprintf("failed_%03d.zip", f.seq),
		Status: models.ArtifactFailed, Error: "timeout", CreatedAt: testNow.Add(-age),
	}
	require.NoError(t, f.artifacts.Record(context.Background(), a))
	return a
}

func (f *fixture) remaining(t *testing.T, cfg *models.Configuration, status models.ArtifactStatus) []string {
	t.Helper()
	list, err := f.store.ListArtifacts(context.Background(), cfg.ID, status)
	require.NoError(t, err)
	var names []string
	for _, a := range list {
		names = append(names, a.Filename)
	}
	return names
}

const day = 24 * time.Hour

func TestEnforce_KeepCountLeavesNewest(t *testing.T) {
	f := newFixture(t)
	cfg := f.config(t, "Primary", 2, 0, true)

	var created []*models.Artifact
	for i := 5; i >= 1; i-- {
		created = append(created, f.successful(t, cfg, time.Duration(i)*time.Hour))
	}

	deleted, err := f.engine.Enforce(context.Background(), cfg)

	require.NoError(t, err)
	assert.Equal(t, 3, deleted)
	assert.Equal(t, []string{created[4].Filename, created[3].Filename}, f.remaining(t, cfg, models.ArtifactSuccess))

	for _, a := range created[:3] {
		_, err := os.Stat(a.Path)
		assert.True(t, os.IsNotExist(err), "file of evicted %s removed", a.Filename)
	}
	for _, a := range created[3:] {
		_, err := os.Stat(a.Path)
		assert.NoError(t, err)
	}
}

func TestEnforce_KeepCountBound(t *testing.T) {
	for keep := 1; keep <= 6; keep++ {
		t.Run(fmt.Sprintf("keep=%d", keep), func(t *testing.T) {
			f := newFixture(t)
			cfg := f.config(t, "Primary", keep, 0, true)

			var newestFirst []string
			for i := 0; i < 5; i++ {
				a := f.successful(t, cfg, time.Duration(i)*time.Hour)
				newestFirst = append(newestFirst, a.Filename)
			}

			deleted, err := f.engine.Enforce(context.Background(), cfg)
			require.NoError(t, err)

			want := newestFirst
			if keep < len(want) {
				want = want[:keep]
			}
			assert.Equal(t, want, f.remaining(t, cfg, models.ArtifactSuccess))
			assert.Equal(t, len(newestFirst)-len(want), deleted)
		})
	}
}

func TestEnforce_MaxAge(t *testing.T) {
	f := newFixture(t)
	cfg := f.config(t, "Primary", 0, 30, true)

	young := f.successful(t, cfg, 10*day)
	edge := f.successful(t, cfg, 30*day)
	f.successful(t, cfg, 30*day+time.Minute)
	f.successful(t, cfg, 45*day)

	deleted, err := f.engine.Enforce(context.Background(), cfg)

	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.Equal(t, []string{young.Filename, edge.Filename}, f.remaining(t, cfg, models.ArtifactSuccess))
}

func TestEnforce_CountRunsBeforeAge(t *testing.T) {
	f := newFixture(t)
	cfg := f.config(t, "Primary", 3, 30, true)

	a1 := f.successful(t, cfg, 1*day)
	a2 := f.successful(t, cfg, 2*day)
	f.successful(t, cfg, 40*day)
	f.successful(t, cfg, 50*day)
	f.successful(t, cfg, 60*day)

	deleted, err := f.engine.Enforce(context.Background(), cfg)

	require.NoError(t, err)
	assert.Equal(t, 3, deleted, "two by count, then one by age")
	assert.Equal(t, []string{a1.Filename, a2.Filename}, f.remaining(t, cfg, models.ArtifactSuccess))
}

func TestEnforce_UnboundedPolicyKeepsEverything(t *testing.T) {
	f := newFixture(t)
	cfg := f.config(t, "Primary", 0, 0, true)
	for i := 0; i < 4; i++ {
		f.successful(t, cfg, time.Duration(i*100)*day)
	}

	deleted, err := f.engine.Enforce(context.Background(), cfg)

	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Len(t, f.remaining(t, cfg, models.ArtifactSuccess), 4)
}

func TestEnforce_FailedRecordsAfterSevenDays(t *testing.T) {
	f := newFixture(t)
	cfg := f.config(t, "Primary", 1, 0, true)

	recent := f.failed(t, cfg, 6*day)
	f.failed(t, cfg, 8*day)
	f.failed(t, cfg, 30*day)
	// Failed records are not subject to the keep count.
	f.successful(t, cfg, time.Hour)

	deleted, err := f.engine.Enforce(context.Background(), cfg)

	require.NoError(t, err)
	assert.Zero(t, deleted, "failed record cleanup is not counted")
	assert.Equal(t, []string{recent.Filename}, f.remaining(t, cfg, models.ArtifactFailed))
	assert.Len(t, f.remaining(t, cfg, models.ArtifactSuccess), 1)
}

func TestEnforce_FileDeletionIsBestEffort(t *testing.T) {
	f := newFixture(t)
	cfg := f.config(t, "Primary", 1, 0, true)

	f.successful(t, cfg, time.Hour)
	stuck := f.successful(t, cfg, 2*time.Hour)
	// Replace the file with a non-empty directory so it cannot be removed.
	require.NoError(t, os.Remove(stuck.Path))
	require.NoError(t, os.MkdirAll(filepath.Join(stuck.Path, "child"), 0o750))

	deleted, err := f.engine.Enforce(context.Background(), cfg)

	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Len(t, f.remaining(t, cfg, models.ArtifactSuccess), 1)
}

func TestEnforceAll_IsolatesConfigurations(t *testing.T) {
	f := newFixture(t)
	broken := f.config(t, "Broken", 1, 0, true)
	healthy := f.config(t, "Healthy", 1, 0, true)
	inactive := f.config(t, "Inactive", 1, 0, false)

	for _, cfg := range []*models.Configuration{broken, healthy, inactive} {
		f.successful(t, cfg, time.Hour)
		f.successful(t, cfg, 2*time.Hour)
	}

	engine := NewWithClock(testLogger(), &failingLists{Service: f.artifacts, configID: broken.ID}, f.store, testclock.NewClock(testNow))

	total, err := engine.EnforceAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, f.remaining(t, healthy, models.ArtifactSuccess), 1)
	assert.Len(t, f.remaining(t, broken, models.ArtifactSuccess), 2)
	assert.Len(t, f.remaining(t, inactive, models.ArtifactSuccess), 2, "inactive configurations are skipped")
}

func TestEnforce_ListErrorPropagates(t *testing.T) {
	f := newFixture(t)
	cfg := f.config(t, "Primary", 1, 0, true)
	engine := NewWithClock(testLogger(), &failingLists{Service: f.artifacts, configID: cfg.ID}, f.store, testclock.NewClock(testNow))

	_, err := engine.Enforce(context.Background(), cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
}
