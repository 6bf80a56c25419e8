package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fgeck/gocheckpoint/internal/models"
	"github.com/fgeck/gocheckpoint/internal/services/artifact"
	"github.com/fgeck/gocheckpoint/internal/services/backup"
	"github.com/fgeck/gocheckpoint/internal/services/credentials"
	"github.com/fgeck/gocheckpoint/internal/services/pihole"
	"github.com/fgeck/gocheckpoint/internal/services/store"
	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock implementations.
type mockClient struct {
	downloadFunc func(ctx context.Context) ([]byte, error)
	uploadFunc   func(ctx context.Context, data []byte) (map[string]any, error)

	mu       sync.Mutex
	uploaded [][]byte
}

func (m *mockClient) Authenticate(ctx context.Context) error        { return nil }
func (m *mockClient) EnsureAuthenticated(ctx context.Context) error { return nil }

func (m *mockClient) DownloadBundle(ctx context.Context) ([]byte, error) {
	if m.downloadFunc != nil {
		return m.downloadFunc(ctx)
	}
	return []byte("bundle"), nil
}

func (m *mockClient) UploadBundle(ctx context.Context, data []byte) (map[string]any, error) {
	m.mu.Lock()
	m.uploaded = append(m.uploaded, data)
	m.mu.Unlock()
	if m.uploadFunc != nil {
		return m.uploadFunc(ctx, data)
	}
	return map[string]any{"processed": []any{"gravity"}}, nil
}

func (m *mockClient) CheckReachability(ctx context.Context) (map[string]any, error) {
	return map[string]any{}, nil
}

func (m *mockClient) uploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploaded)
}

type mockSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (m *mockSink) Notify(event models.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockSink) last() models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[len(m.events)-1]
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func validEnv(key string) string {
	switch key {
	case credentials.EnvURL:
		return "https://pi.hole"
	case credentials.EnvPassword:
		return "secret"
	}
	return ""
}

type fixture struct {
	engine    *Impl
	backups   *backup.Impl
	artifacts *artifact.Impl
	client    *mockClient
	sink      *mockSink
	config    *models.Configuration
}

func newFixture(t *testing.T, getenv func(string) string) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, testLogger(), filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg, err := st.UpsertConfiguration(ctx, models.Configuration{
		Name: "Primary", Cadence: models.CadenceDaily, Active: true,
	})
	require.NoError(t, err)

	client := &mockClient{}
	sink := &mockSink{}
	artifacts := artifact.New(testLogger(), st, filepath.Join(t.TempDir(), "backups"))
	factory := func(models.Credentials) pihole.Service { return client }
	creds := credentials.NewWithEnv(models.PiholeConfig{}, getenv)

	return &fixture{
		engine: New(testLogger(), creds, factory, artifacts, sink),
		backups: backup.NewWithClock(testLogger(), credentials.NewWithEnv(models.PiholeConfig{}, validEnv),
			factory, artifacts, st, sink, testclock.NewClock(time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC))),
		artifacts: artifacts,
		client:    client,
		sink:      sink,
		config:    cfg,
	}
}

func TestRestore_RoundTripIsByteIdentical(t *testing.T) {
	f := newFixture(t, validEnv)
	ctx := context.Background()
	bundle := []byte("PK\x03\x04\x00\x01binary\xff\xfe-teleporter")
	f.client.downloadFunc = func(ctx context.Context) ([]byte, error) { return bundle, nil }

	a, err := f.backups.CreateBackup(ctx, f.config, false)
	require.NoError(t, err)

	result, err := f.engine.Restore(ctx, f.config, a)

	require.NoError(t, err)
	assert.Equal(t, []any{"gravity"}, result["processed"])
	require.Equal(t, 1, f.client.uploads())
	assert.Equal(t, bundle, f.client.uploaded[0])

	sum, err := f.artifacts.Checksum(a.Path)
	require.NoError(t, err)
	assert.Equal(t, a.Checksum, sum)

	event := f.sink.last()
	assert.Equal(t, models.EventRestoreSuccess, event.Kind)
	assert.Equal(t, "2026-03-01 03:00:00", event.Details["Backup date"])
}

func TestRestore_CorruptedFileNeverUploads(t *testing.T) {
	f := newFixture(t, validEnv)
	ctx := context.Background()

	a, err := f.backups.CreateBackup(ctx, f.config, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(a.Path, []byte("tampered"), 0o600))

	_, err = f.engine.Restore(ctx, f.config, a)

	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrIntegrity))
	assert.Zero(t, f.client.uploads())
	event := f.sink.last()
	assert.Equal(t, models.EventRestoreFailed, event.Kind)
	assert.Contains(t, event.Details["Error"], "checksum mismatch")
}

func TestRestore_MissingFile(t *testing.T) {
	f := newFixture(t, validEnv)
	ctx := context.Background()

	a, err := f.backups.CreateBackup(ctx, f.config, false)
	require.NoError(t, err)
	require.NoError(t, os.Remove(a.Path))

	_, err = f.engine.Restore(ctx, f.config, a)

	assert.True(t, errors.Is(err, models.ErrArtifactMissing))
	assert.Zero(t, f.client.uploads())
}

func TestRestore_FailedRecordHasNoFile(t *testing.T) {
	f := newFixture(t, validEnv)

	failed := &models.Artifact{ID: 7, Filename: "x.zip", Status: models.ArtifactFailed}
	_, err := f.engine.Restore(context.Background(), f.config, failed)

	assert.True(t, errors.Is(err, models.ErrArtifactMissing))
	assert.Zero(t, f.client.uploads())
}

func TestRestore_LegacyRecordWithoutChecksum(t *testing.T) {
	f := newFixture(t, validEnv)
	ctx := context.Background()

	a, err := f.backups.CreateBackup(ctx, f.config, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(a.Path, []byte("rewritten legacy bundle"), 0o600))
	a.Checksum = ""

	_, err = f.engine.Restore(ctx, f.config, a)

	require.NoError(t, err)
	require.Equal(t, 1, f.client.uploads())
	assert.Equal(t, []byte("rewritten legacy bundle"), f.client.uploaded[0])
}

func TestRestore_MissingCredentials(t *testing.T) {
	f := newFixture(t, func(string) string { return "" })
	ctx := context.Background()

	a, err := f.backups.CreateBackup(ctx, f.config, false)
	require.NoError(t, err)

	_, err = f.engine.Restore(ctx, f.config, a)

	assert.True(t, errors.Is(err, models.ErrConfiguration))
	assert.Zero(t, f.client.uploads())
}

func TestRestore_UploadErrorPropagates(t *testing.T) {
	f := newFixture(t, validEnv)
	ctx := context.Background()
	f.client.uploadFunc = func(ctx context.Context, data []byte) (map[string]any, error) {
		return nil, fmt.Errorf("%w: /api/teleporter rejected a fresh session", models.ErrInvalidCredentials)
	}

	a, err := f.backups.CreateBackup(ctx, f.config, false)
	require.NoError(t, err)

	_, err = f.engine.Restore(ctx, f.config, a)

	assert.True(t, errors.Is(err, models.ErrInvalidCredentials))
	assert.Equal(t, models.EventRestoreFailed, f.sink.last().Kind)
}
