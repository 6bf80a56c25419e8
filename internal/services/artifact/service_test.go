package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/fgeck/gocheckpoint/internal/models"
	"github.com/fgeck/gocheckpoint/internal/services/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type fixture struct {
	svc    *Impl
	store  *store.Impl
	config *models.Configuration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, testLogger(), filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg, err := st.UpsertConfiguration(ctx, models.Configuration{
		Name: "Primary", Cadence: models.CadenceDaily, Active: true,
	})
	require.NoError(t, err)

	return &fixture{
		svc:    New(testLogger(), st, filepath.Join(t.TempDir(), "backups")),
		store:  st,
		config: cfg,
	}
}

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestSlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "Primary Pi-hole", want: "primary_pi_hole"},
		{in: "  Living Room #2 ", want: "living_room_2"},
		{in: "ALLCAPS", want: "allcaps"},
		{in: "!!!", want: "config"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Slug(tt.in))
		})
	}
}

func TestNewFilename(t *testing.T) {
	at := time.Date(2026, 3, 1, 4, 5, 6, 0, time.UTC)

	first := NewFilename("Primary Pi-hole", at)
	second := NewFilename("Primary Pi-hole", at)

	pattern := regexp.MustCompile(`^pihole_checkpoint_primary_pi_hole_20260301_040506_[0-9a-f]{8}\.zip$`)
	assert.Regexp(t, pattern, first)
	assert.Regexp(t, pattern, second)
	assert.NotEqual(t, first, second, "same-second attempts get distinct names")
}

func TestWriteAndChecksum(t *testing.T) {
	f := newFixture(t)
	data := []byte("PK\x03\x04bundle-bytes")

	path, size, err := f.svc.Write("a.zip", data)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(f.svc.Dir(), "a.zip"), path)
	assert.Equal(t, int64(len(data)), size)

	sum, err := f.svc.Checksum(path)
	require.NoError(t, err)
	assert.Equal(t, sha(data), sum)

	read, err := f.svc.Read(path)
	require.NoError(t, err)
	assert.Equal(t, data, read)
}

func TestWrite_NeverOverwrites(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.svc.Write("a.zip", []byte("one"))
	require.NoError(t, err)
	_, _, err = f.svc.Write("a.zip", []byte("two"))

	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrStorage))
}

func TestWrite_RejectsPathTraversal(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.svc.Write("../escape.zip", []byte("x"))

	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrStorage))
}

func TestRead_Missing(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Read(filepath.Join(f.svc.Dir(), "nope.zip"))

	assert.True(t, errors.Is(err, models.ErrArtifactMissing))
}

func TestVerify(t *testing.T) {
	f := newFixture(t)
	data := []byte("bundle")
	path, _, err := f.svc.Write("v.zip", data)
	require.NoError(t, err)

	tests := []struct {
		name    string
		a       models.Artifact
		wantErr error
	}{
		{name: "matching checksum", a: models.Artifact{Filename: "v.zip", Path: path, Checksum: sha(data)}},
		{name: "uppercase checksum", a: models.Artifact{Filename: "v.zip", Path: path, Checksum: strings.ToUpper(sha(data))}},
		{name: "legacy without checksum", a: models.Artifact{Filename: "v.zip", Path: path}},
		{name: "mismatch", a: models.Artifact{Filename: "v.zip", Path: path, Checksum: sha([]byte("other"))}, wantErr: models.ErrIntegrity},
		{name: "empty path", a: models.Artifact{Filename: "v.zip"}, wantErr: models.ErrArtifactMissing},
		{name: "file gone", a: models.Artifact{Filename: "g.zip", Path: filepath.Join(f.svc.Dir(), "g.zip")}, wantErr: models.ErrArtifactMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.svc.Verify(&tt.a)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestRemoveFile(t *testing.T) {
	f := newFixture(t)
	path, _, err := f.svc.Write("r.zip", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, f.svc.RemoveFile(path))
	require.NoError(t, f.svc.RemoveFile(path), "already absent is fine")
	require.NoError(t, f.svc.RemoveFile(""))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

// stuckPath returns a path that os.Remove cannot delete: a non-empty directory.
func stuckPath(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "stuck.zip")
	require.NoError(t, os.MkdirAll(filepath.Join(path, "child"), 0o750))
	return path
}

func TestDelete_RemovesFileThenRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path, size, err := f.svc.Write("d.zip", []byte("data"))
	require.NoError(t, err)
	a := &models.Artifact{
		ConfigurationID: f.config.ID, Filename: "d.zip", Path: path, Size: size, Status: models.ArtifactSuccess,
	}
	require.NoError(t, f.svc.Record(ctx, a))

	require.NoError(t, f.svc.Delete(ctx, a))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = f.svc.Get(ctx, a.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestDelete_FileAlreadyAbsent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := &models.Artifact{
		ConfigurationID: f.config.ID, Filename: "gone.zip",
		Path: filepath.Join(f.svc.Dir(), "gone.zip"), Status: models.ArtifactSuccess,
	}
	require.NoError(t, f.svc.Record(ctx, a))

	require.NoError(t, f.svc.Delete(ctx, a))

	_, err := f.svc.Get(ctx, a.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestDelete_FileRemovalFailureKeepsRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := &models.Artifact{
		ConfigurationID: f.config.ID, Filename: "stuck.zip",
		Path: stuckPath(t, t.TempDir()), Status: models.ArtifactSuccess,
	}
	require.NoError(t, f.svc.Record(ctx, a))

	err := f.svc.Delete(ctx, a)

	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrStorage))
	_, err = f.svc.Get(ctx, a.ID)
	assert.NoError(t, err, "record survives a failed file deletion")
}

func TestEvict_FileRemovalFailureStillDeletesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := &models.Artifact{
		ConfigurationID: f.config.ID, Filename: "stuck.zip",
		Path: stuckPath(t, t.TempDir()), Status: models.ArtifactSuccess,
	}
	require.NoError(t, f.svc.Record(ctx, a))

	require.NoError(t, f.svc.Evict(ctx, a))

	_, err := f.svc.Get(ctx, a.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestList_DelegatesOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, name := range []string{"a.zip", "b.zip", "c.zip"} {
		require.NoError(t, f.svc.Record(ctx, &models.Artifact{
			ConfigurationID: f.config.ID, Filename: name, Path: "/x/" + name,
			Status: models.ArtifactSuccess, CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	list, err := f.svc.List(ctx, f.config.ID, models.ArtifactSuccess)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "c.zip", list[0].Filename)
	assert.Equal(t, "a.zip", list[2].Filename)
}
