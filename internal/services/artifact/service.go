// Package artifact stores backup bundles on disk alongside their metadata records.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fgeck/gocheckpoint/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Records is the metadata side of the artifact store.
type Records interface {
	InsertArtifact(ctx context.Context, a *models.Artifact) error
	GetArtifact(ctx context.Context, id int64) (*models.Artifact, error)
	ListArtifacts(ctx context.Context, configID int64, status models.ArtifactStatus) ([]models.Artifact, error)
	DeleteArtifact(ctx context.Context, id int64) error
}

// Service defines the artifact store operations.
type Service interface {
	Write(filename string, data []byte) (string, int64, error)
	Read(path string) ([]byte, error)
	Checksum(path string) (string, error)
	Verify(a *models.Artifact) error
	RemoveFile(path string) error

	Record(ctx context.Context, a *models.Artifact) error
	Get(ctx context.Context, id int64) (*models.Artifact, error)
	List(ctx context.Context, configID int64, status models.ArtifactStatus) ([]models.Artifact, error)
	Delete(ctx context.Context, a *models.Artifact) error
	Evict(ctx context.Context, a *models.Artifact) error
}

// Impl implements the Service interface.
type Impl struct {
	records Records
	dir     string
	logger  zerolog.Logger
}

// New creates an artifact store rooted at dir.
func New(logger zerolog.Logger, records Records, dir string) *Impl {
	return &Impl{
		records: records,
		dir:     dir,
		logger:  logger,
	}
}

// Dir returns the artifact directory.
func (s *Impl) Dir() string {
	return s.dir
}

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases name and collapses runs of other characters to "_".
func Slug(name string) string {
	slug := strings.Trim(nonAlphanumeric.ReplaceAllString(strings.ToLower(name), "_"), "_")
	if slug == "" {
		return "config"
	}
	return slug
}

// NewFilename returns a collision-free artifact filename for a configuration.
// The random suffix separates attempts that land in the same second.
func NewFilename(name string, at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("pihole_checkpoint_%s_%s_%s.zip", Slug(name), at.Format("20060102_150405"), suffix)
}

// Write persists data under filename and returns its path and size.
// An existing file is never overwritten.
func (s *Impl) Write(filename string, data []byte) (string, int64, error) {
	if filename == "" || filepath.Base(filename) != filename {
		return "", 0, fmt.Errorf("%w: invalid artifact filename %q", models.ErrStorage, filename)
	}

	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return "", 0, fmt.Errorf("%w: creating artifact directory: %w", models.ErrStorage, err)
	}

	path := filepath.Join(s.dir, filename)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", 0, fmt.Errorf("%w: creating %s: %w", models.ErrStorage, filename, err)
	}

	n, err := f.Write(data)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		// The caller removes the partial file.
		return path, int64(n), fmt.Errorf("%w: writing %s: %w", models.ErrStorage, filename, err)
	}

	s.logger.Debug().Str("filename", filename).Int("bytes", n).Msg("artifact written")

	return path, int64(n), nil
}

// Read returns the full contents of an artifact file.
func (s *Impl) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", models.ErrArtifactMissing, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", models.ErrStorage, path, err)
	}
	return data, nil
}

// Checksum streams the file through SHA-256 and returns the hex digest.
func (s *Impl) Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: opening %s: %w", models.ErrStorage, path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("%w: hashing %s: %w", models.ErrStorage, path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify checks that the artifact file exists and, when a checksum was
// recorded, that it still matches.
func (s *Impl) Verify(a *models.Artifact) error {
	if a.Path == "" {
		return fmt.Errorf("%w: artifact %d has no file", models.ErrArtifactMissing, a.ID)
	}
	if _, err := os.Stat(a.Path); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", models.ErrArtifactMissing, a.Path)
	} else if err != nil {
		return fmt.Errorf("%w: inspecting %s: %w", models.ErrStorage, a.Path, err)
	}

	if a.Checksum == "" {
		s.logger.Warn().Str("filename", a.Filename).Msg("artifact has no checksum, skipping verification")
		return nil
	}

	sum, err := s.Checksum(a.Path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(sum, a.Checksum) {
		return fmt.Errorf("%w: %s", models.ErrIntegrity, a.Filename)
	}

	return nil
}

// RemoveFile deletes path. A file that is already gone is not an error.
func (s *Impl) RemoveFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: removing %s: %w", models.ErrStorage, path, err)
	}
	return nil
}

// Record inserts the metadata record of an attempt.
func (s *Impl) Record(ctx context.Context, a *models.Artifact) error {
	return s.records.InsertArtifact(ctx, a)
}

// Get returns one artifact record.
func (s *Impl) Get(ctx context.Context, id int64) (*models.Artifact, error) {
	return s.records.GetArtifact(ctx, id)
}

// List returns records newest first.
func (s *Impl) List(ctx context.Context, configID int64, status models.ArtifactStatus) ([]models.Artifact, error) {
	return s.records.ListArtifacts(ctx, configID, status)
}

// Delete removes the file and then the record. If the file cannot be removed
// the record is kept.
func (s *Impl) Delete(ctx context.Context, a *models.Artifact) error {
	if err := s.RemoveFile(a.Path); err != nil {
		return fmt.Errorf("deleting artifact %d: %w", a.ID, err)
	}
	if err := s.records.DeleteArtifact(ctx, a.ID); err != nil {
		return err
	}

	s.logger.Info().Str("filename", a.Filename).Msg("artifact deleted")

	return nil
}

// Evict removes the file best-effort and then the record. Used by retention.
func (s *Impl) Evict(ctx context.Context, a *models.Artifact) error {
	if err := s.RemoveFile(a.Path); err != nil {
		s.logger.Warn().Err(err).Str("filename", a.Filename).Msg("failed to remove artifact file, deleting record anyway")
	}
	return s.records.DeleteArtifact(ctx, a.ID)
}
