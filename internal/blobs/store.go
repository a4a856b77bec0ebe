// Package blobs keeps attachment content in a content-addressed directory.
package blobs

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/mbme/arhiv-sub003/internal/entities"
)

const (
	dirPermissions  = 0o755
	filePermissions = 0o444
	tempFilePattern = ".incoming-*"
)

var (
	// ErrMissingBlob indicates that a referenced blob file is not present on disk.
	ErrMissingBlob = errors.New("blobs: missing blob")
	// ErrCorruptBlob indicates that stored bytes no longer hash to their id.
	ErrCorruptBlob = errors.New("blobs: corrupt blob")
	// ErrInvalidConfig indicates a store configured without a directory.
	ErrInvalidConfig = errors.New("blobs: invalid config")
)

// Store places blobs under <dir>/<shard>/<blob id>.
type Store struct {
	dir    string
	logger *zap.Logger
}

// NewStore creates the blob directory when needed.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: directory is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("blobs: create directory: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the root blob directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the deterministic location of a blob, whether or not it exists.
func (s *Store) Path(blobID entities.BlobID) string {
	return filepath.Join(s.dir, blobID.Shard(), blobID.String())
}

// Put copies the file at sourcePath into the store and returns its content address.
func (s *Store) Put(sourcePath string) (entities.BlobID, error) {
	source, err := os.Open(sourcePath)
	if err != nil {
		return "", fmt.Errorf("blobs: open source: %w", err)
	}
	defer source.Close()
	return s.PutReader(source)
}

// PutReader streams content into the store. Storing content that is already present is a no-op.
func (s *Store) PutReader(reader io.Reader) (entities.BlobID, error) {
	temp, err := os.CreateTemp(s.dir, tempFilePattern)
	if err != nil {
		return "", fmt.Errorf("blobs: create temp file: %w", err)
	}
	tempPath := temp.Name()
	defer os.Remove(tempPath) //nolint:errcheck

	hasher := sha256.New()
	size, copyErr := io.Copy(io.MultiWriter(temp, hasher), reader)
	closeErr := temp.Close()
	if copyErr != nil {
		return "", fmt.Errorf("blobs: copy content: %w", copyErr)
	}
	if closeErr != nil {
		return "", fmt.Errorf("blobs: close temp file: %w", closeErr)
	}

	blobID, err := entities.BlobIDFromHash(hasher)
	if err != nil {
		return "", err
	}

	target := s.Path(blobID)
	exists, err := fileExists(target)
	if err != nil {
		return "", err
	}
	if exists {
		s.logger.Debug("blob already stored", zap.String("blob_id", blobID.String()))
		return blobID, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), dirPermissions); err != nil {
		return "", fmt.Errorf("blobs: create shard: %w", err)
	}
	if err := os.Chmod(tempPath, filePermissions); err != nil {
		return "", fmt.Errorf("blobs: chmod: %w", err)
	}
	if err := os.Rename(tempPath, target); err != nil {
		return "", fmt.Errorf("blobs: move into place: %w", err)
	}
	s.logger.Debug("blob stored", zap.String("blob_id", blobID.String()), zap.Int64("size", size))
	return blobID, nil
}

// Get resolves a blob to its path when present.
func (s *Store) Get(blobID entities.BlobID) (string, bool, error) {
	path := s.Path(blobID)
	exists, err := fileExists(path)
	if err != nil || !exists {
		return "", false, err
	}
	return path, true, nil
}

// Exists checks the filesystem on every call.
func (s *Store) Exists(blobID entities.BlobID) (bool, error) {
	return fileExists(s.Path(blobID))
}

// Size returns the blob length in bytes.
func (s *Store) Size(blobID entities.BlobID) (int64, error) {
	info, err := os.Stat(s.Path(blobID))
	if err != nil {
		return 0, s.wrapMissing(blobID, err)
	}
	return info.Size(), nil
}

// MediaType sniffs the blob content.
func (s *Store) MediaType(blobID entities.BlobID) (string, error) {
	mediaType, err := mimetype.DetectFile(s.Path(blobID))
	if err != nil {
		return "", s.wrapMissing(blobID, err)
	}
	return mediaType.String(), nil
}

// Open returns a reader over the blob content.
func (s *Store) Open(blobID entities.BlobID) (*os.File, error) {
	file, err := os.Open(s.Path(blobID))
	if err != nil {
		return nil, s.wrapMissing(blobID, err)
	}
	return file, nil
}

// Verify rehashes the stored bytes and compares them with the id.
func (s *Store) Verify(blobID entities.BlobID) error {
	file, err := s.Open(blobID)
	if err != nil {
		return err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return fmt.Errorf("blobs: read %s: %w", blobID, err)
	}
	actual, err := entities.BlobIDFromHash(hasher)
	if err != nil {
		return err
	}
	if actual != blobID {
		return fmt.Errorf("%w: %s hashes to %s", ErrCorruptBlob, blobID, actual)
	}
	return nil
}

// Missing returns the subset of ids not present on disk.
func (s *Store) Missing(blobIDs []entities.BlobID) ([]entities.BlobID, error) {
	var missing []entities.BlobID
	for _, blobID := range blobIDs {
		exists, err := s.Exists(blobID)
		if err != nil {
			return nil, err
		}
		if !exists {
			missing = append(missing, blobID)
		}
	}
	return missing, nil
}

// List returns the ids of every stored blob, sorted. Files that are not named by a blob id are ignored.
func (s *Store) List() ([]entities.BlobID, error) {
	var blobIDs []entities.BlobID
	err := filepath.WalkDir(s.dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		blobID, err := entities.ParseBlobID(entry.Name())
		if err != nil {
			return nil
		}
		if filepath.Base(filepath.Dir(path)) != blobID.Shard() {
			return nil
		}
		blobIDs = append(blobIDs, blobID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blobs: list: %w", err)
	}
	sort.Slice(blobIDs, func(i, j int) bool { return blobIDs[i] < blobIDs[j] })
	return blobIDs, nil
}

// CopyTo stores blobID in target unless target already holds it, and reports whether it copied.
func (s *Store) CopyTo(target *Store, blobID entities.BlobID) (bool, error) {
	exists, err := target.Exists(blobID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	source, err := s.Open(blobID)
	if err != nil {
		return false, err
	}
	defer source.Close()

	copied, err := target.PutReader(source)
	if err != nil {
		return false, err
	}
	if copied != blobID {
		target.logger.Warn("copied blob hashes to a different id",
			zap.String("blob_id", blobID.String()), zap.String("copied_id", copied.String()))
		return false, fmt.Errorf("%w: %s", ErrCorruptBlob, blobID)
	}
	return true, nil
}

func (s *Store) wrapMissing(blobID entities.BlobID, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrMissingBlob, blobID)
	}
	return fmt.Errorf("blobs: %s: %w", blobID, err)
}

func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return !info.IsDir(), nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("blobs: stat %s: %w", path, err)
}
