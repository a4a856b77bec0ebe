package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/mbme/arhiv-sub003/internal/blobs"
)

const (
	backupDataDir       = "data"
	backupTimeLayout    = "2006-01-02_15-04-05"
	backupDirPermission = 0o755
)

// ErrBackupExists indicates a database backup with the same timestamp is already present.
var ErrBackupExists = errors.New("store: backup already exists")

// BackupReport describes one backup run.
type BackupReport struct {
	DatabaseFile string `json:"database_file"`
	BlobsCopied  int    `json:"blobs_copied"`
	BlobsSkipped int    `json:"blobs_skipped"`
}

// Backup writes a compacted, zstd-compressed copy of the database into dir and copies every
// blob the backup does not hold yet into dir/data. Repeated backups into one dir share blobs.
func (s *Store) Backup(ctx context.Context, dir string) (BackupReport, error) {
	if dir == "" {
		return BackupReport{}, newServiceError(opBackup, "invalid_dir", fmt.Errorf("%w: backup dir is required", ErrValidation))
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return BackupReport{}, newServiceError(opBackup, "invalid_dir", fmt.Errorf("%w: %w", ErrValidation, err))
	}
	if err := os.MkdirAll(dir, backupDirPermission); err != nil {
		return BackupReport{}, s.fail(opBackup, "create_dir_failed", err)
	}

	report := BackupReport{
		DatabaseFile: filepath.Join(dir, fmt.Sprintf("%s_%s.sqlite.zst", s.schema.AppName, s.clock().UTC().Format(backupTimeLayout))),
	}
	if _, err := os.Stat(report.DatabaseFile); err == nil {
		return BackupReport{}, newServiceError(opBackup, "exists", fmt.Errorf("%w: %s", ErrBackupExists, report.DatabaseFile))
	}

	if err := s.backupDatabase(ctx, report.DatabaseFile); err != nil {
		return BackupReport{}, s.fail(opBackup, "database_failed", err, zap.String("dir", dir))
	}
	s.logger.Info("database backup created", zap.String("file", report.DatabaseFile))

	target, err := blobs.NewStore(filepath.Join(dir, backupDataDir), s.logger.Named("backup_blobs"))
	if err != nil {
		return BackupReport{}, s.fail(opBackup, "blob_dir_failed", err)
	}
	blobIDs, err := s.blobs.List()
	if err != nil {
		return BackupReport{}, s.fail(opBackup, "blob_list_failed", err)
	}
	for _, blobID := range blobIDs {
		if err := ctx.Err(); err != nil {
			return report, s.fail(opBackup, "canceled", err)
		}
		copied, err := s.blobs.CopyTo(target, blobID)
		if err != nil {
			return report, s.fail(opBackup, "blob_copy_failed", err, zap.String("blob_id", blobID.String()))
		}
		if copied {
			report.BlobsCopied++
		} else {
			report.BlobsSkipped++
		}
	}

	s.logger.Info("blob backup finished",
		zap.Int("copied", report.BlobsCopied),
		zap.Int("skipped", report.BlobsSkipped))
	return report, nil
}

// backupDatabase snapshots the database with VACUUM INTO and compresses the snapshot into target.
func (s *Store) backupDatabase(ctx context.Context, target string) error {
	snapshot := target + ".tmp"
	_ = os.Remove(snapshot)
	defer os.Remove(snapshot) //nolint:errcheck

	if err := s.db.WithContext(ctx).Exec("VACUUM INTO ?", snapshot).Error; err != nil {
		return fmt.Errorf("vacuum into: %w", err)
	}

	source, err := os.Open(snapshot)
	if err != nil {
		return err
	}
	defer source.Close()

	output, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	encoder, err := zstd.NewWriter(output, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		_ = output.Close()
		_ = os.Remove(target)
		return err
	}
	_, copyErr := io.Copy(encoder, source)
	encodeErr := encoder.Close()
	closeErr := output.Close()
	if err := errors.Join(copyErr, encodeErr, closeErr); err != nil {
		_ = os.Remove(target)
		return fmt.Errorf("compress: %w", err)
	}
	return nil
}
