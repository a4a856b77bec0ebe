package database

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mbme/arhiv-sub003/internal/entities"
)

// ErrMigrationFailed wraps any storage migration or self-check failure.
var ErrMigrationFailed = errors.New("database: storage migration failed")

// StorageMigration alters the on-disk structure. Test validates the result before commit.
type StorageMigration struct {
	Version int
	Name    string
	Apply   func(tx *gorm.DB, files *FSTransaction) error
	Test    func(tx *gorm.DB, files *FSTransaction) error
}

const (
	indexDocumentsTypeSeq   = "idx_documents_type_seq"
	indexDocumentsUpdatedAt = "idx_documents_updated_at"
	indexSnapshotsID        = "idx_document_snapshots_id"
)

// StorageMigrations is the storage ladder in ascending version order.
func StorageMigrations() []StorageMigration {
	return []StorageMigration{
		{Version: 1, Name: "create_tables", Apply: createTables, Test: testTablesExist},
		{Version: 2, Name: "document_indices", Apply: createIndices, Test: testIndicesExist},
		{Version: 3, Name: "shard_blob_directory", Apply: shardBlobDirectory, Test: testBlobDirectorySharded},
	}
}

// LatestStorageVersion is the highest version in the storage ladder.
func LatestStorageVersion() int {
	migrations := StorageMigrations()
	return migrations[len(migrations)-1].Version
}

// ApplyStorageMigrations runs every missing step in order and returns how many were applied.
func ApplyStorageMigrations(db *gorm.DB, blobDir string, logger *zap.Logger) (int, error) {
	return applyMigrations(db, blobDir, StorageMigrations(), logger)
}

func applyMigrations(db *gorm.DB, blobDir string, migrations []StorageMigration, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&migrationRecord{}); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}

	var current int
	if err := db.Model(&migrationRecord{}).Select("COALESCE(MAX(version), 0)").Scan(&current).Error; err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}

	applied := 0
	for _, migration := range migrations {
		if migration.Version <= current {
			continue
		}
		files := newFSTransaction(blobDir)
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.Apply(tx, files); err != nil {
				return fmt.Errorf("apply: %w", err)
			}
			if migration.Test != nil {
				if err := migration.Test(tx, files); err != nil {
					return fmt.Errorf("self-check: %w", err)
				}
			}
			record := migrationRecord{
				Version:          migration.Version,
				Name:             migration.Name,
				AppliedAtSeconds: time.Now().UTC().Unix(),
			}
			return tx.Create(&record).Error
		})
		if err != nil {
			if rollbackErr := files.Rollback(); rollbackErr != nil {
				logger.Error("storage migration rollback failed", zap.Int("version", migration.Version), zap.Error(rollbackErr))
			}
			return applied, fmt.Errorf("%w: %d (%s): %v", ErrMigrationFailed, migration.Version, migration.Name, err)
		}
		files.commit()
		current = migration.Version
		applied++
		logger.Info("database migration applied", zap.Int("version", migration.Version), zap.String("migration", migration.Name))
	}
	return applied, nil
}

// StorageVersion reports the highest applied storage migration.
func StorageVersion(db *gorm.DB) (int, error) {
	var current int
	err := db.Model(&migrationRecord{}).Select("COALESCE(MAX(version), 0)").Scan(&current).Error
	return current, err
}

func createTables(tx *gorm.DB, _ *FSTransaction) error {
	return tx.AutoMigrate(&DocumentRecord{}, &SnapshotRecord{}, &SettingRecord{})
}

func testTablesExist(tx *gorm.DB, _ *FSTransaction) error {
	for _, model := range []any{&DocumentRecord{}, &SnapshotRecord{}, &SettingRecord{}} {
		if !tx.Migrator().HasTable(model) {
			return fmt.Errorf("table for %T is missing", model)
		}
	}
	return nil
}

func createIndices(tx *gorm.DB, _ *FSTransaction) error {
	statements := []string{
		"CREATE INDEX IF NOT EXISTS " + indexDocumentsTypeSeq + " ON documents(document_type, seq)",
		"CREATE INDEX IF NOT EXISTS " + indexDocumentsUpdatedAt + " ON documents(updated_at_ms)",
		"CREATE INDEX IF NOT EXISTS " + indexSnapshotsID + " ON document_snapshots(id)",
	}
	for _, statement := range statements {
		if err := tx.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}

func testIndicesExist(tx *gorm.DB, _ *FSTransaction) error {
	for _, index := range []string{indexDocumentsTypeSeq, indexDocumentsUpdatedAt} {
		if !tx.Migrator().HasIndex(&DocumentRecord{}, index) {
			return fmt.Errorf("index %s is missing", index)
		}
	}
	if !tx.Migrator().HasIndex(&SnapshotRecord{}, indexSnapshotsID) {
		return fmt.Errorf("index %s is missing", indexSnapshotsID)
	}
	return nil
}

// Early stores kept every blob directly in the blob directory.
func shardBlobDirectory(_ *gorm.DB, files *FSTransaction) error {
	flat, err := flatBlobFiles(files.Root())
	if err != nil {
		return err
	}
	for _, blobID := range flat {
		if err := files.Rename(blobID.String(), blobID.Shard()+"/"+blobID.String()); err != nil {
			return err
		}
	}
	return nil
}

func testBlobDirectorySharded(_ *gorm.DB, files *FSTransaction) error {
	flat, err := flatBlobFiles(files.Root())
	if err != nil {
		return err
	}
	if len(flat) > 0 {
		return fmt.Errorf("%d blobs left outside shards", len(flat))
	}
	return nil
}

func flatBlobFiles(dir string) ([]entities.BlobID, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var flat []entities.BlobID
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "sha256-") {
			continue
		}
		blobID, err := entities.ParseBlobID(entry.Name())
		if err != nil {
			continue
		}
		flat = append(flat, blobID)
	}
	return flat, nil
}
