package store

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mbme/arhiv-sub003/internal/database"
	"github.com/mbme/arhiv-sub003/internal/entities"
)

// migrateData upgrades every head and snapshot through the data ladder in one transaction,
// then re-derives refs when they were computed by another data version.
func (s *Store) migrateData(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	version, found, err := database.GetSetting(ctx, db, database.DataVersionSetting)
	if err != nil {
		return s.fail(opMigrateData, "database_error", err)
	}
	if !found {
		var count int64
		if err := db.Model(&database.DocumentRecord{}).Count(&count).Error; err != nil {
			return s.fail(opMigrateData, "database_error", err)
		}
		if count == 0 {
			if err := database.PutSetting(ctx, db, database.DataVersionSetting, s.schema.Version); err != nil {
				return s.fail(opMigrateData, "database_error", err)
			}
			if err := database.PutSetting(ctx, db, database.ComputedDataVersionSetting, s.schema.Version); err != nil {
				return s.fail(opMigrateData, "database_error", err)
			}
			return nil
		}
		version = 1
	}
	if version > s.schema.Version {
		return s.fail(opMigrateData, "store_too_new",
			fmt.Errorf("stored data version %d is newer than schema version %d", version, s.schema.Version))
	}

	if version < s.schema.Version {
		pending := s.schema.Migrations(version)
		var changed int
		err := db.Transaction(func(tx *gorm.DB) error {
			var err error
			changed, err = s.rewriteDocuments(tx, func(document entities.Document) (*entities.Document, error) {
				upgraded, dirty, err := s.schema.Upgrade(document, version)
				if err != nil || !dirty {
					return nil, err
				}
				return &upgraded, nil
			})
			if err != nil {
				return err
			}
			return database.PutSetting(ctx, tx, database.DataVersionSetting, s.schema.Version)
		})
		if err != nil {
			return s.fail(opMigrateData, "migration_failed", err)
		}
		for _, migration := range pending {
			s.logger.Info("data migration applied",
				zap.Uint8("version", migration.Version),
				zap.String("migration", migration.Name))
		}
		s.logger.Info("documents upgraded",
			zap.Uint8("from", version),
			zap.Uint8("to", s.schema.Version),
			zap.Int("documents_changed", changed))
	}

	computed, _, err := database.GetSetting(ctx, db, database.ComputedDataVersionSetting)
	if err != nil {
		return s.fail(opMigrateData, "database_error", err)
	}
	if computed == s.schema.Version {
		return nil
	}
	var changed int
	err = db.Transaction(func(tx *gorm.DB) error {
		var err error
		changed, err = s.rewriteDocuments(tx, func(entities.Document) (*entities.Document, error) {
			return nil, nil
		})
		if err != nil {
			return err
		}
		return database.PutSetting(ctx, tx, database.ComputedDataVersionSetting, s.schema.Version)
	})
	if err != nil {
		return s.fail(opMigrateData, "refs_recompute_failed", err)
	}
	s.logger.Info("document refs recomputed", zap.Uint8("data_version", s.schema.Version), zap.Int("documents_changed", changed))
	return nil
}

// rewriteDocuments applies update to every head and snapshot, re-derives refs and writes back
// only the rows whose payload or refs changed.
func (s *Store) rewriteDocuments(tx *gorm.DB, update func(entities.Document) (*entities.Document, error)) (int, error) {
	changed := 0

	var heads []database.DocumentRecord
	if err := tx.Find(&heads).Error; err != nil {
		return 0, err
	}
	for _, record := range heads {
		document, err := fromRecord(record)
		if err != nil {
			return changed, err
		}
		columns, dirty, err := s.rewriteDocument(document, record.DataJSON, record.RefsJSON, update)
		if err != nil {
			return changed, err
		}
		if !dirty {
			continue
		}
		if err := tx.Model(&database.DocumentRecord{}).
			Where("id = ? AND staged = ?", record.ID, record.Staged).
			Updates(columns).Error; err != nil {
			return changed, err
		}
		changed++
	}

	var snapshots []database.SnapshotRecord
	if err := tx.Find(&snapshots).Error; err != nil {
		return changed, err
	}
	for _, record := range snapshots {
		document, err := fromSnapshot(record)
		if err != nil {
			return changed, err
		}
		columns, dirty, err := s.rewriteDocument(document, record.DataJSON, record.RefsJSON, update)
		if err != nil {
			return changed, err
		}
		if !dirty {
			continue
		}
		if err := tx.Model(&database.SnapshotRecord{}).
			Where("id = ? AND rev = ?", record.ID, record.Revision).
			Updates(columns).Error; err != nil {
			return changed, err
		}
	}
	return changed, nil
}

func (s *Store) rewriteDocument(
	document entities.Document,
	dataJSON string,
	refsJSON string,
	update func(entities.Document) (*entities.Document, error),
) (map[string]any, bool, error) {
	current := document
	updated, err := update(document)
	if err != nil {
		return nil, false, err
	}
	if updated != nil {
		current = *updated
	}
	refs, err := s.schema.ExtractRefs(current.DocumentType, current.Data)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", document.ID, err)
	}
	encodedRefs, err := json.Marshal(refs)
	if err != nil {
		return nil, false, err
	}
	encodedData, err := current.Data.Encode()
	if err != nil {
		return nil, false, err
	}
	if encodedData == dataJSON && string(encodedRefs) == refsJSON && current.DocumentType == document.DocumentType {
		return nil, false, nil
	}
	return map[string]any{
		"document_type": current.DocumentType.String(),
		"data_json":     encodedData,
		"refs_json":     string(encodedRefs),
	}, true, nil
}
