// Package store implements the document store: staging, commits, changesets and their conflict resolution.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mbme/arhiv-sub003/internal/blobs"
	"github.com/mbme/arhiv-sub003/internal/database"
	"github.com/mbme/arhiv-sub003/internal/entities"
	"github.com/mbme/arhiv-sub003/internal/events"
	"github.com/mbme/arhiv-sub003/internal/metrics"
	"github.com/mbme/arhiv-sub003/internal/schema"
)

// Config wires a Store to its collaborators.
type Config struct {
	Database *gorm.DB
	Blobs    *blobs.Store
	Schema   *schema.DataSchema
	IsPrime  bool
	Clock    func() time.Time
	Logger   *zap.Logger
	Events   *events.Dispatcher
	Metrics  *metrics.Metrics
}

// Store is the local document database. Methods are safe for concurrent use.
type Store struct {
	db         *gorm.DB
	blobs      *blobs.Store
	schema     *schema.DataSchema
	isPrime    bool
	clock      func() time.Time
	logger     *zap.Logger
	events     *events.Dispatcher
	metrics    *metrics.Metrics
	instanceID entities.InstanceID

	locks    *idLocks
	docLocks *documentLocks
	commitMu sync.Mutex
}

// Attachment binds a file to a blob-bearing field of a staged document.
type Attachment struct {
	Field string
	Path  string
}

// Status summarizes the store for the local API.
type Status struct {
	InstanceID      entities.InstanceID `json:"instance_id"`
	IsPrime         bool                `json:"is_prime"`
	DataVersion     uint8               `json:"data_version"`
	Revision        entities.Revision   `json:"rev"`
	LastSyncTime    *time.Time          `json:"last_sync_time,omitempty"`
	StagedDocuments int64               `json:"staged_documents"`
	Documents       int64               `json:"documents"`
	Locks           int                 `json:"locks"`
}

// Open loads the instance identity and brings stored documents to the schema data version.
// The storage ladder must already have run on cfg.Database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opOpen, "missing_database", errMissingDatabase)
	}
	if cfg.Blobs == nil {
		return nil, newServiceError(opOpen, "missing_blobs", errMissingBlobs)
	}
	if cfg.Schema == nil {
		return nil, newServiceError(opOpen, "missing_schema", errMissingSchema)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	s := &Store{
		db:       cfg.Database,
		blobs:    cfg.Blobs,
		schema:   cfg.Schema,
		isPrime:  cfg.IsPrime,
		clock:    clock,
		logger:   logger,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		locks:    newIDLocks(),
		docLocks: newDocumentLocks(),
	}

	instanceID, err := s.loadInstanceID(ctx)
	if err != nil {
		return nil, s.fail(opOpen, "instance_id_failed", err)
	}
	s.instanceID = instanceID

	if err := s.migrateData(ctx); err != nil {
		return nil, err
	}
	s.refreshStagedGauge(ctx)

	s.logger.Info("store opened",
		zap.String("instance_id", instanceID.String()),
		zap.Bool("prime", s.isPrime),
		zap.Uint8("data_version", s.schema.Version))
	return s, nil
}

func (s *Store) loadInstanceID(ctx context.Context) (entities.InstanceID, error) {
	stored, found, err := database.GetSetting(ctx, s.db, database.InstanceIDSetting)
	if err != nil {
		return "", err
	}
	if found {
		return entities.ParseInstanceID(stored.String())
	}
	instanceID := entities.NewInstanceID()
	if err := database.PutSetting(ctx, s.db, database.InstanceIDSetting, instanceID); err != nil {
		return "", err
	}
	s.logger.Info("instance id generated", zap.String("instance_id", instanceID.String()))
	return instanceID, nil
}

// InstanceID identifies this store in vector clocks.
func (s *Store) InstanceID() entities.InstanceID {
	return s.instanceID
}

// IsPrime reports whether this instance is the source of truth.
func (s *Store) IsPrime() bool {
	return s.isPrime
}

// Schema returns the active data schema.
func (s *Store) Schema() *schema.DataSchema {
	return s.schema
}

// Blobs returns the blob store.
func (s *Store) Blobs() *blobs.Store {
	return s.blobs
}

// Get returns the latest known value of a document: the local draft if one exists.
func (s *Store) Get(ctx context.Context, id entities.Id) (entities.Document, error) {
	record, found, err := headRecord(s.db.WithContext(ctx), id)
	if err != nil {
		return entities.Document{}, s.fail(opGet, "database_error", err, zap.String("document_id", id.String()))
	}
	if !found {
		return entities.Document{}, newServiceError(opGet, "not_found", fmt.Errorf("%w: %s", ErrNotFound, id))
	}
	document, err := fromRecord(record)
	if err != nil {
		return entities.Document{}, s.fail(opGet, "decode_failed", fmt.Errorf("%w: %w", ErrInconsistent, err))
	}
	return document, nil
}

// History lists the committed snapshots of a document, oldest first.
func (s *Store) History(ctx context.Context, id entities.Id) ([]entities.Document, error) {
	var records []database.SnapshotRecord
	err := s.db.WithContext(ctx).
		Where("id = ?", id.String()).
		Order("updated_at_ms ASC").
		Find(&records).Error
	if err != nil {
		return nil, s.fail(opGet, "history_failed", err, zap.String("document_id", id.String()))
	}
	history := make([]entities.Document, 0, len(records))
	for _, record := range records {
		document, err := fromSnapshot(record)
		if err != nil {
			return nil, s.fail(opGet, "decode_failed", fmt.Errorf("%w: %w", ErrInconsistent, err))
		}
		history = append(history, document)
	}
	return history, nil
}

// Stage writes a local draft of document at the staging revision. Attachments are copied
// into the blob store and their ids written into the named fields before validation.
func (s *Store) Stage(ctx context.Context, document entities.Document, attachments ...Attachment) (entities.Document, error) {
	fields := []zap.Field{zap.String("document_id", document.ID.String())}
	if _, err := entities.ParseId(document.ID.String()); err != nil {
		return entities.Document{}, newServiceError(opStage, "invalid_id", fmt.Errorf("%w: %w", ErrValidation, err))
	}
	if document.DocumentType.IsErased() {
		return entities.Document{}, newServiceError(opStage, "invalid_type",
			fmt.Errorf("%w: tombstones are written by erase", ErrValidation))
	}
	if err := s.docLocks.check(document.ID, lockKeyFrom(ctx)); err != nil {
		return entities.Document{}, newServiceError(opStage, "document_locked", err)
	}

	data := document.Data.Clone()
	if len(attachments) > 0 {
		description, err := s.schema.Description(document.DocumentType)
		if err != nil {
			return entities.Document{}, newServiceError(opStage, "validation_failed", fmt.Errorf("%w: %w", ErrValidation, err))
		}
		for _, attachment := range attachments {
			field, ok := description.Field(attachment.Field)
			if !ok || field.Type.Kind != schema.KindBLOBId {
				return entities.Document{}, newServiceError(opStage, "validation_failed",
					fmt.Errorf("%w: %s is not a blob field of %s", ErrValidation, attachment.Field, document.DocumentType))
			}
			blobID, err := s.blobs.Put(attachment.Path)
			if err != nil {
				return entities.Document{}, s.fail(opStage, "attachment_failed", err, fields...)
			}
			data[attachment.Field] = blobID.String()
		}
	}

	refs, err := s.deriveRefs(document.DocumentType, data)
	if err != nil {
		return entities.Document{}, newServiceError(opStage, "validation_failed", err)
	}
	if err := s.ensureBlobs(refs); err != nil {
		return entities.Document{}, s.fail(opStage, "missing_blob", err, fields...)
	}

	release := s.locks.lock(document.ID)
	defer release()

	now := s.clock().UTC()
	var staged entities.Document
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		committed, found, err := committedRecord(tx, document.ID)
		if err != nil {
			return err
		}
		if found && entities.DocumentType(committed.DocumentType).IsErased() {
			return fmt.Errorf("%w: %s is erased", ErrValidation, document.ID)
		}
		existing, found, err := headRecord(tx, document.ID)
		if err != nil {
			return err
		}
		createdAt := now
		if found {
			createdAt = time.UnixMilli(existing.CreatedAtMillis).UTC()
		}
		staged = entities.Document{
			ID:           document.ID,
			DocumentType: document.DocumentType,
			Revision:     entities.StagingRevision(),
			Data:         data,
			Refs:         refs,
			Archived:     document.Archived,
			CreatedAt:    createdAt,
			UpdatedAt:    now,
		}
		return writeHead(tx, staged, true)
	})
	if txErr != nil {
		if errors.Is(txErr, ErrValidation) {
			return entities.Document{}, newServiceError(opStage, "validation_failed", txErr)
		}
		return entities.Document{}, s.fail(opStage, "database_error", txErr, fields...)
	}

	s.metrics.ObserveStage()
	s.refreshStagedGauge(ctx)
	s.events.Publish(events.Event{Kind: events.DocumentsStaged, DocumentIDs: []string{document.ID.String()}})
	return staged, nil
}

// Erase stages a tombstone for id. Erasing a tombstone is a no-op.
func (s *Store) Erase(ctx context.Context, id entities.Id) (entities.Document, error) {
	if err := s.docLocks.check(id, lockKeyFrom(ctx)); err != nil {
		return entities.Document{}, newServiceError(opErase, "document_locked", err)
	}

	release := s.locks.lock(id)
	defer release()

	var tombstone entities.Document
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, found, err := headRecord(tx, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		current, err := fromRecord(existing)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInconsistent, err)
		}
		if current.IsErased() {
			tombstone = current
			return nil
		}
		tombstone = entities.NewTombstone(current, s.clock())
		return writeHead(tx, tombstone, true)
	})
	if txErr != nil {
		if errors.Is(txErr, ErrNotFound) {
			return entities.Document{}, newServiceError(opErase, "not_found", txErr)
		}
		return entities.Document{}, s.fail(opErase, "database_error", txErr, zap.String("document_id", id.String()))
	}

	s.refreshStagedGauge(ctx)
	s.events.Publish(events.Event{Kind: events.DocumentsStaged, DocumentIDs: []string{id.String()}})
	return tombstone, nil
}

// Reset drops the local draft of id, restoring the committed value if there is one.
// Resetting a document without a draft is a no-op.
func (s *Store) Reset(ctx context.Context, id entities.Id) error {
	if err := s.docLocks.check(id, lockKeyFrom(ctx)); err != nil {
		return newServiceError(opReset, "document_locked", err)
	}

	release := s.locks.lock(id)
	defer release()

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, found, err := headRecord(tx, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return tx.Where("id = ? AND staged = ?", id.String(), true).Delete(&database.DocumentRecord{}).Error
	})
	if txErr != nil {
		if errors.Is(txErr, ErrNotFound) {
			return newServiceError(opReset, "not_found", txErr)
		}
		return s.fail(opReset, "database_error", txErr, zap.String("document_id", id.String()))
	}

	s.refreshStagedGauge(ctx)
	s.events.Publish(events.Event{Kind: events.DocumentsStaged, DocumentIDs: []string{id.String()}})
	s.logger.Debug("document reset", zap.String("document_id", id.String()))
	return nil
}

// ResetAll drops every local draft and returns how many were dropped. It refuses to run
// while any staged document is locked.
func (s *Store) ResetAll(ctx context.Context) (int, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	ids, err := s.stagedIDs(ctx)
	if err != nil {
		return 0, s.fail(opReset, "database_error", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	for _, id := range ids {
		if err := s.docLocks.check(id, ""); err != nil {
			return 0, newServiceError(opReset, "document_locked", err)
		}
	}

	release := s.locks.lock(ids...)
	defer release()

	stagedIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		stagedIDs = append(stagedIDs, id.String())
	}
	result := s.db.WithContext(ctx).Where("staged = ? AND id IN ?", true, stagedIDs).Delete(&database.DocumentRecord{})
	if result.Error != nil {
		return 0, s.fail(opReset, "database_error", result.Error)
	}

	s.refreshStagedGauge(ctx)
	s.events.Publish(events.Event{Kind: events.DocumentsStaged, DocumentIDs: stagedIDs})
	s.logger.Info("staged documents reset", zap.Int64("count", result.RowsAffected))
	return int(result.RowsAffected), nil
}

// HasDocumentLocks reports whether any editor lease is held.
func (s *Store) HasDocumentLocks() bool {
	return len(s.docLocks.list()) > 0
}

// Commit assigns the next local revision to every staged document in one transaction
// and returns how many documents were committed. It refuses to run while documents are locked.
func (s *Store) Commit(ctx context.Context) (int, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if locks := s.docLocks.list(); len(locks) > 0 {
		return 0, newServiceError(opCommit, "documents_locked",
			fmt.Errorf("%w: %d documents locked", ErrDocumentLocked, len(locks)))
	}

	ids, err := s.stagedIDs(ctx)
	if err != nil {
		return 0, s.fail(opCommit, "database_error", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	release := s.locks.lock(ids...)
	defer release()

	var (
		committed []string
		next      entities.Revision
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		highWater, err := loadHighWater(ctx, tx)
		if err != nil {
			return err
		}
		next = highWater.Inc(s.instanceID)

		var records []database.DocumentRecord
		stagedIDs := make([]string, 0, len(ids))
		for _, id := range ids {
			stagedIDs = append(stagedIDs, id.String())
		}
		if err := tx.Where("staged = ? AND id IN ?", true, stagedIDs).Order("seq ASC").Find(&records).Error; err != nil {
			return err
		}
		for _, record := range records {
			document, err := fromRecord(record)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrInconsistent, err)
			}
			document.Revision = next
			if err := writeCommitted(tx, document, false); err != nil {
				return err
			}
			committed = append(committed, record.ID)
		}
		return database.PutSetting(ctx, tx, database.DBRevisionSetting, next)
	})
	if txErr != nil {
		return 0, s.fail(opCommit, "database_error", txErr)
	}

	s.logger.Info("documents committed", zap.Int("count", len(committed)), zap.String("rev", next.String()))
	s.metrics.ObserveCommit(len(committed))
	s.refreshStagedGauge(ctx)
	s.events.Publish(events.Event{Kind: events.DocumentsCommitted, DocumentIDs: committed})
	return len(committed), nil
}

// Status summarizes identity, revision and sync state.
func (s *Store) Status(ctx context.Context) (Status, error) {
	db := s.db.WithContext(ctx)
	highWater, err := loadHighWater(ctx, db)
	if err != nil {
		return Status{}, s.fail(opStatus, "database_error", err)
	}
	status := Status{
		InstanceID:  s.instanceID,
		IsPrime:     s.isPrime,
		DataVersion: s.schema.Version,
		Revision:    highWater,
		Locks:       len(s.docLocks.list()),
	}
	lastSync, found, err := database.GetSetting(ctx, db, database.LastSyncTimeSetting)
	if err != nil {
		return Status{}, s.fail(opStatus, "database_error", err)
	}
	if found {
		status.LastSyncTime = &lastSync
	}
	if err := db.Model(&database.DocumentRecord{}).Where("staged = ?", true).Count(&status.StagedDocuments).Error; err != nil {
		return Status{}, s.fail(opStatus, "database_error", err)
	}
	if err := db.Model(&database.DocumentRecord{}).
		Where("staged = ? AND document_type <> ?", false, entities.ErasedDocumentType.String()).
		Count(&status.Documents).Error; err != nil {
		return Status{}, s.fail(opStatus, "database_error", err)
	}
	return status, nil
}

// HighWaterRevision is the merge of every revision this store has committed or received.
func (s *Store) HighWaterRevision(ctx context.Context) (entities.Revision, error) {
	revision, err := loadHighWater(ctx, s.db.WithContext(ctx))
	if err != nil {
		return entities.Revision{}, s.fail(opStatus, "database_error", err)
	}
	return revision, nil
}

// Ping builds the handshake message describing this store.
func (s *Store) Ping(ctx context.Context) (entities.Ping, error) {
	revision, err := s.HighWaterRevision(ctx)
	if err != nil {
		return entities.Ping{}, err
	}
	return entities.Ping{
		Timestamp:   s.clock().UTC(),
		InstanceID:  s.instanceID,
		DataVersion: s.schema.Version,
		Revision:    revision,
		IsPrime:     s.isPrime,
	}, nil
}

// SetLastSyncTime records a successful sync cycle.
func (s *Store) SetLastSyncTime(ctx context.Context, at time.Time) error {
	if err := database.PutSetting(ctx, s.db, database.LastSyncTimeSetting, at.UTC()); err != nil {
		return s.fail(opStatus, "database_error", err)
	}
	return nil
}

// StagedCount returns the number of staged documents.
func (s *Store) StagedCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&database.DocumentRecord{}).Where("staged = ?", true).Count(&count).Error; err != nil {
		return 0, s.fail(opStatus, "database_error", err)
	}
	return count, nil
}

// StagedSummary returns the number of staged documents and the most recent staging time.
func (s *Store) StagedSummary(ctx context.Context) (int64, time.Time, error) {
	var summary struct {
		Count  int64
		Latest int64
	}
	err := s.db.WithContext(ctx).Model(&database.DocumentRecord{}).
		Select("COUNT(*) AS count, COALESCE(MAX(updated_at_ms), 0) AS latest").
		Where("staged = ?", true).
		Scan(&summary).Error
	if err != nil {
		return 0, time.Time{}, s.fail(opStatus, "database_error", err)
	}
	if summary.Count == 0 {
		return 0, time.Time{}, nil
	}
	return summary.Count, time.UnixMilli(summary.Latest).UTC(), nil
}

func (s *Store) stagedIDs(ctx context.Context) ([]entities.Id, error) {
	var raw []string
	err := s.db.WithContext(ctx).Model(&database.DocumentRecord{}).
		Where("staged = ?", true).
		Pluck("id", &raw).Error
	if err != nil {
		return nil, err
	}
	ids := make([]entities.Id, 0, len(raw))
	for _, id := range raw {
		ids = append(ids, entities.Id(id))
	}
	return ids, nil
}

func (s *Store) deriveRefs(documentType entities.DocumentType, data entities.DocumentData) (entities.Refs, error) {
	if err := s.schema.Validate(documentType, data); err != nil {
		return entities.Refs{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	refs, err := s.schema.ExtractRefs(documentType, data)
	if err != nil {
		return entities.Refs{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return refs, nil
}

func (s *Store) ensureBlobs(refs entities.Refs) error {
	missing, err := s.blobs.Missing(refs.Blobs)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInconsistent, err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %w: %v", ErrInconsistent, blobs.ErrMissingBlob, missing)
	}
	return nil
}

func (s *Store) refreshStagedGauge(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	if count, err := s.StagedCount(ctx); err == nil {
		s.metrics.SetStaged(count)
	}
}

func headRecord(tx *gorm.DB, id entities.Id) (database.DocumentRecord, bool, error) {
	var records []database.DocumentRecord
	if err := tx.Where("id = ?", id.String()).Order("staged DESC").Limit(1).Find(&records).Error; err != nil {
		return database.DocumentRecord{}, false, err
	}
	if len(records) == 0 {
		return database.DocumentRecord{}, false, nil
	}
	return records[0], true, nil
}

func committedRecord(tx *gorm.DB, id entities.Id) (database.DocumentRecord, bool, error) {
	var records []database.DocumentRecord
	if err := tx.Where("id = ? AND staged = ?", id.String(), false).Limit(1).Find(&records).Error; err != nil {
		return database.DocumentRecord{}, false, err
	}
	if len(records) == 0 {
		return database.DocumentRecord{}, false, nil
	}
	return records[0], true, nil
}

func loadHighWater(ctx context.Context, tx *gorm.DB) (entities.Revision, error) {
	revision, found, err := database.GetSetting(ctx, tx, database.DBRevisionSetting)
	if err != nil {
		return entities.Revision{}, err
	}
	if !found {
		return entities.StagingRevision(), nil
	}
	return revision, nil
}

func nextSeq(tx *gorm.DB) (int64, error) {
	var seq int64
	err := tx.Model(&database.DocumentRecord{}).Select("COALESCE(MAX(seq), 0) + 1").Scan(&seq).Error
	return seq, err
}

// writeHead upserts the staged or committed row of a document with a fresh sequence number.
func writeHead(tx *gorm.DB, document entities.Document, staged bool) error {
	seq, err := nextSeq(tx)
	if err != nil {
		return err
	}
	record, err := toRecord(document, staged, seq)
	if err != nil {
		return err
	}
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error
}

// writeCommitted replaces the committed row and appends the snapshot. A local commit also drops
// the draft; a received document leaves it in place. A tombstone drops every earlier snapshot.
func writeCommitted(tx *gorm.DB, document entities.Document, keepDraft bool) error {
	remove := tx.Where("id = ?", document.ID.String())
	if keepDraft {
		remove = remove.Where("staged = ?", false)
	}
	if err := remove.Delete(&database.DocumentRecord{}).Error; err != nil {
		return err
	}
	seq, err := nextSeq(tx)
	if err != nil {
		return err
	}
	record, err := toRecord(document, false, seq)
	if err != nil {
		return err
	}
	if err := tx.Create(&record).Error; err != nil {
		return err
	}
	if document.IsErased() {
		if err := tx.Where("id = ?", record.ID).Delete(&database.SnapshotRecord{}).Error; err != nil {
			return err
		}
	}
	snapshot := toSnapshot(record)
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&snapshot).Error
}
