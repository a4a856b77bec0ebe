package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mbme/arhiv-sub003/internal/database"
	"github.com/mbme/arhiv-sub003/internal/entities"
	"github.com/mbme/arhiv-sub003/internal/events"
)

// GetChangeset collects committed documents whose revision is not covered by baseRev.
func (s *Store) GetChangeset(ctx context.Context, baseRev entities.Revision) (entities.Changeset, error) {
	changeset := entities.Changeset{
		DataVersion: s.schema.Version,
		Source:      s.instanceID,
		BaseRev:     baseRev,
		Documents:   []entities.Document{},
	}

	rows, err := s.db.WithContext(ctx).Model(&database.DocumentRecord{}).
		Where("staged = ?", false).
		Order("seq ASC").
		Rows()
	if err != nil {
		return entities.Changeset{}, s.fail(opGetChangeset, "database_error", err)
	}
	defer rows.Close()

	for rows.Next() {
		var record database.DocumentRecord
		if err := s.db.ScanRows(rows, &record); err != nil {
			return entities.Changeset{}, s.fail(opGetChangeset, "scan_failed", err)
		}
		document, err := fromRecord(record)
		if err != nil {
			return entities.Changeset{}, s.fail(opGetChangeset, "decode_failed", fmt.Errorf("%w: %w", ErrInconsistent, err))
		}
		if baseRev.Covers(document.Revision) {
			continue
		}
		changeset.Documents = append(changeset.Documents, document)
	}
	if err := rows.Err(); err != nil {
		return entities.Changeset{}, s.fail(opGetChangeset, "database_error", err)
	}
	return changeset, nil
}

// ApplyChangeset merges documents received from a peer. attachments maps blob ids to local
// files holding their bytes. The call is all-or-nothing: either every verdict is stored
// together with the new high-water revision or nothing is.
func (s *Store) ApplyChangeset(ctx context.Context, changeset entities.Changeset, attachments map[entities.BlobID]string) (entities.ChangesetResponse, error) {
	if changeset.DataVersion != s.schema.Version {
		return entities.ChangesetResponse{}, newServiceError(opApplyChangeset, "data_version_mismatch",
			fmt.Errorf("%w: changeset has %d, store has %d", ErrDataVersionMismatch, changeset.DataVersion, s.schema.Version))
	}

	for expected, path := range attachments {
		stored, err := s.blobs.Put(path)
		if err != nil {
			return entities.ChangesetResponse{}, s.fail(opApplyChangeset, "attachment_failed", err)
		}
		if stored != expected {
			return entities.ChangesetResponse{}, s.fail(opApplyChangeset, "attachment_mismatch",
				fmt.Errorf("%w: attachment %s hashes to %s", ErrInconsistent, expected, stored))
		}
	}

	ids := make([]entities.Id, 0, len(changeset.Documents))
	for _, document := range changeset.Documents {
		ids = append(ids, document.ID)
	}
	release := s.locks.lock(ids...)
	defer release()

	response := entities.ChangesetResponse{Results: make([]entities.ChangeResult, 0, len(changeset.Documents))}
	var accepted []string

	// Cancellation must not interrupt a half-written changeset.
	applyCtx := context.WithoutCancel(ctx)
	txErr := s.db.WithContext(applyCtx).Transaction(func(tx *gorm.DB) error {
		highWater, err := loadHighWater(applyCtx, tx)
		if err != nil {
			return err
		}
		for _, incoming := range changeset.Documents {
			result, err := s.applyDocument(tx, incoming)
			if err != nil {
				return err
			}
			if result.Outcome != entities.OutcomeRejected {
				highWater = highWater.Merge(incoming.Revision)
			}
			if result.Outcome == entities.OutcomeAccepted {
				accepted = append(accepted, incoming.ID.String())
			}
			response.Results = append(response.Results, result)
		}
		response.Revision = highWater
		return database.PutSetting(applyCtx, tx, database.DBRevisionSetting, highWater)
	})
	if txErr != nil {
		reason := "database_error"
		if errors.Is(txErr, ErrInconsistent) {
			reason = "inconsistent"
		}
		return entities.ChangesetResponse{}, s.fail(opApplyChangeset, reason, txErr,
			zap.String("source", changeset.Source.String()))
	}

	for _, result := range response.Results {
		s.metrics.ObserveChange(string(result.Outcome))
	}
	s.logger.Info("changeset applied",
		zap.String("source", changeset.Source.String()),
		zap.Int("documents", len(changeset.Documents)),
		zap.Int("accepted", response.Count(entities.OutcomeAccepted)),
		zap.Int("superseded", response.Count(entities.OutcomeSuperseded)),
		zap.Int("rejected", response.Count(entities.OutcomeRejected)),
		zap.String("rev", response.Revision.String()))
	if len(accepted) > 0 {
		s.events.Publish(events.Event{Kind: events.DocumentsApplied, DocumentIDs: accepted})
	}
	return response, nil
}

func (s *Store) applyDocument(tx *gorm.DB, incoming entities.Document) (entities.ChangeResult, error) {
	result := entities.ChangeResult{ID: incoming.ID}
	if _, err := entities.ParseId(incoming.ID.String()); err != nil {
		result.Outcome, result.Reason = entities.OutcomeRejected, err.Error()
		return result, nil
	}
	if incoming.Revision.IsStaged() {
		result.Outcome, result.Reason = entities.OutcomeRejected, "staged revision"
		return result, nil
	}
	refs, err := s.deriveRefs(incoming.DocumentType, incoming.Data)
	if err != nil {
		result.Outcome, result.Reason = entities.OutcomeRejected, err.Error()
		return result, nil
	}
	incoming.Refs = refs
	if incoming.Data == nil {
		incoming.Data = entities.DocumentData{}
	}

	record, found, err := committedRecord(tx, incoming.ID)
	if err != nil {
		return result, err
	}
	var stored *entities.Document
	if found {
		current, err := fromRecord(record)
		if err != nil {
			return result, fmt.Errorf("%w: %w", ErrInconsistent, err)
		}
		stored = &current
	}

	outcome := resolveChange(stored, incoming)
	result.Outcome = outcome.Outcome
	if outcome.Outcome != entities.OutcomeAccepted {
		return result, nil
	}
	if outcome.Ordering == entities.Concurrent {
		s.logger.Warn("concurrent revisions resolved",
			zap.String("document_id", incoming.ID.String()),
			zap.String("stored_rev", stored.Revision.String()),
			zap.String("incoming_rev", incoming.Revision.String()))
	}
	if err := s.ensureBlobs(refs); err != nil {
		return result, err
	}
	if err := writeCommitted(tx, outcome.Winner, true); err != nil {
		return result, err
	}
	return result, nil
}
