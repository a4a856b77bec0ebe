package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbme/arhiv-sub003/internal/database"
	"github.com/mbme/arhiv-sub003/internal/entities"
)

func toRecord(document entities.Document, staged bool, seq int64) (database.DocumentRecord, error) {
	dataJSON, err := document.Data.Encode()
	if err != nil {
		return database.DocumentRecord{}, err
	}
	refsJSON, err := json.Marshal(document.Refs)
	if err != nil {
		return database.DocumentRecord{}, fmt.Errorf("encode refs: %w", err)
	}
	return database.DocumentRecord{
		ID:              document.ID.String(),
		Staged:          staged,
		Revision:        document.Revision.String(),
		DocumentType:    document.DocumentType.String(),
		Archived:        document.Archived,
		CreatedAtMillis: document.CreatedAt.UnixMilli(),
		UpdatedAtMillis: document.UpdatedAt.UnixMilli(),
		DataJSON:        dataJSON,
		RefsJSON:        string(refsJSON),
		Seq:             seq,
	}, nil
}

func fromRecord(record database.DocumentRecord) (entities.Document, error) {
	return decodeDocument(record.ID, record.Revision, record.DocumentType, record.Archived,
		record.CreatedAtMillis, record.UpdatedAtMillis, record.DataJSON, record.RefsJSON)
}

func toSnapshot(record database.DocumentRecord) database.SnapshotRecord {
	return database.SnapshotRecord{
		ID:              record.ID,
		Revision:        record.Revision,
		DocumentType:    record.DocumentType,
		Archived:        record.Archived,
		CreatedAtMillis: record.CreatedAtMillis,
		UpdatedAtMillis: record.UpdatedAtMillis,
		DataJSON:        record.DataJSON,
		RefsJSON:        record.RefsJSON,
	}
}

func fromSnapshot(record database.SnapshotRecord) (entities.Document, error) {
	return decodeDocument(record.ID, record.Revision, record.DocumentType, record.Archived,
		record.CreatedAtMillis, record.UpdatedAtMillis, record.DataJSON, record.RefsJSON)
}

func decodeDocument(id, revision, documentType string, archived bool, createdAt, updatedAt int64, dataJSON, refsJSON string) (entities.Document, error) {
	parsedRevision, err := entities.ParseRevision(revision)
	if err != nil {
		return entities.Document{}, err
	}
	data, err := entities.ParseDocumentData([]byte(dataJSON))
	if err != nil {
		return entities.Document{}, err
	}
	var refs entities.Refs
	if refsJSON != "" {
		if err := json.Unmarshal([]byte(refsJSON), &refs); err != nil {
			return entities.Document{}, fmt.Errorf("decode refs of %s: %w", id, err)
		}
	}
	return entities.Document{
		ID:           entities.Id(id),
		DocumentType: entities.DocumentType(documentType),
		Revision:     parsedRevision,
		Data:         data,
		Refs:         refs,
		Archived:     archived,
		CreatedAt:    time.UnixMilli(createdAt).UTC(),
		UpdatedAt:    time.UnixMilli(updatedAt).UTC(),
	}, nil
}
