package entities

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

// ErasedDocumentType is the reserved tombstone type.
const ErasedDocumentType DocumentType = "erased"

var (
	// ErrInvalidDocumentType indicates an empty document type.
	ErrInvalidDocumentType = errors.New("entities: invalid document type")
	// ErrInvalidDocumentData indicates a payload that is not a JSON object.
	ErrInvalidDocumentData = errors.New("entities: invalid document data")
)

// DocumentType tags the schema a document conforms to.
type DocumentType string

// ParseDocumentType validates raw input and returns a DocumentType.
func ParseDocumentType(rawInput string) (DocumentType, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentType)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentType, maxIdentifierLength)
	}
	return DocumentType(trimmed), nil
}

// String returns the type tag.
func (t DocumentType) String() string {
	return string(t)
}

// IsErased reports whether t is the tombstone type.
func (t DocumentType) IsErased() bool {
	return t == ErasedDocumentType
}

// DocumentData is the schema-described payload, field values keyed by name.
type DocumentData map[string]any

// ParseDocumentData decodes a JSON object payload.
func ParseDocumentData(raw []byte) (DocumentData, error) {
	if len(raw) == 0 {
		return DocumentData{}, nil
	}
	var data DocumentData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocumentData, err)
	}
	if data == nil {
		data = DocumentData{}
	}
	return data, nil
}

// Get returns a non-null field value.
func (d DocumentData) Get(field string) (any, bool) {
	value, ok := d[field]
	if !ok || value == nil {
		return nil, false
	}
	return value, true
}

// GetString returns a string field value.
func (d DocumentData) GetString(field string) (string, bool) {
	value, ok := d.Get(field)
	if !ok {
		return "", false
	}
	text, ok := value.(string)
	return text, ok
}

// Clone returns a shallow copy.
func (d DocumentData) Clone() DocumentData {
	if d == nil {
		return DocumentData{}
	}
	return maps.Clone(d)
}

// Rename moves a field value under a new name.
func (d DocumentData) Rename(field string, newField string) {
	if value, ok := d[field]; ok {
		delete(d, field)
		d[newField] = value
	}
}

// Encode serializes the payload as JSON. HTML characters are written as-is so stored
// payloads stay queryable by their literal text.
func (d DocumentData) Encode() (string, error) {
	if d == nil {
		return "{}", nil
	}
	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(d); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDocumentData, err)
	}
	return strings.TrimSuffix(buffer.String(), "\n"), nil
}

// Document is one immutable snapshot of an archived entity.
type Document struct {
	ID           Id           `json:"id"`
	DocumentType DocumentType `json:"document_type"`
	Revision     Revision     `json:"rev"`
	Data         DocumentData `json:"data"`
	Refs         Refs         `json:"refs"`
	Archived     bool         `json:"archived"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// NewDocument builds a staged document with a fresh id.
func NewDocument(documentType DocumentType, data DocumentData, now time.Time) (Document, error) {
	id, err := NewId()
	if err != nil {
		return Document{}, err
	}
	return NewDocumentWithID(id, documentType, data, now)
}

// NewDocumentWithID builds a staged document for a known id.
func NewDocumentWithID(id Id, documentType DocumentType, data DocumentData, now time.Time) (Document, error) {
	if _, err := ParseId(id.String()); err != nil {
		return Document{}, err
	}
	if _, err := ParseDocumentType(documentType.String()); err != nil {
		return Document{}, err
	}
	timestamp := now.UTC()
	return Document{
		ID:           id,
		DocumentType: documentType,
		Revision:     StagingRevision(),
		Data:         data.Clone(),
		CreatedAt:    timestamp,
		UpdatedAt:    timestamp,
	}, nil
}

// NewTombstone turns doc into a staged tombstone that keeps only its identity and creation time.
func NewTombstone(doc Document, now time.Time) Document {
	return Document{
		ID:           doc.ID,
		DocumentType: ErasedDocumentType,
		Revision:     StagingRevision(),
		Data:         DocumentData{},
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    now.UTC(),
	}
}

// IsErased reports whether the document is a tombstone.
func (d Document) IsErased() bool {
	return d.DocumentType.IsErased()
}

// IsStaged reports whether the document awaits a commit.
func (d Document) IsStaged() bool {
	return d.Revision.IsStaged()
}

// IsCommitted reports whether the document belongs to the replicated history.
func (d Document) IsCommitted() bool {
	return d.Revision.IsCommitted()
}

// Clone copies the document with its own payload map.
func (d Document) Clone() Document {
	clone := d
	clone.Data = d.Data.Clone()
	return clone
}
