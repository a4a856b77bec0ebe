// Package schema describes document payloads and how they evolve across data versions.
package schema

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/mbme/arhiv-sub003/internal/entities"
)

var (
	// ErrUnknownDocumentType indicates a document type without a DataDescription.
	ErrUnknownDocumentType = errors.New("schema: unknown document type")
	// ErrInvalidSchema indicates an inconsistent schema definition.
	ErrInvalidSchema = errors.New("schema: invalid schema")
)

// ValidationError reports a single payload violation.
type ValidationError struct {
	DocumentType entities.DocumentType
	Field        string
	Message      string
}

// Error implements error.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema: %s: %s", e.DocumentType, e.Message)
	}
	return fmt.Sprintf("schema: %s.%s: %s", e.DocumentType, e.Field, e.Message)
}

// DataDescription lists the fields of one document type.
type DataDescription struct {
	DocumentType entities.DocumentType `json:"document_type"`
	TitleField   string                `json:"title_field,omitempty"`
	Fields       []Field               `json:"fields"`
}

// Field looks up a field by name.
func (d DataDescription) Field(name string) (Field, bool) {
	for _, field := range d.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return Field{}, false
}

var erasedDescription = DataDescription{DocumentType: entities.ErasedDocumentType}

// DataSchema is the versioned set of document descriptions plus the data migration ladder.
type DataSchema struct {
	AppName      string            `json:"app_name"`
	Version      uint8             `json:"data_version"`
	Descriptions []DataDescription `json:"modules"`
	migrations   []DataMigration
}

// NewDataSchema validates descriptions and migrations. The tombstone description is always present.
func NewDataSchema(appName string, version uint8, descriptions []DataDescription, migrations []DataMigration) (*DataSchema, error) {
	if strings.TrimSpace(appName) == "" {
		return nil, fmt.Errorf("%w: app name is required", ErrInvalidSchema)
	}
	if version == 0 {
		return nil, fmt.Errorf("%w: data version must be positive", ErrInvalidSchema)
	}

	seen := map[entities.DocumentType]struct{}{}
	all := make([]DataDescription, 0, len(descriptions)+1)
	for _, description := range descriptions {
		if description.DocumentType.IsErased() {
			return nil, fmt.Errorf("%w: %q is reserved", ErrInvalidSchema, entities.ErasedDocumentType)
		}
		if _, err := entities.ParseDocumentType(description.DocumentType.String()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
		}
		if _, duplicate := seen[description.DocumentType]; duplicate {
			return nil, fmt.Errorf("%w: duplicate document type %q", ErrInvalidSchema, description.DocumentType)
		}
		seen[description.DocumentType] = struct{}{}
		all = append(all, description)
	}
	all = append(all, erasedDescription)

	ordered := slices.Clone(migrations)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })
	for index, migration := range ordered {
		if migration.Update == nil {
			return nil, fmt.Errorf("%w: migration %d has no update function", ErrInvalidSchema, migration.Version)
		}
		if migration.Version < 2 || migration.Version > version {
			return nil, fmt.Errorf("%w: migration version %d outside 2..%d", ErrInvalidSchema, migration.Version, version)
		}
		if index > 0 && ordered[index-1].Version == migration.Version {
			return nil, fmt.Errorf("%w: duplicate migration version %d", ErrInvalidSchema, migration.Version)
		}
	}

	return &DataSchema{AppName: appName, Version: version, Descriptions: all, migrations: ordered}, nil
}

// Description returns the DataDescription of a document type.
func (s *DataSchema) Description(documentType entities.DocumentType) (DataDescription, error) {
	for _, description := range s.Descriptions {
		if description.DocumentType == documentType {
			return description, nil
		}
	}
	return DataDescription{}, fmt.Errorf("%w: %q", ErrUnknownDocumentType, documentType)
}

// DocumentTypes lists every known document type, tombstone included.
func (s *DataSchema) DocumentTypes() []entities.DocumentType {
	types := make([]entities.DocumentType, 0, len(s.Descriptions))
	for _, description := range s.Descriptions {
		types = append(types, description.DocumentType)
	}
	return types
}

// Validate checks a payload against its description and returns every violation joined.
func (s *DataSchema) Validate(documentType entities.DocumentType, data entities.DocumentData) error {
	description, err := s.Description(documentType)
	if err != nil {
		return err
	}

	var violations []error
	for name := range data {
		if _, ok := description.Field(name); !ok {
			violations = append(violations, &ValidationError{DocumentType: documentType, Field: name, Message: "unknown field"})
		}
	}
	for _, field := range description.Fields {
		value, present := data.Get(field.Name)
		if !present || field.isEmpty(value) {
			if field.Mandatory {
				violations = append(violations, &ValidationError{DocumentType: documentType, Field: field.Name, Message: "mandatory field is missing"})
			}
			continue
		}
		if err := field.validate(value); err != nil {
			violations = append(violations, &ValidationError{DocumentType: documentType, Field: field.Name, Message: err.Error()})
		}
	}
	sort.SliceStable(violations, func(i, j int) bool { return violations[i].Error() < violations[j].Error() })
	return errors.Join(violations...)
}

// ExtractRefs derives refs from a payload.
func (s *DataSchema) ExtractRefs(documentType entities.DocumentType, data entities.DocumentData) (entities.Refs, error) {
	description, err := s.Description(documentType)
	if err != nil {
		return entities.Refs{}, err
	}
	builder := entities.NewRefsBuilder()
	for _, field := range description.Fields {
		if value, ok := data.Get(field.Name); ok {
			field.extractRefs(value, builder)
		}
	}
	return builder.Build(), nil
}

// Title returns the value of the title field when the description declares one.
func (s *DataSchema) Title(documentType entities.DocumentType, data entities.DocumentData) string {
	description, err := s.Description(documentType)
	if err != nil || description.TitleField == "" {
		return ""
	}
	title, _ := data.GetString(description.TitleField)
	return title
}

// Migrations returns the data ladder steps above version, in ascending order.
func (s *DataSchema) Migrations(after uint8) []DataMigration {
	var pending []DataMigration
	for _, migration := range s.migrations {
		if migration.Version > after {
			pending = append(pending, migration)
		}
	}
	return pending
}
