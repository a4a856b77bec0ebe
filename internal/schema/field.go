package schema

import (
	"fmt"
	"math"
	"regexp"
	"slices"

	"github.com/mbme/arhiv-sub003/internal/entities"
)

// FieldKind enumerates the supported field value types.
type FieldKind string

const (
	KindString        FieldKind = "String"
	KindMarkupString  FieldKind = "MarkupString"
	KindFlag          FieldKind = "Flag"
	KindNaturalNumber FieldKind = "NaturalNumber"
	KindRef           FieldKind = "Ref"
	KindRefList       FieldKind = "RefList"
	KindEnum          FieldKind = "Enum"
	KindBLOBId        FieldKind = "BLOBId"
)

// markupRefPattern matches markdown link and image destinations of the form ref:<id>.
var markupRefPattern = regexp.MustCompile(`\]\(ref:([^\s)]+)`)

// FieldType describes the value a field holds.
type FieldType struct {
	Kind     FieldKind               `json:"kind"`
	RefTypes []entities.DocumentType `json:"ref_types,omitempty"`
	Variants []string                `json:"variants,omitempty"`
}

// String is a plain text field.
func String() FieldType { return FieldType{Kind: KindString} }

// MarkupString is a markdown field; ref:<id> links become document refs.
func MarkupString() FieldType { return FieldType{Kind: KindMarkupString} }

// Flag is a boolean field.
func Flag() FieldType { return FieldType{Kind: KindFlag} }

// NaturalNumber is a non-negative integer field.
func NaturalNumber() FieldType { return FieldType{Kind: KindNaturalNumber} }

// Ref points at a single document of one of the given types.
func Ref(types ...entities.DocumentType) FieldType {
	return FieldType{Kind: KindRef, RefTypes: types}
}

// RefList is an ordered collection of documents of the given types.
func RefList(types ...entities.DocumentType) FieldType {
	return FieldType{Kind: KindRefList, RefTypes: types}
}

// Enum restricts a string field to the declared variants.
func Enum(variants ...string) FieldType {
	return FieldType{Kind: KindEnum, Variants: variants}
}

// BLOBId holds the content address of an attachment.
func BLOBId() FieldType { return FieldType{Kind: KindBLOBId} }

// Field is one named, typed entry of a DataDescription.
type Field struct {
	Name      string    `json:"name"`
	Type      FieldType `json:"field_type"`
	Mandatory bool      `json:"mandatory"`
	Readonly  bool      `json:"readonly"`
}

func (f Field) validate(value any) error {
	switch f.Type.Kind {
	case KindString, KindMarkupString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected a string, got %T", value)
		}
	case KindFlag:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected a boolean, got %T", value)
		}
	case KindNaturalNumber:
		if !isNaturalNumber(value) {
			return fmt.Errorf("expected a non-negative integer, got %v", value)
		}
	case KindRef:
		raw, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected a document id, got %T", value)
		}
		if _, err := entities.ParseId(raw); err != nil {
			return err
		}
	case KindRefList:
		ids, err := stringList(value)
		if err != nil {
			return err
		}
		for _, raw := range ids {
			if _, err := entities.ParseId(raw); err != nil {
				return err
			}
		}
	case KindEnum:
		raw, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected a string, got %T", value)
		}
		if !slices.Contains(f.Type.Variants, raw) {
			return fmt.Errorf("%q is not one of %v", raw, f.Type.Variants)
		}
	case KindBLOBId:
		raw, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected a blob id, got %T", value)
		}
		if _, err := entities.ParseBlobID(raw); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported field kind %q", f.Type.Kind)
	}
	return nil
}

func (f Field) extractRefs(value any, builder *entities.RefsBuilder) {
	switch f.Type.Kind {
	case KindRef:
		if raw, ok := value.(string); ok {
			if id, err := entities.ParseId(raw); err == nil {
				builder.AddDocument(id)
			}
		}
	case KindRefList:
		ids, _ := stringList(value)
		for _, raw := range ids {
			if id, err := entities.ParseId(raw); err == nil {
				builder.AddCollection(id)
			}
		}
	case KindMarkupString:
		if raw, ok := value.(string); ok {
			for _, id := range ExtractMarkupRefs(raw) {
				builder.AddDocument(id)
			}
		}
	case KindBLOBId:
		if raw, ok := value.(string); ok {
			if blobID, err := entities.ParseBlobID(raw); err == nil {
				builder.AddBlob(blobID)
			}
		}
	}
}

func (f Field) isEmpty(value any) bool {
	switch typed := value.(type) {
	case nil:
		return true
	case string:
		return typed == ""
	case []any:
		return len(typed) == 0
	case []string:
		return len(typed) == 0
	}
	return false
}

// ExtractMarkupRefs returns the ids of ref:<id> links in markup text.
func ExtractMarkupRefs(markup string) []entities.Id {
	var ids []entities.Id
	for _, match := range markupRefPattern.FindAllStringSubmatch(markup, -1) {
		if id, err := entities.ParseId(match[1]); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// MarkupRef renders a markdown link to a document.
func MarkupRef(id entities.Id, title string) string {
	return fmt.Sprintf("[%s](ref:%s)", title, id)
}

func stringList(value any) ([]string, error) {
	switch typed := value.(type) {
	case []string:
		return typed, nil
	case []entities.Id:
		result := make([]string, 0, len(typed))
		for _, id := range typed {
			result = append(result, id.String())
		}
		return result, nil
	case []any:
		result := make([]string, 0, len(typed))
		for _, item := range typed {
			raw, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected a list of document ids, found %T", item)
			}
			result = append(result, raw)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("expected a list of document ids, got %T", value)
	}
}

func isNaturalNumber(value any) bool {
	switch typed := value.(type) {
	case int:
		return typed >= 0
	case int64:
		return typed >= 0
	case uint, uint8, uint16, uint32, uint64:
		return true
	case float64:
		return typed >= 0 && typed == math.Trunc(typed) && !math.IsInf(typed, 0)
	default:
		return false
	}
}
