package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"gorm.io/gorm"

	"github.com/mbme/arhiv-sub003/internal/database"
	"github.com/mbme/arhiv-sub003/internal/entities"
)

const (
	// DefaultPageSize applies when a Page leaves Size unset.
	DefaultPageSize = 20
	// MaxPageSize caps a single page.
	MaxPageSize = 500
)

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ListMode selects which heads a listing considers.
type ListMode string

const (
	// ModeRelevant lists live, non-archived documents.
	ModeRelevant ListMode = ""
	// ModeArchived lists live, archived documents.
	ModeArchived ListMode = "archived"
	// ModeStaged lists local drafts only.
	ModeStaged ListMode = "staged"
	// ModeAll lists every head, tombstones included.
	ModeAll ListMode = "all"
)

// ParseListMode validates a mode name.
func ParseListMode(raw string) (ListMode, error) {
	switch mode := ListMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case ModeRelevant, ModeArchived, ModeStaged, ModeAll:
		return mode, nil
	case "relevant":
		return ModeRelevant, nil
	default:
		return "", fmt.Errorf("%w: unknown list mode %q", ErrValidation, raw)
	}
}

// Filter restricts a listing. Zero values impose no restriction.
type Filter struct {
	Types        []entities.DocumentType
	Mode         ListMode
	Fields       map[string]any
	Search       string
	RefersTo     entities.Id
	CollectionOf entities.Id
}

// Page is an offset window.
type Page struct {
	Offset int
	Size   int
}

func (p Page) normalized() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// ListItem is a listed document with its display title.
type ListItem struct {
	entities.Document
	Title string `json:"title"`
}

// ListPage is one window of a listing ordered by write sequence, newest first.
type ListPage struct {
	Items   []ListItem `json:"items"`
	Offset  int        `json:"offset"`
	Size    int        `json:"size"`
	HasMore bool       `json:"has_more"`
}

// List returns heads (drafts over committed values) matching filter. Search matches the string
// values of a document case-insensitively, so searched listings are windowed after matching.
func (s *Store) List(ctx context.Context, filter Filter, page Page) (ListPage, error) {
	page = page.normalized()
	query, err := applyFilter(s.db.WithContext(ctx).Table("documents AS d"), filter)
	if err != nil {
		return ListPage{}, newServiceError(opList, "invalid_filter", err)
	}
	query = query.Select("d.*").Order("d.seq DESC").Order("d.id ASC")

	term := strings.TrimSpace(filter.Search)
	if term == "" {
		query = query.Offset(page.Offset).Limit(page.Size + 1)
	}
	var records []database.DocumentRecord
	if err := query.Find(&records).Error; err != nil {
		return ListPage{}, s.fail(opList, "database_error", err)
	}

	documents := make([]entities.Document, 0, len(records))
	matcher := newSearchMatcher(term)
	for _, record := range records {
		document, err := fromRecord(record)
		if err != nil {
			return ListPage{}, s.fail(opList, "decode_failed", fmt.Errorf("%w: %w", ErrInconsistent, err))
		}
		if matcher != nil && !matcher.matches(document.Data) {
			continue
		}
		documents = append(documents, document)
	}
	if matcher != nil {
		if page.Offset >= len(documents) {
			documents = nil
		} else {
			documents = documents[page.Offset:]
		}
	}

	result := ListPage{Offset: page.Offset, Size: page.Size, Items: make([]ListItem, 0, min(len(documents), page.Size))}
	if len(documents) > page.Size {
		result.HasMore = true
		documents = documents[:page.Size]
	}
	for _, document := range documents {
		result.Items = append(result.Items, ListItem{
			Document: document,
			Title:    s.schema.Title(document.DocumentType, document.Data),
		})
	}
	return result, nil
}

// searchMatcher compares case-folded text, so non-ASCII letters match regardless of case.
type searchMatcher struct {
	folder cases.Caser
	term   string
}

func newSearchMatcher(term string) *searchMatcher {
	if term == "" {
		return nil
	}
	folder := cases.Fold()
	return &searchMatcher{folder: folder, term: folder.String(term)}
}

func (m *searchMatcher) matches(data entities.DocumentData) bool {
	for _, value := range data {
		if m.matchesValue(value) {
			return true
		}
	}
	return false
}

func (m *searchMatcher) matchesValue(value any) bool {
	switch typed := value.(type) {
	case string:
		return strings.Contains(m.folder.String(typed), m.term)
	case []any:
		for _, item := range typed {
			if m.matchesValue(item) {
				return true
			}
		}
	case map[string]any:
		for _, item := range typed {
			if m.matchesValue(item) {
				return true
			}
		}
	}
	return false
}

func applyFilter(query *gorm.DB, filter Filter) (*gorm.DB, error) {
	query = query.Where("(d.staged = ? OR NOT EXISTS (SELECT 1 FROM documents s WHERE s.id = d.id AND s.staged = ?))", true, true)

	erased := entities.ErasedDocumentType.String()
	switch filter.Mode {
	case ModeRelevant:
		query = query.Where("d.archived = ? AND d.document_type <> ?", false, erased)
	case ModeArchived:
		query = query.Where("d.archived = ? AND d.document_type <> ?", true, erased)
	case ModeStaged:
		query = query.Where("d.staged = ?", true)
	case ModeAll:
	default:
		return nil, fmt.Errorf("%w: unknown list mode %q", ErrValidation, filter.Mode)
	}

	if len(filter.Types) > 0 {
		types := make([]string, 0, len(filter.Types))
		for _, documentType := range filter.Types {
			types = append(types, documentType.String())
		}
		query = query.Where("d.document_type IN ?", types)
	}

	for field, value := range filter.Fields {
		if !fieldNamePattern.MatchString(field) {
			return nil, fmt.Errorf("%w: invalid field name %q", ErrValidation, field)
		}
		query = query.Where("json_extract(d.data_json, ?) = ?", "$."+field, value)
	}

	if filter.RefersTo != "" {
		query = query.Where(
			"(EXISTS (SELECT 1 FROM json_each(d.refs_json, '$.documents') WHERE value = ?) OR "+
				"EXISTS (SELECT 1 FROM json_each(d.refs_json, '$.collections') WHERE value = ?))",
			filter.RefersTo.String(), filter.RefersTo.String())
	}

	if filter.CollectionOf != "" {
		query = query.Where(
			"d.id IN (SELECT value FROM json_each((SELECT c.refs_json FROM documents c WHERE c.id = ? ORDER BY c.staged DESC LIMIT 1), '$.collections'))",
			filter.CollectionOf.String())
	}
	return query, nil
}
