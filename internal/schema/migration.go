package schema

import (
	"fmt"

	"github.com/mbme/arhiv-sub003/internal/entities"
)

// DataMigration rewrites payloads written for Version-1 into the Version shape.
// Update returns nil when the document needs no change.
type DataMigration struct {
	Version uint8
	Name    string
	Update  func(document entities.Document) (*entities.Document, error)
}

// Upgrade folds every step above fromVersion over document and reports whether anything changed.
func (s *DataSchema) Upgrade(document entities.Document, fromVersion uint8) (entities.Document, bool, error) {
	current := document
	changed := false
	for _, migration := range s.Migrations(fromVersion) {
		updated, err := migration.Update(current)
		if err != nil {
			return document, false, fmt.Errorf("schema: data migration %d (%s) on %s: %w", migration.Version, migration.Name, document.ID, err)
		}
		if updated != nil {
			current = *updated
			changed = true
		}
	}
	return current, changed, nil
}
