package store

import (
	"github.com/mbme/arhiv-sub003/internal/entities"
)

// ConflictOutcome is the resolver verdict for one incoming document.
type ConflictOutcome struct {
	Outcome  entities.ChangeOutcome
	Ordering entities.Ordering
	Winner   entities.Document
}

// resolveChange decides between the stored committed value and an incoming one. Strict
// dominance wins; concurrent revisions fall back to Revision.NewerThan, which every
// instance evaluates identically.
func resolveChange(stored *entities.Document, incoming entities.Document) ConflictOutcome {
	if stored == nil {
		return ConflictOutcome{Outcome: entities.OutcomeAccepted, Ordering: entities.After, Winner: incoming}
	}

	ordering := incoming.Revision.Compare(stored.Revision)
	switch ordering {
	case entities.After:
		return ConflictOutcome{Outcome: entities.OutcomeAccepted, Ordering: ordering, Winner: incoming}
	case entities.Before, entities.Equal:
		return ConflictOutcome{Outcome: entities.OutcomeSuperseded, Ordering: ordering, Winner: *stored}
	default:
		if incoming.Revision.NewerThan(stored.Revision) {
			return ConflictOutcome{Outcome: entities.OutcomeAccepted, Ordering: ordering, Winner: incoming}
		}
		return ConflictOutcome{Outcome: entities.OutcomeSuperseded, Ordering: ordering, Winner: *stored}
	}
}
