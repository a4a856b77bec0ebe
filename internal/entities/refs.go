package entities

import (
	"maps"
	"slices"
)

// Refs is the derived index of everything a document points at.
type Refs struct {
	Documents   []Id     `json:"documents"`
	Collections []Id     `json:"collections"`
	Blobs       []BlobID `json:"blobs"`
}

// RefsBuilder accumulates refs without duplicates.
type RefsBuilder struct {
	documents   map[Id]struct{}
	collections map[Id]struct{}
	blobs       map[BlobID]struct{}
}

// NewRefsBuilder returns an empty builder.
func NewRefsBuilder() *RefsBuilder {
	return &RefsBuilder{
		documents:   map[Id]struct{}{},
		collections: map[Id]struct{}{},
		blobs:       map[BlobID]struct{}{},
	}
}

// AddDocument records a single document reference.
func (b *RefsBuilder) AddDocument(id Id) {
	b.documents[id] = struct{}{}
}

// AddCollection records a collection member reference.
func (b *RefsBuilder) AddCollection(id Id) {
	b.collections[id] = struct{}{}
}

// AddBlob records a blob reference.
func (b *RefsBuilder) AddBlob(id BlobID) {
	b.blobs[id] = struct{}{}
}

// Build produces sorted, disjoint sets. An id referenced both directly and as a
// collection member is kept only under collections.
func (b *RefsBuilder) Build() Refs {
	for id := range b.collections {
		delete(b.documents, id)
	}
	return Refs{
		Documents:   slices.Sorted(maps.Keys(b.documents)),
		Collections: slices.Sorted(maps.Keys(b.collections)),
		Blobs:       slices.Sorted(maps.Keys(b.blobs)),
	}
}

// AllDocumentRefs returns the union of document and collection refs.
func (r Refs) AllDocumentRefs() []Id {
	all := make([]Id, 0, len(r.Documents)+len(r.Collections))
	all = append(all, r.Documents...)
	all = append(all, r.Collections...)
	slices.Sort(all)
	return slices.Compact(all)
}

// IsEmpty reports whether nothing is referenced.
func (r Refs) IsEmpty() bool {
	return len(r.Documents) == 0 && len(r.Collections) == 0 && len(r.Blobs) == 0
}

// Equal compares the three sets.
func (r Refs) Equal(other Refs) bool {
	return slices.Equal(r.Documents, other.Documents) &&
		slices.Equal(r.Collections, other.Collections) &&
		slices.Equal(r.Blobs, other.Blobs)
}
