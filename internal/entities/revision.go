package entities

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
)

// ErrInvalidRevision indicates that a serialized revision cannot be decoded.
var ErrInvalidRevision = errors.New("entities: invalid revision")

// Ordering describes how two revisions relate causally.
type Ordering int

const (
	// Before means the left revision happened before the right one.
	Before Ordering = iota - 1
	// Equal means both revisions carry identical components.
	Equal
	// After means the left revision strictly dominates the right one.
	After
	// Concurrent means neither revision dominates the other.
	Concurrent
)

// String renders the ordering for logs.
func (o Ordering) String() string {
	switch o {
	case Before:
		return "before"
	case Equal:
		return "equal"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Revision is a vector clock keyed by instance. The empty clock is the staging revision.
type Revision struct {
	components map[InstanceID]uint32
}

// NewRevision builds a revision from components, dropping zero entries.
func NewRevision(components map[InstanceID]uint32) Revision {
	revision := Revision{components: make(map[InstanceID]uint32, len(components))}
	for instance, value := range components {
		if value > 0 {
			revision.components[instance] = value
		}
	}
	return revision
}

// StagingRevision returns the reserved revision of locally modified, uncommitted documents.
func StagingRevision() Revision {
	return Revision{}
}

// ParseRevision decodes the canonical JSON encoding of a revision.
func ParseRevision(raw string) (Revision, error) {
	if raw == "" || raw == "null" {
		return StagingRevision(), nil
	}
	var decoded map[string]uint32
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return Revision{}, fmt.Errorf("%w: %v", ErrInvalidRevision, err)
	}
	components := make(map[InstanceID]uint32, len(decoded))
	for key, value := range decoded {
		if key == "" {
			return Revision{}, fmt.Errorf("%w: empty instance key", ErrInvalidRevision)
		}
		components[InstanceID(key)] = value
	}
	return NewRevision(components), nil
}

// Get returns the component of the given instance.
func (r Revision) Get(instance InstanceID) uint32 {
	return r.components[instance]
}

// Instances lists the instances with a non-zero component, sorted.
func (r Revision) Instances() []InstanceID {
	return slices.Sorted(maps.Keys(r.components))
}

// Sum adds up all components.
func (r Revision) Sum() uint64 {
	var total uint64
	for _, value := range r.components {
		total += uint64(value)
	}
	return total
}

// IsStaged reports whether r is the staging revision.
func (r Revision) IsStaged() bool {
	return len(r.components) == 0
}

// IsCommitted reports whether r was assigned by a commit.
func (r Revision) IsCommitted() bool {
	return !r.IsStaged()
}

// Compare reports how r relates to other.
func (r Revision) Compare(other Revision) Ordering {
	rGreater := false
	otherGreater := false
	for instance, value := range r.components {
		if value > other.components[instance] {
			rGreater = true
		}
	}
	for instance, value := range other.components {
		if value > r.components[instance] {
			otherGreater = true
		}
	}
	switch {
	case rGreater && otherGreater:
		return Concurrent
	case rGreater:
		return After
	case otherGreater:
		return Before
	default:
		return Equal
	}
}

// Dominates reports whether r is strictly after other.
func (r Revision) Dominates(other Revision) bool {
	return r.Compare(other) == After
}

// Covers reports whether every component of other is at most the one in r.
func (r Revision) Covers(other Revision) bool {
	ordering := other.Compare(r)
	return ordering == Before || ordering == Equal
}

// Merge returns the component-wise maximum of both revisions.
func (r Revision) Merge(other Revision) Revision {
	merged := Revision{components: maps.Clone(r.components)}
	if merged.components == nil {
		merged.components = make(map[InstanceID]uint32, len(other.components))
	}
	for instance, value := range other.components {
		if value > merged.components[instance] {
			merged.components[instance] = value
		}
	}
	return merged
}

// Inc returns the next committed revision authored by instance: r with the instance component bumped.
func (r Revision) Inc(instance InstanceID) Revision {
	next := Revision{components: maps.Clone(r.components)}
	if next.components == nil {
		next.components = make(map[InstanceID]uint32, 1)
	}
	next.components[instance]++
	return next
}

// Equal reports component equality.
func (r Revision) Equal(other Revision) bool {
	return r.Compare(other) == Equal
}

// String returns the canonical encoding: a JSON object with sorted keys.
func (r Revision) String() string {
	var buffer bytes.Buffer
	buffer.WriteByte('{')
	for index, instance := range r.Instances() {
		if index > 0 {
			buffer.WriteByte(',')
		}
		buffer.WriteString(strconv.Quote(instance.String()))
		buffer.WriteByte(':')
		buffer.WriteString(strconv.FormatUint(uint64(r.components[instance]), 10))
	}
	buffer.WriteByte('}')
	return buffer.String()
}

// MarshalJSON encodes the canonical form.
func (r Revision) MarshalJSON() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalJSON decodes the canonical form.
func (r *Revision) UnmarshalJSON(data []byte) error {
	parsed, err := ParseRevision(string(data))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Value implements driver.Valuer for storage columns.
func (r Revision) Value() (driver.Value, error) {
	return r.String(), nil
}

// Scan implements sql.Scanner for storage columns.
func (r *Revision) Scan(source any) error {
	switch value := source.(type) {
	case nil:
		*r = StagingRevision()
		return nil
	case string:
		return r.UnmarshalJSON([]byte(value))
	case []byte:
		return r.UnmarshalJSON(value)
	default:
		return fmt.Errorf("%w: unsupported column type %T", ErrInvalidRevision, source)
	}
}

// NewerThan orders concurrent revisions deterministically: higher component sum wins, then the
// canonical encoding, which starts with the sorted instance ids, breaks the tie.
func (r Revision) NewerThan(other Revision) bool {
	leftSum, rightSum := r.Sum(), other.Sum()
	if leftSum != rightSum {
		return leftSum > rightSum
	}
	return r.String() > other.String()
}
