package entities

import "time"

// ChangeOutcome reports what the receiver did with one document of a changeset.
type ChangeOutcome string

const (
	// OutcomeAccepted means the incoming document replaced the stored one.
	OutcomeAccepted ChangeOutcome = "accepted"
	// OutcomeSuperseded means the stored document already dominates the incoming one.
	OutcomeSuperseded ChangeOutcome = "superseded"
	// OutcomeRejected means the incoming document cannot be stored at all.
	OutcomeRejected ChangeOutcome = "rejected"
)

// Changeset transfers committed documents modified since BaseRev.
type Changeset struct {
	DataVersion uint8      `json:"data_version"`
	Source      InstanceID `json:"source"`
	BaseRev     Revision   `json:"base_rev"`
	Documents   []Document `json:"documents"`
}

// IsEmpty reports whether the changeset carries no documents.
func (c Changeset) IsEmpty() bool {
	return len(c.Documents) == 0
}

// BlobRefs lists every blob referenced by the changeset documents.
func (c Changeset) BlobRefs() []BlobID {
	builder := NewRefsBuilder()
	for _, document := range c.Documents {
		for _, blobID := range document.Refs.Blobs {
			builder.AddBlob(blobID)
		}
	}
	return builder.Build().Blobs
}

// ChangeResult is the receiver's verdict for one document.
type ChangeResult struct {
	ID      Id            `json:"id"`
	Outcome ChangeOutcome `json:"outcome"`
	Reason  string        `json:"reason,omitempty"`
}

// ChangesetResponse reports per-document outcomes and the receiver's new high-water revision.
type ChangesetResponse struct {
	Results  []ChangeResult `json:"results"`
	Revision Revision       `json:"rev"`
}

// Count returns how many results carry the given outcome.
func (r ChangesetResponse) Count(outcome ChangeOutcome) int {
	count := 0
	for _, result := range r.Results {
		if result.Outcome == outcome {
			count++
		}
	}
	return count
}

// Ping is the handshake exchanged before syncing.
type Ping struct {
	Timestamp   time.Time  `json:"timestamp"`
	InstanceID  InstanceID `json:"instance_id"`
	DataVersion uint8      `json:"data_version"`
	Revision    Revision   `json:"rev"`
	IsPrime     bool       `json:"is_prime"`
}
