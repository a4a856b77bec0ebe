package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mbme/arhiv-sub003/internal/entities"
	"github.com/mbme/arhiv-sub003/internal/schema"
)

// syncInto pulls everything source has that target has not seen yet.
func syncInto(t *testing.T, source *testStore, target *testStore) entities.ChangesetResponse {
	t.Helper()
	ctx := context.Background()
	base, err := target.HighWaterRevision(ctx)
	if err != nil {
		t.Fatalf("failed to read high water: %v", err)
	}
	changeset, err := source.GetChangeset(ctx, base)
	if err != nil {
		t.Fatalf("failed to get changeset: %v", err)
	}
	attachments := make(map[entities.BlobID]string)
	for _, blobID := range changeset.BlobRefs() {
		attachments[blobID] = source.Blobs().Path(blobID)
	}
	response, err := target.ApplyChangeset(ctx, changeset, attachments)
	if err != nil {
		t.Fatalf("failed to apply changeset: %v", err)
	}
	return response
}

func TestGetChangesetSkipsCoveredDocuments(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustStage(t, store, newNote(t, "note-1", "one"))
	mustCommit(t, store)
	firstRevision, _ := store.HighWaterRevision(ctx)
	mustStage(t, store, newNote(t, "note-2", "two"))
	mustCommit(t, store)
	mustStage(t, store, newNote(t, "note-3", "draft only"))

	full, err := store.GetChangeset(ctx, entities.StagingRevision())
	if err != nil {
		t.Fatalf("get changeset failed: %v", err)
	}
	if len(full.Documents) != 2 || full.Source != store.InstanceID() {
		t.Fatalf("expected 2 committed documents from %s, got %d from %s", store.InstanceID(), len(full.Documents), full.Source)
	}

	partial, err := store.GetChangeset(ctx, firstRevision)
	if err != nil {
		t.Fatalf("get changeset failed: %v", err)
	}
	if len(partial.Documents) != 1 || partial.Documents[0].ID != "note-2" {
		t.Fatalf("expected only note-2 after %s, got %+v", firstRevision, partial.Documents)
	}

	highWater, _ := store.HighWaterRevision(ctx)
	empty, err := store.GetChangeset(ctx, highWater)
	if err != nil {
		t.Fatalf("get changeset failed: %v", err)
	}
	if !empty.IsEmpty() {
		t.Fatalf("expected empty changeset at high water, got %d documents", len(empty.Documents))
	}
}

func TestApplyChangesetOutcomes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.ApplyChangeset(ctx, changesetOf(store, committedDocument(t, "note-1", "v1", `{"peer":1}`)), nil)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if first.Results[0].Outcome != entities.OutcomeAccepted {
		t.Fatalf("expected accepted, got %+v", first.Results[0])
	}

	testCases := []struct {
		name     string
		document entities.Document
		expected entities.ChangeOutcome
		title    string
	}{
		{name: "equal revision", document: committedDocument(t, "note-1", "same", `{"peer":1}`), expected: entities.OutcomeSuperseded, title: "v1"},
		{name: "dominating revision", document: committedDocument(t, "note-1", "v2", `{"peer":2}`), expected: entities.OutcomeAccepted, title: "v2"},
		{name: "older revision", document: committedDocument(t, "note-1", "stale", `{"peer":1}`), expected: entities.OutcomeSuperseded, title: "v2"},
		{name: "staged revision", document: newNote(t, "note-1", "draft"), expected: entities.OutcomeRejected, title: "v2"},
		{name: "invalid payload", document: entities.Document{ID: "note-1", DocumentType: schema.NoteType, Revision: mustParseRevision(t, `{"peer":9}`), Data: entities.DocumentData{}}, expected: entities.OutcomeRejected, title: "v2"},
		{name: "unknown type", document: entities.Document{ID: "note-1", DocumentType: "spaceship", Revision: mustParseRevision(t, `{"peer":9}`)}, expected: entities.OutcomeRejected, title: "v2"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			response, err := store.ApplyChangeset(ctx, changesetOf(store, testCase.document), nil)
			if err != nil {
				t.Fatalf("apply failed: %v", err)
			}
			if response.Results[0].Outcome != testCase.expected {
				t.Fatalf("expected %s, got %+v", testCase.expected, response.Results[0])
			}
			current := mustGet(t, store, "note-1")
			if title, _ := current.Data.GetString("title"); title != testCase.title {
				t.Fatalf("expected title %q, got %q", testCase.title, title)
			}
		})
	}

	highWater, _ := store.HighWaterRevision(ctx)
	if !highWater.Equal(mustParseRevision(t, `{"peer":2}`)) {
		t.Fatalf("expected rejected revisions to stay out of high water, got %s", highWater)
	}
}

func TestApplyChangesetRecomputesRefs(t *testing.T) {
	store := newTestStore(t)
	incoming := committedDocument(t, "note-1", "linked", `{"peer":1}`)
	incoming.Data["data"] = schema.MarkupRef("note-2", "other")
	incoming.Refs = entities.Refs{Documents: []entities.Id{"forged"}}

	if _, err := store.ApplyChangeset(context.Background(), changesetOf(store, incoming), nil); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	stored := mustGet(t, store, "note-1")
	if len(stored.Refs.Documents) != 1 || stored.Refs.Documents[0] != "note-2" {
		t.Fatalf("expected refs derived from data, got %+v", stored.Refs)
	}
}

func TestApplyChangesetIsAllOrNothing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	missing := entities.BlobIDFromBytes([]byte("not shipped"))
	attachment, err := entities.NewDocumentWithID("att-1", schema.AttachmentType,
		entities.DocumentData{"filename": "a.bin", "blob": missing.String()}, time.Now())
	if err != nil {
		t.Fatalf("failed to build attachment: %v", err)
	}
	attachment.Revision = mustParseRevision(t, `{"peer":1}`)

	changeset := changesetOf(store, committedDocument(t, "note-1", "first", `{"peer":1}`), attachment)
	_, err = store.ApplyChangeset(ctx, changeset, nil)
	if !errors.Is(err, ErrInconsistent) {
		t.Fatalf("expected ErrInconsistent, got %v", err)
	}
	if _, err := store.Get(ctx, "note-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected note-1 to be rolled back, got %v", err)
	}
	highWater, _ := store.HighWaterRevision(ctx)
	if !highWater.IsStaged() {
		t.Fatalf("expected high water untouched, got %s", highWater)
	}
}

func TestApplyChangesetStoresAttachments(t *testing.T) {
	store := newTestStore(t)
	content := []byte("shipped bytes")
	blobID := entities.BlobIDFromBytes(content)
	source := filepath.Join(t.TempDir(), "upload")
	if err := os.WriteFile(source, content, 0o600); err != nil {
		t.Fatalf("failed to write upload: %v", err)
	}
	attachment, err := entities.NewDocumentWithID("att-1", schema.AttachmentType,
		entities.DocumentData{"filename": "a.bin", "blob": blobID.String()}, time.Now())
	if err != nil {
		t.Fatalf("failed to build attachment: %v", err)
	}
	attachment.Revision = mustParseRevision(t, `{"peer":1}`)

	if _, err := store.ApplyChangeset(context.Background(), changesetOf(store, attachment), map[entities.BlobID]string{blobID: source}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if err := store.Blobs().Verify(blobID); err != nil {
		t.Fatalf("expected verified blob, got %v", err)
	}

	wrongID := entities.BlobIDFromBytes([]byte("something else"))
	_, err = store.ApplyChangeset(context.Background(), changesetOf(store), map[entities.BlobID]string{wrongID: source})
	if !errors.Is(err, ErrInconsistent) {
		t.Fatalf("expected hash mismatch to be rejected, got %v", err)
	}
}

func TestApplyChangesetRejectsDataVersionMismatch(t *testing.T) {
	store := newTestStore(t)
	changeset := changesetOf(store, committedDocument(t, "note-1", "v1", `{"peer":1}`))
	changeset.DataVersion = store.Schema().Version + 1

	_, err := store.ApplyChangeset(context.Background(), changeset, nil)
	if !errors.Is(err, ErrDataVersionMismatch) {
		t.Fatalf("expected ErrDataVersionMismatch, got %v", err)
	}
}

func TestApplyChangesetKeepsLocalDraft(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.ApplyChangeset(ctx, changesetOf(store, committedDocument(t, "note-1", "remote v1", `{"peer":1}`)), nil); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	mustStage(t, store, newNote(t, "note-1", "local draft"))
	if _, err := store.ApplyChangeset(ctx, changesetOf(store, committedDocument(t, "note-1", "remote v2", `{"peer":2}`)), nil); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if title, _ := mustGet(t, store, "note-1").Data.GetString("title"); title != "local draft" {
		t.Fatalf("expected draft to survive, got %q", title)
	}

	mustCommit(t, store)
	committed := mustGet(t, store, "note-1")
	if !committed.Revision.Dominates(mustParseRevision(t, `{"peer":2}`)) {
		t.Fatalf("expected local commit %s to dominate the received revision", committed.Revision)
	}
}

func TestApplyChangesetIgnoresCancellation(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.ApplyChangeset(ctx, changesetOf(store, committedDocument(t, "note-1", "v1", `{"peer":1}`)), nil); err != nil {
		t.Fatalf("expected apply to complete, got %v", err)
	}
	mustGet(t, store, "note-1")
}

func TestStoresConvergeAfterExchange(t *testing.T) {
	left := newTestStore(t)
	right := newTestStore(t)

	mustStage(t, left, newNote(t, "left-1", "from left"))
	mustCommit(t, left)
	mustStage(t, right, newNote(t, "right-1", "from right"))
	mustCommit(t, right)
	mustStage(t, right, newNote(t, "right-2", "second from right"))
	mustCommit(t, right)

	syncInto(t, left, right)
	syncInto(t, right, left)

	ctx := context.Background()
	leftRevision, _ := left.HighWaterRevision(ctx)
	rightRevision, _ := right.HighWaterRevision(ctx)
	if !leftRevision.Equal(rightRevision) {
		t.Fatalf("expected equal high water, got %s and %s", leftRevision, rightRevision)
	}
	for _, id := range []entities.Id{"left-1", "right-1", "right-2"} {
		leftDocument := mustGet(t, left, id)
		rightDocument := mustGet(t, right, id)
		if !leftDocument.Revision.Equal(rightDocument.Revision) {
			t.Fatalf("%s: revisions differ: %s vs %s", id, leftDocument.Revision, rightDocument.Revision)
		}
		leftTitle, _ := leftDocument.Data.GetString("title")
		rightTitle, _ := rightDocument.Data.GetString("title")
		if leftTitle != rightTitle {
			t.Fatalf("%s: titles differ: %q vs %q", id, leftTitle, rightTitle)
		}
	}

	repeated := syncInto(t, right, left)
	if len(repeated.Results) != 0 {
		t.Fatalf("expected nothing new after convergence, got %d results", len(repeated.Results))
	}
}

func TestConcurrentEditsOfSameDocumentConverge(t *testing.T) {
	left := newTestStore(t)
	right := newTestStore(t)

	mustStage(t, left, newNote(t, "shared", "left title"))
	mustCommit(t, left)
	mustStage(t, right, newNote(t, "shared", "right title"))
	mustCommit(t, right)

	leftBefore := mustGet(t, left, "shared")
	rightBefore := mustGet(t, right, "shared")
	if leftBefore.Revision.Compare(rightBefore.Revision) != entities.Concurrent {
		t.Fatalf("expected concurrent revisions, got %s and %s", leftBefore.Revision, rightBefore.Revision)
	}

	syncInto(t, left, right)
	syncInto(t, right, left)

	leftAfter := mustGet(t, left, "shared")
	rightAfter := mustGet(t, right, "shared")
	leftTitle, _ := leftAfter.Data.GetString("title")
	rightTitle, _ := rightAfter.Data.GetString("title")
	if leftTitle != rightTitle || !leftAfter.Revision.Equal(rightAfter.Revision) {
		t.Fatalf("expected same winner, got %q@%s and %q@%s", leftTitle, leftAfter.Revision, rightTitle, rightAfter.Revision)
	}

	expectedWinner := leftBefore
	if rightBefore.Revision.NewerThan(leftBefore.Revision) {
		expectedWinner = rightBefore
	}
	if !leftAfter.Revision.Equal(expectedWinner.Revision) {
		t.Fatalf("expected winner %s, got %s", expectedWinner.Revision, leftAfter.Revision)
	}
}
