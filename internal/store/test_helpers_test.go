package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mbme/arhiv-sub003/internal/blobs"
	"github.com/mbme/arhiv-sub003/internal/database"
	"github.com/mbme/arhiv-sub003/internal/entities"
	"github.com/mbme/arhiv-sub003/internal/events"
	"github.com/mbme/arhiv-sub003/internal/schema"
)

type stepClock struct {
	mu      sync.Mutex
	current time.Time
	step    time.Duration
}

func newStepClock() *stepClock {
	return &stepClock{current: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), step: time.Second}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(c.step)
	return c.current
}

func (c *stepClock) Advance(duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(duration)
}

type testStore struct {
	*Store
	db     *gorm.DB
	root   string
	clock  *stepClock
	events *events.Dispatcher
}

type testStoreOptions struct {
	root    string
	schema  *schema.DataSchema
	isPrime bool
}

func newTestStore(t *testing.T) *testStore {
	t.Helper()
	return newTestStoreWith(t, testStoreOptions{})
}

func newTestStoreWith(t *testing.T, options testStoreOptions) *testStore {
	t.Helper()
	root := options.root
	if root == "" {
		root = t.TempDir()
	}
	dataSchema := options.schema
	if dataSchema == nil {
		dataSchema = mustSchema(t)
	}
	blobDir := filepath.Join(root, "blobs")
	db, err := database.OpenSQLite(filepath.Join(root, "baza.sqlite"), blobDir, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	blobStore, err := blobs.NewStore(blobDir, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open blob store: %v", err)
	}
	clock := newStepClock()
	dispatcher := events.NewDispatcher()
	store, err := Open(context.Background(), Config{
		Database: db,
		Blobs:    blobStore,
		Schema:   dataSchema,
		IsPrime:  options.isPrime,
		Clock:    clock.Now,
		Logger:   zap.NewNop(),
		Events:   dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	return &testStore{Store: store, db: db, root: root, clock: clock, events: dispatcher}
}

func mustSchema(t *testing.T) *schema.DataSchema {
	t.Helper()
	dataSchema, err := schema.DefaultSchema("arhiv")
	if err != nil {
		t.Fatalf("failed to build schema: %v", err)
	}
	return dataSchema
}

func newNote(t *testing.T, id entities.Id, title string) entities.Document {
	t.Helper()
	document, err := entities.NewDocumentWithID(id, schema.NoteType, entities.DocumentData{"title": title}, time.Now())
	if err != nil {
		t.Fatalf("failed to build note: %v", err)
	}
	return document
}

func mustStage(t *testing.T, store *testStore, document entities.Document, attachments ...Attachment) entities.Document {
	t.Helper()
	staged, err := store.Stage(context.Background(), document, attachments...)
	if err != nil {
		t.Fatalf("failed to stage %s: %v", document.ID, err)
	}
	return staged
}

func mustCommit(t *testing.T, store *testStore) int {
	t.Helper()
	count, err := store.Commit(context.Background())
	if err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
	return count
}

func mustGet(t *testing.T, store *testStore, id entities.Id) entities.Document {
	t.Helper()
	document, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to get %s: %v", id, err)
	}
	return document
}

func mustParseRevision(t *testing.T, raw string) entities.Revision {
	t.Helper()
	revision, err := entities.ParseRevision(raw)
	if err != nil {
		t.Fatalf("failed to parse revision %s: %v", raw, err)
	}
	return revision
}

// committedDocument fabricates a document as another instance would have committed it.
func committedDocument(t *testing.T, id entities.Id, title string, revision string) entities.Document {
	t.Helper()
	document := newNote(t, id, title)
	document.Revision = mustParseRevision(t, revision)
	return document
}

func changesetOf(store *testStore, documents ...entities.Document) entities.Changeset {
	return entities.Changeset{
		DataVersion: store.Schema().Version,
		Source:      entities.NewInstanceID(),
		BaseRev:     entities.StagingRevision(),
		Documents:   documents,
	}
}
