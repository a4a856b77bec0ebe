package sync

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mbme/arhiv-sub003/internal/auth"
	"github.com/mbme/arhiv-sub003/internal/blobs"
	"github.com/mbme/arhiv-sub003/internal/database"
	"github.com/mbme/arhiv-sub003/internal/entities"
	"github.com/mbme/arhiv-sub003/internal/events"
	"github.com/mbme/arhiv-sub003/internal/schema"
	"github.com/mbme/arhiv-sub003/internal/server"
	"github.com/mbme/arhiv-sub003/internal/store"
)

const testSecret = "sync-test-secret"

type node struct {
	store  *store.Store
	events *events.Dispatcher
	tokens *auth.TokenIssuer
	server *httptest.Server
}

func newNode(t *testing.T, isPrime bool) *node {
	t.Helper()
	return newNodeWithSchema(t, isPrime, nil)
}

func newNodeWithSchema(t *testing.T, isPrime bool, dataSchema *schema.DataSchema) *node {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if dataSchema == nil {
		var err error
		dataSchema, err = schema.DefaultSchema("arhiv")
		require.NoError(t, err)
	}
	root := t.TempDir()
	blobDir := filepath.Join(root, "blobs")
	db, err := database.OpenSQLite(filepath.Join(root, "baza.sqlite"), blobDir, zap.NewNop())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	blobStore, err := blobs.NewStore(blobDir, zap.NewNop())
	require.NoError(t, err)
	dispatcher := events.NewDispatcher()
	documentStore, err := store.Open(context.Background(), store.Config{
		Database: db,
		Blobs:    blobStore,
		Schema:   dataSchema,
		IsPrime:  isPrime,
		Events:   dispatcher,
	})
	require.NoError(t, err)

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSecret), Issuer: "arhiv"})
	require.NoError(t, err)
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:  documentStore,
		Tokens: tokens,
		Events: dispatcher,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)

	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)
	return &node{store: documentStore, events: dispatcher, tokens: tokens, server: httpServer}
}

func (n *node) client(t *testing.T, caller *node) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		BaseURL:     n.server.URL,
		Tokens:      caller.tokens,
		InstanceID:  caller.store.InstanceID(),
		DataVersion: caller.store.Schema().Version,
		Timeout:     5 * time.Second,
	})
	require.NoError(t, err)
	return client
}

func (n *node) manager(t *testing.T, peers ...*node) *Manager {
	t.Helper()
	urls := make([]string, 0, len(peers))
	for _, peer := range peers {
		urls = append(urls, peer.server.URL)
	}
	manager, err := NewManager(ManagerConfig{
		Store:      n.store,
		Tokens:     n.tokens,
		Discoverer: NewStaticDiscoverer(urls),
		Events:     n.events,
		RPCTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return manager
}

func (n *node) stageNote(t *testing.T, id entities.Id, title string) entities.Document {
	t.Helper()
	document, err := entities.NewDocumentWithID(id, schema.NoteType, entities.DocumentData{"title": title}, time.Now())
	require.NoError(t, err)
	staged, err := n.store.Stage(context.Background(), document)
	require.NoError(t, err)
	return staged
}

func (n *node) stageAttachment(t *testing.T, id entities.Id, content string) entities.BlobID {
	t.Helper()
	source := filepath.Join(t.TempDir(), "attachment.txt")
	require.NoError(t, os.WriteFile(source, []byte(content), 0o600))
	document, err := entities.NewDocumentWithID(id, schema.AttachmentType, entities.DocumentData{"filename": "attachment.txt"}, time.Now())
	require.NoError(t, err)
	_, err = n.store.Stage(context.Background(), document, store.Attachment{Field: "blob", Path: source})
	require.NoError(t, err)
	return entities.BlobIDFromBytes([]byte(content))
}

func (n *node) commit(t *testing.T) int {
	t.Helper()
	count, err := n.store.Commit(context.Background())
	require.NoError(t, err)
	return count
}

func (n *node) revision(t *testing.T) entities.Revision {
	t.Helper()
	revision, err := n.store.HighWaterRevision(context.Background())
	require.NoError(t, err)
	return revision
}

func (n *node) title(t *testing.T, id entities.Id) string {
	t.Helper()
	document, err := n.store.Get(context.Background(), id)
	require.NoError(t, err)
	title, _ := document.Data.GetString("title")
	return title
}
