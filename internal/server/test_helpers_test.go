package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mbme/arhiv-sub003/internal/auth"
	"github.com/mbme/arhiv-sub003/internal/blobs"
	"github.com/mbme/arhiv-sub003/internal/database"
	"github.com/mbme/arhiv-sub003/internal/events"
	"github.com/mbme/arhiv-sub003/internal/metrics"
	"github.com/mbme/arhiv-sub003/internal/schema"
	"github.com/mbme/arhiv-sub003/internal/store"
)

const testSecret = "test-shared-secret"

type testServer struct {
	handler http.Handler
	store   *store.Store
	tokens  *auth.TokenIssuer
	events  *events.Dispatcher
	metrics *metrics.Metrics
}

type testServerOptions struct {
	isPrime        bool
	syncTrigger    SyncTrigger
	allowedOrigins []string
}

func newTestServer(t *testing.T, options testServerOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	root := t.TempDir()
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
	dataSchema, err := schema.DefaultSchema("arhiv")
	if err != nil {
		t.Fatalf("failed to build schema: %v", err)
	}
	dispatcher := events.NewDispatcher()
	observer := metrics.NewMetrics()
	documentStore, err := store.Open(context.Background(), store.Config{
		Database: db,
		Blobs:    blobStore,
		Schema:   dataSchema,
		IsPrime:  options.isPrime,
		Events:   dispatcher,
		Metrics:  observer,
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSecret), Issuer: "arhiv"})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Store:          documentStore,
		Tokens:         tokens,
		Events:         dispatcher,
		Metrics:        observer,
		SyncTrigger:    options.syncTrigger,
		Logger:         zap.NewNop(),
		AllowedOrigins: options.allowedOrigins,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &testServer{handler: handler, store: documentStore, tokens: tokens, events: dispatcher, metrics: observer}
}

func (s *testServer) do(t *testing.T, method string, target string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, target, body)
	if _, ok := headers["Authorization"]; !ok && strings.HasPrefix(target, "/api/") {
		request.Header.Set("Authorization", "Bearer "+s.apiToken(t))
	}
	for key, value := range headers {
		if value == "" {
			continue
		}
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func (s *testServer) doJSON(t *testing.T, method string, target string, payload any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader = http.NoBody
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to encode payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}
	if headers == nil {
		headers = map[string]string{}
	}
	headers["Content-Type"] = "application/json"
	return s.do(t, method, target, body, headers)
}

func (s *testServer) peerHeaders(t *testing.T) map[string]string {
	t.Helper()
	request := httptest.NewRequest(http.MethodGet, "/", nil)
	if err := s.tokens.Authorize(request, "7d0f3e5c-2a4b-4c59-9d0e-0b6f7b1c2d3e", 2); err != nil {
		t.Fatalf("failed to issue peer token: %v", err)
	}
	return map[string]string{"Authorization": request.Header.Get("Authorization")}
}

func (s *testServer) apiToken(t *testing.T) string {
	t.Helper()
	token, _, err := s.tokens.IssueAPIToken(context.Background(), "test-client", 0)
	if err != nil {
		t.Fatalf("failed to issue api token: %v", err)
	}
	return token
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return value
}

func expectStatus(t *testing.T, recorder *httptest.ResponseRecorder, status int) {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, recorder.Code, recorder.Body.String())
	}
}

func expectError(t *testing.T, recorder *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	expectStatus(t, recorder, status)
	payload := decodeBody[map[string]string](t, recorder)
	if payload["error"] != code {
		t.Fatalf("expected error %q, got %q", code, payload["error"])
	}
}
