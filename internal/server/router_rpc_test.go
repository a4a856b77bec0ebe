package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/mbme/arhiv-sub003/internal/entities"
	"github.com/mbme/arhiv-sub003/internal/schema"
)

func TestRPCRequiresPeerToken(testContext *testing.T) {
	server := newTestServer(testContext, testServerOptions{})

	testCases := []struct {
		name    string
		headers map[string]string
	}{
		{name: "missing header", headers: nil},
		{name: "not bearer", headers: map[string]string{"Authorization": "Basic abc"}},
		{name: "garbage token", headers: map[string]string{"Authorization": "Bearer garbage"}},
		{name: "api token", headers: map[string]string{"Authorization": "Bearer " + server.apiToken(testContext)}},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			recorder := server.do(t, http.MethodGet, "/rpc/ping", http.NoBody, testCase.headers)
			expectError(t, recorder, http.StatusUnauthorized, "unauthorized")
		})
	}

	recorder := server.do(testContext, http.MethodGet, "/rpc/ping", http.NoBody, server.peerHeaders(testContext))
	expectStatus(testContext, recorder, http.StatusOK)
	ping := decodeBody[entities.Ping](testContext, recorder)
	if ping.InstanceID != server.store.InstanceID() || ping.DataVersion != schema.DefaultDataVersion {
		testContext.Fatalf("unexpected ping %+v", ping)
	}
}

func TestRPCServesChangesetSinceBaseRevision(testContext *testing.T) {
	server := newTestServer(testContext, testServerOptions{})
	ctx := context.Background()

	for _, id := range []entities.Id{"note-1", "note-2"} {
		document, err := entities.NewDocumentWithID(id, schema.NoteType, entities.DocumentData{"title": id.String()}, time.Now())
		if err != nil {
			testContext.Fatalf("failed to build note: %v", err)
		}
		if _, err := server.store.Stage(ctx, document); err != nil {
			testContext.Fatalf("stage failed: %v", err)
		}
		if _, err := server.store.Commit(ctx); err != nil {
			testContext.Fatalf("commit failed: %v", err)
		}
	}

	full := server.do(testContext, http.MethodGet, "/rpc/changeset", http.NoBody, server.peerHeaders(testContext))
	expectStatus(testContext, full, http.StatusOK)
	if changeset := decodeBody[entities.Changeset](testContext, full); len(changeset.Documents) != 2 {
		testContext.Fatalf("expected 2 documents, got %d", len(changeset.Documents))
	}

	base := entities.NewRevision(map[entities.InstanceID]uint32{server.store.InstanceID(): 1})
	partial := server.do(testContext, http.MethodGet, "/rpc/changeset?base_rev="+url.QueryEscape(base.String()), http.NoBody, server.peerHeaders(testContext))
	expectStatus(testContext, partial, http.StatusOK)
	changeset := decodeBody[entities.Changeset](testContext, partial)
	if len(changeset.Documents) != 1 || changeset.Documents[0].ID != "note-2" {
		testContext.Fatalf("expected only note-2, got %+v", changeset.Documents)
	}

	invalid := server.do(testContext, http.MethodGet, "/rpc/changeset?base_rev=%7Bbroken", http.NoBody, server.peerHeaders(testContext))
	expectError(testContext, invalid, http.StatusBadRequest, "invalid_base_rev")
}

func pushBody(t *testing.T, changeset entities.Changeset, files map[entities.BlobID][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormField(ChangesetFormField)
	if err != nil {
		t.Fatalf("failed to create changeset part: %v", err)
	}
	if err := json.NewEncoder(part).Encode(changeset); err != nil {
		t.Fatalf("failed to encode changeset: %v", err)
	}
	for blobID, content := range files {
		filePart, err := writer.CreateFormFile(blobID.String(), blobID.String())
		if err != nil {
			t.Fatalf("failed to create blob part: %v", err)
		}
		_, _ = filePart.Write(content)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}
	return &body, writer.FormDataContentType()
}

func TestRPCAcceptsPushOnPrime(testContext *testing.T) {
	server := newTestServer(testContext, testServerOptions{isPrime: true})
	content := []byte("replica attachment")
	blobID := entities.BlobIDFromBytes(content)

	attachment, err := entities.NewDocumentWithID("att-1", schema.AttachmentType,
		entities.DocumentData{"filename": "a.txt", "blob": blobID.String()}, time.Now())
	if err != nil {
		testContext.Fatalf("failed to build attachment: %v", err)
	}
	attachment.Revision = entities.NewRevision(map[entities.InstanceID]uint32{"replica": 1})
	changeset := entities.Changeset{
		DataVersion: schema.DefaultDataVersion,
		Source:      "replica",
		BaseRev:     entities.StagingRevision(),
		Documents:   []entities.Document{attachment},
	}

	body, contentType := pushBody(testContext, changeset, map[entities.BlobID][]byte{blobID: content})
	headers := server.peerHeaders(testContext)
	headers["Content-Type"] = contentType
	recorder := server.do(testContext, http.MethodPost, "/rpc/changeset", body, headers)
	expectStatus(testContext, recorder, http.StatusOK)

	response := decodeBody[entities.ChangesetResponse](testContext, recorder)
	if response.Count(entities.OutcomeAccepted) != 1 {
		testContext.Fatalf("expected accepted attachment, got %+v", response.Results)
	}
	if response.Revision.Get("replica") != 1 {
		testContext.Fatalf("expected revision to include replica component, got %s", response.Revision)
	}
	if err := server.store.Blobs().Verify(blobID); err != nil {
		testContext.Fatalf("expected uploaded blob to be stored: %v", err)
	}

	mismatched := entities.Changeset{DataVersion: schema.DefaultDataVersion + 1, Source: "replica"}
	body, contentType = pushBody(testContext, mismatched, nil)
	headers["Content-Type"] = contentType
	expectError(testContext, server.do(testContext, http.MethodPost, "/rpc/changeset", body, headers),
		http.StatusConflict, "store.apply_changeset.data_version_mismatch")
}

func TestRPCRejectsPushOnReplica(testContext *testing.T) {
	server := newTestServer(testContext, testServerOptions{})
	body, contentType := pushBody(testContext, entities.Changeset{DataVersion: schema.DefaultDataVersion}, nil)
	headers := server.peerHeaders(testContext)
	headers["Content-Type"] = contentType

	recorder := server.do(testContext, http.MethodPost, "/rpc/changeset", body, headers)
	expectError(testContext, recorder, http.StatusForbidden, "not_prime")
}

func TestRPCServesBlobRanges(testContext *testing.T) {
	server := newTestServer(testContext, testServerOptions{})
	content := []byte("0123456789")
	blobID, err := server.store.Blobs().PutReader(bytes.NewReader(content))
	if err != nil {
		testContext.Fatalf("failed to store blob: %v", err)
	}

	headers := server.peerHeaders(testContext)
	headers["Range"] = "bytes=2-5"
	recorder := server.do(testContext, http.MethodGet, "/rpc/blobs/"+blobID.String(), http.NoBody, headers)
	expectStatus(testContext, recorder, http.StatusPartialContent)
	if recorder.Body.String() != "2345" {
		testContext.Fatalf("unexpected range body %q", recorder.Body.String())
	}
	if recorder.Header().Get("Content-Range") != "bytes 2-5/10" {
		testContext.Fatalf("unexpected content range %q", recorder.Header().Get("Content-Range"))
	}

	missing := entities.BlobIDFromBytes([]byte("absent"))
	expectError(testContext, server.do(testContext, http.MethodGet, "/rpc/blobs/"+missing.String(), http.NoBody, server.peerHeaders(testContext)),
		http.StatusNotFound, "blob_not_found")
	expectError(testContext, server.do(testContext, http.MethodGet, "/rpc/blobs/not-a-blob", http.NoBody, server.peerHeaders(testContext)),
		http.StatusBadRequest, "invalid_blob_id")
}
