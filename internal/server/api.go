package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mbme/arhiv-sub003/internal/entities"
	"github.com/mbme/arhiv-sub003/internal/store"
)

const (
	documentFormField = "document"
	fieldQueryPrefix  = "field."
)

type stageRequestPayload struct {
	DocumentType string                `json:"document_type"`
	Data         entities.DocumentData `json:"data"`
	Archived     bool                  `json:"archived"`
}

type lockRequestPayload struct {
	Reason string `json:"reason"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	status, err := h.store.Status(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleSchema(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.Schema())
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	id, ok := documentID(c)
	if !ok {
		return
	}
	document, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, document)
}

func (h *httpHandler) handleDocumentHistory(c *gin.Context) {
	id, ok := documentID(c)
	if !ok {
		return
	}
	history, err := h.store.History(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": history})
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	mode, err := store.ParseListMode(c.Query("mode"))
	if err != nil {
		badRequest(c, "invalid_mode")
		return
	}
	filter := store.Filter{
		Mode:         mode,
		Search:       c.Query("search"),
		RefersTo:     entities.Id(strings.TrimSpace(c.Query("refers_to"))),
		CollectionOf: entities.Id(strings.TrimSpace(c.Query("collection_of"))),
	}
	for _, raw := range c.QueryArray("type") {
		documentType, err := entities.ParseDocumentType(raw)
		if err != nil {
			badRequest(c, "invalid_type")
			return
		}
		filter.Types = append(filter.Types, documentType)
	}
	for key, values := range c.Request.URL.Query() {
		name, isField := strings.CutPrefix(key, fieldQueryPrefix)
		if !isField || len(values) == 0 {
			continue
		}
		if filter.Fields == nil {
			filter.Fields = make(map[string]any)
		}
		filter.Fields[name] = parseFieldValue(values[0])
	}

	page := store.Page{}
	if page.Offset, err = intQuery(c, "offset"); err != nil {
		badRequest(c, "invalid_offset")
		return
	}
	if page.Size, err = intQuery(c, "size"); err != nil {
		badRequest(c, "invalid_size")
		return
	}

	result, err := h.store.List(c.Request.Context(), filter, page)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleStageDocument accepts either a JSON body or a multipart form whose "document" part holds
// the JSON and whose other parts are files named by the blob field they fill.
func (h *httpHandler) handleStageDocument(c *gin.Context) {
	id, ok := documentID(c)
	if !ok {
		return
	}

	var (
		payload     stageRequestPayload
		attachments []store.Attachment
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		uploadDir, err := os.MkdirTemp("", "baza-stage-")
		if err != nil {
			h.writeError(c, err)
			return
		}
		defer os.RemoveAll(uploadDir) //nolint:errcheck

		found, parsed, err := readStageMultipart(c, uploadDir, &payload)
		if err != nil {
			badRequest(c, "invalid_multipart")
			return
		}
		if !found {
			badRequest(c, "missing_document")
			return
		}
		attachments = parsed
	} else if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, "invalid_request")
		return
	}

	documentType, err := entities.ParseDocumentType(payload.DocumentType)
	if err != nil {
		badRequest(c, "invalid_type")
		return
	}
	if payload.Data == nil {
		payload.Data = entities.DocumentData{}
	}
	document := entities.Document{
		ID:           id,
		DocumentType: documentType,
		Data:         payload.Data,
		Archived:     payload.Archived,
	}

	ctx := store.WithLockKey(c.Request.Context(), c.GetHeader(lockKeyHeader))
	staged, err := h.store.Stage(ctx, document, attachments...)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, staged)
}

func readStageMultipart(c *gin.Context, uploadDir string, payload *stageRequestPayload) (bool, []store.Attachment, error) {
	reader, err := c.Request.MultipartReader()
	if err != nil {
		return false, nil, err
	}
	found := false
	var attachments []store.Attachment
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return found, attachments, nil
		}
		if err != nil {
			return false, nil, err
		}
		name := part.FormName()
		if name == documentFormField {
			decodeErr := json.NewDecoder(part).Decode(payload)
			_ = part.Close()
			if decodeErr != nil {
				return false, nil, decodeErr
			}
			found = true
			continue
		}
		if name == "" || strings.ContainsAny(name, `/\`) {
			_ = part.Close()
			return false, nil, errors.New("invalid attachment field")
		}
		path := filepath.Join(uploadDir, name)
		if err := writePart(path, part); err != nil {
			return false, nil, err
		}
		attachments = append(attachments, store.Attachment{Field: name, Path: path})
	}
}

func (h *httpHandler) handleEraseDocument(c *gin.Context) {
	id, ok := documentID(c)
	if !ok {
		return
	}
	ctx := store.WithLockKey(c.Request.Context(), c.GetHeader(lockKeyHeader))
	tombstone, err := h.store.Erase(ctx, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tombstone)
}

func (h *httpHandler) handleLockDocument(c *gin.Context) {
	id, ok := documentID(c)
	if !ok {
		return
	}
	var payload lockRequestPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			badRequest(c, "invalid_request")
			return
		}
	}
	key, err := h.store.LockDocument(c.Request.Context(), id, strings.TrimSpace(payload.Reason))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key})
}

func (h *httpHandler) handleUnlockDocument(c *gin.Context) {
	id, ok := documentID(c)
	if !ok {
		return
	}
	key := c.Query("key")
	if key == "" {
		key = c.GetHeader(lockKeyHeader)
	}
	if err := h.store.UnlockDocument(c.Request.Context(), id, key); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListLocks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": h.store.Locks()})
}

func (h *httpHandler) handleCommit(c *gin.Context) {
	count, err := h.store.Commit(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"committed": count})
}

func (h *httpHandler) handleResetDocument(c *gin.Context) {
	id, ok := documentID(c)
	if !ok {
		return
	}
	ctx := store.WithLockKey(c.Request.Context(), c.GetHeader(lockKeyHeader))
	if err := h.store.Reset(ctx, id); err != nil {
		h.writeError(c, err)
		return
	}
	document, err := h.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, document)
}

func (h *httpHandler) handleResetAll(c *gin.Context) {
	count, err := h.store.ResetAll(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": count})
}

func (h *httpHandler) handleSync(c *gin.Context) {
	if h.syncTrigger == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "sync_disabled"})
		return
	}
	if err := h.syncTrigger(c.Request.Context()); err != nil {
		h.logger.Warn("sync request failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "sync_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func documentID(c *gin.Context) (entities.Id, bool) {
	id, err := entities.ParseId(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid_id")
		return "", false
	}
	return id, true
}

func intQuery(c *gin.Context, key string) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// parseFieldValue treats JSON literals as typed values and anything else as a string.
func parseFieldValue(raw string) any {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err == nil {
		switch value.(type) {
		case float64, bool:
			return value
		}
	}
	return raw
}
