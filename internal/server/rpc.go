package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mbme/arhiv-sub003/internal/entities"
)

const (
	// ChangesetFormField names the multipart part carrying the changeset JSON.
	ChangesetFormField = "changeset"
	blobCacheControl   = "immutable, private, max-age=31536000"
)

func (h *httpHandler) handlePing(c *gin.Context) {
	ping, err := h.store.Ping(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ping)
}

func (h *httpHandler) handleGetChangeset(c *gin.Context) {
	baseRev, err := entities.ParseRevision(c.Query("base_rev"))
	if err != nil {
		badRequest(c, "invalid_base_rev")
		return
	}
	changeset, err := h.store.GetChangeset(c.Request.Context(), baseRev)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Debug("changeset served",
		zap.String("peer", c.GetString(peerIDContextKey)),
		zap.String("base_rev", baseRev.String()),
		zap.Int("documents", len(changeset.Documents)))
	c.JSON(http.StatusOK, changeset)
}

// handlePushChangeset accepts a multipart upload: one changeset part plus one file part per
// blob, named by blob id. Only the prime accepts pushes.
func (h *httpHandler) handlePushChangeset(c *gin.Context) {
	if !h.store.IsPrime() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not_prime"})
		return
	}
	reader, err := c.Request.MultipartReader()
	if err != nil {
		badRequest(c, "invalid_multipart")
		return
	}

	uploadDir, err := os.MkdirTemp("", "baza-upload-")
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer os.RemoveAll(uploadDir) //nolint:errcheck

	var (
		changeset   *entities.Changeset
		attachments = make(map[entities.BlobID]string)
	)
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			badRequest(c, "invalid_multipart")
			return
		}
		name := part.FormName()
		if name == ChangesetFormField {
			var decoded entities.Changeset
			decodeErr := json.NewDecoder(part).Decode(&decoded)
			_ = part.Close()
			if decodeErr != nil {
				badRequest(c, "invalid_changeset")
				return
			}
			changeset = &decoded
			continue
		}

		blobID, err := entities.ParseBlobID(name)
		if err != nil {
			_ = part.Close()
			badRequest(c, "invalid_blob_id")
			return
		}
		path := filepath.Join(uploadDir, blobID.String())
		if err := writePart(path, part); err != nil {
			h.writeError(c, err)
			return
		}
		attachments[blobID] = path
	}
	if changeset == nil {
		badRequest(c, "missing_changeset")
		return
	}

	response, err := h.store.ApplyChangeset(c.Request.Context(), *changeset, attachments)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Info("changeset received",
		zap.String("peer", c.GetString(peerIDContextKey)),
		zap.Int("documents", len(changeset.Documents)),
		zap.Int("blobs", len(attachments)))
	c.JSON(http.StatusOK, response)
}

func writePart(path string, part io.ReadCloser) error {
	defer part.Close()
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, part); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// handleBlob serves blob content; http.ServeContent underneath answers Range requests.
func (h *httpHandler) handleBlob(c *gin.Context) {
	blobID, err := entities.ParseBlobID(c.Param("blob_id"))
	if err != nil {
		badRequest(c, "invalid_blob_id")
		return
	}
	blobStore := h.store.Blobs()
	path, found, err := blobStore.Get(blobID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !found {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "blob_not_found"})
		return
	}
	mediaType, err := blobStore.MediaType(blobID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Cache-Control", blobCacheControl)
	c.Header("Content-Type", mediaType)
	c.File(path)
}
