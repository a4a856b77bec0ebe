package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mbme/arhiv-sub003/internal/store"
)

// statusFor maps store errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrDocumentLocked), errors.Is(err, store.ErrNotLocked):
		return http.StatusConflict
	case errors.Is(err, store.ErrDataVersionMismatch):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	code := "internal_error"
	var serviceErr *store.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.Request.URL.Path), zap.String("code", code), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code})
}

func badRequest(c *gin.Context, code string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": code})
}
