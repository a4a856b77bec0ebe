// Package server exposes the store over HTTP: the peer RPC surface under /rpc and the local API under /api.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mbme/arhiv-sub003/internal/auth"
	"github.com/mbme/arhiv-sub003/internal/events"
	"github.com/mbme/arhiv-sub003/internal/metrics"
	"github.com/mbme/arhiv-sub003/internal/store"
)

const (
	peerIDContextKey         = "baza_peer_id"
	clientContextKey         = "baza_client"
	lockKeyHeader            = "X-Lock-Key"
	defaultHeartbeatInterval = 30 * time.Second
)

var (
	errMissingStore  = errors.New("store dependency required")
	errMissingTokens = errors.New("token issuer dependency required")
)

// SyncTrigger runs one sync cycle on demand.
type SyncTrigger func(ctx context.Context) error

// Dependencies wires the HTTP surface to the rest of the process.
type Dependencies struct {
	Store             *store.Store
	Tokens            *auth.TokenIssuer
	Events            *events.Dispatcher
	Metrics           *metrics.Metrics
	SyncTrigger       SyncTrigger
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
	// AllowedOrigins lists the browser origins allowed to call the API. Empty disables CORS.
	AllowedOrigins []string
}

// NewHTTPHandler builds the gin engine.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Tokens == nil {
		return nil, errMissingTokens
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger, deps.Metrics))
	if len(deps.AllowedOrigins) > 0 {
		router.Use(corsMiddleware(deps.AllowedOrigins))
	}

	handler := &httpHandler{
		store:       deps.Store,
		tokens:      deps.Tokens,
		events:      deps.Events,
		syncTrigger: deps.SyncTrigger,
		logger:      logger,
		heartbeat:   heartbeat,
	}

	router.GET("/health", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	rpc := router.Group("/rpc")
	rpc.Use(handler.authorizePeer)
	rpc.GET("/ping", handler.handlePing)
	rpc.GET("/changeset", handler.handleGetChangeset)
	rpc.POST("/changeset", handler.handlePushChangeset)
	rpc.GET("/blobs/:blob_id", handler.handleBlob)

	api := router.Group("/api")
	api.Use(handler.authorizeClient)
	api.GET("/status", handler.handleStatus)
	api.GET("/schema", handler.handleSchema)
	api.GET("/documents", handler.handleListDocuments)
	api.GET("/documents/:id", handler.handleGetDocument)
	api.PUT("/documents/:id", handler.handleStageDocument)
	api.DELETE("/documents/:id", handler.handleEraseDocument)
	api.GET("/documents/:id/history", handler.handleDocumentHistory)
	api.POST("/documents/:id/lock", handler.handleLockDocument)
	api.DELETE("/documents/:id/lock", handler.handleUnlockDocument)
	api.GET("/locks", handler.handleListLocks)
	api.POST("/documents/:id/reset", handler.handleResetDocument)
	api.POST("/commit", handler.handleCommit)
	api.POST("/reset", handler.handleResetAll)
	api.POST("/sync", handler.handleSync)
	api.GET("/blobs/:blob_id", handler.handleBlob)
	api.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	store       *store.Store
	tokens      *auth.TokenIssuer
	events      *events.Dispatcher
	syncTrigger SyncTrigger
	logger      *zap.Logger
	heartbeat   time.Duration
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Range", lockKeyHeader},
		ExposeHeaders:    []string{"Content-Range", "Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}

func requestLogger(logger *zap.Logger, observer *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		duration := time.Since(start)
		observer.ObserveHTTP(route, strconv.Itoa(status), duration)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("duration", duration),
		}
		if status >= http.StatusInternalServerError {
			logger.Warn("request failed", fields...)
			return
		}
		logger.Debug("request served", fields...)
	}
}

func (h *httpHandler) authorizePeer(c *gin.Context) {
	claims, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("peer token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(peerIDContextKey, claims.Subject)
	c.Next()
}

func (h *httpHandler) authorizeClient(c *gin.Context) {
	claims, err := h.tokens.ValidateAPIRequest(c.Request)
	if err != nil {
		h.logger.Warn("api token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(clientContextKey, claims.Subject)
	c.Next()
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
