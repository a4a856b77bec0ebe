package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbme/arhiv-sub003/internal/events"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeSource         = "baza"
)

type realtimePayload struct {
	Kind        events.Kind `json:"kind"`
	DocumentIDs []string    `json:"document_ids,omitempty"`
	Peer        string      `json:"peer,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
	Source      string      `json:"source"`
}

// handleEvents streams dispatcher events to the client as server-sent events.
func (h *httpHandler) handleEvents(c *gin.Context) {
	if h.events == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "events_disabled"})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-stream:
			c.SSEvent(string(event.Kind), realtimePayload{
				Kind:        event.Kind,
				DocumentIDs: event.DocumentIDs,
				Peer:        event.Peer,
				Timestamp:   event.Timestamp,
				Source:      realtimeSource,
			})
			c.Writer.Flush()
		case now := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": now.UTC(), "source": realtimeSource})
			c.Writer.Flush()
		}
	}
}
