package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notipy/internal/events"
	"github.com/gin-gonic/gin"
)

// handleEventStream streams a server's events as server-sent events until the client disconnects.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "events_unavailable"})
		return
	}
	serverID := strings.TrimSpace(c.Param("serverId"))
	if serverID == "" {
		invalidRequest(c)
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx, serverID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			writeEvent(c, event)
		case now := <-ticker.C:
			writeEvent(c, events.Event{ServerID: serverID, Type: events.TypeHeartbeat, PageIDs: []string{}, Timestamp: now.UTC()})
		}
	}
}

func writeEvent(c *gin.Context, event events.Event) {
	if event.PageIDs == nil {
		event.PageIDs = []string{}
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	_, _ = c.Writer.WriteString("event: " + event.Type + "\n")
	_, _ = c.Writer.WriteString("data: " + string(data) + "\n\n")
	c.Writer.Flush()
}
