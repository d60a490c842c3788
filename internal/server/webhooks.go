package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBodyBytes = 1 << 20

// handleNotionWebhook acknowledges every readable delivery immediately and
// leaves validation and processing to the webhook queue.
func (h *httpHandler) handleNotionWebhook(c *gin.Context) {
	serverID := strings.TrimSpace(c.Param("serverId"))
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		h.logger.Info("webhook body unreadable", zap.String("server_id", serverID), zap.Error(err))
		invalidRequest(c)
		return
	}
	if serverID == "" {
		invalidRequest(c)
		return
	}
	deliveryID, accepted := h.webhooks.Enqueue(serverID, body)
	c.JSON(http.StatusOK, gin.H{"delivery_id": deliveryID, "accepted": accepted})
}
