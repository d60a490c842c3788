package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/notipy/internal/scheduler"
	"github.com/MarcoPoloResearchLab/notipy/internal/servers"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type serverPayload struct {
	ServerID              string   `json:"server_id"`
	ModeratorRoleID       *string  `json:"moderator_role_id"`
	NotificationChannelID *string  `json:"notification_channel_id"`
	HasAccessToken        bool     `json:"has_access_token"`
	Tags                  []string `json:"tags"`
	LastTouchedAt         int64    `json:"last_touched_at_s"`
}

func newServerPayload(config servers.ServerConfig) serverPayload {
	tags := config.Tags
	if tags == nil {
		tags = []string{}
	}
	return serverPayload{
		ServerID:              config.ServerID,
		ModeratorRoleID:       config.ModeratorRoleID,
		NotificationChannelID: config.NotificationChannelID,
		HasAccessToken:        config.HasAccessToken(),
		Tags:                  tags,
		LastTouchedAt:         config.LastTouchedAt.Unix(),
	}
}

type fieldRequestPayload struct {
	Value *string `json:"value"`
}

type tagRequestPayload struct {
	Tag string `json:"tag"`
}

type activeRequestPayload struct {
	ServerIDs []string `json:"server_ids"`
}

func (h *httpHandler) handleGetServer(c *gin.Context) {
	config, err := h.servers.GetOrCreate(c.Request.Context(), c.Param("serverId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newServerPayload(config))
}

// handleRemoveServer forgets a server the bot left, returning the threads of
// its pages for the caller to clean up.
func (h *httpHandler) handleRemoveServer(c *gin.Context) {
	ctx := c.Request.Context()
	serverID := c.Param("serverId")
	threadIDs, err := h.links.UnlinkServer(ctx, serverID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.servers.Remove(ctx, serverID); err != nil {
		h.respondError(c, err)
		return
	}
	if threadIDs == nil {
		threadIDs = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"thread_ids": threadIDs})
}

func (h *httpHandler) handleMarkActive(c *gin.Context) {
	var request activeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.ServerIDs) == 0 {
		invalidRequest(c)
		return
	}
	if err := h.servers.MarkActive(c.Request.Context(), request.ServerIDs); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSetField(field servers.Field) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request fieldRequestPayload
		if err := c.ShouldBindJSON(&request); err != nil {
			invalidRequest(c)
			return
		}
		config, err := h.servers.SetField(c.Request.Context(), c.Param("serverId"), field, request.Value)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, newServerPayload(config))
	}
}

func (h *httpHandler) handleListTags(c *gin.Context) {
	tags, err := h.servers.ListTags(c.Request.Context(), c.Param("serverId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if tags == nil {
		tags = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"tags": tags})
}

func (h *httpHandler) handleAddTag(c *gin.Context) {
	var request tagRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Tag) == "" {
		invalidRequest(c)
		return
	}
	config, err := h.servers.AddTag(c.Request.Context(), c.Param("serverId"), request.Tag)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"tags": newServerPayload(config).Tags})
}

func (h *httpHandler) handleRemoveTag(c *gin.Context) {
	config, err := h.servers.RemoveTag(c.Request.Context(), c.Param("serverId"), c.Param("tag"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tags": newServerPayload(config).Tags})
}

func (h *httpHandler) handleReconcile(c *gin.Context) {
	if h.jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler_unavailable"})
		return
	}
	// The run outlives the request.
	err := h.jobs.Run(context.WithoutCancel(c.Request.Context()), ReconcileJobName)
	switch {
	case err == nil:
		h.logger.Info("reconcile triggered", zap.String("subject", c.GetString(subjectContextKey)))
		c.JSON(http.StatusAccepted, gin.H{"status": "started"})
	case errors.Is(err, scheduler.ErrJobRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "already_running"})
	case errors.Is(err, scheduler.ErrJobNotFound):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler_unavailable"})
	default:
		h.respondError(c, err)
	}
}

func (h *httpHandler) handleListJobs(c *gin.Context) {
	if h.jobs == nil {
		c.JSON(http.StatusOK, gin.H{"jobs": []scheduler.ListItem{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": h.jobs.List()})
}
