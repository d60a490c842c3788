package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/notipy/internal/links"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type databasePayload struct {
	DatabaseID  string `json:"database_id"`
	ServerID    string `json:"server_id"`
	ChannelID   string `json:"channel_id"`
	DisplayName string `json:"display_name"`
}

func newDatabasePayload(database links.Database) databasePayload {
	return databasePayload{
		DatabaseID:  database.DatabaseID,
		ServerID:    database.ServerID,
		ChannelID:   database.ChannelID,
		DisplayName: database.Name(),
	}
}

type pagePayload struct {
	PageID     string  `json:"page_id"`
	DatabaseID string  `json:"database_id"`
	ThreadID   *string `json:"thread_id"`
	Dirty      bool    `json:"dirty"`
	Suppressed bool    `json:"suppressed"`
}

func newPagePayload(page links.Page) pagePayload {
	return pagePayload{
		PageID:     page.PageID,
		DatabaseID: page.DatabaseID,
		ThreadID:   page.ThreadID,
		Dirty:      page.Dirty,
		Suppressed: page.Suppressed,
	}
}

type dirtyPagePayload struct {
	PageID      string   `json:"page_id"`
	DatabaseID  string   `json:"database_id"`
	ThreadID    *string  `json:"thread_id"`
	ChannelID   string   `json:"channel_id"`
	ServerID    string   `json:"server_id"`
	DisplayName *string  `json:"display_name"`
	Tags        []string `json:"tags"`
}

type linkRequestPayload struct {
	DatabaseID  string `json:"database_id"`
	ChannelID   string `json:"channel_id"`
	DisplayName string `json:"display_name"`
}

type threadRequestPayload struct {
	ThreadID *string `json:"thread_id"`
}

type cleanRequestPayload struct {
	ThreadIDs []string `json:"thread_ids"`
}

type searchResultPayload struct {
	DatabaseID string `json:"database_id"`
	Title      string `json:"title"`
	URL        string `json:"url"`
}

func (h *httpHandler) handleListDatabases(c *gin.Context) {
	databases, err := h.links.ListDatabases(c.Request.Context(), c.Param("serverId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]databasePayload, 0, len(databases))
	for _, database := range databases {
		response = append(response, newDatabasePayload(database))
	}
	c.JSON(http.StatusOK, gin.H{"databases": response})
}

func (h *httpHandler) handleLinkDatabase(c *gin.Context) {
	var request linkRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.DatabaseID) == "" ||
		strings.TrimSpace(request.ChannelID) == "" {
		invalidRequest(c)
		return
	}
	database, err := h.links.LinkDatabase(c.Request.Context(), c.Param("serverId"), request.DatabaseID, request.DisplayName, request.ChannelID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if h.failures != nil {
		h.failures.ResetFailures(database.DatabaseID)
	}
	c.JSON(http.StatusCreated, newDatabasePayload(database))
}

func (h *httpHandler) handleSearchDatabases(c *gin.Context) {
	if h.pageStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pagestore_unavailable"})
		return
	}
	ctx := c.Request.Context()
	config, err := h.servers.Get(ctx, c.Param("serverId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !config.HasAccessToken() {
		c.JSON(http.StatusConflict, gin.H{"error": "access_token_missing"})
		return
	}
	databases, err := h.pageStore.SearchDatabases(ctx, *config.AccessToken)
	if err != nil {
		h.logger.Warn("page store search failed", zap.String("server_id", config.ServerID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "pagestore_request_failed"})
		return
	}
	response := make([]searchResultPayload, 0, len(databases))
	for _, database := range databases {
		response = append(response, searchResultPayload{DatabaseID: database.ID, Title: database.Name(), URL: database.URL})
	}
	c.JSON(http.StatusOK, gin.H{"databases": response})
}

func (h *httpHandler) handleUnlinkDatabase(c *gin.Context) {
	result, err := h.links.UnlinkDatabase(c.Request.Context(), c.Param("databaseId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	threadIDs := result.ThreadIDs
	if threadIDs == nil {
		threadIDs = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"database": newDatabasePayload(result.Database), "thread_ids": threadIDs})
}

func (h *httpHandler) handleToggleSuppression(c *gin.Context) {
	page, err := h.links.ToggleSuppressed(c.Request.Context(), c.Param("pageId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPagePayload(page))
}

func (h *httpHandler) handleSetThread(c *gin.Context) {
	var request threadRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	page, err := h.links.SetThreadID(c.Request.Context(), c.Param("pageId"), request.ThreadID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPagePayload(page))
}

func (h *httpHandler) handleCleanPages(c *gin.Context) {
	var request cleanRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.ThreadIDs) == 0 {
		invalidRequest(c)
		return
	}
	if err := h.links.ClearDirtyByThreads(c.Request.Context(), request.ThreadIDs); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListDirty(c *gin.Context) {
	pending, err := h.links.ListDirty(c.Request.Context(), c.Query("server_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]dirtyPagePayload, 0, len(pending))
	for _, item := range pending {
		response = append(response, dirtyPagePayload{
			PageID:      item.PageID,
			DatabaseID:  item.DatabaseID,
			ThreadID:    item.ThreadID,
			ChannelID:   item.ChannelID,
			ServerID:    item.ServerID,
			DisplayName: item.DisplayName,
			Tags:        item.Tags,
		})
	}
	c.JSON(http.StatusOK, gin.H{"pages": response})
}
