package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notipy/internal/auth"
	"github.com/MarcoPoloResearchLab/notipy/internal/events"
	"github.com/MarcoPoloResearchLab/notipy/internal/links"
	"github.com/MarcoPoloResearchLab/notipy/internal/logging"
	"github.com/MarcoPoloResearchLab/notipy/internal/pagestore"
	"github.com/MarcoPoloResearchLab/notipy/internal/scheduler"
	"github.com/MarcoPoloResearchLab/notipy/internal/servers"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const subjectContextKey = "notipy_subject"

// ReconcileJobName is the scheduler job triggered by POST /internal/reconcile.
const ReconcileJobName = "reconcile"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingServers        = errors.New("server registry dependency required")
	errMissingLinks          = errors.New("link registry dependency required")
	errMissingWebhooks       = errors.New("webhook queue dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a service token to its subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// ServerRegistry is the configuration registry surface exposed over HTTP.
type ServerRegistry interface {
	Get(ctx context.Context, serverID string) (servers.ServerConfig, error)
	GetOrCreate(ctx context.Context, serverID string) (servers.ServerConfig, error)
	SetField(ctx context.Context, serverID string, field servers.Field, value *string) (servers.ServerConfig, error)
	ListTags(ctx context.Context, serverID string) ([]string, error)
	AddTag(ctx context.Context, serverID string, tag string) (servers.ServerConfig, error)
	RemoveTag(ctx context.Context, serverID string, tag string) (servers.ServerConfig, error)
	MarkActive(ctx context.Context, serverIDs []string) error
	Remove(ctx context.Context, serverID string) error
}

// LinkRegistry is the link registry surface exposed over HTTP.
type LinkRegistry interface {
	LinkDatabase(ctx context.Context, serverID, databaseID, displayName, channelID string) (links.Database, error)
	UnlinkDatabase(ctx context.Context, databaseID string) (links.UnlinkResult, error)
	UnlinkServer(ctx context.Context, serverID string) ([]string, error)
	ListDatabases(ctx context.Context, serverID string) ([]links.Database, error)
	ToggleSuppressed(ctx context.Context, pageID string) (links.Page, error)
	SetThreadID(ctx context.Context, pageID string, threadID *string) (links.Page, error)
	ClearDirtyByThreads(ctx context.Context, threadIDs []string) error
	ListDirty(ctx context.Context, serverID string) ([]links.DirtyPage, error)
}

// DatabaseSearcher lists the page-store databases a token can see.
type DatabaseSearcher interface {
	SearchDatabases(ctx context.Context, token string) ([]pagestore.Database, error)
}

// WebhookQueue accepts raw webhook deliveries for background processing.
type WebhookQueue interface {
	Enqueue(serverID string, body []byte) (string, bool)
}

// JobRunner triggers and lists scheduled jobs.
type JobRunner interface {
	Run(ctx context.Context, name string) error
	List() []scheduler.ListItem
}

// EventSubscriber streams per-server events.
type EventSubscriber interface {
	Subscribe(ctx context.Context, serverID string) (<-chan events.Event, func())
}

// FailureResetter forgets a database's consecutive reconcile failures.
type FailureResetter interface {
	ResetFailures(databaseID string)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Tokens    TokenValidator
	Servers   ServerRegistry
	Links     LinkRegistry
	Webhooks  WebhookQueue
	PageStore DatabaseSearcher
	Jobs      JobRunner
	Events    EventSubscriber
	Failures  FailureResetter
	// AllowedOrigins lists browser origins of the admin page; empty allows none.
	AllowedOrigins []string
	// HeartbeatInterval paces keep-alive events on event streams.
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the webhook endpoint and the internal API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Servers == nil {
		return nil, errMissingServers
	}
	if deps.Links == nil {
		return nil, errMissingLinks
	}
	if deps.Webhooks == nil {
		return nil, errMissingWebhooks
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.RequestLogger(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:    deps.Tokens,
		servers:   deps.Servers,
		links:     deps.Links,
		webhooks:  deps.Webhooks,
		pageStore: deps.PageStore,
		jobs:      deps.Jobs,
		events:    deps.Events,
		failures:  deps.Failures,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/webhooks/notion/:serverId", handler.handleNotionWebhook)

	internal := router.Group("/internal")
	internal.Use(handler.authorizeRequest)

	internal.GET("/servers/:serverId", handler.handleGetServer)
	internal.DELETE("/servers/:serverId", handler.handleRemoveServer)
	internal.POST("/servers/active", handler.handleMarkActive)
	internal.PUT("/servers/:serverId/moderator-role", handler.handleSetField(servers.FieldModeratorRole))
	internal.PUT("/servers/:serverId/notification-channel", handler.handleSetField(servers.FieldNotificationChannel))
	internal.PUT("/servers/:serverId/access-token", handler.handleSetField(servers.FieldAccessToken))
	internal.GET("/servers/:serverId/tags", handler.handleListTags)
	internal.POST("/servers/:serverId/tags", handler.handleAddTag)
	internal.DELETE("/servers/:serverId/tags/:tag", handler.handleRemoveTag)
	internal.GET("/servers/:serverId/databases", handler.handleListDatabases)
	internal.POST("/servers/:serverId/databases", handler.handleLinkDatabase)
	internal.GET("/servers/:serverId/pagestore/databases", handler.handleSearchDatabases)
	internal.GET("/servers/:serverId/events", handler.handleEventStream)

	internal.DELETE("/databases/:databaseId", handler.handleUnlinkDatabase)

	internal.POST("/pages/:pageId/suppression", handler.handleToggleSuppression)
	internal.PUT("/pages/:pageId/thread", handler.handleSetThread)
	internal.POST("/pages/clean", handler.handleCleanPages)
	internal.GET("/pages/dirty", handler.handleListDirty)

	internal.POST("/reconcile", handler.handleReconcile)
	internal.GET("/jobs", handler.handleListJobs)

	return router, nil
}

type httpHandler struct {
	tokens    TokenValidator
	servers   ServerRegistry
	links     LinkRegistry
	webhooks  WebhookQueue
	pageStore DatabaseSearcher
	jobs      JobRunner
	events    EventSubscriber
	failures  FailureResetter
	heartbeat time.Duration
	logger    *zap.Logger
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return false }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

// authorizeRequest accepts the bearer header, or an access_token query
// parameter for event streams opened by browsers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if c.Request.Method == http.MethodOptions {
		c.Next()
		return
	}
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else if header == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

type codedError interface {
	Code() string
}

// respondError maps registry errors onto HTTP statuses.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, servers.ErrTagCapacityExceeded):
		c.JSON(http.StatusConflict, gin.H{"error": "max_tags_exceeded"})
	case errors.Is(err, servers.ErrDuplicateTag):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_tag"})
	case errors.Is(err, links.ErrChannelAlreadyLinked):
		c.JSON(http.StatusConflict, gin.H{"error": "channel_already_linked"})
	case errors.Is(err, servers.ErrServerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "server_not_found"})
	case errors.Is(err, links.ErrDatabaseNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "database_not_found"})
	case errors.Is(err, links.ErrPageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "page_not_found"})
	case errors.Is(err, servers.ErrInvalidTag), errors.Is(err, servers.ErrUnknownField):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		code := "internal_error"
		var coded codedError
		if errors.As(err, &coded) {
			code = coded.Code()
		}
		h.logger.Error("internal request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", code),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": code})
	}
}

func invalidRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
}
