// Package webhooks turns inbound page-store webhooks into dirty page state.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/notipy/internal/channels"
	"github.com/MarcoPoloResearchLab/notipy/internal/events"
	"github.com/MarcoPoloResearchLab/notipy/internal/links"
	"github.com/MarcoPoloResearchLab/notipy/internal/servers"
	"go.uber.org/zap"
)

// Outcome describes what an ingested delivery did.
type Outcome string

const (
	OutcomeHandshake  Outcome = "handshake"
	OutcomeDropped    Outcome = "dropped"
	OutcomeMarked     Outcome = "marked"
	OutcomeSuppressed Outcome = "suppressed"
)

const (
	entityTypePage     = "page"
	parentTypeDatabase = "database"
)

var (
	errMissingServers = errors.New("webhooks: server registry is required")
	errMissingLinks   = errors.New("webhooks: link registry is required")
)

// ServerRegistry resolves server settings, creating them on first reference.
type ServerRegistry interface {
	GetOrCreate(ctx context.Context, serverID string) (servers.ServerConfig, error)
}

// PageRegistry is the slice of the link registry the ingester writes through.
type PageRegistry interface {
	GetDatabase(ctx context.Context, databaseID string) (links.Database, error)
	GetOrCreatePage(ctx context.Context, pageID, databaseID string) (links.Page, error)
	MarkDirty(ctx context.Context, pageID string) (links.Page, error)
}

// Notifier posts a message into a channel.
type Notifier interface {
	CreateMessage(ctx context.Context, channelID string, message channels.MessageSend) (channels.Message, error)
}

// IngesterConfig describes the dependencies of an Ingester.
type IngesterConfig struct {
	Servers  ServerRegistry
	Links    PageRegistry
	Notifier Notifier
	Events   events.Publisher
	Logger   *zap.Logger
}

// Ingester validates deliveries and marks the pages they mention dirty. Payload
// content is never stored; only the change signal survives.
type Ingester struct {
	servers   ServerRegistry
	links     PageRegistry
	notifier  Notifier
	events    events.Publisher
	logger    *zap.Logger
	validator *payloadValidator
}

type payload struct {
	VerificationToken string `json:"verification_token"`
	Type              string `json:"type"`
	Entity            struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"entity"`
	Data struct {
		Parent struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"parent"`
	} `json:"data"`
}

// NewIngester constructs an Ingester.
func NewIngester(cfg IngesterConfig) (*Ingester, error) {
	if cfg.Servers == nil {
		return nil, errMissingServers
	}
	if cfg.Links == nil {
		return nil, errMissingLinks
	}
	validator, err := newPayloadValidator()
	if err != nil {
		return nil, fmt.Errorf("webhooks: compile payload schema: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingester{
		servers:   cfg.Servers,
		links:     cfg.Links,
		notifier:  cfg.Notifier,
		events:    cfg.Events,
		logger:    logger,
		validator: validator,
	}, nil
}

// Ingest processes one delivery addressed to serverID.
func (i *Ingester) Ingest(ctx context.Context, serverID string, body []byte) (Outcome, error) {
	serverID = strings.TrimSpace(serverID)
	if serverID == "" {
		return OutcomeDropped, nil
	}
	if err := i.validator.Validate(body); err != nil {
		i.logger.Debug("webhook payload rejected", zap.String("server_id", serverID), zap.Error(err))
		return OutcomeDropped, nil
	}
	var delivery payload
	if err := json.Unmarshal(body, &delivery); err != nil {
		return OutcomeDropped, nil
	}

	server, err := i.servers.GetOrCreate(ctx, serverID)
	if err != nil {
		return "", err
	}

	if token := strings.TrimSpace(delivery.VerificationToken); token != "" {
		i.deliverHandshake(ctx, server, token)
		return OutcomeHandshake, nil
	}

	if delivery.Entity.Type != entityTypePage || delivery.Data.Parent.Type != parentTypeDatabase {
		return OutcomeDropped, nil
	}
	pageID := strings.TrimSpace(delivery.Entity.ID)
	databaseID := strings.TrimSpace(delivery.Data.Parent.ID)
	if pageID == "" || databaseID == "" {
		return OutcomeDropped, nil
	}

	database, err := i.links.GetDatabase(ctx, databaseID)
	if errors.Is(err, links.ErrDatabaseNotFound) {
		return OutcomeDropped, nil
	}
	if err != nil {
		return "", err
	}
	if database.ServerID != serverID {
		i.logger.Warn("webhook for database owned by another server",
			zap.String("server_id", serverID),
			zap.String("owner_server_id", database.ServerID),
			zap.String("database_id", databaseID))
		return OutcomeDropped, nil
	}

	if _, err := i.links.GetOrCreatePage(ctx, pageID, databaseID); err != nil {
		return "", err
	}
	page, err := i.links.MarkDirty(ctx, pageID)
	if err != nil {
		return "", err
	}
	if page.Suppressed {
		return OutcomeSuppressed, nil
	}
	if i.events != nil {
		i.events.Publish(events.Event{ServerID: serverID, Type: events.TypePageDirty, PageIDs: []string{pageID}})
	}
	return OutcomeMarked, nil
}

// deliverHandshake surfaces the verification token to the server's moderators
// so it can be registered with the page store.
func (i *Ingester) deliverHandshake(ctx context.Context, server servers.ServerConfig, token string) {
	if i.notifier != nil && server.NotificationChannelID != nil && *server.NotificationChannelID != "" {
		content := fmt.Sprintf("Notion webhook verification token: `%s`", token)
		_, err := i.notifier.CreateMessage(ctx, *server.NotificationChannelID, channels.MessageSend{Content: &content})
		if err == nil {
			i.logger.Info("webhook verification token delivered",
				zap.String("server_id", server.ServerID),
				zap.String("channel_id", *server.NotificationChannelID))
			return
		}
		i.logger.Warn("webhook verification token delivery failed",
			zap.String("server_id", server.ServerID),
			zap.Error(err))
	}
	i.logger.Warn("webhook verification token received without notification channel",
		zap.String("server_id", server.ServerID),
		zap.String("verification_token", token))
}
