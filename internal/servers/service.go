package servers

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/notipy/internal/cache"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultCacheTTL = 3 * time.Hour

var noOpLogger = zap.NewNop()

// ServiceConfig describes the dependencies of the configuration registry.
type ServiceConfig struct {
	Database        *gorm.DB
	Clock           func() time.Time
	Logger          *zap.Logger
	CacheTTL        time.Duration
	CacheMaxEntries int
}

// Service owns per-server settings and categorization tags. Reads prefer the
// cache; every mutation is written to the database before the cache is refreshed.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
	cache  *cache.TTL[string, ServerConfig]
}

// NewService constructs the configuration registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Service{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
		cache:  cache.New[string, ServerConfig](cache.Options{TTL: ttl, MaxEntries: cfg.CacheMaxEntries}),
	}, nil
}

// GetOrCreate returns the server's settings, creating an empty row on first reference.
func (s *Service) GetOrCreate(ctx context.Context, serverID string) (ServerConfig, error) {
	serverID = normalize(serverID)
	if serverID == "" {
		return ServerConfig{}, newServiceError(opGetOrCreate, "missing_server_id", errMissingServerID)
	}
	if cached, ok := s.cache.Get(serverID); ok {
		return cached.clone(), nil
	}

	var loaded ServerConfig
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensure(tx, serverID); err != nil {
			return err
		}
		record, err := loadConfig(tx, serverID)
		if err != nil {
			return err
		}
		loaded = record
		return nil
	})
	if err != nil {
		s.logError(opGetOrCreate, "persist_failed", err, zap.String("server_id", serverID))
		return ServerConfig{}, newServiceError(opGetOrCreate, "persist_failed", err)
	}
	s.cache.Set(serverID, loaded)
	return loaded.clone(), nil
}

// Get returns the server's settings without creating them.
func (s *Service) Get(ctx context.Context, serverID string) (ServerConfig, error) {
	serverID = normalize(serverID)
	if serverID == "" {
		return ServerConfig{}, newServiceError(opGet, "missing_server_id", errMissingServerID)
	}
	if cached, ok := s.cache.Get(serverID); ok {
		return cached.clone(), nil
	}
	loaded, err := loadConfig(s.db.WithContext(ctx), serverID)
	if errors.Is(err, ErrServerNotFound) {
		return ServerConfig{}, newServiceError(opGet, "not_found", ErrServerNotFound)
	}
	if err != nil {
		s.logError(opGet, "load_failed", err, zap.String("server_id", serverID))
		return ServerConfig{}, newServiceError(opGet, "load_failed", err)
	}
	s.cache.Set(serverID, loaded)
	return loaded.clone(), nil
}

// SetField stores value into the named setting. A nil or blank value clears it.
func (s *Service) SetField(ctx context.Context, serverID string, field Field, value *string) (ServerConfig, error) {
	serverID = normalize(serverID)
	if serverID == "" {
		return ServerConfig{}, newServiceError(opSetField, "missing_server_id", errMissingServerID)
	}
	column, ok := field.column()
	if !ok {
		return ServerConfig{}, newServiceError(opSetField, "unknown_field", ErrUnknownField)
	}
	var stored interface{}
	if value != nil && normalize(*value) != "" {
		stored = normalize(*value)
	}

	return s.mutate(ctx, opSetField, serverID, func(tx *gorm.DB) error {
		return tx.Model(&Server{}).
			Where("server_id = ?", serverID).
			Updates(map[string]interface{}{column: stored, "last_touched_at": s.clock().UTC()}).
			Error
	}, zap.String("field", string(field)))
}

// ListTags returns the server's tags in insertion order.
func (s *Service) ListTags(ctx context.Context, serverID string) ([]string, error) {
	config, err := s.GetOrCreate(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return config.Tags, nil
}

// AddTag appends a tag, rejecting it above MaxTags or when already present.
func (s *Service) AddTag(ctx context.Context, serverID string, tag string) (ServerConfig, error) {
	serverID = normalize(serverID)
	tag = normalize(tag)
	if serverID == "" {
		return ServerConfig{}, newServiceError(opAddTag, "missing_server_id", errMissingServerID)
	}
	if tag == "" {
		return ServerConfig{}, newServiceError(opAddTag, "invalid_tag", ErrInvalidTag)
	}

	return s.mutate(ctx, opAddTag, serverID, func(tx *gorm.DB) error {
		var existing []Tag
		if err := tx.Where("server_id = ?", serverID).Order("position asc").Find(&existing).Error; err != nil {
			return err
		}
		if len(existing) >= MaxTags {
			return ErrTagCapacityExceeded
		}
		for _, current := range existing {
			if current.Tag == tag {
				return ErrDuplicateTag
			}
		}
		position := 0
		if len(existing) > 0 {
			position = existing[len(existing)-1].Position + 1
		}
		return tx.Create(&Tag{ServerID: serverID, Tag: tag, Position: position}).Error
	}, zap.String("tag", tag))
}

// RemoveTag deletes a tag; removing an absent tag is not an error.
func (s *Service) RemoveTag(ctx context.Context, serverID string, tag string) (ServerConfig, error) {
	serverID = normalize(serverID)
	tag = normalize(tag)
	if serverID == "" {
		return ServerConfig{}, newServiceError(opRemoveTag, "missing_server_id", errMissingServerID)
	}
	return s.mutate(ctx, opRemoveTag, serverID, func(tx *gorm.DB) error {
		return tx.Where("server_id = ? AND tag = ?", serverID, tag).Delete(&Tag{}).Error
	}, zap.String("tag", tag))
}

// MarkActive records that the listed servers are still served, creating rows as needed.
func (s *Service) MarkActive(ctx context.Context, serverIDs []string) error {
	ids := normalizeIDs(serverIDs)
	if len(ids) == 0 {
		return nil
	}
	now := s.clock().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, serverID := range ids {
			if err := s.ensure(tx, serverID); err != nil {
				return err
			}
		}
		return tx.Model(&Server{}).Where("server_id IN ?", ids).Update("last_touched_at", now).Error
	})
	if err != nil {
		s.logError(opMarkActive, "persist_failed", err, zap.Int("server_count", len(ids)))
		return newServiceError(opMarkActive, "persist_failed", err)
	}
	for _, serverID := range ids {
		s.cache.Delete(serverID)
	}
	return nil
}

// SweepInactive removes every server last touched before cutoff and returns their ids.
func (s *Service) SweepInactive(ctx context.Context, cutoff time.Time) ([]string, error) {
	var removed []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Server{}).Where("last_touched_at < ?", cutoff.UTC()).Pluck("server_id", &removed).Error; err != nil {
			return err
		}
		if len(removed) == 0 {
			return nil
		}
		return deleteServers(tx, removed)
	})
	if err != nil {
		s.logError(opSweepInactive, "persist_failed", err, zap.Time("cutoff", cutoff))
		return nil, newServiceError(opSweepInactive, "persist_failed", err)
	}
	for _, serverID := range removed {
		s.cache.Delete(serverID)
	}
	if len(removed) > 0 {
		s.logger.Info("inactive servers swept", zap.Int("removed", len(removed)), zap.Time("cutoff", cutoff))
	}
	return removed, nil
}

// Remove deletes a server's settings and tags.
func (s *Service) Remove(ctx context.Context, serverID string) error {
	serverID = normalize(serverID)
	if serverID == "" {
		return newServiceError(opRemove, "missing_server_id", errMissingServerID)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteServers(tx, []string{serverID})
	})
	if err != nil {
		s.logError(opRemove, "persist_failed", err, zap.String("server_id", serverID))
		return newServiceError(opRemove, "persist_failed", err)
	}
	s.cache.Delete(serverID)
	return nil
}

// mutate runs apply in a transaction against an existing row, then reloads and caches the result.
func (s *Service) mutate(ctx context.Context, operation, serverID string, apply func(tx *gorm.DB) error, fields ...zap.Field) (ServerConfig, error) {
	var loaded ServerConfig
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensure(tx, serverID); err != nil {
			return err
		}
		// Serializes read-then-write mutations such as the tag capacity check.
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("server_id = ?", serverID).
			Take(&Server{}).Error; err != nil {
			return err
		}
		if err := apply(tx); err != nil {
			return err
		}
		record, err := loadConfig(tx, serverID)
		if err != nil {
			return err
		}
		loaded = record
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrTagCapacityExceeded):
		return ServerConfig{}, newServiceError(operation, "max_tags_exceeded", ErrTagCapacityExceeded)
	case errors.Is(err, ErrDuplicateTag):
		return ServerConfig{}, newServiceError(operation, "duplicate_tag", ErrDuplicateTag)
	default:
		s.logError(operation, "persist_failed", err, append(fields, zap.String("server_id", serverID))...)
		return ServerConfig{}, newServiceError(operation, "persist_failed", err)
	}
	s.cache.Set(serverID, loaded)
	return loaded.clone(), nil
}

func (s *Service) ensure(tx *gorm.DB, serverID string) error {
	row := Server{ServerID: serverID, LastTouchedAt: s.clock().UTC()}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func loadConfig(db *gorm.DB, serverID string) (ServerConfig, error) {
	var row Server
	err := db.Where("server_id = ?", serverID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ServerConfig{}, ErrServerNotFound
	}
	if err != nil {
		return ServerConfig{}, err
	}
	var tags []string
	if err := db.Model(&Tag{}).Where("server_id = ?", serverID).Order("position asc").Pluck("tag", &tags).Error; err != nil {
		return ServerConfig{}, err
	}
	return ServerConfig{
		ServerID:              row.ServerID,
		ModeratorRoleID:       row.ModeratorRoleID,
		NotificationChannelID: row.NotificationChannelID,
		AccessToken:           row.AccessToken,
		Tags:                  tags,
		LastTouchedAt:         row.LastTouchedAt,
	}, nil
}

func deleteServers(tx *gorm.DB, serverIDs []string) error {
	if err := tx.Where("server_id IN ?", serverIDs).Delete(&Tag{}).Error; err != nil {
		return err
	}
	return tx.Where("server_id IN ?", serverIDs).Delete(&Server{}).Error
}

func normalizeIDs(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	ids := make([]string, 0, len(values))
	for _, value := range values {
		id := normalize(value)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("servers service error", attrs...)
}
