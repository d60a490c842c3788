package links

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/notipy/internal/cache"
	"github.com/MarcoPoloResearchLab/notipy/internal/servers"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultDatabaseCacheTTL = 12 * time.Hour
	defaultPageCacheTTL     = 12 * time.Hour
)

var noOpLogger = zap.NewNop()

// ServerDirectory creates server settings on first reference.
type ServerDirectory interface {
	GetOrCreate(ctx context.Context, serverID string) (servers.ServerConfig, error)
}

// ServiceConfig describes the dependencies of the link registry.
type ServiceConfig struct {
	Database         *gorm.DB
	Servers          ServerDirectory
	Logger           *zap.Logger
	DatabaseCacheTTL time.Duration
	PageCacheTTL     time.Duration
	CacheMaxEntries  int
}

// Service owns database links and page synchronization state.
type Service struct {
	db      *gorm.DB
	servers ServerDirectory
	logger  *zap.Logger

	databases *cache.TTL[string, Database]
	channels  *cache.BiTTL[string, string]
	pages     *cache.TTL[string, Page]
	threads   *cache.BiTTL[string, string]
}

// NewService constructs the link registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Servers == nil {
		return nil, newServiceError(opServiceNew, "missing_server_directory", errMissingDirectory)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	databaseTTL := cfg.DatabaseCacheTTL
	if databaseTTL <= 0 {
		databaseTTL = defaultDatabaseCacheTTL
	}
	pageTTL := cfg.PageCacheTTL
	if pageTTL <= 0 {
		pageTTL = defaultPageCacheTTL
	}
	databaseOptions := cache.Options{TTL: databaseTTL, MaxEntries: cfg.CacheMaxEntries}
	pageOptions := cache.Options{TTL: pageTTL, MaxEntries: cfg.CacheMaxEntries}

	return &Service{
		db:        cfg.Database,
		servers:   cfg.Servers,
		logger:    logger,
		databases: cache.New[string, Database](databaseOptions),
		channels:  cache.NewBi[string, string](databaseOptions),
		pages:     cache.New[string, Page](pageOptions),
		threads:   cache.NewBi[string, string](pageOptions),
	}, nil
}

// LinkDatabase points a database at a channel. Relinking an already linked
// database moves it; linking a channel that already receives another database fails.
func (s *Service) LinkDatabase(ctx context.Context, serverID, databaseID, displayName, channelID string) (Database, error) {
	serverID = normalize(serverID)
	databaseID = normalize(databaseID)
	channelID = normalize(channelID)
	if serverID == "" || databaseID == "" || channelID == "" {
		return Database{}, newServiceError(opLinkDatabase, "missing_identifier", errMissingIdentifier)
	}
	if _, err := s.servers.GetOrCreate(ctx, serverID); err != nil {
		s.logError(opLinkDatabase, "server_lookup_failed", err, zap.String("server_id", serverID))
		return Database{}, newServiceError(opLinkDatabase, "server_lookup_failed", err)
	}

	var name *string
	if trimmed := normalize(displayName); trimmed != "" {
		name = &trimmed
	}

	var linked DatabaseLink
	var previousChannel string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var occupant DatabaseLink
		err := tx.Where("channel_id = ?", channelID).Take(&occupant).Error
		switch {
		case err == nil && occupant.DatabaseID != databaseID:
			return ErrChannelAlreadyLinked
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		var existing DatabaseLink
		err = tx.Where("database_id = ?", databaseID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			linked = DatabaseLink{DatabaseID: databaseID, ServerID: serverID, ChannelID: channelID, DisplayName: name}
			return tx.Create(&linked).Error
		}
		if err != nil {
			return err
		}
		previousChannel = existing.ChannelID
		updates := map[string]interface{}{"server_id": serverID, "channel_id": channelID}
		if name != nil {
			updates["display_name"] = *name
		}
		if err := tx.Model(&DatabaseLink{}).Where("database_id = ?", databaseID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Where("database_id = ?", databaseID).Take(&linked).Error
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrChannelAlreadyLinked), errors.Is(err, gorm.ErrDuplicatedKey):
		return Database{}, newServiceError(opLinkDatabase, "channel_already_linked", ErrChannelAlreadyLinked)
	default:
		s.logError(opLinkDatabase, "persist_failed", err,
			zap.String("database_id", databaseID),
			zap.String("channel_id", channelID))
		return Database{}, newServiceError(opLinkDatabase, "persist_failed", err)
	}

	if previousChannel != "" && previousChannel != channelID {
		s.channels.Delete(previousChannel)
	}
	record := databaseFromRow(linked)
	s.databases.Set(databaseID, record)
	s.channels.Set(channelID, databaseID)
	s.logger.Info("database linked",
		zap.String("server_id", serverID),
		zap.String("database_id", databaseID),
		zap.String("channel_id", channelID))
	return record.clone(), nil
}

// UnlinkDatabase deletes a link and all of its pages, returning the thread ids
// those pages were delivered to so the caller can remove them from the channel platform.
func (s *Service) UnlinkDatabase(ctx context.Context, databaseID string) (UnlinkResult, error) {
	databaseID = normalize(databaseID)
	if databaseID == "" {
		return UnlinkResult{}, newServiceError(opUnlinkDatabase, "missing_identifier", errMissingIdentifier)
	}

	var result UnlinkResult
	var removed cascadeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row DatabaseLink
		err := tx.Where("database_id = ?", databaseID).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrDatabaseNotFound
		}
		if err != nil {
			return err
		}
		result.Database = databaseFromRow(row)
		removed, err = cascadeDelete(tx, []DatabaseLink{row})
		return err
	})
	if errors.Is(err, ErrDatabaseNotFound) {
		return UnlinkResult{}, newServiceError(opUnlinkDatabase, "not_found", ErrDatabaseNotFound)
	}
	if err != nil {
		s.logError(opUnlinkDatabase, "persist_failed", err, zap.String("database_id", databaseID))
		return UnlinkResult{}, newServiceError(opUnlinkDatabase, "persist_failed", err)
	}

	s.evict(removed)
	result.ThreadIDs = removed.threadIDs
	s.logger.Info("database unlinked",
		zap.String("database_id", databaseID),
		zap.Int("threads", len(result.ThreadIDs)))
	return result, nil
}

// UnlinkServer removes every database owned by a server and returns the released thread ids.
func (s *Service) UnlinkServer(ctx context.Context, serverID string) ([]string, error) {
	serverID = normalize(serverID)
	if serverID == "" {
		return nil, newServiceError(opUnlinkServer, "missing_identifier", errMissingIdentifier)
	}

	var removed cascadeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []DatabaseLink
		if err := tx.Where("server_id = ?", serverID).Find(&rows).Error; err != nil {
			return err
		}
		var err error
		removed, err = cascadeDelete(tx, rows)
		return err
	})
	if err != nil {
		s.logError(opUnlinkServer, "persist_failed", err, zap.String("server_id", serverID))
		return nil, newServiceError(opUnlinkServer, "persist_failed", err)
	}
	s.evict(removed)
	return removed.threadIDs, nil
}

// GetDatabase returns the link for a database.
func (s *Service) GetDatabase(ctx context.Context, databaseID string) (Database, error) {
	databaseID = normalize(databaseID)
	if databaseID == "" {
		return Database{}, newServiceError(opGetDatabase, "missing_identifier", errMissingIdentifier)
	}
	if cached, ok := s.databases.Get(databaseID); ok {
		return cached.clone(), nil
	}
	record, err := s.loadDatabase(ctx, "database_id = ?", databaseID)
	if errors.Is(err, ErrDatabaseNotFound) {
		return Database{}, newServiceError(opGetDatabase, "not_found", ErrDatabaseNotFound)
	}
	if err != nil {
		s.logError(opGetDatabase, "load_failed", err, zap.String("database_id", databaseID))
		return Database{}, newServiceError(opGetDatabase, "load_failed", err)
	}
	return record, nil
}

// DatabaseForChannel returns the database linked to a channel.
func (s *Service) DatabaseForChannel(ctx context.Context, channelID string) (Database, error) {
	channelID = normalize(channelID)
	if channelID == "" {
		return Database{}, newServiceError(opDatabaseForChannel, "missing_identifier", errMissingIdentifier)
	}
	if databaseID, ok := s.channels.Get(channelID); ok {
		if cached, ok := s.databases.Get(databaseID); ok {
			return cached.clone(), nil
		}
	}
	record, err := s.loadDatabase(ctx, "channel_id = ?", channelID)
	if errors.Is(err, ErrDatabaseNotFound) {
		return Database{}, newServiceError(opDatabaseForChannel, "not_found", ErrDatabaseNotFound)
	}
	if err != nil {
		s.logError(opDatabaseForChannel, "load_failed", err, zap.String("channel_id", channelID))
		return Database{}, newServiceError(opDatabaseForChannel, "load_failed", err)
	}
	return record, nil
}

// ListDatabases returns every database linked by a server.
func (s *Service) ListDatabases(ctx context.Context, serverID string) ([]Database, error) {
	serverID = normalize(serverID)
	var rows []DatabaseLink
	if err := s.db.WithContext(ctx).Where("server_id = ?", serverID).Order("created_at asc").Find(&rows).Error; err != nil {
		s.logError(opListDatabases, "query_failed", err, zap.String("server_id", serverID))
		return nil, newServiceError(opListDatabases, "query_failed", err)
	}
	records := make([]Database, 0, len(rows))
	for _, row := range rows {
		records = append(records, databaseFromRow(row))
	}
	return records, nil
}

// SetDisplayName stores the human-readable name of a database.
func (s *Service) SetDisplayName(ctx context.Context, databaseID, displayName string) (Database, error) {
	databaseID = normalize(databaseID)
	displayName = normalize(displayName)
	result := s.db.WithContext(ctx).Model(&DatabaseLink{}).
		Where("database_id = ?", databaseID).
		Update("display_name", displayName)
	if result.Error != nil {
		s.logError(opSetDisplayName, "persist_failed", result.Error, zap.String("database_id", databaseID))
		return Database{}, newServiceError(opSetDisplayName, "persist_failed", result.Error)
	}
	s.databases.Delete(databaseID)
	record, err := s.loadDatabase(ctx, "database_id = ?", databaseID)
	if errors.Is(err, ErrDatabaseNotFound) {
		return Database{}, newServiceError(opSetDisplayName, "not_found", ErrDatabaseNotFound)
	}
	if err != nil {
		s.logError(opSetDisplayName, "load_failed", err, zap.String("database_id", databaseID))
		return Database{}, newServiceError(opSetDisplayName, "load_failed", err)
	}
	return record, nil
}

func (s *Service) loadDatabase(ctx context.Context, condition string, value string) (Database, error) {
	var row DatabaseLink
	err := s.db.WithContext(ctx).Where(condition, value).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Database{}, ErrDatabaseNotFound
	}
	if err != nil {
		return Database{}, err
	}
	record := databaseFromRow(row)
	s.databases.Set(record.DatabaseID, record)
	s.channels.Set(record.ChannelID, record.DatabaseID)
	return record.clone(), nil
}

type cascadeResult struct {
	databases []DatabaseLink
	pageIDs   []string
	threadIDs []string
}

func cascadeDelete(tx *gorm.DB, rows []DatabaseLink) (cascadeResult, error) {
	result := cascadeResult{databases: rows}
	if len(rows) == 0 {
		return result, nil
	}
	databaseIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		databaseIDs = append(databaseIDs, row.DatabaseID)
	}

	var pages []PageState
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("database_id IN ?", databaseIDs).
		Find(&pages).Error; err != nil {
		return cascadeResult{}, err
	}
	for _, page := range pages {
		result.pageIDs = append(result.pageIDs, page.PageID)
		if page.ThreadID != nil && *page.ThreadID != "" {
			result.threadIDs = append(result.threadIDs, *page.ThreadID)
		}
	}

	if err := tx.Where("database_id IN ?", databaseIDs).Delete(&PageState{}).Error; err != nil {
		return cascadeResult{}, err
	}
	if err := tx.Where("database_id IN ?", databaseIDs).Delete(&DatabaseLink{}).Error; err != nil {
		return cascadeResult{}, err
	}
	return result, nil
}

func (s *Service) evict(removed cascadeResult) {
	for _, row := range removed.databases {
		s.databases.Delete(row.DatabaseID)
		s.channels.Delete(row.ChannelID)
	}
	for _, pageID := range removed.pageIDs {
		s.pages.Delete(pageID)
		s.threads.DeleteByValue(pageID)
	}
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
	s.logger.Error("links service error", attrs...)
}
