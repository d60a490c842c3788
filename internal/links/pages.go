package links

import (
	"context"
	"errors"
	"sort"

	"github.com/MarcoPoloResearchLab/notipy/internal/servers"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetOrCreatePage returns the state of a page, creating a clean row the first time it is referenced.
func (s *Service) GetOrCreatePage(ctx context.Context, pageID, databaseID string) (Page, error) {
	pageID = normalize(pageID)
	databaseID = normalize(databaseID)
	if pageID == "" || databaseID == "" {
		return Page{}, newServiceError(opGetOrCreatePage, "missing_identifier", errMissingIdentifier)
	}
	if cached, ok := s.pages.Get(pageID); ok {
		return cached.clone(), nil
	}

	var row PageState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidate := PageState{PageID: pageID, DatabaseID: databaseID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate).Error; err != nil {
			return err
		}
		return tx.Where("page_id = ?", pageID).Take(&row).Error
	})
	if err != nil {
		s.logError(opGetOrCreatePage, "persist_failed", err,
			zap.String("page_id", pageID),
			zap.String("database_id", databaseID))
		return Page{}, newServiceError(opGetOrCreatePage, "persist_failed", err)
	}
	return s.cachePage(row), nil
}

// GetPage returns the state of a page without creating it.
func (s *Service) GetPage(ctx context.Context, pageID string) (Page, error) {
	pageID = normalize(pageID)
	if cached, ok := s.pages.Get(pageID); ok {
		return cached.clone(), nil
	}
	page, err := s.reloadPage(ctx, pageID)
	if errors.Is(err, ErrPageNotFound) {
		return Page{}, newServiceError(opGetPage, "not_found", ErrPageNotFound)
	}
	if err != nil {
		s.logError(opGetPage, "load_failed", err, zap.String("page_id", pageID))
		return Page{}, newServiceError(opGetPage, "load_failed", err)
	}
	return page, nil
}

// MarkDirty records a pending change for a page. The check against suppression
// and the write happen in one statement; a suppressed page is returned unchanged.
// Marking an already dirty page is a no-op.
func (s *Service) MarkDirty(ctx context.Context, pageID string) (Page, error) {
	pageID = normalize(pageID)
	err := s.db.WithContext(ctx).Model(&PageState{}).
		Where("page_id = ? AND suppressed = ?", pageID, false).
		Update("dirty", true).Error
	if err != nil {
		s.logError(opMarkDirty, "persist_failed", err, zap.String("page_id", pageID))
		return Page{}, newServiceError(opMarkDirty, "persist_failed", err)
	}
	return s.refreshPage(ctx, opMarkDirty, pageID)
}

// ToggleSuppressed flips suppression for a page. The dirty flag is left as is.
func (s *Service) ToggleSuppressed(ctx context.Context, pageID string) (Page, error) {
	pageID = normalize(pageID)
	err := s.db.WithContext(ctx).Model(&PageState{}).
		Where("page_id = ?", pageID).
		Update("suppressed", gorm.Expr("NOT suppressed")).Error
	if err != nil {
		s.logError(opToggleSuppressed, "persist_failed", err, zap.String("page_id", pageID))
		return Page{}, newServiceError(opToggleSuppressed, "persist_failed", err)
	}
	page, err := s.refreshPage(ctx, opToggleSuppressed, pageID)
	if err != nil {
		return Page{}, err
	}
	s.logger.Info("page suppression toggled",
		zap.String("page_id", pageID),
		zap.Bool("suppressed", page.Suppressed))
	return page, nil
}

// SetThreadID stores the channel-platform container a page was delivered to. Nil clears it.
func (s *Service) SetThreadID(ctx context.Context, pageID string, threadID *string) (Page, error) {
	pageID = normalize(pageID)
	var stored interface{}
	if threadID != nil && normalize(*threadID) != "" {
		stored = normalize(*threadID)
	}
	err := s.db.WithContext(ctx).Model(&PageState{}).
		Where("page_id = ?", pageID).
		Update("thread_id", stored).Error
	if err != nil {
		s.logError(opSetThreadID, "persist_failed", err, zap.String("page_id", pageID))
		return Page{}, newServiceError(opSetThreadID, "persist_failed", err)
	}
	s.threads.DeleteByValue(pageID)
	return s.refreshPage(ctx, opSetThreadID, pageID)
}

// PageForThread resolves the page delivered into a thread.
func (s *Service) PageForThread(ctx context.Context, threadID string) (Page, error) {
	threadID = normalize(threadID)
	if threadID == "" {
		return Page{}, newServiceError(opPageForThread, "missing_identifier", errMissingIdentifier)
	}
	if pageID, ok := s.threads.Get(threadID); ok {
		if cached, ok := s.pages.Get(pageID); ok {
			return cached.clone(), nil
		}
	}
	var row PageState
	err := s.db.WithContext(ctx).Where("thread_id = ?", threadID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Page{}, newServiceError(opPageForThread, "not_found", ErrPageNotFound)
	}
	if err != nil {
		s.logError(opPageForThread, "load_failed", err, zap.String("thread_id", threadID))
		return Page{}, newServiceError(opPageForThread, "load_failed", err)
	}
	return s.cachePage(row), nil
}

// ClearDirty resets the dirty flag of delivered pages in one statement.
func (s *Service) ClearDirty(ctx context.Context, pageIDs []string) error {
	ids := normalizeIDs(pageIDs)
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&PageState{}).
		Where("page_id IN ?", ids).
		Update("dirty", false).Error
	if err != nil {
		s.logError(opClearDirty, "persist_failed", err, zap.Int("page_count", len(ids)))
		return newServiceError(opClearDirty, "persist_failed", err)
	}
	for _, pageID := range ids {
		s.pages.Delete(pageID)
	}
	return nil
}

// ClearDirtyByThreads resets the dirty flag of pages delivered into the listed threads.
func (s *Service) ClearDirtyByThreads(ctx context.Context, threadIDs []string) error {
	ids := normalizeIDs(threadIDs)
	if len(ids) == 0 {
		return nil
	}
	var pageIDs []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&PageState{}).Where("thread_id IN ?", ids).Pluck("page_id", &pageIDs).Error; err != nil {
			return err
		}
		return tx.Model(&PageState{}).Where("thread_id IN ?", ids).Update("dirty", false).Error
	})
	if err != nil {
		s.logError(opClearDirtyByThreads, "persist_failed", err, zap.Int("thread_count", len(ids)))
		return newServiceError(opClearDirtyByThreads, "persist_failed", err)
	}
	for _, pageID := range pageIDs {
		s.pages.Delete(pageID)
	}
	return nil
}

// DeletePagesByThreads removes the state of pages delivered into the listed threads.
func (s *Service) DeletePagesByThreads(ctx context.Context, threadIDs []string) (int, error) {
	ids := normalizeIDs(threadIDs)
	if len(ids) == 0 {
		return 0, nil
	}
	var pageIDs []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&PageState{}).Where("thread_id IN ?", ids).Pluck("page_id", &pageIDs).Error; err != nil {
			return err
		}
		return tx.Where("thread_id IN ?", ids).Delete(&PageState{}).Error
	})
	if err != nil {
		s.logError(opDeletePagesByThreads, "persist_failed", err, zap.Int("thread_count", len(ids)))
		return 0, newServiceError(opDeletePagesByThreads, "persist_failed", err)
	}
	for _, pageID := range pageIDs {
		s.pages.Delete(pageID)
		s.threads.DeleteByValue(pageID)
	}
	return len(pageIDs), nil
}

type dirtyRow struct {
	PageID      string
	DatabaseID  string
	ThreadID    *string
	ChannelID   string
	ServerID    string
	DisplayName *string
	AccessToken *string
}

// ListDirty returns every dirty, unsuppressed page joined with its link and
// server settings. An empty serverID lists all servers. Each entry carries at
// most servers.MaxTags of its server's tags.
func (s *Service) ListDirty(ctx context.Context, serverID string) ([]DirtyPage, error) {
	serverID = normalize(serverID)
	query := s.db.WithContext(ctx).
		Table(PageState{}.TableName()+" AS p").
		Select("p.page_id, p.database_id, p.thread_id, d.channel_id, d.server_id, d.display_name, s.access_token").
		Joins("JOIN "+DatabaseLink{}.TableName()+" AS d ON d.database_id = p.database_id").
		Joins("LEFT JOIN "+servers.Server{}.TableName()+" AS s ON s.server_id = d.server_id").
		Where("p.dirty = ? AND p.suppressed = ?", true, false)
	if serverID != "" {
		query = query.Where("d.server_id = ?", serverID)
	}
	var rows []dirtyRow
	if err := query.Order("p.database_id asc, p.page_id asc").Scan(&rows).Error; err != nil {
		s.logError(opListDirty, "query_failed", err, zap.String("server_id", serverID))
		return nil, newServiceError(opListDirty, "query_failed", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	serverIDs := make([]string, 0)
	seen := make(map[string]struct{})
	for _, row := range rows {
		if _, ok := seen[row.ServerID]; ok {
			continue
		}
		seen[row.ServerID] = struct{}{}
		serverIDs = append(serverIDs, row.ServerID)
	}
	sort.Strings(serverIDs)

	var tags []servers.Tag
	if err := s.db.WithContext(ctx).
		Where("server_id IN ?", serverIDs).
		Order("server_id asc, position asc").
		Find(&tags).Error; err != nil {
		s.logError(opListDirty, "tag_query_failed", err, zap.String("server_id", serverID))
		return nil, newServiceError(opListDirty, "tag_query_failed", err)
	}
	tagsByServer := make(map[string][]string, len(serverIDs))
	for _, tag := range tags {
		if len(tagsByServer[tag.ServerID]) < servers.MaxTags {
			tagsByServer[tag.ServerID] = append(tagsByServer[tag.ServerID], tag.Tag)
		}
	}

	pending := make([]DirtyPage, 0, len(rows))
	for _, row := range rows {
		pending = append(pending, DirtyPage{
			PageID:      row.PageID,
			DatabaseID:  row.DatabaseID,
			ThreadID:    row.ThreadID,
			ChannelID:   row.ChannelID,
			ServerID:    row.ServerID,
			DisplayName: row.DisplayName,
			AccessToken: row.AccessToken,
			Tags:        append([]string(nil), tagsByServer[row.ServerID]...),
		})
	}
	return pending, nil
}

func (s *Service) refreshPage(ctx context.Context, operation, pageID string) (Page, error) {
	page, err := s.reloadPage(ctx, pageID)
	if errors.Is(err, ErrPageNotFound) {
		s.pages.Delete(pageID)
		return Page{}, newServiceError(operation, "not_found", ErrPageNotFound)
	}
	if err != nil {
		s.logError(operation, "load_failed", err, zap.String("page_id", pageID))
		return Page{}, newServiceError(operation, "load_failed", err)
	}
	return page, nil
}

func (s *Service) reloadPage(ctx context.Context, pageID string) (Page, error) {
	var row PageState
	err := s.db.WithContext(ctx).Where("page_id = ?", pageID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Page{}, ErrPageNotFound
	}
	if err != nil {
		return Page{}, err
	}
	return s.cachePage(row), nil
}

func (s *Service) cachePage(row PageState) Page {
	page := pageFromRow(row)
	s.pages.Set(page.PageID, page)
	if page.Synchronized() {
		s.threads.Set(*page.ThreadID, page.PageID)
	}
	return page.clone()
}
