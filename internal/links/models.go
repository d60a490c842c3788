package links

import (
	"strings"
	"time"
)

// DatabaseLink maps a page-store database onto the channel receiving its pages.
type DatabaseLink struct {
	DatabaseID  string    `gorm:"column:database_id;primaryKey;size:64;not null"`
	ServerID    string    `gorm:"column:server_id;size:64;not null;index"`
	ChannelID   string    `gorm:"column:channel_id;size:64;not null;uniqueIndex"`
	DisplayName *string   `gorm:"column:display_name;size:255"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing database links.
func (DatabaseLink) TableName() string {
	return "database_links"
}

// PageState tracks the synchronization state of one page.
type PageState struct {
	PageID     string    `gorm:"column:page_id;primaryKey;size:64;not null"`
	DatabaseID string    `gorm:"column:database_id;size:64;not null;index"`
	ThreadID   *string   `gorm:"column:thread_id;size:64;index"`
	Dirty      bool      `gorm:"column:dirty;not null;default:false;index"`
	Suppressed bool      `gorm:"column:suppressed;not null;default:false"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing page states.
func (PageState) TableName() string {
	return "page_states"
}

// Models lists the gorm models owned by this package.
func Models() []any {
	return []any{&DatabaseLink{}, &PageState{}}
}

// Database is the detached view of a database link.
type Database struct {
	DatabaseID  string
	ServerID    string
	ChannelID   string
	DisplayName *string
}

// Name returns the display name or an empty string.
func (d Database) Name() string {
	if d.DisplayName == nil {
		return ""
	}
	return *d.DisplayName
}

func databaseFromRow(row DatabaseLink) Database {
	return Database{
		DatabaseID:  row.DatabaseID,
		ServerID:    row.ServerID,
		ChannelID:   row.ChannelID,
		DisplayName: cloneString(row.DisplayName),
	}
}

func (d Database) clone() Database {
	copied := d
	copied.DisplayName = cloneString(d.DisplayName)
	return copied
}

// Page is the detached view of a page's synchronization state.
type Page struct {
	PageID     string
	DatabaseID string
	ThreadID   *string
	Dirty      bool
	Suppressed bool
}

// Synchronized reports whether the page has ever been materialized on the channel platform.
func (p Page) Synchronized() bool {
	return p.ThreadID != nil && *p.ThreadID != ""
}

func pageFromRow(row PageState) Page {
	return Page{
		PageID:     row.PageID,
		DatabaseID: row.DatabaseID,
		ThreadID:   cloneString(row.ThreadID),
		Dirty:      row.Dirty,
		Suppressed: row.Suppressed,
	}
}

func (p Page) clone() Page {
	copied := p
	copied.ThreadID = cloneString(p.ThreadID)
	return copied
}

// DirtyPage is one pending page joined with everything the reconciler needs to deliver it.
type DirtyPage struct {
	PageID      string
	DatabaseID  string
	ThreadID    *string
	ChannelID   string
	ServerID    string
	DisplayName *string
	AccessToken *string
	Tags        []string
}

// UnlinkResult reports what an unlink removed.
type UnlinkResult struct {
	Database  Database
	ThreadIDs []string
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func normalize(value string) string {
	return strings.TrimSpace(value)
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
