package servers

import (
	"strings"
	"time"
)

// MaxTags bounds the number of categorization tags a server may hold.
const MaxTags = 3

// Server is the persisted settings row for one channel-platform server.
type Server struct {
	ServerID              string    `gorm:"column:server_id;primaryKey;size:64;not null"`
	ModeratorRoleID       *string   `gorm:"column:moderator_role_id;size:64"`
	NotificationChannelID *string   `gorm:"column:notification_channel_id;size:64"`
	AccessToken           *string   `gorm:"column:access_token;size:512"`
	LastTouchedAt         time.Time `gorm:"column:last_touched_at;not null;index"`
	CreatedAt             time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing server settings.
func (Server) TableName() string {
	return "server_configs"
}

// Tag is a categorization tag configured for a server.
type Tag struct {
	ServerID  string    `gorm:"column:server_id;primaryKey;size:64;not null"`
	Tag       string    `gorm:"column:tag;primaryKey;size:100;not null"`
	Position  int       `gorm:"column:position;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing server tags.
func (Tag) TableName() string {
	return "server_tags"
}

// Models lists the gorm models owned by this package.
func Models() []any {
	return []any{&Server{}, &Tag{}}
}

// ServerConfig is the detached view of a server's settings returned to callers.
type ServerConfig struct {
	ServerID              string
	ModeratorRoleID       *string
	NotificationChannelID *string
	AccessToken           *string
	Tags                  []string
	LastTouchedAt         time.Time
}

// HasAccessToken reports whether a page-store token is linked.
func (c ServerConfig) HasAccessToken() bool {
	return c.AccessToken != nil && *c.AccessToken != ""
}

func (c ServerConfig) clone() ServerConfig {
	copied := c
	copied.ModeratorRoleID = cloneString(c.ModeratorRoleID)
	copied.NotificationChannelID = cloneString(c.NotificationChannelID)
	copied.AccessToken = cloneString(c.AccessToken)
	copied.Tags = append([]string(nil), c.Tags...)
	return copied
}

// Field names a settable server setting.
type Field string

const (
	FieldModeratorRole       Field = "moderator_role"
	FieldNotificationChannel Field = "notification_channel"
	FieldAccessToken         Field = "access_token"
)

func (f Field) column() (string, bool) {
	switch f {
	case FieldModeratorRole:
		return "moderator_role_id", true
	case FieldNotificationChannel:
		return "notification_channel_id", true
	case FieldAccessToken:
		return "access_token", true
	default:
		return "", false
	}
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
