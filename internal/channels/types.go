package channels

// Channel types the dispatcher distinguishes.
const (
	ChannelTypeGuildText         = 0
	ChannelTypeGuildAnnouncement = 5
	ChannelTypePublicThread      = 11
	ChannelTypeGuildForum        = 15
)

// MaxAppliedTags is the platform limit on tags applied to one forum post.
const MaxAppliedTags = 5

// ForumTag is a tag object available on a forum channel.
type ForumTag struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Moderated bool   `json:"moderated,omitempty"`
}

// Channel is the subset of a channel object the service reads.
type Channel struct {
	ID            string     `json:"id"`
	Type          int        `json:"type"`
	GuildID       string     `json:"guild_id,omitempty"`
	ParentID      string     `json:"parent_id,omitempty"`
	Name          string     `json:"name"`
	AvailableTags []ForumTag `json:"available_tags,omitempty"`
	AppliedTags   []string   `json:"applied_tags,omitempty"`
	Message       *Message   `json:"message,omitempty"`
}

// IsForum reports whether posts in the channel are forum threads.
func (c Channel) IsForum() bool {
	return c.Type == ChannelTypeGuildForum
}

// Message is the subset of a message object the service reads.
type Message struct {
	ID        string  `json:"id"`
	ChannelID string  `json:"channel_id"`
	Content   string  `json:"content"`
	Embeds    []Embed `json:"embeds,omitempty"`
}

// EmbedField is one name/value row of an embed.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// EmbedFooter is the footer line of an embed.
type EmbedFooter struct {
	Text string `json:"text"`
}

// Embed is a rich message card.
type Embed struct {
	Title       string       `json:"title,omitempty"`
	URL         string       `json:"url,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
}

// Component types and button styles.
const (
	ComponentTypeActionRow = 1
	ComponentTypeButton    = 2

	ButtonStylePrimary   = 1
	ButtonStyleSecondary = 2
)

// Component is an action row or a button.
type Component struct {
	Type       int         `json:"type"`
	Style      int         `json:"style,omitempty"`
	Label      string      `json:"label,omitempty"`
	CustomID   string      `json:"custom_id,omitempty"`
	Components []Component `json:"components,omitempty"`
}

// ButtonRow wraps buttons in an action row.
func ButtonRow(buttons ...Component) Component {
	return Component{Type: ComponentTypeActionRow, Components: buttons}
}

// Button builds an interactive button.
func Button(style int, label, customID string) Component {
	return Component{Type: ComponentTypeButton, Style: style, Label: label, CustomID: customID}
}

// MessageSend is the body of a message create or edit.
type MessageSend struct {
	Content    *string     `json:"content,omitempty"`
	Embeds     []Embed     `json:"embeds,omitempty"`
	Components []Component `json:"components,omitempty"`
}

// ForumPost is the body of a forum post create.
type ForumPost struct {
	Name        string      `json:"name"`
	AppliedTags []string    `json:"applied_tags,omitempty"`
	Message     MessageSend `json:"message"`
}

// ChannelEdit is the body of a channel modify. Nil fields are left untouched.
type ChannelEdit struct {
	Name          *string    `json:"name,omitempty"`
	AvailableTags []ForumTag `json:"available_tags,omitempty"`
	AppliedTags   []string   `json:"applied_tags,omitempty"`
}
