package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/notipy/internal/channels"
	"github.com/MarcoPoloResearchLab/notipy/internal/links"
	"go.uber.org/zap"
)

const (
	// ToggleButtonPrefix prefixes the custom id of the suppression toggle button.
	ToggleButtonPrefix = "notipy:toggle:"

	maxAvailableForumTags = 20
	controlMessageText    = "Updates from the page store are posted in this thread. Use the button to pause or resume them."
)

// ChannelClient is the subset of the channel-platform API the dispatcher uses.
type ChannelClient interface {
	GetChannel(ctx context.Context, channelID string) (channels.Channel, error)
	EditChannel(ctx context.Context, channelID string, edit channels.ChannelEdit) (channels.Channel, error)
	CreateMessage(ctx context.Context, channelID string, message channels.MessageSend) (channels.Message, error)
	EditMessage(ctx context.Context, channelID, messageID string, message channels.MessageSend) (channels.Message, error)
	StartThreadFromMessage(ctx context.Context, channelID, messageID, name string) (channels.Channel, error)
	CreateForumPost(ctx context.Context, channelID string, post channels.ForumPost) (channels.Channel, error)
	PinMessage(ctx context.Context, channelID, messageID string) error
}

type dispatchResult int

const (
	resultEdited dispatchResult = iota
	resultCreated
)

// dispatch delivers a rendered page to its channel, creating the container
// when the page has none or its stored one no longer exists.
func (r *Reconciler) dispatch(ctx context.Context, item links.DirtyPage, summary Summary, now time.Time) (dispatchResult, error) {
	channel, err := r.channels.GetChannel(ctx, item.ChannelID)
	if err != nil {
		return 0, fmt.Errorf("fetch channel %s: %w", item.ChannelID, err)
	}
	message := channels.MessageSend{Embeds: []channels.Embed{summary.Embed(item.PageID, now)}}

	if item.ThreadID != nil && *item.ThreadID != "" {
		var editErr error
		if channel.IsForum() {
			editErr = r.editForumPost(ctx, *item.ThreadID, summary, message)
		} else {
			editErr = r.editThreadedMessage(ctx, channel, item, summary, message)
		}
		if editErr == nil {
			return resultEdited, nil
		}
		if !channels.IsNotFound(editErr) {
			return 0, fmt.Errorf("edit %s: %w", *item.ThreadID, editErr)
		}
		r.logger.Info("stored thread no longer exists, recreating",
			zap.String("page_id", item.PageID),
			zap.String("thread_id", *item.ThreadID))
	}

	if channel.IsForum() {
		return resultCreated, r.createForumPost(ctx, channel, item, summary, message)
	}
	return resultCreated, r.createThreadedMessage(ctx, channel, item, summary, message)
}

func (r *Reconciler) editForumPost(ctx context.Context, threadID string, summary Summary, message channels.MessageSend) error {
	name := channels.ThreadName(summary.Title)
	if _, err := r.channels.EditChannel(ctx, threadID, channels.ChannelEdit{Name: &name}); err != nil {
		return err
	}
	// The starter message of a forum post shares the post's id.
	_, err := r.channels.EditMessage(ctx, threadID, threadID, message)
	return err
}

// editThreadedMessage edits the stored message in place and reopens its thread
// when an earlier run sent the message but never got the thread started.
func (r *Reconciler) editThreadedMessage(ctx context.Context, channel channels.Channel, item links.DirtyPage, summary Summary, message channels.MessageSend) error {
	messageID := *item.ThreadID
	if _, err := r.channels.EditMessage(ctx, channel.ID, messageID, message); err != nil {
		return err
	}
	// A thread started from a message shares the message's id.
	_, err := r.channels.GetChannel(ctx, messageID)
	if err == nil {
		return nil
	}
	if !channels.IsNotFound(err) {
		return fmt.Errorf("fetch thread %s: %w", messageID, err)
	}
	r.logger.Info("message has no thread, starting one",
		zap.String("page_id", item.PageID),
		zap.String("message_id", messageID))
	return r.startThread(ctx, channel, item.PageID, messageID, summary.Title)
}

func (r *Reconciler) createForumPost(ctx context.Context, forum channels.Channel, item links.DirtyPage, summary Summary, message channels.MessageSend) error {
	tagIDs, err := r.ensureForumTags(ctx, forum, summary.Tags)
	if err != nil {
		r.logger.Warn("forum tags unavailable, posting without tags",
			zap.String("channel_id", forum.ID),
			zap.Error(err))
		tagIDs = nil
	}
	post, err := r.channels.CreateForumPost(ctx, forum.ID, channels.ForumPost{
		Name:        summary.Title,
		AppliedTags: tagIDs,
		Message:     message,
	})
	if err != nil {
		return fmt.Errorf("create forum post: %w", err)
	}
	if err := r.persistThread(ctx, item.PageID, post.ID); err != nil {
		return err
	}
	r.postControl(ctx, post.ID, item.PageID)
	return nil
}

func (r *Reconciler) createThreadedMessage(ctx context.Context, channel channels.Channel, item links.DirtyPage, summary Summary, message channels.MessageSend) error {
	sent, err := r.channels.CreateMessage(ctx, channel.ID, message)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	// Persist before opening the thread: a retry edits this message and starts
	// the thread then, instead of sending a second message.
	if err := r.persistThread(ctx, item.PageID, sent.ID); err != nil {
		return err
	}
	return r.startThread(ctx, channel, item.PageID, sent.ID, summary.Title)
}

func (r *Reconciler) startThread(ctx context.Context, channel channels.Channel, pageID, messageID, title string) error {
	thread, err := r.channels.StartThreadFromMessage(ctx, channel.ID, messageID, title)
	if err != nil {
		return fmt.Errorf("start thread: %w", err)
	}
	r.postControl(ctx, thread.ID, pageID)
	return nil
}

func (r *Reconciler) persistThread(ctx context.Context, pageID, threadID string) error {
	if _, err := r.links.SetThreadID(ctx, pageID, &threadID); err != nil {
		return fmt.Errorf("persist thread id: %w", err)
	}
	return nil
}

// postControl posts and pins the suppression toggle inside a new thread.
// Failures are logged; the page itself was delivered.
func (r *Reconciler) postControl(ctx context.Context, threadID, pageID string) {
	content := controlMessageText
	control, err := r.channels.CreateMessage(ctx, threadID, channels.MessageSend{
		Content: &content,
		Components: []channels.Component{
			channels.ButtonRow(channels.Button(channels.ButtonStyleSecondary, "Toggle updates", ToggleButtonPrefix+pageID)),
		},
	})
	if err != nil {
		r.logger.Warn("control message not posted", zap.String("thread_id", threadID), zap.Error(err))
		return
	}
	if err := r.channels.PinMessage(ctx, threadID, control.ID); err != nil {
		r.logger.Warn("control message not pinned", zap.String("thread_id", threadID), zap.Error(err))
	}
}

// ensureForumTags maps tag names to forum tag ids, creating missing tags on
// the forum while it has room for them.
func (r *Reconciler) ensureForumTags(ctx context.Context, forum channels.Channel, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	available := make(map[string]string, len(forum.AvailableTags))
	for _, tag := range forum.AvailableTags {
		available[tag.Name] = tag.ID
	}

	var missing []channels.ForumTag
	for _, name := range names {
		if _, ok := available[name]; ok {
			continue
		}
		if len(forum.AvailableTags)+len(missing) >= maxAvailableForumTags {
			break
		}
		missing = append(missing, channels.ForumTag{Name: name})
	}
	if len(missing) > 0 {
		tags := append(append([]channels.ForumTag(nil), forum.AvailableTags...), missing...)
		updated, err := r.channels.EditChannel(ctx, forum.ID, channels.ChannelEdit{AvailableTags: tags})
		if err != nil {
			return nil, fmt.Errorf("create forum tags: %w", err)
		}
		for _, tag := range updated.AvailableTags {
			available[tag.Name] = tag.ID
		}
	}

	ids := make([]string, 0, len(names))
	for _, name := range names {
		if id, ok := available[name]; ok && id != "" && len(ids) < channels.MaxAppliedTags {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
