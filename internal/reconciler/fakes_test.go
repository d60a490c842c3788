package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notipy/internal/channels"
	"github.com/MarcoPoloResearchLab/notipy/internal/links"
	"github.com/MarcoPoloResearchLab/notipy/internal/pagestore"
	"github.com/MarcoPoloResearchLab/notipy/internal/servers"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const badToken = "revoked-token"

type fakeChannels struct {
	mu       sync.Mutex
	channels map[string]channels.Channel
	missing  map[string]bool
	failing  map[string]error
	calls    []string
	posts    []channels.ForumPost
	edits    []channels.MessageSend
	nextID   int

	threadStartFailures int
}

func newFakeChannels() *fakeChannels {
	return &fakeChannels{
		channels: make(map[string]channels.Channel),
		missing:  make(map[string]bool),
		failing:  make(map[string]error),
	}
}

func (f *fakeChannels) addChannel(channel channels.Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[channel.ID] = channel
}

func (f *fakeChannels) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func notFound() error {
	return &channels.APIError{StatusCode: http.StatusNotFound, Code: 10003, Message: "Unknown Channel"}
}

func (f *fakeChannels) GetChannel(_ context.Context, channelID string) (channels.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "get_channel:"+channelID)
	if err, ok := f.failing[channelID]; ok {
		return channels.Channel{}, err
	}
	channel, ok := f.channels[channelID]
	if !ok {
		return channels.Channel{}, notFound()
	}
	return channel, nil
}

func (f *fakeChannels) EditChannel(_ context.Context, channelID string, edit channels.ChannelEdit) (channels.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "edit_channel:"+channelID)
	if f.missing[channelID] {
		return channels.Channel{}, notFound()
	}
	channel, ok := f.channels[channelID]
	if !ok {
		return channels.Channel{ID: channelID, Type: channels.ChannelTypePublicThread}, nil
	}
	if edit.AvailableTags != nil {
		tags := make([]channels.ForumTag, 0, len(edit.AvailableTags))
		for _, tag := range edit.AvailableTags {
			if tag.ID == "" {
				tag.ID = f.newID("tag")
			}
			tags = append(tags, tag)
		}
		channel.AvailableTags = tags
		f.channels[channelID] = channel
	}
	return channel, nil
}

func (f *fakeChannels) CreateMessage(_ context.Context, channelID string, _ channels.MessageSend) (channels.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "create_message:"+channelID)
	return channels.Message{ID: f.newID("msg"), ChannelID: channelID}, nil
}

func (f *fakeChannels) EditMessage(_ context.Context, channelID, messageID string, message channels.MessageSend) (channels.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "edit_message:"+channelID+"/"+messageID)
	if f.missing[messageID] {
		return channels.Message{}, notFound()
	}
	f.edits = append(f.edits, message)
	return channels.Message{ID: messageID, ChannelID: channelID}, nil
}

func (f *fakeChannels) StartThreadFromMessage(_ context.Context, channelID, messageID, _ string) (channels.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start_thread:"+channelID+"/"+messageID)
	if f.threadStartFailures > 0 {
		f.threadStartFailures--
		return channels.Channel{}, &channels.APIError{StatusCode: http.StatusInternalServerError, Message: "thread start failed"}
	}
	thread := channels.Channel{ID: messageID, Type: channels.ChannelTypePublicThread, ParentID: channelID}
	f.channels[thread.ID] = thread
	return thread, nil
}

func (f *fakeChannels) CreateForumPost(_ context.Context, channelID string, post channels.ForumPost) (channels.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "create_post:"+channelID)
	f.posts = append(f.posts, post)
	return channels.Channel{ID: f.newID("post"), Type: channels.ChannelTypePublicThread, ParentID: channelID, AppliedTags: post.AppliedTags}, nil
}

func (f *fakeChannels) PinMessage(_ context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "pin:"+channelID+"/"+messageID)
	return nil
}

func (f *fakeChannels) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, call := range f.calls {
		if strings.HasPrefix(call, prefix) {
			total++
		}
	}
	return total
}

// fakePageStore serves pages over HTTP the way the page store does.
type fakePageStore struct {
	mu         sync.Mutex
	pages      map[string]pagestore.Page
	pageFetch  map[string]int
	databaseFe map[string]int
	server     *httptest.Server
}

func newFakePageStore(t *testing.T) *fakePageStore {
	t.Helper()
	store := &fakePageStore{
		pages:      make(map[string]pagestore.Page),
		pageFetch:  make(map[string]int),
		databaseFe: make(map[string]int),
	}
	store.server = httptest.NewServer(http.HandlerFunc(store.serve))
	t.Cleanup(store.server.Close)
	return store
}

func (s *fakePageStore) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if r.Header.Get("Authorization") == "Bearer "+badToken {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"object":"error","code":"unauthorized","message":"API token is invalid."}`))
		return
	}
	switch {
	case strings.HasPrefix(r.URL.Path, "/v1/pages/"):
		id := strings.TrimPrefix(r.URL.Path, "/v1/pages/")
		s.pageFetch[id]++
		page, ok := s.pages[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"object":"error","code":"object_not_found","message":"missing"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(page)
	case strings.HasPrefix(r.URL.Path, "/v1/databases/"):
		id := strings.TrimPrefix(r.URL.Path, "/v1/databases/")
		s.databaseFe[id]++
		_ = json.NewEncoder(w).Encode(pagestore.Database{
			ID:    id,
			Title: []pagestore.RichText{{PlainText: "Roadmap " + id}},
		})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *fakePageStore) putPage(id, title string, properties map[string]pagestore.Property) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if properties == nil {
		properties = make(map[string]pagestore.Property)
	}
	properties["Name"] = pagestore.Property{Type: "title", Title: []pagestore.RichText{{PlainText: title}}}
	s.pages[id] = pagestore.Page{ID: id, URL: "https://notion.so/" + id, Properties: properties}
}

func (s *fakePageStore) fetches(pageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageFetch[pageID]
}

func (s *fakePageStore) databaseFetches(databaseID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.databaseFe[databaseID]
}

type harness struct {
	links    *links.Service
	servers  *servers.Service
	channels *fakeChannels
	store    *fakePageStore
	client   *pagestore.Client
}

func newHarness(t *testing.T) harness {
	t.Helper()

	dsn := fmt.Sprintf("file:reconciler_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(append(servers.Models(), links.Models()...)...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	serverService, err := servers.NewService(servers.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct servers service: %v", err)
	}
	linkService, err := links.NewService(links.ServiceConfig{Database: db, Servers: serverService})
	if err != nil {
		t.Fatalf("failed to construct links service: %v", err)
	}
	store := newFakePageStore(t)
	client := pagestore.NewClient(pagestore.ClientConfig{BaseURL: store.server.URL, HTTPClient: store.server.Client()})
	return harness{
		links:    linkService,
		servers:  serverService,
		channels: newFakeChannels(),
		store:    store,
		client:   client,
	}
}

func (h harness) linkServer(t *testing.T, serverID, token, databaseID, channelID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.servers.SetField(ctx, serverID, servers.FieldAccessToken, &token); err != nil {
		t.Fatalf("set token: %v", err)
	}
	if _, err := h.links.LinkDatabase(ctx, serverID, databaseID, "", channelID); err != nil {
		t.Fatalf("link database: %v", err)
	}
}

func (h harness) dirtyPage(t *testing.T, pageID, databaseID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.links.GetOrCreatePage(ctx, pageID, databaseID); err != nil {
		t.Fatalf("create page: %v", err)
	}
	if _, err := h.links.MarkDirty(ctx, pageID); err != nil {
		t.Fatalf("mark dirty: %v", err)
	}
}

func (h harness) page(t *testing.T, pageID string) links.Page {
	t.Helper()
	page, err := h.links.GetPage(context.Background(), pageID)
	if err != nil {
		t.Fatalf("get page %s: %v", pageID, err)
	}
	return page
}
