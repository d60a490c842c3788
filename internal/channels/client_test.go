package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{BaseURL: server.URL, BotToken: "bot-token", HTTPClient: server.Client()})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return client
}

func TestNewClientRequiresToken(t *testing.T) {
	if _, err := NewClient(ClientConfig{BotToken: "  "}); err == nil {
		t.Fatalf("expected missing token error")
	}
}

func TestCreateForumPostSendsBotAuthAndTags(t *testing.T) {
	var capturedAuth, capturedPath string
	var captured ForumPost

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedAuth = r.Header.Get("Authorization")
		capturedPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_, _ = w.Write([]byte(`{"id":"thread-1","type":11,"name":"Ship it","message":{"id":"thread-1","channel_id":"thread-1"}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server)
	thread, err := client.CreateForumPost(context.Background(), "forum-1", ForumPost{
		Name:        "Ship it",
		AppliedTags: []string{"tag-1"},
		Message:     MessageSend{Embeds: []Embed{{Title: "Ship it"}}},
	})
	if err != nil {
		t.Fatalf("create forum post failed: %v", err)
	}
	if capturedAuth != "Bot bot-token" {
		t.Fatalf("expected bot auth, got %q", capturedAuth)
	}
	if capturedPath != "/channels/forum-1/threads" {
		t.Fatalf("unexpected path %s", capturedPath)
	}
	if len(captured.AppliedTags) != 1 || captured.Message.Embeds[0].Title != "Ship it" {
		t.Fatalf("unexpected body %+v", captured)
	}
	if thread.ID != "thread-1" || thread.Message == nil || thread.Message.ID != "thread-1" {
		t.Fatalf("unexpected thread %+v", thread)
	}
}

func TestGetChannelReturnsNotFoundError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Unknown Channel","code":10003}`))
	}))
	defer server.Close()

	client := newTestClient(t, server)
	_, err := client.GetChannel(context.Background(), "gone")
	if !IsNotFound(err) {
		t.Fatalf("expected not found error, got %v", err)
	}
	apiErr := err.(*APIError)
	if apiErr.Code != 10003 || apiErr.Message != "Unknown Channel" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestCallRetriesRateLimit(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"message":"You are being rate limited.","retry_after":0.01,"global":false}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	if err := client.PinMessage(context.Background(), "thread-1", "message-1"); err != nil {
		t.Fatalf("expected pin to succeed after retry, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected two calls, got %d", calls)
	}
}

func TestStartThreadFromMessageTruncatesName(t *testing.T) {
	var captured map[string]string
	var capturedPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_, _ = w.Write([]byte(`{"id":"message-1","type":11}`))
	}))
	defer server.Close()

	client := newTestClient(t, server)
	if _, err := client.StartThreadFromMessage(context.Background(), "channel-1", "message-1", strings.Repeat("x", 150)); err != nil {
		t.Fatalf("start thread failed: %v", err)
	}
	if capturedPath != "/channels/channel-1/messages/message-1/threads" {
		t.Fatalf("unexpected path %s", capturedPath)
	}
	if len(captured["name"]) != 100 {
		t.Fatalf("expected name truncated to 100 characters, got %d", len(captured["name"]))
	}
}

func TestEditMessageUsesPatch(t *testing.T) {
	var capturedMethod, capturedPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedMethod = r.Method
		capturedPath = r.URL.Path
		_, _ = w.Write([]byte(`{"id":"message-1","channel_id":"channel-1"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server)
	message, err := client.EditMessage(context.Background(), "channel-1", "message-1", MessageSend{Embeds: []Embed{{Title: "x"}}})
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if capturedMethod != http.MethodPatch || capturedPath != "/channels/channel-1/messages/message-1" {
		t.Fatalf("unexpected request %s %s", capturedMethod, capturedPath)
	}
	if message.ID != "message-1" {
		t.Fatalf("unexpected message %+v", message)
	}
}

func TestThreadNameFallsBackForEmptyTitle(t *testing.T) {
	if ThreadName("   ") != "Untitled" {
		t.Fatalf("expected fallback name")
	}
}
