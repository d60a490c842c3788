package pagestore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const samplePage = `{
  "object": "page",
  "id": "page-1",
  "url": "https://www.notion.so/page-1",
  "archived": false,
  "last_edited_time": "2026-03-04T05:06:00.000Z",
  "parent": {"type": "database_id", "database_id": "db-a"},
  "properties": {
    "Name": {"id": "title", "type": "title", "title": [{"plain_text": "Ship "}, {"plain_text": "it"}]},
    "Status": {"id": "s", "type": "select", "select": {"name": "Done"}},
    "Estimate": {"id": "e", "type": "number", "number": 3}
  }
}`

func TestRetrievePageSendsExpectedRequest(t *testing.T) {
	var capturedAuth, capturedVersion, capturedPath, capturedMethod string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedAuth = r.Header.Get("Authorization")
		capturedVersion = r.Header.Get("Notion-Version")
		capturedPath = r.URL.Path
		capturedMethod = r.Method
		_, _ = w.Write([]byte(samplePage))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL + "/", HTTPClient: server.Client()})
	page, err := client.RetrievePage(context.Background(), "token_123", "page-1")
	if err != nil {
		t.Fatalf("retrieve page failed: %v", err)
	}
	if capturedMethod != http.MethodGet || capturedPath != "/v1/pages/page-1" {
		t.Fatalf("unexpected request %s %s", capturedMethod, capturedPath)
	}
	if capturedAuth != "Bearer token_123" {
		t.Fatalf("expected bearer auth, got %q", capturedAuth)
	}
	if capturedVersion != "2022-06-28" {
		t.Fatalf("expected default Notion-Version header, got %q", capturedVersion)
	}
	if page.Title() != "Ship it" {
		t.Fatalf("unexpected title %q", page.Title())
	}
	if page.Properties["Status"].Select == nil || page.Properties["Status"].Select.Name != "Done" {
		t.Fatalf("expected select property to decode, got %+v", page.Properties["Status"])
	}
	if page.Parent.DatabaseID != "db-a" {
		t.Fatalf("unexpected parent %+v", page.Parent)
	}
	if !page.LastEditedTime.Equal(time.Date(2026, 3, 4, 5, 6, 0, 0, time.UTC)) {
		t.Fatalf("unexpected last edited time %v", page.LastEditedTime)
	}
}

func TestRetrieveDatabaseDecodesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"object":"error","status":401,"code":"unauthorized","message":"API token is invalid."}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL, HTTPClient: server.Client()})
	_, err := client.RetrieveDatabase(context.Background(), "revoked", "db-a")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized || apiErr.Code != "unauthorized" || apiErr.Message != "API token is invalid." {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestDoReturnsStatusAndBodyWithoutError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"object_not_found"}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL, HTTPClient: server.Client()})
	status, body, err := client.Do(context.Background(), "token", http.MethodGet, "/v1/pages/missing", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != http.StatusNotFound || string(body) != `{"code":"object_not_found"}` {
		t.Fatalf("unexpected response %d %s", status, body)
	}
}

func TestDoRequiresToken(t *testing.T) {
	client := NewClient(ClientConfig{})
	if _, _, err := client.Do(context.Background(), " ", http.MethodGet, "/v1/pages/x", nil); err == nil {
		t.Fatalf("expected missing token error")
	}
}

func TestDoRetriesRateLimitedResponses(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"id":"db-a","title":[{"plain_text":"Roadmap"}]}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL, HTTPClient: server.Client()})
	database, err := client.RetrieveDatabase(context.Background(), "token", "db-a")
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if database.Name() != "Roadmap" {
		t.Fatalf("unexpected name %q", database.Name())
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected two calls, got %d", calls)
	}
}

func TestDoDoesNotRetryServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL, HTTPClient: server.Client()})
	if _, err := client.RetrievePage(context.Background(), "token", "page-1"); err == nil {
		t.Fatalf("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestSearchDatabasesFollowsCursor(t *testing.T) {
	var bodies []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/search" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		if _, ok := body["start_cursor"]; !ok {
			_, _ = w.Write([]byte(`{"results":[{"id":"db-a","title":[{"plain_text":"A"}]}],"has_more":true,"next_cursor":"c1"}`))
			return
		}
		_, _ = w.Write([]byte(`{"results":[{"id":"db-b","title":[{"plain_text":"B"}]}],"has_more":false,"next_cursor":null}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL, HTTPClient: server.Client()})
	databases, err := client.SearchDatabases(context.Background(), "token")
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(databases) != 2 || databases[1].Name() != "B" {
		t.Fatalf("unexpected databases %+v", databases)
	}
	filter, _ := bodies[0]["filter"].(map[string]any)
	if filter["value"] != "database" {
		t.Fatalf("expected database filter, got %+v", bodies[0])
	}
	if bodies[1]["start_cursor"] != "c1" {
		t.Fatalf("expected cursor on second call, got %+v", bodies[1])
	}
}
