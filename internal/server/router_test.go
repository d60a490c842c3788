package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notipy/internal/auth"
	"github.com/MarcoPoloResearchLab/notipy/internal/events"
	"github.com/MarcoPoloResearchLab/notipy/internal/links"
	"github.com/MarcoPoloResearchLab/notipy/internal/scheduler"
	"github.com/MarcoPoloResearchLab/notipy/internal/servers"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type recordedDelivery struct {
	serverID string
	body     []byte
}

type stubQueue struct {
	mu         sync.Mutex
	deliveries []recordedDelivery
}

func (q *stubQueue) Enqueue(serverID string, body []byte) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deliveries = append(q.deliveries, recordedDelivery{serverID: serverID, body: body})
	return fmt.Sprintf("delivery-%d", len(q.deliveries)), true
}

type stubJobs struct {
	runErr error
	runs   []string
}

func (j *stubJobs) Run(_ context.Context, name string) error {
	j.runs = append(j.runs, name)
	return j.runErr
}

func (j *stubJobs) List() []scheduler.ListItem {
	return []scheduler.ListItem{{Name: ReconcileJobName, Interval: "5m0s", Status: scheduler.StatusIdle}}
}

type stubValidator struct {
	err error
}

func (v stubValidator) ValidateToken(string) (string, error) {
	return "", v.err
}

type testServer struct {
	handler    http.Handler
	token      string
	queue      *stubQueue
	jobs       *stubJobs
	dispatcher *events.Dispatcher
	links      *links.Service
	servers    *servers.Service
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "notipy",
		Audience:      "notipy-internal",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	issued, err := issuer.IssueServiceToken("discord-bot")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	queue := &stubQueue{}
	jobs := &stubJobs{}
	dispatcher := events.NewDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		Tokens:            issuer,
		Servers:           serverService,
		Links:             linkService,
		Webhooks:          queue,
		Jobs:              jobs,
		Events:            dispatcher,
		AllowedOrigins:    []string{"https://admin.example.com"},
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return testServer{
		handler:    handler,
		token:      issued.Token,
		queue:      queue,
		jobs:       jobs,
		dispatcher: dispatcher,
		links:      linkService,
		servers:    serverService,
	}
}

func (s testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Authorization", "Bearer "+s.token)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeError(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode error body %q: %v", recorder.Body.String(), err)
	}
	return payload.Error
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingTokenValidator) {
		t.Fatalf("expected missing token validator error, got %v", err)
	}
}

func TestWebhookIsAcknowledgedAndQueued(t *testing.T) {
	server := newTestServer(t)
	request := httptest.NewRequest(http.MethodPost, "/webhooks/notion/guild-1", strings.NewReader(`{"verification_token":"abc"}`))
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if len(server.queue.deliveries) != 1 {
		t.Fatalf("expected one queued delivery, got %d", len(server.queue.deliveries))
	}
	delivery := server.queue.deliveries[0]
	if delivery.serverID != "guild-1" || string(delivery.body) != `{"verification_token":"abc"}` {
		t.Fatalf("unexpected delivery %+v", delivery)
	}
}

func TestInternalRoutesRequireToken(t *testing.T) {
	server := newTestServer(t)
	request := httptest.NewRequest(http.MethodGet, "/internal/servers/guild-1", http.NoBody)
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/internal/jobs", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubValidator{err: fmt.Errorf("%w: token is expired", auth.ErrExpiredToken)},
		logger: zap.New(core),
	}
	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entries[0].Level)
	}
}

func TestAuthorizeRequestLogsInvalidTokenAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/internal/jobs", http.NoBody)
	request.Header.Set("Authorization", "Bearer forged")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubValidator{err: auth.ErrInvalidToken},
		logger: zap.New(core),
	}
	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d", recorder.Code)
	}
	if logs.Len() != 1 || logs.All()[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry, got %v", logs.All())
	}
}

func TestServerPayloadHidesAccessToken(t *testing.T) {
	server := newTestServer(t)
	recorder := server.do(t, http.MethodPut, "/internal/servers/guild-1/access-token", gin.H{"value": "secret_abc"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if strings.Contains(recorder.Body.String(), "secret_abc") {
		t.Fatalf("access token leaked in response: %s", recorder.Body.String())
	}
	var payload serverPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !payload.HasAccessToken {
		t.Fatalf("expected has_access_token to be true")
	}
}

func TestTagEndpointsMapConfigurationErrors(t *testing.T) {
	server := newTestServer(t)
	for _, tag := range []string{"Area", "Team", "Stage"} {
		if recorder := server.do(t, http.MethodPost, "/internal/servers/guild-1/tags", gin.H{"tag": tag}); recorder.Code != http.StatusCreated {
			t.Fatalf("expected 201 for %s, got %d", tag, recorder.Code)
		}
	}

	recorder := server.do(t, http.MethodPost, "/internal/servers/guild-1/tags", gin.H{"tag": "Extra"})
	if recorder.Code != http.StatusConflict || decodeError(t, recorder) != "max_tags_exceeded" {
		t.Fatalf("expected max_tags_exceeded, got %d %s", recorder.Code, recorder.Body.String())
	}

	if recorder := server.do(t, http.MethodDelete, "/internal/servers/guild-1/tags/Stage", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 on remove, got %d", recorder.Code)
	}
	recorder = server.do(t, http.MethodPost, "/internal/servers/guild-1/tags", gin.H{"tag": "Area"})
	if recorder.Code != http.StatusConflict || decodeError(t, recorder) != "duplicate_tag" {
		t.Fatalf("expected duplicate_tag, got %d %s", recorder.Code, recorder.Body.String())
	}

	recorder = server.do(t, http.MethodGet, "/internal/servers/guild-1/tags", nil)
	var payload struct {
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode tags: %v", err)
	}
	if strings.Join(payload.Tags, ",") != "Area,Team" {
		t.Fatalf("unexpected tags %v", payload.Tags)
	}
}

func TestLinkAndUnlinkDatabase(t *testing.T) {
	server := newTestServer(t)
	recorder := server.do(t, http.MethodPost, "/internal/servers/guild-1/databases", gin.H{"database_id": "db-1", "channel_id": "chan-1"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	recorder = server.do(t, http.MethodPost, "/internal/servers/guild-1/databases", gin.H{"database_id": "db-2", "channel_id": "chan-1"})
	if recorder.Code != http.StatusConflict || decodeError(t, recorder) != "channel_already_linked" {
		t.Fatalf("expected channel_already_linked, got %d %s", recorder.Code, recorder.Body.String())
	}

	ctx := context.Background()
	if _, err := server.links.GetOrCreatePage(ctx, "page-1", "db-1"); err != nil {
		t.Fatalf("create page: %v", err)
	}
	thread := "thread-1"
	if _, err := server.links.SetThreadID(ctx, "page-1", &thread); err != nil {
		t.Fatalf("set thread: %v", err)
	}

	recorder = server.do(t, http.MethodDelete, "/internal/databases/db-1", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload struct {
		ThreadIDs []string `json:"thread_ids"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode unlink: %v", err)
	}
	if len(payload.ThreadIDs) != 1 || payload.ThreadIDs[0] != "thread-1" {
		t.Fatalf("unexpected thread ids %v", payload.ThreadIDs)
	}

	recorder = server.do(t, http.MethodDelete, "/internal/databases/db-1", nil)
	if recorder.Code != http.StatusNotFound || decodeError(t, recorder) != "database_not_found" {
		t.Fatalf("expected database_not_found, got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestPageEndpoints(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()
	if _, err := server.links.LinkDatabase(ctx, "guild-1", "db-1", "Roadmap", "chan-1"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, err := server.links.GetOrCreatePage(ctx, "page-1", "db-1"); err != nil {
		t.Fatalf("create page: %v", err)
	}
	if _, err := server.links.MarkDirty(ctx, "page-1"); err != nil {
		t.Fatalf("mark dirty: %v", err)
	}

	recorder := server.do(t, http.MethodGet, "/internal/pages/dirty?server_id=guild-1", nil)
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), `"page_id":"page-1"`) {
		t.Fatalf("expected dirty listing, got %d %s", recorder.Code, recorder.Body.String())
	}

	recorder = server.do(t, http.MethodPut, "/internal/pages/page-1/thread", gin.H{"thread_id": "thread-9"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 on set thread, got %d", recorder.Code)
	}
	recorder = server.do(t, http.MethodPost, "/internal/pages/clean", gin.H{"thread_ids": []string{"thread-9"}})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on clean, got %d", recorder.Code)
	}
	page, err := server.links.GetPage(ctx, "page-1")
	if err != nil {
		t.Fatalf("get page: %v", err)
	}
	if page.Dirty {
		t.Fatalf("expected page to be clean")
	}

	recorder = server.do(t, http.MethodPost, "/internal/pages/page-1/suppression", nil)
	var toggled pagePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &toggled); err != nil {
		t.Fatalf("failed to decode toggle: %v", err)
	}
	if !toggled.Suppressed {
		t.Fatalf("expected page to be suppressed")
	}

	recorder = server.do(t, http.MethodPost, "/internal/pages/unknown/suppression", nil)
	if recorder.Code != http.StatusNotFound || decodeError(t, recorder) != "page_not_found" {
		t.Fatalf("expected page_not_found, got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestRemoveServerCascades(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()
	if _, err := server.links.LinkDatabase(ctx, "guild-1", "db-1", "", "chan-1"); err != nil {
		t.Fatalf("link: %v", err)
	}
	recorder := server.do(t, http.MethodDelete, "/internal/servers/guild-1", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if _, err := server.servers.Get(ctx, "guild-1"); !errors.Is(err, servers.ErrServerNotFound) {
		t.Fatalf("expected server to be removed, got %v", err)
	}
	if _, err := server.links.GetDatabase(ctx, "db-1"); !errors.Is(err, links.ErrDatabaseNotFound) {
		t.Fatalf("expected database link to be removed, got %v", err)
	}
}

func TestReconcileTrigger(t *testing.T) {
	server := newTestServer(t)
	recorder := server.do(t, http.MethodPost, "/internal/reconcile", nil)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", recorder.Code)
	}
	if len(server.jobs.runs) != 1 || server.jobs.runs[0] != ReconcileJobName {
		t.Fatalf("unexpected job runs %v", server.jobs.runs)
	}

	server.jobs.runErr = scheduler.ErrJobRunning
	recorder = server.do(t, http.MethodPost, "/internal/reconcile", nil)
	if recorder.Code != http.StatusConflict || decodeError(t, recorder) != "already_running" {
		t.Fatalf("expected already_running, got %d %s", recorder.Code, recorder.Body.String())
	}

	recorder = server.do(t, http.MethodGet, "/internal/jobs", nil)
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), `"name":"reconcile"`) {
		t.Fatalf("unexpected jobs response %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestCORSPreflightForAdminOrigin(t *testing.T) {
	server := newTestServer(t)
	request := httptest.NewRequest(http.MethodOptions, "/internal/servers/guild-1", http.NoBody)
	request.Header.Set("Origin", "https://admin.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodGet)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") != "https://admin.example.com" {
		t.Fatalf("unexpected allow origin %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestEventStreamDeliversServerEvents(t *testing.T) {
	server := newTestServer(t)
	httpServer := httptest.NewServer(server.handler)
	t.Cleanup(httpServer.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, httpServer.URL+"/internal/servers/guild-1/events?access_token="+server.token, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() { _ = response.Body.Close() })
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", response.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for server.dispatcher.SubscriberCount("guild-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	server.dispatcher.Publish(events.Event{ServerID: "guild-1", Type: events.TypePageSynced, PageIDs: []string{"page-1"}})

	lines := make(chan string, 8)
	go func() {
		reader := bufio.NewReader(response.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- strings.TrimSpace(line)
		}
	}()

	currentEventType := ""
	timeout := time.After(5 * time.Second)
	for {
		select {
		case <-timeout:
			t.Fatal("timed out waiting for stream event")
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed before event arrived")
			}
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEventType != events.TypePageSynced {
				continue
			}
			var event events.Event
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &event); err != nil {
				t.Fatalf("failed to decode event: %v", err)
			}
			if len(event.PageIDs) != 1 || event.PageIDs[0] != "page-1" {
				t.Fatalf("unexpected page ids %v", event.PageIDs)
			}
			return
		}
	}
}
