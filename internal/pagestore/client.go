// Package pagestore talks to the Notion REST API on behalf of a server's linked integration token.
package pagestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL    = "https://api.notion.com"
	defaultAPIVersion = "2022-06-28"
	defaultTimeout    = 20 * time.Second
	defaultMaxRetries = 2
	defaultMaxDelay   = 5 * time.Second
)

var errMissingToken = errors.New("pagestore: access token is required")

// APIError describes a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("pagestore request failed: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("pagestore request failed: status=%d message=%s", e.StatusCode, e.Message)
}

// ClientConfig configures the HTTP client.
type ClientConfig struct {
	BaseURL    string
	APIVersion string
	UserAgent  string
	HTTPClient *http.Client
	Timeout    time.Duration
	// MaxRetries bounds retries of rate-limited (429) responses. Other failures are never retried.
	MaxRetries int
	MaxDelay   time.Duration
}

// Client issues authenticated requests against the page store.
type Client struct {
	baseURL    string
	apiVersion string
	userAgent  string
	httpClient *http.Client
	maxRetries int
	maxDelay   time.Duration
}

// NewClient constructs a page-store client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	apiVersion := strings.TrimSpace(cfg.APIVersion)
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	return &Client{
		baseURL:    baseURL,
		apiVersion: apiVersion,
		userAgent:  strings.TrimSpace(cfg.UserAgent),
		httpClient: httpClient,
		maxRetries: maxRetries,
		maxDelay:   maxDelay,
	}
}

// Do sends one request and returns the status code and raw body. Non-2xx
// statuses are not errors at this level; transport failures are.
func (c *Client) Do(ctx context.Context, token, method, path string, payload any) (int, []byte, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, nil, errMissingToken
	}
	var bodyBytes []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		bodyBytes = encoded
	}

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Notion-Version", c.apiVersion)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return 0, nil, err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return 0, nil, readErr
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(resp.Header.Get("Retry-After"))); waitErr != nil {
				return 0, nil, waitErr
			}
			continue
		}
		return resp.StatusCode, respBody, nil
	}
}

// RetrieveDatabase fetches a database's metadata.
func (c *Client) RetrieveDatabase(ctx context.Context, token, databaseID string) (Database, error) {
	var database Database
	if err := c.getJSON(ctx, token, http.MethodGet, "/v1/databases/"+databaseID, nil, &database); err != nil {
		return Database{}, err
	}
	return database, nil
}

// RetrievePage fetches a page with all of its properties.
func (c *Client) RetrievePage(ctx context.Context, token, pageID string) (Page, error) {
	var page Page
	if err := c.getJSON(ctx, token, http.MethodGet, "/v1/pages/"+pageID, nil, &page); err != nil {
		return Page{}, err
	}
	return page, nil
}

// SearchDatabases lists every database shared with the integration.
func (c *Client) SearchDatabases(ctx context.Context, token string) ([]Database, error) {
	var databases []Database
	cursor := ""
	for {
		request := searchRequest{Filter: searchFilter{Property: "object", Value: "database"}, PageSize: 100}
		if cursor != "" {
			request.StartCursor = cursor
		}
		var page searchResponse
		if err := c.getJSON(ctx, token, http.MethodPost, "/v1/search", request, &page); err != nil {
			return nil, err
		}
		databases = append(databases, page.Results...)
		if !page.HasMore || page.NextCursor == nil || *page.NextCursor == "" {
			return databases, nil
		}
		cursor = *page.NextCursor
	}
}

func (c *Client) getJSON(ctx context.Context, token, method, path string, payload any, target any) error {
	status, body, err := c.Do(ctx, token, method, path, payload)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return decodeAPIError(status, body)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("pagestore: decode %s response: %w", path, err)
	}
	return nil
}

func decodeAPIError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		apiErr.Code = parsed.Code
		if strings.TrimSpace(parsed.Message) != "" {
			apiErr.Message = parsed.Message
		}
	}
	return apiErr
}

func (c *Client) retryDelay(retryAfterHeader string) time.Duration {
	delay := time.Second
	if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfterHeader)); err == nil && seconds >= 0 {
		delay = time.Duration(seconds) * time.Second
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
