// Package channels is a minimal Discord REST client covering channels, messages, threads and pins.
package channels

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
	defaultBaseURL    = "https://discord.com/api/v10"
	defaultTimeout    = 20 * time.Second
	defaultMaxRetries = 2
	defaultMaxDelay   = 5 * time.Second
	threadNameLimit   = 100
)

var errMissingToken = errors.New("channels: bot token is required")

// APIError describes a non-2xx response.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("channels request failed: status=%d code=%d message=%s", e.StatusCode, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the channel platform.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// ClientConfig configures the HTTP client.
type ClientConfig struct {
	BaseURL    string
	BotToken   string
	UserAgent  string
	HTTPClient *http.Client
	Timeout    time.Duration
	// MaxRetries bounds retries of rate-limited (429) responses.
	MaxRetries int
	MaxDelay   time.Duration
}

// Client issues bot-authenticated requests.
type Client struct {
	baseURL    string
	token      string
	userAgent  string
	httpClient *http.Client
	maxRetries int
	maxDelay   time.Duration
}

// NewClient constructs a channel-platform client.
func NewClient(cfg ClientConfig) (*Client, error) {
	token := strings.TrimSpace(cfg.BotToken)
	if token == "" {
		return nil, errMissingToken
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
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
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = "DiscordBot (https://github.com/MarcoPoloResearchLab/notipy, 1.0)"
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		userAgent:  userAgent,
		httpClient: httpClient,
		maxRetries: maxRetries,
		maxDelay:   maxDelay,
	}, nil
}

// GetChannel fetches a channel or thread.
func (c *Client) GetChannel(ctx context.Context, channelID string) (Channel, error) {
	var channel Channel
	err := c.call(ctx, http.MethodGet, "/channels/"+channelID, nil, &channel)
	return channel, err
}

// EditChannel modifies a channel or thread.
func (c *Client) EditChannel(ctx context.Context, channelID string, edit ChannelEdit) (Channel, error) {
	var channel Channel
	err := c.call(ctx, http.MethodPatch, "/channels/"+channelID, edit, &channel)
	return channel, err
}

// CreateMessage posts a message into a channel or thread.
func (c *Client) CreateMessage(ctx context.Context, channelID string, message MessageSend) (Message, error) {
	var created Message
	err := c.call(ctx, http.MethodPost, "/channels/"+channelID+"/messages", message, &created)
	return created, err
}

// EditMessage replaces the content of an existing message.
func (c *Client) EditMessage(ctx context.Context, channelID, messageID string, message MessageSend) (Message, error) {
	var edited Message
	err := c.call(ctx, http.MethodPatch, "/channels/"+channelID+"/messages/"+messageID, message, &edited)
	return edited, err
}

// StartThreadFromMessage opens a thread anchored on a message. The thread shares the message id.
func (c *Client) StartThreadFromMessage(ctx context.Context, channelID, messageID, name string) (Channel, error) {
	var thread Channel
	payload := map[string]any{"name": ThreadName(name)}
	err := c.call(ctx, http.MethodPost, "/channels/"+channelID+"/messages/"+messageID+"/threads", payload, &thread)
	return thread, err
}

// CreateForumPost opens a forum thread whose starter message shares the thread id.
func (c *Client) CreateForumPost(ctx context.Context, channelID string, post ForumPost) (Channel, error) {
	post.Name = ThreadName(post.Name)
	var thread Channel
	err := c.call(ctx, http.MethodPost, "/channels/"+channelID+"/threads", post, &thread)
	return thread, err
}

// PinMessage pins a message in its channel.
func (c *Client) PinMessage(ctx context.Context, channelID, messageID string) error {
	return c.call(ctx, http.MethodPut, "/channels/"+channelID+"/pins/"+messageID, nil, nil)
}

// ThreadName trims a title to the platform's thread name limit.
func ThreadName(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return "Untitled"
	}
	runes := []rune(title)
	if len(runes) > threadNameLimit {
		return string(runes[:threadNameLimit])
	}
	return title
}

func (c *Client) call(ctx context.Context, method, path string, payload any, target any) error {
	var bodyBytes []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
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
			return err
		}
		req.Header.Set("Authorization", "Bot "+c.token)
		req.Header.Set("User-Agent", c.userAgent)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(resp.Header.Get("Retry-After"), respBody)); waitErr != nil {
				return waitErr
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return decodeAPIError(resp.StatusCode, respBody)
		}
		if target == nil || len(respBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, target); err != nil {
			return fmt.Errorf("channels: decode %s response: %w", path, err)
		}
		return nil
	}
}

func decodeAPIError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	var parsed struct {
		Code    int    `json:"code"`
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

func (c *Client) retryDelay(retryAfterHeader string, body []byte) time.Duration {
	delay := time.Second
	var parsed struct {
		RetryAfter *float64 `json:"retry_after"`
	}
	if seconds, err := strconv.ParseFloat(strings.TrimSpace(retryAfterHeader), 64); err == nil && seconds >= 0 {
		delay = time.Duration(seconds * float64(time.Second))
	} else if json.Unmarshal(body, &parsed) == nil && parsed.RetryAfter != nil && *parsed.RetryAfter >= 0 {
		delay = time.Duration(*parsed.RetryAfter * float64(time.Second))
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
