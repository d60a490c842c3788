package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "NOTIPY"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabaseDSN       = "notipy.db"
	defaultLogLevel          = "info"
	defaultAuthIssuer        = "notipy"
	defaultAuthAudience      = "notipy-internal"
	defaultAuthTokenTTL      = 720 * time.Hour
	defaultPageStoreBaseURL  = "https://api.notion.com"
	defaultPageStoreVersion  = "2022-06-28"
	defaultChannelsBaseURL   = "https://discord.com/api/v10"
	defaultClientTimeout     = 20 * time.Second
	defaultReconcileInterval = 5 * time.Minute
	defaultLeaseTTL          = 10 * time.Minute
	defaultSweepInterval     = time.Hour
	defaultInactivityWindow  = 24 * time.Hour
	defaultServerCacheTTL    = 3 * time.Hour
	defaultDatabaseCacheTTL  = 12 * time.Hour
	defaultPageCacheTTL      = 12 * time.Hour
	defaultCacheMaxEntries   = 1024
	defaultWebhookWorkers    = 4
	defaultWebhookQueueSize  = 256
)

// Supported database drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	LogLevel       string

	DatabaseDriver string
	DatabaseDSN    string

	SigningSecret string
	TokenIssuer   string
	TokenAudience string
	TokenTTL      time.Duration

	PageStoreBaseURL    string
	PageStoreAPIVersion string
	PageStoreTimeout    time.Duration

	ChannelsBaseURL  string
	ChannelsBotToken string
	ChannelsTimeout  time.Duration

	ReconcileInterval time.Duration
	RetryCeiling      int
	LeaseTTL          time.Duration

	SweepInterval    time.Duration
	InactivityWindow time.Duration

	ServerCacheTTL   time.Duration
	DatabaseCacheTTL time.Duration
	PageCacheTTL     time.Duration
	CacheMaxEntries  int

	WebhookWorkers   int
	WebhookQueueSize int

	RedisURL string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl", defaultAuthTokenTTL)
	configViper.SetDefault("pagestore.base_url", defaultPageStoreBaseURL)
	configViper.SetDefault("pagestore.api_version", defaultPageStoreVersion)
	configViper.SetDefault("pagestore.timeout", defaultClientTimeout)
	configViper.SetDefault("channels.base_url", defaultChannelsBaseURL)
	configViper.SetDefault("channels.timeout", defaultClientTimeout)
	configViper.SetDefault("reconciler.interval", defaultReconcileInterval)
	configViper.SetDefault("reconciler.retry_ceiling", 0)
	configViper.SetDefault("reconciler.lease_ttl", defaultLeaseTTL)
	configViper.SetDefault("sweeper.interval", defaultSweepInterval)
	configViper.SetDefault("sweeper.inactivity", defaultInactivityWindow)
	configViper.SetDefault("cache.server_ttl", defaultServerCacheTTL)
	configViper.SetDefault("cache.database_ttl", defaultDatabaseCacheTTL)
	configViper.SetDefault("cache.page_ttl", defaultPageCacheTTL)
	configViper.SetDefault("cache.max_entries", defaultCacheMaxEntries)
	configViper.SetDefault("webhooks.workers", defaultWebhookWorkers)
	configViper.SetDefault("webhooks.queue_size", defaultWebhookQueueSize)
	configViper.SetDefault("redis.url", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		AllowedOrigins:      configViper.GetStringSlice("http.allowed_origins"),
		LogLevel:            configViper.GetString("log.level"),
		DatabaseDriver:      strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:         configViper.GetString("database.dsn"),
		SigningSecret:       configViper.GetString("auth.signing_secret"),
		TokenIssuer:         configViper.GetString("auth.issuer"),
		TokenAudience:       configViper.GetString("auth.audience"),
		TokenTTL:            configViper.GetDuration("auth.token_ttl"),
		PageStoreBaseURL:    configViper.GetString("pagestore.base_url"),
		PageStoreAPIVersion: configViper.GetString("pagestore.api_version"),
		PageStoreTimeout:    configViper.GetDuration("pagestore.timeout"),
		ChannelsBaseURL:     configViper.GetString("channels.base_url"),
		ChannelsBotToken:    configViper.GetString("channels.bot_token"),
		ChannelsTimeout:     configViper.GetDuration("channels.timeout"),
		ReconcileInterval:   configViper.GetDuration("reconciler.interval"),
		RetryCeiling:        configViper.GetInt("reconciler.retry_ceiling"),
		LeaseTTL:            configViper.GetDuration("reconciler.lease_ttl"),
		SweepInterval:       configViper.GetDuration("sweeper.interval"),
		InactivityWindow:    configViper.GetDuration("sweeper.inactivity"),
		ServerCacheTTL:      configViper.GetDuration("cache.server_ttl"),
		DatabaseCacheTTL:    configViper.GetDuration("cache.database_ttl"),
		PageCacheTTL:        configViper.GetDuration("cache.page_ttl"),
		CacheMaxEntries:     configViper.GetInt("cache.max_entries"),
		WebhookWorkers:      configViper.GetInt("webhooks.workers"),
		WebhookQueueSize:    configViper.GetInt("webhooks.queue_size"),
		RedisURL:            strings.TrimSpace(configViper.GetString("redis.url")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.ChannelsBotToken) == "" {
		return fmt.Errorf("channels.bot_token is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite, DriverMySQL:
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	durations := map[string]time.Duration{
		"auth.token_ttl":       c.TokenTTL,
		"pagestore.timeout":    c.PageStoreTimeout,
		"channels.timeout":     c.ChannelsTimeout,
		"reconciler.interval":  c.ReconcileInterval,
		"reconciler.lease_ttl": c.LeaseTTL,
		"sweeper.interval":     c.SweepInterval,
		"sweeper.inactivity":   c.InactivityWindow,
		"cache.server_ttl":     c.ServerCacheTTL,
		"cache.database_ttl":   c.DatabaseCacheTTL,
		"cache.page_ttl":       c.PageCacheTTL,
	}
	for key, value := range durations {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.RetryCeiling < 0 {
		return fmt.Errorf("reconciler.retry_ceiling must not be negative")
	}
	if c.CacheMaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive")
	}
	if c.WebhookWorkers <= 0 || c.WebhookQueueSize <= 0 {
		return fmt.Errorf("webhooks.workers and webhooks.queue_size must be positive")
	}
	return nil
}
