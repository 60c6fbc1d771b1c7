package config

import (
	"context"
	"time"
)

// ListenerConfig holds the network/TLS settings for the HTTP listener.
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the community service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode, the X-User-ID header is accepted in place of a bearer token.
	Mode string

	// Database
	DBURL string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// Datastore backend type
	DatastoreType string // "postgres" or "sqlite"

	// Cache backend type
	CacheType string // "redis" or "none"

	// Redis
	RedisURL string

	// Public profile cache TTL.
	CacheProfileTTL time.Duration

	// Registration is restricted to emails under this domain.
	EmailDomain string

	// TokenSigningKey signs access and refresh tokens. Hex or base64, 16/24/32 bytes.
	TokenSigningKey string

	// IDTokenKey encrypts the reversible public user identifiers. Hex or base64,
	// 16/24/32 bytes. Falls back to TokenSigningKey when empty.
	IDTokenKey string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// Contention retry
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration

	// Listings collaborator base URL. Empty disables listing enrichment.
	ListingsURL string

	// Server
	Listener ListenerConfig
	// ManagementAccessLog enables HTTP access logging for management endpoints
	// (/health, /ready, /metrics). Disabled by default to suppress probe noise.
	ManagementAccessLog bool
	CORSEnabled         bool
	CORSOrigins         string

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	// Defaults to "service=community-service".
	MetricsLabels string

	// Body size limit (bytes)
	MaxBodySize int64

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                    ModeProd,
		DatastoreType:           "postgres",
		DatastoreMigrateAtStart: true,
		CacheType:               "none",
		CacheProfileTTL:         5 * time.Minute,
		EmailDomain:             "upr.edu",
		AccessTokenTTL:          30 * time.Minute,
		RefreshTokenTTL:         7 * 24 * time.Hour,
		RetryMaxAttempts:        4,
		RetryBaseDelay:          25 * time.Millisecond,
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		MaxBodySize:    1 * 1024 * 1024,
		DrainTimeout:   30,
		DBMaxOpenConns: 25,
		DBMaxIdleConns: 5,
	}
}
