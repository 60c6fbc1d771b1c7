package serve

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	"github.com/centrorum/community-service/internal/config"
	registrycache "github.com/centrorum/community-service/internal/registry/cache"
	registrystore "github.com/centrorum/community-service/internal/registry/store"

	// Import all plugins to trigger init() registration
	_ "github.com/centrorum/community-service/internal/plugin/cache/noop"
	_ "github.com/centrorum/community-service/internal/plugin/cache/redis"
	_ "github.com/centrorum/community-service/internal/plugin/route/system"
	_ "github.com/centrorum/community-service/internal/plugin/store/postgres"
	_ "github.com/centrorum/community-service/internal/plugin/store/sqlite"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the community service HTTP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "mode",
			Category:    "Server:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_MODE"),
			Destination: &cfg.Mode,
			Value:       cfg.Mode,
			Usage:       "Security mode (prod|testing); testing accepts the X-User-ID header",
		},
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.BoolFlag{
			Name:        "tls",
			Category:    "Server:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_TLS"),
			Destination: &cfg.Listener.EnableTLS,
			Value:       cfg.Listener.EnableTLS,
			Usage:       "Serve TLS when a certificate and key are configured",
		},
		&cli.StringFlag{
			Name:        "tls-cert-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_TLS_CERT_FILE"),
			Destination: &cfg.Listener.TLSCertFile,
			Usage:       "TLS certificate file",
		},
		&cli.StringFlag{
			Name:        "tls-key-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_TLS_KEY_FILE"),
			Destination: &cfg.Listener.TLSKeyFile,
			Usage:       "TLS private key file",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},
		&cli.BoolFlag{
			Name:        "cors",
			Category:    "Server:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_CORS"),
			Destination: &cfg.CORSEnabled,
			Usage:       "Enable CORS handling",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "Server:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated list of allowed CORS origins (empty = any)",
		},
		&cli.IntFlag{
			Name:        "drain-timeout",
			Category:    "Server:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_DRAIN_TIMEOUT"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout in seconds",
		},
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Server:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       "service=community-service",
			Usage:       "Comma-separated key=value constant labels for all Prometheus metrics",
		},

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL",
			Required:    true,
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Database:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Run schema migrations on startup",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},
		&cli.IntFlag{
			Name:        "retry-max-attempts",
			Category:    "Database:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_RETRY_MAX_ATTEMPTS"),
			Destination: &cfg.RetryMaxAttempts,
			Value:       cfg.RetryMaxAttempts,
			Usage:       "Total attempt budget for contended datastore operations",
		},
		&cli.DurationFlag{
			Name:        "retry-base-delay",
			Category:    "Database:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_RETRY_BASE_DELAY"),
			Destination: &cfg.RetryBaseDelay,
			Value:       cfg.RetryBaseDelay,
			Usage:       "Initial backoff delay between contention retries",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Cache backend (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL for the profile cache",
		},
		&cli.DurationFlag{
			Name:        "cache-profile-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_CACHE_PROFILE_TTL"),
			Destination: &cfg.CacheProfileTTL,
			Value:       cfg.CacheProfileTTL,
			Usage:       "TTL for cached public profiles",
		},

		// ── Security ──────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "email-domain",
			Category:    "Security:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_EMAIL_DOMAIN"),
			Destination: &cfg.EmailDomain,
			Value:       cfg.EmailDomain,
			Usage:       "Institutional email domain required at registration",
		},
		&cli.StringFlag{
			Name:        "token-signing-key",
			Category:    "Security:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_TOKEN_SIGNING_KEY"),
			Destination: &cfg.TokenSigningKey,
			Usage:       "Hex or base64 16/24/32-byte key for signing access and refresh tokens",
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "id-token-key",
			Category:    "Security:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_ID_TOKEN_KEY"),
			Destination: &cfg.IDTokenKey,
			Usage:       "Hex or base64 AES key for public user identifiers; defaults to the token signing key",
		},
		&cli.DurationFlag{
			Name:        "access-token-ttl",
			Category:    "Security:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_ACCESS_TOKEN_TTL"),
			Destination: &cfg.AccessTokenTTL,
			Value:       cfg.AccessTokenTTL,
			Usage:       "Access token lifetime",
		},
		&cli.DurationFlag{
			Name:        "refresh-token-ttl",
			Category:    "Security:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_REFRESH_TOKEN_TTL"),
			Destination: &cfg.RefreshTokenTTL,
			Value:       cfg.RefreshTokenTTL,
			Usage:       "Refresh token lifetime",
		},

		// ── Collaborators ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "listings-url",
			Category:    "Collaborators:",
			Sources:     cli.EnvVars("COMMUNITY_SERVICE_LISTINGS_URL"),
			Destination: &cfg.ListingsURL,
			Usage:       "Base URL of the listings service; empty disables profile post enrichment",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}
