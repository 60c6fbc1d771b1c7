package serve

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/centrorum/community-service/internal/config"
	"github.com/centrorum/community-service/internal/identity"
	"github.com/centrorum/community-service/internal/listings"
	routeauth "github.com/centrorum/community-service/internal/plugin/route/auth"
	"github.com/centrorum/community-service/internal/plugin/route/conversations"
	"github.com/centrorum/community-service/internal/plugin/route/profile"
	"github.com/centrorum/community-service/internal/plugin/route/requests"
	routesystem "github.com/centrorum/community-service/internal/plugin/route/system"
	"github.com/centrorum/community-service/internal/plugin/route/users"
	storemetrics "github.com/centrorum/community-service/internal/plugin/store/metrics"
	storeretry "github.com/centrorum/community-service/internal/plugin/store/retry"
	registrycache "github.com/centrorum/community-service/internal/registry/cache"
	registrymigrate "github.com/centrorum/community-service/internal/registry/migrate"
	registryroute "github.com/centrorum/community-service/internal/registry/route"
	registrystore "github.com/centrorum/community-service/internal/registry/store"
	"github.com/centrorum/community-service/internal/security"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config  *config.Config
	Store   registrystore.CommunityStore
	Router  *gin.Engine
	Running *RunningServer
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.Running.Close(ctx)
}

// StartServer initializes all subsystems and starts the HTTP server.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting community service",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
		"emailDomain", cfg.EmailDomain,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Run migrations
	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// Initialize cache and inject into context so store loaders can read it.
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if profileCache, err := cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
	} else {
		ctx = registrycache.WithProfileCacheContext(ctx, profileCache)
	}

	// Initialize store, then layer contention retries and metrics over it.
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storeretry.Wrap(store, cfg.RetryMaxAttempts, cfg.RetryBaseDelay)
	store = storemetrics.Wrap(store)

	// Token and identity codecs.
	issuer, err := security.NewTokenIssuer(cfg)
	if err != nil {
		return nil, err
	}
	codec, err := identity.NewCodec(cfg)
	if err != nil {
		return nil, err
	}

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	// Mount main route plugins on the main router.
	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	auth := security.AuthMiddleware(issuer, cfg.Mode == config.ModeTesting)
	listingsClient := listings.NewClient(cfg.ListingsURL)
	if listingsClient == nil {
		log.Info("Listings enrichment disabled; no listings URL configured")
	}

	// Mount API routes
	routeauth.MountRoutes(router, store, cfg, issuer, codec)
	profile.MountRoutes(router, store, auth, codec)
	users.MountRoutes(router, store, codec, listingsClient)
	requests.MountRoutes(router, store, auth, codec)
	conversations.MountRoutes(router, store, auth, codec)

	// Mount management route plugins (health, ready, metrics).
	for _, loader := range registryroute.ManagementRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load management routes: %w", err)
		}
	}

	running, err := StartHTTPServer(cfg.Listener, router)
	if err != nil {
		return nil, err
	}

	log.Info("Server listening",
		"port", running.Port,
		"tls", running.TLS,
	)
	routesystem.MarkReady()

	return &Server{
		Config:  cfg,
		Store:   store,
		Router:  router,
		Running: running,
	}, nil
}
