package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gocql/gocql"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"cinerelay/internal/auth"
	"cinerelay/internal/catalog"
	"cinerelay/internal/config"
	"cinerelay/internal/db"
	"cinerelay/internal/intercept"
	"cinerelay/internal/metrics"
	"cinerelay/internal/origins"
	"cinerelay/internal/ratelimit"
	"cinerelay/internal/relay"
	"cinerelay/internal/token"
	"cinerelay/internal/upstream"
	pkgauth "cinerelay/pkg/auth"
	pgdb "cinerelay/pkg/db"
	"cinerelay/pkg/logger"
)

type app struct {
	log      zerolog.Logger
	metrics  *metrics.Metrics
	auth     *auth.Service
	keys     *pkgauth.KeyGuard
	relay    *relay.Handler
	hub      *intercept.Hub
	registry *origins.Registry

	// directHosts skip signing in the sources listing.
	directHosts []string

	// Optional collaborators; nil when not configured.
	origins originAdmin
	users   userStore
	catalog catalogStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, cleanup, err := build(ctx, cfg, log)
	if err != nil {
		cleanup()
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer cleanup()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("shutdown")
		}
	}()

	log.Info().Str("addr", srv.Addr).Bool("catalog", a.catalog != nil).Bool("origins_db", a.origins != nil).Msg("api listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server stopped")
	}
}

// build wires every component. The returned cleanup is always safe to call.
func build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*app, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	a := &app{log: log, metrics: metrics.NewDefault(), directHosts: cfg.DirectPlayHosts}

	up, err := upstream.New(upstream.Options{
		UTLSHosts:     cfg.UTLSHosts,
		Proxy:         cfg.UpstreamProxy,
		HeaderTimeout: cfg.UpstreamTimeout,
		Log:           log,
	})
	if err != nil {
		return nil, cleanup, fmt.Errorf("upstream client: %w", err)
	}

	var lister origins.Lister
	if cfg.DBURL != "" {
		pool, err := pgdb.Connect(ctx, cfg.DBURL, int32(cfg.DBMaxConns))
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, pool.Close)
		store := origins.NewStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, cleanup, fmt.Errorf("origins schema: %w", err)
		}
		lister = store
		a.origins = store
	}
	a.registry = origins.NewRegistry(lister, origins.RegistryOptions{
		StaticTrusted: cfg.TrustedCDNHosts,
		Log:           log,
	})
	if err := a.registry.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial origin refresh")
	}
	go a.registry.Run(ctx, cfg.OriginRefresh)

	var limiter *ratelimit.Limiter
	if cfg.RedisURL != "" {
		rdb, err := ratelimit.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return nil, cleanup, fmt.Errorf("redis: %w", err)
		}
		closers = append(closers, func() { _ = rdb.Close() })
		limiter = ratelimit.New(ratelimit.NewRedisStore(rdb), "sign", cfg.SignRateLimit, cfg.SignRateWindow)
	}

	signer, err := token.NewSigner(token.Options{Secret: []byte(cfg.TokenSecret), TTL: cfg.TokenTTL})
	if err != nil {
		return nil, cleanup, err
	}
	a.auth = auth.NewService(cfg.AppSecret)
	a.keys = pkgauth.NewKeyGuard(cfg.APIKeys, a.auth)

	a.relay, err = relay.New(relay.Options{
		Signer:          signer,
		Upstream:        up,
		Origins:         a.registry,
		Guard:           relay.NewOriginGuard(cfg.OriginAllowList(), cfg.AllowMissingOrigin),
		Limiter:         limiter,
		Metrics:         a.metrics,
		Authorize:       a.keys.Allow,
		PublicBaseURL:   cfg.PublicBaseURL,
		ManifestTimeout: cfg.UpstreamTimeout,
		Log:             log,
	})
	if err != nil {
		return nil, cleanup, err
	}

	a.hub = intercept.NewHub(intercept.HubOptions{
		Timeout: cfg.InterceptTimeout,
		Fetcher: up,
		Metrics: a.metrics,
		Log:     log,
	})
	go a.hub.Run(ctx)

	if cfg.CatalogEnabled() {
		session, err := connectCatalog(ctx, cfg, log)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, session.Close)
		a.users = scyllaUsers{session: session, keyspace: cfg.Keyspace}
		a.catalog = catalog.NewService(session, cfg.Keyspace, catalog.Options{Health: a.registry})
	}
	return a, cleanup, nil
}

func connectCatalog(ctx context.Context, cfg config.Config, log zerolog.Logger) (*gocql.Session, error) {
	cluster := db.ClusterConfig{
		Hosts:       cfg.ScyllaHosts,
		Port:        cfg.ScyllaPort,
		Keyspace:    cfg.Keyspace,
		Consistency: cfg.Consistency,
		Replication: cfg.Replication,
	}
	for i := 0; i < 20; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
			}
		}
		s, err := db.Connect(cluster, log)
		if err != nil {
			log.Warn().Err(err).Int("attempt", i+1).Msg("scylla connect")
			continue
		}
		if err := db.EnsureSchema(s, cfg.Keyspace); err != nil {
			s.Close()
			log.Warn().Err(err).Int("attempt", i+1).Msg("ensure schema")
			continue
		}
		if cfg.AdminEmail != "" && cfg.AdminPass != "" {
			if err := db.EnsureAdmin(ctx, s, cfg.Keyspace, cfg.AdminEmail, cfg.AdminPass); err != nil {
				s.Close()
				log.Warn().Err(err).Int("attempt", i+1).Msg("ensure admin")
				continue
			}
		}
		return s, nil
	}
	return nil, errors.New("scylla not ready after retries")
}

func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP, middleware.Recoverer)
	r.Use(hlog.NewHandler(a.log))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		// Path only: stream URLs carry the token in the query.
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", a.metrics.Handler())

	r.Handle(relay.Path, a.relay)
	r.Mount("/api/intercept", a.keys.Middleware(a.hub.Routes()))

	r.Post("/auth/refresh", handleRefresh(a.auth))
	if a.users != nil {
		r.Post("/auth/login", handleLogin(a.users, a.auth))
	}

	if a.catalog != nil {
		r.Route("/media", func(r chi.Router) {
			r.Use(a.auth.RequireAuth)
			r.Get("/", handleListMedia(a.catalog))
			r.Get("/{id}", handleGetMedia(a.catalog))
			r.Get("/{id}/sources", handleSources(a.catalog, a.relay, a.directHosts, a.log))
		})
		r.With(a.auth.RequireAuth).Put("/progress", handleUpdateProgress(a.catalog))
		r.With(a.auth.RequireAuth).Get("/progress/{id}", handleGetProgress(a.catalog))
	}

	r.Route("/admin", func(r chi.Router) {
		r.Use(a.auth.RequireRole("admin"))
		if a.users != nil {
			r.Post("/users", handleCreateUser(a.users))
		}
		if a.catalog != nil {
			r.Post("/titles", handleCreateTitle(a.catalog))
			r.Post("/titles/{id}/sources", handleAddSource(a.catalog))
		}
		if a.origins != nil {
			r.Get("/origins", handleListOrigins(a.origins))
			r.Post("/origins", handleCreateOrigin(a.origins, a.registry))
			r.Put("/origins/{id}", handleUpdateOrigin(a.origins, a.registry))
			r.Delete("/origins/{id}", handleDeleteOrigin(a.origins, a.registry))
		}
	})
	return r
}

// scyllaUsers adapts the db package's user functions to userStore.
type scyllaUsers struct {
	session  *gocql.Session
	keyspace string
}

func (u scyllaUsers) Authenticate(ctx context.Context, email, password string) (db.User, error) {
	return db.Authenticate(ctx, u.session, u.keyspace, email, password)
}

func (u scyllaUsers) Create(ctx context.Context, email, password, role string) error {
	return db.CreateUser(ctx, u.session, u.keyspace, email, password, role)
}
