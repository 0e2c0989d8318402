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

	"cinerelay/internal/config"
	"cinerelay/internal/metrics"
	"cinerelay/internal/origins"
	"cinerelay/internal/upstream"
	"cinerelay/pkg/db"
	"cinerelay/pkg/logger"
)

func main() {
	cfg, err := config.LoadProber()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DBURL, int32(cfg.DBMaxConns))
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer pool.Close()

	store := origins.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	// Probes go through the relay's client so utls hosts see the same hello.
	client, err := upstream.New(upstream.Options{
		UTLSHosts:     cfg.UTLSHosts,
		Proxy:         cfg.Proxy,
		HeaderTimeout: cfg.Timeout,
		Log:           log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("upstream client")
	}

	m := metrics.NewDefault()
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server")
			}
		}()
		defer srv.Close()
	}

	prober := origins.NewProber(store, client, origins.ProberOptions{
		Concurrency: cfg.Concurrency,
		Timeout:     cfg.Timeout,
		OnResult: func(o origins.Origin, ok bool) {
			m.Health(o.Host, ok)
			if !ok {
				log.Warn().Str("origin", o.Host).Msg("origin unhealthy")
			}
		},
		Log: log,
	})
	log.Info().Dur("interval", cfg.Interval).Int("concurrency", cfg.Concurrency).Msg("health checker started")
	prober.Run(ctx, cfg.Interval)
}
