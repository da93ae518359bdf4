package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"replydesk/internal/adapters/backend"
	server "replydesk/internal/adapters/http_server"
	"replydesk/internal/adapters/observability"
	redisad "replydesk/internal/adapters/redis"
	"replydesk/internal/app"
	"replydesk/internal/session"
	"replydesk/internal/shared"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := shared.Load()

	// set global logger (console in dev, JSON otherwise)
	log.Logger = observability.NewLogger(cfg.AppEnv, cfg.LogLevel)

	reg := observability.InitRegistry()
	if ms := observability.Serve(cfg.MetricsAddr, reg); ms != nil {
		defer ms.Close()
	}

	// redis backs the session and the snapshots
	cache := redisad.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	defer cache.Close()
	if err := cache.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("redis ping failed")
	}
	log.Info().Msg("redis connection ok")

	sess, err := shared.OpenSession(ctx, cache.Sessions(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("session restore failed")
	}

	client, err := backend.New(cfg.BackendBase, sess, cfg.BackendRPS, cfg.BackendTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize backend client")
	}

	// deps
	poller := app.NewPoller(client, app.PollerConfig{
		Interval:    cfg.PollInterval,
		MaxFailures: cfg.MaxPollFailures,
		Timeout:     cfg.TaskTimeout,
	})
	store := app.NewReviewStore(client, client, poller, cache, sess.ActiveUser, app.StoreConfig{
		PageSize: cfg.PageSize,
		Grace:    cfg.ReplyGrace,
		CacheTTL: cfg.CacheTTL,
	})
	desk := app.NewReplyDesk(store, client, client, client, poller, sess.ActiveUser, app.ReplyConfig{RefreshDelay: cfg.RefreshDelay})
	catalog := app.NewCatalog(client, client, cache, cfg.CacheTTL, sess.ActiveUser)
	settings := app.NewSettingsService(client, cache, cfg.CacheTTL)

	// every set belongs to the account that loaded it
	sess.OnChange(func(c session.Change) {
		log.Info().Str("change", c.String()).Msg("session changed")
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		store.InvalidateAll(cctx)
		catalog.Forget(cctx)
		desk.Reset()
	})

	// http
	srv := server.New(server.Options{AllowedOrigins: cfg.AllowedOrigins, Timeout: cfg.BackendTimeout + 20*time.Second})
	srv.Mount("/metrics", observability.MetricsHandler(reg))
	srv.MountHandlers(&server.Handlers{
		Ready: func(ctx context.Context) error {
			if err := cache.Ping(ctx); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			if err := client.Health(ctx); err != nil {
				return fmt.Errorf("backend: %w", err)
			}
			return nil
		},
		Session:  sess,
		Catalog:  catalog,
		Store:    store,
		Desk:     desk,
		Settings: settings,
	})

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Mux(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("backend", cfg.BackendBase).Msg("API listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	// backend tasks keep running; only local polling stops
	store.Close()
	poller.Close()
}
