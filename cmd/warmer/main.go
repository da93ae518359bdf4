package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"replydesk/internal/adapters/backend"
	"replydesk/internal/adapters/observability"
	redisad "replydesk/internal/adapters/redis"
	"replydesk/internal/app"
	"replydesk/internal/shared"
)

// warmer loads every place of the active account once and leaves the sets in
// redis for the API to serve.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := shared.Load()

	// 1) initialize global logger (console in dev, JSON otherwise)
	log.Logger = observability.NewLogger(cfg.AppEnv, cfg.LogLevel)

	count, err := app.ParseLoadCount(cfg.WarmLoadCount)
	if err != nil {
		log.Fatal().Err(err).Msg("bad WARM_LOAD_COUNT")
	}
	log.Info().
		Str("base", cfg.BackendBase).
		Int("workers", cfg.WarmWorkers).
		Str("load_count", count.String()).
		Dur("estimate_per_place", count.Estimate()).
		Msg("warmer starting")

	cache := redisad.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	defer cache.Close()
	if err := cache.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("redis ping failed")
	}

	sess, err := shared.OpenSession(ctx, cache.Sessions(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("session restore failed")
	}
	if !sess.Authenticated() {
		log.Fatal().Msg("no valid session to warm with")
	}

	client, err := backend.New(cfg.BackendBase, sess, cfg.BackendRPS, cfg.BackendTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize backend client")
	}
	poller := app.NewPoller(client, app.PollerConfig{
		Interval:    cfg.PollInterval,
		MaxFailures: cfg.MaxPollFailures,
		Timeout:     cfg.TaskTimeout,
	})
	defer poller.Close()

	store := app.NewReviewStore(client, client, poller, cache, sess.ActiveUser, app.StoreConfig{
		PageSize: cfg.PageSize,
		Grace:    cfg.ReplyGrace,
		CacheTTL: cfg.CacheTTL,
	})
	catalog := app.NewCatalog(client, client, cache, cfg.CacheTTL, sess.ActiveUser)

	rep, err := app.NewWarmer(catalog, store, cfg.WarmWorkers).WarmAll(ctx, count)
	log.Info().
		Int("places", rep.Places).
		Int("loaded", rep.Loaded).
		Int("skipped", rep.Skipped).
		Int("failed", rep.Failed).
		Int("reviews", rep.Reviews).
		Msg("warm completed")
	if err != nil {
		log.Error().Err(err).Msg("warm aborted")
		poller.Close()
		os.Exit(1)
	}
}
