package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/adapter/driven/media/pion"
	"github.com/Wyydra/yacall/internal/adapter/driven/metrics/prometheus"
	"github.com/Wyydra/yacall/internal/adapter/driven/persistence/memory"
	redisrelay "github.com/Wyydra/yacall/internal/adapter/driven/relay/redis"
	handler "github.com/Wyydra/yacall/internal/adapter/driving/http"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/Wyydra/yacall/internal/logging"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logCloser, err := logging.Setup(logging.Options{
		Level:       cfg.Log.Level,
		Development: cfg.Development(),
		File:        cfg.Log.File,
		MaxSize:     cfg.Log.MaxSize,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAge:      cfg.Log.MaxAge,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := prometheus.New()
	// the bus outlives the signal context so shutdown events still go out
	bus := service.NewEventBus(context.Background(), cfg.Engine.EventBuffer, metrics)
	archive := memory.NewSessionArchive(cfg.Engine.TombstoneTTL)

	var (
		relay    port.Relay
		hub      *ws.Hub
		rdbRelay *redisrelay.Relay
		rdb      *redis.Client
	)
	switch cfg.Relay.Backend {
	case config.RelayRedis:
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Relay.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Relay.RedisAddr).Msg("Failed to reach redis")
		}
		rdbRelay = redisrelay.NewRelay(rdb, cfg.Relay.ChannelPrefix, cfg.Engine.InboxSize)
		hub = ws.NewHub(ws.WithListener(rdbRelay))
		relay = rdbRelay
	default:
		hub = ws.NewHub()
		relay = hub
	}
	go hub.Run()
	bus.Subscribe(hub.HandleEvent)

	channel := service.NewChannel(relay, service.ChannelConfig{
		Attempts: cfg.Engine.DeliveryAttempts,
		Backoff:  cfg.Engine.RetryBackoff,
	}, metrics)

	opts := []service.Option{
		service.WithCapacity(cfg.Engine.MaxParticipants),
		service.WithIdleTimeout(cfg.Engine.SessionIdleTimeout),
		service.WithArchive(archive),
		service.WithMetrics(metrics),
	}
	if cfg.Engine.ValidatePayloads {
		opts = append(opts, service.WithValidator(pion.NewValidator()))
	}
	calls := service.NewCallService(channel, bus, opts...)

	reaper := cron.New()
	if _, err := reaper.AddFunc(cfg.Engine.ReaperSchedule, func() {
		calls.ReapIdle(ctx)
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule session reaper")
	}
	reaper.Start()

	h := handler.NewHandler(calls, hub, handler.Options{
		StaticDir:       cfg.StaticDir,
		DeliveryTimeout: cfg.Engine.DeliveryTimeout,
		RateLimit:       rate.Limit(cfg.WS.RateLimit),
		RateBurst:       cfg.WS.RateBurst,
		InboxSize:       cfg.Engine.InboxSize,
		Metrics:         metrics.Handler(),
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", cfg.Addr).
			Str("relay", cfg.Relay.Backend).
			Int("max_participants", cfg.Engine.MaxParticipants).
			Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	<-reaper.Stop().Done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	calls.Close(shutdownCtx)
	if err := bus.Drain(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Events still queued at shutdown were dropped")
	}
	hub.Stop()
	if rdbRelay != nil {
		if err := rdbRelay.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close redis relay")
		}
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close redis client")
		}
	}
	log.Info().Msg("Server exited")
}
