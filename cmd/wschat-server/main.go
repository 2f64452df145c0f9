// Command wschat-server runs the WebSocket chat/echo service: it wires
// configuration, logging, the KV store and pub/sub channel adapters, the
// session registry, heartbeat publisher, broadcast coordinator, and the
// HTTP/WS entry, then serves until a termination signal triggers a graceful
// shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/wschat/internal/broadcast"
	"github.com/adred-codev/wschat/internal/config"
	"github.com/adred-codev/wschat/internal/hub"
	"github.com/adred-codev/wschat/internal/kvstore"
	"github.com/adred-codev/wschat/internal/logging"
	"github.com/adred-codev/wschat/internal/metrics"
	"github.com/adred-codev/wschat/internal/ready"
	"github.com/adred-codev/wschat/internal/session"
	"github.com/adred-codev/wschat/internal/shutdown"
	"github.com/adred-codev/wschat/internal/transport"
)

func main() {
	bootLogger := logging.New("info", "console")

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	cfg.LogFields(logger)

	store, err := kvstore.NewRedisStore(kvstore.RedisConfig{
		URL:          cfg.MessageRedisURL,
		PoolSize:     cfg.RedisPoolSize,
		MinIdleConns: cfg.RedisMinIdleConns,
		DialTimeout:  cfg.RedisDialTimeout,
		CallTimeout:  cfg.RedisCallTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}

	channel, err := kvstore.NewNATSChannel(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to nats")
	}

	poolStatsCtx, cancelPoolStats := context.WithCancel(context.Background())
	defer cancelPoolStats()
	go store.ReportPoolStats(poolStatsCtx, 10*time.Second)

	registry := session.NewRegistry()
	readyCtl := ready.New()

	hubDeps := hub.Deps{
		Store:      store,
		Registry:   registry,
		Logger:     logger,
		TTL:        cfg.SessionTTL,
		MaxHistory: int64(cfg.MaxMsgHistory),
	}

	coordinator := broadcast.New(registry, store, channel, broadcast.Config{
		Deadline:      cfg.BroadcastDeadline,
		DedupeLRUSize: cfg.BroadcastDedupeSize,
		SessionTTL:    cfg.SessionTTL,
		MaxHistory:    int64(cfg.MaxMsgHistory),
	}, logger)

	msgs, unsubscribe, err := channel.Subscribe(context.Background(), kvstore.BroadcastChannel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to subscribe to broadcast channel")
	}
	go func() {
		for frame := range msgs {
			coordinator.DeliverRemote(frame)
		}
	}()

	heartbeat := hub.NewHeartbeat(registry, cfg.HeartbeatInterval, logger)
	go heartbeat.Run(context.Background())

	srv := transport.New(hubDeps, readyCtl, store, coordinator, cfg.MessageRedisURL, cfg.SessionTTL, logger)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("starting http/ws entry")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	readyCtl.SetReady()
	logger.Info().Msg("service is ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, os.Interrupt)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)

	shutdown.Run(shutdown.Deps{
		Ready:       readyCtl,
		Registry:    registry,
		Heartbeat:   heartbeat,
		Unsubscribe: unsubscribe,
		Store:       store,
		Publisher:   channel,
		Logger:      logger,
	})
}
