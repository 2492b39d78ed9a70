package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/wailbentafat/device-relay/broker"
	"github.com/wailbentafat/device-relay/config"
	"github.com/wailbentafat/device-relay/logger"
	"github.com/wailbentafat/device-relay/presence"
	"github.com/wailbentafat/device-relay/registry"
	"github.com/wailbentafat/device-relay/server"
	"github.com/wailbentafat/device-relay/websocket"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("RELAY_CONFIG"), "path to config.yaml")
	addr := pflag.String("addr", "", "listen address, overrides server.addr")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load config")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	if err := logger.Init(cfg.Log); err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize logger")
	}

	log := logger.WithComponent("relay-hub")

	// Initialize context with cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create message broker
	messageBroker, err := broker.New(cfg.Bus, "relay-hub-"+uuid.NewString()[:8])
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Bus.Driver).Msg("Failed to create message broker")
	}

	// Online devices live in redis when the bus is redis, otherwise in memory
	// fed from the bus.
	var store presence.Store = presence.NewMemoryStore()
	if rb, ok := messageBroker.(*broker.RedisBroker); ok {
		store = presence.NewRedisStore(rb.Client(), cfg.Bus.Prefix)
	}

	channels := broker.NewChannels(cfg.Bus.Prefix)

	// Create client manager and hub
	clientManager := websocket.NewClientManager(registry.New())
	hub := websocket.NewHub(clientManager, messageBroker, channels)

	handler := websocket.NewHandler(hub, websocket.Options{
		PingInterval:   cfg.Server.PingInterval,
		PingTimeout:    cfg.Server.PingTimeout,
		PollTimeout:    cfg.Server.PollTimeout,
		SendQueueSize:  cfg.Server.SendQueueSize,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	srv := server.NewServer(cfg.Server.Addr, handler, hub, store)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.Run(gctx)
	})

	g.Go(func() error {
		return presence.Listen(gctx, messageBroker, channels.Presence, store)
	})

	g.Go(func() error {
		return srv.Start()
	})

	log.Info().
		Str("addr", cfg.Server.Addr).
		Str("bus", cfg.Bus.Driver).
		Str("instance", hub.Instance()).
		Msg("Relay hub started")

	// Wait for shutdown signal or a component failure
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutdown signal received")

		// Graceful shutdown
		srv.Shutdown(cfg.Server.ShutdownTimeout, clientManager, messageBroker)

		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Relay hub stopped with error")
	}
}
