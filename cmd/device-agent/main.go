package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/wailbentafat/device-relay/agent"
	"github.com/wailbentafat/device-relay/client"
	"github.com/wailbentafat/device-relay/config"
	"github.com/wailbentafat/device-relay/logger"
	"github.com/wailbentafat/device-relay/stream"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("RELAY_CONFIG"), "path to config.yaml")
	serverURL := pflag.String("server", "", "hub URL, overrides agent.server_url")
	deviceID := pflag.String("device-id", "", "device identity, overrides agent.device_id")
	framesPath := pflag.String("frames", "", "read camera frames from this JPEG/PNG file instead of a test pattern")
	transports := pflag.StringSlice("transport", nil, "allowed transports in order (polling, websocket)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load config")
	}
	if *serverURL != "" {
		cfg.Agent.ServerURL = *serverURL
	}
	if *deviceID != "" {
		cfg.Agent.DeviceID = *deviceID
	}
	if len(*transports) > 0 {
		cfg.Agent.Transports = *transports
	}

	if err := logger.Init(cfg.Log); err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize logger")
	}

	log := logger.WithComponent("device-agent")

	id, err := agent.LoadOrCreateIdentity(cfg.Agent.IdentityFile, cfg.Agent.DeviceID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve device identity")
	}

	var source stream.FrameSource = stream.NewPatternSource(640, 480)
	if *framesPath != "" {
		source = stream.NewFileSource(*framesPath)
	}

	act := &headlessActuator{source: source}

	a := agent.New(agent.Options{
		DeviceID: id,
		Dial: agent.ClientDialer(client.Options{
			ServerURL:  cfg.Agent.ServerURL,
			DeviceID:   id,
			Transports: cfg.Agent.Transports,
		}),
		Actuator:         act,
		Source:           source,
		Stream:           cfg.Stream,
		Languages:        cfg.Agent.Languages,
		MinBackoff:       cfg.Agent.MinBackoff,
		MaxBackoff:       cfg.Agent.MaxBackoff,
		LivenessInterval: cfg.Agent.LivenessInterval,
	})
	act.agent = a

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SIGUSR1 stands in for the app coming back to the foreground, SIGUSR2
	// for the camera button.
	wake := make(chan os.Signal, 1)
	signal.Notify(wake, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for {
			select {
			case sig := <-wake:
				if sig == syscall.SIGUSR2 {
					act.toggleCamera()
					continue
				}
				a.Wake()
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Info().Str("device_id", id).Str("server", cfg.Agent.ServerURL).Msg("Device agent starting")

	if err := a.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Device agent stopped with error")
	}
}
