package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/wailbentafat/device-relay/client"
	"github.com/wailbentafat/device-relay/config"
	"github.com/wailbentafat/device-relay/controller"
	"github.com/wailbentafat/device-relay/logger"
	"github.com/wailbentafat/device-relay/protocol"
)

const usage = `usage: controller <command> [flags]

commands:
  send      dispatch a command to a device and wait for the hub's ack
  watch     print telemetry and save frames broadcast by devices
  devices   list device identities that are online
`

var log = logger.WithComponent("controller-cli")

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "send":
		err = runSend(ctx, os.Args[2:])
	case "watch":
		err = runWatch(ctx, os.Args[2:])
	case "devices":
		err = runDevices(ctx, os.Args[2:])
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

type common struct {
	configPath *string
	serverURL  *string
}

func commonFlags(fs *pflag.FlagSet) common {
	return common{
		configPath: fs.StringP("config", "c", os.Getenv("RELAY_CONFIG"), "path to config.yaml"),
		serverURL:  fs.String("server", "", "hub URL, overrides agent.server_url"),
	}
}

// setup loads config and initializes logging.
func (c common) setup() (*config.Config, error) {
	cfg, err := config.Load(*c.configPath)
	if err != nil {
		return nil, err
	}
	if *c.serverURL != "" {
		cfg.Agent.ServerURL = *c.serverURL
	}

	if err := logger.Init(cfg.Log); err != nil {
		return nil, err
	}

	return cfg, nil
}

func dial(ctx context.Context, cfg *config.Config) (*client.Conn, *controller.Controller, error) {
	conn, err := client.Dial(ctx, client.Options{ServerURL: cfg.Agent.ServerURL})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", cfg.Agent.ServerURL, err)
	}

	return conn, controller.New(conn), nil
}

func runSend(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("send", pflag.ExitOnError)
	flags := commonFlags(fs)
	deviceID := fs.StringP("device", "d", "", "target device identity")
	cmdType := fs.StringP("type", "t", "", "command type, e.g. SET_LANGUAGE, START_PREVIEW, PING")
	lang := fs.String("lang", "", "language for SET_LANGUAGE")
	timeout := fs.Duration("timeout", 10*time.Second, "how long to wait for the ack")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := flags.setup()
	if err != nil {
		return err
	}

	msg := protocol.CommandMessage{Type: protocol.CommandType(strings.ToUpper(*cmdType))}
	if *lang != "" {
		msg.Payload, _ = json.Marshal(protocol.SetLanguage{Lang: *lang})
	}

	cmd, err := protocol.ParseCommand(msg)
	if err != nil {
		return err
	}
	if err := controller.Validate(*deviceID, cmd); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	conn, ctrl, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() { _ = ctrl.Run(ctx) }()

	sent, err := ctrl.SendCommand(ctx, *deviceID, cmd)
	if err != nil {
		return err
	}

	log.Info().
		Str("device_id", sent.DeviceID).
		RawJSON("command", sent.Command).
		Time("acked_at", time.UnixMilli(sent.Timestamp)).
		Msg("Command dispatched")

	return nil
}

func runWatch(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("watch", pflag.ExitOnError)
	flags := commonFlags(fs)
	deviceID := fs.StringP("device", "d", "", "only show this device (default all)")
	framesDir := fs.String("frames-dir", "", "save received frames as JPEG files in this directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := flags.setup()
	if err != nil {
		return err
	}

	if *framesDir != "" {
		if err := os.MkdirAll(*framesDir, 0o755); err != nil {
			return err
		}
	}

	conn, ctrl, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	statuses, cancelStatuses := ctrl.Statuses(*deviceID)
	defer cancelStatuses()
	frames, cancelFrames := ctrl.Frames(*deviceID)
	defer cancelFrames()

	log.Info().Str("server", cfg.Agent.ServerURL).Str("device_id", *deviceID).Msg("Watching")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := ctrl.Run(gctx)
		if err == nil {
			return nil
		}
		return fmt.Errorf("connection lost: %w", err)
	})

	g.Go(func() error {
		enc := json.NewEncoder(os.Stdout)
		for status := range statuses {
			if err := enc.Encode(status); err != nil {
				return err
			}
		}
		return nil
	})

	g.Go(func() error {
		for frame := range frames {
			event := log.Debug()
			if *framesDir != "" {
				name := fmt.Sprintf("%s-%d-%d.jpg", frame.DeviceID, frame.Timestamp, frame.FrameNumber)
				path := filepath.Join(*framesDir, name)
				if err := os.WriteFile(path, frame.Image, 0o644); err != nil {
					return err
				}
				event = log.Info().Str("path", path)
			}
			event.
				Str("event", frame.Event).
				Str("device_id", frame.DeviceID).
				Uint64("frame", frame.FrameNumber).
				Int("bytes", len(frame.Image)).
				Msg("Frame received")
		}
		return nil
	})

	return g.Wait()
}

func runDevices(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("devices", pflag.ExitOnError)
	flags := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := flags.setup()
	if err != nil {
		return err
	}

	devices, err := controller.OnlineDevices(ctx, nil, cfg.Agent.ServerURL)
	if err != nil {
		return err
	}

	for _, d := range devices {
		fmt.Println(d)
	}

	return nil
}
