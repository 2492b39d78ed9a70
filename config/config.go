// Package config loads the YAML configuration shared by the relay hub, the
// device agent and the controller CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wailbentafat/device-relay/logger"
)

// Bus drivers.
const (
	BusMemory = "memory"
	BusRedis  = "redis"
	BusNATS   = "nats"
	BusMQTT   = "mqtt"
)

var (
	errNoAddr        = errors.New("server.addr is required")
	errBackoffRange  = errors.New("agent.min_backoff must be positive and not above agent.max_backoff")
	errStreamQuality = errors.New("stream.quality must be within 1..100")
	errStreamEdge    = errors.New("stream.max_edge must be positive")
	errStreamRate    = errors.New("stream.interval must be positive")
)

// Config represents the top-level structure of config.yaml
type Config struct {
	Log    logger.Config `yaml:"log"`
	Server ServerConfig  `yaml:"server"`
	Bus    BusConfig     `yaml:"bus"`
	Agent  AgentConfig   `yaml:"agent"`
	Stream StreamConfig  `yaml:"stream"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PingTimeout     time.Duration `yaml:"ping_timeout"`
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	SendQueueSize   int           `yaml:"send_queue_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BusConfig selects the pub/sub backend that links several hub instances.
// The memory driver keeps everything inside one process.
type BusConfig struct {
	Driver    string `yaml:"driver"`
	Prefix    string `yaml:"prefix"`
	RedisAddr string `yaml:"redis_addr"`
	NATSURL   string `yaml:"nats_url"`
	MQTTURL   string `yaml:"mqtt_url"`
}

type AgentConfig struct {
	ServerURL        string        `yaml:"server_url"`
	DeviceID         string        `yaml:"device_id"`
	IdentityFile     string        `yaml:"identity_file"`
	Transports       []string      `yaml:"transports"`
	MinBackoff       time.Duration `yaml:"min_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	LivenessInterval time.Duration `yaml:"liveness_interval"`
	Languages        []string      `yaml:"languages"`
}

type StreamConfig struct {
	Interval time.Duration `yaml:"interval"`
	MaxEdge  int           `yaml:"max_edge"`
	Quality  int           `yaml:"quality"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: logger.DefaultConfig(),
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"*"},
			PingInterval:    25 * time.Second,
			PingTimeout:     60 * time.Second,
			PollTimeout:     20 * time.Second,
			SendQueueSize:   64,
			ShutdownTimeout: 15 * time.Second,
		},
		Bus: BusConfig{
			Driver:    BusMemory,
			Prefix:    "relay",
			RedisAddr: "localhost:6379",
			NATSURL:   "nats://127.0.0.1:4222",
			MQTTURL:   "tcp://127.0.0.1:1883",
		},
		Agent: AgentConfig{
			ServerURL:        "http://localhost:8080",
			IdentityFile:     "device-id",
			Transports:       []string{"polling", "websocket"},
			MinBackoff:       time.Second,
			MaxBackoff:       30 * time.Second,
			LivenessInterval: 10 * time.Second,
			Languages:        []string{"en", "fil"},
		},
		Stream: StreamConfig{
			Interval: 500 * time.Millisecond,
			MaxEdge:  480,
			Quality:  60,
		},
	}
}

// Load reads the YAML file over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	overrides := map[string]*string{
		"RELAY_ADDR":       &c.Server.Addr,
		"RELAY_BUS_DRIVER": &c.Bus.Driver,
		"REDIS_ADDR":       &c.Bus.RedisAddr,
		"NATS_URL":         &c.Bus.NATSURL,
		"MQTT_URL":         &c.Bus.MQTTURL,
		"RELAY_SERVER_URL": &c.Agent.ServerURL,
		"DEVICE_ID":        &c.Agent.DeviceID,
	}

	for key, target := range overrides {
		if value := os.Getenv(key); value != "" {
			*target = value
		}
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = strings.Split(origins, ",")
	}
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errNoAddr
	}

	switch c.Bus.Driver {
	case BusMemory, BusRedis, BusNATS, BusMQTT:
	default:
		return fmt.Errorf("unknown bus driver %q", c.Bus.Driver)
	}

	if c.Agent.MinBackoff <= 0 || c.Agent.MinBackoff > c.Agent.MaxBackoff {
		return errBackoffRange
	}

	if c.Stream.Quality < 1 || c.Stream.Quality > 100 {
		return errStreamQuality
	}

	if c.Stream.MaxEdge <= 0 {
		return errStreamEdge
	}

	if c.Stream.Interval <= 0 {
		return errStreamRate
	}

	return nil
}
