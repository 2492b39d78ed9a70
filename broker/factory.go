package broker

import (
	"fmt"

	"github.com/wailbentafat/device-relay/config"
)

// New creates the MessageBroker selected by cfg. instance names the process
// towards brokers that track client names.
func New(cfg config.BusConfig, instance string) (MessageBroker, error) {
	switch cfg.Driver {
	case config.BusMemory, "":
		return NewMemoryBroker(), nil
	case config.BusRedis:
		return NewRedisBroker(cfg.RedisAddr)
	case config.BusNATS:
		return NewNATSBroker(cfg.NATSURL, instance)
	case config.BusMQTT:
		return NewMQTTBroker(cfg.MQTTURL, instance)
	default:
		return nil, fmt.Errorf("unknown bus driver: %s", cfg.Driver)
	}
}
