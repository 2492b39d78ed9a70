package presence

import (
	"context"
	"fmt"

	"github.com/wailbentafat/device-relay/broker"
	"github.com/wailbentafat/device-relay/logger"
)

var log = logger.WithComponent("presence")

// Listen applies device_online/device_offline events from channel to store
// until ctx is done or the subscription closes.
func Listen(ctx context.Context, messageBroker broker.MessageBroker, channel string, store Store) error {
	eventsChan, err := messageBroker.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("subscribe to presence events: %w", err)
	}
	log.Info().Str("channel", channel).Msg("Subscribed to presence events")

	Consume(ctx, eventsChan, store)

	return nil
}

// Consume applies presence events to store until events is closed.
func Consume(ctx context.Context, events <-chan broker.Message, store Store) {
	for msg := range events {
		switch msg.Type {
		case broker.TypeDeviceOnline:
			log.Debug().Str("device_id", msg.DeviceID).Msg("Device online")
			if err := store.AddOnlineDevice(ctx, msg.DeviceID); err != nil {
				log.Error().Err(err).Str("device_id", msg.DeviceID).Msg("Failed to add online device")
			}
		case broker.TypeDeviceOffline:
			log.Debug().Str("device_id", msg.DeviceID).Msg("Device offline")
			if err := store.RemoveOnlineDevice(ctx, msg.DeviceID); err != nil {
				log.Error().Err(err).Str("device_id", msg.DeviceID).Msg("Failed to remove online device")
			}
		default:
			log.Warn().Str("type", msg.Type).Msg("Unknown presence event")
		}
	}
}
