// Package presence keeps the set of device identities that currently have at
// least one registered connection somewhere in the relay deployment.
package presence

import (
	"context"
	"sort"
	"sync"

	"github.com/go-redis/redis/v8"
)

const onlineDevicesSetKey = "online_devices"

type Store interface {
	AddOnlineDevice(ctx context.Context, deviceID string) error
	RemoveOnlineDevice(ctx context.Context, deviceID string) error
	GetOnlineDevices(ctx context.Context) ([]string, error)
}

// RedisStore shares the online set between hub instances.
type RedisStore struct {
	rdb *redis.Client
	key string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	key := onlineDevicesSetKey
	if prefix != "" {
		key = prefix + ":" + key
	}

	return &RedisStore{rdb: rdb, key: key}
}

func (s *RedisStore) AddOnlineDevice(ctx context.Context, deviceID string) error {
	return s.rdb.SAdd(ctx, s.key, deviceID).Err()
}

func (s *RedisStore) RemoveOnlineDevice(ctx context.Context, deviceID string) error {
	return s.rdb.SRem(ctx, s.key, deviceID).Err()
}

func (s *RedisStore) GetOnlineDevices(ctx context.Context) ([]string, error) {
	devices, err := s.rdb.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}

	sort.Strings(devices)

	return devices, nil
}

type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string]struct{})}
}

func (s *MemoryStore) AddOnlineDevice(_ context.Context, deviceID string) error {
	s.mu.Lock()
	s.devices[deviceID] = struct{}{}
	s.mu.Unlock()

	return nil
}

func (s *MemoryStore) RemoveOnlineDevice(_ context.Context, deviceID string) error {
	s.mu.Lock()
	delete(s.devices, deviceID)
	s.mu.Unlock()

	return nil
}

func (s *MemoryStore) GetOnlineDevices(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]string, 0, len(s.devices))
	for id := range s.devices {
		devices = append(devices, id)
	}
	sort.Strings(devices)

	return devices, nil
}
