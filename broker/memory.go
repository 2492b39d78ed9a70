package broker

import (
	"context"
	"errors"
	"sync"
)

var ErrBrokerClosed = errors.New("broker closed")

// MemoryBroker is an in-process MessageBroker for single-instance deployments
// and tests. Publish blocks until every subscriber has taken the message.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

type memorySub struct {
	ch   chan Message
	done chan struct{}
	once sync.Once
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*memorySub]struct{})}
}

func (b *MemoryBroker) Publish(ctx context.Context, channel string, message Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBrokerClosed
	}

	for sub := range b.subs[channel] {
		select {
		case sub.ch <- message:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	sub := &memorySub{
		ch:   make(chan Message, 64),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySub]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.done:
		}
		sub.stop()

		// Publishers hold the read lock while sending, so once the write
		// lock is held nobody is sending on sub.ch.
		b.mu.Lock()
		delete(b.subs[channel], sub)
		b.mu.Unlock()

		close(sub.ch)
	}()

	return sub.ch, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subs {
		for sub := range subs {
			sub.stop()
		}
	}

	return nil
}
