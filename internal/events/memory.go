package events

import (
	"context"
	"sync"
	"time"
)

type subscriber struct {
	id int
	h  Handler
}

// MemoryBus dispatches synchronously in the publisher's goroutine.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID int
	topics map[string][]subscriber
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{topics: map[string][]subscriber{}}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ev.Topic = topic
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	subs := append([]subscriber(nil), b.topics[topic]...)
	b.mu.RUnlock()

	for _, s := range subs {
		s.h(ev)
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, topic string, h Handler) (func(), error) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscriber{id: id, h: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.topics[topic]
			for i, s := range subs {
				if s.id == id {
					b.topics[topic] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(b.topics[topic]) == 0 {
				delete(b.topics, topic)
			}
		})
	}, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.topics = map[string][]subscriber{}
	b.mu.Unlock()
	return nil
}
