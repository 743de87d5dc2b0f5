package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"cotamatch/internal/logger"
)

type redisBus struct {
	log    *logger.Logger
	rdb    *goredis.Client
	prefix string
}

func NewRedisBus(addr, prefix string, log *logger.Logger) (Bus, error) {
	if log == nil {
		log = logger.Nop()
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "cotamatch"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisBus{
		log:    log.With("service", "RedisEventBus"),
		rdb:    rdb,
		prefix: prefix,
	}, nil
}

func (b *redisBus) channel(topic string) string {
	return b.prefix + ":" + topic
}

func (b *redisBus) Publish(ctx context.Context, topic string, ev Event) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis event bus not initialized")
	}
	ev.Topic = topic
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel(topic), raw).Err()
}

// Subscribe forwards messages until unsubscribe is called or ctx ends.
func (b *redisBus) Subscribe(ctx context.Context, topic string, h Handler) (func(), error) {
	if b == nil || b.rdb == nil {
		return nil, fmt.Errorf("redis event bus not initialized")
	}
	if h == nil {
		return nil, fmt.Errorf("handler required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel(topic))

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	fctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-fctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn("bad redis event payload", "channel", m.Channel, "error", err)
					continue
				}
				h(ev)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (b *redisBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
