package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"gihan9a/mapsync/internal/config"
	"gihan9a/mapsync/internal/metrics"
)

// RedisBus fans messages out through redis pub/sub so sessions attached to
// different server processes see each other.
type RedisBus struct {
	rdb *redis.Client
}

// NewRedisBus connects to the configured redis server
func NewRedisBus(ctx context.Context, cfg config.BroadcastConfig) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("could not connect to redis: %w", err)
	}
	glog.Infof("[broadcast]connected to redis at %s", cfg.RedisAddr)
	return &RedisBus{rdb: rdb}, nil
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	metrics.BroadcastPublished.WithLabelValues("redis").Inc()
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	pubsub := b.rdb.Subscribe(ctx, topic)
	// wait for the subscription confirmation so that nothing published after
	// this call returns is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	out := make(chan []byte, subscriberBuffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			pubsub.Close()
		})
	}

	go func() {
		defer close(out)
		redisChan := pubsub.Channel()
		for {
			select {
			case msg, ok := <-redisChan:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
					metrics.BroadcastDropped.Inc()
					glog.Warningf("[broadcast]subscriber on %s is full, dropping message", topic)
				}
			case <-done:
				return
			case <-ctx.Done():
				cancel()
				return
			}
		}
	}()
	return out, cancel, nil
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
