package broadcast

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"gihan9a/mapsync/internal/metrics"
	"gihan9a/mapsync/internal/utils"
)

// MemoryBus is an in-process Bus. Subscribers that fall behind lose messages
// rather than blocking publishers.
type MemoryBus struct {
	mu     sync.RWMutex
	topics map[string]map[string]chan []byte
	closed bool
}

// NewMemoryBus creates an empty bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{topics: make(map[string]map[string]chan []byte)}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	metrics.BroadcastPublished.WithLabelValues("memory").Inc()
	for subID, ch := range b.topics[topic] {
		select {
		case ch <- payload:
		default:
			metrics.BroadcastDropped.Inc()
			glog.Warningf("[broadcast]subscriber %s on %s is full, dropping message", subID, topic)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, ErrClosed
	}
	subID := utils.NewSessionID()
	ch := make(chan []byte, subscriberBuffer)
	if _, exists := b.topics[topic]; !exists {
		b.topics[topic] = make(map[string]chan []byte)
	}
	b.topics[topic][subID] = ch
	b.mu.Unlock()

	if glog.V(2) {
		glog.Infof("[broadcast]added subscription %s for %s", subID, topic)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.remove(topic, subID)
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, nil
}

func (b *MemoryBus) remove(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, exists := b.topics[topic]
	if !exists {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
	if glog.V(2) {
		glog.Infof("[broadcast]removed subscription %s for %s", subID, topic)
	}
}

// Subscribers returns the number of live subscriptions on topic
func (b *MemoryBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.topics {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.topics, topic)
	}
	return nil
}
