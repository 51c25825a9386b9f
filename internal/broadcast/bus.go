// Package broadcast is the realtime fan-out between the sessions editing the
// same map. Topics carry opaque payloads; MapTransport layers the envelope
// codec on top.
package broadcast

import (
	"context"
	"errors"
	"fmt"

	"gihan9a/mapsync/internal/config"
)

var ErrClosed = errors.New("broadcast: bus closed")

// subscriberBuffer is how many undelivered messages a subscriber may hold
// before new ones are dropped.
const subscriberBuffer = 256

// Bus publishes payloads to every current subscriber of a topic.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe delivers messages published after it returns. The channel is
	// closed by the cancel func or when ctx ends.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error)
	Close() error
}

// Open creates the bus named by the broadcast config
func Open(ctx context.Context, cfg config.BroadcastConfig) (Bus, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryBus(), nil
	case "redis":
		return NewRedisBus(ctx, cfg)
	}
	return nil, fmt.Errorf("unknown broadcast driver %q", cfg.Driver)
}

// MapTopic is the topic every session of mapID shares
func MapTopic(prefix, mapID string) string {
	return topic(prefix, "map", mapID)
}

// PermissionTopic carries permission events for one user on one map
func PermissionTopic(prefix, mapID, userID string) string {
	return topic(prefix, "perm", mapID+":"+userID)
}

func topic(prefix, kind, name string) string {
	if prefix == "" {
		return kind + ":" + name
	}
	return prefix + ":" + kind + ":" + name
}
