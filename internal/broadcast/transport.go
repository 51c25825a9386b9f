package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/golang/glog"

	"gihan9a/mapsync/pkg/syncproto"
)

// MapTransport sends and receives envelopes on one map's topic.
type MapTransport struct {
	bus   Bus
	topic string
}

// NewMapTransport binds a transport to the topic of mapID
func NewMapTransport(bus Bus, prefix, mapID string) *MapTransport {
	return &MapTransport{bus: bus, topic: MapTopic(prefix, mapID)}
}

// Topic returns the bus topic the transport uses
func (t *MapTransport) Topic() string {
	return t.topic
}

// Publish broadcasts env to every subscriber of the map
func (t *MapTransport) Publish(ctx context.Context, env syncproto.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("error encoding envelope: %w", err)
	}
	return t.bus.Publish(ctx, t.topic, data)
}

// Subscribe decodes the map topic into envelopes. Malformed payloads are
// logged and skipped.
func (t *MapTransport) Subscribe(ctx context.Context) (<-chan syncproto.Envelope, func(), error) {
	raw, cancel, err := t.bus.Subscribe(ctx, t.topic)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan syncproto.Envelope, subscriberBuffer)
	go func() {
		defer close(out)
		for data := range raw {
			var env syncproto.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				glog.Warningf("[broadcast]dropping malformed envelope on %s: %s", t.topic, err)
				continue
			}
			out <- env
		}
	}()
	return out, cancel, nil
}
